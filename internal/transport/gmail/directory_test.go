package gmail

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/option"
)

func TestListUsersPaginated(t *testing.T) {
	page1 := `{
		"users": [
			{"primaryEmail": "alice@corp.example", "name": {"fullName": "Alice Smith", "givenName": "Alice", "familyName": "Smith"}, "orgUnitPath": "/Sales"},
			{"primaryEmail": "bob@corp.example", "name": {"fullName": "Bob Jones"}, "suspended": true}
		],
		"nextPageToken": "page-2"
	}`
	page2 := `{
		"users": [
			{"primaryEmail": "support@corp.example", "name": {"fullName": "Support Desk"}},
			{"primaryEmail": "carol@corp.example", "name": {"fullName": "Carol White", "givenName": "Carol", "familyName": "White"}}
		]
	}`

	var tokens []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("pageToken")
		tokens = append(tokens, token)
		w.Header().Set("Content-Type", "application/json")
		if token == "page-2" {
			fmt.Fprint(w, page2)
		} else {
			fmt.Fprint(w, page1)
		}
	}))
	defer ts.Close()

	svc, err := admin.NewService(context.Background(),
		option.WithEndpoint(ts.URL),
		option.WithHTTPClient(ts.Client()),
		option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("create test service: %v", err)
	}

	users, err := listUsers(context.Background(), svc, "boss@corp.example")
	if err != nil {
		t.Fatalf("listUsers() error = %v", err)
	}

	if len(users) != 4 {
		t.Fatalf("got %d users, want 4 across both pages", len(users))
	}
	if len(tokens) != 2 || tokens[0] != "" || tokens[1] != "page-2" {
		t.Errorf("page tokens = %v, want [\"\" page-2]", tokens)
	}

	if users[0].Email != "alice@corp.example" || !users[0].IsActive {
		t.Errorf("alice = %+v, want active", users[0])
	}
	if users[0].FirstName != "Alice" || users[0].LastName != "Smith" {
		t.Errorf("alice name = %q %q", users[0].FirstName, users[0].LastName)
	}
	if users[1].IsActive {
		t.Error("suspended bob marked active")
	}
	if users[2].IsActive {
		t.Error("support mailbox marked active")
	}
	if !users[3].IsActive {
		t.Error("carol marked inactive")
	}
}

func TestListUsersRemoteError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusForbidden, "Not Authorized to access this resource/api")
	}))
	defer ts.Close()

	svc, err := admin.NewService(context.Background(),
		option.WithEndpoint(ts.URL),
		option.WithHTTPClient(ts.Client()),
		option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("create test service: %v", err)
	}

	if _, err := listUsers(context.Background(), svc, "boss@corp.example"); err == nil {
		t.Fatal("listUsers() on 403 expected error, got nil")
	}
}

func TestMapDirectoryUser(t *testing.T) {
	const adminEmail = "boss@corp.example"

	tests := []struct {
		name       string
		user       *admin.User
		wantActive bool
	}{
		{
			"plain user",
			&admin.User{PrimaryEmail: "jane@corp.example", Name: &admin.UserName{FullName: "Jane Doe"}, OrgUnitPath: "/Sales"},
			true,
		},
		{
			"suspended",
			&admin.User{PrimaryEmail: "jane@corp.example", Suspended: true},
			false,
		},
		{
			"super admin flag",
			&admin.User{PrimaryEmail: "jane@corp.example", IsAdmin: true},
			false,
		},
		{
			"delegated admin flag",
			&admin.User{PrimaryEmail: "jane@corp.example", IsDelegatedAdmin: true},
			false,
		},
		{
			"admin org unit",
			&admin.User{PrimaryEmail: "jane@corp.example", OrgUnitPath: "/Admins"},
			false,
		},
		{
			"super users org unit",
			&admin.User{PrimaryEmail: "jane@corp.example", OrgUnitPath: "/Super Users"},
			false,
		},
		{
			"role local part",
			&admin.User{PrimaryEmail: "postmaster@corp.example"},
			false,
		},
		{
			"role local part with suffix",
			&admin.User{PrimaryEmail: "support.team@corp.example"},
			false,
		},
		{
			"delegating admin address",
			&admin.User{PrimaryEmail: adminEmail},
			false,
		},
		{
			"administrator in display name",
			&admin.User{PrimaryEmail: "jane@corp.example", Name: &admin.UserName{FullName: "Jane Administrator"}},
			false,
		},
		{
			"nil name",
			&admin.User{PrimaryEmail: "jane@corp.example"},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapDirectoryUser(tt.user, adminEmail)
			if got.IsActive != tt.wantActive {
				t.Errorf("IsActive = %v, want %v", got.IsActive, tt.wantActive)
			}
			if got.Email != tt.user.PrimaryEmail {
				t.Errorf("Email = %q, want %q", got.Email, tt.user.PrimaryEmail)
			}
		})
	}
}
