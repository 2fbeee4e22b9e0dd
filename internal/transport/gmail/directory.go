package gmail

import (
	"context"
	"fmt"
	"log"
	"strings"

	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/option"

	"github.com/ignite/workspace-mailer/internal/domain"
)

var adminScopes = []string{
	admin.AdminDirectoryUserScope,
	admin.AdminDirectoryUserSecurityScope,
	admin.AdminDirectoryOrgunitScope,
	admin.AdminDirectoryDomainReadonlyScope,
}

const directoryPageSize = 500

// FetchWorkspaceUsers pages through the domain directory as seen by
// adminEmail and maps every user for storage. Suspended users and
// anything that looks administrative come back inactive, so the pool
// builder never picks them without the rows disappearing from view.
func (f *Factory) FetchWorkspaceUsers(ctx context.Context, credentialJSON, adminEmail string) ([]domain.User, error) {
	client, err := f.delegatedClient(ctx, credentialJSON, adminEmail, adminScopes)
	if err != nil {
		return nil, err
	}
	svc, err := admin.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("create directory service: %w", err)
	}
	return listUsers(ctx, svc, adminEmail)
}

func listUsers(ctx context.Context, svc *admin.Service, adminEmail string) ([]domain.User, error) {
	var users []domain.User
	admins := 0
	pageToken := ""
	for {
		call := svc.Users.List().
			Customer("my_customer").
			MaxResults(directoryPageSize).
			OrderBy("email").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		res, err := call.Do()
		if err != nil {
			return nil, mapRemoteError(err)
		}

		for _, u := range res.Users {
			mapped := mapDirectoryUser(u, adminEmail)
			if !mapped.IsActive {
				admins++
			}
			users = append(users, mapped)
		}

		if res.NextPageToken == "" {
			break
		}
		pageToken = res.NextPageToken
	}

	log.Printf("[Directory] Fetched %d users (%d inactive or admin)", len(users), admins)
	return users, nil
}

func mapDirectoryUser(u *admin.User, adminEmail string) domain.User {
	var fullName, givenName, familyName string
	if u.Name != nil {
		fullName = u.Name.FullName
		givenName = u.Name.GivenName
		familyName = u.Name.FamilyName
	}

	return domain.User{
		Email:     u.PrimaryEmail,
		FullName:  fullName,
		FirstName: givenName,
		LastName:  familyName,
		IsActive:  !u.Suspended && !looksAdministrative(u, fullName, adminEmail),
	}
}

func looksAdministrative(u *admin.User, fullName, adminEmail string) bool {
	if u.IsAdmin || u.IsDelegatedAdmin {
		return true
	}
	orgUnit := strings.ToLower(u.OrgUnitPath)
	if strings.Contains(orgUnit, "admin") || strings.Contains(orgUnit, "super") {
		return true
	}
	return domain.IsAdminAddress(u.PrimaryEmail, fullName, adminEmail)
}
