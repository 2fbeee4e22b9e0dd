package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ignite/workspace-mailer/internal/transport"
)

// fakeGmail serves the handful of Gmail API routes the handle uses.
func fakeGmail(t *testing.T, handler http.HandlerFunc) *Handle {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	svc, err := gmailapi.NewService(context.Background(),
		option.WithEndpoint(ts.URL),
		option.WithHTTPClient(ts.Client()),
		option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("create test service: %v", err)
	}
	return &Handle{svc: svc, principal: "sender@corp.example"}
}

func writeAPIError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error": {"code": %d, "message": %q}}`, code, message)
}

// =============================================================================
// SEND PATH TESTS
// =============================================================================

func TestSendEmailStandardPath(t *testing.T) {
	var gotPath string
	var gotBody struct {
		Raw      string   `json:"raw"`
		LabelIds []string `json:"labelIds"`
	}

	h := fakeGmail(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": "msg-abc123"}`)
	})

	id, err := h.SendEmail(context.Background(), transport.Message{
		Recipient: "alice@example.com",
		Subject:   "Hello",
		BodyPlain: "Hi",
		FromName:  "Team",
	})
	if err != nil {
		t.Fatalf("SendEmail() error = %v", err)
	}
	if id != "msg-abc123" {
		t.Errorf("message id = %q, want msg-abc123", id)
	}
	if !strings.Contains(gotPath, "/messages/send") {
		t.Errorf("path = %q, want messages/send", gotPath)
	}
	if gotBody.Raw == "" {
		t.Error("request carried no raw payload")
	}
	if len(gotBody.LabelIds) != 0 {
		t.Errorf("standard path set labels %v", gotBody.LabelIds)
	}
}

func TestSendEmailFullCustomUsesInsert(t *testing.T) {
	var gotPath string
	var gotBody struct {
		Raw      string   `json:"raw"`
		LabelIds []string `json:"labelIds"`
	}

	h := fakeGmail(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": "msg-raw456"}`)
	})

	id, err := h.SendEmail(context.Background(), transport.Message{
		Recipient:   "alice@example.com",
		BodyPlain:   "Hi",
		HeaderBlock: "From: x@corp.example\nTo: alice@example.com\nSubject: s",
	})
	if err != nil {
		t.Fatalf("SendEmail() error = %v", err)
	}
	if id != "msg-raw456" {
		t.Errorf("message id = %q", id)
	}
	if strings.Contains(gotPath, "/messages/send") {
		t.Errorf("full-custom send hit %q, want insert path", gotPath)
	}
	if len(gotBody.LabelIds) != 1 || gotBody.LabelIds[0] != "SENT" {
		t.Errorf("labels = %v, want [SENT]", gotBody.LabelIds)
	}
}

func TestSendEmailMailDisabled(t *testing.T) {
	h := fakeGmail(t, func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusBadRequest, "Mail service not enabled for user")
	})

	_, err := h.SendEmail(context.Background(), transport.Message{
		Recipient: "alice@example.com",
		BodyPlain: "Hi",
	})
	if !errors.Is(err, transport.ErrMailDisabled) {
		t.Errorf("error = %v, want ErrMailDisabled", err)
	}
}

func TestSendEmailRemoteError(t *testing.T) {
	h := fakeGmail(t, func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusTooManyRequests, "Rate limit exceeded")
	})

	_, err := h.SendEmail(context.Background(), transport.Message{
		Recipient: "alice@example.com",
		BodyPlain: "Hi",
	})
	var sendErr *transport.SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("error type = %T, want *transport.SendError", err)
	}
	if sendErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d, want 429", sendErr.StatusCode)
	}
	if !strings.Contains(sendErr.Remote, "Rate limit exceeded") {
		t.Errorf("Remote = %q", sendErr.Remote)
	}
}

// =============================================================================
// MAILBOX PROBE TESTS
// =============================================================================

func TestIsMailEnabled(t *testing.T) {
	h := fakeGmail(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/profile") {
			t.Errorf("probe hit %q, want profile path", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"emailAddress": "sender@corp.example"}`)
	})

	enabled, err := h.IsMailEnabled(context.Background())
	if err != nil {
		t.Fatalf("IsMailEnabled() error = %v", err)
	}
	if !enabled {
		t.Error("IsMailEnabled() = false, want true")
	}
}

func TestIsMailEnabledDisabledMailbox(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		message string
	}{
		{"explicit marker", http.StatusBadRequest, "Mail service not enabled for user"},
		{"precondition marker", http.StatusForbidden, "failedPrecondition"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := fakeGmail(t, func(w http.ResponseWriter, r *http.Request) {
				writeAPIError(w, tt.code, tt.message)
			})

			enabled, err := h.IsMailEnabled(context.Background())
			if err != nil {
				t.Fatalf("IsMailEnabled() error = %v, want clean false", err)
			}
			if enabled {
				t.Error("IsMailEnabled() = true, want false")
			}
		})
	}
}

func TestIsMailEnabledTransientError(t *testing.T) {
	h := fakeGmail(t, func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusInternalServerError, "Backend Error")
	})

	_, err := h.IsMailEnabled(context.Background())
	if err == nil {
		t.Fatal("IsMailEnabled() on 500 expected error, got nil")
	}
}

// =============================================================================
// CIRCUIT BREAKER TESTS
// =============================================================================

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeAPIError(w, http.StatusInternalServerError, "Backend Error")
	}))
	defer ts.Close()

	svc, err := gmailapi.NewService(context.Background(),
		option.WithEndpoint(ts.URL),
		option.WithHTTPClient(ts.Client()),
		option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("create test service: %v", err)
	}
	h := newHandle(svc, "sender@corp.example", true)

	msg := transport.Message{Recipient: "alice@example.com", BodyPlain: "Hi"}
	for i := 0; i < 5; i++ {
		if _, err := h.SendEmail(context.Background(), msg); err == nil {
			t.Fatalf("send %d unexpectedly succeeded", i)
		}
	}

	// Breaker is now open; the next call fails fast with a 503 before
	// touching the remote.
	_, err = h.SendEmail(context.Background(), msg)
	var sendErr *transport.SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("error type = %T, want *transport.SendError", err)
	}
	if sendErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503 from open breaker", sendErr.StatusCode)
	}
	if calls != 5 {
		t.Errorf("remote saw %d calls, want 5 before breaker opened", calls)
	}
}

// =============================================================================
// FACTORY TESTS
// =============================================================================

func TestSenderRejectsBadCredential(t *testing.T) {
	f := NewFactory(0, true)
	_, err := f.Sender(context.Background(), "not json at all", "sender@corp.example")
	if err == nil {
		t.Fatal("Sender() with garbage credential expected error, got nil")
	}
}

func TestMapRemoteErrorPassthrough(t *testing.T) {
	orig := &transport.SendError{StatusCode: 503, Remote: "breaker open"}
	if got := mapRemoteError(orig); got != orig {
		t.Errorf("mapRemoteError remapped an already-mapped error: %v", got)
	}

	plain := errors.New("dial tcp: connection refused")
	mapped := mapRemoteError(plain)
	var sendErr *transport.SendError
	if !errors.As(mapped, &sendErr) || sendErr.StatusCode != 0 {
		t.Errorf("network error mapped to %v", mapped)
	}
}

func TestIsMailDisabledMatching(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"400 with marker", &googleapi.Error{Code: 400, Message: "Mail service not enabled for user x"}, true},
		{"403 precondition", &googleapi.Error{Code: 403, Body: `{"status": "FAILED_PRECONDITION"}`, Message: "failedPrecondition"}, true},
		{"500 with marker", &googleapi.Error{Code: 500, Message: "Mail service not enabled"}, false},
		{"403 other", &googleapi.Error{Code: 403, Message: "Insufficient Permission"}, false},
		{"not an api error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isMailDisabled(tt.err); got != tt.want {
				t.Errorf("isMailDisabled() = %v, want %v", got, tt.want)
			}
		})
	}
}
