package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/wispberry-tech/travelease/core"
	"github.com/wispberry-tech/travelease/core/storage"
)

const testPassword = "Secret1"

func newTestService(t *testing.T, cfg core.Config) *core.AuthService {
	t.Helper()

	store, err := storage.NewInMemorySQLiteStorage()
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	cfg.Storage = store

	svc, err := core.NewAuthService(cfg)
	if err != nil {
		t.Fatalf("Failed to create auth service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

// recorder collects the notifications of one subscription.
type recorder struct {
	events chan core.SessionEvent
}

func subscribe(t *testing.T, svc *core.AuthService, clientID string) (*recorder, func()) {
	t.Helper()
	rec := &recorder{events: make(chan core.SessionEvent, 32)}
	unsubscribe := svc.SubscribeToSessionChanges(clientID, func(ev core.SessionEvent) {
		rec.events <- ev
	})
	t.Cleanup(unsubscribe)
	return rec, unsubscribe
}

func (r *recorder) next(t *testing.T) core.SessionEvent {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session event")
		return core.SessionEvent{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected session event %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewAuthService_RequiresStorage(t *testing.T) {
	if _, err := core.NewAuthService(core.Config{}); err == nil {
		t.Fatal("expected error for nil storage")
	}
}

func TestCreateAccount(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, core.Config{})

	id, err := svc.CreateAccount(ctx, "client-1", "Traveller@Example.com", testPassword)
	if err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	if id.ID == "" || id.Email != "traveller@example.com" {
		t.Errorf("unexpected identity %+v", id)
	}

	tests := []struct {
		name     string
		email    string
		password string
		check    func(error) bool
	}{
		{
			name:     "duplicate_email",
			email:    "traveller@example.com",
			password: testPassword,
			check:    func(err error) bool { return errors.Is(err, core.ErrUserExists) },
		},
		{
			name:     "invalid_email",
			email:    "not-an-email",
			password: testPassword,
			check: func(err error) bool {
				var verr *core.ValidationError
				return errors.As(err, &verr)
			},
		},
		{
			name:     "weak_password",
			email:    "other@example.com",
			password: "abc",
			check: func(err error) bool {
				var verr *core.ValidationError
				return errors.As(err, &verr)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateAccount(ctx, "client-2", tt.email, tt.password)
			if !tt.check(err) {
				t.Errorf("CreateAccount() unexpected error %v", err)
			}
		})
	}
}

func TestSignInWithCredentials(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, core.Config{})

	if _, err := svc.CreateAccount(ctx, "client-1", "a@example.com", testPassword); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	tests := []struct {
		name     string
		email    string
		password string
		wantErr  error
	}{
		{"valid", "a@example.com", testPassword, nil},
		{"case_insensitive_email", "A@Example.com", testPassword, nil},
		{"wrong_password", "a@example.com", "Wrong1", core.ErrInvalidCredentials},
		{"unknown_user", "b@example.com", testPassword, core.ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := svc.SignInWithCredentials(ctx, "client-2", tt.email, tt.password)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("SignInWithCredentials() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("SignInWithCredentials() error = %v", err)
			}
			if id.Email != "a@example.com" {
				t.Errorf("unexpected identity %+v", id)
			}
		})
	}
}

func TestSignInWithCredentials_LocksAccount(t *testing.T) {
	ctx := context.Background()
	cfg := core.DefaultSecurityConfig()
	cfg.MaxLoginAttempts = 3
	svc := newTestService(t, core.Config{SecurityConfig: cfg})

	if _, err := svc.CreateAccount(ctx, "client-1", "a@example.com", testPassword); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := svc.SignInWithCredentials(ctx, "client-1", "a@example.com", "Wrong1"); !errors.Is(err, core.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: error = %v", i, err)
		}
	}

	if _, err := svc.SignInWithCredentials(ctx, "client-1", "a@example.com", testPassword); !errors.Is(err, core.ErrAccountLocked) {
		t.Errorf("expected locked account, got %v", err)
	}
}

func TestSubscribeToSessionChanges_InitialStateAndOrder(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, core.Config{})

	rec, _ := subscribe(t, svc, "client-1")
	if ev := rec.next(t); ev.Kind != core.EventUnauthenticated {
		t.Fatalf("initial event = %v, want unauthenticated", ev.Kind)
	}

	id, err := svc.CreateAccount(ctx, "client-1", "a@example.com", testPassword)
	if err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	if err := svc.EndSession(ctx, "client-1"); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	ev := rec.next(t)
	if ev.Kind != core.EventAuthenticated || ev.Identity == nil || ev.Identity.ID != id.ID {
		t.Fatalf("second event = %+v, want authenticated %s", ev, id.ID)
	}
	if ev := rec.next(t); ev.Kind != core.EventUnauthenticated {
		t.Fatalf("third event = %v, want unauthenticated", ev.Kind)
	}
}

func TestSubscribeToSessionChanges_RestoresPersistedSession(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, core.Config{})

	id, err := svc.CreateAccount(ctx, "client-1", "a@example.com", testPassword)
	if err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	rec, _ := subscribe(t, svc, "client-1")
	ev := rec.next(t)
	if ev.Kind != core.EventAuthenticated || ev.Identity.ID != id.ID {
		t.Fatalf("initial event = %+v, want authenticated", ev)
	}

	other, _ := subscribe(t, svc, "client-2")
	if ev := other.next(t); ev.Kind != core.EventUnauthenticated {
		t.Fatalf("other client initial event = %v, want unauthenticated", ev.Kind)
	}
}

func TestSubscribeToSessionChanges_UnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, core.Config{})

	rec, unsubscribe := subscribe(t, svc, "client-1")
	rec.next(t)

	unsubscribe()
	unsubscribe()

	if _, err := svc.CreateAccount(ctx, "client-1", "a@example.com", testPassword); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	rec.none(t)
}

func TestEndSession_WithoutSessionIsSilent(t *testing.T) {
	svc := newTestService(t, core.Config{})

	rec, _ := subscribe(t, svc, "client-1")
	rec.next(t)

	if err := svc.EndSession(context.Background(), "client-1"); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	rec.none(t)
}

// A client still showing a session that expired before the sweeper ran is
// told it is signed out.
func TestEndSession_ExpiredUnsweptSessionNotifies(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewInMemorySQLiteStorage()
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	svc, err := core.NewAuthService(core.Config{Storage: store})
	if err != nil {
		t.Fatalf("Failed to create auth service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	rec, _ := subscribe(t, svc, "client-1")
	rec.next(t)

	id, err := svc.CreateAccount(ctx, "client-1", "a@example.com", testPassword)
	if err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	if ev := rec.next(t); ev.Kind != core.EventAuthenticated {
		t.Fatalf("event = %v, want authenticated", ev.Kind)
	}

	user, err := store.GetUserByUUID(id.ID)
	if err != nil || user == nil {
		t.Fatalf("GetUserByUUID() = %v, %v", user, err)
	}
	if _, err := store.DeleteClientSessions("client-1"); err != nil {
		t.Fatalf("DeleteClientSessions() error = %v", err)
	}
	if err := store.CreateSession(&core.Session{
		UserID:    user.ID,
		ClientID:  "client-1",
		Token:     "expired-token",
		ExpiresAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	if err := svc.EndSession(ctx, "client-1"); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if ev := rec.next(t); ev.Kind != core.EventUnauthenticated {
		t.Fatalf("event = %v, want unauthenticated", ev.Kind)
	}
}

func TestUpdateProfileFields(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, core.Config{})

	if err := svc.UpdateProfileFields(ctx, "client-1", core.ProfileFields{DisplayName: "Ann"}); !errors.Is(err, core.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}

	if _, err := svc.CreateAccount(ctx, "client-1", "a@example.com", testPassword); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	rec, _ := subscribe(t, svc, "client-1")
	rec.next(t)

	fields := core.ProfileFields{DisplayName: "Ann", PhotoURL: "https://img.example.com/ann.png"}
	if err := svc.UpdateProfileFields(ctx, "client-1", fields); err != nil {
		t.Fatalf("UpdateProfileFields() error = %v", err)
	}

	ev := rec.next(t)
	if ev.Kind != core.EventAuthenticated || ev.Identity.DisplayName != "Ann" || ev.Identity.PhotoURL != fields.PhotoURL {
		t.Fatalf("unexpected event %+v", ev.Identity)
	}

	id, err := svc.SignInWithCredentials(ctx, "client-2", "a@example.com", testPassword)
	if err != nil {
		t.Fatalf("SignInWithCredentials() error = %v", err)
	}
	if id.DisplayName != "Ann" {
		t.Errorf("profile not persisted, got %+v", id)
	}
}

func TestSessionTokenAndValidateToken(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, core.Config{})

	if _, err := svc.SessionToken(ctx, "client-1"); !errors.Is(err, core.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}

	created, err := svc.CreateAccount(ctx, "client-1", "a@example.com", testPassword)
	if err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	token, err := svc.SessionToken(ctx, "client-1")
	if err != nil || token == "" {
		t.Fatalf("SessionToken() = %q, %v", token, err)
	}

	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if id.ID != created.ID {
		t.Errorf("ValidateToken() = %s, want %s", id.ID, created.ID)
	}

	if _, err := svc.ValidateToken(ctx, "bogus"); !errors.Is(err, core.ErrNoSession) {
		t.Errorf("expected ErrNoSession for unknown token, got %v", err)
	}
}

func TestRevokeUserSessions_NotifiesEveryClient(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, core.Config{})

	id, err := svc.CreateAccount(ctx, "client-1", "a@example.com", testPassword)
	if err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	if _, err := svc.SignInWithCredentials(ctx, "client-2", "a@example.com", testPassword); err != nil {
		t.Fatalf("SignInWithCredentials() error = %v", err)
	}

	first, _ := subscribe(t, svc, "client-1")
	second, _ := subscribe(t, svc, "client-2")
	first.next(t)
	second.next(t)

	if err := svc.RevokeUserSessions(ctx, id.ID); err != nil {
		t.Fatalf("RevokeUserSessions() error = %v", err)
	}

	for _, rec := range []*recorder{first, second} {
		if ev := rec.next(t); ev.Kind != core.EventUnauthenticated {
			t.Errorf("event = %v, want unauthenticated", ev.Kind)
		}
	}
}

func TestSweepExpiredSessions(t *testing.T) {
	ctx := context.Background()
	cfg := core.DefaultSecurityConfig()
	cfg.SessionLifetime = 20 * time.Millisecond
	svc := newTestService(t, core.Config{SecurityConfig: cfg})

	if _, err := svc.CreateAccount(ctx, "client-1", "a@example.com", testPassword); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	rec, _ := subscribe(t, svc, "client-1")
	rec.next(t)

	time.Sleep(50 * time.Millisecond)

	n, err := svc.SweepExpiredSessions()
	if err != nil {
		t.Fatalf("SweepExpiredSessions() error = %v", err)
	}
	if n != 1 {
		t.Errorf("SweepExpiredSessions() = %d, want 1", n)
	}
	if ev := rec.next(t); ev.Kind != core.EventUnauthenticated {
		t.Errorf("event = %v, want unauthenticated", ev.Kind)
	}
}

// newOAuthServer fakes the token and profile endpoints of a provider.
func newOAuthServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("code") != "good-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "provider-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer provider-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"sub":     "fed-42",
			"email":   "Fed@Example.com",
			"name":    "Fed User",
			"picture": "https://img.example.com/fed.png",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFederatedSignIn(t *testing.T) {
	ctx := context.Background()
	srv := newOAuthServer(t)
	svc := newTestService(t, core.Config{
		OAuthProviders: map[string]core.OAuthProviderConfig{
			"acme": {
				ClientID:     "id",
				ClientSecret: "secret",
				RedirectURL:  "http://localhost/auth/acme/callback",
				AuthURL:      srv.URL + "/authorize",
				TokenURL:     srv.URL + "/token",
				UserInfoURL:  srv.URL + "/userinfo",
			},
		},
	})

	if _, err := svc.BeginFederatedSignIn(ctx, "client-1", "nope", "/"); !errors.Is(err, core.ErrInvalidProvider) {
		t.Fatalf("expected ErrInvalidProvider, got %v", err)
	}

	begin := func(t *testing.T, clientID string) string {
		t.Helper()
		authURL, err := svc.BeginFederatedSignIn(ctx, clientID, "acme", "/myBookings")
		if err != nil {
			t.Fatalf("BeginFederatedSignIn() error = %v", err)
		}
		u, err := url.Parse(authURL)
		if err != nil {
			t.Fatalf("bad auth URL %q: %v", authURL, err)
		}
		state := u.Query().Get("state")
		if state == "" {
			t.Fatalf("auth URL %q has no state", authURL)
		}
		return state
	}

	t.Run("state_bound_to_client", func(t *testing.T) {
		state := begin(t, "client-1")
		_, err := svc.CompleteFederatedSignIn(ctx, "client-2", core.FederatedCallback{Provider: "acme", State: state, Code: "good-code"})
		var verr *core.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})

	t.Run("creates_account_and_signs_in", func(t *testing.T) {
		rec, _ := subscribe(t, svc, "client-1")
		rec.next(t)

		state := begin(t, "client-1")
		result, err := svc.CompleteFederatedSignIn(ctx, "client-1", core.FederatedCallback{Provider: "acme", State: state, Code: "good-code"})
		if err != nil {
			t.Fatalf("CompleteFederatedSignIn() error = %v", err)
		}
		if !result.IsNewUser || result.ReturnTo != "/myBookings" {
			t.Errorf("unexpected result %+v", result)
		}
		if result.Identity.Email != "fed@example.com" || result.Identity.DisplayName != "Fed User" {
			t.Errorf("unexpected identity %+v", result.Identity)
		}

		if ev := rec.next(t); ev.Kind != core.EventAuthenticated {
			t.Errorf("event = %v, want authenticated", ev.Kind)
		}
	})

	t.Run("state_is_single_use", func(t *testing.T) {
		state := begin(t, "client-3")
		cb := core.FederatedCallback{Provider: "acme", State: state, Code: "good-code"}
		result, err := svc.CompleteFederatedSignIn(ctx, "client-3", cb)
		if err != nil {
			t.Fatalf("CompleteFederatedSignIn() error = %v", err)
		}
		if result.IsNewUser {
			t.Error("second sign-in should reuse the account")
		}
		if _, err := svc.CompleteFederatedSignIn(ctx, "client-3", cb); err == nil {
			t.Error("expected replayed state to be rejected")
		}
	})
}
