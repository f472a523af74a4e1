package core

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// TestPasswordSecurity tests the password policy checks
func TestPasswordSecurity(t *testing.T) {
	tests := []struct {
		name     string
		password string
		config   SecurityConfig
		valid    bool
	}{
		{
			name:     "meets_all_requirements",
			password: "TestPassword123!",
			config: SecurityConfig{
				PasswordMinLength:      8,
				PasswordRequireUpper:   true,
				PasswordRequireLower:   true,
				PasswordRequireNumber:  true,
				PasswordRequireSpecial: true,
			},
			valid: true,
		},
		{
			name:     "registration_form_policy",
			password: "Abcdef",
			config:   DefaultSecurityConfig(),
			valid:    true,
		},
		{
			name:     "too_short",
			password: "Ab1",
			config:   DefaultSecurityConfig(),
			valid:    false,
		},
		{
			name:     "missing_upper",
			password: "testpassword123!",
			config: SecurityConfig{
				PasswordMinLength:    8,
				PasswordRequireUpper: true,
			},
			valid: false,
		},
		{
			name:     "missing_lower",
			password: "TESTPASSWORD123!",
			config: SecurityConfig{
				PasswordMinLength:    8,
				PasswordRequireLower: true,
			},
			valid: false,
		},
		{
			name:     "missing_number",
			password: "TestPassword!",
			config: SecurityConfig{
				PasswordMinLength:     8,
				PasswordRequireNumber: true,
			},
			valid: false,
		},
		{
			name:     "missing_special",
			password: "TestPassword123",
			config: SecurityConfig{
				PasswordMinLength:      8,
				PasswordRequireSpecial: true,
			},
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePasswordStrength(tt.password, tt.config)
			if tt.valid && err != nil {
				t.Errorf("Expected password to be valid, got error: %v", err)
			} else if !tt.valid && err == nil {
				t.Error("Expected password to be invalid, but got no error")
			}
			var verr *ValidationError
			if err != nil && !errors.As(err, &verr) {
				t.Errorf("Expected *ValidationError, got %T", err)
			}
		})
	}
}

func TestPasswordSecurity_CombinedCaseMessage(t *testing.T) {
	err := ValidatePasswordStrength("abcdefg", DefaultSecurityConfig())
	if err == nil || err.Error() != "Password must have at least one uppercase and one lowercase" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDefaultSecurityConfig(t *testing.T) {
	config := DefaultSecurityConfig()

	if config.PasswordMinLength != 6 {
		t.Errorf("PasswordMinLength should be 6, got %d", config.PasswordMinLength)
	}

	if config.MaxLoginAttempts < 1 {
		t.Errorf("MaxLoginAttempts should be positive, got %d", config.MaxLoginAttempts)
	}

	if config.LockoutDuration < time.Minute {
		t.Errorf("LockoutDuration should be at least 1 minute, got %v", config.LockoutDuration)
	}

	if config.SessionLifetime < time.Hour {
		t.Errorf("SessionLifetime should be at least 1 hour, got %v", config.SessionLifetime)
	}

	if config.OAuthStateLifetime < time.Minute {
		t.Errorf("OAuthStateLifetime should be at least 1 minute, got %v", config.OAuthStateLifetime)
	}
}

// TestOAuthProviderConfigurations tests OAuth provider helper functions
func TestOAuthProviderConfigurations(t *testing.T) {
	t.Run("google_provider", func(t *testing.T) {
		config := NewGoogleOAuthProvider("test-id", "test-secret", "http://localhost/callback")

		if config.ClientID != "test-id" {
			t.Errorf("Expected ClientID test-id, got %s", config.ClientID)
		}
		if config.ClientSecret != "test-secret" {
			t.Errorf("Expected ClientSecret test-secret, got %s", config.ClientSecret)
		}
		if config.RedirectURL != "http://localhost/callback" {
			t.Errorf("Expected RedirectURL http://localhost/callback, got %s", config.RedirectURL)
		}
		if len(config.Scopes) == 0 {
			t.Error("Expected scopes to be set")
		}
	})

	t.Run("github_provider", func(t *testing.T) {
		config := NewGitHubOAuthProvider("test-id", "test-secret", "http://localhost/callback")

		if config.ClientID != "test-id" {
			t.Errorf("Expected ClientID test-id, got %s", config.ClientID)
		}
		if len(config.Scopes) == 0 {
			t.Error("Expected scopes to be set")
		}
	})

	t.Run("discord_provider", func(t *testing.T) {
		config := NewDiscordOAuthProvider("test-id", "test-secret", "http://localhost/callback")

		if config.AuthURL != DiscordAuthURL {
			t.Errorf("Expected AuthURL %s, got %s", DiscordAuthURL, config.AuthURL)
		}
		if config.TokenURL != DiscordTokenURL {
			t.Errorf("Expected TokenURL %s, got %s", DiscordTokenURL, config.TokenURL)
		}
	})
}

func TestValidateOAuthState(t *testing.T) {
	tests := []struct {
		name     string
		state    OAuthState
		clientID string
		wantErr  bool
	}{
		{
			name:     "valid",
			state:    OAuthState{State: "s", ClientID: "c1", ExpiresAt: time.Now().Add(time.Minute)},
			clientID: "c1",
		},
		{
			name:     "empty_state",
			state:    OAuthState{ClientID: "c1", ExpiresAt: time.Now().Add(time.Minute)},
			clientID: "c1",
			wantErr:  true,
		},
		{
			name:     "other_client",
			state:    OAuthState{State: "s", ClientID: "c2", ExpiresAt: time.Now().Add(time.Minute)},
			clientID: "c1",
			wantErr:  true,
		},
		{
			name:     "expired",
			state:    OAuthState{State: "s", ClientID: "c1", ExpiresAt: time.Now().Add(-time.Second)},
			clientID: "c1",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOAuthState(&tt.state, tt.clientID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateOAuthState() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExtractIPFromRequest(t *testing.T) {
	tests := []struct {
		name          string
		remoteAddr    string
		xForwardedFor string
		xRealIP       string
		want          string
	}{
		{"remote_addr", "10.0.0.1:5000", "", "", "10.0.0.1"},
		{"forwarded_first_hop", "10.0.0.1:5000", "203.0.113.9, 10.0.0.2", "", "203.0.113.9"},
		{"real_ip", "10.0.0.1:5000", "", "198.51.100.4", "198.51.100.4"},
		{"garbage_forwarded", "10.0.0.1:5000", "not-an-ip", "", "10.0.0.1"},
		{"no_port", "10.0.0.1", "", "", "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractIPFromRequest(tt.remoteAddr, tt.xForwardedFor, tt.xRealIP); got != tt.want {
				t.Errorf("extractIPFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProfileFields_Apply(t *testing.T) {
	id := Identity{ID: "u1", DisplayName: "Old", Email: "a@b.c", PhotoURL: "http://x/old.png"}

	got := ProfileFields{DisplayName: "New"}.Apply(id)
	if got.DisplayName != "New" || got.PhotoURL != "http://x/old.png" {
		t.Errorf("unexpected identity %+v", got)
	}
	if id.DisplayName != "Old" {
		t.Error("Apply must not modify its argument")
	}
	if !(ProfileFields{}).IsZero() {
		t.Error("empty fields should be zero")
	}
}

func TestHub_DeliversInitialStateThenPublishOrder(t *testing.T) {
	h := newHub()

	var mu sync.Mutex
	var got []EventKind
	done := make(chan struct{})
	sub, _ := h.add("c1", func(ev SessionEvent) {
		mu.Lock()
		got = append(got, ev.Kind)
		n := len(got)
		mu.Unlock()
		if n == 4 {
			close(done)
		}
	})

	h.publish("c1", Authenticated(Identity{ID: "u1"}))
	h.publish("c1", Unauthenticated())
	h.publish("c1", Authenticated(Identity{ID: "u1"}))
	h.publish("c2", Unauthenticated())

	go sub.run(func() SessionEvent { return Unauthenticated() })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	want := []EventKind{EventUnauthenticated, EventAuthenticated, EventUnauthenticated, EventAuthenticated}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %v, want %v (all: %v)", i, got[i], want[i], got)
		}
	}

	sub.stop()
	<-sub.exited
}

func TestHub_ListenerPanicDoesNotStopDelivery(t *testing.T) {
	h := newHub()

	calls := make(chan EventKind, 4)
	sub, _ := h.add("c1", func(ev SessionEvent) {
		calls <- ev.Kind
		if ev.Kind == EventUnauthenticated {
			panic("boom")
		}
	})
	go sub.run(func() SessionEvent { return Unauthenticated() })
	h.publish("c1", Authenticated(Identity{ID: "u1"}))

	for _, want := range []EventKind{EventUnauthenticated, EventAuthenticated} {
		select {
		case got := <-calls:
			if got != want {
				t.Fatalf("got %v, want %v", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}

	sub.stop()
	<-sub.exited
}

func TestHub_CloseAllStopsSubscriptions(t *testing.T) {
	h := newHub()
	sub, _ := h.add("c1", func(SessionEvent) {})
	go sub.run(func() SessionEvent { return Unauthenticated() })

	h.closeAll()

	select {
	case <-sub.exited:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not exit")
	}
	if n := h.subscriberCount("c1"); n != 0 {
		t.Errorf("subscriberCount = %d, want 0", n)
	}

	late, id := h.add("c1", func(SessionEvent) {})
	if id != 0 {
		t.Error("closed hub should not register subscriptions")
	}
	go late.run(func() SessionEvent { return Unauthenticated() })
	<-late.exited
}
