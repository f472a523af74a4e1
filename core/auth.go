// Package core is the identity provider behind the TravelEase gateway.
//
// It owns accounts and provider sessions and offers:
//   - Email/password sign-in and account creation with lockout protection
//   - Federated OAuth2 sign-in (Google, GitHub, Discord)
//   - Per-client session-change notifications (SubscribeToSessionChanges)
//   - Bearer tokens for the remote rental API
//   - Security event auditing
//
// A "client" is one visitor application context, identified by an opaque
// client ID chosen by the caller. Every client has at most one active
// provider session at a time.
//
// ## Quick Start:
//
//	store, err := storage.NewSQLiteStorage("travelease.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	authService, err := core.NewAuthService(core.Config{
//		Storage: store,
//		OAuthProviders: map[string]core.OAuthProviderConfig{
//			"google": core.NewGoogleOAuthProvider(clientID, secret, redirectURL),
//		},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer authService.Close()
//
//	unsubscribe := authService.SubscribeToSessionChanges(clientID, func(ev core.SessionEvent) {
//		// apply ev
//	})
//	defer unsubscribe()
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
)

// Discord OAuth2 endpoints for Discord authentication integration
var (
	// DiscordAuthURL is the Discord OAuth2 authorization endpoint
	DiscordAuthURL = "https://discord.com/api/oauth2/authorize"
	// DiscordTokenURL is the Discord OAuth2 token endpoint
	DiscordTokenURL = "https://discord.com/api/oauth2/token"
)

// Common authentication errors returned by the provider
var (
	// ErrInvalidCredentials is returned for authentication failures
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserExists is returned when attempting to create a user that already exists
	ErrUserExists = errors.New("user already exists")
	// ErrInvalidProvider is returned when an unsupported OAuth provider is specified
	ErrInvalidProvider = errors.New("invalid OAuth provider")
	// ErrAccountLocked is returned when an account is temporarily locked
	ErrAccountLocked = errors.New("account temporarily locked")
	// ErrAccountInactive is returned for deactivated or suspended accounts
	ErrAccountInactive = errors.New("account is not active")
	// ErrNoSession is returned when the client has no active session
	ErrNoSession = errors.New("no active session")
	// ErrProviderUnavailable wraps storage and transport failures
	ErrProviderUnavailable = errors.New("identity provider unavailable")
)

// ValidationError carries a user-facing message for rejected input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// SecurityConfig defines security-related configuration options
type SecurityConfig struct {
	// Password security
	PasswordMinLength      int
	PasswordRequireUpper   bool
	PasswordRequireLower   bool
	PasswordRequireNumber  bool
	PasswordRequireSpecial bool

	// Login security
	MaxLoginAttempts int           // Maximum failed login attempts before lockout
	LockoutDuration  time.Duration // How long accounts remain locked
	SessionLifetime  time.Duration // How long sessions remain valid

	OAuthStateLifetime time.Duration // How long a federated sign-in may take
}

// DefaultSecurityConfig returns the password policy of the TravelEase
// registration form and conservative lockout settings.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		PasswordMinLength:      6,
		PasswordRequireUpper:   true,
		PasswordRequireLower:   true,
		PasswordRequireNumber:  false,
		PasswordRequireSpecial: false,
		MaxLoginAttempts:       5,
		LockoutDuration:        15 * time.Minute,
		SessionLifetime:        14 * 24 * time.Hour,
		OAuthStateLifetime:     15 * time.Minute,
	}
}

// OAuthProviderConfig defines the configuration for an OAuth2 provider.
type OAuthProviderConfig struct {
	ClientID     string   `json:"client_id"`     // OAuth2 client ID from provider
	ClientSecret string   `json:"client_secret"` // OAuth2 client secret from provider
	RedirectURL  string   `json:"redirect_url"`  // Callback URL registered with provider
	AuthURL      string   `json:"auth_url"`      // OAuth2 authorization endpoint
	TokenURL     string   `json:"token_url"`     // OAuth2 token endpoint
	UserInfoURL  string   `json:"user_info_url"` // Profile endpoint (optional for known providers)
	Scopes       []string `json:"scopes"`        // OAuth2 scopes to request
}

// NewGoogleOAuthProvider creates a Google OAuth provider configuration with defaults
func NewGoogleOAuthProvider(clientID, clientSecret, redirectURL string) OAuthProviderConfig {
	return OAuthProviderConfig{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		AuthURL:      google.Endpoint.AuthURL,
		TokenURL:     google.Endpoint.TokenURL,
		Scopes:       []string{"https://www.googleapis.com/auth/userinfo.email", "https://www.googleapis.com/auth/userinfo.profile"},
	}
}

// NewGitHubOAuthProvider creates a GitHub OAuth provider configuration with defaults
func NewGitHubOAuthProvider(clientID, clientSecret, redirectURL string) OAuthProviderConfig {
	return OAuthProviderConfig{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		AuthURL:      github.Endpoint.AuthURL,
		TokenURL:     github.Endpoint.TokenURL,
		Scopes:       []string{"user:email", "read:user"},
	}
}

// NewDiscordOAuthProvider creates a Discord OAuth provider configuration with defaults
func NewDiscordOAuthProvider(clientID, clientSecret, redirectURL string) OAuthProviderConfig {
	return OAuthProviderConfig{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		AuthURL:      DiscordAuthURL,
		TokenURL:     DiscordTokenURL,
		Scopes:       []string{"identify", "email"},
	}
}

// Config contains the configuration for the AuthService
type Config struct {
	Storage        Storage                        // Storage implementation (required)
	SecurityConfig SecurityConfig                 // Security configuration
	OAuthProviders map[string]OAuthProviderConfig // OAuth provider configurations
}

// AuthService is the identity provider.
type AuthService struct {
	storage        Storage
	oauthConfigs   map[string]*oauth2.Config
	userInfoURLs   map[string]string
	securityConfig SecurityConfig
	validator      *validator.Validate
	hub            *hub
}

// NewAuthService creates a new identity provider
func NewAuthService(cfg Config) (*AuthService, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}

	if err := cfg.Storage.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to storage: %w", err)
	}

	// Use default security config if not provided
	securityConfig := cfg.SecurityConfig
	if securityConfig.SessionLifetime == 0 {
		securityConfig = DefaultSecurityConfig()
	}
	if securityConfig.OAuthStateLifetime == 0 {
		securityConfig.OAuthStateLifetime = 15 * time.Minute
	}

	oauthConfigs := make(map[string]*oauth2.Config)
	userInfoURLs := make(map[string]string)
	for provider, providerCfg := range cfg.OAuthProviders {
		oauthConfigs[provider] = &oauth2.Config{
			ClientID:     providerCfg.ClientID,
			ClientSecret: providerCfg.ClientSecret,
			RedirectURL:  providerCfg.RedirectURL,
			Scopes:       providerCfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  providerCfg.AuthURL,
				TokenURL: providerCfg.TokenURL,
			},
		}
		if providerCfg.UserInfoURL != "" {
			userInfoURLs[provider] = providerCfg.UserInfoURL
		}
	}

	return &AuthService{
		storage:        cfg.Storage,
		oauthConfigs:   oauthConfigs,
		userInfoURLs:   userInfoURLs,
		securityConfig: securityConfig,
		validator:      validator.New(),
		hub:            newHub(),
	}, nil
}

// Providers lists the configured federated providers.
func (a *AuthService) Providers() []string {
	names := make([]string, 0, len(a.oauthConfigs))
	for name := range a.oauthConfigs {
		names = append(names, name)
	}
	return names
}

// logSecurityEvent logs a security event to the database
func (a *AuthService) logSecurityEvent(ctx context.Context, userID *uint, eventType, description string, success bool) {
	meta := RequestMetaFromContext(ctx)
	event := &SecurityEvent{
		UserID:      userID,
		EventType:   eventType,
		Description: description,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
		Severity:    "info",
		Success:     success,
	}

	if !success {
		event.Severity = "warning"
	}

	if err := a.storage.CreateSecurityEvent(event); err != nil {
		slog.Error("Failed to log security event",
			"event_type", eventType,
			"user_id", userID,
			"error", err)
	}
}

// unavailable marks a storage failure as a provider outage.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, op, err)
}

// Close stops all subscriptions and closes the storage
func (a *AuthService) Close() error {
	a.hub.closeAll()
	return a.storage.Close()
}
