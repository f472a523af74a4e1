package core

import (
	"time"
)

// User represents an account known to the identity provider.
type User struct {
	ID          uint   `json:"id"`
	UUID        string `json:"uuid"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url,omitempty"`

	PasswordHash string `json:"-"` // Hide password from JSON
	Provider     string `json:"provider"` // "email", "google", "github", "discord"
	ProviderID   string `json:"provider_id"`

	EmailVerified bool `json:"email_verified"`
	IsActive      bool `json:"is_active"`
	IsSuspended   bool `json:"is_suspended"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identity returns the public identity record of the user.
func (u *User) Identity() Identity {
	return Identity{
		ID:          u.UUID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		PhotoURL:    u.PhotoURL,
	}
}

// UserSecurity tracks failed sign-ins and lockouts for a user.
type UserSecurity struct {
	UserID uint `json:"user_id"`

	LoginAttempts int        `json:"login_attempts"`
	LockedUntil   *time.Time `json:"locked_until,omitempty"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP   string     `json:"last_login_ip,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is a provider session bound to one client.
type Session struct {
	ID        uint      `json:"id"`
	UserID    uint      `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`

	UserAgent string `json:"user_agent"`
	IPAddress string `json:"ip_address"`

	CreatedAt time.Time `json:"created_at"`
}

// SecurityEvent represents security-related events for audit logging
type SecurityEvent struct {
	ID     uint  `json:"id"`
	UserID *uint `json:"user_id,omitempty"`

	EventType   string `json:"event_type"`
	Description string `json:"description"`

	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`

	Severity string `json:"severity"`
	Success  bool   `json:"success"`

	CreatedAt time.Time `json:"created_at"`
}

// OAuthState represents a pending federated sign-in
type OAuthState struct {
	ID        uint      `json:"id"`
	State     string    `json:"state"`
	ClientID  string    `json:"client_id"`
	Provider  string    `json:"provider"`
	ReturnTo  string    `json:"return_to"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Storage defines the contract for identity provider storage operations.
// Lookups return (nil, nil) when nothing matches.
type Storage interface {
	// User operations
	CreateUser(user *User) error
	GetUserByEmail(email string) (*User, error)
	GetUserByProviderID(provider, providerID string) (*User, error)
	GetUserByID(id uint) (*User, error)
	GetUserByUUID(uuid string) (*User, error)
	UpdateUser(user *User) error

	// User Security operations
	CreateUserSecurity(security *UserSecurity) error
	GetUserSecurity(userID uint) (*UserSecurity, error)
	IncrementLoginAttempts(userID uint) error
	ResetLoginAttempts(userID uint) error
	SetUserLocked(userID uint, until time.Time) error
	UpdateLastLogin(userID uint, ipAddress string) error

	// Session operations
	CreateSession(session *Session) error
	GetSession(token string) (*Session, error)
	// GetClientSession returns the newest unexpired session of a client.
	GetClientSession(clientID string) (*Session, error)
	// DeleteClientSessions removes every session row of a client, expired
	// ones included, and returns how many rows were removed.
	DeleteClientSessions(clientID string) (int64, error)
	// DeleteUserSessions returns the client IDs whose sessions were removed.
	DeleteUserSessions(userID uint) ([]string, error)
	// CleanupExpiredSessions returns the client IDs whose sessions were removed.
	CleanupExpiredSessions(now time.Time) ([]string, error)

	// OAuth state operations
	StoreOAuthState(state *OAuthState) error
	GetOAuthState(state string) (*OAuthState, error)
	DeleteOAuthState(state string) error

	// Security Event operations
	CreateSecurityEvent(event *SecurityEvent) error
	GetSecurityEventsByUser(userID uint, limit int, offset int) ([]*SecurityEvent, error)

	// Health check
	Ping() error
	Close() error
}
