package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// credentials is the validated input of password sign-in and sign-up.
type credentials struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

func (a *AuthService) validateCredentials(email, password string) error {
	if err := a.validator.Struct(credentials{Email: email, Password: password}); err != nil {
		return &ValidationError{Message: FormatValidationErrors(err)}
	}
	return nil
}

// CreateAccount registers an email/password account and signs the client in.
func (a *AuthService) CreateAccount(ctx context.Context, clientID, email, password string) (*Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := a.validateCredentials(email, password); err != nil {
		slog.Debug("Signup validation failed", "error", err)
		return nil, err
	}

	if err := ValidatePasswordStrength(password, a.securityConfig); err != nil {
		slog.Debug("Password validation failed", "error", err)
		return nil, err
	}

	existingUser, err := a.storage.GetUserByEmail(email)
	if err != nil {
		slog.Error("Failed to check existing user", "error", err)
		return nil, unavailable("check existing user", err)
	}
	if existingUser != nil {
		slog.Debug("User already exists", "email", email)
		return nil, ErrUserExists
	}

	hashedPassword, err := hashPassword(password)
	if err != nil {
		slog.Error("Failed to hash password", "error", err)
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		UUID:         uuid.NewString(),
		Email:        email,
		PasswordHash: hashedPassword,
		Provider:     "email",
		IsActive:     true,
	}

	if err := a.createUser(user); err != nil {
		return nil, err
	}

	if err := a.startSession(ctx, clientID, user); err != nil {
		return nil, err
	}

	a.logSecurityEvent(ctx, &user.ID, EventUserSignup, "User successfully registered", true)
	slog.Info("User registered successfully", "user_id", user.ID, "email", user.Email)

	id := user.Identity()
	return &id, nil
}

// createUser stores a user together with its security record.
func (a *AuthService) createUser(user *User) error {
	if err := a.storage.CreateUser(user); err != nil {
		slog.Error("Failed to create user", "error", err)
		return unavailable("create user", err)
	}

	if err := a.storage.CreateUserSecurity(&UserSecurity{UserID: user.ID}); err != nil {
		slog.Error("Failed to create user security", "error", err)
		return unavailable("create user security", err)
	}
	return nil
}

// SignInWithCredentials authenticates an email/password account and signs the
// client in.
func (a *AuthService) SignInWithCredentials(ctx context.Context, clientID, email, password string) (*Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := a.validateCredentials(email, password); err != nil {
		slog.Debug("Signin validation failed", "error", err)
		return nil, err
	}

	user, err := a.storage.GetUserByEmail(email)
	if err != nil {
		slog.Error("Failed to get user", "error", err)
		return nil, unavailable("get user", err)
	}

	if user == nil {
		slog.Debug("User not found", "email", email)
		a.logSecurityEvent(ctx, nil, EventLoginFailed, "Login attempt for non-existent user", false)
		return nil, ErrInvalidCredentials
	}

	if !user.IsActive || user.IsSuspended {
		slog.Debug("User account is inactive or suspended", "user_id", user.ID)
		a.logSecurityEvent(ctx, &user.ID, EventLoginFailed, "Login attempt on inactive/suspended account", false)
		return nil, ErrAccountInactive
	}

	userSecurity, err := a.storage.GetUserSecurity(user.ID)
	if err != nil {
		slog.Error("Failed to get user security", "error", err)
		return nil, unavailable("get user security", err)
	}

	if userSecurity != nil && userSecurity.LockedUntil != nil && time.Now().Before(*userSecurity.LockedUntil) {
		slog.Debug("Account is locked", "user_id", user.ID, "locked_until", userSecurity.LockedUntil)
		a.logSecurityEvent(ctx, &user.ID, EventLoginFailed, "Login attempt on locked account", false)
		return nil, ErrAccountLocked
	}

	if !checkPasswordHash(password, user.PasswordHash) {
		slog.Debug("Invalid password", "user_id", user.ID)

		if err := a.storage.IncrementLoginAttempts(user.ID); err != nil {
			slog.Error("Failed to increment login attempts", "error", err)
		}

		if userSecurity != nil && userSecurity.LoginAttempts+1 >= a.securityConfig.MaxLoginAttempts {
			lockUntil := time.Now().Add(a.securityConfig.LockoutDuration)
			if err := a.storage.SetUserLocked(user.ID, lockUntil); err != nil {
				slog.Error("Failed to lock user account", "error", err)
			} else {
				a.logSecurityEvent(ctx, &user.ID, EventAccountLocked, "Account locked due to too many failed login attempts", true)
			}
		}

		a.logSecurityEvent(ctx, &user.ID, EventLoginFailed, "Invalid password provided", false)
		return nil, ErrInvalidCredentials
	}

	if err := a.storage.ResetLoginAttempts(user.ID); err != nil {
		slog.Error("Failed to reset login attempts", "error", err)
	}

	if err := a.storage.UpdateLastLogin(user.ID, RequestMetaFromContext(ctx).IPAddress); err != nil {
		slog.Error("Failed to update last login", "error", err)
	}

	if err := a.startSession(ctx, clientID, user); err != nil {
		return nil, err
	}

	a.logSecurityEvent(ctx, &user.ID, EventLoginSuccess, "User successfully logged in", true)
	slog.Info("User logged in successfully", "user_id", user.ID, "email", user.Email)

	id := user.Identity()
	return &id, nil
}

// startSession replaces the client's session with a fresh one for user and
// notifies the client's listeners.
func (a *AuthService) startSession(ctx context.Context, clientID string, user *User) error {
	if _, err := a.storage.DeleteClientSessions(clientID); err != nil {
		slog.Error("Failed to clear previous client sessions", "client_id", clientID, "error", err)
		return unavailable("clear client sessions", err)
	}

	sessionToken, err := generateSecureToken(32)
	if err != nil {
		slog.Error("Failed to generate session token", "error", err)
		return fmt.Errorf("failed to generate session token: %w", err)
	}

	meta := RequestMetaFromContext(ctx)
	session := &Session{
		Token:     sessionToken,
		UserID:    user.ID,
		ClientID:  clientID,
		ExpiresAt: calculateSessionExpiry(a.securityConfig),
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
	}

	if err := a.storage.CreateSession(session); err != nil {
		slog.Error("Failed to create session", "error", err)
		return unavailable("create session", err)
	}

	a.logSecurityEvent(ctx, &user.ID, EventSessionCreated, "Session created", true)
	a.hub.publish(clientID, Authenticated(user.Identity()))
	return nil
}

// clientUser returns the signed-in user of a client, or nil.
func (a *AuthService) clientUser(clientID string) (*User, *Session, error) {
	session, err := a.storage.GetClientSession(clientID)
	if err != nil {
		return nil, nil, unavailable("get client session", err)
	}
	if session == nil {
		return nil, nil, nil
	}

	user, err := a.storage.GetUserByID(session.UserID)
	if err != nil {
		return nil, nil, unavailable("get user", err)
	}
	if user == nil || !user.IsActive || user.IsSuspended {
		return nil, nil, nil
	}
	return user, session, nil
}

// UpdateProfileFields changes the profile of the client's signed-in user and
// notifies the client's listeners with the stored result.
func (a *AuthService) UpdateProfileFields(ctx context.Context, clientID string, fields ProfileFields) error {
	user, _, err := a.clientUser(clientID)
	if err != nil {
		slog.Error("Failed to resolve client user", "client_id", clientID, "error", err)
		return err
	}
	if user == nil {
		return ErrNoSession
	}
	if fields.IsZero() {
		return nil
	}

	updated := fields.Apply(user.Identity())
	user.DisplayName = updated.DisplayName
	user.PhotoURL = updated.PhotoURL

	if err := a.storage.UpdateUser(user); err != nil {
		slog.Error("Failed to update user profile", "user_id", user.ID, "error", err)
		return unavailable("update user", err)
	}

	a.logSecurityEvent(ctx, &user.ID, EventProfileUpdated, "Profile updated", true)
	a.hub.publish(clientID, Authenticated(user.Identity()))
	return nil
}

// EndSession signs the client out. Listeners are notified whenever a session
// row was removed, including an expired one the sweeper has not reached yet,
// since the client may still be showing that session as signed in.
func (a *AuthService) EndSession(ctx context.Context, clientID string) error {
	user, _, err := a.clientUser(clientID)
	if err != nil {
		slog.Error("Failed to resolve client user", "client_id", clientID, "error", err)
	}

	n, err := a.storage.DeleteClientSessions(clientID)
	if err != nil {
		slog.Error("Failed to delete client sessions", "client_id", clientID, "error", err)
		return unavailable("delete client sessions", err)
	}
	if n == 0 {
		slog.Debug("Sign out without active session", "client_id", clientID)
		return nil
	}

	if user != nil {
		a.logSecurityEvent(ctx, &user.ID, EventSessionTerminated, "User logged out", true)
	}
	a.hub.publish(clientID, Unauthenticated())
	return nil
}

// SessionToken returns the bearer token of the client's session.
func (a *AuthService) SessionToken(ctx context.Context, clientID string) (string, error) {
	session, err := a.storage.GetClientSession(clientID)
	if err != nil {
		slog.Error("Failed to get client session", "client_id", clientID, "error", err)
		return "", unavailable("get client session", err)
	}
	if session == nil {
		return "", ErrNoSession
	}
	return session.Token, nil
}

// ValidateToken resolves a bearer token to the identity it was issued for.
func (a *AuthService) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	session, err := a.storage.GetSession(token)
	if err != nil {
		return nil, unavailable("get session", err)
	}
	if session == nil || time.Now().After(session.ExpiresAt) {
		return nil, ErrNoSession
	}

	user, err := a.storage.GetUserByID(session.UserID)
	if err != nil {
		return nil, unavailable("get user", err)
	}
	if user == nil || !user.IsActive || user.IsSuspended {
		return nil, ErrNoSession
	}

	id := user.Identity()
	return &id, nil
}

// RevokeUserSessions signs a user out on every client.
func (a *AuthService) RevokeUserSessions(ctx context.Context, userUUID string) error {
	user, err := a.storage.GetUserByUUID(userUUID)
	if err != nil {
		return unavailable("get user", err)
	}
	if user == nil {
		return ErrNoSession
	}

	clients, err := a.storage.DeleteUserSessions(user.ID)
	if err != nil {
		slog.Error("Failed to delete user sessions", "user_id", user.ID, "error", err)
		return unavailable("delete user sessions", err)
	}

	a.logSecurityEvent(ctx, &user.ID, EventSessionsRevoked, fmt.Sprintf("Revoked sessions on %d clients", len(clients)), true)
	for _, clientID := range clients {
		a.hub.publish(clientID, Unauthenticated())
	}
	return nil
}

// SweepExpiredSessions removes expired sessions and notifies their clients.
func (a *AuthService) SweepExpiredSessions() (int, error) {
	clients, err := a.storage.CleanupExpiredSessions(time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}
	for _, clientID := range clients {
		a.hub.publish(clientID, Unauthenticated())
	}
	if len(clients) > 0 {
		slog.Info("Expired sessions swept", "clients", len(clients))
	}
	return len(clients), nil
}

// RunSweeper calls SweepExpiredSessions every interval until ctx is done.
func (a *AuthService) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.SweepExpiredSessions(); err != nil {
				slog.Error("Session sweep failed", "error", err)
			}
		}
	}
}
