package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	. "github.com/wispberry-tech/travelease/core"
)

// PostgresStorage implements Storage interface for PostgreSQL databases
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage creates a new PostgreSQL storage instance
func NewPostgresStorage(databaseDSN string) (*PostgresStorage, error) {
	config, err := pgx.ParseConfig(databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	db := stdlib.OpenDB(*config)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storage := &PostgresStorage{db: db}

	// Auto-create missing tables
	schemaManager := NewSchemaManager(db, "postgres")
	if err := schemaManager.EnsureCoreSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure core schema: %w", err)
	}

	return storage, nil
}

// User operations
func (p *PostgresStorage) CreateUser(user *User) error {
	query := `INSERT INTO users (uuid, email, display_name, photo_url, password_hash,
			  provider, provider_id, email_verified, is_active, is_suspended,
			  created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			  RETURNING id, created_at, updated_at`

	now := time.Now()
	err := p.db.QueryRow(query,
		user.UUID, user.Email, user.DisplayName, user.PhotoURL, user.PasswordHash,
		user.Provider, user.ProviderID, user.EmailVerified,
		user.IsActive, user.IsSuspended, now, now).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

func (p *PostgresStorage) GetUserByEmail(email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	user, err := scanUser(p.db.QueryRow(query, email))
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return user, nil
}

func (p *PostgresStorage) GetUserByProviderID(provider, providerID string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE provider = $1 AND provider_id = $2`
	user, err := scanUser(p.db.QueryRow(query, provider, providerID))
	if err != nil {
		return nil, fmt.Errorf("failed to get user by provider ID: %w", err)
	}
	return user, nil
}

func (p *PostgresStorage) GetUserByID(id uint) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	user, err := scanUser(p.db.QueryRow(query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}
	return user, nil
}

func (p *PostgresStorage) GetUserByUUID(uuid string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE uuid = $1`
	user, err := scanUser(p.db.QueryRow(query, uuid))
	if err != nil {
		return nil, fmt.Errorf("failed to get user by UUID: %w", err)
	}
	return user, nil
}

func (p *PostgresStorage) UpdateUser(user *User) error {
	query := `UPDATE users SET email = $1, display_name = $2, photo_url = $3,
			  password_hash = $4, provider = $5, provider_id = $6, email_verified = $7,
			  is_active = $8, is_suspended = $9, updated_at = $10
			  WHERE id = $11`

	now := time.Now()
	_, err := p.db.Exec(query,
		user.Email, user.DisplayName, user.PhotoURL, user.PasswordHash,
		user.Provider, user.ProviderID, user.EmailVerified,
		user.IsActive, user.IsSuspended, now, user.ID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}

	user.UpdatedAt = now
	return nil
}

// User Security operations
func (p *PostgresStorage) CreateUserSecurity(security *UserSecurity) error {
	query := `INSERT INTO user_security (user_id, login_attempts, last_login_ip, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5)`

	now := time.Now()
	if _, err := p.db.Exec(query, security.UserID, security.LoginAttempts, security.LastLoginIP, now, now); err != nil {
		return fmt.Errorf("failed to create user security: %w", err)
	}
	return nil
}

func (p *PostgresStorage) GetUserSecurity(userID uint) (*UserSecurity, error) {
	security := &UserSecurity{}
	query := `SELECT user_id, login_attempts, locked_until, last_login_at, last_login_ip,
			  created_at, updated_at
			  FROM user_security WHERE user_id = $1`

	err := p.db.QueryRow(query, userID).Scan(
		&security.UserID, &security.LoginAttempts, &security.LockedUntil,
		&security.LastLoginAt, &security.LastLoginIP, &security.CreatedAt, &security.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user security: %w", err)
	}

	return security, nil
}

func (p *PostgresStorage) IncrementLoginAttempts(userID uint) error {
	query := `UPDATE user_security SET login_attempts = login_attempts + 1, updated_at = $1
			  WHERE user_id = $2`
	if _, err := p.db.Exec(query, time.Now(), userID); err != nil {
		return fmt.Errorf("failed to increment login attempts: %w", err)
	}
	return nil
}

func (p *PostgresStorage) ResetLoginAttempts(userID uint) error {
	query := `UPDATE user_security SET login_attempts = 0, locked_until = NULL, updated_at = $1
			  WHERE user_id = $2`
	if _, err := p.db.Exec(query, time.Now(), userID); err != nil {
		return fmt.Errorf("failed to reset login attempts: %w", err)
	}
	return nil
}

func (p *PostgresStorage) SetUserLocked(userID uint, until time.Time) error {
	query := `UPDATE user_security SET locked_until = $1, updated_at = $2
			  WHERE user_id = $3`
	if _, err := p.db.Exec(query, until, time.Now(), userID); err != nil {
		return fmt.Errorf("failed to set user locked: %w", err)
	}
	return nil
}

func (p *PostgresStorage) UpdateLastLogin(userID uint, ipAddress string) error {
	query := `UPDATE user_security SET last_login_at = $1, last_login_ip = $2, updated_at = $3
			  WHERE user_id = $4`
	now := time.Now()
	if _, err := p.db.Exec(query, now, ipAddress, now, userID); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// Session operations
func (p *PostgresStorage) CreateSession(session *Session) error {
	query := `INSERT INTO sessions (user_id, client_id, token, expires_at,
			  user_agent, ip_address, created_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7)
			  RETURNING id, created_at`

	err := p.db.QueryRow(query,
		session.UserID, session.ClientID, session.Token, session.ExpiresAt,
		session.UserAgent, session.IPAddress, time.Now()).Scan(&session.ID, &session.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

func (p *PostgresStorage) GetSession(token string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE token = $1`
	session, err := scanSession(p.db.QueryRow(query, token))
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (p *PostgresStorage) GetClientSession(clientID string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
			  WHERE client_id = $1 AND expires_at > $2
			  ORDER BY id DESC LIMIT 1`
	session, err := scanSession(p.db.QueryRow(query, clientID, time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to get client session: %w", err)
	}
	return session, nil
}

func (p *PostgresStorage) DeleteClientSessions(clientID string) (int64, error) {
	result, err := p.db.Exec(`DELETE FROM sessions WHERE client_id = $1`, clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete client sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted sessions: %w", err)
	}
	return n, nil
}

func (p *PostgresStorage) DeleteUserSessions(userID uint) ([]string, error) {
	return p.deleteSessions(`DELETE FROM sessions WHERE user_id = $1 RETURNING client_id`, userID)
}

func (p *PostgresStorage) CleanupExpiredSessions(now time.Time) ([]string, error) {
	return p.deleteSessions(`DELETE FROM sessions WHERE expires_at <= $1 RETURNING client_id`, now)
}

func (p *PostgresStorage) deleteSessions(query string, args ...any) ([]string, error) {
	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to delete sessions: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var clients []string
	for rows.Next() {
		var clientID string
		if err := rows.Scan(&clientID); err != nil {
			return nil, fmt.Errorf("failed to scan client ID: %w", err)
		}
		if !seen[clientID] {
			seen[clientID] = true
			clients = append(clients, clientID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to delete sessions: %w", err)
	}
	return clients, nil
}

// OAuth state operations
func (p *PostgresStorage) StoreOAuthState(state *OAuthState) error {
	query := `INSERT INTO oauth_states (state, client_id, provider, return_to, expires_at, created_at)
			  VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`

	err := p.db.QueryRow(query,
		state.State, state.ClientID, state.Provider, state.ReturnTo,
		state.ExpiresAt, time.Now()).Scan(&state.ID, &state.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store OAuth state: %w", err)
	}

	return nil
}

func (p *PostgresStorage) GetOAuthState(state string) (*OAuthState, error) {
	oauthState := &OAuthState{}
	query := `SELECT id, state, client_id, provider, return_to, expires_at, created_at
			  FROM oauth_states WHERE state = $1`

	err := p.db.QueryRow(query, state).Scan(
		&oauthState.ID, &oauthState.State, &oauthState.ClientID, &oauthState.Provider,
		&oauthState.ReturnTo, &oauthState.ExpiresAt, &oauthState.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get OAuth state: %w", err)
	}

	return oauthState, nil
}

func (p *PostgresStorage) DeleteOAuthState(state string) error {
	if _, err := p.db.Exec(`DELETE FROM oauth_states WHERE state = $1`, state); err != nil {
		return fmt.Errorf("failed to delete OAuth state: %w", err)
	}
	return nil
}

// Security Event operations
func (p *PostgresStorage) CreateSecurityEvent(event *SecurityEvent) error {
	query := `INSERT INTO security_events (user_id, event_type, description,
			  ip_address, user_agent, severity, success, created_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id, created_at`

	err := p.db.QueryRow(query,
		event.UserID, event.EventType, event.Description, event.IPAddress,
		event.UserAgent, event.Severity, event.Success, time.Now()).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create security event: %w", err)
	}

	return nil
}

func (p *PostgresStorage) GetSecurityEventsByUser(userID uint, limit int, offset int) ([]*SecurityEvent, error) {
	query := `SELECT id, user_id, event_type, description, ip_address,
			  user_agent, severity, success, created_at
			  FROM security_events WHERE user_id = $1
			  ORDER BY id DESC LIMIT $2 OFFSET $3`

	rows, err := p.db.Query(query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get security events: %w", err)
	}
	defer rows.Close()

	var events []*SecurityEvent
	for rows.Next() {
		event := &SecurityEvent{}
		err := rows.Scan(
			&event.ID, &event.UserID, &event.EventType, &event.Description,
			&event.IPAddress, &event.UserAgent, &event.Severity, &event.Success, &event.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// Health check
func (p *PostgresStorage) Ping() error {
	return p.db.Ping()
}

func (p *PostgresStorage) Close() error {
	return p.db.Close()
}
