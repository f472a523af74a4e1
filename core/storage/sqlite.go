package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	. "github.com/wispberry-tech/travelease/core"
)

const userColumns = `id, uuid, email, display_name, photo_url, password_hash,
		  provider, provider_id, email_verified, is_active, is_suspended,
		  created_at, updated_at`

const sessionColumns = `id, user_id, client_id, token, expires_at,
		  user_agent, ip_address, created_at`

// SQLiteStorage is a production-ready SQLite storage implementation for the
// identity provider
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	return NewSQLiteStorageFromDB(db)
}

// NewSQLiteStorageFromDB creates a new SQLite storage from an existing database connection
func NewSQLiteStorageFromDB(db *sql.DB) (*SQLiteStorage, error) {
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStorage{db: db}

	// Auto-create missing tables
	schemaManager := NewSchemaManager(db, "sqlite")
	if err := schemaManager.EnsureCoreSchema(); err != nil {
		return nil, fmt.Errorf("failed to ensure core schema: %w", err)
	}

	return s, nil
}

// NewInMemorySQLiteStorage creates a new in-memory SQLite storage instance for testing
func NewInMemorySQLiteStorage() (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory SQLite database: %w", err)
	}
	// Every pooled connection would get its own empty in-memory database.
	db.SetMaxOpenConns(1)

	return NewSQLiteStorageFromDB(db)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID, &user.UUID, &user.Email, &user.DisplayName, &user.PhotoURL,
		&user.PasswordHash, &user.Provider, &user.ProviderID, &user.EmailVerified,
		&user.IsActive, &user.IsSuspended, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return user, err
}

func scanSession(row rowScanner) (*Session, error) {
	session := &Session{}
	err := row.Scan(
		&session.ID, &session.UserID, &session.ClientID, &session.Token,
		&session.ExpiresAt, &session.UserAgent, &session.IPAddress, &session.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return session, err
}

// User operations
func (s *SQLiteStorage) CreateUser(user *User) error {
	query := `INSERT INTO users (uuid, email, display_name, photo_url, password_hash,
			  provider, provider_id, email_verified, is_active, is_suspended,
			  created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	result, err := s.db.Exec(query,
		user.UUID, user.Email, user.DisplayName, user.PhotoURL, user.PasswordHash,
		user.Provider, user.ProviderID, user.EmailVerified,
		user.IsActive, user.IsSuspended, now, now)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get user ID: %w", err)
	}

	user.ID = uint(id)
	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) GetUserByEmail(email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = ?`
	user, err := scanUser(s.db.QueryRow(query, email))
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return user, nil
}

func (s *SQLiteStorage) GetUserByProviderID(provider, providerID string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE provider = ? AND provider_id = ?`
	user, err := scanUser(s.db.QueryRow(query, provider, providerID))
	if err != nil {
		return nil, fmt.Errorf("failed to get user by provider ID: %w", err)
	}
	return user, nil
}

func (s *SQLiteStorage) GetUserByID(id uint) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	user, err := scanUser(s.db.QueryRow(query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}
	return user, nil
}

func (s *SQLiteStorage) GetUserByUUID(uuid string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE uuid = ?`
	user, err := scanUser(s.db.QueryRow(query, uuid))
	if err != nil {
		return nil, fmt.Errorf("failed to get user by UUID: %w", err)
	}
	return user, nil
}

func (s *SQLiteStorage) UpdateUser(user *User) error {
	query := `UPDATE users SET email = ?, display_name = ?, photo_url = ?,
			  password_hash = ?, provider = ?, provider_id = ?, email_verified = ?,
			  is_active = ?, is_suspended = ?, updated_at = ?
			  WHERE id = ?`

	now := time.Now().UTC()
	_, err := s.db.Exec(query,
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
func (s *SQLiteStorage) CreateUserSecurity(security *UserSecurity) error {
	query := `INSERT INTO user_security (user_id, login_attempts, last_login_ip, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	_, err := s.db.Exec(query, security.UserID, security.LoginAttempts, security.LastLoginIP, now, now)
	if err != nil {
		return fmt.Errorf("failed to create user security: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetUserSecurity(userID uint) (*UserSecurity, error) {
	security := &UserSecurity{}
	query := `SELECT user_id, login_attempts, locked_until, last_login_at, last_login_ip,
			  created_at, updated_at
			  FROM user_security WHERE user_id = ?`

	err := s.db.QueryRow(query, userID).Scan(
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

func (s *SQLiteStorage) IncrementLoginAttempts(userID uint) error {
	query := `UPDATE user_security SET login_attempts = login_attempts + 1, updated_at = ?
			  WHERE user_id = ?`
	if _, err := s.db.Exec(query, time.Now().UTC(), userID); err != nil {
		return fmt.Errorf("failed to increment login attempts: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ResetLoginAttempts(userID uint) error {
	query := `UPDATE user_security SET login_attempts = 0, locked_until = NULL, updated_at = ?
			  WHERE user_id = ?`
	if _, err := s.db.Exec(query, time.Now().UTC(), userID); err != nil {
		return fmt.Errorf("failed to reset login attempts: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) SetUserLocked(userID uint, until time.Time) error {
	query := `UPDATE user_security SET locked_until = ?, updated_at = ?
			  WHERE user_id = ?`
	if _, err := s.db.Exec(query, until.UTC(), time.Now().UTC(), userID); err != nil {
		return fmt.Errorf("failed to set user locked: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) UpdateLastLogin(userID uint, ipAddress string) error {
	query := `UPDATE user_security SET last_login_at = ?, last_login_ip = ?, updated_at = ?
			  WHERE user_id = ?`
	now := time.Now().UTC()
	if _, err := s.db.Exec(query, now, ipAddress, now, userID); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// Session operations
func (s *SQLiteStorage) CreateSession(session *Session) error {
	query := `INSERT INTO sessions (user_id, client_id, token, expires_at,
			  user_agent, ip_address, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	result, err := s.db.Exec(query,
		session.UserID, session.ClientID, session.Token, session.ExpiresAt.UTC(),
		session.UserAgent, session.IPAddress, now)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get session ID: %w", err)
	}

	session.ID = uint(id)
	session.CreatedAt = now
	return nil
}

func (s *SQLiteStorage) GetSession(token string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE token = ?`
	session, err := scanSession(s.db.QueryRow(query, token))
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (s *SQLiteStorage) GetClientSession(clientID string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
			  WHERE client_id = ? AND julianday(expires_at) > julianday(?)
			  ORDER BY id DESC LIMIT 1`
	session, err := scanSession(s.db.QueryRow(query, clientID, time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("failed to get client session: %w", err)
	}
	return session, nil
}

func (s *SQLiteStorage) DeleteClientSessions(clientID string) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM sessions WHERE client_id = ?`, clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete client sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted sessions: %w", err)
	}
	return n, nil
}

func (s *SQLiteStorage) DeleteUserSessions(userID uint) ([]string, error) {
	return s.deleteSessions(`DELETE FROM sessions WHERE user_id = ? RETURNING client_id`, userID)
}

func (s *SQLiteStorage) CleanupExpiredSessions(now time.Time) ([]string, error) {
	return s.deleteSessions(`DELETE FROM sessions WHERE julianday(expires_at) <= julianday(?) RETURNING client_id`, now.UTC())
}

// deleteSessions runs a DELETE ... RETURNING client_id and returns the
// distinct client IDs.
func (s *SQLiteStorage) deleteSessions(query string, args ...any) ([]string, error) {
	rows, err := s.db.Query(query, args...)
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
func (s *SQLiteStorage) StoreOAuthState(state *OAuthState) error {
	query := `INSERT INTO oauth_states (state, client_id, provider, return_to, expires_at, created_at)
			  VALUES (?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	result, err := s.db.Exec(query,
		state.State, state.ClientID, state.Provider, state.ReturnTo,
		state.ExpiresAt.UTC(), now)
	if err != nil {
		return fmt.Errorf("failed to store OAuth state: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get OAuth state ID: %w", err)
	}

	state.ID = uint(id)
	state.CreatedAt = now
	return nil
}

func (s *SQLiteStorage) GetOAuthState(state string) (*OAuthState, error) {
	oauthState := &OAuthState{}
	query := `SELECT id, state, client_id, provider, return_to, expires_at, created_at
			  FROM oauth_states WHERE state = ?`

	err := s.db.QueryRow(query, state).Scan(
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

func (s *SQLiteStorage) DeleteOAuthState(state string) error {
	if _, err := s.db.Exec(`DELETE FROM oauth_states WHERE state = ?`, state); err != nil {
		return fmt.Errorf("failed to delete OAuth state: %w", err)
	}
	return nil
}

// Security Event operations
func (s *SQLiteStorage) CreateSecurityEvent(event *SecurityEvent) error {
	query := `INSERT INTO security_events (user_id, event_type, description,
			  ip_address, user_agent, severity, success, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	result, err := s.db.Exec(query,
		event.UserID, event.EventType, event.Description, event.IPAddress,
		event.UserAgent, event.Severity, event.Success, now)
	if err != nil {
		return fmt.Errorf("failed to create security event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get security event ID: %w", err)
	}

	event.ID = uint(id)
	event.CreatedAt = now
	return nil
}

func (s *SQLiteStorage) GetSecurityEventsByUser(userID uint, limit int, offset int) ([]*SecurityEvent, error) {
	query := `SELECT id, user_id, event_type, description, ip_address,
			  user_agent, severity, success, created_at
			  FROM security_events WHERE user_id = ?
			  ORDER BY id DESC LIMIT ? OFFSET ?`

	rows, err := s.db.Query(query, userID, limit, offset)
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
func (s *SQLiteStorage) Ping() error {
	return s.db.Ping()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
