package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wispberry-tech/travelease/core"
	"github.com/wispberry-tech/travelease/metrics"
)

// Provider is the identity provider a Store subscribes to. *core.AuthService
// implements it.
type Provider interface {
	SubscribeToSessionChanges(clientID string, listener core.Listener) (unsubscribe func())
	SignInWithCredentials(ctx context.Context, clientID, email, password string) (*core.Identity, error)
	BeginFederatedSignIn(ctx context.Context, clientID, provider, returnTo string) (string, error)
	CompleteFederatedSignIn(ctx context.Context, clientID string, cb core.FederatedCallback) (*core.FederatedSignIn, error)
	CreateAccount(ctx context.Context, clientID, email, password string) (*core.Identity, error)
	UpdateProfileFields(ctx context.Context, clientID string, fields core.ProfileFields) error
	EndSession(ctx context.Context, clientID string) error
	RevokeUserSessions(ctx context.Context, userID string) error
	SessionToken(ctx context.Context, clientID string) (string, error)
}

// DefaultProfileWriteTimeout bounds the post-registration profile write.
const DefaultProfileWriteTimeout = 10 * time.Second

// Option configures a Store.
type Option func(*Store)

// WithProfileWriter sets where Register writes the new user's profile.
func WithProfileWriter(w ProfileWriter) Option {
	return func(s *Store) {
		s.profiles = w
	}
}

// WithProfileWriteTimeout overrides DefaultProfileWriteTimeout.
func WithProfileWriteTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.profileTimeout = d
	}
}

// WithMetrics records operation outcomes and profile writes.
func WithMetrics(m *metrics.Collectors) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithClock overrides time.Now for profile timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is the authentication state of one client.
type Store struct {
	provider       Provider
	clientID       string
	profiles       ProfileWriter
	profileTimeout time.Duration
	metrics        *metrics.Collectors
	now            func() time.Time

	mu        sync.RWMutex
	state     State
	watchers  map[uint64]chan State
	nextWatch uint64
	closed    bool

	// op serializes authentication operations
	op sync.Mutex

	unsubscribe func()
	closeOnce   sync.Once
	background  sync.WaitGroup
	lastUsed    atomic.Int64
}

// New creates the store of a client and subscribes it to the provider.
func New(provider Provider, clientID string, opts ...Option) *Store {
	s := &Store{
		provider:       provider,
		clientID:       clientID,
		profileTimeout: DefaultProfileWriteTimeout,
		now:            time.Now,
		state:          Initial(),
		watchers:       make(map[uint64]chan State),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.touch()

	s.unsubscribe = provider.SubscribeToSessionChanges(clientID, s.apply)
	slog.Debug("Session store created", "client_id", clientID)
	return s
}

// ClientID returns the client the store belongs to.
func (s *Store) ClientID() string {
	return s.clientID
}

// Snapshot returns the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// apply is the provider listener.
func (s *Store) apply(ev core.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	wasLoading := s.state.Loading
	s.state = Transition(s.state, ev)
	s.broadcastLocked()

	if wasLoading {
		slog.Debug("Session resolved", "client_id", s.clientID, "signed_in", s.state.SignedIn())
	}
}

// patchUser merges fields into the current user when it is userID.
func (s *Store) patchUser(userID string, fields core.ProfileFields) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state.User == nil || s.state.User.ID != userID || fields.IsZero() {
		return
	}
	patched := fields.Apply(*s.state.User)
	s.state.User = &patched
	s.broadcastLocked()
}

// broadcastLocked hands the current state to every watcher, replacing any
// state the watcher has not read yet. s.mu must be held for writing.
func (s *Store) broadcastLocked() {
	for _, ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- s.state
	}
}

// Watch returns a channel that yields the current state and then the latest
// state after every change. Slow readers skip intermediate states. The
// channel is closed by cancel or when the store closes.
func (s *Store) Watch() (<-chan State, func()) {
	ch := make(chan State, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.nextWatch++
	id := s.nextWatch
	s.watchers[id] = ch
	ch <- s.state
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.watchers[id]; ok {
				delete(s.watchers, id)
				close(ch)
			}
		})
	}
}

// Watching reports the number of open watch channels.
func (s *Store) Watching() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.watchers)
}

func (s *Store) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// LastUsed returns when an operation last ran on the store.
func (s *Store) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// begin claims the operation slot.
func (s *Store) begin(op string) (func(err error), error) {
	s.touch()
	if s.isClosed() {
		return nil, ErrClosed
	}
	if !s.op.TryLock() {
		slog.Debug("Rejected concurrent authentication operation", "client_id", s.clientID, "operation", op)
		s.record(op, "in_flight")
		return nil, ErrOperationInFlight
	}
	return func(err error) {
		s.op.Unlock()
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.record(op, outcome)
	}, nil
}

func (s *Store) record(op, outcome string) {
	if s.metrics != nil {
		s.metrics.AuthOperations.WithLabelValues(op, outcome).Inc()
	}
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// SignIn signs in with email and password. The returned identity is
// provisional until the provider notification updates the state.
func (s *Store) SignIn(ctx context.Context, email, password string) (id *core.Identity, err error) {
	done, err := s.begin("sign_in")
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()

	id, err = s.provider.SignInWithCredentials(ctx, s.clientID, email, password)
	if err != nil {
		slog.Debug("Sign in failed", "client_id", s.clientID, "error", err)
		return nil, classify(err)
	}
	return id, nil
}

// FederatedSignInURL starts a federated sign-in and returns the provider URL
// to send the visitor to. returnTo comes back from
// SignInWithFederatedProvider.
func (s *Store) FederatedSignInURL(ctx context.Context, provider, returnTo string) (string, error) {
	s.touch()
	if s.isClosed() {
		return "", ErrClosed
	}
	authURL, err := s.provider.BeginFederatedSignIn(ctx, s.clientID, provider, returnTo)
	if err != nil {
		slog.Debug("Federated sign in could not start", "client_id", s.clientID, "provider", provider, "error", err)
		return "", classify(err)
	}
	return authURL, nil
}

// SignInWithFederatedProvider completes a federated sign-in from the
// provider's callback.
func (s *Store) SignInWithFederatedProvider(ctx context.Context, cb core.FederatedCallback) (result *core.FederatedSignIn, err error) {
	done, err := s.begin("federated_sign_in")
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()

	result, err = s.provider.CompleteFederatedSignIn(ctx, s.clientID, cb)
	if err != nil {
		slog.Debug("Federated sign in failed", "client_id", s.clientID, "provider", cb.Provider, "error", err)
		return nil, classify(err)
	}
	return result, nil
}

// Register creates an account, sets its profile and signs the client in.
// The profile record is then written to the rental API in the background,
// once, and a failure there is only logged.
func (s *Store) Register(ctx context.Context, email, password string, profile core.ProfileFields) (id *core.Identity, err error) {
	done, err := s.begin("register")
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()

	created, err := s.provider.CreateAccount(ctx, s.clientID, email, password)
	if err != nil {
		slog.Debug("Registration failed", "client_id", s.clientID, "error", err)
		return nil, classify(err)
	}

	if !profile.IsZero() {
		if err := s.provider.UpdateProfileFields(ctx, s.clientID, profile); err != nil {
			slog.Warn("Failed to set profile after registration", "client_id", s.clientID, "user_id", created.ID, "error", err)
		} else {
			s.patchUser(created.ID, profile)
		}
	}

	registered := profile.Apply(*created)
	s.writeProfile(ctx, ProfileRecord{
		Name:      registered.DisplayName,
		Email:     registered.Email,
		PhotoURL:  registered.PhotoURL,
		CreatedAt: s.now().UTC(),
	})
	return &registered, nil
}

// writeProfile starts the fire-and-forget profile write.
func (s *Store) writeProfile(ctx context.Context, record ProfileRecord) {
	if s.profiles == nil {
		return
	}

	// Add happens under s.mu so it can never follow Close's Wait.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		slog.Debug("Skipping profile write on closed store", "client_id", s.clientID, "email", record.Email)
		return
	}
	s.background.Add(1)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.profileTimeout)
	go func() {
		defer s.background.Done()
		defer cancel()

		result := "ok"
		if err := s.profiles.WriteProfile(ctx, record); err != nil {
			result = "failed"
			slog.Warn("Failed to write user profile", "client_id", s.clientID, "email", record.Email, "error", err)
		}
		if s.metrics != nil {
			s.metrics.ProfileWrites.WithLabelValues(result).Inc()
		}
	}()
}

// UpdateProfile changes the signed-in user's profile and patches the local
// state right away. The next provider notification is authoritative.
func (s *Store) UpdateProfile(ctx context.Context, fields core.ProfileFields) (err error) {
	done, err := s.begin("update_profile")
	if err != nil {
		return err
	}
	defer func() { done(err) }()

	current := s.Snapshot().User
	if err := s.provider.UpdateProfileFields(ctx, s.clientID, fields); err != nil {
		slog.Debug("Profile update failed", "client_id", s.clientID, "error", err)
		return classify(err)
	}
	if current != nil {
		s.patchUser(current.ID, fields)
	}
	return nil
}

// SignOut ends the client's session. The state is cleared by the provider
// notification; signing out while signed out is a no-op.
func (s *Store) SignOut(ctx context.Context) (err error) {
	done, err := s.begin("sign_out")
	if err != nil {
		return err
	}
	defer func() { done(err) }()

	if err := s.provider.EndSession(ctx, s.clientID); err != nil {
		slog.Debug("Sign out failed", "client_id", s.clientID, "error", err)
		return classify(err)
	}
	return nil
}

// SignOutEverywhere ends every session of the signed-in user on every client.
func (s *Store) SignOutEverywhere(ctx context.Context) (err error) {
	done, err := s.begin("sign_out_everywhere")
	if err != nil {
		return err
	}
	defer func() { done(err) }()

	user := s.Snapshot().User
	if user == nil {
		return nil
	}
	if err := s.provider.RevokeUserSessions(ctx, user.ID); err != nil {
		slog.Debug("Sign out everywhere failed", "client_id", s.clientID, "error", err)
		return classify(err)
	}
	return nil
}

// Token returns the bearer token for the rental API.
func (s *Store) Token(ctx context.Context) (string, error) {
	s.touch()
	if s.isClosed() {
		return "", ErrClosed
	}
	token, err := s.provider.SessionToken(ctx, s.clientID)
	if err != nil {
		return "", classify(err)
	}
	return token, nil
}

// Close releases the provider subscription, closes watch channels and waits
// for background profile writes. It is safe to call more than once.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.unsubscribe()

		s.mu.Lock()
		s.closed = true
		for id, ch := range s.watchers {
			delete(s.watchers, id)
			close(ch)
		}
		s.mu.Unlock()

		s.background.Wait()
		slog.Debug("Session store closed", "client_id", s.clientID)
	})
}
