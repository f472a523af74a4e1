package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wispberry-tech/travelease/core"
	"github.com/wispberry-tech/travelease/metrics"
)

// fakeProvider records calls and lets tests drive notifications by hand.
type fakeProvider struct {
	mu            sync.Mutex
	listener      core.Listener
	subscriptions int
	released      int

	signIn        func(ctx context.Context, email, password string) (*core.Identity, error)
	createAccount func(ctx context.Context, email, password string) (*core.Identity, error)
	updateProfile func(ctx context.Context, fields core.ProfileFields) error
	endSession    func(ctx context.Context) error
	revoked       []string
}

func (p *fakeProvider) SubscribeToSessionChanges(clientID string, listener core.Listener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = listener
	p.subscriptions++
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.released++
		p.listener = nil
	}
}

func (p *fakeProvider) emit(ev core.SessionEvent) {
	p.mu.Lock()
	l := p.listener
	p.mu.Unlock()
	if l != nil {
		l(ev)
	}
}

func (p *fakeProvider) SignInWithCredentials(ctx context.Context, clientID, email, password string) (*core.Identity, error) {
	if p.signIn != nil {
		return p.signIn(ctx, email, password)
	}
	return &core.Identity{ID: "u1", Email: email}, nil
}

func (p *fakeProvider) BeginFederatedSignIn(ctx context.Context, clientID, provider, returnTo string) (string, error) {
	if provider != "google" {
		return "", core.ErrInvalidProvider
	}
	return "https://accounts.example.com/auth?state=s1", nil
}

func (p *fakeProvider) CompleteFederatedSignIn(ctx context.Context, clientID string, cb core.FederatedCallback) (*core.FederatedSignIn, error) {
	return &core.FederatedSignIn{Identity: core.Identity{ID: "u1"}, ReturnTo: "/myBookings"}, nil
}

func (p *fakeProvider) CreateAccount(ctx context.Context, clientID, email, password string) (*core.Identity, error) {
	if p.createAccount != nil {
		return p.createAccount(ctx, email, password)
	}
	return &core.Identity{ID: "u1", Email: email}, nil
}

func (p *fakeProvider) UpdateProfileFields(ctx context.Context, clientID string, fields core.ProfileFields) error {
	if p.updateProfile != nil {
		return p.updateProfile(ctx, fields)
	}
	return nil
}

func (p *fakeProvider) EndSession(ctx context.Context, clientID string) error {
	if p.endSession != nil {
		return p.endSession(ctx)
	}
	return nil
}

func (p *fakeProvider) RevokeUserSessions(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked = append(p.revoked, userID)
	return nil
}

func (p *fakeProvider) SessionToken(ctx context.Context, clientID string) (string, error) {
	return "token-" + clientID, nil
}

func newTestStore(t *testing.T, p *fakeProvider, opts ...Option) *Store {
	t.Helper()
	s := New(p, "client-1", opts...)
	t.Cleanup(s.Close)
	return s
}

func signedIn(id string) core.SessionEvent {
	return core.Authenticated(core.Identity{ID: id, Email: id + "@example.com"})
}

func TestTransition_LoadingClearsOnceAndNeverReturns(t *testing.T) {
	sequences := map[string][]core.SessionEvent{
		"restored_then_signed_out": {signedIn("u1"), core.Unauthenticated()},
		"anonymous_then_churn":     {core.Unauthenticated(), signedIn("u1"), core.Unauthenticated(), signedIn("u2")},
		"single_restore":           {signedIn("u1")},
		"repeated_sign_out":        {core.Unauthenticated(), core.Unauthenticated(), core.Unauthenticated()},
	}

	for name, events := range sequences {
		t.Run(name, func(t *testing.T) {
			state := Initial()
			require.True(t, state.Loading)
			require.Nil(t, state.User)

			transitions := 0
			for _, ev := range events {
				next := Transition(state, ev)
				if state.Loading && !next.Loading {
					transitions++
				}
				assert.False(t, next.Loading)
				if ev.Kind == core.EventAuthenticated {
					require.NotNil(t, next.User)
					assert.Equal(t, ev.Identity.ID, next.User.ID)
				} else {
					assert.Nil(t, next.User)
				}
				state = next
			}
			assert.Equal(t, 1, transitions)
		})
	}
}

func TestTransition_CopiesIdentity(t *testing.T) {
	id := core.Identity{ID: "u1", DisplayName: "Ann"}
	ev := core.Authenticated(id)
	next := Transition(Initial(), ev)
	ev.Identity.DisplayName = "changed"
	assert.Equal(t, "Ann", next.User.DisplayName)
}

func TestTransition_EpochTracksIdentity(t *testing.T) {
	state := Initial()
	state = Transition(state, signedIn("u1"))
	first := state.Epoch
	assert.NotZero(t, first)

	state = Transition(state, core.Authenticated(core.Identity{ID: "u1", DisplayName: "Ann"}))
	assert.Equal(t, first, state.Epoch, "same user keeps the epoch")

	state = Transition(state, signedIn("u2"))
	assert.Greater(t, state.Epoch, first)

	switched := state.Epoch
	state = Transition(state, core.Unauthenticated())
	state = Transition(state, signedIn("u2"))
	assert.Equal(t, switched+2, state.Epoch)
}

func TestStore_SubscribesExactlyOnceAndReleasesOnClose(t *testing.T) {
	p := &fakeProvider{}
	s := New(p, "client-1")

	assert.Equal(t, Initial(), s.Snapshot())
	assert.Equal(t, 1, p.subscriptions)

	s.Close()
	s.Close()
	assert.Equal(t, 1, p.released)

	_, err := s.SignIn(context.Background(), "a@example.com", "pw")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStore_LoadingTransitionsOnceOverNotifications(t *testing.T) {
	p := &fakeProvider{}
	s := newTestStore(t, p)

	p.emit(core.Unauthenticated())
	state := s.Snapshot()
	assert.False(t, state.Loading)
	assert.Nil(t, state.User)

	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			p.emit(signedIn("u1"))
		} else {
			p.emit(core.Unauthenticated())
		}
		assert.False(t, s.Snapshot().Loading)
	}
	assert.Nil(t, s.Snapshot().User)
}

func TestStore_SignOutIsIdempotent(t *testing.T) {
	p := &fakeProvider{}
	s := newTestStore(t, p)
	ctx := context.Background()

	// still resolving
	require.NoError(t, s.SignOut(ctx))
	assert.True(t, s.Snapshot().Loading)

	p.emit(core.Unauthenticated())
	require.NoError(t, s.SignOut(ctx))
	require.NoError(t, s.SignOut(ctx))
	state := s.Snapshot()
	assert.False(t, state.Loading)
	assert.Nil(t, state.User)
}

func TestStore_OperationsDoNotSetUser(t *testing.T) {
	p := &fakeProvider{}
	s := newTestStore(t, p)
	p.emit(core.Unauthenticated())

	id, err := s.SignIn(context.Background(), "a@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "u1", id.ID)
	assert.Nil(t, s.Snapshot().User, "state changes only through provider notifications")

	p.emit(core.Authenticated(*id))
	require.NotNil(t, s.Snapshot().User)
	assert.Equal(t, "u1", s.Snapshot().User.ID)
}

func TestStore_RejectsConcurrentOperations(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	p := &fakeProvider{
		signIn: func(ctx context.Context, email, password string) (*core.Identity, error) {
			close(entered)
			<-release
			return &core.Identity{ID: "u1"}, nil
		},
	}
	m := metrics.Discard()
	s := newTestStore(t, p, WithMetrics(m))
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := s.SignIn(ctx, "a@example.com", "pw")
		errc <- err
	}()
	<-entered

	_, err := s.SignIn(ctx, "a@example.com", "pw")
	assert.ErrorIs(t, err, ErrOperationInFlight)
	_, err = s.Register(ctx, "b@example.com", "pw", core.ProfileFields{})
	assert.ErrorIs(t, err, ErrOperationInFlight)
	assert.ErrorIs(t, s.SignOut(ctx), ErrOperationInFlight)

	close(release)
	require.NoError(t, <-errc)

	require.NoError(t, s.SignOut(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthOperations.WithLabelValues("sign_in", "in_flight")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthOperations.WithLabelValues("sign_in", "ok")))
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestStore_ClassifiesProviderErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		want     error
		wantText string
	}{
		{"invalid_credentials", core.ErrInvalidCredentials, ErrInvalidCredentials, ""},
		{"provider_unavailable", fmt.Errorf("%w: get user: db down", core.ErrProviderUnavailable), ErrNetworkUnavailable, ""},
		{"deadline", context.DeadlineExceeded, ErrNetworkUnavailable, ""},
		{"net_error", fmt.Errorf("dial: %w", timeoutError{}), ErrNetworkUnavailable, ""},
		{"locked", core.ErrAccountLocked, nil, "Too many failed attempts, try again later"},
		{"validation", &core.ValidationError{Message: "Email must be a valid email address"}, nil, "Email must be a valid email address"},
		{"other", errors.New("popup closed by user"), nil, "popup closed by user"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{
				signIn: func(context.Context, string, string) (*core.Identity, error) { return nil, tt.err },
			}
			s := newTestStore(t, p)

			_, err := s.SignIn(context.Background(), "a@example.com", "pw")
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
				return
			}
			var perr *ProviderError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.wantText, perr.Message)
		})
	}
}

func TestStore_RegisterAccountExists(t *testing.T) {
	p := &fakeProvider{
		createAccount: func(context.Context, string, string) (*core.Identity, error) { return nil, core.ErrUserExists },
	}
	var writes atomic.Int32
	s := newTestStore(t, p, WithProfileWriter(ProfileWriterFunc(func(context.Context, ProfileRecord) error {
		writes.Add(1)
		return nil
	})))

	_, err := s.Register(context.Background(), "a@example.com", "Secret1", core.ProfileFields{DisplayName: "Ann"})
	assert.ErrorIs(t, err, ErrAccountExists)
	s.Close()
	assert.Zero(t, writes.Load())
}

func TestStore_RegisterWritesProfileOnce(t *testing.T) {
	created := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	records := make(chan ProfileRecord, 4)
	m := metrics.Discard()
	p := &fakeProvider{}
	s := newTestStore(t, p,
		WithMetrics(m),
		WithClock(func() time.Time { return created }),
		WithProfileWriter(ProfileWriterFunc(func(ctx context.Context, r ProfileRecord) error {
			records <- r
			return nil
		})),
	)

	id, err := s.Register(context.Background(), "a@example.com", "Secret1",
		core.ProfileFields{DisplayName: "Ann", PhotoURL: "https://img.example.com/ann.png"})
	require.NoError(t, err)
	assert.Equal(t, "Ann", id.DisplayName)

	s.Close()
	close(records)

	var got []ProfileRecord
	for r := range records {
		got = append(got, r)
	}
	require.Len(t, got, 1)
	assert.Equal(t, ProfileRecord{
		Name:      "Ann",
		Email:     "a@example.com",
		PhotoURL:  "https://img.example.com/ann.png",
		CreatedAt: created,
	}, got[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProfileWrites.WithLabelValues("ok")))
}

func TestStore_RegisterProfileWriteFailureIsSwallowed(t *testing.T) {
	m := metrics.Discard()
	var attempts atomic.Int32
	p := &fakeProvider{}
	s := newTestStore(t, p,
		WithMetrics(m),
		WithProfileWriter(ProfileWriterFunc(func(context.Context, ProfileRecord) error {
			attempts.Add(1)
			return errors.New("remote api down")
		})),
	)

	id, err := s.Register(context.Background(), "a@example.com", "Secret1", core.ProfileFields{DisplayName: "Ann"})
	require.NoError(t, err)
	require.NotNil(t, id)

	s.Close()
	assert.Equal(t, int32(1), attempts.Load(), "no retry")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProfileWrites.WithLabelValues("failed")))
}

func TestStore_RegisterDoesNotWaitForProfileWrite(t *testing.T) {
	release := make(chan struct{})
	p := &fakeProvider{}
	s := newTestStore(t, p, WithProfileWriter(ProfileWriterFunc(func(ctx context.Context, r ProfileRecord) error {
		<-release
		return nil
	})))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := s.Register(context.Background(), "a@example.com", "Secret1", core.ProfileFields{})
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Register blocked on the profile write")
	}
	close(release)
}

func TestStore_RegisterFinishingAfterCloseSkipsProfileWrite(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	p := &fakeProvider{
		createAccount: func(_ context.Context, email, _ string) (*core.Identity, error) {
			close(entered)
			<-release
			return &core.Identity{ID: "u1", Email: email}, nil
		},
	}
	var writes atomic.Int32
	s := New(p, "client-1", WithProfileWriter(ProfileWriterFunc(func(context.Context, ProfileRecord) error {
		writes.Add(1)
		return nil
	})))

	registered := make(chan error, 1)
	go func() {
		_, err := s.Register(context.Background(), "a@example.com", "Secret1", core.ProfileFields{DisplayName: "Ann"})
		registered <- err
	}()
	<-entered

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on an operation in flight")
	}

	close(release)
	select {
	case err := <-registered:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Register did not return")
	}
	assert.Zero(t, writes.Load(), "no profile write may start after Close")
}

func TestStore_RegisterProfileUpdateFailureStillSucceeds(t *testing.T) {
	p := &fakeProvider{
		updateProfile: func(context.Context, core.ProfileFields) error { return core.ErrProviderUnavailable },
	}
	s := newTestStore(t, p)

	id, err := s.Register(context.Background(), "a@example.com", "Secret1", core.ProfileFields{DisplayName: "Ann"})
	require.NoError(t, err)
	assert.Equal(t, "u1", id.ID)
}

func TestStore_RegisterPatchesCurrentUser(t *testing.T) {
	p := &fakeProvider{}
	p.createAccount = func(ctx context.Context, email, password string) (*core.Identity, error) {
		id := &core.Identity{ID: "u1", Email: email}
		p.emit(core.Authenticated(*id))
		return id, nil
	}
	s := newTestStore(t, p)
	p.emit(core.Unauthenticated())

	_, err := s.Register(context.Background(), "a@example.com", "Secret1", core.ProfileFields{DisplayName: "Ann"})
	require.NoError(t, err)

	user := s.Snapshot().User
	require.NotNil(t, user)
	assert.Equal(t, "Ann", user.DisplayName)
}

func TestStore_UpdateProfilePatchesOnlySameUser(t *testing.T) {
	p := &fakeProvider{}
	s := newTestStore(t, p)
	ctx := context.Background()

	p.emit(signedIn("u1"))
	require.NoError(t, s.UpdateProfile(ctx, core.ProfileFields{DisplayName: "Ann"}))
	assert.Equal(t, "Ann", s.Snapshot().User.DisplayName)

	// the provider notification carries the same fields, so nothing reverts
	p.emit(core.Authenticated(core.Identity{ID: "u1", Email: "u1@example.com", DisplayName: "Ann"}))
	assert.Equal(t, "Ann", s.Snapshot().User.DisplayName)

	p.updateProfile = func(context.Context, core.ProfileFields) error { return core.ErrNoSession }
	err := s.UpdateProfile(ctx, core.ProfileFields{DisplayName: "Bob"})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "Ann", s.Snapshot().User.DisplayName)
}

func TestStore_SignOutEverywhere(t *testing.T) {
	p := &fakeProvider{}
	s := newTestStore(t, p)
	ctx := context.Background()

	require.NoError(t, s.SignOutEverywhere(ctx))
	assert.Empty(t, p.revoked)

	p.emit(signedIn("u1"))
	require.NoError(t, s.SignOutEverywhere(ctx))
	assert.Equal(t, []string{"u1"}, p.revoked)
}

func TestStore_FederatedSignIn(t *testing.T) {
	p := &fakeProvider{}
	s := newTestStore(t, p)
	ctx := context.Background()

	authURL, err := s.FederatedSignInURL(ctx, "google", "/myBookings")
	require.NoError(t, err)
	assert.Contains(t, authURL, "state=")

	_, err = s.FederatedSignInURL(ctx, "myspace", "/")
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)

	result, err := s.SignInWithFederatedProvider(ctx, core.FederatedCallback{Provider: "google", State: "s1", Code: "c"})
	require.NoError(t, err)
	assert.Equal(t, "/myBookings", result.ReturnTo)
}

func TestStore_Token(t *testing.T) {
	s := newTestStore(t, &fakeProvider{})
	token, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-client-1", token)
}

func TestStore_WatchCoalescesToLatest(t *testing.T) {
	p := &fakeProvider{}
	s := newTestStore(t, p)

	ch, cancel := s.Watch()
	defer cancel()

	first := <-ch
	assert.True(t, first.Loading)

	p.emit(core.Unauthenticated())
	p.emit(signedIn("u1"))
	p.emit(signedIn("u2"))

	latest := <-ch
	require.NotNil(t, latest.User)
	assert.Equal(t, "u2", latest.User.ID)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra state %+v", extra)
	default:
	}

	assert.Equal(t, 1, s.Watching())
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, s.Watching())
}

func TestStore_CloseEndsWatches(t *testing.T) {
	p := &fakeProvider{}
	s := New(p, "client-1")

	ch, cancel := s.Watch()
	<-ch
	s.Close()

	_, open := <-ch
	assert.False(t, open)
	cancel()

	late, _ := s.Watch()
	_, open = <-late
	assert.False(t, open)
}
