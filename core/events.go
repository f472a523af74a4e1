package core

import (
	"log/slog"
	"sync"
)

// Identity is the public record of a signed-in user.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	PhotoURL    string `json:"photoURL"`
}

// ProfileFields are the user-editable profile attributes. Empty fields are
// left unchanged.
type ProfileFields struct {
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL"`
}

// IsZero reports whether no field is set.
func (f ProfileFields) IsZero() bool {
	return f.DisplayName == "" && f.PhotoURL == ""
}

// Apply returns a copy of id with the set fields replaced.
func (f ProfileFields) Apply(id Identity) Identity {
	if f.DisplayName != "" {
		id.DisplayName = f.DisplayName
	}
	if f.PhotoURL != "" {
		id.PhotoURL = f.PhotoURL
	}
	return id
}

// EventKind tags a session-change notification.
type EventKind int

const (
	EventUnauthenticated EventKind = iota
	EventAuthenticated
)

func (k EventKind) String() string {
	if k == EventAuthenticated {
		return "authenticated"
	}
	return "unauthenticated"
}

// SessionEvent is delivered to listeners whenever a client's session changes.
// Identity is set only for EventAuthenticated.
type SessionEvent struct {
	Kind     EventKind
	Identity *Identity
}

// Authenticated builds an EventAuthenticated notification.
func Authenticated(id Identity) SessionEvent {
	return SessionEvent{Kind: EventAuthenticated, Identity: &id}
}

// Unauthenticated builds an EventUnauthenticated notification.
func Unauthenticated() SessionEvent {
	return SessionEvent{Kind: EventUnauthenticated}
}

// Listener receives session-change notifications for one client.
type Listener func(SessionEvent)

// hub fans session events out to per-client subscriptions.
type hub struct {
	mu     sync.Mutex
	next   uint64
	subs   map[string]map[uint64]*subscription
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[uint64]*subscription)}
}

// subscription delivers events to one listener, in order, on its own goroutine.
type subscription struct {
	clientID string
	listener Listener

	mu     sync.Mutex
	queue  []SessionEvent
	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func (h *hub) add(clientID string, listener Listener) (*subscription, uint64) {
	sub := &subscription{
		clientID: clientID,
		listener: listener,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.done)
		return sub, 0
	}
	h.next++
	id := h.next
	if h.subs[clientID] == nil {
		h.subs[clientID] = make(map[uint64]*subscription)
	}
	h.subs[clientID][id] = sub
	return sub, id
}

func (h *hub) remove(clientID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[clientID], id)
	if len(h.subs[clientID]) == 0 {
		delete(h.subs, clientID)
	}
}

// publish queues ev for every subscription of the client.
func (h *hub) publish(clientID string, ev SessionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs[clientID] {
		sub.enqueue(ev)
	}
}

func (h *hub) subscriberCount(clientID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[clientID])
}

func (h *hub) closeAll() {
	h.mu.Lock()
	h.closed = true
	var all []*subscription
	for _, subs := range h.subs {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	h.subs = make(map[string]map[uint64]*subscription)
	h.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
}

func (s *subscription) enqueue(ev SessionEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// run delivers the initial state first, then queued events in publish order.
func (s *subscription) run(initial func() SessionEvent) {
	defer close(s.exited)

	select {
	case <-s.done:
		return
	default:
	}
	s.deliver(initial())

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.deliver(ev)
		}
	}
}

func (s *subscription) deliver(ev SessionEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Session listener panicked", "client_id", s.clientID, "panic", r)
		}
	}()
	s.listener(ev)
}

// SubscribeToSessionChanges registers listener for the client's session
// changes. The first notification is the client's current state; later ones
// follow in the order they happened. The returned function unregisters the
// listener and waits until no further notification can be delivered. It must
// not be called from inside the listener.
func (a *AuthService) SubscribeToSessionChanges(clientID string, listener Listener) (unsubscribe func()) {
	sub, id := a.hub.add(clientID, listener)
	go sub.run(func() SessionEvent { return a.currentState(clientID) })

	slog.Debug("Session listener registered", "client_id", clientID)

	var once sync.Once
	return func() {
		once.Do(func() {
			if id != 0 {
				a.hub.remove(clientID, id)
			}
			sub.stop()
			<-sub.exited
			slog.Debug("Session listener released", "client_id", clientID)
		})
	}
}

// currentState resolves the client's persisted session. Failures are reported
// as signed out so that listeners always receive an initial notification.
func (a *AuthService) currentState(clientID string) SessionEvent {
	user, _, err := a.clientUser(clientID)
	if err != nil {
		slog.Error("Failed to restore client session", "client_id", clientID, "error", err)
		return Unauthenticated()
	}
	if user == nil {
		return Unauthenticated()
	}
	return Authenticated(user.Identity())
}
