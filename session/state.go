// Package session holds the authentication state of one visitor application
// context and the operations that change it.
//
// A Store is created per client and owns exactly one identity provider
// subscription for its whole lifetime. Its state only ever changes through
// provider notifications, plus the optimistic profile patch applied after a
// successful profile update.
package session

import "github.com/wispberry-tech/travelease/core"

// State is the authentication status seen by a client.
type State struct {
	User    *core.Identity `json:"user"`
	Loading bool           `json:"loading"`

	// Epoch advances every time the signed-in identity changes, so a
	// watcher that skipped intermediate states can still tell that the
	// user it saw is not the user it sees now.
	Epoch uint64 `json:"-"`
}

// Initial is the state of a store that has not heard from the provider yet.
func Initial() State {
	return State{Loading: true}
}

// Transition applies one provider notification. Loading is cleared by the
// first notification and never set again.
func Transition(prev State, ev core.SessionEvent) State {
	next := State{Loading: false, Epoch: prev.Epoch}
	if ev.Kind == core.EventAuthenticated && ev.Identity != nil {
		id := *ev.Identity
		next.User = &id
	}
	if userID(prev) != userID(next) || prev.SignedIn() != next.SignedIn() {
		next.Epoch++
	}
	return next
}

func userID(s State) string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}

// SignedIn reports whether the state carries a user.
func (s State) SignedIn() bool {
	return s.User != nil
}
