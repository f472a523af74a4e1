// Package gate decides whether a visitor may reach a protected view.
//
// The decision is a pure function of the visitor's session state. The gate
// keeps no state of its own: every request and every state change is
// evaluated from the current snapshot.
package gate

import (
	"fmt"

	"github.com/wispberry-tech/travelease/session"
)

// Decision is the outcome of one access evaluation.
type Decision int

const (
	// Resolving means the session is still loading; show a placeholder.
	Resolving Decision = iota
	// Granted means the protected view runs unchanged.
	Granted
	// Denied means the visitor is sent to the entry point.
	Denied
)

func (d Decision) String() string {
	switch d {
	case Resolving:
		return "resolving"
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// MarshalText encodes the decision by name.
func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a decision name.
func (d *Decision) UnmarshalText(text []byte) error {
	switch string(text) {
	case "resolving":
		*d = Resolving
	case "granted":
		*d = Granted
	case "denied":
		*d = Denied
	default:
		return fmt.Errorf("unknown decision %q", text)
	}
	return nil
}

// Decide maps a session state to a decision.
func Decide(state session.State) Decision {
	switch {
	case state.Loading:
		return Resolving
	case state.User != nil:
		return Granted
	default:
		return Denied
	}
}
