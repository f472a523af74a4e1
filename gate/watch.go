package gate

import (
	"context"
)

// Verdict is one evaluation of a mounted protected view.
type Verdict struct {
	Decision Decision `json:"decision"`
	Path     string   `json:"path"`
	// Redirect is set for Denied verdicts.
	Redirect string `json:"redirect,omitempty"`
}

// Watch re-evaluates access to path on every session change of src. A
// verdict is sent only when the decision changes. A grant held for one
// identity is revoked with a Denied verdict as soon as the session belongs to
// anyone else, even if the states in between were never observed. The
// channel is closed after a Denied verdict, when src stops changing, or when
// ctx is done.
func (g *Gate) Watch(ctx context.Context, src Source, path string) <-chan Verdict {
	out := make(chan Verdict)
	states, cancel := src.Watch()

	go func() {
		defer close(out)
		defer cancel()

		last := Decision(-1)
		var grantedEpoch uint64
		for {
			state, ok := receive(ctx, states)
			if !ok {
				return
			}

			decision := Decide(state)
			if last == Granted && decision == Granted && state.Epoch != grantedEpoch {
				decision = Denied
			}
			if decision == last {
				continue
			}
			last = decision
			if decision == Granted {
				grantedEpoch = state.Epoch
			}

			v := Verdict{Decision: decision, Path: path}
			if decision == Denied {
				v.Redirect = g.RedirectFor(path)
			}

			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
			if decision == Denied {
				return
			}
		}
	}()

	return out
}

func receive[T any](ctx context.Context, ch <-chan T) (T, bool) {
	select {
	case v, ok := <-ch:
		return v, ok
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}
