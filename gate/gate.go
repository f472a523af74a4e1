package gate

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wispberry-tech/travelease/metrics"
	"github.com/wispberry-tech/travelease/session"
)

// DefaultEntryPoint is where denied visitors are sent.
const DefaultEntryPoint = "/register"

// Source is what the gate reads session state from. *session.Store
// implements it.
type Source interface {
	Snapshot() session.State
	Watch() (<-chan session.State, func())
}

// Config configures a Gate.
type Config struct {
	// SourceFromRequest returns the session of the requesting visitor (required)
	SourceFromRequest func(r *http.Request) (Source, bool)
	// EntryPoint receives denied visitors (default: DefaultEntryPoint)
	EntryPoint string
	// Placeholder answers while the session is resolving (default: ResolvingPlaceholder)
	Placeholder http.Handler
	// Metrics counts decisions (optional)
	Metrics *metrics.Collectors
}

// Gate guards protected handlers.
type Gate struct {
	source      func(r *http.Request) (Source, bool)
	entryPoint  string
	placeholder http.Handler
	metrics     *metrics.Collectors
}

// New creates a gate.
func New(cfg Config) *Gate {
	g := &Gate{
		source:      cfg.SourceFromRequest,
		entryPoint:  cfg.EntryPoint,
		placeholder: cfg.Placeholder,
		metrics:     cfg.Metrics,
	}
	if g.entryPoint == "" {
		g.entryPoint = DefaultEntryPoint
	}
	if g.placeholder == nil {
		g.placeholder = ResolvingPlaceholder()
	}
	return g
}

// EntryPoint returns where denied visitors are sent.
func (g *Gate) EntryPoint() string {
	return g.entryPoint
}

// Evaluate decides a request against the visitor's current session.
func (g *Gate) Evaluate(r *http.Request) Decision {
	src, ok := g.source(r)
	if !ok {
		return Denied
	}
	return Decide(src.Snapshot())
}

// Protect runs next only when the visitor is signed in. While the session
// resolves it answers with the placeholder; otherwise it redirects to the
// entry point carrying the attempted path.
func (g *Gate) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := g.Evaluate(r)
		g.count(decision)

		switch decision {
		case Granted:
			next.ServeHTTP(w, r)
		case Resolving:
			g.placeholder.ServeHTTP(w, r)
		default:
			target := g.RedirectFor(r.URL.Path)
			slog.Debug("Access denied", "path", r.URL.Path, "redirect", target)
			http.Redirect(w, r, target, http.StatusSeeOther)
		}
	})
}

// RedirectFor returns the entry point URL carrying path as the intent.
func (g *Gate) RedirectFor(path string) string {
	return Intent{AttemptedPath: SanitizePath(path)}.RedirectURL(g.entryPoint)
}

func (g *Gate) count(d Decision) {
	if g.metrics != nil {
		g.metrics.GateDecisions.WithLabelValues(d.String()).Inc()
	}
}

// ResolvingPlaceholder answers 202 Accepted with a retry hint and a JSON body
// of {"state":"resolving"}.
func ResolvingPlaceholder() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]Decision{"state": Resolving})
	})
}
