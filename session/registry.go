package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultIdleTimeout is how long an unused store is kept.
const DefaultIdleTimeout = 30 * time.Minute

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// NewStore creates the store of a client (required)
	NewStore func(clientID string) *Store
	// IdleTimeout evicts stores unused for longer (default: DefaultIdleTimeout)
	IdleTimeout time.Duration
	// Gauge tracks the number of live stores (optional)
	Gauge prometheus.Gauge
}

// Registry keeps one Store per client.
type Registry struct {
	newStore func(clientID string) *Store
	idle     time.Duration
	gauge    prometheus.Gauge

	mu     sync.Mutex
	stores map[string]*Store
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Registry{
		newStore: cfg.NewStore,
		idle:     idle,
		gauge:    cfg.Gauge,
		stores:   make(map[string]*Store),
	}
}

// Acquire returns the store of a client, creating it on first use.
func (r *Registry) Acquire(clientID string) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	if store, ok := r.stores[clientID]; ok {
		store.touch()
		return store, nil
	}

	store := r.newStore(clientID)
	r.stores[clientID] = store
	r.updateGaugeLocked()
	return store, nil
}

// Lookup returns the store of a client if one is live.
func (r *Registry) Lookup(clientID string) (*Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	store, ok := r.stores[clientID]
	return store, ok
}

// Len returns the number of live stores.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stores)
}

// Sweep closes stores that have been idle longer than the idle timeout and
// are not being watched. It returns how many were closed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var evicted []*Store
	for clientID, store := range r.stores {
		if now.Sub(store.LastUsed()) < r.idle || store.Watching() > 0 {
			continue
		}
		delete(r.stores, clientID)
		evicted = append(evicted, store)
	}
	r.updateGaugeLocked()
	r.mu.Unlock()

	for _, store := range evicted {
		store.Close()
	}
	if len(evicted) > 0 {
		slog.Debug("Idle session stores evicted", "count", len(evicted))
	}
	return len(evicted)
}

// Run calls Sweep every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Close closes every store. Acquire fails afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	stores := r.stores
	r.stores = make(map[string]*Store)
	r.updateGaugeLocked()
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, store := range stores {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			s.Close()
		}(store)
	}
	wg.Wait()
	slog.Info("Session registry closed", "stores", len(stores))
}

func (r *Registry) updateGaugeLocked() {
	if r.gauge != nil {
		r.gauge.Set(float64(len(r.stores)))
	}
}
