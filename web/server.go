// Package web is the HTTP gateway of TravelEase. It gives every visitor a
// session store, serves the sign-in endpoints and guards the private views
// with the access gate.
package web

import (
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wispberry-tech/travelease/core"
	"github.com/wispberry-tech/travelease/gate"
	"github.com/wispberry-tech/travelease/metrics"
	"github.com/wispberry-tech/travelease/remote"
	"github.com/wispberry-tech/travelease/session"
)

// Config configures a Server.
type Config struct {
	Registry *session.Registry // Per-client session stores (required)
	Rental   *remote.Client    // Rental API client (required)

	// Metrics are updated by the gateway (default: metrics.Discard())
	Metrics *metrics.Collectors
	// Gatherer is exposed on /metrics (default: prometheus.DefaultGatherer)
	Gatherer prometheus.Gatherer

	AllowedOrigins []string // CORS origins allowed to send credentials
	SecureCookies  bool     // Mark the client cookie Secure
	EntryPoint     string   // Where denied visitors go (default: gate.DefaultEntryPoint)

	// Now timestamps new listings (default: time.Now)
	Now func() time.Time
}

// Server is the gateway's http.Handler.
type Server struct {
	registry      *session.Registry
	rental        *remote.Client
	metrics       *metrics.Collectors
	gate          *gate.Gate
	validate      *validator.Validate
	upgrader      websocket.Upgrader
	secureCookies bool
	now           func() time.Time

	router chi.Router
}

// NewServer builds the router.
func NewServer(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Discard()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	validate := validator.New()
	validate.RegisterTagNameFunc(jsonFieldName)

	s := &Server{
		registry:      cfg.Registry,
		rental:        cfg.Rental,
		metrics:       m,
		validate:      validate,
		secureCookies: cfg.SecureCookies,
		now:           now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
	s.gate = gate.New(gate.Config{
		SourceFromRequest: func(r *http.Request) (gate.Source, bool) {
			store, ok := StoreFromContext(r.Context())
			if !ok {
				return nil, false
			}
			return store, true
		},
		EntryPoint: cfg.EntryPoint,
		Metrics:    m,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/vehicles", s.handleVehicles)
	r.Get("/latest-vehicles", s.handleLatestVehicles)

	r.Group(func(r chi.Router) {
		r.Use(core.RequestMetaMiddleware)
		r.Use(s.clientMiddleware)

		r.Get("/session", s.handleSession)
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.Get("/auth/{provider}", s.handleFederatedStart)
		r.Get("/auth/{provider}/callback", s.handleFederatedCallback)
		r.Get("/live", s.handleLive)

		r.Group(func(r chi.Router) {
			r.Use(s.gate.Protect)

			r.Get("/vehicleDetails/{id}", s.handleVehicleDetails)
			r.Post("/vehicleDetails/{id}/book", s.handleBook)
			r.Get("/myBookings", s.handleMyBookings)
			r.Delete("/myBookings/{id}", s.handleCancelBooking)
			r.Get("/myVehicles", s.handleMyVehicles)
			r.Post("/addVehicle", s.handleAddVehicle)
			r.Patch("/updateVehicle/{id}", s.handleUpdateVehicle)
			r.Delete("/myVehicles/{id}", s.handleDeleteVehicle)
			r.Patch("/profile", s.handleUpdateProfile)
			r.Post("/logout-all", s.handleLogoutAll)
		})
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Gate returns the access gate guarding the private routes.
func (s *Server) Gate() *gate.Gate {
	return s.gate
}

// observe records request latency by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RequestDuration.
			WithLabelValues(route, r.Method, strconv.Itoa(status/100)+"xx").
			Observe(time.Since(start).Seconds())
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// originChecker allows same-origin websocket upgrades and the CORS origins.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://"), r.Host)
	}
}

func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" || name == "-" {
		return f.Name
	}
	return name
}
