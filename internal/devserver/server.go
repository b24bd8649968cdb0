package devserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/taxigrid/internal/events"
	"github.com/example/taxigrid/internal/fleet"
	"github.com/example/taxigrid/internal/matcher"
	"github.com/example/taxigrid/internal/pricing"
	"github.com/example/taxigrid/internal/storage"
)

// Options wires the backend's collaborators. Nil fields get in-memory
// defaults.
type Options struct {
	Rides           storage.RideStore
	Fleet           fleet.Index
	Events          events.Publisher
	Auth            *Auth
	Users           *Users
	Tariff          pricing.Tariff
	SearchRadius    int
	ProposalTimeout time.Duration
	Logger          *slog.Logger
}

// Server is the reference Ride API plus its push channel. It is what the
// taxigrid client talks to in local runs and integration tests.
type Server struct {
	rides   storage.RideStore
	fleet   fleet.Index
	events  events.Publisher
	auth    *Auth
	users   *Users
	tariff  pricing.Tariff
	hub     *Hub
	matcher *matcher.Service
	logger  *slog.Logger
	router  *mux.Router

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Rides == nil {
		opts.Rides = storage.NewMemoryStore()
	}
	if opts.Fleet == nil {
		opts.Fleet = fleet.NewMemoryIndex(15*time.Second, 30*time.Second)
	}
	if opts.Events == nil {
		opts.Events = events.NopPublisher{}
	}
	if opts.Auth == nil {
		opts.Auth = NewAuth("taxigrid-dev-secret", 0)
	}
	if opts.Users == nil {
		opts.Users = NewUsers()
	}
	if opts.Tariff == (pricing.Tariff{}) {
		opts.Tariff = pricing.DefaultTariff()
	}
	if opts.SearchRadius <= 0 {
		opts.SearchRadius = 20
	}

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(opts.Logger.With("component", "hub"))
	s := &Server{
		rides:  opts.Rides,
		fleet:  opts.Fleet,
		events: opts.Events,
		auth:   opts.Auth,
		users:  opts.Users,
		tariff: opts.Tariff,
		hub:    hub,
		matcher: &matcher.Service{
			Fleet:           opts.Fleet,
			Notify:          hub,
			Rides:           opts.Rides,
			Radius:          opts.SearchRadius,
			ProposalTimeout: opts.ProposalTimeout,
			Logger:          opts.Logger.With("component", "matcher"),
		},
		logger: opts.Logger,
		router: mux.NewRouter(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler())

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	v1.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	v1.HandleFunc("/notifications/ws", s.handleWS).Methods(http.MethodGet)

	api := v1.NewRoute().Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/rides/{ride_id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/status", s.handleStatus).Methods(http.MethodPut)
	api.HandleFunc("/drivers/me/presence", s.handlePresence).Methods(http.MethodPut)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// Close stops dispatch loops, drops push sessions and closes the stores.
func (s *Server) Close() error {
	s.cancel()
	s.wg.Wait()
	s.hub.Close()
	var first error
	for _, c := range []interface{ Close() error }{s.events, s.fleet, s.rides} {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var upgrader = websocket.Upgrader{
	// clients are native apps and CLIs, not browsers on another origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	uid, err := s.auth.Verify(r.URL.Query().Get("token"))
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "could not validate credentials")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.Serve(uid, conn)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
