package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"filerelay/pkg/agentproto"
	"filerelay/services/agentstore"
)

const (
	// DefaultUploadChunkSize is the largest chunk an agent upload is split into.
	DefaultUploadChunkSize = 64 << 10

	adminTimeout = 60 * time.Second
)

// Config controls runtime behaviour for the relay handlers.
type Config struct {
	BaseURL            string
	IdleTimeout        time.Duration
	UploadChunkSize    int
	AllowedOrigins     []string
	RateLimitPerMinute int
}

// Deps holds the external collaborators the relay needs.
type Deps struct {
	Store   agentstore.Store
	Events  Publisher
	Metrics *Metrics
	Logger  zerolog.Logger
	// MetricsHandler serves /metrics; promhttp.Handler() when nil.
	MetricsHandler http.Handler
}

type pinger interface {
	Ping(ctx context.Context) error
}

// API owns the registry, correlation table, and broker for one relay process
// and exposes them over HTTP.
type API struct {
	store    agentstore.Store
	registry *Registry
	table    *Table
	broker   *Broker
	metrics  *Metrics
	events   Publisher
	config   Config
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	metricsH http.Handler
}

// New initialises the relay with defaults applied to cfg.
func New(deps Deps, cfg Config, opts ...TableOption) (*API, error) {
	if deps.Store == nil {
		return nil, errors.New("agent store is required")
	}
	if cfg.UploadChunkSize <= 0 {
		cfg.UploadChunkSize = DefaultUploadChunkSize
	}

	registry := NewRegistry()
	table := NewTable(opts...)
	broker, err := NewBroker(registry, table, BrokerConfig{
		BaseURL:     cfg.BaseURL,
		IdleTimeout: cfg.IdleTimeout,
	}, deps.Metrics, deps.Events, deps.Logger)
	if err != nil {
		return nil, err
	}

	metricsH := deps.MetricsHandler
	if metricsH == nil {
		metricsH = promhttp.Handler()
	}

	return &API{
		store:    deps.Store,
		registry: registry,
		table:    table,
		broker:   broker,
		metrics:  deps.Metrics,
		events:   deps.Events,
		config:   cfg,
		logger:   deps.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		metricsH: metricsH,
	}, nil
}

// Broker exposes the download broker.
func (a *API) Broker() *Broker { return a.broker }

// Registry exposes the live agent registry.
func (a *API) Registry() *Registry { return a.registry }

// Routes constructs the chi router containing all relay endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	allowed := a.config.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Content-Encoding"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", a.metricsH)

	// Long-lived routes: no request timeout.
	r.Group(func(r chi.Router) {
		if a.config.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(a.config.RateLimitPerMinute, time.Minute))
		}
		r.Get("/download/{server_id}/{file_id}", a.handleDownload)
	})
	r.Post(agentproto.UploadPathPrefix+"{ticket}", a.handleUpload)
	r.Get(agentproto.ConnectPath, a.handleAgentConnect)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(adminTimeout))
		r.Get("/agents/{id}", a.handleGetAgent)
		r.Delete("/agents/{id}", a.handleDeleteAgent)
		r.Get("/agents/by-unique/{unique_id}", a.handleGetAgentByUniqueID)
	})

	return r, nil
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := a.store.(pinger); ok {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func trimParam(r *http.Request, name string) string {
	return strings.TrimSpace(chi.URLParam(r, name))
}

// CloseLinks disconnects every agent. http.Server.Shutdown does not track
// hijacked WebSocket connections, so the caller runs this on shutdown.
func (a *API) CloseLinks() {
	for _, link := range a.registry.Drain() {
		if ws, ok := link.(*wsLink); ok {
			ws.close(websocket.CloseGoingAway, "relay shutting down")
		}
	}
	a.metrics.setAgentsOnline(0)
}
