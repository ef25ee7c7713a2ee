package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/louisbranch/livetable/internal/platform/errors/i18n"
	"github.com/louisbranch/livetable/internal/platform/timeouts"
	"github.com/louisbranch/livetable/internal/services/live/domain/campaign"
	"github.com/louisbranch/livetable/internal/services/live/engine"
	"github.com/louisbranch/livetable/internal/services/live/grant"
	"github.com/louisbranch/livetable/internal/services/live/publish"
	"github.com/louisbranch/livetable/internal/services/live/storage"
	"github.com/louisbranch/livetable/internal/services/live/storage/sqlite"
)

// Config defines the inputs for the live session process.
type Config struct {
	HTTPAddr string
	// DBPath selects the SQLite store; empty keeps state in memory.
	DBPath string
	// NATSURL enables event publishing when set.
	NATSURL string
	Grants  grant.Config
	Options campaign.Options

	CommandTimeout    time.Duration
	SubscriberBuffer  int
	IdleTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// HandlerConfig wires the HTTP and WebSocket routes.
type HandlerConfig struct {
	Hub     *engine.Hub
	Grants  grant.Config
	Notices *i18n.Catalog
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server hosts the live HTTP/WebSocket process and owns the hub behind it.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	hub             *engine.Hub
	store           storage.Store
	publisher       *publish.NATS
}

// NewServer opens storage and the event bus, starts the hub and builds the
// HTTP server.
func NewServer(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := openStore(ctx, config.DBPath)
	if err != nil {
		return nil, err
	}

	var publisher *publish.NATS
	var hubPublisher engine.Publisher = publish.Nop{}
	if url := strings.TrimSpace(config.NATSURL); url != "" {
		publisher, err = publish.Connect(url, "livetable-live")
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		hubPublisher = publisher
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	hub, err := engine.NewHub(engine.Config{
		Store:            store,
		Publisher:        hubPublisher,
		Metrics:          engine.NewMetrics(registry),
		Options:          config.Options,
		CommandTimeout:   config.CommandTimeout,
		SubscriberBuffer: config.SubscriberBuffer,
		IdleTimeout:      config.IdleTimeout,
	})
	if err != nil {
		_ = store.Close()
		if publisher != nil {
			_ = publisher.Close()
		}
		return nil, fmt.Errorf("start hub: %w", err)
	}

	httpServer := &http.Server{
		Addr: httpAddr,
		Handler: NewHandler(HandlerConfig{
			Hub:     hub,
			Grants:  config.Grants,
			Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		}),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		hub:             hub,
		store:           store,
		publisher:       publisher,
	}, nil
}

func openStore(ctx context.Context, path string) (storage.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		log.Printf("live: no database path configured, campaign state is kept in memory")
		return storage.NewMemory(), nil
	}
	store, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

// Run creates and serves a live server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(ctx, config)
	if err != nil {
		return fmt.Errorf("init live server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve live: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("live server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	log.Printf("live server listening on %s", s.httpAddr)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	return group.Wait()
}

// Close stops the hub, which ends every live subscription, then releases the
// event bus and storage.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			log.Printf("close nats: %v", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}
}

// NewHandler creates the live routes.
func NewHandler(config HandlerConfig) http.Handler {
	if config.Notices == nil {
		config.Notices = i18n.Default()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if config.Metrics != nil {
		mux.Handle("GET /metrics", config.Metrics)
	}

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, config)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	api := &restAPI{hub: config.Hub, grants: config.Grants, notices: config.Notices}
	mux.HandleFunc("GET /campaigns/{campaignID}/snapshot", api.withActor(api.getSnapshot))
	mux.HandleFunc("GET /campaigns/{campaignID}/combat", api.withActor(api.getCombat))
	mux.HandleFunc("GET /campaigns/{campaignID}/map", api.withActor(api.getMap))
	mux.HandleFunc("GET /campaigns/{campaignID}/sessions", api.withActor(api.listSessions))
	mux.HandleFunc("PUT /campaigns/{campaignID}/sessions/{sessionID}/statistics", api.withActor(api.putStatistics))
	return mux
}
