package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/shardvec/internal/cluster"
	"github.com/dreamware/shardvec/internal/config"
	"github.com/dreamware/shardvec/internal/coordinator"
	"github.com/dreamware/shardvec/internal/logging"
	"github.com/dreamware/shardvec/internal/membership"
	"github.com/dreamware/shardvec/internal/metrics"
	"github.com/dreamware/shardvec/internal/tracing"
	"github.com/dreamware/shardvec/internal/xerr"
)

var logFatal = log.Fatalf

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logFatal("config: %v", err)
	}
	logger := logging.Must(cfg.Logging)
	defer logger.Sync()

	_, shutdownTracing, err := tracing.Init(cfg.Tracing, "shardvec-coordinator", logger)
	if err != nil {
		logFatal("tracing: %v", err)
	}
	defer shutdownTracing()

	srv, err := newServer(cfg, logger)
	if err != nil {
		logFatal("coordinator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv.start(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Coordinator.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("coordinator listening", zap.String("addr", cfg.Coordinator.Listen))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
	srv.close()
	logger.Info("coordinator stopped")
}

// server holds the coordinator's state and serves its HTTP API.
type server struct {
	cfg    *config.Config
	logger *zap.Logger

	store    *membership.BoltStore
	registry *membership.Registry
	router   *coordinator.Router
	monitor  *coordinator.HealthMonitor
	hydrator *coordinator.Hydrator
	client   *cluster.Client
	metrics  *metrics.Metrics

	requestTimeout time.Duration
	searchTimeout  time.Duration
	sweepInterval  time.Duration
}

// newServer wires the registry, router, hydrator and health monitor. The
// membership file is opened when cfg.Coordinator.MetaPath is set.
func newServer(cfg *config.Config, logger *zap.Logger) (*server, error) {
	s := &server{
		cfg:            cfg,
		logger:         logger,
		metrics:        metrics.New("coordinator"),
		requestTimeout: config.ParseDuration(cfg.Coordinator.RequestTimeout, 5*time.Second, logger),
		searchTimeout:  config.ParseDuration(cfg.Coordinator.SearchTimeout, 3*time.Second, logger),
		sweepInterval:  config.ParseDuration(cfg.Coordinator.SweepInterval, time.Second, logger),
	}
	s.client = cluster.NewClient(s.requestTimeout)

	if cfg.Coordinator.MetaPath != "" {
		store, err := membership.OpenBoltStore(cfg.Coordinator.MetaPath)
		if err != nil {
			return nil, err
		}
		s.store = store
	}

	registry, err := membership.NewRegistry(membership.Options{
		SuspectAfter: config.ParseDuration(cfg.Coordinator.SuspectAfter, 10*time.Second, logger),
		DeadAfter:    config.ParseDuration(cfg.Coordinator.DeadAfter, 30*time.Second, logger),
		Store:        s.store,
		Logger:       logger,
	})
	if err != nil {
		s.close()
		return nil, err
	}
	s.registry = registry

	router, err := coordinator.NewRouter(registry, coordinator.RouterOptions{
		NumShards: cfg.Cluster.NumShards,
		Replicas:  cfg.Cluster.ReplicaCount,
		Store:     s.store,
		Metrics:   s.metrics,
		Logger:    logger,
	})
	if err != nil {
		s.close()
		return nil, err
	}
	s.router = router

	s.hydrator = coordinator.NewHydrator(router, s.client, logger)
	router.OnCatchUp(s.hydrator.OnCatchUp)

	s.monitor = coordinator.NewHealthMonitor(coordinator.HealthMonitorOptions{
		Interval: config.ParseDuration(cfg.Coordinator.HealthInterval, 5*time.Second, logger),
		Logger:   logger,
	})
	s.monitor.SetOnHealthy(func(id string) { registry.Touch(id) })
	s.monitor.SetOnUnhealthy(func(id string) { registry.Suspect(id) })

	router.Rebalance()
	return s, nil
}

// start launches the lease sweep, the rebalance loop and the health
// monitor. They stop when ctx is done.
func (s *server) start(ctx context.Context) {
	events, _ := s.registry.Watch(ctx)
	go s.router.Run(ctx, events)

	stateEvents, _ := s.registry.Watch(ctx)
	go func() {
		s.metrics.SetNodeStates(s.registry.Counts())
		for range stateEvents {
			s.metrics.SetNodeStates(s.registry.Counts())
		}
	}()

	go s.registry.Run(ctx, s.sweepInterval)
	s.monitor.Start(ctx, s.nodeInfos)
}

func (s *server) close() {
	if s.monitor != nil {
		s.monitor.Stop()
	}
	if s.hydrator != nil {
		s.hydrator.Wait()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("close membership store", zap.Error(err))
		}
	}
}

func (s *server) nodeInfos() []cluster.NodeInfo {
	nodes := s.registry.Nodes()
	out := make([]cluster.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Info())
	}
	return out
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /records", s.api("add", s.handleAdd))
	mux.Handle("PUT /records", s.api("update", s.handleAdd))
	mux.Handle("POST /records/batch", s.api("batch_add", s.handleBatchAdd))
	mux.Handle("GET /records/{key}", s.api("get", s.handleGet))
	mux.Handle("DELETE /records/{key}", s.api("delete", s.handleDelete))
	mux.Handle("POST /query", s.api("query", s.handleQuery))

	mux.Handle("POST /register", s.api("register_node", s.handleRegister))
	mux.Handle("POST /deregister", s.api("deregister_node", s.handleDeregister))
	mux.Handle("POST /suspect", s.api("suspect_node", s.handleSuspect))
	mux.Handle("GET /nodes", s.api("list_nodes", s.handleListNodes))
	mux.Handle("GET /nodes/{id}", s.api("get_node", s.handleNode))
	mux.Handle("GET /shards", s.api("shards", s.handleShards))
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// apiFunc handles one request and returns the envelope payload. A non-nil
// error selects the envelope code; data is still sent with it, which is how
// PartialResult carries its hits.
type apiFunc func(r *http.Request) (any, error)

// api wraps fn with request ids, trace extraction, envelope encoding and
// request metrics.
func (s *server) api(op string, fn apiFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(cluster.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(cluster.RequestIDHeader, id)
		ctx := cluster.WithRequestID(tracing.Extract(r), id)

		data, err := fn(r.WithContext(ctx))
		code := xerr.CodeOf(err)
		switch {
		case err == nil:
			cluster.WriteOK(w, data)
		default:
			if code.IsServer() && code != xerr.PartialResult {
				s.logger.Error("request failed",
					zap.String("op", op),
					zap.String("request_id", id),
					zap.Error(err))
			}
			cluster.WriteJSON(w, code, err.Error(), data)
		}
		s.metrics.ObserveRequest(op, code, start)
	})
}
