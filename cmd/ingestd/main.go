// cmd/ingestd/main.go
package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "batch-ingest/internal/api/http"
	"batch-ingest/internal/config"
	"batch-ingest/internal/dispatch"
	"batch-ingest/internal/domain"
	"batch-ingest/internal/health"
	"batch-ingest/internal/infra/etcd"
	http_infra "batch-ingest/internal/infra/http"
	"batch-ingest/internal/infra/local"
	"batch-ingest/internal/infra/memory"
	"batch-ingest/internal/infra/simulated"
	"batch-ingest/internal/queue"
	"batch-ingest/internal/scheduler"
	"batch-ingest/internal/tracing"
	"batch-ingest/internal/usecase"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// corsMiddleware wraps an http.Handler with CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*") // For local dev, allow all origins
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding")

		// Handle pre-flight requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func main() {
	// 1. Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.TracingEnabled {
		tracerShutdown, err := tracing.InitTracer(cfg.ServiceName, cfg.TraceSampleRatio, os.Stdout)
		if err != nil {
			log.Fatalf("failed to initialize tracer: %v", err)
		}
		defer func() {
			if err := tracerShutdown(context.Background()); err != nil {
				log.Printf("failed to shutdown tracer: %v", err)
			}
		}()
	}

	logger.Info("starting batch ingestion service",
		"batch_size", cfg.BatchSize,
		"rate_limit_interval", cfg.RateLimitInterval,
	)

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Setup graceful shutdown
	setupGracefulShutdown(cancel)

	// 5. Instantiate components
	clock := clockwork.NewRealClock()

	var processor domain.UnitProcessor
	if cfg.DownstreamURL != "" {
		processor = http_infra.NewHttpUnitProcessor(cfg.DownstreamURL, cfg.DownstreamTimeout, logger)
		logger.Info("processing items against downstream API", "url", cfg.DownstreamURL)
	} else {
		processor = simulated.NewUnitProcessor(clock, cfg.UnitDelay, nil, logger)
	}

	// The lane is shared across replicas through etcd when endpoints are set.
	locker := local.NewLocker()
	var registry *etcd.ReplicaRegistry
	if len(cfg.EtcdEndpoints) > 0 {
		etcdClient, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		defer etcdClient.Close()
		logger.Info("connected to etcd", "endpoints", cfg.EtcdEndpoints)
		locker = etcd.NewEtcdLocker(etcdClient, cfg.LockSessionTTL, logger)

		replicaID := uuid.New().String()
		registry = etcd.NewReplicaRegistry(etcdClient, logger)
		regCtx, regCancel := context.WithTimeout(rootCtx, cfg.EtcdTimeout)
		err = registry.Register(regCtx, replicaID, advertiseAddr(cfg.HttpListenAddr), int64(cfg.LockSessionTTL.Seconds()))
		regCancel()
		if err != nil {
			log.Fatalf("Failed to register replica: %v", err)
		}
		go registry.Watch(rootCtx)
	}

	pending := queue.NewPriorityQueue()
	dispatcher := dispatch.NewDispatcher(pending, processor, logger,
		dispatch.WithClock(clock),
		dispatch.WithLocker(locker),
		dispatch.WithInterval(cfg.RateLimitInterval),
		dispatch.WithLockName(cfg.LockName),
	)
	repo := memory.NewIngestionRepository(logger)
	service := usecase.NewIngestionService(repo, pending, dispatcher, clock, cfg.BatchSize, logger)
	if registry != nil {
		service.SetMembership(registry)
	}

	var limiter *http_api.AdmissionLimiter
	if cfg.AdmissionRPS > 0 {
		limiter = http_api.NewAdmissionLimiter(clock, cfg.AdmissionRPS, cfg.AdmissionBurst)
	}
	handler := http_api.NewIngestionHandler(service, limiter, logger)

	reporter, err := scheduler.NewStatsReporter(service, cfg.StatsSchedule, logger)
	if err != nil {
		log.Fatalf("Failed to create stats reporter: %v", err)
	}
	go reporter.Start(rootCtx)

	// 6. Register routes and metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	handler.RegisterRoutes(mux)

	// 7. Start gRPC health server
	healthServer := health.NewServer(logger)
	lis, err := net.Listen("tcp", cfg.GrpcListenAddr)
	if err != nil {
		log.Fatalf("Failed to listen for gRPC: %v", err)
	}
	go func() {
		if err := healthServer.Serve(lis); err != nil {
			log.Fatalf("gRPC server failed: %v", err)
		}
	}()

	// 8. Start HTTP API server with CORS middleware
	logger.Info("starting HTTP API server", "addr", cfg.HttpListenAddr)
	server := &http.Server{
		Addr:    cfg.HttpListenAddr,
		Handler: corsMiddleware(mux),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()
	healthServer.SetServing(true)

	// 9. Block until shutdown
	<-rootCtx.Done()
	logger.Info("shutting down gracefully")
	healthServer.SetServing(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	// Lets the running batch finish; queued batches are dropped with the process.
	dispatcher.Close()
	healthServer.Stop()

	if registry != nil {
		deregCtx, deregCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer deregCancel()
		if err := registry.Deregister(deregCtx); err != nil {
			logger.Error("failed to deregister replica", "error", err)
		}
	}

	logger.Info("service shut down", "pending_batches", pending.Len())
}

// advertiseAddr fills in the host name when addr only names a port.
func advertiseAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host != "" {
		return addr
	}
	if host, err = os.Hostname(); err != nil {
		return addr
	}
	return net.JoinHostPort(host, port)
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v. Initiating graceful shutdown...", sig)
		cancel()
	}()
}
