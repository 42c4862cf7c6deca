package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/erp-ledger/internal/health"
	"github.com/vladislavdragonenkov/erp-ledger/internal/metrics"
	grpcsvc "github.com/vladislavdragonenkov/erp-ledger/internal/service/grpc"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/outbox"
	"github.com/vladislavdragonenkov/erp-ledger/internal/version"
)

const grpcStopTimeout = 5 * time.Second

// Run поднимает gRPC API, HTTP-метрики и, при необходимости, встроенный outbox worker.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	kafkaProducer, _ := dialKafka(cfg, "api", logger)
	defer closeKafka(kafkaProducer, logger)

	services := NewServices(deps.txm, metrics.NewLedgerMetrics(), logger)
	ledgerServer := grpcsvc.NewLedgerServer(
		services,
		newAuditLogger(kafkaProducer, cfg.KafkaAuditTopic, logger),
		logger.WithField("layer", "grpc"),
	)

	grpcMetrics := promgrpc.NewServerMetrics()
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcsvc.RegisterLedgerServiceServer(grpcServer, ledgerServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	// reflection для grpcurl
	reflection.Register(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, newHealthHandler(cfg, deps))

	var (
		workerCancel context.CancelFunc
		workerDone   chan struct{}
	)
	if cfg.EmbeddedWorker || cfg.StorageDriver == StorageDriverMemory || cfg.StorageDriver == "" {
		worker := newOutboxWorker(cfg, deps.outbox, services.Invoices, kafkaProducer, logger)
		workerCancel, workerDone = startOutboxWorker(worker, newOutboxCleaner(cfg, deps.outbox, logger), logger)
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		shutdownOutboxWorker(workerCancel, workerDone, logger)
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC server listening on %s", lis.Addr())
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping gRPC server")
		healthServer.Shutdown()
		stoppedCh := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stoppedCh)
		}()
		select {
		case <-stoppedCh:
		case <-time.After(grpcStopTimeout):
			logger.Warn("graceful stop timed out, forcing gRPC server stop")
			grpcServer.Stop()
		}
		shutdownOutboxWorker(workerCancel, workerDone, logger)
		shutdownHTTP(metricsSrv, logger)
		return ctx.Err()

	case err := <-errCh:
		shutdownOutboxWorker(workerCancel, workerDone, logger)
		shutdownHTTP(metricsSrv, logger)
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// startOutboxWorker запускает worker и очистку outbox со своим контекстом:
// они останавливаются после gRPC-сервера, чтобы дообработать события последних запросов.
// cleaner может быть nil.
func startOutboxWorker(worker *outbox.Worker, cleaner *outbox.Cleaner, logger *log.Entry) (context.CancelFunc, chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := worker.Run(ctx); err != nil {
			logger.WithError(err).Warn("embedded outbox worker stopped with error")
		}
	}()
	if cleaner != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cleaner.Run(ctx)
		}()
	}

	go func() {
		wg.Wait()
		close(done)
	}()
	return cancel, done
}

// shutdownOutboxWorker останавливает встроенный worker и ждёт завершения.
func shutdownOutboxWorker(cancel context.CancelFunc, done <-chan struct{}, logger *log.Entry) {
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
	logger.Info("embedded outbox worker stopped")
}

// newHealthHandler: недоступная база снимает сервис с трафика, backlog outbox
// только понижает статус до degraded.
func newHealthHandler(cfg Config, deps runtimeDependencies) *healthcheck.Handler {
	handler := healthcheck.NewHandler(version.GetVersion())
	if deps.storageChecker != nil {
		handler.Register("storage", deps.storageChecker, healthcheck.Critical)
	}
	handler.Register("outbox", healthcheck.NewOutboxChecker(deps.outbox, cfg.OutboxMaxLag, cfg.OutboxMaxFailed), healthcheck.Advisory)
	return handler
}

// startMetricsServer запускает HTTP-обработчики /metrics и health checks.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("metrics available at %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
