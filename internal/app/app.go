package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/ordersdata/internal/health"
	"github.com/vladislavdragonenkov/ordersdata/internal/service/catalog"
	"github.com/vladislavdragonenkov/ordersdata/internal/service/idempotency"
	"github.com/vladislavdragonenkov/ordersdata/internal/service/ordering"
	"github.com/vladislavdragonenkov/ordersdata/internal/service/outbox"
	httptransport "github.com/vladislavdragonenkov/ordersdata/internal/transport/http"
	"github.com/vladislavdragonenkov/ordersdata/internal/version"
)

const grpcStopTimeout = 5 * time.Second

// Run поднимает хранилище, брокер, HTTP API, gRPC health, метрики и фоновые воркеры
// и работает до отмены ctx или до первой фатальной ошибки.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := log.WithField("component", "app")

	location, err := cfg.Location()
	if err != nil {
		return err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	pubs, err := initOutboxPublishers(cfg, logger)
	if err != nil {
		return err
	}
	defer pubs.close(logger)

	orderService := ordering.NewService(deps.store,
		ordering.WithLocation(location),
		ordering.WithDailyLimit(cfg.OrderDailyLimit),
		ordering.WithRejectNegativeQuota(cfg.OrderRejectNegativeQuota),
		ordering.WithLogger(log.WithField("component", "ordering")),
	)
	catalogService := catalog.NewService(deps.store, log.WithField("component", "catalog"))
	api := httptransport.NewServer(orderService, catalogService,
		httptransport.WithIdempotency(deps.idempotencyRepo, cfg.IdempotencyTTL),
		httptransport.WithLogger(log.WithField("component", "http-api")),
	)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", deps.storageChecker)

	grpcServer, grpcHealth := newGRPCServer(logger)

	apiLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", cfg.HTTPAddr, err)
	}
	metricsLis, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		_ = apiLis.Close()
		return fmt.Errorf("listen metrics %s: %w", cfg.MetricsAddr, err)
	}
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = apiLis.Close()
		_ = metricsLis.Close()
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		srv := &http.Server{Handler: api.Handler(), ReadHeaderTimeout: readHeaderTimeout}
		return serveHTTP(gctx, srv, apiLis, logger.WithField("server", "api"))
	})
	g.Go(func() error {
		srv := &http.Server{Handler: newMetricsMux(healthHandler), ReadHeaderTimeout: readHeaderTimeout}
		return serveHTTP(gctx, srv, metricsLis, logger.WithField("server", "metrics"))
	})
	g.Go(func() error {
		return serveGRPC(gctx, grpcServer, grpcHealth, grpcLis, logger)
	})

	if pubs.publisher != nil {
		worker := outbox.NewWorker(deps.outboxRepo, pubs.publisher,
			outbox.WithLogger(log.WithField("component", "outbox-worker")),
			outbox.WithDLQPublisher(pubs.dlq),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	}

	cleanup := idempotency.NewCleanupWorker(deps.idempotencyRepo,
		idempotency.WithLogger(log.WithField("component", "idempotency-cleanup-worker")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)
	g.Go(func() error {
		cleanup.Run(gctx)
		return nil
	})

	err = g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		logger.Info("получен сигнал остановки, сервисы остановлены")
		return ctxErr
	}
	return err
}

// newGRPCServer создаёт gRPC сервер со стандартным health-сервисом, reflection и prometheus-интерцепторами.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return grpcServer, healthServer
}

func serveGRPC(ctx context.Context, srv *grpc.Server, healthServer *health.Server, lis net.Listener, logger *log.Entry) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC сервер слушает %s", lis.Addr())
		errCh <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(grpcStopTimeout):
			logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
			srv.Stop()
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}
