package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/AgentOS/binder/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/binder/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/binder/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/binder/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/binder"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/driver/loopback"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/driver/remote"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/servicemanager"
)

// StatsServiceName is the name under which the daemon registers its own
// statistics service.
const StatsServiceName = "binderd.stats"

// Server hosts the service manager and exposes it on a unix socket.
type Server struct {
	config   *config.Config
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	registry *prometheus.Registry
	tracer   *tracing.Tracer

	kernel   *loopback.Kernel
	process  *loopback.Process
	manager  *servicemanager.Manager
	root     *binder.Handle
	stats    *binder.Handle
	endpoint *remote.Endpoint
	http     *http.Server
}

// NewServer wires the daemon from cfg.
func NewServer(cfg *config.Config) (*Server, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	logger.Info("Initializing binderd",
		zap.String("socket", cfg.Endpoint.Socket),
		zap.Int("pool_size", cfg.Driver.PoolSize),
		zap.Bool("metrics", cfg.Metrics.Enabled),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(registry)
	tracer := tracing.New("binderd", logger.Component("tracing"))

	kernel := loopback.NewKernel(
		loopback.WithLogger(logger.Component("loopback")),
		loopback.WithObserver(metrics),
		loopback.WithPoolSize(cfg.Driver.PoolSize),
	)
	process := kernel.NewProcess(uint32(os.Getuid()))
	dispatcher := binder.NewDispatcher(process,
		binder.WithLogger(logger.Component("dispatcher")),
		binder.WithObserver(metrics),
	)

	manager := servicemanager.NewManager(
		servicemanager.WithLookupWait(cfg.Driver.LookupWait),
		servicemanager.WithManagerLogger(logger.Component("servicemanager")),
	)
	s := &Server{
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		registry: registry,
		tracer:   tracer,
		kernel:   kernel,
		process:  process,
		manager:  manager,
	}

	if s.root, err = dispatcher.NewHandle(manager); err != nil {
		s.abort()
		return nil, fmt.Errorf("failed to create service manager: %w", err)
	}
	if err := kernel.SetContextManager(s.root); err != nil {
		s.abort()
		return nil, fmt.Errorf("failed to publish service manager: %w", err)
	}
	if err := s.registerStats(dispatcher); err != nil {
		s.abort()
		return nil, err
	}

	s.endpoint, err = remote.NewEndpoint(s.root,
		remote.WithLogger(logger.Component("remote")),
		remote.WithObserver(metrics),
		remote.WithTracer(tracer),
		remote.WithIdentity(binder.Caller{Pid: int32(os.Getpid()), Uid: uint32(os.Getuid())}),
		remote.WithCompressThreshold(cfg.Remote.CompressThreshold),
		remote.WithRateLimit(cfg.Remote.RateLimit, cfg.Remote.RateBurst),
		remote.WithMaxInflight(cfg.Remote.MaxInflight),
		remote.WithKeepalive(cfg.Remote.KeepaliveTime, cfg.Remote.KeepaliveTimeout),
	)
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("failed to create endpoint: %w", err)
	}

	if cfg.Metrics.Enabled {
		if !cfg.Logging.Development {
			gin.SetMode(gin.ReleaseMode)
		}
		s.http = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           monitoring.Router(metrics, registry, monitoring.RateLimit(cfg.Metrics.RateLimit, cfg.Metrics.RateBurst)),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	logger.Info("binderd initialized")
	return s, nil
}

func (s *Server) registerStats(d *binder.Dispatcher) error {
	h, err := d.NewHandle(&statsService{metrics: s.metrics})
	if err != nil {
		return fmt.Errorf("failed to create stats service: %w", err)
	}
	s.stats = h

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sm, err := servicemanager.NewClient(ctx, s.root)
	if err != nil {
		return err
	}
	defer sm.Close()
	return sm.Register(ctx, StatsServiceName, h)
}

// Run serves until ctx is done or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	lis, err := listenUnix(s.config.Endpoint.Socket)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.endpoint.Serve(lis)
	})
	if s.http != nil {
		g.Go(func() error {
			s.logger.Info("Starting metrics server", zap.String("addr", s.http.Addr))
			if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			s.metrics.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return s.shutdown()
	})
	return g.Wait()
}

// listenUnix listens on path, replacing a stale socket file.
func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	return lis, nil
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down binderd...")
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Endpoint.ShutdownTimeout)
	defer cancel()

	var errs error
	if err := s.endpoint.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("endpoint: %w", err))
	}
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	return errs
}

// Close releases the daemon's objects. Call it after Run returns.
func (s *Server) Close() error {
	err := s.manager.Close()
	s.abort()
	_ = os.Remove(s.config.Endpoint.Socket)
	s.logger.Info("binderd stopped")
	_ = s.logger.Sync()
	return err
}

func (s *Server) abort() {
	if s.stats != nil {
		s.stats.Release()
		s.stats = nil
	}
	if s.root != nil {
		s.root.Release()
		s.root = nil
	}
	_ = s.process.Close()
	s.tracer.Close()
}

// Metrics returns the daemon's collectors.
func (s *Server) Metrics() *monitoring.Metrics {
	return s.metrics
}

// Endpoint returns the remote endpoint.
func (s *Server) Endpoint() *remote.Endpoint {
	return s.endpoint
}
