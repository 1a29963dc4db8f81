package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/syntor/relay/internal/agents"
	"github.com/syntor/relay/pkg/admin"
	"github.com/syntor/relay/pkg/config"
	"github.com/syntor/relay/pkg/dispatch"
	"github.com/syntor/relay/pkg/events"
	"github.com/syntor/relay/pkg/logging"
	"github.com/syntor/relay/pkg/metrics"
	"github.com/syntor/relay/pkg/resilience"
	"github.com/syntor/relay/pkg/router"
	"github.com/syntor/relay/pkg/snapshot"
)

const shutdownTimeout = 10 * time.Second

// Runtime is a fully wired relay process
type Runtime struct {
	Config     *config.Config
	Logger     logging.Logger
	Metrics    *metrics.PrometheusCollector
	Breakers   *resilience.Registry
	Router     *router.Server
	Classifier *dispatch.KeywordClassifier
	Dispatcher *dispatch.Dispatcher
	Health     *admin.HealthChecker
	Handler    *admin.Handler

	events    *events.AsyncPublisher
	snapshots *snapshot.Store
	publisher *snapshot.Publisher

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewRuntime builds every component described by cfg. Nothing is listening
// until Run is called.
func NewRuntime(ctx context.Context, cfg *config.Config, logger logging.Logger) (*Runtime, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	rt := &Runtime{Config: cfg, Logger: logger}

	rt.Metrics = metrics.NewPrometheusCollector()
	if err := rt.Metrics.RegisterRelayMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	var emitter events.Emitter = events.NopEmitter{}
	if cfg.Events.Enabled {
		sink, err := events.NewKafkaSink(cfg.Events.Kafka)
		if err != nil {
			return nil, err
		}
		rt.events = events.NewAsyncPublisher(sink, events.AsyncConfig{
			Name:       "kafka",
			BufferSize: cfg.Events.BufferSize,
			Logger:     logger,
			Metrics:    rt.Metrics,
		})
		emitter = rt.events
	}

	rt.Breakers = resilience.NewRegistry(cfg.Breaker.CircuitBreakerConfig())
	rt.Router = router.NewServer(cfg.Server, rt.Breakers,
		router.WithLogger(logger),
		router.WithMetrics(rt.Metrics),
		router.WithEvents(emitter),
	)

	if err := agents.RegisterAll(rt.Router, cfg.Agents); err != nil {
		_ = rt.Shutdown(ctx)
		return nil, err
	}

	rt.Classifier = dispatch.NewKeywordClassifier(cfg.Dispatch.Rules)
	rt.Dispatcher = dispatch.New(rt.Router, rt.Classifier, cfg.Dispatch.DispatcherConfig(),
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(rt.Metrics),
	)

	rt.Health = admin.NewHealthChecker()
	rt.Health.RegisterCheck("agents", admin.AgentsCheck(rt.Router))
	rt.Health.RegisterCheck("breakers", admin.BreakersCheck(rt.Router))
	if rt.events != nil {
		rt.Health.RegisterCheck("events", rt.eventsCheck)
	}

	if cfg.Snapshot.Enabled {
		store, err := snapshot.Dial(ctx, cfg.Snapshot.StoreConfig())
		if err != nil {
			_ = rt.Shutdown(ctx)
			return nil, err
		}
		rt.snapshots = store
		rt.publisher = snapshot.NewPublisher(store, rt.Router, instanceName(), cfg.Snapshot.Interval, logger)
	}

	rt.Handler = admin.NewHandler(rt.Router,
		admin.WithDispatcher(rt.Dispatcher),
		admin.WithMetricsHandler(rt.Metrics.HTTPHandler()),
		admin.WithHealthChecker(rt.Health),
		admin.WithLogger(logger),
	)
	return rt, nil
}

// ApplyConfig applies the hot-reloadable parts of cfg: routing rules, the
// default target and the emergency keywords. Queue, breaker and agent
// settings need a restart.
func (rt *Runtime) ApplyConfig(cfg *config.Config) {
	rt.Classifier.SetRules(cfg.Dispatch.Rules)
	rt.Dispatcher.UpdateRouting(cfg.Dispatch.DefaultTarget, cfg.Dispatch.EmergencyKeywords)
	rt.Logger.Info("Routing configuration applied",
		logging.Int("rules", len(cfg.Dispatch.Rules)),
		logging.String("default_target", cfg.Dispatch.DefaultTarget),
	)
}

// Run starts the config watcher (when configPath is set), the admin server
// and the snapshot publisher, and blocks until ctx is canceled. The runtime
// is shut down before Run returns.
func (rt *Runtime) Run(ctx context.Context, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	if configPath != "" {
		watcher := config.NewWatcher(configPath, rt.Config, rt.Logger)
		watcher.OnChange(rt.ApplyConfig)
		if err := watcher.Start(ctx); err != nil {
			rt.Logger.Warn("Config watching disabled", logging.String("path", configPath), logging.Err(err))
		}
	}

	if rt.publisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.publisher.Run(ctx)
		}()
	}

	if rt.Config.Admin.Enabled {
		server := admin.NewServer(rt.Config.Admin.Addr, rt.Handler, rt.Logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx); err != nil {
				select {
				case errCh <- fmt.Errorf("admin server: %w", err):
				default:
				}
				cancel()
			}
		}()
	}

	rt.Logger.Info("Relay started",
		logging.Int("agents", len(rt.Router.Agents())),
		logging.Bool("admin", rt.Config.Admin.Enabled),
		logging.Bool("events", rt.events != nil),
		logging.Bool("snapshots", rt.publisher != nil),
	)

	<-ctx.Done()
	wg.Wait()

	var runErr error
	select {
	case runErr = <-errCh:
	default:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	return errors.Join(runErr, rt.Shutdown(shutdownCtx))
}

// Shutdown closes the router, drains the event publisher and closes the
// snapshot store. It is safe to call more than once.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.shutdownOnce.Do(func() {
		var errs []error
		if rt.Router != nil {
			errs = append(errs, rt.Router.Close(ctx))
		}
		if rt.events != nil {
			errs = append(errs, rt.events.Close(ctx))
		}
		if rt.snapshots != nil {
			errs = append(errs, rt.snapshots.Close())
		}
		rt.shutdownErr = errors.Join(errs...)
		rt.Logger.Info("Relay stopped")
	})
	return rt.shutdownErr
}

func (rt *Runtime) eventsCheck() (string, error) {
	st := rt.events.Stats()
	status := fmt.Sprintf("published=%d failed=%d dropped=%d pending=%d", st.Published, st.Failed, st.Dropped, st.Pending)
	if st.Failed > 0 || st.Dropped > 0 {
		return status, admin.ErrDegraded
	}
	return status, nil
}

func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
