package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"grimm.is/pktfilter/internal/api"
	"grimm.is/pktfilter/internal/brand"
	"grimm.is/pktfilter/internal/config"
	"grimm.is/pktfilter/internal/ctlplane"
	"grimm.is/pktfilter/internal/filter"
	"grimm.is/pktfilter/internal/logging"
	"grimm.is/pktfilter/internal/metrics"
	"grimm.is/pktfilter/internal/ratelimit"
	"grimm.is/pktfilter/internal/store"
)

const collectInterval = 15 * time.Second

var serveCmd = cobra.Command{
	Use:   "serve",
	Short: "Run the classification engine and its API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return RunServe(ctx, configFile)
	},
}

// RunServe loads the configuration, restores persisted rules and serves the
// API until ctx is cancelled.
func RunServe(ctx context.Context, path string) error {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	logger, err := newLogger(cfg.Logging, nil)
	if err != nil {
		return err
	}

	d, err := newDaemon(cfg, logger, metrics.Get(), prometheus.DefaultGatherer)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Run(ctx)
}

// daemon wires the engine, store, API and metrics of one serve process.
type daemon struct {
	cfg       *config.Config
	logger    *logging.Logger
	ctl       *ctlplane.Controller
	db        *store.DB
	hub       *api.DecisionHub
	server    *api.Server
	limiter   *ratelimit.Limiter
	collector *metrics.Collector
}

func newDaemon(cfg *config.Config, logger *logging.Logger, reg *metrics.Registry, gatherer prometheus.Gatherer) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger.WithComponent("serve")}

	opts, err := cfg.EngineOptions()
	if err != nil {
		return nil, err
	}
	observers := filter.Observers{reg}
	if cfg.API.Enabled && cfg.API.DecisionStream {
		d.hub = api.NewDecisionHub(logger)
		observers = append(observers, d.hub)
	}
	opts.Logger = logger
	opts.Observer = observers
	engine := filter.New(opts)

	path := cfg.Store.Path
	if path == "" {
		path = brand.DefaultStorePath()
	}
	d.db, err = store.Open(path, logger)
	if err != nil {
		return nil, err
	}

	d.ctl = ctlplane.New(engine, d.db, logger)
	if err := d.ctl.Bootstrap(cfg); err != nil {
		d.db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	d.collector = metrics.NewCollector(reg, engine, logger, collectInterval)

	if cfg.API.Enabled {
		d.limiter = ratelimit.New(cfg.API.MutationsPerMinute, time.Minute)
		d.server, err = api.NewServer(api.ServerOptions{
			Controller: d.ctl,
			Logger:     logger,
			Changes:    d.db,
			Hub:        d.hub,
			Recorder:   reg,
			Gatherer:   gatherer,
			Limiter:    d.limiter,
		})
		if err != nil {
			d.db.Close()
			return nil, err
		}
	}
	return d, nil
}

// Run blocks until ctx is cancelled or a component fails.
func (d *daemon) Run(ctx context.Context) error {
	var ln net.Listener
	if d.server != nil {
		var err error
		ln, err = net.Listen("tcp", d.cfg.API.Listen)
		if err != nil {
			return err
		}
	}
	return d.run(ctx, ln)
}

func (d *daemon) run(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.collector.Start(gctx)
		return nil
	})
	if d.limiter.Enabled() {
		g.Go(func() error {
			d.limiter.Run(gctx)
			return nil
		})
	}
	if d.server != nil && ln != nil {
		say(os.Stdout, "Listening on %s", ln.Addr().String())
		g.Go(func() error {
			return d.server.Serve(gctx, ln)
		})
	}

	d.logger.Info("engine running", "scopes", len(d.ctl.Engine().Scopes()), "version", brand.Version)
	err := g.Wait()
	d.logger.Info("engine stopped")
	return err
}

// Close releases the store.
func (d *daemon) Close() error {
	return d.db.Close()
}
