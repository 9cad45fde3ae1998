package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/privacyd/internal/brand"
	"grimm.is/privacyd/internal/clock"
	"grimm.is/privacyd/internal/config"
	"grimm.is/privacyd/internal/directory"
	"grimm.is/privacyd/internal/events"
	"grimm.is/privacyd/internal/firewall"
	"grimm.is/privacyd/internal/health"
	"grimm.is/privacyd/internal/logging"
	"grimm.is/privacyd/internal/metrics"
	"grimm.is/privacyd/internal/opsserver"
	"grimm.is/privacyd/internal/reconcile"
	"grimm.is/privacyd/internal/scheduler"
)

// teardownTimeout bounds the shutdown chain removal.
const teardownTimeout = 30 * time.Second

// RunDaemon runs the controller until SIGINT or SIGTERM.
func RunDaemon(configFile string) error {
	cfg, logger, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	if err := SetProcessName(brand.BinaryName); err != nil {
		logger.Debug("failed to set process name", "error", err)
	}
	if !isPrivileged() {
		logger.Warn("not running as root, packet filter changes will likely fail")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

// daemon holds the wired components of a running controller.
type daemon struct {
	cfg      *config.Config
	logger   *logging.Logger
	gw       *firewall.Gateway
	dir      *directory.Client
	loop     *reconcile.Loop
	queue    *events.Queue
	listener *directory.Listener
	sched    *scheduler.Scheduler
	health   *health.Checker
}

func newDaemon(cfg *config.Config, logger *logging.Logger) (*daemon, error) {
	clk, err := clock.New(cfg.Schedule.Timezone)
	if err != nil {
		return nil, err
	}

	gw, err := newGateway(cfg, logger)
	if err != nil {
		return nil, err
	}
	return assemble(cfg, logger, clk, gw), nil
}

// assemble wires every component around an existing gateway.
func assemble(cfg *config.Config, logger *logging.Logger, clk clock.Clock, gw *firewall.Gateway) *daemon {
	dir := directory.NewClient(cfg.Directory.BaseURL(),
		directory.WithTimeout(cfg.Directory.Timeout()),
		directory.WithLogger(logger.WithComponent("directory")),
	)

	loop := reconcile.New(dir, gw, clk, reconcile.Config{
		RuleKind:   cfg.RuleKind,
		CameraKind: cfg.CameraKind,
		ErrorPause: cfg.Stream.Pause(),
	}, logger.WithComponent("reconcile"))

	queue := events.NewQueue()
	router := events.NewRouter(queue, clk)
	listener := directory.NewListener(directory.ListenerConfig{
		Host:           cfg.Directory.Host,
		Port:           cfg.Directory.Port,
		Path:           cfg.Stream.Path,
		InitialBackoff: cfg.Stream.Initial(),
		MaxBackoff:     cfg.Stream.Max(),
	}, router.Dispatch)

	d := &daemon{
		cfg:      cfg,
		logger:   logger,
		gw:       gw,
		dir:      dir,
		loop:     loop,
		queue:    queue,
		listener: listener,
		health:   health.NewChecker(),
	}

	d.sched = scheduler.New(logger.WithComponent("scheduler"), scheduler.WithClock(clk))
	registry := &scheduler.TaskRegistry{
		Sweep:        loop.SweepTask,
		AuditBlocked: d.auditBlocked,
	}
	for _, task := range []*scheduler.Task{
		scheduler.NewSweepTask(registry, cfg.Schedule.Sweep()),
		scheduler.NewAuditTask(registry, cfg.Schedule.Audit()),
	} {
		if err := d.sched.AddTask(task); err != nil {
			logger.Error("failed to register task", "task", task.ID, "error", err)
		}
	}

	d.health.Register("directory", health.DirectoryCheck(dir, cfg.RuleKind))
	d.health.Register("firewall", health.FirewallCheck(gw.Backend()))
	d.health.Register("stream", health.StreamCheck(listener.Connected))
	d.health.Register("sweep", health.TaskCheck(d.sched.GetTaskStatus, scheduler.TaskSweep))

	return d
}

// auditBlocked refreshes the blocked destinations gauge.
func (d *daemon) auditBlocked(ctx context.Context) error {
	ips := d.gw.ListBlocked(ctx)
	metrics.Get().BlockedIPs.Set(float64(len(ips)))
	d.logger.Debug("blocked audit", "count", len(ips))
	return nil
}

// startup prepares the chain and resets device flags left by a previous run.
// A chain that cannot be prepared is only logged: every block and unblock
// retries it. Recovery is retried with backoff until the directory answers,
// so startup returns an error only when ctx ends first.
func (d *daemon) startup(ctx context.Context) error {
	if !d.gw.EnsureChain(ctx) {
		d.logger.Warn("failed to prepare chain, retrying on next use", "chain", d.cfg.Firewall.Chain)
	}

	if ips := d.gw.ListBlocked(ctx); len(ips) > 0 {
		d.logger.Warn("chain already holds drop rules", "count", len(ips), "ips", ips)
		metrics.Get().BlockedIPs.Set(float64(len(ips)))
	}

	return d.recover(ctx)
}

// recover runs the recovery sweep until it completes or ctx ends.
func (d *daemon) recover(ctx context.Context) error {
	backoff := directory.NewBackoff(d.cfg.Stream.Initial(), d.cfg.Stream.Max())
	for {
		err := d.loop.Recover(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := backoff.Next()
		d.logger.Warn("recovery failed, retrying", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (d *daemon) run(ctx context.Context) error {
	d.logger.Info("starting", "version", brand.Version,
		"directory", d.dir.BaseURL(), "stream", d.listener.URL(),
		"backend", d.gw.Backend().Name())

	if err := d.startup(ctx); err != nil {
		d.shutdown()
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	d.sched.Start(gctx)

	g.Go(func() error { return d.listener.Run(gctx) })
	g.Go(func() error { return d.loop.RunDeletions(gctx, d.queue) })
	if d.cfg.OpsEnabled() {
		handler := opsserver.NewRouter(opsserver.Deps{
			Health:          d.health,
			Tasks:           d.sched,
			StreamConnected: d.listener.Connected,
			Blocked:         d.gw.ListBlocked,
			Logger:          d.logger.WithComponent("ops"),
		})
		g.Go(func() error {
			return opsserver.Serve(gctx, d.cfg.OpsListen, handler, d.logger.WithComponent("ops"))
		})
	}

	err := g.Wait()
	d.logger.Info("shutting down")
	d.shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// shutdown stops the scheduler and removes the chain.
func (d *daemon) shutdown() {
	d.sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if !d.gw.Teardown(ctx) {
		d.logger.Warn("chain teardown incomplete")
	}
}
