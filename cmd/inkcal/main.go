package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"inkcal/internal/battery"
	"inkcal/internal/config"
	"inkcal/internal/convert"
	"inkcal/internal/epd"
	"inkcal/internal/journal"
	appLog "inkcal/internal/log"
	"inkcal/internal/pipeline"
	"inkcal/internal/refresh"
	"inkcal/internal/web"
)

const version = "0.1.0"

// journalKeep bounds how much refresh history the journal retains.
const journalKeep = 90 * 24 * time.Hour

const shutdownTimeout = 5 * time.Second

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	renderOnly bool
	console    bool
	dump       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.SetLevel(appLog.ParseLevel(conf.Log.Level))
	appLog.SetupFile(appLog.FileOptions{
		Path:       conf.Log.File,
		MaxSizeMB:  conf.Log.MaxSizeMB,
		MaxBackups: conf.Log.MaxBackups,
		MaxAgeDays: conf.Log.MaxAgeDays,
		Compress:   conf.Log.Compress,
	})

	appLog.Info("inkcal starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"ics_count", len(conf.ICS),
		"driver", conf.Display.Driver,
		"renderer", conf.Renderer.Mode,
		"state_dir", conf.StateDir,
	)

	if err := run(conf, flags); err != nil {
		appLog.Error("fatal", err)
		os.Exit(1)
	}
	appLog.Info("inkcal exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/inkcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one fetch+render+display cycle and exit")
	flag.BoolVar(&cfg.renderOnly, "render-only", false, "Render the preview only; do not touch display hardware")
	flag.BoolVar(&cfg.console, "console", false, "Print the rendered schedule to stdout and exit")
	flag.BoolVar(&cfg.dump, "dump", false, "Dump debug artifacts (packed plane, preview) and exit")

	flag.Parse()

	return cfg
}

func run(conf *config.Config, flags flagConfig) error {
	if err := os.MkdirAll(conf.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	layout, err := buildLayout(conf)
	if err != nil {
		return err
	}

	if flags.console {
		return runConsole(ctx, conf, layout)
	}
	if flags.renderOnly || flags.dump {
		return runRenderOnly(ctx, conf, layout, flags.dump)
	}

	// Cycle journal. The store must close before the handle; defers run
	// in reverse order.
	db, err := journal.OpenDB(filepath.Join(conf.StateDir, "journal.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	store := journal.NewStore(db)
	if err := store.Init(); err != nil {
		return fmt.Errorf("init journal: %w", err)
	}
	defer store.Close()

	driver, cleanup, err := openDriver(ctx, conf)
	if err != nil {
		return err
	}
	defer cleanup()

	orch, err := buildOrchestrator(conf, layout, driver, store)
	if err != nil {
		return err
	}

	runner, err := pipeline.NewRunner(pipeline.Deps{
		Cfg:          conf,
		Layout:       layout,
		Orchestrator: orch,
		Battery:      battery.DefaultReader(),
	})
	if err != nil {
		return err
	}

	if flags.once {
		strategy, err := runner.RunOnce(ctx)
		if err != nil {
			return err
		}
		appLog.Info("single cycle completed", "strategy", strategy.String())
		return nil
	}

	return serve(ctx, cancel, conf, store, runner, orch)
}

// serve runs the long-lived mode: pipeline loops, cron schedule and the
// HTTP server, until the context is canceled or the server fails.
func serve(ctx context.Context, cancel context.CancelFunc, conf *config.Config, store *journal.Store, runner *pipeline.Runner, orch *refresh.Orchestrator) error {
	// Schedules run in the display timezone, so "refresh at 6am" means
	// the panel's 6am.
	sched := cron.New(cron.WithLocation(runner.Location()))
	if _, err := sched.AddFunc(conf.RefreshCron, runner.TriggerRefresh); err != nil {
		return fmt.Errorf("refresh schedule %q: %w", conf.RefreshCron, err)
	}
	if _, err := sched.AddFunc("30 3 * * *", func() {
		if n, err := store.Prune(journalKeep); err != nil {
			appLog.Error("journal prune failed", err)
		} else if n > 0 {
			appLog.Info("journal pruned", "deleted", n)
		}
	}); err != nil {
		return fmt.Errorf("prune schedule: %w", err)
	}

	pipelineDone := make(chan struct{})
	go func() {
		runner.Start(ctx)
		close(pipelineDone)
	}()

	sched.Start()
	defer sched.Stop()

	srv := web.NewServer(web.Deps{
		Cfg:       conf,
		Refresher: runner,
		Display:   orch,
		Journal:   store,
		Battery:   battery.DefaultReader(),
	})
	httpSrv := &http.Server{Addr: conf.Listen, Handler: srv.Handler()}

	webErr := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			webErr <- err
		}
	}()

	var serveErr error
	select {
	case serveErr = <-webErr:
		serveErr = fmt.Errorf("http server: %w", serveErr)
		cancel()
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			appLog.Error("http shutdown failed", err)
		}
		shutdownCancel()
	}

	// Wait for an in-flight cycle; the deferred cleanup then puts the
	// panel to sleep.
	<-pipelineDone
	return serveErr
}

// runConsole prints what the panel would show and exits.
func runConsole(ctx context.Context, conf *config.Config, layout *refresh.Layout) error {
	runner, err := pipeline.NewRunner(pipeline.Deps{
		Cfg:          conf,
		Layout:       layout,
		Orchestrator: nopSubmitter{},
		Battery:      battery.DefaultReader(),
	})
	if err != nil {
		return err
	}
	c, err := runner.RenderOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Println(c.Raw)
	return nil
}

// runRenderOnly renders a frame and the preview without opening the
// display; with dump it also writes the packed panel plane.
func runRenderOnly(ctx context.Context, conf *config.Config, layout *refresh.Layout, dump bool) error {
	runner, err := pipeline.NewRunner(pipeline.Deps{
		Cfg:          conf,
		Layout:       layout,
		Orchestrator: nopSubmitter{},
		Battery:      battery.DefaultReader(),
	})
	if err != nil {
		return err
	}
	c, err := runner.RenderOnce(ctx)
	if err != nil {
		return err
	}
	appLog.Info("frame rendered", "preview", filepath.Join(conf.StateDir, "preview.png"))
	if dump {
		return dumpArtifacts(conf, c)
	}
	return nil
}

// nopSubmitter satisfies the pipeline when no display is wired.
type nopSubmitter struct{}

func (nopSubmitter) Submit(context.Context, refresh.Content) (refresh.Strategy, error) {
	return refresh.StrategySkip, nil
}

// dumpArtifacts writes the 1bpp plane the driver would transmit, for
// comparing against what actually reaches the glass.
func dumpArtifacts(conf *config.Config, c refresh.Content) error {
	plane, err := convert.PackMono(c.Frame)
	if err != nil {
		return fmt.Errorf("pack frame: %w", err)
	}
	path := filepath.Join(conf.StateDir, "black.bin")
	if err := os.WriteFile(path, plane, 0o644); err != nil {
		return fmt.Errorf("write plane: %w", err)
	}
	appLog.Info("dump artifacts written", "plane", path)
	return nil
}

// buildLayout maps the configured sections onto the panel geometry.
func buildLayout(conf *config.Config) (*refresh.Layout, error) {
	sections := make([]refresh.Section, 0, len(conf.Layout))
	for _, s := range conf.Layout {
		sections = append(sections, refresh.Section{
			Name:   s.Name,
			Region: refresh.Region{X: s.X, Y: s.Y, Width: s.Width, Height: s.Height},
		})
	}
	return refresh.NewLayout(conf.Display.Width, conf.Display.Height, sections)
}

// buildOrchestrator assembles the refresh engine from the display
// config, journaling every cycle.
func buildOrchestrator(conf *config.Config, layout *refresh.Layout, driver refresh.Driver, store *journal.Store) (*refresh.Orchestrator, error) {
	policy, err := refresh.NewPolicy(
		conf.Display.Width,
		conf.Display.Height,
		time.Duration(conf.Display.MinFullIntervalSec)*time.Second,
		conf.Display.MaxPartialUpdates,
		conf.Display.AreaThreshold,
	)
	if err != nil {
		return nil, err
	}
	detector, err := refresh.NewDetector(layout, conf.Display.ChangeThreshold)
	if err != nil {
		return nil, err
	}
	return refresh.New(driver, layout,
		refresh.WithPolicy(policy),
		refresh.WithDetector(detector),
		refresh.WithPanelSleep(conf.Display.SleepBetween),
		refresh.WithCycleHook(store.RecordAsync),
	)
}

// openDriver picks the display backend. "auto" prefers the SPI panel
// and falls back to the simulator off-Pi; the cleanup puts the panel to
// sleep so an unplugged display does not slowly burn its ink.
func openDriver(ctx context.Context, conf *config.Config) (refresh.Driver, func(), error) {
	opts := epd.PanelOptions{
		SPIPort:     conf.Display.SPIPort,
		BusyTimeout: time.Duration(conf.Display.BusyTimeoutSec) * time.Second,
	}

	openPanel := func() (refresh.Driver, func(), error) {
		p, err := epd.OpenPanel(ctx, opts)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			if err := p.Sleep(); err != nil {
				appLog.Error("panel sleep failed", err)
			}
			if err := p.Close(); err != nil {
				appLog.Error("panel close failed", err)
			}
		}
		return p, cleanup, nil
	}

	switch conf.Display.Driver {
	case "panel":
		d, cleanup, err := openPanel()
		if err != nil {
			return nil, nil, fmt.Errorf("open panel: %w", err)
		}
		return d, cleanup, nil
	case "sim":
		return epd.NewSimulator(""), func() {}, nil
	default: // auto
		d, cleanup, err := openPanel()
		if err != nil {
			appLog.Info("panel unavailable; using simulator", "reason", err.Error())
			return epd.NewSimulator(""), func() {}, nil
		}
		return d, cleanup, nil
	}
}
