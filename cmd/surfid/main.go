package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/surfid/surfid/internal/alloc"
	"github.com/surfid/surfid/internal/config"
	"github.com/surfid/surfid/internal/control"
	"github.com/surfid/surfid/internal/engine"
	"github.com/surfid/surfid/internal/ipc"
	"github.com/surfid/surfid/internal/metrics"
	"github.com/surfid/surfid/internal/registry"
	"github.com/surfid/surfid/internal/rules"
	"github.com/surfid/surfid/internal/util"
)

func main() {
	home, _ := os.UserHomeDir()
	defaultConfig := filepath.Join(home, ".config", "surfid", "config.yaml")

	cfgPath := flag.String("config", defaultConfig, "path to YAML config")
	logLevel := flag.String("log-level", "", "log level (debug|info|warn|error); overrides the config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		exitErr(fmt.Errorf("load config: %w", err))
	}
	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := util.NewLogger(util.ParseLevel(level))

	store, err := rules.NewStore(cfg.Surfaces, cfg.DefaultRange)
	if err != nil {
		exitErr(fmt.Errorf("load surface rules: %w", err))
	}
	allocator := alloc.NewDisabled()
	if cfg.DefaultRange != nil {
		allocator = alloc.New(cfg.DefaultRange.Start, cfg.DefaultRange.Max)
		logger.Infof("default id range [%d, %d) enabled", cfg.DefaultRange.Start, cfg.DefaultRange.Max)
	}

	host, err := ipc.NewClient(cfg.Compositor, logger)
	if err != nil {
		exitErr(fmt.Errorf("configure compositor adapter: %w", err))
	}

	// Connecting may block for the whole retry budget; the agent is not
	// servicing surface events yet, so that is acceptable here.
	var reg *registry.Client
	if cfg.Registry.Disabled() {
		reg = registry.Disabled(logger)
	} else {
		reg = registry.Dial(cfg.Registry.Addr(), logger)
	}
	// The engine closes the registry on a host shutdown event; this covers
	// the signal-driven exit. Close is safe to repeat.
	defer reg.Close()

	eng := engine.New(host, logger, store, allocator, reg, metrics.NewCollector())

	cfgFullPath, err := filepath.Abs(*cfgPath)
	if err != nil {
		exitErr(fmt.Errorf("resolve config path: %w", err))
	}
	cfgFullPath = filepath.Clean(cfgFullPath)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		exitErr(fmt.Errorf("watch config: %w", err))
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(cfgFullPath)); err != nil {
		exitErr(fmt.Errorf("watch config dir: %w", err))
	}
	if err := watcher.Add(cfgFullPath); err != nil {
		logger.Debugf("unable to watch config file directly: %v", err)
	}
	reloadRequests := make(chan string, 1)
	go watchConfig(logger, watcher, cfgFullPath, reloadRequests)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reload := func(reason string) error {
		logger.Infof("%s, reloading rules", reason)
		next, err := config.Load(*cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if rangeChanged(cfg.DefaultRange, next.DefaultRange) {
			logger.Warnf("default range changed; restart required for the new range to take effect")
		}
		if cfg.Registry.Addr() != next.Registry.Addr() || cfg.Registry.Disabled() != next.Registry.Disabled() {
			logger.Warnf("registry endpoint changed; restart required for the new endpoint to take effect")
		}
		// Rules are validated against the range the allocator actually runs with.
		nextStore, err := rules.NewStore(next.Surfaces, cfg.DefaultRange)
		if err != nil {
			return fmt.Errorf("load surface rules: %w", err)
		}
		eng.ReloadRules(nextStore)
		return nil
	}

	ctrlSrv, err := control.NewServer(eng, reg, logger, reload)
	if err != nil {
		exitErr(fmt.Errorf("start control server: %w", err))
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	errs := make(chan error, 2)
	go func() {
		errs <- eng.Run(ctx)
	}()
	go func() {
		errs <- ctrlSrv.Serve(ctx)
	}()

	for {
		select {
		case err := <-errs:
			if err != nil && err != context.Canceled {
				logger.Errorf("agent exited: %v", err)
				os.Exit(1)
			}
			logger.Infof("agent stopped")
			return
		case reason := <-reloadRequests:
			if err := reload(reason); err != nil {
				logger.Errorf("reload failed: %v", err)
			}
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				if err := reload("received SIGHUP"); err != nil {
					logger.Errorf("reload failed: %v", err)
				}
			case os.Interrupt, syscall.SIGTERM:
				logger.Infof("received %s, shutting down", sig)
				cancel()
			}
		}
	}
}

func rangeChanged(a, b *config.RangeConfig) bool {
	if (a == nil) != (b == nil) {
		return true
	}
	return a != nil && (a.Start != b.Start || a.Max != b.Max)
}

func watchConfig(logger *util.Logger, watcher *fsnotify.Watcher, target string, reloadRequests chan<- string) {
	const debounceWindow = 250 * time.Millisecond
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					<-timerCh
				}
				timer.Reset(debounceWindow)
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			select {
			case reloadRequests <- "config file updated":
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("config watcher error: %v", err)
		}
	}
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
