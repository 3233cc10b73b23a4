package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/cli"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/config"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/inspect"
)

// exitInterrupted is the status after SIGINT or SIGTERM stopped the run.
const exitInterrupted = 130

func main() {
	var (
		showVersion bool
		showHelp    bool
		jsonOutput  bool
		verbose     bool
		debug       bool
		configFile  string
		inspectorAt string
		useHTTP3    bool
		clients     int
		requests    int
		duration    time.Duration
	)

	flag.BoolVar(&showVersion, "version", false, "show version information")
	flag.BoolVar(&showHelp, "help", false, "show help information")
	flag.BoolVar(&jsonOutput, "json", false, "output version and final statistics in JSON format")
	flag.BoolVar(&verbose, "verbose", false, "enable verbose output")
	flag.BoolVar(&debug, "debug", false, "enable debug output")
	flag.StringVar(&configFile, "config", "", "kernel configuration file (watched for changes)")
	flag.StringVar(&inspectorAt, "inspector", "", "serve the inspector on this address (overrides inspector_addr)")
	flag.BoolVar(&useHTTP3, "http3", false, "serve the inspector over HTTP/3")
	flag.IntVar(&clients, "clients", 3, "number of demo client threads")
	flag.IntVar(&requests, "requests", 100, "requests sent by each client")
	flag.DurationVar(&duration, "duration", 0, "keep running this long after the workload (0 exits when done, unless the inspector is served)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boots a kernel, runs an IPC echo workload and optionally serves the inspector.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEXAMPLES:\n")
		fmt.Fprintf(os.Stderr, "  %s --clients 8 --requests 1000      # Heavier workload\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --config kernel.json --inspector 127.0.0.1:7070\n", os.Args[0])
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		cli.PrintVersion("mesokernel", jsonOutput)
		os.Exit(0)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		cli.ExitWithError("Failed to load config: %v", err)
	}
	if inspectorAt != "" {
		cfg.InspectorAddr = inspectorAt
	}
	if useHTTP3 {
		cfg.InspectorHTTP3 = true
	}

	logger := cli.NewLevelLogger(os.Stdout, cfg.LogLevel)
	if debug {
		logger.SetLevel("debug")
	} else if verbose && logger.Level() < cli.LevelInfo {
		logger.SetLevel("info")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := run(ctx, cfg, configFile, logger, clients, requests, duration)
	if err != nil {
		cli.HandleError(err, logger)
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("context switches: %d, migrations: %d, yields: %d (%d redundant), reselections: %d\n",
			stats.ContextSwitches, stats.Migrations, stats.Yields, stats.RedundantYields, stats.Reselections)
	}

	if ctx.Err() != nil {
		cli.ExitWithCode(exitInterrupted, "Interrupted")
	}
}

func run(ctx context.Context, cfg *config.Config, configFile string, logger *cli.Logger, clients, requests int, linger time.Duration) (kernel.Stats, error) {
	k, err := kernel.New(cfg, kernel.WithLogger(logger))
	if err != nil {
		return kernel.Stats{}, err
	}
	logger.Info("kernel: %d cores, firmware %s", k.NumCores(), cfg.Firmware())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return k.Run(gctx) })

	in := inspect.New(k)
	defer in.Close()
	if cfg.InspectorAddr != "" {
		var (
			addr     string
			shutdown inspect.ShutdownFunc
		)
		if cfg.InspectorHTTP3 {
			addr, shutdown, err = inspect.StartHTTP3(cfg.InspectorAddr, nil, in.Handler())
		} else {
			addr, shutdown, err = inspect.Start(cfg.InspectorAddr, in.Handler())
		}
		if err != nil {
			cancel()
			_ = g.Wait()
			return kernel.Stats{}, err
		}
		logger.Info("inspector: serving on %s (http3=%v)", addr, cfg.InspectorHTTP3)
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			return shutdown(sctx)
		})
	}

	if configFile != "" {
		w, err := config.NewWatcher(configFile, func(c *config.Config) {
			logger.Info("config: %s changed", configFile)
			k.ApplyTunables(c.Tunables())
		}, func(err error) {
			logger.Warn("config: %v", err)
		})
		if err != nil {
			logger.Warn("config: not watching %s: %v", configFile, err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	g.Go(func() error {
		start := time.Now()
		served, err := runEchoWorkload(gctx, k, in, clients, requests)
		if err != nil {
			return err
		}
		logger.Info("workload: %d requests served in %s", served, time.Since(start).Round(time.Millisecond))

		switch {
		case linger > 0:
			select {
			case <-time.After(linger):
			case <-gctx.Done():
			}
		case cfg.InspectorAddr != "":
			<-gctx.Done()
		}
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return k.Stats(), err
	}
	return k.Stats(), nil
}
