package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dittoweb/internal/logger"
	"github.com/marmos91/dittoweb/pkg/config"
	"github.com/marmos91/dittoweb/pkg/httpconn"
	"github.com/marmos91/dittoweb/pkg/server"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

const usage = `DittoWeb - epoll HTTP server

Usage:
  dittoweb <command> [flags]

Commands:
  init      Write a sample configuration file
  start     Start the server
  version   Print version information

Run 'dittoweb <command> -h' for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "start":
		runStart(os.Args[2:])
	case "version":
		fmt.Printf("dittoweb %s (commit %s)\n", version, commit)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite an existing configuration file")
	path := fs.String("config", "", "Write to this path instead of the default location")
	_ = fs.Parse(args)

	if *path != "" {
		if err := config.InitConfigToPath(*path, *force); err != nil {
			log.Fatalf("Failed to initialize config: %v", err)
		}
		fmt.Printf("Configuration written to %s\n", *path)
		return
	}

	written, err := config.InitConfig(*force)
	if err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	fmt.Printf("Configuration written to %s\n", written)
}

func runStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/dittoweb/config.yaml)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := setupLogging(&cfg.Logging); err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	defer logger.Close()

	if err := run(cfg); err != nil {
		logger.Error("%v", err)
		logger.Close()
		os.Exit(1)
	}
}

func setupLogging(cfg *config.LoggingConfig) error {
	logger.SetLevel(cfg.Level)
	logger.SetFormat(cfg.Format)
	if err := logger.SetOutput(cfg.Output); err != nil {
		return err
	}
	if cfg.AsyncQueueSize > 0 {
		logger.EnableAsync(cfg.AsyncQueueSize)
	}
	return nil
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("DittoWeb %s starting", version)

	source, err := config.CreateDocRoot(ctx, &cfg.DocRoot)
	if err != nil {
		return fmt.Errorf("document root: %w", err)
	}
	root, err := source.Prepare(ctx)
	if err != nil {
		return fmt.Errorf("document root: %w", err)
	}
	logger.Info("Serving %s document root from %s", source.Name(), root)

	directory, err := config.CreateDirectory(ctx, &cfg.Credentials)
	if err != nil {
		return fmt.Errorf("credential store: %w", err)
	}
	defer func() {
		if err := directory.Close(context.Background()); err != nil {
			logger.Warn("Closing credential store: %v", err)
		}
	}()

	metricsResult := config.InitializeMetrics(cfg)

	env := &httpconn.Env{
		DocRoot:     root,
		Auth:        directory,
		AuthTimeout: cfg.Credentials.AuthTimeout,
	}
	adapter := config.CreateWebAdapter(cfg, env, metricsResult.WebMetrics)

	srv := server.New(cfg.Server.ShutdownTimeout)
	if metricsResult.Server != nil {
		srv.SetMetricsServer(metricsResult.Server)
	}
	if err := srv.AddAdapter(adapter); err != nil {
		return err
	}

	logger.Info("Listening on port %d (%s dispatch, listen=%s conn=%s, %d workers)",
		cfg.Server.Port, cfg.Server.Dispatch, cfg.Server.ListenTrigger, cfg.Server.ConnTrigger, cfg.Workers.Count)

	return srv.Serve(ctx)
}
