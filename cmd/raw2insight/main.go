// Package main запускает консольный клиент Raw2Insight.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mmeshcher/raw2insight/internal/api"
	"github.com/mmeshcher/raw2insight/internal/config"
	"github.com/mmeshcher/raw2insight/internal/repository"
	"github.com/mmeshcher/raw2insight/internal/service"
	"github.com/mmeshcher/raw2insight/internal/session"
	"github.com/mmeshcher/raw2insight/internal/validation"
)

const reloginHint = "Run `raw2insight login` to sign in again."

func main() {
	flag.Usage = usage

	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(2)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg, logger, args, os.Stdout, os.Stderr)
	stop()
	_ = logger.Sync()
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string, stdout, stderr io.Writer) int {
	cmd, ok := findCommand(args[0])
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage()
		return 2
	}

	store, err := openStore(cfg)
	if err != nil {
		logger.Error("open session store", zap.Error(err))
		fmt.Fprintf(stderr, "cannot open session store: %v\n", err)
		return 1
	}
	defer store.Close()

	a := newApp(cfg, logger, store, stdout, stderr)
	defer a.watcher.Close()

	if cmd.needsSession {
		if err := a.session.Initialize(ctx); err != nil {
			logger.Debug("stored session dropped", zap.Error(err))
		}
	}
	if cmd.needsAuth {
		if err := a.session.RequireAuth(); err != nil {
			fmt.Fprintf(stderr, "Not logged in. %s\n", reloginHint)
			return 1
		}
	}

	err = cmd.run(ctx, a, args[1:])
	return a.exitCode(err)
}

func newApp(cfg *config.Config, logger *zap.Logger, store repository.Store, stdout, stderr io.Writer) *app {
	notifier := &terminalNotifier{w: stderr}

	var mgr *session.Manager
	client := api.NewClient(cfg.APIURL, api.Options{
		Token:          func(ctx context.Context) string { return mgr.Token(ctx) },
		OnUnauthorized: func() { mgr.HandleUnauthorized() },
		Logger:         logger,
	})
	mgr = session.NewManager(store, client, notifier, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		stdout:   stdout,
		stderr:   stderr,
		notifier: notifier,
		client:   client,
		session:  mgr,
		orch:     service.NewOrchestrator(client, cfg.PollInterval, cfg.PollMaxAttempts, logger),
		watcher:  service.NewWatcher(client, cfg.WatchInterval, logger),
	}
}

func (a *app) exitCode(err error) int {
	if err == nil {
		return 0
	}

	var fe validation.FieldErrors
	switch {
	case errors.Is(err, api.ErrUnauthorized):
		fmt.Fprintln(a.stderr, reloginHint)
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(a.stderr, "Interrupted.")
		return 130
	case errors.As(err, &fe):
		fmt.Fprintln(a.stderr, "Invalid input:")
		fmt.Fprintln(a.stderr, " ", fe.Error())
	case errors.Is(err, errUsage):
		fmt.Fprintln(a.stderr, err)
		return 2
	case isReported(err):
	default:
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
	}
	return 1
}

func openStore(cfg *config.Config) (repository.Store, error) {
	if cfg.SessionDatabaseURI != "" {
		return repository.NewPostgresStore(cfg.SessionDatabaseURI)
	}
	return repository.NewFileStore(cfg.SessionFile)
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintln(out, "Usage: raw2insight [options] <command> [arguments]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(out, "  %-10s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Options:")
	flag.PrintDefaults()
}
