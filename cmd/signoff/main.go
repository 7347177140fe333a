// Command signoff runs the content-signing workflow engine standalone:
// "serve" exposes its capabilities and heartbeat over HTTP, "keygen"
// generates a P-384 signing keypair.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/signoff/pkg/api"
	"github.com/Mindburn-Labs/signoff/pkg/cache"
	"github.com/Mindburn-Labs/signoff/pkg/config"
	"github.com/Mindburn-Labs/signoff/pkg/engine"
	"github.com/Mindburn-Labs/signoff/pkg/observability"
	"github.com/Mindburn-Labs/signoff/pkg/signer/ecdsa"
	"github.com/Mindburn-Labs/signoff/pkg/storage/sqlite"
	"github.com/Mindburn-Labs/signoff/pkg/updater"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: signoff <command>

Commands:
  serve    Run the signing engine HTTP endpoints
  keygen   Generate a P-384 signing keypair`)
}

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath = fs.String("config", "signoff.yaml", "settings file")
		listen     = fs.String("listen", ":8888", "listen address")
		dbPath     = fs.String("db", "signoff.db", "sqlite database path")
		logJSON    = fs.Bool("log-json", false, "structured JSON logs")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if *logJSON {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	settings, err := config.LoadFile(*configPath)
	if err != nil {
		logger.Error("configuration unreadable", "path", *configPath, "error", err)
		return 1
	}

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		logger.Error("storage unavailable", "path", *dbPath, "error", err)
		return 1
	}
	defer store.Close()

	e, err := engine.New(settings, store, store)
	if err != nil {
		logger.Error("engine initialization failed", "error", err)
		return 1
	}
	e.Logger = logger.With("component", "engine")

	if rec, err := observability.NewRecorder(); err != nil {
		logger.Warn("metrics disabled", "error", err)
	} else {
		e.Metrics = rec
	}

	e.Invalidator = buildInvalidators(context.Background(), settings, logger)

	mux := http.NewServeMux()
	api.NewHandler(e).Routes(mux)

	srv := &http.Server{
		Addr:              *listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("serving", "addr", *listen, "resources", len(e.Resources.SourceURIs()))

	select {
	case err := <-errCh:
		logger.Error("server stopped", "error", err)
		return 1
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
		return 1
	}
	return 0
}

// buildInvalidators wires the configured cache invalidators, if any.
func buildInvalidators(ctx context.Context, settings *config.Settings, logger *slog.Logger) updater.Invalidator {
	var invalidators cache.Multi

	if dist, ok := settings.Get("signer.cloudfront.distribution_id"); ok && dist != "" {
		cf, err := cache.NewCloudFront(ctx, dist, nil, 30*time.Second)
		if err != nil {
			logger.Warn("cloudfront invalidation disabled", "error", err)
		} else {
			cf.Logger = logger.With("component", "cache.cloudfront")
			invalidators = append(invalidators, cf)
		}
	}

	if addr, ok := settings.Get("signer.redis.addr"); ok && addr != "" {
		channel, _ := settings.Get("signer.redis.channel")
		if channel == "" {
			channel = "signoff-changes"
		}
		pub := cache.NewRedisPublisher(addr, channel)
		pub.Logger = logger.With("component", "cache.redis")
		invalidators = append(invalidators, pub)
	}

	if len(invalidators) == 0 {
		return nil
	}
	return invalidators
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		private = fs.String("private", "ecdsa.pem", "private key output path")
		public  = fs.String("public", "ecdsa.pub.pem", "public key output path")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := ecdsa.GenerateKeypair(*private, *public); err != nil {
		_, _ = fmt.Fprintf(stderr, "keygen failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "wrote %s and %s\n", *private, *public)
	return 0
}
