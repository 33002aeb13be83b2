package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/parleyhq/parley/internal/adapter/agent"
	plhttp "github.com/parleyhq/parley/internal/adapter/http"
	"github.com/parleyhq/parley/internal/adapter/meeting"
	"github.com/parleyhq/parley/internal/adapter/natskv"
	potel "github.com/parleyhq/parley/internal/adapter/otel"
	"github.com/parleyhq/parley/internal/adapter/ristretto"
	"github.com/parleyhq/parley/internal/adapter/tiered"
	"github.com/parleyhq/parley/internal/adapter/ws"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/logger"
	"github.com/parleyhq/parley/internal/middleware"
	"github.com/parleyhq/parley/internal/port/cache"
	"github.com/parleyhq/parley/internal/resilience"
	"github.com/parleyhq/parley/internal/secrets"
	"github.com/parleyhq/parley/internal/service"
)

const version = "0.1.0"

// idempotencyTTL bounds how long a recorded approve/decline response is
// replayed for the same Idempotency-Key.
const idempotencyTTL = 15 * time.Minute

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "chat":
		err = runChat(args)
	case "version":
		fmt.Println("parley " + version)
	case "help", "--help", "-h":
		printHelp()
	default:
		printHelp()
		err = fmt.Errorf("unknown command: %s", cmd)
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `Usage: parley <command> [options]

Commands:
  serve     Run the conversation gateway (default)
  chat      Chat with the assistant service from the terminal
  version   Print the version
  help      Show this help message

Examples:
  parley serve --config /etc/parley/parley.yaml
  parley chat
`)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigFile, "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	holder := config.NewHolder(cfg, *configPath)

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"agent_url", cfg.Agent.BaseURL,
		"suggest_driver", cfg.Suggest.Driver,
	)

	ctx := context.Background()

	// --- Secrets ---

	vault, err := secrets.NewVault(secrets.EnvLoader(secrets.KeyAgentToken, secrets.KeyMeetingToken))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}

	// SIGHUP re-reads config and rotates tokens without a restart.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := holder.Reload(); err != nil {
				slog.Error("config reload failed", "error", err)
			}
			if err := vault.Reload(); err != nil {
				slog.Error("secret reload failed", "error", err)
			}
			slog.Info("reload complete")
		}
	}()

	// --- Telemetry ---

	shutdownOtel, err := potel.Init(ctx, cfg.Telemetry, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(shCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	// --- Infrastructure ---

	suggestCache, closeCache, err := openSuggestCache(ctx, cfg.Suggest)
	if err != nil {
		return fmt.Errorf("suggest cache: %w", err)
	}
	defer closeCache()

	idemCache, err := ristretto.New(8 << 20)
	if err != nil {
		return fmt.Errorf("idempotency cache: %w", err)
	}
	defer idemCache.Close()

	backend := agent.NewClient(cfg.Agent, func() string { return vault.Get(secrets.KeyAgentToken) })
	backend.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	dialer := meeting.NewDialer(cfg.Meeting, func() string { return vault.Get(secrets.KeyMeetingToken) })

	// --- Services ---

	hub := ws.NewHub()
	approvals := service.NewApprovalService(backend, hub)
	sessions := service.NewSessionService(backend, backend, approvals, hub, cfg.Limits.MaxConcurrentTurns, cfg.Agent.TurnTimeout)
	suggest := service.NewSuggestService(backend, suggestCache, cfg.Suggest.TTL)
	meetings := service.NewMeetingService(dialer, hub)

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(time.Minute, cfg.Rate.MaxIdleTime)
	defer stopCleanup()

	if cfg.Telemetry.Enabled {
		metrics, err := potel.NewMetrics()
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		sessions.SetMetrics(metrics)
		approvals.SetMetrics(metrics)
		suggest.SetMetrics(metrics)
		meetings.SetMetrics(metrics)
		limiter.SetMetrics(metrics)
	}

	// --- HTTP ---

	handlers := &plhttp.Handlers{
		Sessions:  sessions,
		Approvals: approvals,
		Suggest:   suggest,
		Meetings:  meetings,
		Hub:       hub,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(plhttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(plhttp.SecurityHeaders)
	r.Use(plhttp.CORS(cfg.Server.CORSOrigin))
	if cfg.Telemetry.Enabled {
		r.Use(potel.HTTPMiddleware(cfg.Logging.Service))
	}
	plhttp.MountRoutes(r, handlers, limiter, middleware.Idempotency(idemCache, idempotencyTTL))

	// WriteTimeout stays zero: turn responses are event streams with no
	// bounded duration.
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openSuggestCache selects the autocomplete cache driver: "memory" keeps an
// in-process ristretto cache, "nats" shares a JetStream KV bucket across
// gateway replicas, "tiered" layers the first over the second.
func openSuggestCache(ctx context.Context, cfg config.Suggest) (cache.Cache, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		l1, err := ristretto.New(cfg.L1MaxSizeMB << 20)
		if err != nil {
			return nil, nil, err
		}
		return l1, l1.Close, nil

	case "nats":
		kv, err := natskv.Open(ctx, cfg.NATSURL, cfg.NATSBucket, cfg.TTL)
		if err != nil {
			return nil, nil, err
		}
		return kv, kv.Close, nil

	case "tiered":
		l1, err := ristretto.New(cfg.L1MaxSizeMB << 20)
		if err != nil {
			return nil, nil, err
		}
		kv, err := natskv.Open(ctx, cfg.NATSURL, cfg.NATSBucket, cfg.TTL)
		if err != nil {
			l1.Close()
			return nil, nil, err
		}
		return tiered.New(l1, kv, cfg.TTL), func() { l1.Close(); kv.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown suggest driver %q", cfg.Driver)
	}
}
