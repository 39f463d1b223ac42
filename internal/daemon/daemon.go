package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tutu-network/appgrader/internal/api"
	"github.com/tutu-network/appgrader/internal/app/intake"
	"github.com/tutu-network/appgrader/internal/health"
	"github.com/tutu-network/appgrader/internal/infra/attachment"
	"github.com/tutu-network/appgrader/internal/infra/sqlite"
)

// Daemon is the intake service runtime. It wires the pipeline, the HTTP
// server and the health checker.
type Daemon struct {
	Config Config
	DB     *sqlite.DB
	Server *api.Server
	Health *health.Checker
	log    *slog.Logger
	cancel context.CancelFunc
}

// New opens the store and builds every intake collaborator from cfg.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := OpenStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	synthesizer, err := NewSynthesizer(ctx, cfg, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("synthesizer: %w", err)
	}
	publisher, err := NewPublisher(cfg.Publisher, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("publisher: %w", err)
	}

	if cfg.API.Secret == "" {
		log.Warn("api.secret is empty; every intake request will be rejected")
	}
	endpoint := cfg.API.PublicURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("http://%s:%d/api-endpoint", cfg.API.Host, cfg.API.Port)
	}

	pipeline := intake.NewPipeline(
		intake.Config{Secret: cfg.API.Secret, Endpoint: endpoint},
		db,
		attachment.NewProcessor(log),
		synthesizer,
		publisher,
		NewNotifier(cfg.Notifier, log),
		log,
	)

	srv := api.NewServer(pipeline, db, log)
	if cfg.Telemetry.Prometheus {
		srv.EnableMetrics()
	}

	dirs := map[string]string{"evaluator_work_dir": cfg.Evaluator.WorkDir}
	if cfg.Publisher.Driver == "local" {
		dirs["publisher_local_dir"] = cfg.Publisher.LocalDir
	}
	checker := health.NewChecker(db, dirs, log)
	srv.SetHealth(checker)

	return &Daemon{
		Config: cfg,
		DB:     db,
		Server: srv,
		Health: checker,
		log:    log.With("component", "daemon"),
	}, nil
}

// Serve starts the HTTP server and blocks until ctx is cancelled or the
// process receives SIGINT or SIGTERM.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go d.Health.Run(ctx)

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	requestTimeout := parseDuration(d.Config.API.RequestTimeout, 10*time.Minute)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           d.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      requestTimeout + 30*time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	// Graceful shutdown on signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			d.log.Info("shutting down")
		case <-ctx.Done():
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			d.log.Warn("shutdown incomplete", "error", err)
		}
	}()

	d.log.Info("serving", "addr", addr, "intake", "/api-endpoint", "metrics", d.Config.Telemetry.Prometheus)
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}
