package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tutu-network/appgrader/internal/app/evaluate"
	"github.com/tutu-network/appgrader/internal/app/rounds"
	"github.com/tutu-network/appgrader/internal/domain"
	"github.com/tutu-network/appgrader/internal/infra/notify"
	"github.com/tutu-network/appgrader/internal/infra/publish"
	"github.com/tutu-network/appgrader/internal/infra/secrets"
	"github.com/tutu-network/appgrader/internal/infra/sqlite"
	"github.com/tutu-network/appgrader/internal/infra/synth"
)

// Collaborators are built here from configuration; business logic never
// decides between a network-backed and an offline implementation itself.

// NewLogger builds the process logger from [logging]. The returned closer
// releases the log file, if any.
func NewLogger(cfg LoggingConfig, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("logging.level: %w", err)
	}

	w := stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer, nil
}

// OpenStore opens the database and enables secret sealing when a key file
// is configured.
func OpenStore(cfg StoreConfig) (*sqlite.DB, error) {
	db, err := sqlite.Open(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.AgeKeyFile != "" {
		sealer, err := secrets.LoadSealer(cfg.AgeKeyFile)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("load age key: %w", err)
		}
		db.SetSealer(sealer)
	}
	return db, nil
}

// NewSynthesizer selects the app synthesizer and its captcha solver.
func NewSynthesizer(ctx context.Context, cfg Config, log *slog.Logger) (domain.Synthesizer, error) {
	var model synth.ChatModel
	if cfg.Synth.Driver != "template" || cfg.Captcha.Driver == "model" {
		driver := cfg.Synth.Driver
		if driver == "template" {
			driver = "openai"
		}
		m, err := synth.NewChatModel(ctx, synth.ModelConfig{
			Driver:  driver,
			Model:   cfg.Synth.Model,
			BaseURL: cfg.Synth.BaseURL,
			APIKey:  cfg.Synth.APIKey,
			Timeout: parseDuration(cfg.Synth.Timeout, 0),
		})
		if err != nil {
			return nil, err
		}
		model = m
	}

	var solver domain.CaptchaSolver = synth.StaticSolver{Text: cfg.Captcha.StaticText}
	if cfg.Captcha.Driver == "model" {
		solver = synth.NewModelSolver(model)
	}

	if cfg.Synth.Driver == "template" {
		return synth.NewTemplateSynthesizer(solver, log), nil
	}
	return synth.NewModelSynthesizer(model, solver, log), nil
}

// NewPublisher selects the repository publisher.
func NewPublisher(cfg PublisherConfig, log *slog.Logger) (domain.Publisher, error) {
	if cfg.Driver == "github" {
		return publish.NewGitHubPublisher(publish.GitHubConfig{
			Token:           cfg.Token,
			Owner:           cfg.Owner,
			Branch:          cfg.Branch,
			PagesRetries:    cfg.PagesRetries,
			PagesRetryDelay: parseDuration(cfg.PagesRetryDelay, 0),
		}, log)
	}
	return publish.NewLocalPublisher(cfg.LocalDir, log)
}

// NewNotifier builds the evaluation callback notifier.
func NewNotifier(cfg NotifierConfig, log *slog.Logger) *notify.HTTPNotifier {
	return notify.New(notify.Config{
		Timeout:     parseDuration(cfg.Timeout, 0),
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   parseDuration(cfg.BaseDelay, 0),
		MaxDelay:    parseDuration(cfg.MaxDelay, 0),
	}, log)
}

// NewDriver builds the round driver. Each dispatch is a single POST bounded
// by rounds.dispatch_timeout.
func NewDriver(cfg RoundsConfig, store rounds.Store, log *slog.Logger) (*rounds.Driver, error) {
	var templates map[string]rounds.Template
	if cfg.Templates != "" {
		t, err := rounds.LoadTemplates(cfg.Templates)
		if err != nil {
			return nil, err
		}
		templates = t
	}
	sender := notify.New(notify.Config{
		Timeout:     parseDuration(cfg.DispatchTimeout, 30*time.Second),
		MaxAttempts: 1,
	}, log)
	return rounds.NewDriver(rounds.Config{
		DefaultEndpoint:      cfg.DefaultEndpoint,
		DefaultEvaluationURL: cfg.DefaultEvaluationURL,
	}, store, sender, templates, log), nil
}

// NewEvaluator builds the evaluator with the configured page checker.
func NewEvaluator(cfg Config, store evaluate.Store, log *slog.Logger) *evaluate.Evaluator {
	var pages domain.PageChecker = evaluate.BrowserChecker{ExecPath: cfg.Evaluator.ChromePath}
	if cfg.Evaluator.Browser == "static" {
		pages = evaluate.StaticChecker{}
	}
	return evaluate.New(evaluate.Config{
		WorkDir:        cfg.Evaluator.WorkDir,
		ReadmeMinChars: cfg.Evaluator.ReadmeMinChars,
		PageTimeout:    parseDuration(cfg.Evaluator.PageTimeout, 0),
		PageSelector:   cfg.Evaluator.Selector,
		ExpectText:     cfg.Evaluator.ExpectText,
	}, store, evaluate.GitCloner{Token: cfg.Publisher.Token}, pages, log)
}
