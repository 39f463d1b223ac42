// Package evaluate grades reported repositories. Each repo is cloned into its
// own scratch directory and scored on a fixed checklist; every check writes
// one result row, and re-evaluating appends rather than overwrites.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tutu-network/appgrader/internal/domain"
	"github.com/tutu-network/appgrader/internal/infra/metrics"
	"github.com/tutu-network/appgrader/internal/infra/synth"
)

// Store is the slice of the durable store the evaluator needs.
type Store interface {
	ListRepos(ctx context.Context, f domain.Filter) ([]domain.Repo, error)
	GetDispatch(ctx context.Context, email string, round int) (*domain.Dispatch, error)
	RecordResult(ctx context.Context, r *domain.Result) error
}

// Config tunes the checklist.
type Config struct {
	WorkDir        string        // parent of per-repo clones; empty uses the OS temp dir
	ReadmeMinChars int           // README must be strictly longer
	PageTimeout    time.Duration // behavioural check budget from navigation
	PageSelector   string        // element that must become visible
	ExpectText     string        // rendered text required when the dispatch names none
}

// DefaultConfig returns the checklist defaults.
func DefaultConfig() Config {
	return Config{
		ReadmeMinChars: 100,
		PageTimeout:    15 * time.Second,
		PageSelector:   "body",
		ExpectText:     synth.DefaultCaptchaText,
	}
}

// Summary counts the outcome of one evaluation run.
type Summary struct {
	Repos  int
	Passed int // result rows with score 1
	Failed int // result rows with score 0
}

// Evaluator runs the checklist against reported repos.
type Evaluator struct {
	cfg    Config
	store  Store
	cloner domain.Cloner
	pages  domain.PageChecker
	log    *slog.Logger
}

// New creates an evaluator. Zero fields in cfg fall back to DefaultConfig.
func New(cfg Config, store Store, cloner domain.Cloner, pages domain.PageChecker, log *slog.Logger) *Evaluator {
	def := DefaultConfig()
	if cfg.ReadmeMinChars <= 0 {
		cfg.ReadmeMinChars = def.ReadmeMinChars
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = def.PageTimeout
	}
	if cfg.PageSelector == "" {
		cfg.PageSelector = def.PageSelector
	}
	if cfg.ExpectText == "" {
		cfg.ExpectText = def.ExpectText
	}
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{
		cfg:    cfg,
		store:  store,
		cloner: cloner,
		pages:  pages,
		log:    log.With("component", "evaluate"),
	}
}

// Run evaluates every repo matching f, one after another. A repo that fails
// to evaluate is logged and does not stop the run.
func (e *Evaluator) Run(ctx context.Context, f domain.Filter) (Summary, error) {
	var sum Summary
	repos, err := e.store.ListRepos(ctx, f)
	if err != nil {
		return sum, fmt.Errorf("list repos: %w", err)
	}
	for _, repo := range repos {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		results, err := e.EvaluateRepo(ctx, repo)
		if err != nil {
			e.log.Error("evaluation failed", "repo", repo.RepoURL, "error", err)
		}
		sum.Repos++
		for _, r := range results {
			if r.Passed() {
				sum.Passed++
			} else {
				sum.Failed++
			}
		}
	}
	e.log.Info("evaluation complete", "repos", sum.Repos, "passed", sum.Passed, "failed", sum.Failed)
	return sum, nil
}

// EvaluateRepo clones repo, runs every check and records one result per
// check. The clone is removed before returning. The error reports only a
// failure to set up the scratch directory; check failures are results.
func (e *Evaluator) EvaluateRepo(ctx context.Context, repo domain.Repo) ([]domain.Result, error) {
	log := e.log.With("email", repo.Email, "task", repo.Task, "round", repo.Round)
	log.Info("evaluating", "repo", repo.RepoURL)

	if e.cfg.WorkDir != "" {
		if err := os.MkdirAll(e.cfg.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(e.cfg.WorkDir, "eval-*")
	if err != nil {
		return nil, fmt.Errorf("create clone dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("could not remove clone", "dir", dir, "error", err)
		}
	}()

	cloneErr := e.cloner.Clone(ctx, repo.RepoURL, dir)
	if cloneErr != nil {
		log.Error("clone failed", "error", cloneErr)
	}
	repoFS := os.DirFS(dir)

	results := make([]domain.Result, 0, len(domain.AllChecks))
	for _, check := range domain.AllChecks {
		r := domain.NewResult(repo, check)
		switch {
		case check == domain.CheckBehavior:
			e.checkPage(ctx, repo, &r)
		case cloneErr != nil:
			r.Score, r.Reason, r.Logs = 0, "Repository could not be cloned.", cloneErr.Error()
		case check == domain.CheckLicense:
			r.Score, r.Reason = checkLicense(repoFS)
		case check == domain.CheckReadme:
			r.Score, r.Reason = checkReadme(repoFS, e.cfg.ReadmeMinChars)
		}

		metrics.Checks.WithLabelValues(string(check), strconv.Itoa(r.Score)).Inc()
		if err := e.store.RecordResult(ctx, &r); err != nil {
			log.Warn("could not record result", "check", check, "error", err)
		}
		log.Info("check done", "check", check, "score", r.Score, "reason", r.Reason)
		results = append(results, r)
	}
	return results, nil
}

// ─── Checks ─────────────────────────────────────────────────────────────────

func checkLicense(fsys fs.FS) (int, string) {
	matches, err := doublestar.Glob(fsys, "{LICENSE,LICENCE,license}*")
	if err != nil || len(matches) == 0 {
		return 0, "MIT license missing"
	}
	for _, m := range matches {
		data, err := fs.ReadFile(fsys, m)
		if err == nil && strings.Contains(strings.ToUpper(string(data)), "MIT") {
			return 1, "MIT license found"
		}
	}
	return 0, "License is not MIT"
}

func checkReadme(fsys fs.FS, minChars int) (int, string) {
	data, err := fs.ReadFile(fsys, "README.md")
	if err != nil {
		return 0, "README.md missing"
	}
	if utf8.RuneCount(data) <= minChars {
		return 0, "README is too short"
	}
	return 1, "README is professional"
}

func (e *Evaluator) checkPage(ctx context.Context, repo domain.Repo, r *domain.Result) {
	if repo.PagesURL == "" {
		r.Score, r.Reason = 0, "No pages URL reported."
		return
	}
	exp := domain.PageExpectation{Selector: e.cfg.PageSelector, Text: e.cfg.ExpectText, Timeout: e.cfg.PageTimeout}
	disp, err := e.store.GetDispatch(ctx, repo.Email, repo.Round)
	switch {
	case err == nil:
		if disp.ExpectText != "" {
			exp.Text = disp.ExpectText
		}
	case !errors.Is(err, domain.ErrNotFound):
		e.log.Warn("could not load dispatch expectation", "email", repo.Email, "error", err)
	}

	rep, err := e.pages.Check(ctx, repo.PagesURL, exp)
	if err != nil {
		r.Score, r.Reason, r.Logs = 0, "Playwright test failed.", err.Error()
		return
	}
	r.Logs = rep.Detail
	if rep.Passed {
		r.Score, r.Reason = 1, "Playwright test passed."
	} else {
		r.Score, r.Reason = 0, "Playwright test failed."
	}
}
