package rounds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/tutu-network/appgrader/internal/domain"
	"github.com/tutu-network/appgrader/internal/infra/metrics"
)

// Round-2 defaults when no template override applies.
var defaultRound2Checks = []string{
	"UI has been improved with CSS.",
	"Error handling is implemented for user inputs.",
	"All previous functionality is still working.",
}

func defaultRound2Brief(task string) string {
	return fmt.Sprintf("Round 2: Improve the UI and add error handling for the %s task.", task)
}

// Store is the slice of the durable store the drivers need.
type Store interface {
	ClaimDispatch(ctx context.Context, d *domain.Dispatch) error
	CompleteDispatch(ctx context.Context, id int64, status int, errText string) error
	GetDispatch(ctx context.Context, email string, round int) (*domain.Dispatch, error)
	ListRepos(ctx context.Context, f domain.Filter) ([]domain.Repo, error)
}

// Sender makes one POST and reports the HTTP status, 0 on transport failure.
type Sender interface {
	Send(ctx context.Context, url string, payload any) (int, error)
}

// Config holds driver defaults.
type Config struct {
	DefaultEndpoint      string
	DefaultEvaluationURL string
}

// Report summarizes one driver run.
type Report struct {
	Sent    int // recipient answered 2xx
	Failed  int // non-2xx or transport failure; recorded all the same
	Skipped int // already dispatched, out of round, or missing prerequisites
}

// Driver dispatches tasks for one round at a time. Runs are sequential.
type Driver struct {
	cfg       Config
	store     Store
	sender    Sender
	templates map[string]Template
	log       *slog.Logger
	newNonce  func() string
}

// NewDriver creates a driver. templates may be nil.
func NewDriver(cfg Config, store Store, sender Sender, templates map[string]Template, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{
		cfg:       cfg,
		store:     store,
		sender:    sender,
		templates: templates,
		log:       log.With("component", "rounds"),
		newNonce:  func() string { return uuid.NewString() },
	}
}

// RunRound1 dispatches every round-1 roster entry that has not been
// dispatched yet.
func (d *Driver) RunRound1(ctx context.Context, entries []Entry) (Report, error) {
	var rep Report
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if e.Round != 1 {
			d.log.Info("skipping entry for another round", "email", e.Email, "round", e.Round)
			rep.Skipped++
			continue
		}
		disp, err := d.round1Dispatch(e)
		if err != nil {
			d.log.Warn("skipping entry", "email", e.Email, "error", err)
			rep.Skipped++
			continue
		}
		if err := d.dispatch(ctx, disp, &rep); err != nil {
			return rep, err
		}
	}
	d.log.Info("round 1 complete", "sent", rep.Sent, "failed", rep.Failed, "skipped", rep.Skipped)
	return rep, nil
}

func (d *Driver) round1Dispatch(e Entry) (*domain.Dispatch, error) {
	disp := &domain.Dispatch{
		Email:         e.Email,
		Task:          e.Task,
		Round:         1,
		Brief:         e.Brief,
		Checks:        e.Checks,
		Attachments:   e.Attachments,
		EvaluationURL: firstNonEmpty(e.EvaluationURL, d.cfg.DefaultEvaluationURL),
		Endpoint:      firstNonEmpty(e.Endpoint, d.cfg.DefaultEndpoint),
		Secret:        e.Secret,
	}
	if e.Template != "" {
		t, ok := d.templates[e.Template]
		if !ok {
			return nil, fmt.Errorf("unknown template %q", e.Template)
		}
		disp.Brief = firstNonEmpty(e.Brief, t.Brief)
		if len(disp.Checks) == 0 {
			disp.Checks = t.Checks
		}
		if len(disp.Attachments) == 0 {
			disp.Attachments = t.DomainAttachments()
		}
		if disp.Task == "" {
			disp.Task = TaskID(t.ID, disp.Brief, e.Email)
		}
		disp.ExpectText = t.ExpectText
	}
	switch {
	case disp.Endpoint == "":
		return nil, errors.New("no endpoint for recipient")
	case disp.EvaluationURL == "":
		return nil, errors.New("no evaluation_url for recipient")
	}
	return disp, nil
}

// RunRound2 dispatches round 2 to every recipient with a round-1 repo. The
// secret, evaluation URL and endpoint are reused from the round-1 dispatch.
func (d *Driver) RunRound2(ctx context.Context) (Report, error) {
	var rep Report
	repos, err := d.store.ListRepos(ctx, domain.Filter{Round: 1})
	if err != nil {
		return rep, fmt.Errorf("list round 1 repos: %w", err)
	}

	seen := make(map[string]bool)
	for _, repo := range repos {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		// One recipient may have reported several round-1 commits.
		if seen[repo.Email] {
			continue
		}
		seen[repo.Email] = true

		disp, err := d.round2Dispatch(ctx, repo)
		if err != nil {
			d.log.Warn("skipping round 2", "email", repo.Email, "task", repo.Task, "error", err)
			rep.Skipped++
			continue
		}
		if err := d.dispatch(ctx, disp, &rep); err != nil {
			return rep, err
		}
	}
	d.log.Info("round 2 complete", "sent", rep.Sent, "failed", rep.Failed, "skipped", rep.Skipped)
	return rep, nil
}

func (d *Driver) round2Dispatch(ctx context.Context, repo domain.Repo) (*domain.Dispatch, error) {
	prev, err := d.store.GetDispatch(ctx, repo.Email, 1)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrRoundOneMissing
	}
	if err != nil {
		return nil, err
	}

	disp := &domain.Dispatch{
		Email:         repo.Email,
		Task:          repo.Task,
		Round:         2,
		Brief:         defaultRound2Brief(repo.Task),
		Checks:        defaultRound2Checks,
		Attachments:   []domain.Attachment{},
		EvaluationURL: prev.EvaluationURL,
		Endpoint:      prev.Endpoint,
		Secret:        prev.Secret,
		ExpectText:    prev.ExpectText,
	}
	if t, ok := d.templateFor(repo.Task); ok && t.Round2 != nil {
		disp.Brief = firstNonEmpty(t.Round2.Brief, disp.Brief)
		if len(t.Round2.Checks) > 0 {
			disp.Checks = t.Round2.Checks
		}
		disp.ExpectText = firstNonEmpty(t.Round2.ExpectText, disp.ExpectText)
	}
	return disp, nil
}

// templateFor finds the template a task id was derived from.
func (d *Driver) templateFor(task string) (Template, bool) {
	if t, ok := d.templates[task]; ok {
		return t, true
	}
	if n := len(task); n > 6 && task[n-6] == '-' {
		t, ok := d.templates[task[:n-6]]
		return t, ok
	}
	return Template{}, false
}

// dispatch claims, sends and completes one dispatch. Only a critical store
// failure while claiming is returned; everything else is counted in rep.
func (d *Driver) dispatch(ctx context.Context, disp *domain.Dispatch, rep *Report) error {
	log := d.log.With("email", disp.Email, "task", disp.Task, "round", disp.Round)
	round := strconv.Itoa(disp.Round)

	disp.Nonce = d.newNonce()
	if err := d.store.ClaimDispatch(ctx, disp); err != nil {
		if errors.Is(err, domain.ErrAlreadyDispatched) {
			log.Info("already dispatched, skipping")
			metrics.Dispatches.WithLabelValues(round, "skipped").Inc()
			rep.Skipped++
			return nil
		}
		return fmt.Errorf("claim dispatch for %s: %w", disp.Email, err)
	}

	log.Info("sending task", "endpoint", disp.Endpoint)
	status, err := d.sender.Send(ctx, disp.Endpoint, disp.Request())
	errText := ""
	switch {
	case err != nil:
		status, errText = 0, err.Error()
		log.Error("dispatch failed", "error", err)
	case status < 200 || status >= 300:
		errText = fmt.Sprintf("recipient returned %d", status)
		log.Error("dispatch rejected", "status", status)
	}
	metrics.Dispatches.WithLabelValues(round, metrics.StatusClass(status)).Inc()

	if status >= 200 && status < 300 {
		rep.Sent++
	} else {
		rep.Failed++
	}

	if err := d.store.CompleteDispatch(ctx, disp.ID, status, errText); err != nil {
		// The claim row stays pending; the outcome is in the log.
		log.Warn("could not record dispatch outcome", "status", status, "error", err)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
