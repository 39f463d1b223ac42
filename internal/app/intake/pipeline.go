// Package intake runs the per-request task pipeline behind the intake
// endpoint: authenticate, process attachments, synthesize, publish, notify
// and record. Every request runs independently; the store is the only shared
// state.
package intake

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tutu-network/appgrader/internal/domain"
	"github.com/tutu-network/appgrader/internal/infra/metrics"
)

// Stage is a state of the intake state machine.
type Stage string

const (
	StageReceived             Stage = "received"
	StageAuthenticated        Stage = "authenticated"
	StageAttachmentsProcessed Stage = "attachments_processed"
	StageAppSynthesized       Stage = "app_synthesized"
	StagePublished            Stage = "published"
	StageNotified             Stage = "notified"
	StageLogged               Stage = "logged"
	StageSucceeded            Stage = "succeeded"
	StageFailed               Stage = "failed"
)

// Store is the slice of the durable store the pipeline needs.
type Store interface {
	GetTask(ctx context.Context, email, task string, round int) (*domain.Task, error)
	RecordTask(ctx context.Context, t *domain.Task) error
}

// AttachmentProcessor decodes request attachments. Failures are dropped by
// the processor, never returned.
type AttachmentProcessor interface {
	Process(atts []domain.Attachment) domain.AttachmentData
}

// Config is fixed at construction.
type Config struct {
	Secret   string // shared secret every request must present
	Endpoint string // public URL of this endpoint, stored with each task
}

// Outcome is the result of a successful run.
type Outcome struct {
	Publication domain.Publication
	Replayed    bool // an earlier run already recorded this task
}

// Pipeline wires the collaborators of one intake endpoint.
type Pipeline struct {
	cfg         Config
	store       Store
	attachments AttachmentProcessor
	synth       domain.Synthesizer
	publisher   domain.Publisher
	notifier    domain.Notifier
	log         *slog.Logger
	now         func() time.Time
}

// NewPipeline creates a pipeline. All collaborators are required.
func NewPipeline(cfg Config, store Store, attachments AttachmentProcessor, synth domain.Synthesizer,
	publisher domain.Publisher, notifier domain.Notifier, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:         cfg,
		store:       store,
		attachments: attachments,
		synth:       synth,
		publisher:   publisher,
		notifier:    notifier,
		log:         log.With("component", "intake"),
		now:         time.Now,
	}
}

// Run drives one request to SUCCEEDED or FAILED. A failure is returned as a
// *domain.StageError naming the stage that was being entered.
func (p *Pipeline) Run(ctx context.Context, req domain.TaskRequest) (Outcome, error) {
	run := &run{p: p, req: req, log: p.log.With("email", req.Email, "task", req.Task, "round", req.Round)}
	out, err := run.execute(ctx)
	if err != nil {
		metrics.IntakeRequests.WithLabelValues(outcomeLabel(err)).Inc()
		run.log.Warn("task failed", "stage", stageOf(err), "error", err)
		return Outcome{}, err
	}
	if out.Replayed {
		metrics.IntakeRequests.WithLabelValues("replayed").Inc()
	} else {
		metrics.IntakeRequests.WithLabelValues("succeeded").Inc()
	}
	run.log.Info("task succeeded", "repo", out.Publication.RepoURL, "commit", out.Publication.CommitSHA, "replayed", out.Replayed)
	return out, nil
}

// run holds the state of a single request as it moves through the stages.
type run struct {
	p   *Pipeline
	req domain.TaskRequest
	log *slog.Logger
}

func (r *run) fail(target Stage, err error) error {
	return &domain.StageError{Stage: string(target), Err: err}
}

// enter times the previous stage and moves to the next.
func (r *run) enter(next Stage, started *time.Time) {
	metrics.StageLatency.WithLabelValues(string(next)).Observe(time.Since(*started).Seconds())
	*started = time.Now()
	r.log.Debug("stage", "stage", next)
}

func (r *run) execute(ctx context.Context) (Outcome, error) {
	p := r.p
	started := time.Now()
	r.log.Debug("stage", "stage", StageReceived)

	// RECEIVED → AUTHENTICATED. Nothing is stored for a rejected request.
	if !secretMatches(r.req.Secret, p.cfg.Secret) {
		return Outcome{}, r.fail(StageAuthenticated, domain.ErrInvalidSecret)
	}
	if err := r.req.Validate(); err != nil {
		return Outcome{}, r.fail(StageAuthenticated, err)
	}
	r.enter(StageAuthenticated, &started)

	if prior, err := p.store.GetTask(ctx, r.req.Email, r.req.Task, r.req.Round); err == nil && prior.Published() {
		r.log.Info("task already recorded, replaying stored publication")
		return Outcome{Publication: prior.Publication, Replayed: true}, nil
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return Outcome{}, r.fail(StageAttachmentsProcessed, err)
	}

	// AUTHENTICATED → ATTACHMENTS_PROCESSED
	data := p.attachments.Process(r.req.Attachments)
	if dropped := len(r.req.Attachments) - len(data); dropped > 0 {
		r.log.Warn("attachments dropped", "count", dropped)
	}
	r.enter(StageAttachmentsProcessed, &started)

	// ATTACHMENTS_PROCESSED → APP_SYNTHESIZED
	files, err := p.synth.Synthesize(ctx, r.req.Brief, data)
	if err != nil {
		if !errors.Is(err, domain.ErrSynthesis) {
			err = fmt.Errorf("%w: %v", domain.ErrSynthesis, err)
		}
		return Outcome{}, r.fail(StageAppSynthesized, err)
	}
	r.enter(StageAppSynthesized, &started)

	// APP_SYNTHESIZED → PUBLISHED
	pub, err := p.publisher.Publish(ctx, domain.Submission{
		Email: r.req.Email,
		Task:  r.req.Task,
		Round: r.req.Round,
		Files: files,
	})
	if err != nil {
		return Outcome{}, r.fail(StagePublished, err)
	}
	r.enter(StagePublished, &started)

	// PUBLISHED → NOTIFIED. Delivery failure is logged, never propagated.
	callback := domain.EvaluationCallback{
		Email:     r.req.Email,
		Task:      r.req.Task,
		Round:     r.req.Round,
		Nonce:     r.req.Nonce,
		RepoURL:   pub.RepoURL,
		CommitSHA: pub.CommitSHA,
		PagesURL:  pub.PagesURL,
	}
	if err := p.notifier.Notify(ctx, r.req.EvaluationURL, callback); err != nil {
		r.log.Warn("evaluation callback not delivered", "url", r.req.EvaluationURL, "error", err)
	}
	r.enter(StageNotified, &started)

	// NOTIFIED → LOGGED. The task row is written once, with its publication.
	task := &domain.Task{
		Email:         r.req.Email,
		Task:          r.req.Task,
		Round:         r.req.Round,
		Nonce:         r.req.Nonce,
		Brief:         r.req.Brief,
		Attachments:   r.req.Attachments,
		Checks:        r.req.Checks,
		EvaluationURL: r.req.EvaluationURL,
		Endpoint:      p.cfg.Endpoint,
		StatusCode:    200,
		Secret:        r.req.Secret,
		Publication:   pub,
		CreatedAt:     p.now(),
	}
	if err := p.store.RecordTask(ctx, task); err != nil {
		if !errors.Is(err, domain.ErrAlreadySubmitted) {
			return Outcome{}, r.fail(StageLogged, err)
		}
		// A concurrent request for the same task won the insert.
		r.log.Info("task recorded by a concurrent request")
	}
	r.enter(StageLogged, &started)
	r.log.Debug("stage", "stage", StageSucceeded)
	return Outcome{Publication: pub}, nil
}

func secretMatches(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func stageOf(err error) string {
	var se *domain.StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return string(StageFailed)
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidSecret):
		return "unauthorized"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, domain.ErrSynthesis):
		return "synthesis_failed"
	default:
		return "failed"
	}
}
