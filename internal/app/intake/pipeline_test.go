package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/tutu-network/appgrader/internal/domain"
	"github.com/tutu-network/appgrader/internal/infra/attachment"
)

// ─── Fakes ──────────────────────────────────────────────────────────────────

type memStore struct {
	mu        sync.Mutex
	tasks     map[string]*domain.Task
	recordErr error
	reads     int
}

func newMemStore() *memStore { return &memStore{tasks: map[string]*domain.Task{}} }

func key(email, task string, round int) string {
	return fmt.Sprintf("%s|%s|%d", email, task, round)
}

func (s *memStore) GetTask(_ context.Context, email, task string, round int) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	t, ok := s.tasks[key(email, task, round)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t, nil
}

func (s *memStore) RecordTask(_ context.Context, t *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return s.recordErr
	}
	k := key(t.Email, t.Task, t.Round)
	if _, ok := s.tasks[k]; ok {
		return domain.ErrAlreadySubmitted
	}
	s.tasks[k] = t
	return nil
}

type fakeSynth struct {
	files map[string]string
	err   error
	calls int
	got   domain.AttachmentData
}

func (f *fakeSynth) Synthesize(_ context.Context, _ string, data domain.AttachmentData) (map[string]string, error) {
	f.calls++
	f.got = data
	if f.err != nil {
		return nil, f.err
	}
	return f.files, nil
}

type fakePublisher struct {
	pub   domain.Publication
	err   error
	calls int
	last  domain.Submission
}

func (f *fakePublisher) Publish(_ context.Context, sub domain.Submission) (domain.Publication, error) {
	f.calls++
	f.last = sub
	if f.err != nil {
		return domain.Publication{}, f.err
	}
	return f.pub, nil
}

type fakeNotifier struct {
	err      error
	calls    int
	payloads []any
}

func (f *fakeNotifier) Notify(_ context.Context, _ string, payload any) error {
	f.calls++
	f.payloads = append(f.payloads, payload)
	return f.err
}

type fixture struct {
	store     *memStore
	synth     *fakeSynth
	publisher *fakePublisher
	notifier  *fakeNotifier
	pipeline  *Pipeline
}

func newFixture() *fixture {
	f := &fixture{
		store: newMemStore(),
		synth: &fakeSynth{files: map[string]string{"index.html": "<p>x</p>", "LICENSE": "MIT", "README.md": "readme"}},
		publisher: &fakePublisher{pub: domain.Publication{
			RepoURL:   "https://github.com/octo/build-x-student",
			CommitSHA: "abc123",
			PagesURL:  "https://octo.github.io/build-x-student/",
		}},
		notifier: &fakeNotifier{},
	}
	f.pipeline = NewPipeline(Config{Secret: "s3cret", Endpoint: "http://localhost:8000/api-endpoint"},
		f.store, attachment.NewProcessor(nil), f.synth, f.publisher, f.notifier, nil)
	return f
}

func validRequest() domain.TaskRequest {
	return domain.TaskRequest{
		Email:         "student@example.com",
		Secret:        "s3cret",
		Task:          "build-x",
		Round:         1,
		Nonce:         "nonce-1",
		Brief:         "Build X",
		Checks:        []string{"Repo has MIT license"},
		EvaluationURL: "http://eval.example.com/notify",
		Attachments:   []domain.Attachment{},
	}
}

func stageOfErr(t *testing.T, err error) string {
	t.Helper()
	var se *domain.StageError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *domain.StageError", err)
	}
	return se.Stage
}

// ─── Tests ──────────────────────────────────────────────────────────────────

func TestRun_Success(t *testing.T) {
	f := newFixture()
	out, err := f.pipeline.Run(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if out.Replayed {
		t.Error("first run should not be a replay")
	}
	if out.Publication != f.publisher.pub {
		t.Errorf("Publication = %+v, want %+v", out.Publication, f.publisher.pub)
	}

	stored, err := f.store.GetTask(context.Background(), "student@example.com", "build-x", 1)
	if err != nil {
		t.Fatalf("task not recorded: %v", err)
	}
	if stored.Publication != f.publisher.pub {
		t.Errorf("stored publication = %+v", stored.Publication)
	}
	if stored.Endpoint != "http://localhost:8000/api-endpoint" || stored.Nonce != "nonce-1" {
		t.Errorf("stored task = %+v", stored)
	}

	cb, ok := f.notifier.payloads[0].(domain.EvaluationCallback)
	if !ok || cb.CommitSHA != "abc123" || cb.Nonce != "nonce-1" {
		t.Errorf("callback = %+v", f.notifier.payloads[0])
	}
	if f.publisher.last.Task != "build-x" || f.publisher.last.Round != 1 {
		t.Errorf("submission = %+v", f.publisher.last)
	}
}

func TestRun_InvalidSecretShortCircuits(t *testing.T) {
	f := newFixture()
	req := validRequest()
	req.Secret = "wrong"

	_, err := f.pipeline.Run(context.Background(), req)
	if !errors.Is(err, domain.ErrInvalidSecret) {
		t.Fatalf("err = %v, want ErrInvalidSecret", err)
	}
	if f.store.reads != 0 || len(f.store.tasks) != 0 {
		t.Error("store must not be touched for a rejected request")
	}
	if f.synth.calls+f.publisher.calls+f.notifier.calls != 0 {
		t.Error("no collaborator should run for a rejected request")
	}
}

func TestRun_EmptyConfiguredSecretRejectsAll(t *testing.T) {
	f := newFixture()
	f.pipeline.cfg.Secret = ""
	req := validRequest()
	req.Secret = ""
	if _, err := f.pipeline.Run(context.Background(), req); !errors.Is(err, domain.ErrInvalidSecret) {
		t.Errorf("err = %v, want ErrInvalidSecret", err)
	}
}

func TestRun_InvalidRequest(t *testing.T) {
	f := newFixture()
	req := validRequest()
	req.EvaluationURL = ""
	if _, err := f.pipeline.Run(context.Background(), req); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestRun_SynthesisFailureStopsBeforePublish(t *testing.T) {
	f := newFixture()
	f.synth.err = errors.New("model unavailable")

	_, err := f.pipeline.Run(context.Background(), validRequest())
	if !errors.Is(err, domain.ErrSynthesis) {
		t.Fatalf("err = %v, want ErrSynthesis", err)
	}
	if got := stageOfErr(t, err); got != string(StageAppSynthesized) {
		t.Errorf("stage = %q", got)
	}
	if f.publisher.calls != 0 || len(f.store.tasks) != 0 {
		t.Error("nothing may be published or recorded after a synthesis failure")
	}
}

func TestRun_PublicationFailure(t *testing.T) {
	f := newFixture()
	f.publisher.err = domain.ErrNoFiles

	_, err := f.pipeline.Run(context.Background(), validRequest())
	if !errors.Is(err, domain.ErrNoFiles) {
		t.Fatalf("err = %v, want ErrNoFiles", err)
	}
	if got := stageOfErr(t, err); got != string(StagePublished) {
		t.Errorf("stage = %q", got)
	}
	if f.notifier.calls != 0 || len(f.store.tasks) != 0 {
		t.Error("no notify or record after a publication failure")
	}
}

func TestRun_NotifierFailureDoesNotFail(t *testing.T) {
	f := newFixture()
	f.notifier.err = domain.ErrNotify

	if _, err := f.pipeline.Run(context.Background(), validRequest()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(f.store.tasks) != 1 {
		t.Error("task should still be recorded")
	}
}

func TestRun_CriticalStoreErrorFails(t *testing.T) {
	f := newFixture()
	f.store.recordErr = &domain.StoreError{Op: "record task", Critical: true, Err: errors.New("disk full")}

	_, err := f.pipeline.Run(context.Background(), validRequest())
	if !domain.IsCriticalStoreError(err) {
		t.Fatalf("err = %v, want critical StoreError", err)
	}
	if got := stageOfErr(t, err); got != string(StageLogged) {
		t.Errorf("stage = %q", got)
	}
}

func TestRun_ReplayReturnsStoredPublication(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if _, err := f.pipeline.Run(ctx, validRequest()); err != nil {
		t.Fatal(err)
	}

	out, err := f.pipeline.Run(ctx, validRequest())
	if err != nil {
		t.Fatalf("replay error: %v", err)
	}
	if !out.Replayed || out.Publication != f.publisher.pub {
		t.Errorf("replay outcome = %+v", out)
	}
	if f.publisher.calls != 1 || f.synth.calls != 1 {
		t.Errorf("replay repeated side effects: publish=%d synth=%d", f.publisher.calls, f.synth.calls)
	}
}

func TestRun_NextRoundRunsAgain(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if _, err := f.pipeline.Run(ctx, validRequest()); err != nil {
		t.Fatal(err)
	}
	req := validRequest()
	req.Round = 2
	if _, err := f.pipeline.Run(ctx, req); err != nil {
		t.Fatal(err)
	}
	if f.publisher.calls != 2 || len(f.store.tasks) != 2 {
		t.Errorf("publish=%d tasks=%d, want 2 and 2", f.publisher.calls, len(f.store.tasks))
	}
}

func TestRun_BadAttachmentDroppedNotFatal(t *testing.T) {
	f := newFixture()
	req := validRequest()
	req.Attachments = []domain.Attachment{
		{Name: "data.csv", URL: "data:text/csv;base64,bmFtZSxhZ2UKYWRhLDM2Cg=="},
		{Name: "broken.csv", URL: "data:text/csv;base64,@@@@!!!!"},
	}

	if _, err := f.pipeline.Run(context.Background(), req); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if _, ok := f.synth.got["broken.csv"]; ok {
		t.Error("broken.csv should be dropped")
	}
	rows, ok := f.synth.got["data.csv"].([]map[string]string)
	if !ok || len(rows) != 1 || rows[0]["name"] != "ada" {
		t.Errorf("data.csv = %v", f.synth.got["data.csv"])
	}
}
