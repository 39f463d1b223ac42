package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tutu-network/appgrader/internal/domain"
	"github.com/tutu-network/appgrader/internal/infra/secrets"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleTask() *domain.Task {
	return &domain.Task{
		Email:         "student@example.com",
		Task:          "captcha-solver",
		Round:         1,
		Nonce:         "nonce-1",
		Brief:         "Build X",
		Attachments:   []domain.Attachment{{Name: "sample.png", URL: "data:image/png;base64,AAAA"}},
		Checks:        []string{"Repo has MIT license"},
		EvaluationURL: "http://eval.example.com/notify",
		Endpoint:      "http://student.example.com/api-endpoint",
		StatusCode:    200,
		Secret:        "s3cret",
		Publication: domain.Publication{
			RepoURL:   "https://github.com/user/captcha-solver-student",
			CommitSHA: "abc123",
			PagesURL:  "https://user.github.io/captcha-solver-student/",
		},
	}
}

// ─── Database Lifecycle ─────────────────────────────────────────────────────

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "appgrader.db")); os.IsNotExist(err) {
		t.Error("appgrader.db should exist")
	}
}

func TestOpen_MigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		db, err := Open(dir)
		if err != nil {
			t.Fatalf("Open() #%d error: %v", i, err)
		}
		db.Close()
	}
}

func TestOpen_CreatesAllTables(t *testing.T) {
	db := newTestDB(t)
	for _, table := range []string{"tasks", "dispatches", "repos", "results"} {
		var name string
		err := db.db.QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q missing: %v", table, err)
		}
	}
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

func TestRecordTask_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.RecordTask(ctx, sampleTask()); err != nil {
		t.Fatalf("RecordTask() error: %v", err)
	}

	got, err := db.GetTask(ctx, "student@example.com", "captcha-solver", 1)
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}
	if got.Publication.CommitSHA != "abc123" {
		t.Errorf("CommitSHA = %q, want abc123", got.Publication.CommitSHA)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Name != "sample.png" {
		t.Errorf("Attachments = %+v", got.Attachments)
	}
	if len(got.Checks) != 1 {
		t.Errorf("Checks = %v", got.Checks)
	}
	if !got.Published() {
		t.Error("Published() = false, want true")
	}
	if got.Secret != "s3cret" {
		t.Errorf("Secret = %q", got.Secret)
	}
}

func TestRecordTask_DuplicateRejected(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.RecordTask(ctx, sampleTask()); err != nil {
		t.Fatalf("first RecordTask() error: %v", err)
	}
	err := db.RecordTask(ctx, sampleTask())
	if !errors.Is(err, domain.ErrAlreadySubmitted) {
		t.Fatalf("second RecordTask() = %v, want ErrAlreadySubmitted", err)
	}

	tasks, _ := db.ListTasks(ctx, domain.Filter{})
	if len(tasks) != 1 {
		t.Errorf("len(tasks) = %d, want 1", len(tasks))
	}
}

func TestRecordTask_SameRecipientNextRound(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	t1 := sampleTask()
	t2 := sampleTask()
	t2.Round = 2
	if err := db.RecordTask(ctx, t1); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordTask(ctx, t2); err != nil {
		t.Fatalf("round 2 RecordTask() error: %v", err)
	}

	round2, _ := db.ListTasks(ctx, domain.Filter{Round: 2})
	if len(round2) != 1 {
		t.Errorf("round 2 tasks = %d, want 1", len(round2))
	}
}

func TestRecordTask_ConcurrentInsertOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := db.RecordTask(ctx, sampleTask()); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted != 1 {
		t.Errorf("accepted = %d, want exactly 1", accepted)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetTask(context.Background(), "nobody@example.com", "x", 1)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetTask() = %v, want ErrNotFound", err)
	}
}

func TestRecordTask_SealedSecret(t *testing.T) {
	db := newTestDB(t)
	sealer, err := secrets.LoadSealer(filepath.Join(t.TempDir(), "age.key"))
	if err != nil {
		t.Fatal(err)
	}
	db.SetSealer(sealer)
	ctx := context.Background()

	if err := db.RecordTask(ctx, sampleTask()); err != nil {
		t.Fatal(err)
	}

	var raw string
	if err := db.db.QueryRow(`SELECT secret FROM tasks`).Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if !secrets.IsSealed(raw) {
		t.Errorf("stored secret %q is not sealed", raw)
	}

	got, err := db.GetTask(ctx, "student@example.com", "captcha-solver", 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Secret != "s3cret" {
		t.Errorf("Secret = %q, want s3cret", got.Secret)
	}
}

// ─── Dispatches ─────────────────────────────────────────────────────────────

func TestClaimDispatch_OncePerRecipientRound(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	d1 := &domain.Dispatch{Email: "a@example.com", Task: "t", Round: 1, Nonce: "n1"}
	if err := db.ClaimDispatch(ctx, d1); err != nil {
		t.Fatalf("ClaimDispatch() error: %v", err)
	}
	d2 := &domain.Dispatch{Email: "a@example.com", Task: "other", Round: 1, Nonce: "n2"}
	if err := db.ClaimDispatch(ctx, d2); !errors.Is(err, domain.ErrAlreadyDispatched) {
		t.Fatalf("second ClaimDispatch() = %v, want ErrAlreadyDispatched", err)
	}
}

func TestCompleteDispatch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	d := &domain.Dispatch{Email: "a@example.com", Task: "t", Round: 1, Nonce: "n1", Secret: "x"}
	if err := db.ClaimDispatch(ctx, d); err != nil {
		t.Fatal(err)
	}

	pending, _ := db.GetDispatch(ctx, "a@example.com", 1)
	if pending.StatusCode != domain.DispatchPending {
		t.Errorf("StatusCode = %d, want pending", pending.StatusCode)
	}

	if err := db.CompleteDispatch(ctx, d.ID, 0, "connection refused"); err != nil {
		t.Fatalf("CompleteDispatch() error: %v", err)
	}
	got, err := db.GetDispatch(ctx, "a@example.com", 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.StatusCode != 0 || got.Error != "connection refused" {
		t.Errorf("got status=%d error=%q", got.StatusCode, got.Error)
	}
	if got.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}
	if got.Delivered() {
		t.Error("Delivered() = true for status 0")
	}
}

// ─── Repos & Results ────────────────────────────────────────────────────────

func TestRecordRepo_IgnoresDuplicateReport(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	r := &domain.Repo{Email: "a@example.com", Task: "t", Round: 1, RepoURL: "u", CommitSHA: "c1"}
	if ok, err := db.RecordRepo(ctx, r); err != nil || !ok {
		t.Fatalf("RecordRepo() = %v, %v", ok, err)
	}
	dup := *r
	if ok, err := db.RecordRepo(ctx, &dup); err != nil || ok {
		t.Fatalf("duplicate RecordRepo() = %v, %v; want false, nil", ok, err)
	}
	next := &domain.Repo{Email: "a@example.com", Task: "t", Round: 1, RepoURL: "u", CommitSHA: "c2"}
	if ok, _ := db.RecordRepo(ctx, next); !ok {
		t.Error("new commit should be recorded")
	}

	repos, _ := db.ListRepos(ctx, domain.Filter{Round: 1})
	if len(repos) != 2 {
		t.Errorf("len(repos) = %d, want 2", len(repos))
	}
}

func TestRecordResult_AppendOnly(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := domain.Repo{Email: "a@example.com", Task: "t", Round: 1, RepoURL: "u", CommitSHA: "c"}

	for i := 0; i < 2; i++ {
		r := domain.NewResult(repo, domain.CheckLicense)
		r.Score = i
		if err := db.RecordResult(ctx, &r); err != nil {
			t.Fatalf("RecordResult() error: %v", err)
		}
	}

	results, err := db.ListResults(ctx, domain.Filter{Email: "a@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].Score != 0 || results[1].Score != 1 {
		t.Errorf("scores = %d,%d; want 0,1", results[0].Score, results[1].Score)
	}
	if results[0].Target != "t-a" {
		t.Errorf("Target = %q, want t-a", results[0].Target)
	}
}
