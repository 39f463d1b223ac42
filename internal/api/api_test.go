package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tutu-network/appgrader/internal/app/intake"
	"github.com/tutu-network/appgrader/internal/domain"
	"github.com/tutu-network/appgrader/internal/health"
	"github.com/tutu-network/appgrader/internal/infra/attachment"
	"github.com/tutu-network/appgrader/internal/infra/sqlite"
)

const testSecret = "s3cret"

type stubSynth struct{ err error }

func (s stubSynth) Synthesize(context.Context, string, domain.AttachmentData) (map[string]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return map[string]string{"index.html": "<h1>X</h1>", "LICENSE": "MIT", "README.md": "readme"}, nil
}

type stubPublisher struct{ pub domain.Publication }

func (p stubPublisher) Publish(context.Context, domain.Submission) (domain.Publication, error) {
	return p.pub, nil
}

type stubNotifier struct{ calls int }

func (n *stubNotifier) Notify(context.Context, string, any) error {
	n.calls++
	return nil
}

// disconnectingPublisher cancels the caller's request context once the
// repository is published.
type disconnectingPublisher struct{ cancel context.CancelFunc }

func (p disconnectingPublisher) Publish(context.Context, domain.Submission) (domain.Publication, error) {
	p.cancel()
	return mockPublication, nil
}

type panicIntake struct{}

func (panicIntake) Run(context.Context, domain.TaskRequest) (intake.Outcome, error) {
	panic("boom")
}

var mockPublication = domain.Publication{
	RepoURL:   "https://github.com/octo/build-x-student",
	CommitSHA: "0123456789abcdef",
	PagesURL:  "https://octo.github.io/build-x-student/",
}

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestServer(t *testing.T, synth domain.Synthesizer) (*httptest.Server, *sqlite.DB) {
	t.Helper()
	db := newTestDB(t)
	pipeline := intake.NewPipeline(intake.Config{Secret: testSecret, Endpoint: "http://test/api-endpoint"},
		db, attachment.NewProcessor(nil), synth, stubPublisher{pub: mockPublication}, &stubNotifier{}, nil)
	srv := NewServer(pipeline, db, nil)
	srv.EnableMetrics()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, db
}

func taskBody(secret string) []byte {
	b, _ := json.Marshal(domain.TaskRequest{
		Email:         "student@example.com",
		Secret:        secret,
		Task:          "build-x",
		Round:         1,
		Nonce:         "n-1",
		Brief:         "Build X",
		Checks:        []string{},
		EvaluationURL: "http://eval.example.com/notify",
		Attachments:   []domain.Attachment{},
	})
	return b
}

func postJSON(t *testing.T, url string, body []byte) (*http.Response, map[string]string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

// ─── Intake ─────────────────────────────────────────────────────────────────

func TestIntake_EndToEnd(t *testing.T) {
	ts, db := newTestServer(t, stubSynth{})

	resp, body := postJSON(t, ts.URL+"/api-endpoint", taskBody(testSecret))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["status"] != "success" || body["repo_url"] != mockPublication.RepoURL ||
		body["pages_url"] != mockPublication.PagesURL || body["commit_sha"] != mockPublication.CommitSHA {
		t.Errorf("body = %v", body)
	}

	task, err := db.GetTask(context.Background(), "student@example.com", "build-x", 1)
	if err != nil {
		t.Fatalf("task not stored: %v", err)
	}
	if task.Publication != mockPublication {
		t.Errorf("stored publication = %+v, want %+v", task.Publication, mockPublication)
	}
}

func TestIntake_ClientDisconnectStillRecordsTask(t *testing.T) {
	db := newTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipeline := intake.NewPipeline(intake.Config{Secret: testSecret, Endpoint: "http://test/api-endpoint"},
		db, attachment.NewProcessor(nil), stubSynth{}, disconnectingPublisher{cancel: cancel}, &stubNotifier{}, nil)
	srv := NewServer(pipeline, db, nil)

	req := httptest.NewRequest(http.MethodPost, "/api-endpoint", bytes.NewReader(taskBody(testSecret))).WithContext(ctx)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	task, err := db.GetTask(context.Background(), "student@example.com", "build-x", 1)
	if err != nil {
		t.Fatalf("published repo has no task row: %v", err)
	}
	if task.Publication != mockPublication {
		t.Errorf("stored publication = %+v", task.Publication)
	}
}

func TestIntake_InvalidSecret(t *testing.T) {
	ts, db := newTestServer(t, stubSynth{})

	resp, body := postJSON(t, ts.URL+"/api-endpoint", taskBody("wrong"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if len(body) != 1 || body["detail"] != "Invalid secret" {
		t.Errorf("body = %v", body)
	}

	tasks, err := db.ListTasks(context.Background(), domain.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("tasks = %d, want 0 after a rejected request", len(tasks))
	}
}

func TestIntake_SynthesisFailure(t *testing.T) {
	ts, _ := newTestServer(t, stubSynth{err: errors.New("model returned prose")})

	resp, body := postJSON(t, ts.URL+"/api-endpoint", taskBody(testSecret))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if body["detail"] != "App generation failed" {
		t.Errorf("body = %v", body)
	}
}

func TestIntake_MalformedBody(t *testing.T) {
	ts, _ := newTestServer(t, stubSynth{})

	resp, body := postJSON(t, ts.URL+"/api-endpoint", []byte(`{"email": `))
	if resp.StatusCode != http.StatusInternalServerError || body["detail"] != "Internal Server Error" {
		t.Errorf("status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestIntake_InvalidRequestIsGeneric(t *testing.T) {
	ts, _ := newTestServer(t, stubSynth{})
	var req domain.TaskRequest
	json.Unmarshal(taskBody(testSecret), &req)
	req.EvaluationURL = ""
	b, _ := json.Marshal(req)

	resp, body := postJSON(t, ts.URL+"/api-endpoint", b)
	if resp.StatusCode != http.StatusInternalServerError || body["detail"] != "Internal Server Error" {
		t.Errorf("status = %d, body = %v", resp.StatusCode, body)
	}
	if strings.Contains(body["detail"], "evaluation_url") {
		t.Error("internal detail must not leak")
	}
}

func TestIntake_Replay(t *testing.T) {
	ts, db := newTestServer(t, stubSynth{})

	for i := 0; i < 2; i++ {
		resp, body := postJSON(t, ts.URL+"/api-endpoint", taskBody(testSecret))
		if resp.StatusCode != http.StatusOK || body["commit_sha"] != mockPublication.CommitSHA {
			t.Fatalf("attempt %d: status = %d, body = %v", i+1, resp.StatusCode, body)
		}
	}
	tasks, _ := db.ListTasks(context.Background(), domain.Filter{})
	if len(tasks) != 1 {
		t.Errorf("tasks = %d, want 1", len(tasks))
	}
}

func TestIntake_PanicIsGeneric500(t *testing.T) {
	srv := NewServer(panicIntake{}, newTestDB(t), nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, body := postJSON(t, ts.URL+"/api-endpoint", taskBody(testSecret))
	if resp.StatusCode != http.StatusInternalServerError || body["detail"] != "Internal Server Error" {
		t.Errorf("status = %d, body = %v", resp.StatusCode, body)
	}
}

// ─── Callback ───────────────────────────────────────────────────────────────

func TestCallback_RecordsRepoOnce(t *testing.T) {
	ts, db := newTestServer(t, stubSynth{})
	cb, _ := json.Marshal(domain.EvaluationCallback{
		Email: "student@example.com", Task: "build-x", Round: 1, Nonce: "n-1",
		RepoURL: mockPublication.RepoURL, CommitSHA: mockPublication.CommitSHA, PagesURL: mockPublication.PagesURL,
	})

	for i := 0; i < 2; i++ {
		resp, body := postJSON(t, ts.URL+"/evaluation-callback", cb)
		if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
			t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
		}
	}

	repos, err := db.ListRepos(context.Background(), domain.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(repos) != 1 || repos[0].PagesURL != mockPublication.PagesURL {
		t.Errorf("repos = %+v", repos)
	}
}

func TestCallback_Invalid(t *testing.T) {
	ts, _ := newTestServer(t, stubSynth{})
	resp, body := postJSON(t, ts.URL+"/evaluation-callback", []byte(`{"email":"a@b.c"}`))
	if resp.StatusCode != http.StatusInternalServerError || body["detail"] != "Internal Server Error" {
		t.Errorf("status = %d, body = %v", resp.StatusCode, body)
	}
}

// ─── Health & metrics ───────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	db := newTestDB(t)
	checker := health.NewChecker(db, map[string]string{"work_dir": t.TempDir()}, nil)
	checker.RunOnce(context.Background())

	srv := NewServer(panicIntake{}, db, nil)
	srv.SetHealth(checker)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Status string          `json:"status"`
		Checks []health.Status `json:"checks"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK || body.Status != "ok" || len(body.Checks) != 2 {
		t.Errorf("status = %d, body = %+v", resp.StatusCode, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, stubSynth{})
	postJSON(t, ts.URL+"/api-endpoint", taskBody(testSecret))

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "appgrader_intake_requests_total") {
		t.Error("intake counter missing from /metrics")
	}
}
