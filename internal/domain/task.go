// Package domain holds the entities shared by the intake service, the round
// drivers and the evaluator: tasks, dispatch attempts, reported repos and
// per-check results.
package domain

import (
	"regexp"
	"strings"
	"time"
)

// repoNameChars is the character set GitHub allows in repository names.
var repoNameChars = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Attachment is an inline file delivered with a task. URL is a
// data:<mime>;base64,<payload> URI.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// TaskRequest is the body POSTed to a recipient's intake endpoint. Round
// drivers send exactly this shape.
type TaskRequest struct {
	Email         string       `json:"email"`
	Secret        string       `json:"secret"`
	Task          string       `json:"task"`
	Round         int          `json:"round"`
	Nonce         string       `json:"nonce"`
	Brief         string       `json:"brief"`
	Checks        []string     `json:"checks"`
	EvaluationURL string       `json:"evaluation_url"`
	Attachments   []Attachment `json:"attachments"`
}

// Validate reports ErrInvalidRequest when a required field is missing.
func (r *TaskRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.Email) == "":
		return invalid("email is required")
	case !strings.Contains(r.Email, "@"):
		return invalid("email must contain @")
	case strings.TrimSpace(r.Task) == "":
		return invalid("task is required")
	case !repoNameChars.MatchString(r.Task):
		return invalid("task may only contain letters, digits, '.', '_' and '-'")
	case !repoNameChars.MatchString(emailLocal(r.Email)):
		return invalid("email local part may only contain letters, digits, '.', '_' and '-'")
	case r.Round < 1:
		return invalid("round must be positive")
	case strings.TrimSpace(r.EvaluationURL) == "":
		return invalid("evaluation_url is required")
	}
	for i, a := range r.Attachments {
		if a.Name == "" {
			return invalid("attachment %d has no name", i)
		}
	}
	return nil
}

// Publication is what the repository publisher resolves for a submission.
type Publication struct {
	RepoURL   string `json:"repo_url"`
	CommitSHA string `json:"commit_sha"`
	PagesURL  string `json:"pages_url"`
}

// Task is one recorded submission, written by the intake endpoint after the
// app has been published.
type Task struct {
	ID            int64
	Email         string
	Task          string
	Round         int
	Nonce         string
	Brief         string
	Attachments   []Attachment
	Checks        []string
	EvaluationURL string
	Endpoint      string
	StatusCode    int
	Secret        string
	Publication   Publication
	CreatedAt     time.Time
}

// Published reports whether every publication field has been filled.
func (t *Task) Published() bool {
	p := t.Publication
	return p.RepoURL != "" && p.CommitSHA != "" && p.PagesURL != ""
}

// DispatchPending is the status code of a claimed dispatch whose POST has not
// finished yet.
const DispatchPending = -1

// Dispatch is a round driver's attempt to deliver a task to a recipient.
// StatusCode 0 means the POST failed at the transport level.
type Dispatch struct {
	ID            int64
	Email         string
	Task          string
	Round         int
	Nonce         string
	Brief         string
	Attachments   []Attachment
	Checks        []string
	EvaluationURL string
	Endpoint      string
	StatusCode    int
	Error         string
	Secret        string
	ExpectText    string
	CreatedAt     time.Time
	CompletedAt   time.Time
}

// Delivered reports whether the recipient acknowledged the task with a 2xx.
func (d *Dispatch) Delivered() bool {
	return d.StatusCode >= 200 && d.StatusCode < 300
}

// Request rebuilds the payload that was (or will be) POSTed for this dispatch.
func (d *Dispatch) Request() TaskRequest {
	checks := d.Checks
	if checks == nil {
		checks = []string{}
	}
	atts := d.Attachments
	if atts == nil {
		atts = []Attachment{}
	}
	return TaskRequest{
		Email:         d.Email,
		Secret:        d.Secret,
		Task:          d.Task,
		Round:         d.Round,
		Nonce:         d.Nonce,
		Brief:         d.Brief,
		Checks:        checks,
		EvaluationURL: d.EvaluationURL,
		Attachments:   atts,
	}
}

// EvaluationCallback is the payload posted to a task's evaluation_url once
// the app is published.
type EvaluationCallback struct {
	Email     string `json:"email"`
	Task      string `json:"task"`
	Round     int    `json:"round"`
	Nonce     string `json:"nonce"`
	RepoURL   string `json:"repo_url"`
	CommitSHA string `json:"commit_sha"`
	PagesURL  string `json:"pages_url"`
}

// Validate reports ErrInvalidRequest when the callback cannot identify a repo.
func (c *EvaluationCallback) Validate() error {
	switch {
	case c.Email == "" || c.Task == "":
		return invalid("email and task are required")
	case c.Round < 1:
		return invalid("round must be positive")
	case c.RepoURL == "":
		return invalid("repo_url is required")
	}
	return nil
}

// Repo is a reported completed submission, the evaluator's input.
type Repo struct {
	ID        int64
	Email     string
	Task      string
	Round     int
	RepoURL   string
	CommitSHA string
	PagesURL  string
	CreatedAt time.Time
}

// Target returns the derived target identity of the repo.
func (r *Repo) Target() string {
	return TargetName(r.Email, r.Task)
}

// TargetName derives the stable remote repository name for a recipient and
// task: {task}-{local part of email}.
func TargetName(email, task string) string {
	return task + "-" + emailLocal(email)
}

func emailLocal(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}
