package domain

import (
	"context"
	"slices"
	"time"
)

// ─── Collaborator Interfaces ────────────────────────────────────────────────
// Infrastructure implements them; the intake pipeline, the round drivers and
// the evaluator depend on them. Each has a network-backed implementation and
// a deterministic offline one, chosen by configuration.

// ImageData is an image attachment passed through as its original data URI
// so it can be embedded directly.
type ImageData string

// AttachmentData maps an attachment name to its decoded value:
// []map[string]string for CSV, any for JSON, string for text, ImageData for
// images.
type AttachmentData map[string]any

// Images returns the image attachments in name order.
func (a AttachmentData) Images() []ImageData {
	var names []string
	for name, v := range a {
		if _, ok := v.(ImageData); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	out := make([]ImageData, len(names))
	for i, n := range names {
		out[i] = a[n].(ImageData)
	}
	return out
}

// Synthesizer produces a static site (relative path → content) for a brief.
// Errors wrap ErrSynthesis; callers must not publish a partial result.
type Synthesizer interface {
	Synthesize(ctx context.Context, brief string, data AttachmentData) (map[string]string, error)
}

// CaptchaSolver derives the display text for an image attachment.
type CaptchaSolver interface {
	Solve(ctx context.Context, image ImageData) (string, error)
}

// Submission is a publisher input.
type Submission struct {
	Email string
	Task  string
	Round int
	Files map[string]string
}

// Target is the derived remote repository name.
func (s Submission) Target() string { return TargetName(s.Email, s.Task) }

// Publisher ensures the target repository exists, commits files and enables
// static hosting. An empty file set returns ErrNoFiles.
type Publisher interface {
	Publish(ctx context.Context, sub Submission) (Publication, error)
}

// Notifier delivers a JSON payload to a callback URL with bounded retries.
type Notifier interface {
	Notify(ctx context.Context, url string, payload any) error
}

// Cloner fetches a repository into an empty local directory.
type Cloner interface {
	Clone(ctx context.Context, repoURL, dir string) error
}

// PageExpectation describes what a hosted page must render.
type PageExpectation struct {
	Selector string        // CSS selector that must become visible
	Text     string        // text the page must contain; empty = any
	Timeout  time.Duration // budget measured from navigation
}

// PageReport is the outcome of a behavioural page check.
type PageReport struct {
	Passed bool
	Detail string
}

// PageChecker loads a hosted page and waits for an expectation.
type PageChecker interface {
	Check(ctx context.Context, pageURL string, exp PageExpectation) (PageReport, error)
}
