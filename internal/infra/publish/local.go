// Package publish commits synthesized sites to a per-recipient repository
// and resolves the hosted page URL. GitHubPublisher talks to the GitHub API;
// LocalPublisher keeps bare-bones git repositories on disk for offline runs.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/tutu-network/appgrader/internal/domain"
	"github.com/tutu-network/appgrader/internal/infra/metrics"
)

// Author is the commit identity used by both publishers.
var Author = object.Signature{Name: "appgrader", Email: "appgrader@users.noreply.github.com"}

// CommitMessage is the message for a round's submission commit.
func CommitMessage(round int) string {
	return fmt.Sprintf("Round %d submission", round)
}

// sortedPaths returns the file paths in a stable order and rejects paths
// that would escape the repository root.
func sortedPaths(files map[string]string) ([]string, error) {
	if len(files) == 0 {
		return nil, domain.ErrNoFiles
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		clean := filepath.ToSlash(filepath.Clean(p))
		if clean == "." || strings.HasPrefix(clean, "../") || filepath.IsAbs(p) {
			return nil, fmt.Errorf("%w: unsafe path %q", domain.ErrPublication, p)
		}
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths, nil
}

// ─── Local publisher ────────────────────────────────────────────────────────

// LocalPublisher writes each target to {root}/{target} as a git repository.
// The repo URL is the directory itself; the page URL is a file:// URL to its
// index.html.
type LocalPublisher struct {
	root string
	log  *slog.Logger
	now  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per target; a worktree takes one writer
}

// NewLocalPublisher creates root if needed.
func NewLocalPublisher(root string, log *slog.Logger) (*LocalPublisher, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create publish dir: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &LocalPublisher{root: abs, log: log.With("component", "publish", "driver", "local"), now: time.Now, locks: make(map[string]*sync.Mutex)}, nil
}

// Publish implements domain.Publisher. Publishing identical content again
// returns the existing head commit.
func (p *LocalPublisher) Publish(_ context.Context, sub domain.Submission) (domain.Publication, error) {
	paths, err := sortedPaths(sub.Files)
	if err != nil {
		return domain.Publication{}, err
	}

	dir := filepath.Join(p.root, sub.Target())
	if rel, err := filepath.Rel(p.root, dir); err != nil || rel == "." || rel == ".." ||
		strings.ContainsRune(rel, filepath.Separator) {
		return domain.Publication{}, fmt.Errorf("%w: unsafe target %q", domain.ErrPublication, sub.Target())
	}

	unlock := p.lock(sub.Target())
	defer unlock()

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(dir, false)
	}
	if err != nil {
		return domain.Publication{}, fmt.Errorf("%w: open %s: %v", domain.ErrPublication, dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return domain.Publication{}, fmt.Errorf("%w: worktree: %v", domain.ErrPublication, err)
	}

	written := 0
	for _, path := range paths {
		full := filepath.Join(dir, filepath.FromSlash(path))
		if err := writeFile(full, sub.Files[path]); err != nil {
			p.log.Warn("file write failed", "path", path, "error", err)
			metrics.PublishFiles.WithLabelValues("failed").Inc()
			continue
		}
		if _, err := wt.Add(path); err != nil {
			p.log.Warn("git add failed", "path", path, "error", err)
			metrics.PublishFiles.WithLabelValues("failed").Inc()
			continue
		}
		metrics.PublishFiles.WithLabelValues("committed").Inc()
		written++
	}
	if written == 0 {
		return domain.Publication{}, fmt.Errorf("%w: no file could be written", domain.ErrPublication)
	}

	sig := Author
	sig.When = p.now()
	hash, err := wt.Commit(CommitMessage(sub.Round), &git.CommitOptions{Author: &sig})
	if errors.Is(err, git.ErrEmptyCommit) {
		head, herr := repo.Head()
		if herr != nil {
			return domain.Publication{}, fmt.Errorf("%w: head: %v", domain.ErrPublication, herr)
		}
		hash = head.Hash()
	} else if err != nil {
		return domain.Publication{}, fmt.Errorf("%w: commit: %v", domain.ErrPublication, err)
	}

	p.log.Info("published", "target", sub.Target(), "commit", hash.String(), "files", written)
	return domain.Publication{
		RepoURL:   dir,
		CommitSHA: hash.String(),
		PagesURL:  "file://" + filepath.ToSlash(filepath.Join(dir, "index.html")),
	}, nil
}

// lock serializes publishes of one target and returns the unlock func.
func (p *LocalPublisher) lock(target string) func() {
	p.mu.Lock()
	l, ok := p.locks[target]
	if !ok {
		l = &sync.Mutex{}
		p.locks[target] = l
	}
	p.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
