package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v66/github"

	"github.com/tutu-network/appgrader/internal/domain"
	"github.com/tutu-network/appgrader/internal/infra/metrics"
)

// GitHubConfig configures the GitHub publisher.
type GitHubConfig struct {
	Token           string
	Owner           string // defaults to the authenticated user
	Branch          string
	PagesRetries    int
	PagesRetryDelay time.Duration
	BaseURL         string // API root override, for GitHub Enterprise
}

// GitHubPublisher creates one public repository per target, commits each file
// through the contents API and enables GitHub Pages on the branch root.
type GitHubPublisher struct {
	client *github.Client
	cfg    GitHubConfig
	log    *slog.Logger

	mu    sync.Mutex
	login string
}

// NewGitHubPublisher validates cfg and builds an authenticated client.
func NewGitHubPublisher(cfg GitHubConfig, log *slog.Logger) (*GitHubPublisher, error) {
	if cfg.Token == "" {
		return nil, errors.New("github publisher: token is required")
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.PagesRetries <= 0 {
		cfg.PagesRetries = 3
	}
	if cfg.PagesRetryDelay <= 0 {
		cfg.PagesRetryDelay = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	client := github.NewClient(&http.Client{Timeout: 60 * time.Second}).WithAuthToken(cfg.Token)
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("github publisher: base url: %w", err)
		}
		client.BaseURL = u
	}
	return &GitHubPublisher{client: client, cfg: cfg, log: log.With("component", "publish", "driver", "github")}, nil
}

// Publish implements domain.Publisher.
func (p *GitHubPublisher) Publish(ctx context.Context, sub domain.Submission) (domain.Publication, error) {
	paths, err := sortedPaths(sub.Files)
	if err != nil {
		return domain.Publication{}, err
	}

	owner, err := p.owner(ctx)
	if err != nil {
		return domain.Publication{}, fmt.Errorf("%w: resolve owner: %v", domain.ErrPublication, err)
	}
	name := sub.Target()
	log := p.log.With("repo", owner+"/"+name, "round", sub.Round)

	repo, err := p.ensureRepo(ctx, owner, name)
	if err != nil {
		return domain.Publication{}, fmt.Errorf("%w: ensure repo: %v", domain.ErrPublication, err)
	}

	committed := 0
	for _, path := range paths {
		changed, err := p.putFile(ctx, owner, name, path, sub.Files[path], CommitMessage(sub.Round))
		if err != nil {
			log.Warn("file commit failed", "path", path, "error", err)
			metrics.PublishFiles.WithLabelValues("failed").Inc()
			continue
		}
		if changed {
			metrics.PublishFiles.WithLabelValues("committed").Inc()
		} else {
			metrics.PublishFiles.WithLabelValues("unchanged").Inc()
		}
		committed++
	}
	if committed == 0 {
		return domain.Publication{}, fmt.Errorf("%w: no file could be committed", domain.ErrPublication)
	}

	if err := p.enablePages(ctx, owner, name); err != nil {
		// The Pages URL is deterministic; a late enable only delays hosting.
		log.Warn("pages not enabled", "error", err)
	}

	ref, _, err := p.client.Git.GetRef(ctx, owner, name, "heads/"+p.cfg.Branch)
	if err != nil {
		return domain.Publication{}, fmt.Errorf("%w: read head: %v", domain.ErrPublication, err)
	}

	pub := domain.Publication{
		RepoURL:   repo.GetHTMLURL(),
		CommitSHA: ref.GetObject().GetSHA(),
		PagesURL:  fmt.Sprintf("https://%s.github.io/%s/", strings.ToLower(owner), name),
	}
	log.Info("published", "commit", pub.CommitSHA, "files", committed)
	return pub, nil
}

func (p *GitHubPublisher) owner(ctx context.Context) (string, error) {
	if p.cfg.Owner != "" {
		return p.cfg.Owner, nil
	}
	login, err := p.authenticatedLogin(ctx)
	if err != nil {
		return "", err
	}
	return login, nil
}

func (p *GitHubPublisher) authenticatedLogin(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.login != "" {
		return p.login, nil
	}
	user, _, err := p.client.Users.Get(ctx, "")
	if err != nil {
		return "", err
	}
	p.login = user.GetLogin()
	return p.login, nil
}

// ensureRepo returns the repository, creating it when absent. Repositories
// owned by someone other than the token's user are created in that org.
func (p *GitHubPublisher) ensureRepo(ctx context.Context, owner, name string) (*github.Repository, error) {
	repo, resp, err := p.client.Repositories.Get(ctx, owner, name)
	if err == nil {
		return repo, nil
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		return nil, err
	}

	org := ""
	login, err := p.authenticatedLogin(ctx)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(login, owner) {
		org = owner
	}
	repo, _, err = p.client.Repositories.Create(ctx, org, &github.Repository{
		Name:        github.String(name),
		Description: github.String("Generated application for " + name),
		Private:     github.Bool(false),
		AutoInit:    github.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	p.log.Info("repository created", "repo", owner+"/"+name)
	return repo, nil
}

// putFile creates or updates one file. Unchanged content is skipped and
// reported as changed=false.
func (p *GitHubPublisher) putFile(ctx context.Context, owner, repo, path, content, message string) (bool, error) {
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: []byte(content),
		Branch:  github.String(p.cfg.Branch),
		Author:  &github.CommitAuthor{Name: github.String(Author.Name), Email: github.String(Author.Email)},
	}

	existing, _, resp, err := p.client.Repositories.GetContents(ctx, owner, repo, path,
		&github.RepositoryContentGetOptions{Ref: p.cfg.Branch})
	switch {
	case err == nil && existing != nil:
		if current, derr := existing.GetContent(); derr == nil && current == content {
			return false, nil
		}
		opts.SHA = existing.SHA
		_, _, err = p.client.Repositories.UpdateFile(ctx, owner, repo, path, opts)
	case resp != nil && resp.StatusCode == http.StatusNotFound:
		_, _, err = p.client.Repositories.CreateFile(ctx, owner, repo, path, opts)
	case err == nil:
		err = fmt.Errorf("%s is a directory", path)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// enablePages turns on Pages for the branch root, retrying a bounded number
// of times. A 409 means Pages is already enabled.
func (p *GitHubPublisher) enablePages(ctx context.Context, owner, repo string) error {
	pages := &github.Pages{Source: &github.PagesSource{Branch: github.String(p.cfg.Branch), Path: github.String("/")}}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.PagesRetries; attempt++ {
		_, resp, err := p.client.Repositories.EnablePages(ctx, owner, repo, pages)
		if err == nil || (resp != nil && resp.StatusCode == http.StatusConflict) {
			return nil
		}
		lastErr = err
		p.log.Debug("enable pages retry", "repo", repo, "attempt", attempt, "error", err)
		if attempt == p.cfg.PagesRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.PagesRetryDelay):
		}
	}
	return fmt.Errorf("after %d attempts: %w", p.cfg.PagesRetries, lastErr)
}
