package evaluate

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// GitCloner clones with go-git. Remote URLs get a shallow clone of the
// default branch; local paths from the offline publisher are cloned in full.
type GitCloner struct {
	Token string // optional; sent as basic auth for private https remotes
}

// Clone implements domain.Cloner.
func (c GitCloner) Clone(ctx context.Context, repoURL, dir string) error {
	opts := &git.CloneOptions{URL: repoURL}
	if isRemote(repoURL) {
		opts.Depth = 1
		if c.Token != "" {
			opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: c.Token}
		}
	}
	if _, err := git.PlainCloneContext(ctx, dir, false, opts); err != nil {
		return fmt.Errorf("clone %s: %w", repoURL, err)
	}
	return nil
}

func isRemote(u string) bool {
	return strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "http://")
}
