// Package git resolves the changeset a deployment builds. It wraps the
// site repository, and can stage commits fetched from elsewhere without
// touching the site's own branches.
package git

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
)

const (
	// ExternalRefPrefix is where FetchWithoutConflict puts what it
	// fetches. Nothing else writes under it.
	ExternalRefPrefix = "refs/remotes/external/"

	postReceiveHook = "post-receive"
)

// ChangeSet is one resolved state of the repository.
type ChangeSet struct {
	ID          string    `json:"id"`
	AuthorName  string    `json:"authorName"`
	AuthorEmail string    `json:"authorEmail"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// Author is the author as it's usually written.
func (c ChangeSet) Author() string {
	if c.AuthorEmail == "" {
		return c.AuthorName
	}
	return c.AuthorName + " <" + c.AuthorEmail + ">"
}

// Repository is the site repository. Both implementations behave the
// same way, so callers needn't care which they have.
type Repository interface {
	Path() string
	// Initialize makes sure there's a working repository at Path. It's
	// safe to call on one that already exists.
	Initialize(ctx context.Context) error
	// FetchWithoutConflict fetches branch from remoteURI into
	// refs/remotes/external/<branch>. A local branch of the same name
	// is created if there isn't one, and left alone if there is.
	FetchWithoutConflict(ctx context.Context, remoteURI, branch string) error
	// GetChangeSet resolves a local branch, else a fetched branch,
	// else a commit id.
	GetChangeSet(ctx context.Context, ref string) (*ChangeSet, error)
	// Update forces the working tree to the changeset given.
	Update(ctx context.Context, id string) error
	// Clean removes untracked files from the working tree.
	Clean(ctx context.Context) error
}

type Config struct {
	Path string
	// SkipPostReceiveHookCheck is set by build workers, whose
	// repositories are never pushed to.
	SkipPostReceiveHookCheck bool
	// PostReceiveHook is the script installed as the repository's
	// post-receive hook. Nothing is installed if it's empty.
	PostReceiveHook   string
	SkipSSLValidation bool
	Logger            log.Logger
}

func (c Config) logger() log.Logger {
	if c.Logger == nil {
		return log.NewNopLogger()
	}
	return c.Logger
}

// New gives the in-process implementation if useLibrary is set, and
// otherwise the one that runs the git executable.
func New(c Config, useLibrary bool) Repository {
	if useLibrary {
		return NewLibRepository(c)
	}
	return NewExeRepository(c)
}

func externalRef(branch string) string {
	return ExternalRefPrefix + branch
}

// ensurePostReceiveHook writes the hook script into gitDir, unless
// it's already there with the same content.
func ensurePostReceiveHook(gitDir string, c Config) error {
	if c.SkipPostReceiveHookCheck || c.PostReceiveHook == "" {
		return nil
	}
	path := filepath.Join(gitDir, "hooks", postReceiveHook)
	if existing, err := os.ReadFile(path); err == nil && string(existing) == c.PostReceiveHook {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "creating hooks directory")
	}
	if err := os.WriteFile(path, []byte(c.PostReceiveHook), 0755); err != nil {
		return errors.Wrap(err, "writing post-receive hook")
	}
	return os.Chmod(path, 0755)
}
