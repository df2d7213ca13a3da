package git

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// ExeRepository is a Repository worked by running the git executable.
type ExeRepository struct {
	config Config
}

func NewExeRepository(c Config) *ExeRepository {
	return &ExeRepository{config: c}
}

func (r *ExeRepository) Path() string {
	return r.config.Path
}

func (r *ExeRepository) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(r.config.Path, 0755); err != nil {
		return errors.Wrap(err, "creating repository directory")
	}
	gitDir := filepath.Join(r.config.Path, ".git")
	if _, err := os.Stat(gitDir); os.IsNotExist(err) {
		if err := initRepo(ctx, r.config.Path); err != nil {
			return err
		}
		if err := config(ctx, r.config.Path, map[string]string{
			"core.autocrlf": "false",
			// pushes land in this non-bare repository
			"receive.denyCurrentBranch": "ignore",
		}); err != nil {
			return err
		}
	}
	return ensurePostReceiveHook(gitDir, r.config)
}

func (r *ExeRepository) FetchWithoutConflict(ctx context.Context, remoteURI, branch string) (err error) {
	remote := Remote{URL: remoteURI}
	logger := r.config.logger()
	started := time.Now()
	defer func() { observeFetch("exe", started, err) }()

	logger.Log("fetch", remote.SafeURL(), "branch", branch)
	var env []string
	if r.config.SkipSSLValidation {
		env = append(env, "GIT_SSL_NO_VERIFY=true")
	}
	staged := externalRef(branch)
	refspec := "+refs/heads/" + branch + ":" + staged
	if err := fetch(ctx, r.config.Path, env, remoteURI, refspec); err != nil {
		return FetchError(remote, err)
	}

	rev, err := refRevision(ctx, r.config.Path, staged)
	if err != nil {
		return errors.Wrapf(err, "reading %s", staged)
	}
	local := "refs/heads/" + branch
	exists, err := refExists(ctx, r.config.Path, local)
	if err != nil {
		return err
	}
	if exists {
		logger.Log("info", "local branch exists, leaving it", "branch", branch)
		return nil
	}
	return createRef(ctx, r.config.Path, local, rev)
}

func (r *ExeRepository) GetChangeSet(ctx context.Context, ref string) (*ChangeSet, error) {
	for _, candidate := range []string{"refs/heads/" + ref, externalRef(ref), ref} {
		ok, err := refExists(ctx, r.config.Path, candidate)
		if err != nil {
			return nil, NoChangeSetError(ref, err)
		}
		if ok {
			return changeSetFor(ctx, r.config.Path, candidate)
		}
	}
	return nil, NoChangeSetError(ref, errors.New("no such branch or commit"))
}

func (r *ExeRepository) Update(ctx context.Context, id string) error {
	return errors.Wrapf(checkoutForce(ctx, r.config.Path, id), "checking out %s", id)
}

func (r *ExeRepository) Clean(ctx context.Context) error {
	return errors.Wrap(clean(ctx, r.config.Path), "cleaning working tree")
}
