package git

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	gogit "gopkg.in/src-d/go-git.v4"
	gitconfig "gopkg.in/src-d/go-git.v4/config"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/object"
	"gopkg.in/src-d/go-git.v4/plumbing/transport/client"
	githttp "gopkg.in/src-d/go-git.v4/plumbing/transport/http"
)

const externalRemote = "external"

// LibRepository is a Repository worked in-process, with go-git.
type LibRepository struct {
	config Config
}

func NewLibRepository(c Config) *LibRepository {
	return &LibRepository{config: c}
}

func (r *LibRepository) Path() string {
	return r.config.Path
}

var installInsecure sync.Once

func (r *LibRepository) open() (*gogit.Repository, error) {
	repo, err := gogit.PlainOpen(r.config.Path)
	return repo, errors.Wrapf(err, "opening repository %s", r.config.Path)
}

func (r *LibRepository) Initialize(ctx context.Context) error {
	if r.config.SkipSSLValidation {
		// go-git only lets this be set for the whole process
		installInsecure.Do(func() {
			client.InstallProtocol("https", githttp.NewClient(&http.Client{
				Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
			}))
		})
	}
	if err := os.MkdirAll(r.config.Path, 0755); err != nil {
		return errors.Wrap(err, "creating repository directory")
	}
	_, err := gogit.PlainOpen(r.config.Path)
	if err == gogit.ErrRepositoryNotExists {
		repo, err := gogit.PlainInit(r.config.Path, false)
		if err != nil {
			return errors.Wrap(err, "git init")
		}
		cfg, err := repo.Config()
		if err != nil {
			return errors.Wrap(err, "reading git config")
		}
		cfg.Raw.Section("core").SetOption("autocrlf", "false")
		cfg.Raw.Section("receive").SetOption("denyCurrentBranch", "ignore")
		if err := repo.Storer.SetConfig(cfg); err != nil {
			return errors.Wrap(err, "writing git config")
		}
	} else if err != nil {
		return errors.Wrapf(err, "opening repository %s", r.config.Path)
	}
	return ensurePostReceiveHook(filepath.Join(r.config.Path, ".git"), r.config)
}

func (r *LibRepository) FetchWithoutConflict(ctx context.Context, remoteURI, branch string) (err error) {
	remote := Remote{URL: remoteURI}
	logger := r.config.logger()
	started := time.Now()
	defer func() { observeFetch("library", started, err) }()

	repo, err := r.open()
	if err != nil {
		return err
	}
	logger.Log("fetch", remote.SafeURL(), "branch", branch)

	staged := plumbing.ReferenceName(externalRef(branch))
	spec := gitconfig.RefSpec("+refs/heads/" + branch + ":" + staged.String())
	// an anonymous remote, so nothing is written to the config
	external := gogit.NewRemote(repo.Storer, &gitconfig.RemoteConfig{
		Name: externalRemote,
		URLs: []string{remoteURI},
	})
	err = external.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: externalRemote,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Tags:       gogit.NoTags,
	})
	if err != nil && err != gogit.NoErrAlreadyUpToDate {
		return FetchError(remote, err)
	}

	fetched, err := repo.Reference(staged, true)
	if err != nil {
		return errors.Wrapf(err, "reading %s", staged)
	}
	local := plumbing.NewBranchReferenceName(branch)
	switch _, err := repo.Storer.Reference(local); err {
	case nil:
		logger.Log("info", "local branch exists, leaving it", "branch", branch)
		return nil
	case plumbing.ErrReferenceNotFound:
		return repo.Storer.SetReference(plumbing.NewHashReference(local, fetched.Hash()))
	default:
		return err
	}
}

func (r *LibRepository) resolve(repo *gogit.Repository, ref string) (*object.Commit, error) {
	for _, name := range []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(ref),
		plumbing.ReferenceName(externalRef(ref)),
	} {
		if found, err := repo.Reference(name, true); err == nil {
			return repo.CommitObject(found.Hash())
		}
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, err
	}
	return repo.CommitObject(*hash)
}

func (r *LibRepository) GetChangeSet(ctx context.Context, ref string) (*ChangeSet, error) {
	repo, err := r.open()
	if err != nil {
		return nil, NoChangeSetError(ref, err)
	}
	commit, err := r.resolve(repo, ref)
	if err != nil {
		return nil, NoChangeSetError(ref, err)
	}
	return &ChangeSet{
		ID:          commit.Hash.String(),
		AuthorName:  commit.Author.Name,
		AuthorEmail: commit.Author.Email,
		Timestamp:   commit.Author.When,
		Message:     strings.TrimSpace(commit.Message),
	}, nil
}

func (r *LibRepository) Update(ctx context.Context, id string) error {
	repo, err := r.open()
	if err != nil {
		return err
	}
	commit, err := r.resolve(repo, id)
	if err != nil {
		return errors.Wrapf(err, "resolving %s", id)
	}
	tree, err := repo.Worktree()
	if err != nil {
		return err
	}
	return errors.Wrapf(tree.Checkout(&gogit.CheckoutOptions{
		Hash:  commit.Hash,
		Force: true,
	}), "checking out %s", id)
}

func (r *LibRepository) Clean(ctx context.Context) error {
	repo, err := r.open()
	if err != nil {
		return err
	}
	tree, err := repo.Worktree()
	if err != nil {
		return err
	}
	return errors.Wrap(tree.Clean(&gogit.CleanOptions{Dir: true}), "cleaning working tree")
}
