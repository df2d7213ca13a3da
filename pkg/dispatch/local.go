package dispatch

import (
	"context"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/go-kit/kit/log"

	"github.com/fluxcd/kudu/pkg/deployment"
	"github.com/fluxcd/kudu/pkg/env"
	kuduerr "github.com/fluxcd/kudu/pkg/errors"
	"github.com/fluxcd/kudu/pkg/git"
	"github.com/fluxcd/kudu/pkg/lock"
	"github.com/fluxcd/kudu/pkg/settings"
	"github.com/fluxcd/kudu/pkg/trace"
)

// Result says where to look for what happened.
type Result struct {
	// ID is the changeset deployed, if it got as far as resolving one.
	ID     string
	LogURL string
}

// Local runs deployments in this process, under the deployment lock.
type Local struct {
	Env         env.Environment
	Settings    settings.Settings
	Manager     *deployment.Manager
	Lock        *lock.Lock
	LockTimeout time.Duration
	Tracer      *trace.Tracer
	Logger      log.Logger
	// Binary is the kudu executable the post-receive hook runs.
	Binary string

	// NewRepository is git.New unless a test says otherwise.
	NewRepository func(c git.Config, useLibrary bool) git.Repository
}

func (l *Local) repository(c git.Config) git.Repository {
	c.SkipSSLValidation = l.Settings.SkipSSLValidation
	c.Logger = l.Logger
	if l.NewRepository != nil {
		return l.NewRepository(c, l.Settings.UseLibraryGit)
	}
	return git.New(c, l.Settings.UseLibraryGit)
}

// Direct deploys the tip of the deployment branch of the site
// repository.
func (l *Local) Direct(ctx context.Context, deployer string) (Result, error) {
	var res Result
	repo := l.repository(git.Config{
		Path:            l.Env.RepositoryPath,
		PostReceiveHook: PostReceiveHook(l.Binary, l.Env.SiteRootPath, l.Manager.Target),
	})
	err := l.withDeploymentLock(ctx, "Performing deployment", func() error {
		if err := l.Tracer.Run("Initializing repository", func() error { return repo.Initialize(ctx) }); err != nil {
			return kuduerr.ResolverError(err)
		}
		return l.deployBranch(ctx, repo, l.Settings.Branch, deployer, &res)
	})
	observeDispatch(Direct, err)
	return res, err
}

// Worker fetches the deployment branch from remoteURI and deploys it.
func (l *Local) Worker(ctx context.Context, remoteURI, deployer string) (Result, error) {
	var res Result
	repo := l.repository(git.Config{
		Path:                     l.Env.RepositoryPath,
		SkipPostReceiveHookCheck: true,
	})
	branch := l.Settings.BuildJobBranch
	err := l.withDeploymentLock(ctx, "Performing build job", func() error {
		err := l.Tracer.Run("Fetching", func() error {
			if err := repo.Initialize(ctx); err != nil {
				return err
			}
			return repo.FetchWithoutConflict(ctx, remoteURI, branch)
		}, "remote", git.Remote{URL: remoteURI}.SafeURL(), "branch", branch)
		if err != nil {
			return kuduerr.ResolverError(err)
		}
		// What was just fetched, whatever the local branch says.
		return l.deployBranch(ctx, repo, git.ExternalRefPrefix+branch, deployer, &res)
	})
	observeDispatch(Worker, err)
	return res, err
}

func (l *Local) deployBranch(ctx context.Context, repo git.Repository, ref, deployer string, res *Result) error {
	cs, err := repo.GetChangeSet(ctx, ref)
	if err != nil {
		return kuduerr.ResolverError(err)
	}
	res.ID = cs.ID
	res.LogURL = l.Env.DeploymentLogURL(cs.ID, l.Manager.LogPath(cs.ID))
	return l.Manager.Deploy(ctx, repo, cs, deployer, false)
}

// withDeploymentLock runs fn holding the deployment lock. If the
// process that started this one holds it already, that covers us.
func (l *Local) withDeploymentLock(ctx context.Context, operation string, fn func() error) error {
	if l.Lock.IsHeld() && l.Lock.HeldByParent() {
		l.Logger.Log("info", "deployment lock is held by parent process", "lock", l.Lock.Path)
		return fn()
	}
	err := l.Lock.Acquire(ctx, operation, l.LockTimeout, fn)
	if kuduerr.IsDeploymentLockTimeout(err) {
		if h, ok := l.Lock.Holder(); ok {
			l.Logger.Log("info", "deployment lock is held", "pid", h.PID, "operation", h.Operation, "since", h.AcquiredAt)
		}
	}
	return err
}

// PostReceiveHook is the script that runs a deployment when the site
// repository is pushed to.
func PostReceiveHook(binary, siteRoot, target string) string {
	if binary == "" {
		return ""
	}
	return "#!/bin/sh\nread i\necho $i > pushinfo\n" +
		shellescape.QuoteCommand([]string{binary, "run", siteRoot, target}) + "\n"
}

