// Package deployment runs a deployment of one changeset: it builds
// it, makes it live, and keeps a record of how that went.
//
// A deployment moves through Pending, Building and Deploying to
// Success, or to Failed from anywhere short of that. Every move is
// written to disk before anything else happens, so the record of a
// deployment survives whatever happens to the process running it.
package deployment

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/fluxcd/kudu/pkg/builder"
	"github.com/fluxcd/kudu/pkg/env"
	kuduerr "github.com/fluxcd/kudu/pkg/errors"
	"github.com/fluxcd/kudu/pkg/git"
	"github.com/fluxcd/kudu/pkg/hooks"
	kudumetrics "github.com/fluxcd/kudu/pkg/metrics"
	"github.com/fluxcd/kudu/pkg/settings"
	"github.com/fluxcd/kudu/pkg/trace"
)

const defaultTrackInterval = 30 * time.Second

// Notifier is told each time a deployment changes status.
type Notifier interface {
	Notify(ctx context.Context, ev hooks.Event)
}

// Swapper swaps the site into another slot after a deployment
// succeeds.
type Swapper interface {
	Enabled() bool
	PerformAutoSwap(ctx context.Context, requestID, deploymentID string, deploymentLog log.Logger) error
}

type Manager struct {
	Env       env.Environment
	Settings  settings.Settings
	Store     *Store
	Factory   builder.Factory
	Activator Activator
	Notifier  Notifier
	Swapper   Swapper
	Tracer    *trace.Tracer
	Logger    log.Logger
	// Target is the build target the process was started with.
	Target        string
	TrackInterval time.Duration
}

func NewManager(e env.Environment, s settings.Settings, logger log.Logger) *Manager {
	return &Manager{
		Env:           e,
		Settings:      s,
		Store:         NewStore(e),
		Factory:       builder.DefaultFactory{},
		Activator:     LinkActivator{Env: e},
		Tracer:        trace.Nop(),
		Logger:        log.With(logger, "component", "deployment"),
		TrackInterval: defaultTrackInterval,
	}
}

func (m *Manager) LogPath(id string) string {
	return m.Store.LogPath(id)
}

// Status is the latest record for the changeset, or nil.
func (m *Manager) Status(id string) (*Record, error) {
	return m.Store.Latest(id)
}

// Deploy builds the changeset and makes it live. The run itself goes
// on in its own goroutine, with a tracker watching it; Deploy waits
// for it either way. The error returned is the reason the deployment
// failed, which is also on its record, or else says that it succeeded
// with errors in its log.
func (m *Manager) Deploy(ctx context.Context, repo git.Repository, cs *git.ChangeSet, deployer string, clean bool) error {
	defer m.Tracer.Step("Deploy", "id", cs.ID, "deployer", deployer)()

	if pruned, err := m.Store.PruneTemporary(ctx, cs.ID); err != nil {
		m.Logger.Log("err", err, "info", "pruning temporary deployments")
	} else if len(pruned) > 0 {
		m.Logger.Log("info", "pruned temporary deployments", "ids", fmt.Sprint(pruned))
	}

	rec, err := m.Store.Begin(ctx, cs, deployer)
	if err != nil {
		return errors.Wrap(err, "recording deployment")
	}
	dlog, err := OpenLog(rec.LogPath)
	if err != nil {
		m.fail(rec, log.NewNopLogger(), err)
		return err
	}
	defer dlog.Close()
	dlog.Log("info", "deployment received", "id", rec.ID, "attempt", rec.Attempt,
		"deployer", deployer, "author", cs.Author(), "message", cs.Message)

	started := time.Now()
	builderName := "none"
	result := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("deployment panicked: %v", r)
			}
		}()
		result <- m.run(ctx, repo, rec, dlog, clean, &builderName)
	}()
	interval := m.TrackInterval
	if interval <= 0 {
		interval = defaultTrackInterval
	}
	TrackPendingOperation(done, interval, m.Logger, "id", rec.ID)
	err = <-result

	if err != nil {
		m.fail(rec, dlog, err)
		statusGauge.Set(0)
	} else {
		statusGauge.Set(1)
	}
	deploymentDuration.With(
		kudumetrics.LabelBuilder, builderName,
		kudumetrics.LabelSuccess, fmt.Sprint(err == nil),
	).Observe(time.Since(started).Seconds())

	if err != nil {
		return err
	}
	// Swap failures are logged too, but don't count against the
	// deployment.
	logged := dlog.HasErrors()
	m.autoSwap(ctx, repo, dlog)
	if logged {
		return errorsLogged(rec.ID)
	}
	return nil
}

// errorsLogged is the error for a deployment that went live, but
// wrote errors to its log along the way.
func errorsLogged(id string) error {
	return &kuduerr.Error{
		Type: kuduerr.Server,
		Err:  fmt.Errorf("deployment %s logged errors", id),
		Help: `The deployment completed with errors

The site is live, but errors were written to the deployment log. Check
the log for what went wrong.
`,
	}
}

func (m *Manager) run(ctx context.Context, repo git.Repository, rec *Record, dlog *Log, clean bool, builderName *string) error {
	if err := m.advance(ctx, rec, dlog, Building, "Building"); err != nil {
		return err
	}
	m.notify(ctx, hooks.BuildStart, rec)

	if clean {
		if err := m.Tracer.Run("Cleaning", func() error { return repo.Clean(ctx) }); err != nil {
			return kuduerr.ResolverError(err)
		}
	}
	if err := m.Tracer.Run("Updating", func() error { return repo.Update(ctx, rec.ID) }, "id", rec.ID); err != nil {
		return kuduerr.ResolverError(err)
	}

	output := ArtifactDir(m.Env, rec.ID, rec.Attempt)
	if err := os.RemoveAll(output); err != nil {
		return kuduerr.BuilderError(err)
	}
	bc := builder.Context{
		SourcePath: repo.Path(),
		OutputPath: output,
		Target:     m.Target,
		ID:         rec.ID,
		Settings:   m.Settings,
		Output:     dlog.Writer(),
		Logger:     dlog,
		Exec: builder.CommandExecutor{
			Output:  dlog.Writer(),
			Logger:  dlog,
			Timeout: time.Duration(m.Settings.CommandTimeout),
		},
	}
	b, err := m.Factory.For(bc)
	if err != nil {
		return kuduerr.BuilderError(err)
	}
	*builderName = b.Name()
	dlog.Log("info", "building", "builder", b.Name())
	var artifact builder.Artifact
	err = m.Tracer.Run("Building", func() (err error) {
		artifact, err = builder.Build(ctx, b, bc)
		return err
	}, "builder", b.Name())
	if err != nil {
		return kuduerr.BuilderError(err)
	}

	if err := m.advance(ctx, rec, dlog, Deploying, "Deploying"); err != nil {
		return err
	}
	m.notify(ctx, hooks.DeployStart, rec)
	if err := m.Tracer.Run("Activating", func() error { return m.Activator.Activate(rec.ID, artifact) }); err != nil {
		return kuduerr.ActivationError(err)
	}

	if err := m.advance(ctx, rec, dlog, Success, "Deployment successful"); err != nil {
		return err
	}
	m.notify(ctx, hooks.DeploySuccess, rec)
	return nil
}

// advance moves the record on, unless it's already further along,
// which it can be if this run carries on from one that died.
func (m *Manager) advance(ctx context.Context, rec *Record, dlog *Log, to Status, text string) error {
	if rec.Status.Beyond(to) {
		dlog.Log("info", "resuming", "status", rec.Status, "skipped", to)
		return nil
	}
	if err := m.Store.Transition(ctx, rec, to, func(r *Record) { r.StatusText = text }); err != nil {
		return err
	}
	dlog.Log("status", to)
	return nil
}

// fail records the error on the deployment, if it isn't finished
// already. It doesn't use the run's context, so the failure is
// recorded even if that's been cancelled.
func (m *Manager) fail(rec *Record, dlog log.Logger, cause error) {
	dlog.Log("err", cause)
	m.Tracer.Error(cause)
	if rec.Status.Terminal() {
		return
	}
	err := m.Store.Transition(context.Background(), rec, Failed, func(r *Record) {
		r.StatusText = "Deployment failed"
		r.Error = cause.Error()
	})
	if err != nil {
		m.Logger.Log("err", err, "info", "recording failed deployment", "id", rec.ID)
		return
	}
	m.notify(context.Background(), hooks.DeployFailed, rec)
}

func (m *Manager) notify(ctx context.Context, kind string, rec *Record) {
	if m.Notifier == nil {
		return
	}
	m.Notifier.Notify(ctx, hooks.Event{
		Kind:         kind,
		ID:           rec.ID,
		Status:       string(rec.Status),
		StatusText:   rec.StatusText,
		Author:       rec.Author,
		Deployer:     rec.Deployer,
		Message:      rec.Message,
		ReceivedTime: rec.ReceivedTime,
		StartTime:    rec.StartTime,
		EndTime:      rec.EndTime,
		SiteName:     m.Env.AppName,
	})
}

// autoSwap swaps the site into the configured slot, if the changeset
// at the tip of the deployment branch is the one that just succeeded.
// A failed swap doesn't fail the deployment.
func (m *Manager) autoSwap(ctx context.Context, repo git.Repository, dlog *Log) {
	if m.Swapper == nil || !m.Swapper.Enabled() {
		return
	}
	cs, err := repo.GetChangeSet(ctx, m.Settings.Branch)
	if err != nil {
		m.Logger.Log("err", err, "info", "not swapping")
		return
	}
	latest, err := m.Store.Latest(cs.ID)
	if err != nil || latest == nil || latest.Status != Success {
		m.Logger.Log("info", "not swapping, branch tip is not deployed", "branch", m.Settings.Branch, "id", cs.ID)
		return
	}
	if err := m.Swapper.PerformAutoSwap(ctx, m.Env.RequestID, cs.ID, dlog); err != nil {
		m.Logger.Log("err", err, "info", "auto swap failed")
	}
}
