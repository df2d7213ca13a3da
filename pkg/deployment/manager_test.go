package deployment

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxcd/kudu/pkg/builder"
	kuduerr "github.com/fluxcd/kudu/pkg/errors"
	"github.com/fluxcd/kudu/pkg/git"
	"github.com/fluxcd/kudu/pkg/hooks"
	"github.com/fluxcd/kudu/pkg/settings"
)

type fakeRepo struct {
	path      string
	tip       *git.ChangeSet
	updated   []string
	cleaned   bool
	updateErr error
}

func (r *fakeRepo) Path() string                         { return r.path }
func (r *fakeRepo) Initialize(ctx context.Context) error { return nil }
func (r *fakeRepo) FetchWithoutConflict(ctx context.Context, uri, branch string) error {
	return nil
}
func (r *fakeRepo) GetChangeSet(ctx context.Context, ref string) (*git.ChangeSet, error) {
	return r.tip, nil
}
func (r *fakeRepo) Update(ctx context.Context, id string) error {
	r.updated = append(r.updated, id)
	return r.updateErr
}
func (r *fakeRepo) Clean(ctx context.Context) error {
	r.cleaned = true
	return nil
}

type funcBuilder func(ctx context.Context, bc builder.Context) (builder.Artifact, error)

func (f funcBuilder) Name() string { return "test" }
func (f funcBuilder) Build(ctx context.Context, bc builder.Context) (builder.Artifact, error) {
	return f(ctx, bc)
}

type fixedFactory struct{ b builder.Builder }

func (f fixedFactory) For(bc builder.Context) (builder.Builder, error) { return f.b, nil }

// writeSite is a builder that writes a page into the output.
func writeSite(ctx context.Context, bc builder.Context) (builder.Artifact, error) {
	bc.Output.Write([]byte("writing index.html\n"))
	err := ioutil.WriteFile(filepath.Join(bc.OutputPath, "index.html"), []byte(bc.ID), 0644)
	return builder.Artifact{Path: bc.OutputPath}, err
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []hooks.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, ev hooks.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) kinds() []string {
	var kinds []string
	for _, ev := range n.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

type recordingSwapper struct {
	swapped []string
	err     error
}

func (s *recordingSwapper) Enabled() bool { return true }
func (s *recordingSwapper) PerformAutoSwap(ctx context.Context, requestID, id string, dlog log.Logger) error {
	s.swapped = append(s.swapped, requestID+"/"+id)
	if s.err != nil {
		dlog.Log("err", s.err)
	}
	return s.err
}

func newTestManager(t *testing.T, b builder.Builder) (*Manager, *fakeRepo, *recordingNotifier, *bytes.Buffer) {
	e := testEnv(t)
	var logs bytes.Buffer
	m := NewManager(e, settings.Defaults(), log.NewLogfmtLogger(&logs))
	m.Factory = fixedFactory{b}
	notifier := &recordingNotifier{}
	m.Notifier = notifier
	repo := &fakeRepo{path: t.TempDir(), tip: testChangeSet}
	return m, repo, notifier, &logs
}

func TestDeploySuccess(t *testing.T) {
	m, repo, notifier, _ := newTestManager(t, funcBuilder(writeSite))

	err := m.Deploy(context.Background(), repo, testChangeSet, "push", true)
	require.NoError(t, err)

	rec, err := m.Status(testChangeSet.ID)
	require.NoError(t, err)
	assert.Equal(t, Success, rec.Status)
	assert.Equal(t, []Status{Pending, Building, Deploying, Success}, rec.Phases)
	assert.True(t, rec.Complete)
	assert.False(t, rec.IsTemporary)
	assert.Equal(t, "push", rec.Deployer)

	assert.True(t, repo.cleaned)
	assert.Equal(t, []string{testChangeSet.ID}, repo.updated)
	assert.Equal(t, []string{hooks.BuildStart, hooks.DeployStart, hooks.DeploySuccess}, notifier.kinds())
	assert.Equal(t, "myapp", notifier.events[0].SiteName)

	live, err := ioutil.ReadFile(filepath.Join(m.Env.WebRootPath, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, testChangeSet.ID, string(live))
	active, err := m.Store.Active()
	require.NoError(t, err)
	assert.Equal(t, testChangeSet.ID, active)

	logContent, err := ioutil.ReadFile(m.LogPath(testChangeSet.ID))
	require.NoError(t, err)
	assert.Contains(t, string(logContent), `"output":"writing index.html"`)
}

func TestDeployBuilderFailure(t *testing.T) {
	m, repo, notifier, _ := newTestManager(t, funcBuilder(func(ctx context.Context, bc builder.Context) (builder.Artifact, error) {
		return builder.Artifact{}, errors.New("npm ERR! missing script: build")
	}))

	err := m.Deploy(context.Background(), repo, testChangeSet, "push", false)
	require.Error(t, err)
	assert.True(t, kuduerr.Is(err, kuduerr.Builder))
	assert.Equal(t, kuduerr.ExitFailure, kuduerr.ExitCode(err))

	rec, err := m.Status(testChangeSet.ID)
	require.NoError(t, err)
	assert.Equal(t, Failed, rec.Status)
	assert.Equal(t, "npm ERR! missing script: build", rec.Error)
	assert.Equal(t, []Status{Pending, Building, Failed}, rec.Phases)
	assert.Equal(t, []string{hooks.BuildStart, hooks.DeployFailed}, notifier.kinds())

	_, err = os.Lstat(m.Env.WebRootPath)
	assert.True(t, os.IsNotExist(err), "nothing made live")
}

func TestDeployActivationFailure(t *testing.T) {
	m, repo, _, _ := newTestManager(t, funcBuilder(writeSite))
	// a directory where the live link should go can't be replaced
	require.NoError(t, os.MkdirAll(filepath.Join(m.Env.WebRootPath, "occupied"), 0755))

	err := m.Deploy(context.Background(), repo, testChangeSet, "push", false)
	assert.True(t, kuduerr.Is(err, kuduerr.Activation))
	rec, err := m.Status(testChangeSet.ID)
	require.NoError(t, err)
	assert.Equal(t, []Status{Pending, Building, Deploying, Failed}, rec.Phases)
}

func TestDeployResolverFailure(t *testing.T) {
	m, repo, _, _ := newTestManager(t, funcBuilder(writeSite))
	repo.updateErr = errors.New("reference is not a tree")

	err := m.Deploy(context.Background(), repo, testChangeSet, "push", false)
	assert.True(t, kuduerr.Is(err, kuduerr.Resolver))
	rec, err := m.Status(testChangeSet.ID)
	require.NoError(t, err)
	assert.Equal(t, Failed, rec.Status)
}

func TestDeployPanicLeavesFailed(t *testing.T) {
	m, repo, _, _ := newTestManager(t, funcBuilder(func(ctx context.Context, bc builder.Context) (builder.Artifact, error) {
		panic("builder blew up")
	}))

	err := m.Deploy(context.Background(), repo, testChangeSet, "push", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "builder blew up")
	rec, err := m.Status(testChangeSet.ID)
	require.NoError(t, err)
	assert.Equal(t, Failed, rec.Status)
}

func TestRedeployMakesNewAttempt(t *testing.T) {
	m, repo, _, _ := newTestManager(t, funcBuilder(writeSite))
	ctx := context.Background()
	require.NoError(t, m.Deploy(ctx, repo, testChangeSet, "push", false))
	require.NoError(t, m.Deploy(ctx, repo, testChangeSet, "redeploy", false))

	attempts, err := m.Store.Attempts(testChangeSet.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "push", attempts[0].Deployer)
	assert.Equal(t, "redeploy", attempts[1].Deployer)
	for _, a := range attempts {
		assert.Equal(t, Success, a.Status)
	}
}

func TestDeployResumesUnfinishedRecord(t *testing.T) {
	m, repo, _, _ := newTestManager(t, funcBuilder(writeSite))
	ctx := context.Background()
	// as left by a run that died while activating
	rec, err := m.Store.Begin(ctx, testChangeSet, "push")
	require.NoError(t, err)
	require.NoError(t, m.Store.Transition(ctx, rec, Building, nil))
	require.NoError(t, m.Store.Transition(ctx, rec, Deploying, nil))

	require.NoError(t, m.Deploy(ctx, repo, testChangeSet, "retry", false))
	attempts, err := m.Store.Attempts(testChangeSet.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, []Status{Pending, Building, Deploying, Success}, attempts[0].Phases)
}

func TestAutoSwapOnlyAfterSuccess(t *testing.T) {
	m, repo, _, _ := newTestManager(t, funcBuilder(writeSite))
	swapper := &recordingSwapper{err: errors.New("swap refused")}
	m.Swapper = swapper

	require.NoError(t, m.Deploy(context.Background(), repo, testChangeSet, "push", false), "swap failure is not a deployment failure")
	assert.Equal(t, []string{"req-1/" + testChangeSet.ID}, swapper.swapped)
	rec, err := m.Status(testChangeSet.ID)
	require.NoError(t, err)
	assert.Equal(t, Success, rec.Status)

	failing, repo2, _, _ := newTestManager(t, funcBuilder(func(ctx context.Context, bc builder.Context) (builder.Artifact, error) {
		return builder.Artifact{}, errors.New("no")
	}))
	swapper2 := &recordingSwapper{}
	failing.Swapper = swapper2
	assert.Error(t, failing.Deploy(context.Background(), repo2, testChangeSet, "push", false))
	assert.Empty(t, swapper2.swapped)
}

func TestDeployWithLoggedErrorsFails(t *testing.T) {
	m, repo, _, _ := newTestManager(t, funcBuilder(func(ctx context.Context, bc builder.Context) (builder.Artifact, error) {
		bc.Logger.Log("err", errors.New("optional step failed"))
		return writeSite(ctx, bc)
	}))
	swapper := &recordingSwapper{}
	m.Swapper = swapper

	err := m.Deploy(context.Background(), repo, testChangeSet, "push", false)
	require.Error(t, err)
	assert.Equal(t, kuduerr.ExitFailure, kuduerr.ExitCode(err))

	rec, err := m.Status(testChangeSet.ID)
	require.NoError(t, err)
	assert.Equal(t, Success, rec.Status, "the site went live regardless")
	assert.Len(t, swapper.swapped, 1)
}

func TestDeploymentLogTracksErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.json")
	l, err := OpenLog(path)
	require.NoError(t, err)
	l.Log("info", "fine")
	assert.False(t, l.HasErrors())
	l.Writer().Write([]byte("line one\nline two\n"))
	l.Log("err", errors.New("bad"))
	assert.True(t, l.HasErrors())
	require.NoError(t, l.Close())

	b, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	assert.Len(t, lines, 4)
	assert.Contains(t, string(b), `"output":"line two"`)
}
