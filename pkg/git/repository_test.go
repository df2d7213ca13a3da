package git

import (
	"context"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kuduerr "github.com/fluxcd/kudu/pkg/errors"
)

const testHook = "#!/bin/sh\necho deploying\n"

var backends = map[string]func(Config) Repository{
	"exe":     func(c Config) Repository { return NewExeRepository(c) },
	"library": func(c Config) Repository { return NewLibRepository(c) },
}

// forEachBackend runs the test against both implementations, since
// they must behave the same.
func forEachBackend(t *testing.T, test func(t *testing.T, newRepo func(Config) Repository)) {
	for name, newRepo := range backends {
		newRepo := newRepo
		t.Run(name, func(t *testing.T) { test(t, newRepo) })
	}
}

func execCommand(cmd string, args ...string) error {
	c := exec.Command(cmd, args...)
	c.Stderr = ioutil.Discard
	c.Stdout = ioutil.Discard
	return c.Run()
}

// createUpstream makes a repository with a master branch and one
// commit, to fetch from.
func createUpstream(t *testing.T) string {
	dir := filepath.Join(t.TempDir(), "upstream")
	for _, args := range [][]string{
		{"init", dir},
		{"-C", dir, "symbolic-ref", "HEAD", "refs/heads/master"},
		{"-C", dir, "config", "--local", "user.email", "example@example.com"},
		{"-C", dir, "config", "--local", "user.name", "example"},
	} {
		require.NoError(t, execCommand("git", args...))
	}
	commitFile(t, dir, "index.html", "<h1>hello</h1>", "Initial revision")
	return dir
}

func commitFile(t *testing.T, dir, file, content, message string) {
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, file), []byte(content), 0644))
	require.NoError(t, execCommand("git", "-C", dir, "add", "--all"))
	require.NoError(t, execCommand("git", "-C", dir, "commit", "-m", message))
}

func head(t *testing.T, dir string) string {
	id, err := refRevision(context.Background(), dir, "HEAD")
	require.NoError(t, err)
	return id
}

func TestInitialize(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newRepo func(Config) Repository) {
		path := filepath.Join(t.TempDir(), "repository")
		repo := newRepo(Config{Path: path, PostReceiveHook: testHook})
		ctx := context.Background()

		require.NoError(t, repo.Initialize(ctx))
		require.NoError(t, repo.Initialize(ctx), "initialize is idempotent")

		hook, err := ioutil.ReadFile(filepath.Join(path, ".git", "hooks", postReceiveHook))
		require.NoError(t, err)
		assert.Equal(t, testHook, string(hook))
		info, err := os.Stat(filepath.Join(path, ".git", "hooks", postReceiveHook))
		require.NoError(t, err)
		assert.NotZero(t, info.Mode()&0100, "hook must be executable")
	})
}

func TestInitializeSkipsHookForWorker(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newRepo func(Config) Repository) {
		path := filepath.Join(t.TempDir(), "repository")
		repo := newRepo(Config{Path: path, PostReceiveHook: testHook, SkipPostReceiveHookCheck: true})
		require.NoError(t, repo.Initialize(context.Background()))
		_, err := os.Stat(filepath.Join(path, ".git", "hooks", postReceiveHook))
		assert.True(t, os.IsNotExist(err))
	})
}

func TestFetchCreatesLocalBranch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newRepo func(Config) Repository) {
		upstream := createUpstream(t)
		repo := newRepo(Config{Path: filepath.Join(t.TempDir(), "repository"), SkipPostReceiveHookCheck: true})
		ctx := context.Background()
		require.NoError(t, repo.Initialize(ctx))

		require.NoError(t, repo.FetchWithoutConflict(ctx, upstream, "master"))
		cs, err := repo.GetChangeSet(ctx, "master")
		require.NoError(t, err)
		assert.Equal(t, head(t, upstream), cs.ID)
		assert.Equal(t, "example", cs.AuthorName)
		assert.Equal(t, "example@example.com", cs.AuthorEmail)
		assert.Equal(t, "Initial revision", cs.Message)
		assert.False(t, cs.Timestamp.IsZero())

		// the same changeset by id
		byID, err := repo.GetChangeSet(ctx, cs.ID)
		require.NoError(t, err)
		assert.Equal(t, cs.ID, byID.ID)
	})
}

func TestFetchTwiceIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newRepo func(Config) Repository) {
		upstream := createUpstream(t)
		repo := newRepo(Config{Path: filepath.Join(t.TempDir(), "repository"), SkipPostReceiveHookCheck: true})
		ctx := context.Background()
		require.NoError(t, repo.Initialize(ctx))

		require.NoError(t, repo.FetchWithoutConflict(ctx, upstream, "master"))
		first, err := repo.GetChangeSet(ctx, "master")
		require.NoError(t, err)
		require.NoError(t, repo.FetchWithoutConflict(ctx, upstream, "master"))
		second, err := repo.GetChangeSet(ctx, "master")
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}

func TestFetchNeverMovesLocalBranch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newRepo func(Config) Repository) {
		upstream := createUpstream(t)
		repo := newRepo(Config{Path: filepath.Join(t.TempDir(), "repository"), SkipPostReceiveHookCheck: true})
		ctx := context.Background()
		require.NoError(t, repo.Initialize(ctx))
		require.NoError(t, repo.FetchWithoutConflict(ctx, upstream, "master"))
		before := head(t, upstream)

		commitFile(t, upstream, "index.html", "<h1>changed</h1>", "Second revision")
		after := head(t, upstream)
		require.NotEqual(t, before, after)

		require.NoError(t, repo.FetchWithoutConflict(ctx, upstream, "master"))
		local, err := repo.GetChangeSet(ctx, "master")
		require.NoError(t, err)
		assert.Equal(t, before, local.ID, "local branch must not move")

		staged, err := repo.GetChangeSet(ctx, ExternalRefPrefix+"master")
		require.NoError(t, err)
		assert.Equal(t, after, staged.ID)
	})
}

func TestUpdateAndClean(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newRepo func(Config) Repository) {
		upstream := createUpstream(t)
		path := filepath.Join(t.TempDir(), "repository")
		repo := newRepo(Config{Path: path, SkipPostReceiveHookCheck: true})
		ctx := context.Background()
		require.NoError(t, repo.Initialize(ctx))
		require.NoError(t, repo.FetchWithoutConflict(ctx, upstream, "master"))
		cs, err := repo.GetChangeSet(ctx, "master")
		require.NoError(t, err)

		require.NoError(t, repo.Update(ctx, cs.ID))
		content, err := ioutil.ReadFile(filepath.Join(path, "index.html"))
		require.NoError(t, err)
		assert.Equal(t, "<h1>hello</h1>", string(content))

		stray := filepath.Join(path, "stray.txt")
		require.NoError(t, ioutil.WriteFile(stray, []byte("x"), 0644))
		require.NoError(t, repo.Clean(ctx))
		_, err = os.Stat(stray)
		assert.True(t, os.IsNotExist(err))
	})
}

func TestGetChangeSetMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newRepo func(Config) Repository) {
		repo := newRepo(Config{Path: filepath.Join(t.TempDir(), "repository"), SkipPostReceiveHookCheck: true})
		ctx := context.Background()
		require.NoError(t, repo.Initialize(ctx))
		_, err := repo.GetChangeSet(ctx, "master")
		assert.True(t, kuduerr.Is(err, kuduerr.Resolver))
	})
}

func TestFetchFromMissingRemote(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newRepo func(Config) Repository) {
		repo := newRepo(Config{Path: filepath.Join(t.TempDir(), "repository"), SkipPostReceiveHookCheck: true})
		ctx := context.Background()
		require.NoError(t, repo.Initialize(ctx))
		err := repo.FetchWithoutConflict(ctx, filepath.Join(t.TempDir(), "nothing-here"), "master")
		assert.True(t, kuduerr.Is(err, kuduerr.Resolver))
	})
}

func TestParseChangeSet(t *testing.T) {
	cs, err := parseChangeSet("abc\x00Jo\x00jo@example.com\x002020-01-02T03:04:05+00:00\x00Fix it\n\nDetails\n")
	require.NoError(t, err)
	assert.Equal(t, "abc", cs.ID)
	assert.Equal(t, "Jo <jo@example.com>", cs.Author())
	assert.Equal(t, "Fix it\n\nDetails", cs.Message)

	_, err = parseChangeSet("garbage")
	assert.Error(t, err)
}
