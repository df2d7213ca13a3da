package builder

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxcd/kudu/pkg/settings"
)

type recordingExecutor struct {
	commands [][]string
	err      error
}

func (r *recordingExecutor) Run(ctx context.Context, dir string, env []string, name string, args ...string) error {
	r.commands = append(r.commands, append([]string{name}, args...))
	return r.err
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))
	}
}

func TestFactoryPicksBuilder(t *testing.T) {
	for _, c := range []struct {
		name     string
		files    map[string]string
		settings settings.Settings
		target   string
		expected string
	}{
		{"static fallback", map[string]string{"index.html": ""}, settings.Settings{}, "", Static},
		{"node", map[string]string{"package.json": "{}"}, settings.Settings{}, "", Node},
		{"python", map[string]string{"requirements.txt": ""}, settings.Settings{}, "", Python},
		{"php", map[string]string{"composer.json": "{}"}, settings.Settings{}, "", PHP},
		{"dotnet at root", map[string]string{"app.csproj": ""}, settings.Settings{}, "", DotNet},
		{"dotnet target", map[string]string{"package.json": "{}"}, settings.Settings{}, "src/app.sln", DotNet},
		{"command setting wins", map[string]string{"package.json": "{}"}, settings.Settings{Command: "make"}, "", Custom},
		{"deployment file", map[string]string{
			"package.json": "{}",
			DeploymentFile: "# build it\n[config]\ncommand = ./deploy.sh\n",
		}, settings.Settings{}, "", Custom},
		{"deployment file project", map[string]string{
			DeploymentFile: "[config]\nproject = web/web.csproj\n",
		}, settings.Settings{}, "", DotNet},
	} {
		t.Run(c.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFiles(t, dir, c.files)
			b, err := DefaultFactory{}.For(Context{
				SourcePath: dir,
				Settings:   c.settings,
				Target:     c.target,
			})
			require.NoError(t, err)
			assert.Equal(t, c.expected, b.Name())
		})
	}
}

func TestDeploymentFileOtherSectionsIgnored(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{DeploymentFile: "[other]\ncommand = nope\n"})
	values, err := readDeploymentFile(filepath.Join(dir, DeploymentFile))
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestDeploymentFileKeys(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{DeploymentFile: "; comment\n[CONFIG]\nCommand = bash deploy.sh --fast\nproject=web.csproj\n"})
	values, err := readDeploymentFile(filepath.Join(dir, DeploymentFile))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"command": "bash deploy.sh --fast", "project": "web.csproj"}, values)

	values, err = readDeploymentFile(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestStaticBuildCopiesSite(t *testing.T) {
	src, out := t.TempDir(), filepath.Join(t.TempDir(), "artifact")
	writeFiles(t, src, map[string]string{
		"index.html":      "hello",
		"css/site.css":    "body{}",
		".git/HEAD":       "ref: refs/heads/master",
		".git/refs/heads": "",
	})
	require.NoError(t, os.Symlink("index.html", filepath.Join(src, "default.html")))

	a, err := Build(context.Background(), StaticBuilder{}, Context{SourcePath: src, OutputPath: out, Exec: &recordingExecutor{}})
	require.NoError(t, err)
	assert.Equal(t, out, a.Path)
	assert.False(t, a.Packaged)

	b, err := ioutil.ReadFile(filepath.Join(out, "css", "site.css"))
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(b))
	_, err = os.Stat(filepath.Join(out, ".git"))
	assert.True(t, os.IsNotExist(err))
	link, err := os.Readlink(filepath.Join(out, "default.html"))
	require.NoError(t, err)
	assert.Equal(t, "index.html", link)
}

func TestBuildPackagesSquashFS(t *testing.T) {
	src, out := t.TempDir(), filepath.Join(t.TempDir(), "artifact")
	writeFiles(t, src, map[string]string{"index.html": "hello"})
	exec := &recordingExecutor{}

	a, err := Build(context.Background(), StaticBuilder{}, Context{
		SourcePath: src,
		OutputPath: out,
		Settings:   settings.Settings{PackageSquashFS: true},
		Exec:       exec,
	})
	require.NoError(t, err)
	assert.True(t, a.Packaged)
	assert.Equal(t, out+".squashfs", a.Path)
	assert.Equal(t, [][]string{{"mksquashfs", ".", out + ".squashfs", "-noappend"}}, exec.commands)
}

func TestCustomBuilderRunsCommand(t *testing.T) {
	src, out := t.TempDir(), filepath.Join(t.TempDir(), "artifact")
	var output bytes.Buffer
	exec := CommandExecutor{Output: &output, Timeout: time.Minute}
	b := CustomBuilder{Command: `echo built > "$DEPLOYMENT_TARGET/index.html" && echo done`}

	a, err := Build(context.Background(), b, Context{SourcePath: src, OutputPath: out, Exec: exec})
	require.NoError(t, err)
	content, err := ioutil.ReadFile(filepath.Join(a.Path, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "built\n", string(content))
	assert.Contains(t, output.String(), "done")
}

func TestCommandFailureCarriesOutput(t *testing.T) {
	exec := CommandExecutor{}
	err := exec.Run(context.Background(), t.TempDir(), nil, "/bin/sh", "-c", "echo npm ERR! missing script >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Contains(t, err.Error(), "npm ERR! missing script")
}

func TestToolBuilderRunsInOutput(t *testing.T) {
	src, out := t.TempDir(), filepath.Join(t.TempDir(), "artifact")
	writeFiles(t, src, map[string]string{"package.json": "{}"})
	exec := &recordingExecutor{}
	_, err := Build(context.Background(), NewNodeBuilder(), Context{SourcePath: src, OutputPath: out, Exec: exec})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"npm", "install", "--production"}}, exec.commands)
	_, err = os.Stat(filepath.Join(out, "package.json"))
	assert.NoError(t, err)
}
