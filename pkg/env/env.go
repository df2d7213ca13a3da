// Package env describes where a site lives on disk and who is asking
// for it to be deployed. An Environment is worked out once, when the
// process starts, and handed to every component; nothing changes it
// afterwards, and nothing reads the process environment behind its
// back.
package env

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	RepositoryDir   = "repository"
	DeploymentsDir  = "deployments"
	LocksDir        = "locks"
	LiveSiteLink    = "current"
	TraceDir        = "logfiles"
	ScriptsDir      = "scripts"
	DeploymentTrace = "deployment"

	// appsRoot is where sites are laid out on the hosting platform;
	// the app name is the path below it.
	appsRoot = "/home/apps/"
)

// Process environment variables read when building an Environment.
const (
	RequestIDVar = "X_MS_REQUEST_ID"
	BinPathVar   = "SCM_BIN_PATH"
	AppNameVar   = "KUDU_APP_NAME"
	BaseURLVar   = "KUDU_APP_BASE_URL"
)

type Environment struct {
	// RootPath is the app's directory; the site root is inside it.
	RootPath        string
	SiteRootPath    string
	RepositoryPath  string
	DeploymentsPath string
	LockPath        string
	TracePath       string
	// WebRootPath is the symlink pointing at the live artifact.
	WebRootPath string
	ScriptPath  string
	BinPath     string

	RequestID        string
	AppName          string
	AppBaseURLPrefix string
}

// New builds an Environment for the site rooted at siteRoot, taking
// any overrides from getenv. Passing os.Getenv is the usual thing;
// tests pass a map lookup.
func New(siteRoot string, getenv func(string) string) (Environment, error) {
	siteRoot, err := filepath.Abs(siteRoot)
	if err != nil {
		return Environment{}, err
	}
	root := filepath.Dir(siteRoot)

	appName := getenv(AppNameVar)
	if appName == "" {
		appName = strings.TrimPrefix(root, appsRoot)
		if appName == root {
			appName = filepath.Base(root)
		}
	}

	binPath := getenv(BinPathVar)
	if strings.TrimSpace(binPath) == "" {
		if exe, err := os.Executable(); err == nil {
			binPath = filepath.Dir(exe)
		}
	}

	return Environment{
		RootPath:         root,
		SiteRootPath:     siteRoot,
		RepositoryPath:   filepath.Join(siteRoot, RepositoryDir),
		DeploymentsPath:  filepath.Join(siteRoot, DeploymentsDir),
		LockPath:         filepath.Join(siteRoot, LocksDir),
		TracePath:        filepath.Join(siteRoot, TraceDir),
		WebRootPath:      filepath.Join(siteRoot, LiveSiteLink),
		ScriptPath:       filepath.Join(binPath, ScriptsDir),
		BinPath:          binPath,
		RequestID:        getenv(RequestIDVar),
		AppName:          appName,
		AppBaseURLPrefix: strings.TrimSuffix(getenv(BaseURLVar), "/"),
	}, nil
}

// WithRepositoryPath returns a copy of the environment with the
// repository somewhere else, relative paths being taken from the site
// root. The settings file may move the repository.
func (e Environment) WithRepositoryPath(p string) Environment {
	if p == "" {
		return e
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.SiteRootPath, p)
	}
	e.RepositoryPath = p
	return e
}

// DeploymentPath is the directory holding everything recorded about
// one changeset.
func (e Environment) DeploymentPath(id string) string {
	return filepath.Join(e.DeploymentsPath, id)
}

func (e Environment) LockFile(name string) string {
	return filepath.Join(e.LockPath, name+".lock")
}

// DeploymentLogURL is where an operator can read the log for the
// changeset given. Without a base URL, it's the path on disk.
func (e Environment) DeploymentLogURL(id string, logPath string) string {
	if e.AppBaseURLPrefix == "" {
		return logPath
	}
	return e.AppBaseURLPrefix + "/newui/jsonviewer?view_url=/api/deployments/" + id + "/log"
}

// EnsureDirs creates the directories kudu writes into.
func (e Environment) EnsureDirs() error {
	for _, dir := range []string{e.DeploymentsPath, e.LockPath, e.TracePath} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
