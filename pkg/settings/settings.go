// Package settings holds the per-site deployment settings. They come
// from an optional YAML file in the deployments directory, overlaid
// with app settings from the process environment, on top of defaults.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	"github.com/imdario/mergo"
	"github.com/pkg/errors"
)

const (
	FileName = "settings.yaml"

	TraceOff     = "off"
	TraceError   = "error"
	TraceInfo    = "info"
	TraceVerbose = "verbose"
)

// Duration is a time.Duration that can be written either as a Go
// duration string ("90s") or as a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
	case string:
		parsed, err := parseDuration(val)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return errors.Errorf("invalid duration %s", string(b))
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

type Settings struct {
	Branch         string `json:"branch"`
	RepositoryPath string `json:"repository_path"`
	TraceLevel     string `json:"trace_level"`
	// UseLibraryGit selects the in-process git implementation rather
	// than running the git executable.
	UseLibraryGit bool `json:"use_library_git"`
	// Command, if set, is run to build the site instead of the
	// builder picked from the repository contents.
	Command         string   `json:"command"`
	Project         string   `json:"project"`
	PackageSquashFS bool     `json:"package_squashfs"`
	CommandTimeout  Duration `json:"command_timeout"`

	SwapSlot string `json:"swap_slot"`
	SwapURL  string `json:"swap_url"`

	HookTimeout Duration `json:"hook_timeout"`

	// BuildJobBranch is the branch a delegated build worker fetches.
	BuildJobBranch    string `json:"build_job_branch"`
	SkipSSLValidation bool   `json:"skip_ssl_validation"`
}

// Defaults are used for anything the settings file and environment
// leave unset.
func Defaults() Settings {
	return Settings{
		Branch:         "master",
		RepositoryPath: "repository",
		TraceLevel:     TraceInfo,
		CommandTimeout: Duration(60 * time.Minute),
		HookTimeout:    Duration(10 * time.Second),
		BuildJobBranch: "master",
	}
}

// AutoSwapEnabled reports whether a successful deployment should be
// swapped into another slot.
func (s Settings) AutoSwapEnabled() bool {
	return s.SwapSlot != ""
}

func (s Settings) Tracing() bool {
	return s.TraceLevel != TraceOff
}

// envVars maps settings onto the app settings that override them.
// Each may also be given with the APPSETTING_ prefix the platform
// uses for user-defined settings.
var envVars = map[string]string{
	"branch":              "DEPLOYMENT_BRANCH",
	"repository_path":     "SCM_REPOSITORY_PATH",
	"trace_level":         "SCM_TRACE_LEVEL",
	"use_library_git":     "SCM_USE_LIBGIT",
	"command":             "COMMAND",
	"project":             "PROJECT",
	"package_squashfs":    "SCM_PACKAGE_SQUASHFS",
	"command_timeout":     "SCM_COMMAND_IDLE_TIMEOUT",
	"swap_slot":           "WEBSITE_SWAP_SLOTNAME",
	"swap_url":            "WEBSITE_SWAP_URL",
	"hook_timeout":        "SCM_HOOK_TIMEOUT",
	"build_job_branch":    "KUDU_BUILD_JOB_BRANCH",
	"skip_ssl_validation": "SCM_SKIP_SSL_VALIDATION",
}

var boolSettings = map[string]bool{
	"use_library_git":     true,
	"package_squashfs":    true,
	"skip_ssl_validation": true,
}

// Load reads the settings file in dir, if there is one, and applies
// overrides from getenv.
func Load(dir string, getenv func(string) string) (Settings, error) {
	var s Settings
	path := filepath.Join(dir, FileName)
	bytes, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return s, errors.Wrapf(err, "reading %s", path)
	default:
		if err := yaml.Unmarshal(bytes, &s); err != nil {
			return s, errors.Wrapf(err, "parsing %s", path)
		}
	}

	if err := applyEnv(&s, getenv); err != nil {
		return s, err
	}
	if err := mergo.Merge(&s, Defaults()); err != nil {
		return s, errors.Wrap(err, "applying default settings")
	}
	return s, nil
}

func applyEnv(s *Settings, getenv func(string) string) error {
	overrides := map[string]interface{}{}
	for key, name := range envVars {
		val := getenv(name)
		if val == "" {
			val = getenv("APPSETTING_" + name)
		}
		if val == "" {
			continue
		}
		if boolSettings[key] {
			overrides[key] = isTrue(val)
			continue
		}
		overrides[key] = val
	}
	if len(overrides) == 0 {
		return nil
	}
	// Round-trip through JSON, so the overrides are decoded by the
	// same rules as the file.
	bytes, err := json.Marshal(overrides)
	if err != nil {
		return err
	}
	return errors.Wrap(json.Unmarshal(bytes, s), "applying settings from environment")
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
