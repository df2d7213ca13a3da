package builder

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// DeploymentFile is the optional file at the root of a repository
// that can name a custom command or a project to build.
const DeploymentFile = ".deployment"

// DefaultFactory picks a builder from the settings and what the
// repository contains, in this order: a custom command, a .NET
// project named by settings or target, then a Node, Python or PHP
// project, then a .NET project found at the root. Anything else is
// served as static files.
type DefaultFactory struct{}

func (f DefaultFactory) For(bc Context) (Builder, error) {
	file, err := readDeploymentFile(filepath.Join(bc.SourcePath, DeploymentFile))
	if err != nil {
		return nil, err
	}
	command := bc.Settings.Command
	if command == "" {
		command = file["command"]
	}
	if command != "" {
		return CustomBuilder{Command: command}, nil
	}

	project := bc.Settings.Project
	if project == "" {
		project = file["project"]
	}
	if project == "" && isDotNetProject(bc.Target) {
		project = bc.Target
	}
	if project != "" {
		return DotNetBuilder{Project: project}, nil
	}

	switch {
	case exists(bc.SourcePath, "package.json"):
		return NewNodeBuilder(), nil
	case exists(bc.SourcePath, "requirements.txt"):
		return NewPythonBuilder(), nil
	case exists(bc.SourcePath, "composer.json"):
		return NewPHPBuilder(), nil
	}
	if matches, _ := filepath.Glob(filepath.Join(bc.SourcePath, "*.csproj")); len(matches) == 1 {
		return DotNetBuilder{Project: matches[0]}, nil
	}
	return StaticBuilder{}, nil
}

func isDotNetProject(target string) bool {
	ext := strings.ToLower(filepath.Ext(target))
	return ext == ".csproj" || ext == ".sln"
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

// readDeploymentFile reads the keys in the [config] section of a
// .deployment file, lower-cased. A missing file has no keys.
func readDeploymentFile(path string) (map[string]string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	f, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", DeploymentFile)
	}
	return f.Section("config").KeysHash(), nil
}
