package builder

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// CustomBuilder runs the command the site's settings or .deployment
// file names. The command is expected to leave the site in
// DEPLOYMENT_TARGET.
type CustomBuilder struct {
	Command string
}

func (b CustomBuilder) Name() string { return Custom }

func (b CustomBuilder) Build(ctx context.Context, bc Context) (Artifact, error) {
	env := []string{
		"DEPLOYMENT_SOURCE=" + bc.SourcePath,
		"DEPLOYMENT_TARGET=" + bc.OutputPath,
		"DEPLOYMENT_ID=" + bc.ID,
		"BUILD_TARGET=" + bc.Target,
	}
	if err := bc.Exec.Run(ctx, bc.SourcePath, env, "/bin/sh", "-c", b.Command); err != nil {
		return Artifact{}, err
	}
	return Artifact{Path: bc.OutputPath}, nil
}

// StaticBuilder copies the site as it is.
type StaticBuilder struct{}

func (StaticBuilder) Name() string { return Static }

func (StaticBuilder) Build(ctx context.Context, bc Context) (Artifact, error) {
	if err := copyTree(bc.SourcePath, bc.OutputPath); err != nil {
		return Artifact{}, errors.Wrap(err, "copying site")
	}
	return Artifact{Path: bc.OutputPath}, nil
}

// toolBuilder copies the site, then runs a package tool over the copy.
type toolBuilder struct {
	name string
	// command returns the command to run in the output directory.
	command func(bc Context) []string
}

func (b toolBuilder) Name() string { return b.name }

func (b toolBuilder) Build(ctx context.Context, bc Context) (Artifact, error) {
	if err := copyTree(bc.SourcePath, bc.OutputPath); err != nil {
		return Artifact{}, errors.Wrap(err, "copying site")
	}
	cmd := b.command(bc)
	if err := bc.Exec.Run(ctx, bc.OutputPath, nil, cmd[0], cmd[1:]...); err != nil {
		return Artifact{}, err
	}
	return Artifact{Path: bc.OutputPath}, nil
}

func NewNodeBuilder() Builder {
	return toolBuilder{name: Node, command: func(Context) []string {
		return []string{"npm", "install", "--production"}
	}}
}

func NewPythonBuilder() Builder {
	return toolBuilder{name: Python, command: func(bc Context) []string {
		return []string{"python3", "-m", "pip", "install", "-r", "requirements.txt",
			"--target", filepath.Join(bc.OutputPath, "site-packages")}
	}}
}

func NewPHPBuilder() Builder {
	return toolBuilder{name: PHP, command: func(Context) []string {
		return []string{"composer", "install", "--no-dev", "--no-interaction"}
	}}
}

// DotNetBuilder publishes a project into the output directory.
type DotNetBuilder struct {
	Project string
}

func (b DotNetBuilder) Name() string { return DotNet }

func (b DotNetBuilder) Build(ctx context.Context, bc Context) (Artifact, error) {
	project := b.Project
	if !filepath.IsAbs(project) {
		project = filepath.Join(bc.SourcePath, project)
	}
	if _, err := os.Stat(project); err != nil {
		return Artifact{}, errors.Wrap(err, "finding project")
	}
	err := bc.Exec.Run(ctx, bc.SourcePath, nil, "dotnet", "publish", project,
		"--configuration", "Release", "--output", bc.OutputPath)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Path: bc.OutputPath}, nil
}
