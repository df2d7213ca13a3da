// Package builder turns the contents of a site repository into
// something that can be made live. Which builder is used depends on
// what's in the repository.
package builder

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/fluxcd/kudu/pkg/settings"
)

// Context is everything a builder gets to know about a build.
type Context struct {
	// SourcePath is the working tree to build from.
	SourcePath string
	// OutputPath is the directory the built site goes in. It's empty
	// when the build starts.
	OutputPath string
	// Target is the build target the deployment was started with.
	Target   string
	ID       string
	Settings settings.Settings
	// Exec runs the commands the build needs.
	Exec Executor
	// Output gets the output of commands run for the build.
	Output io.Writer
	Logger log.Logger
}

// Artifact is the result of a build.
type Artifact struct {
	Path string
	// Packaged is true when Path is a squashfs image rather than a
	// directory.
	Packaged bool
}

type Builder interface {
	Name() string
	Build(ctx context.Context, bc Context) (Artifact, error)
}

// Factory picks the builder for a build.
type Factory interface {
	For(bc Context) (Builder, error)
}

// Named builders, also used as the metric label.
const (
	Custom = "custom"
	Node   = "node"
	Python = "python"
	PHP    = "php"
	DotNet = "dotnet"
	Static = "static"
)

// Build runs the builder, then packages the output if the settings
// ask for it.
func Build(ctx context.Context, b Builder, bc Context) (Artifact, error) {
	if err := os.MkdirAll(bc.OutputPath, 0755); err != nil {
		return Artifact{}, errors.Wrap(err, "creating output directory")
	}
	artifact, err := b.Build(ctx, bc)
	if err != nil {
		return artifact, err
	}
	if bc.Settings.PackageSquashFS && !artifact.Packaged {
		return packageSquashFS(ctx, bc.Exec, artifact.Path, bc.OutputPath+".squashfs")
	}
	return artifact, nil
}

// packageSquashFS packs the directory given into a squashfs image.
func packageSquashFS(ctx context.Context, exec Executor, dir, file string) (Artifact, error) {
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return Artifact{}, err
	}
	if err := exec.Run(ctx, dir, nil, "mksquashfs", ".", file, "-noappend"); err != nil {
		return Artifact{}, errors.Wrap(err, "packaging artifact")
	}
	return Artifact{Path: file, Packaged: true}, nil
}
