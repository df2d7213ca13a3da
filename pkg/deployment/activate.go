package deployment

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fluxcd/kudu/pkg/builder"
	"github.com/fluxcd/kudu/pkg/env"
	"github.com/fluxcd/kudu/pkg/fileutil"
)

// ArtifactDir is where the output of a build goes, under the
// changeset's directory. Each attempt gets its own, so rebuilding the
// live changeset never touches what's being served.
func ArtifactDir(e env.Environment, id string, attempt int) string {
	return filepath.Join(e.DeploymentPath(id), "artifact", fmt.Sprintf("%04d", attempt))
}

// Activator makes a built artifact the live site.
type Activator interface {
	Activate(id string, artifact builder.Artifact) error
}

// LinkActivator points the site's live link at the artifact, and
// records which deployment is active.
type LinkActivator struct {
	Env env.Environment
}

func (a LinkActivator) Activate(id string, artifact builder.Artifact) error {
	if _, err := os.Stat(artifact.Path); err != nil {
		return err
	}
	if err := fileutil.SwapSymlink(artifact.Path, a.Env.WebRootPath); err != nil {
		return err
	}
	return fileutil.WriteFile(filepath.Join(a.Env.DeploymentsPath, ActiveFile), []byte(id+"\n"))
}
