package git

import (
	"fmt"

	kuduerr "github.com/fluxcd/kudu/pkg/errors"
)

func NoChangeSetError(ref string, actual error) error {
	return &kuduerr.Error{
		Type: kuduerr.Resolver,
		Err:  fmt.Errorf("cannot resolve %q to a changeset: %v", ref, actual),
		Help: `Could not find the changeset to deploy

The branch or commit

    ` + ref + `

does not exist in the site repository. If you deploy by pushing, check
that you pushed the branch the site deploys from (the "branch"
setting, master by default).
`,
	}
}

func FetchError(remote Remote, actual error) error {
	return &kuduerr.Error{
		Type: kuduerr.Resolver,
		Err:  actual,
		Help: `Could not fetch from the git repository

There was a problem fetching from

    ` + remote.SafeURL() + `

This may be because the credentials for the repository are wrong, or
because the repository has been moved, deleted, or never existed.
`,
	}
}
