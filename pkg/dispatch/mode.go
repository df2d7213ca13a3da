// Package dispatch decides where a deployment is built, and starts it
// there: in this process against the site repository, in this process
// against a repository fetched from elsewhere (as a build worker), or
// in a worker pod submitted to the cluster.
package dispatch

import (
	"strings"
)

type Mode string

const (
	// Direct builds the site repository in this process.
	Direct Mode = "direct"
	// Delegate submits a worker pod to do the build.
	Delegate Mode = "delegate"
	// Worker is a delegated build: it fetches the repository it is
	// given and builds that.
	Worker Mode = "worker"
)

// Process environment variables read by the dispatcher.
const (
	UseBuildJobVar     = "KUDU_USE_BUILD_JOB"
	IsBuildJobVar      = "KUDU_IS_BUILD_JOB"
	NamespaceVar       = "POD_NAMESPACE"
	WorkloadVar        = "POD_DEPLOYMENT_NAME"
	CustomConfigMapVar = "KUDU_CUSTOM_CONFIGMAP"
	VerifyImageVar     = "KUDU_VERIFY_BUILD_JOB_IMAGE"
	DisableOnPushVar   = "SCM_DISABLE_DEPLOY_ON_PUSH"
)

// DetectMode works out the mode from the environment. A worker pod
// gets the workload's config map in its environment, so it may see
// the delegate flag as well; being a worker wins.
func DetectMode(getenv func(string) string) Mode {
	switch {
	case isTrue(getenv(IsBuildJobVar)):
		return Worker
	case isTrue(getenv(UseBuildJobVar)):
		return Delegate
	default:
		return Direct
	}
}

// DeployOnPushDisabled is true if pushes shouldn't trigger anything.
func DeployOnPushDisabled(getenv func(string) string) bool {
	return strings.TrimSpace(getenv(DisableOnPushVar)) == "1"
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
