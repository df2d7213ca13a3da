package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Representation of errors surfaced by a deployment run. These are
// divided into a small number of kinds, essentially distinguished by
// which stage of the run failed, because that decides both the exit
// code and whether a status record has to be marked failed.
type Error struct {
	Type Type
	// a message that can be printed out for the operator
	Help string `json:"help"`
	// the underlying error that can be e.g., logged for developers to look at
	Err error
	// Lock names the lock that timed out, for LockTimeout errors
	Lock string
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Type)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Cause lets github.com/pkg/errors.Cause walk through to the
// underlying error.
func (e *Error) Cause() error {
	return e.Err
}

type Type string

const (
	// Something went wrong that isn't covered by a more specific kind
	Server Type = "server"
	// Could not become the exclusive operator on a lock in the time allowed
	LockTimeout Type = "lock-timeout"
	// Repository fetch or changeset resolution failed
	Resolver Type = "resolver"
	// The site builder failed to produce an artifact
	Builder Type = "builder"
	// The built artifact could not be made live
	Activation Type = "activation"
	// Delegating the build to a cluster worker failed
	Dispatch Type = "dispatch"
	// A webhook could not be delivered; never fatal
	HookDelivery Type = "hook-delivery"
)

// KindOf reports the Type of the first *Error found in err's chain,
// or Server if there isn't one.
func KindOf(err error) Type {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return Server
}

func Is(err error, t Type) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == t
}

func IsLockTimeout(err error) bool {
	return Is(err, LockTimeout)
}

// DeploymentLock is the name of the lock held for a whole deployment.
const DeploymentLock = "deployment"

// IsDeploymentLockTimeout is true if err is a timeout on the
// deployment lock, meaning another deployment is in progress. Timeouts
// on the other locks are ordinary failures.
func IsDeploymentLockTimeout(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == LockTimeout && e.Lock == DeploymentLock
}

// Exit codes returned by the process.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitLockTimeout = -1
)

// ExitCode maps an error from a run onto the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case IsDeploymentLockTimeout(err):
		return ExitLockTimeout
	default:
		return ExitFailure
	}
}

func (e *Error) MarshalJSON() ([]byte, error) {
	var errMsg string
	if e.Err != nil {
		errMsg = e.Err.Error()
	}
	jsonable := &struct {
		Type string `json:"type"`
		Help string `json:"help"`
		Err  string `json:"error,omitempty"`
	}{
		Type: string(e.Type),
		Help: e.Help,
		Err:  errMsg,
	}
	return json.Marshal(jsonable)
}

func LockTimeoutError(name, operation string) *Error {
	return &Error{
		Type: LockTimeout,
		Lock: name,
		Err:  fmt.Errorf("could not acquire %s lock for %q", name, operation),
		Help: `Another operation is in progress

The ` + name + ` lock is held by another process, so this operation did
not start. A deployment that is already running will pick up the
latest commit when it finishes; otherwise, wait for it to complete and
try again.
`,
	}
}

func ResolverError(err error) *Error {
	return &Error{
		Type: Resolver,
		Err:  err,
		Help: `Could not resolve the changeset to deploy

There was a problem reading or fetching the site repository. Check that
the branch being deployed exists, and that the repository URL and its
credentials are valid.
`,
	}
}

func BuilderError(err error) *Error {
	return &Error{
		Type: Builder,
		Err:  err,
		Help: `Build failed

The site builder exited with an error; its output is in the deployment
log. Fix the build and push again.
`,
	}
}

func ActivationError(err error) *Error {
	return &Error{
		Type: Activation,
		Err:  err,
		Help: `Could not activate the build

The build succeeded, but the artifact could not be made the live site.
The previous deployment is still live.
`,
	}
}

func DispatchError(err error) *Error {
	return &Error{
		Type: Dispatch,
		Err:  err,
		Help: `Could not start a build worker

The build was to be delegated to a worker pod in the cluster, but the
information needed to create it could not be resolved, or the pod could
not be created. No build was attempted.
`,
	}
}

func HookDeliveryError(url string, err error) *Error {
	return &Error{
		Type: HookDelivery,
		Err:  fmt.Errorf("delivering webhook to %s: %v", url, err),
	}
}
