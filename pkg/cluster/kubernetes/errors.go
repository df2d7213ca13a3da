package kubernetes

import (
	"fmt"

	kuduerr "github.com/fluxcd/kudu/pkg/errors"
)

func ObjectMissingError(obj string, err error) *kuduerr.Error {
	return &kuduerr.Error{
		Type: kuduerr.Dispatch,
		Err:  err,
		Help: fmt.Sprintf(`Cluster object %q not found

The object requested was not found in the cluster. Check spelling and
perhaps verify its presence using kubectl.
`, obj)}
}

func MissingKeyError(obj, key string) *kuduerr.Error {
	return &kuduerr.Error{
		Type: kuduerr.Dispatch,
		Err:  fmt.Errorf("%s has no value for %q", obj, key),
		Help: fmt.Sprintf(`Cluster object %q is missing the key %q

The build worker cannot be configured without it. Add the key to the
object, for example using kubectl edit.
`, obj, key),
	}
}
