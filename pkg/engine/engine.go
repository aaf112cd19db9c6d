// Package engine defines the client contract of the OpenCV engine manager,
// the external service that reports its engine version, resolves native
// library paths per OpenCV version, installs versions on request and lists
// the libraries shipped with a version.
//
// The package ships no transport. AsInterface never yields a client and Stub
// answers every call with the zero value, so dependent code can be built and
// exercised against the contract without a manager present.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrRemoteCall is the failure a manager client reports when a call to the
// remote service does not complete.
var ErrRemoteCall = errors.New("engine manager: remote call failed")

// RemoteError records which operation failed. It matches ErrRemoteCall under
// errors.Is.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, ErrRemoteCall)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrRemoteCall, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Is reports ErrRemoteCall as a match.
func (e *RemoteError) Is(target error) bool { return target == ErrRemoteCall }

// Interface is the engine manager client contract. Version identifiers are
// opaque strings. An empty string result means the manager has no value for
// the request.
type Interface interface {
	// EngineVersion returns the revision of the manager service.
	EngineVersion(ctx context.Context) (int, error)
	// LibPathByVersion returns the directory holding the native libraries of
	// version, or "" when the version is not installed.
	LibPathByVersion(ctx context.Context, version string) (string, error)
	// InstallVersion asks the manager to install version and reports whether
	// it did.
	InstallVersion(ctx context.Context, version string) (bool, error)
	// LibraryList returns the ";"-separated library file names of version,
	// or "" when the manager has none.
	LibraryList(ctx context.Context, version string) (string, error)
}

// Handle is an opaque handle to a communication channel with the manager
// process. A nil Handle is valid.
type Handle interface {
	Descriptor() string
}

// AsInterface turns a channel handle into a manager client. No transport is
// bound in this package, so the result is always nil.
func AsInterface(Handle) Interface {
	return nil
}
