package engine

import "context"

// Stub is the no-op manager client. Every method returns the zero value and a
// nil error regardless of input or context state. The zero value is ready to
// use and safe for concurrent callers.
type Stub struct{}

var _ Interface = Stub{}

// NewStub returns a no-op manager client.
func NewStub() Stub { return Stub{} }

// EngineVersion reports revision 0.
func (Stub) EngineVersion(context.Context) (int, error) { return 0, nil }

// LibPathByVersion reports no library path for any version.
func (Stub) LibPathByVersion(context.Context, string) (string, error) { return "", nil }

// InstallVersion never starts an install and reports false.
func (Stub) InstallVersion(context.Context, string) (bool, error) { return false, nil }

// LibraryList reports no library list for any version.
func (Stub) LibraryList(context.Context, string) (string, error) { return "", nil }
