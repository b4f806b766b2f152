// Package remote keeps the local graph consistent with the backend: it
// applies user edits optimistically, sends them over REST, rolls them back
// when the backend rejects them, and applies updates pushed over the live
// feed.
package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrRemoteWrite marks a failed remote write whose optimistic local
	// edit was rolled back.
	ErrRemoteWrite = errors.New("remote write failed")
	// ErrStreamDisconnect indicates the live feed connection dropped.
	ErrStreamDisconnect = errors.New("feed disconnected")
	// ErrGatewayClosed is returned for edits submitted after Close.
	ErrGatewayClosed = errors.New("gateway closed")
)

// WriteError reports a failed remote write for operation Op.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrRemoteWrite, e.Op, e.Err)
}

// Is reports whether target is ErrRemoteWrite.
func (e *WriteError) Is(target error) bool { return target == ErrRemoteWrite }

// Unwrap returns the underlying transport or HTTP error.
func (e *WriteError) Unwrap() error { return e.Err }

// HTTPError is returned by RESTClient for non-2xx responses.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}
