package ranking

import (
	"errors"
	"fmt"
)

// ErrNoTasks is returned when a run is requested with an empty task list.
var ErrNoTasks = errors.New("no tasks provided")

// ErrGateTimeout is returned when the concurrency gate could not be
// acquired within its wait budget. The retry controller treats it the
// same as a remote failure.
var ErrGateTimeout = errors.New("concurrency gate acquire timed out")

// ErrNoRecords marks an attempt that streamed to completion but produced
// zero decodable records; it counts as a transient failure.
var ErrNoRecords = errors.New("stream produced no valid records")

// RemoteError wraps any transport or endpoint failure from the remote
// inference call. Chunks already delivered before the failure stand;
// consumers must treat the stream as possibly truncated.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote ranking call failed (%s): %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }
