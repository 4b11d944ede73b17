package state_common

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownVersion: the version was never finalized or has been pruned.
	ErrUnknownVersion = errors.New("unknown version")
	// ErrUnknownParent: the snapshot or version to fork from does not exist.
	ErrUnknownParent = errors.New("unknown parent")
	// ErrOutOfOrderCommit: the parent of a commit is not the current tip.
	ErrOutOfOrderCommit = errors.New("out of order commit")
	// ErrStaleSnapshot: another snapshot was finalized at the same fork point first.
	ErrStaleSnapshot = errors.New("stale snapshot")
	// ErrSnapshotFinalizedOrDiscarded: the snapshot is no longer open.
	ErrSnapshotFinalizedOrDiscarded = errors.New("snapshot finalized or discarded")
	// ErrCorruption: persisted state failed self-verification. Commits stay
	// halted until the node is resynced.
	ErrCorruption = errors.New("state corruption")
	// ErrIO wraps failures of the underlying storage engine.
	ErrIO = errors.New("storage io error")
	// ErrRootMismatch: a recomputed post-state root differs from the claimed one.
	ErrRootMismatch = errors.New("post state root mismatch")
)

// IOError tags err as a storage failure while keeping it inspectable.
func IOError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &ioError{cause: err, msg: fmt.Sprintf(format, args...)}
}

type ioError struct {
	cause error
	msg   string
}

func (e *ioError) Error() string {
	return e.msg + ": " + ErrIO.Error() + ": " + e.cause.Error()
}

func (e *ioError) Is(target error) bool {
	return target == ErrIO
}

func (e *ioError) Unwrap() error {
	return e.cause
}

func (e *ioError) Cause() error {
	return e.cause
}
