package core

import (
	"errors"
	"fmt"
)

// ErrLogClosed is returned by operations on a closed log.
var ErrLogClosed = errors.New("operation log is closed")

// ErrRewriteInProgress is returned when a rewrite is requested while another
// one is already running. Rewrites are not reentrant.
var ErrRewriteInProgress = errors.New("log rewrite already in progress")

// CorruptionError reports a structurally invalid record found while scanning
// a log file. ValidLength is the byte offset of the longest valid prefix:
// everything before it parsed cleanly, everything from it on is untrusted.
type CorruptionError struct {
	Path        string
	ValidLength int64
	Entries     int // entries successfully parsed before the bad record
	Reason      string
	Err         error
}

func (e *CorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corruption in %s at offset %d (%d entries valid): %s: %v", e.Path, e.ValidLength, e.Entries, e.Reason, e.Err)
	}
	return fmt.Sprintf("corruption in %s at offset %d (%d entries valid): %s", e.Path, e.ValidLength, e.Entries, e.Reason)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// IsCorruption checks if an error (or any error in its chain) is a CorruptionError.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// RewriteAbortedError reports a rewrite that was abandoned before the swap.
// It is never fatal to the running system: the old log remains authoritative
// and the rewrite is retried on the next trigger.
type RewriteAbortedError struct {
	Err error
}

func (e *RewriteAbortedError) Error() string {
	return fmt.Sprintf("log rewrite aborted: %v", e.Err)
}

func (e *RewriteAbortedError) Unwrap() error { return e.Err }

// IsRewriteAborted checks if an error is a RewriteAbortedError.
func IsRewriteAborted(err error) bool {
	var ra *RewriteAbortedError
	return errors.As(err, &ra)
}
