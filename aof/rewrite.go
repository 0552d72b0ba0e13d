package aof

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/aoflog/aoflog/core"
	"github.com/aoflog/aoflog/sys"
)

var errNoActiveRewrite = errors.New("no rewrite has been begun on this log")

// EmitFunc receives the minimal operations reconstructing current state.
type EmitFunc func(e *core.LogEntry) error

// BeginRewrite arms the rewrite buffer: from this call until the rewrite
// completes or aborts, every appended record is also copied into the buffer
// so it can be merged onto the new log before the swap. The caller must make
// the BeginRewrite call and its state snapshot atomic with respect to
// appends, then stream the snapshot through CompleteRewrite.
//
// Rewrites are not reentrant; a second BeginRewrite while one is active
// returns core.ErrRewriteInProgress.
func (l *Log) BeginRewrite() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return core.ErrLogClosed
	}
	if l.rewrite != nil {
		return core.ErrRewriteInProgress
	}
	l.rewrite = &rewriteBuffer{}
	return nil
}

// AbortRewrite discards the rewrite buffer. Safe to call after a failed
// CompleteRewrite (which aborts on its own) or to cancel before completing.
func (l *Log) AbortRewrite() {
	l.mu.Lock()
	l.rewrite = nil
	l.mu.Unlock()
}

// CompleteRewrite produces a minimal replacement log and atomically swaps it
// in. ops must invoke emit once per reconstructing operation, derived from
// the snapshot taken alongside BeginRewrite. The sequence is:
//
//  1. stream the emitted operations into <path>.rewrite (live appends keep
//     flowing to the current log in parallel),
//  2. append the rewrite buffer's records, preserving their original order,
//  3. fsync and atomically rename the temporary file over the live log.
//
// There is never a moment when the path holds no complete log: a reader sees
// either the old file or the finished new one. On any failure before the
// rename the temporary file is removed, the old log stays authoritative and
// the error is returned as a *core.RewriteAbortedError.
func (l *Log) CompleteRewrite(ctx context.Context, ops func(emit EmitFunc) error) error {
	l.mu.Lock()
	if l.rewrite == nil {
		l.mu.Unlock()
		return errNoActiveRewrite
	}
	compressor := l.compressor
	l.mu.Unlock()

	tmpPath := l.path + core.RewriteTempSuffix
	abort := func(err error) error {
		l.AbortRewrite()
		sys.Remove(tmpPath)
		return &core.RewriteAbortedError{Err: err}
	}

	tmpFile, err := sys.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return abort(fmt.Errorf("failed to create temporary rewrite file: %w", err))
	}

	header := core.NewFileHeader(compressor.Type())
	if err := binary.Write(tmpFile, binary.LittleEndian, &header); err != nil {
		tmpFile.Close()
		return abort(fmt.Errorf("failed to write rewrite file header: %w", err))
	}

	writer := bufio.NewWriterSize(tmpFile, 256*1024)
	emitted := 0
	emit := func(e *core.LogEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := l.encodeRecord(e)
		if err != nil {
			return err
		}
		if _, err := writer.Write(rec); err != nil {
			return err
		}
		emitted++
		return nil
	}

	if err := ops(emit); err != nil {
		tmpFile.Close()
		return abort(fmt.Errorf("failed to emit snapshot operations: %w", err))
	}

	// Merge phase: freeze appends while the rewrite buffer is drained and
	// the files are swapped. This is the only point where the rewrite
	// blocks the append path, and it is bounded by the buffer size plus a
	// single rename.
	l.mu.Lock()
	rb := l.rewrite
	if rb == nil {
		l.mu.Unlock()
		tmpFile.Close()
		sys.Remove(tmpPath)
		return errNoActiveRewrite
	}

	if len(rb.data) > 0 {
		if _, err := writer.Write(rb.data); err != nil {
			l.mu.Unlock()
			tmpFile.Close()
			return abort(fmt.Errorf("failed to merge rewrite buffer: %w", err))
		}
	}
	if err := writer.Flush(); err != nil {
		l.mu.Unlock()
		tmpFile.Close()
		return abort(fmt.Errorf("failed to flush rewrite file: %w", err))
	}
	if err := tmpFile.Sync(); err != nil {
		l.mu.Unlock()
		tmpFile.Close()
		return abort(fmt.Errorf("failed to sync rewrite file: %w", err))
	}
	if err := tmpFile.Close(); err != nil {
		l.mu.Unlock()
		return abort(fmt.Errorf("failed to close rewrite file before rename: %w", err))
	}

	if err := sys.Rename(tmpPath, l.path); err != nil {
		l.mu.Unlock()
		return abort(fmt.Errorf("failed to rename rewrite file into place: %w", err))
	}

	// The swap happened: the new log is authoritative. Everything still in
	// the write buffer was also captured in the rewrite buffer and is now
	// durable, so the buffer and any degraded state from old-file flush
	// failures are cleared.
	oldFile := l.file
	newFile, openErr := sys.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0644)
	if openErr != nil {
		l.file = nil
		l.rewrite = nil
		l.degraded.Store(true)
		l.lastErr = openErr
		l.mu.Unlock()
		if oldFile != nil {
			oldFile.Close()
		}
		return fmt.Errorf("rewrite swapped but failed to reopen log for appending: %w", openErr)
	}
	stat, statErr := newFile.Stat()
	if statErr == nil {
		l.size = stat.Size()
	}
	l.file = newFile
	l.buf.reset()
	l.unsynced = false
	l.rewrite = nil
	l.degraded.Store(false)
	l.lastErr = nil
	mergedEntries := rb.entries
	newSize := l.size
	l.mu.Unlock()

	if oldFile != nil {
		oldFile.Close()
	}

	l.logger.Info("Log rewrite complete.", "path", l.path, "emitted_entries", emitted, "merged_entries", mergedEntries, "new_size", newSize)
	return nil
}
