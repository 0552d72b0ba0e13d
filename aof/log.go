// Package aof implements the durable operation log for the in-memory store:
// an append-only file of checksummed, length-prefixed operation records, a
// replayer that reconstructs state from it, a background rewrite that
// replaces the log with a minimal equivalent, and an integrity checker that
// recovers the longest valid prefix of a damaged file.
package aof

import (
	"bytes"
	"encoding/binary"
	"expvar"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/aoflog/aoflog/compressors"
	"github.com/aoflog/aoflog/core"
	"github.com/aoflog/aoflog/sys"
)

// DefaultBufferFlushBytes is the write-buffer size past which an append
// triggers a flush on its own, regardless of sync policy.
const DefaultBufferFlushBytes = 64 * 1024

// Options holds configuration for the log.
type Options struct {
	Path             string
	SyncMode         core.SyncMode
	BufferFlushBytes int
	Compression      core.CompressionType
	Logger           *slog.Logger
	BytesWritten     *expvar.Int
	EntriesWritten   *expvar.Int
}

// Log is the append-only operation log. A single Log exclusively owns its
// file path; there are never two concurrent writers.
type Log struct {
	mu   sync.Mutex
	opts Options
	path string

	file     sys.FileHandle
	size     int64 // bytes written to the file, including the header
	unsynced bool
	closed   bool

	buf     writeBuffer
	rewrite *rewriteBuffer // non-nil while a rewrite is in progress

	compressor core.Compressor
	logger     *slog.Logger

	degraded atomic.Bool
	lastErr  error

	metricsBytesWritten   *expvar.Int
	metricsEntriesWritten *expvar.Int
}

// Open creates or opens the log file at opts.Path and prepares it for
// appending. An existing file's header decides the compression in effect;
// opts.Compression only applies to a newly created file.
//
// Open validates the header but not the record stream: appending after an
// unvalidated torn tail would place the new records beyond the corruption,
// unreachable by Replay. Callers opening an existing log must Replay it or
// run CheckAndRepair first, which is what engine.Open does.
func Open(opts Options) (*Log, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "AOF")
	if opts.SyncMode == "" {
		opts.SyncMode = core.SyncInterval
	}
	if opts.BufferFlushBytes <= 0 {
		opts.BufferFlushBytes = DefaultBufferFlushBytes
	}

	file, err := sys.OpenFile(opts.Path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", opts.Path, err)
	}

	l := &Log{
		opts:                  opts,
		path:                  opts.Path,
		file:                  file,
		logger:                opts.Logger,
		metricsBytesWritten:   opts.BytesWritten,
		metricsEntriesWritten: opts.EntriesWritten,
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat log file %s: %w", opts.Path, err)
	}

	if stat.Size() == 0 {
		if err := l.writeHeader(opts.Compression); err != nil {
			file.Close()
			return nil, err
		}
	} else {
		header, err := readHeader(file, opts.Path, stat.Size())
		if err != nil {
			file.Close()
			return nil, err
		}
		l.compressor, err = compressors.ForType(header.CompressorType)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("log file %s: %w", opts.Path, err)
		}
		if _, err := file.Seek(0, io.SeekEnd); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to seek to end of log file %s: %w", opts.Path, err)
		}
		l.size = stat.Size()
	}

	l.logger.Info("Operation log opened.", "path", l.path, "size", l.size, "sync_mode", opts.SyncMode, "compression", l.compressor.Type().String())
	return l, nil
}

// writeHeader initializes an empty file with a fresh header and syncs it.
func (l *Log) writeHeader(compression core.CompressionType) error {
	compressor, err := compressors.ForType(compression)
	if err != nil {
		return err
	}
	header := core.NewFileHeader(compression)
	if err := binary.Write(l.file, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to write log header to %s: %w", l.path, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log header to %s: %w", l.path, err)
	}
	l.compressor = compressor
	l.size = core.HeaderSize
	return nil
}

// readHeader reads and validates the file header of an existing log.
func readHeader(r io.Reader, path string, fileSize int64) (*core.FileHeader, error) {
	if fileSize < core.HeaderSize {
		return nil, &core.CorruptionError{Path: path, ValidLength: 0, Reason: "file shorter than header"}
	}
	var header core.FileHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, &core.CorruptionError{Path: path, ValidLength: 0, Reason: "unreadable header", Err: err}
	}
	if header.Magic != core.LogMagicNumber {
		return nil, &core.CorruptionError{Path: path, ValidLength: 0, Reason: fmt.Sprintf("bad magic number: got %x, want %x", header.Magic, core.LogMagicNumber)}
	}
	if header.Version > core.FormatVersion {
		return nil, fmt.Errorf("log file %s has format version %d, newer than supported %d", path, header.Version, core.FormatVersion)
	}
	return &header, nil
}

// recordBufPool recycles the scratch buffers compressed payloads are staged
// in before framing, keeping the append path free of a per-record allocation.
var recordBufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// encodeRecord serializes an entry into a framed record:
// payloadLen (4 bytes) | payload | crc32(payload) (4 bytes).
func (l *Log) encodeRecord(e *core.LogEntry) ([]byte, error) {
	payload, err := core.EncodeEntry(nil, e)
	if err != nil {
		return nil, err
	}

	buf := recordBufPool.Get().(*bytes.Buffer)
	defer recordBufPool.Put(buf)
	if err := l.compressor.CompressTo(buf, payload); err != nil {
		return nil, fmt.Errorf("failed to compress entry payload: %w", err)
	}
	compressed := buf.Bytes()

	rec := make([]byte, 0, len(compressed)+8)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(compressed)))
	rec = append(rec, lenBuf[:]...)
	rec = append(rec, compressed...)
	binary.LittleEndian.PutUint32(lenBuf[:], crc32.ChecksumIEEE(compressed))
	rec = append(rec, lenBuf[:]...)
	return rec, nil
}

// Append serializes an entry into the write buffer, in the exact order
// entries were applied to the store. Durability is governed by the sync
// policy: under SyncAlways the append blocks on flush+sync and reports its
// outcome; under the other policies a flush failure never fails the append,
// it is retained and surfaced through Degraded/LastError instead.
func (l *Log) Append(e *core.LogEntry) error {
	rec, err := l.encodeRecord(e)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return core.ErrLogClosed
	}

	l.buf.append(rec, 1)
	if l.rewrite != nil {
		l.rewrite.append(rec, 1)
	}

	if l.metricsBytesWritten != nil {
		l.metricsBytesWritten.Add(int64(len(rec)))
	}
	if l.metricsEntriesWritten != nil {
		l.metricsEntriesWritten.Add(1)
	}

	if l.opts.SyncMode == core.SyncAlways {
		return l.flushLocked(true)
	}
	if l.buf.len() >= l.opts.BufferFlushBytes {
		if err := l.flushLocked(false); err != nil {
			// Buffered entries are retained; the periodic flush retries.
			l.logger.Warn("Buffer flush failed, entries retained.", "error", err, "buffered_bytes", l.buf.len(), "buffered_entries", l.buf.entries)
		}
	}
	return nil
}

// Flush writes buffered records to the file and, unless the policy is
// SyncNever, forces them to stable storage. On failure the unwritten bytes
// stay buffered and the log is marked degraded until a flush succeeds.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return core.ErrLogClosed
	}
	return l.flushLocked(l.opts.SyncMode != core.SyncNever)
}

// flushLocked drains the write buffer into the file. Must be called with
// l.mu held.
func (l *Log) flushLocked(sync bool) error {
	if l.file == nil {
		return l.failLocked(fmt.Errorf("log file handle lost after failed rewrite swap"))
	}

	if l.buf.len() > 0 {
		n, err := l.file.Write(l.buf.bytes())
		if n > 0 {
			l.size += int64(n)
			l.unsynced = true
			l.buf.consume(n)
		}
		if err != nil {
			return l.failLocked(fmt.Errorf("failed to write %d buffered bytes: %w", l.buf.len(), err))
		}
	}

	if sync && l.unsynced {
		if err := l.file.Sync(); err != nil {
			return l.failLocked(fmt.Errorf("failed to sync log file: %w", err))
		}
		l.unsynced = false
	}

	l.degraded.Store(false)
	l.lastErr = nil
	return nil
}

// failLocked records a flush failure as the log's degraded state.
func (l *Log) failLocked(err error) error {
	l.degraded.Store(true)
	l.lastErr = err
	return err
}

// Degraded reports whether the last flush attempt failed. While degraded,
// acknowledged writes may not be durable yet; they remain buffered and the
// next flush retries them.
func (l *Log) Degraded() bool {
	return l.degraded.Load()
}

// LastError returns the error recorded by the most recent failed flush.
func (l *Log) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Size returns the bytes written to the log file so far, header included.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// BufferedBytes returns the bytes waiting in the write buffer.
func (l *Log) BufferedBytes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.len()
}

// BufferedEntries returns the number of entries waiting in the write buffer.
// After a partial write it is an upper bound until the next full flush.
func (l *Log) BufferedEntries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.entries
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// Compression returns the compression type in effect for this log file.
func (l *Log) Compression() core.CompressionType {
	return l.compressor.Type()
}

// SyncMode returns the configured sync policy.
func (l *Log) SyncMode() core.SyncMode {
	return l.opts.SyncMode
}

// Close flushes outstanding records and closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	flushErr := l.flushLocked(l.opts.SyncMode != core.SyncNever)

	var closeErr error
	if l.file != nil {
		closeErr = l.file.Close()
		l.file = nil
	}

	if flushErr != nil {
		l.logger.Error("Error during log close.", "error", flushErr)
		return flushErr
	}
	if closeErr != nil {
		l.logger.Error("Error during log close.", "error", closeErr)
		return closeErr
	}
	l.logger.Info("Operation log closed.")
	return nil
}

// writeBuffer stages serialized records that have not reached the file yet.
// On a partial write only the unwritten tail is retained.
type writeBuffer struct {
	data    []byte
	entries int
}

func (b *writeBuffer) append(rec []byte, entries int) {
	b.data = append(b.data, rec...)
	b.entries += entries
}

func (b *writeBuffer) consume(n int) {
	if n >= len(b.data) {
		b.data = b.data[:0]
		b.entries = 0
		return
	}
	remaining := copy(b.data, b.data[n:])
	b.data = b.data[:remaining]
}

func (b *writeBuffer) bytes() []byte { return b.data }
func (b *writeBuffer) len() int      { return len(b.data) }

func (b *writeBuffer) reset() {
	b.data = b.data[:0]
	b.entries = 0
}

// rewriteBuffer accumulates the framed records appended while a rewrite is
// running. It is guarded by the log mutex and drained exactly once, at merge
// time.
type rewriteBuffer struct {
	data    []byte
	entries int
}

func (b *rewriteBuffer) append(rec []byte, entries int) {
	b.data = append(b.data, rec...)
	b.entries += entries
}
