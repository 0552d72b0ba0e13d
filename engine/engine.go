// Package engine ties the in-memory store to the operation log: it replays
// the log at startup, records every accepted mutation, owns the periodic
// flush loop, and schedules background rewrites that keep the log bounded.
package engine

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aoflog/aoflog/aof"
	"github.com/aoflog/aoflog/core"
	"github.com/aoflog/aoflog/store"
)

// Options configures the engine.
type Options struct {
	Path        string
	SyncMode    core.SyncMode
	Compression core.CompressionType

	// FlushInterval is the period of the background flush loop under the
	// interval sync policy. It bounds the data-loss window after a crash.
	FlushInterval time.Duration

	BufferFlushBytes int

	// AutoRepair authorizes truncating the log to its valid prefix when
	// corruption is found at startup. When false, corruption is fatal.
	AutoRepair bool

	// RewritePercentage triggers an automatic rewrite once the log has grown
	// by this percentage over its size after the previous rewrite. Zero
	// disables automatic rewrites.
	RewritePercentage int
	// RewriteMinBytes suppresses automatic rewrites while the log is smaller
	// than this, so small logs are not compacted pointlessly.
	RewriteMinBytes int64
	// RewriteCheckInterval is how often the growth thresholds are evaluated.
	RewriteCheckInterval time.Duration

	// DiskPreflight skips a rewrite when the log's filesystem has less free
	// space than the current log size.
	DiskPreflight bool

	Logger         *slog.Logger
	Tracer         trace.Tracer
	BytesWritten   *expvar.Int
	EntriesWritten *expvar.Int
}

// Status is a point-in-time view of persistence health.
type Status struct {
	Degraded          bool
	LastError         string
	LogSize           int64
	BufferedBytes     int
	BufferedEntries   int
	BaseSize          int64
	RewriteInProgress bool
	SyncMode          core.SyncMode
	Keys              int
}

var (
	statusVarOnce   sync.Once
	statusVarEngine atomic.Pointer[Engine]
)

// publishStatus exposes the engine's Status through expvar. The var is
// registered once per process and always reflects the most recently opened
// engine, so repeated open/close cycles (tests, the offline tools) never
// trip expvar's duplicate-name panic.
func publishStatus(e *Engine) {
	statusVarEngine.Store(e)
	statusVarOnce.Do(func() {
		expvar.Publish("aoflog.status", expvar.Func(func() any {
			if cur := statusVarEngine.Load(); cur != nil && !cur.closed.Load() {
				return cur.Status()
			}
			return nil
		}))
	})
}

// Engine is the single entry point the command-processing loop talks to.
type Engine struct {
	// mu serializes RecordOperation against the snapshot step of a rewrite,
	// so a mutation is either fully inside the snapshot or fully in the
	// rewrite buffer, never both.
	mu sync.Mutex

	opts   Options
	store  *store.Store
	log    *aof.Log
	logger *slog.Logger
	tracer trace.Tracer

	rewriting atomic.Bool
	baseSize  atomic.Int64

	cancel context.CancelFunc
	group  *errgroup.Group
	closed atomic.Bool
}

// Open replays an existing log into a fresh store and starts the engine's
// background loops. Corruption found during replay fails startup unless
// AutoRepair is set, in which case the log is truncated to its valid prefix
// first, exactly as the offline repair tool would do.
func Open(opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "Engine")
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/aoflog/aoflog/engine")
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.RewriteCheckInterval <= 0 {
		opts.RewriteCheckInterval = 10 * time.Second
	}

	e := &Engine{
		opts:   opts,
		store:  store.New(),
		logger: logger,
		tracer: opts.Tracer,
	}

	if err := e.replay(context.Background()); err != nil {
		return nil, err
	}

	log, err := aof.Open(aof.Options{
		Path:             opts.Path,
		SyncMode:         opts.SyncMode,
		BufferFlushBytes: opts.BufferFlushBytes,
		Compression:      opts.Compression,
		Logger:           opts.Logger,
		BytesWritten:     opts.BytesWritten,
		EntriesWritten:   opts.EntriesWritten,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open operation log: %w", err)
	}
	e.log = log
	e.baseSize.Store(log.Size())

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.group, ctx = errgroup.WithContext(ctx)

	if opts.SyncMode == core.SyncInterval {
		e.group.Go(func() error { return e.flushLoop(ctx) })
	}
	if opts.RewritePercentage > 0 {
		e.group.Go(func() error { return e.rewriteLoop(ctx) })
	}

	publishStatus(e)
	return e, nil
}

// replay rebuilds the store from the log, repairing first when authorized.
func (e *Engine) replay(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.replay")
	defer span.End()

	entries, err := aof.Replay(e.opts.Path, e.opts.Logger, e.store.Apply)
	if err != nil {
		if !core.IsCorruption(err) || !e.opts.AutoRepair {
			return fmt.Errorf("log replay failed: %w", err)
		}

		e.logger.Warn("Corruption found during replay, auto-repair is authorized.", "error", err)
		report, repairErr := aof.CheckAndRepair(e.opts.Path, true)
		if repairErr != nil {
			return fmt.Errorf("log auto-repair failed: %w", repairErr)
		}
		e.logger.Info("Log repaired, truncated to valid prefix.", "valid_length", report.ValidLength, "entries", report.Entries)

		// Entries up to the corruption point were already applied; the
		// repaired file contains exactly those, so the store is consistent
		// with the truncated log.
		entries = report.Entries
	}

	span.SetAttributes(attribute.Int("entries", entries))
	return nil
}

// RecordOperation applies one validated mutating operation to the store and
// appends it to the log, preserving the exact application order. This is the
// single entry point the command loop calls for every accepted mutation.
func (e *Engine) RecordOperation(entry *core.LogEntry) error {
	if e.closed.Load() {
		return core.ErrLogClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.Apply(entry); err != nil {
		return err
	}
	return e.log.Append(entry)
}

// Store exposes the dataset for reads. Mutations must go through
// RecordOperation.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Flush forces a write+sync of buffered records. Exposed for administrative
// use; the interval loop calls it on its own under the interval policy.
func (e *Engine) Flush() error {
	return e.log.Flush()
}

// Status reports persistence health. A degraded status means acknowledged
// writes are buffered but not durable; command processing continues, the
// condition is never silent.
func (e *Engine) Status() Status {
	st := Status{
		Degraded:          e.log.Degraded(),
		LogSize:           e.log.Size(),
		BufferedBytes:     e.log.BufferedBytes(),
		BufferedEntries:   e.log.BufferedEntries(),
		BaseSize:          e.baseSize.Load(),
		RewriteInProgress: e.rewriting.Load(),
		SyncMode:          e.log.SyncMode(),
		Keys:              e.store.Len(),
	}
	if err := e.log.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

// flushLoop flushes once per interval, bounding the crash data-loss window.
// Flush failures are retried on the next tick; buffered entries are never
// dropped.
func (e *Engine) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.log.Flush(); err != nil {
				e.logger.Error("Periodic flush failed, will retry.", "error", err)
			}
		}
	}
}

// rewriteLoop evaluates the growth thresholds periodically and triggers a
// rewrite when both are met.
func (e *Engine) rewriteLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.RewriteCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !e.shouldRewrite() {
				continue
			}
			if _, err := e.TriggerRewrite(ctx); err != nil {
				e.logger.Warn("Scheduled rewrite failed, will retry on next trigger.", "error", err)
			}
		}
	}
}

// shouldRewrite applies the configured growth policy: the log must exceed
// the minimum absolute size AND have grown by the configured percentage over
// its size after the previous rewrite.
func (e *Engine) shouldRewrite() bool {
	size := e.log.Size()
	if size < e.opts.RewriteMinBytes {
		return false
	}
	base := e.baseSize.Load()
	if base <= 0 {
		base = core.HeaderSize
	}
	growth := (size - base) * 100 / base
	return growth >= int64(e.opts.RewritePercentage)
}

// TriggerRewrite starts a rewrite unless one is already running, in which
// case it reports started=false and does nothing. It blocks until the
// rewrite finishes; administrative callers who want it in the background run
// it in a goroutine.
func (e *Engine) TriggerRewrite(ctx context.Context) (started bool, err error) {
	if e.closed.Load() {
		return false, core.ErrLogClosed
	}
	if !e.rewriting.CompareAndSwap(false, true) {
		return false, nil
	}
	defer e.rewriting.Store(false)

	ctx, span := e.tracer.Start(ctx, "engine.rewrite")
	defer span.End()

	if e.opts.DiskPreflight {
		if err := e.preflightDisk(); err != nil {
			e.logger.Warn("Rewrite deferred by disk preflight.", "error", err)
			return true, &core.RewriteAbortedError{Err: err}
		}
	}

	// The snapshot and the rewrite-buffer arming must be atomic with
	// respect to RecordOperation: holding e.mu guarantees every operation
	// lands either in the snapshot or in the rewrite buffer.
	e.mu.Lock()
	snap := e.store.Snapshot()
	if err := e.log.BeginRewrite(); err != nil {
		e.mu.Unlock()
		return true, err
	}
	e.mu.Unlock()

	span.SetAttributes(attribute.Int("snapshot_keys", snap.Len()))

	err = e.log.CompleteRewrite(ctx, func(emit aof.EmitFunc) error {
		return emitSnapshotOps(snap, emit)
	})
	if err != nil {
		return true, err
	}

	e.baseSize.Store(e.log.Size())
	return true, nil
}

// preflightDisk refuses a rewrite when the log's filesystem cannot hold a
// full copy of the current log.
func (e *Engine) preflightDisk() error {
	usage, err := disk.Usage(filepath.Dir(e.opts.Path))
	if err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}
	if need := uint64(e.log.Size()); usage.Free < need {
		return fmt.Errorf("insufficient disk space for rewrite: free=%d need=%d", usage.Free, need)
	}
	return nil
}

// emitSnapshotOps emits the minimal operation sequence recreating each key's
// current value: one SET or a series of HSETs, plus one EXPIREAT when the
// key carries an expiry. N increments collapse into the single SET of their
// final value. Keys whose expiry has already passed are emitted with that
// expiry rather than dropped, so replaying the compacted log rebuilds the
// store's exact state and later writes to such a key behave identically on
// both sides of the rewrite.
func emitSnapshotOps(snap *store.Snapshot, emit aof.EmitFunc) error {
	return snap.Each(func(se store.SnapshotEntry) error {
		key := []byte(se.Key)
		switch se.Kind {
		case store.KindString:
			if err := emit(&core.LogEntry{Op: core.OpSet, Args: [][]byte{key, se.Value}}); err != nil {
				return err
			}
		case store.KindHash:
			// Deterministic field order keeps rewrites reproducible.
			fields := make([]string, 0, len(se.Fields))
			for f := range se.Fields {
				fields = append(fields, f)
			}
			sort.Strings(fields)
			for _, f := range fields {
				if err := emit(&core.LogEntry{Op: core.OpHSet, Args: [][]byte{key, []byte(f), se.Fields[f]}}); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("snapshot holds unknown value kind %c for key %q", se.Kind, se.Key)
		}
		if se.ExpireAt > 0 {
			at := strconv.AppendInt(nil, se.ExpireAt, 10)
			if err := emit(&core.LogEntry{Op: core.OpExpireAt, Args: [][]byte{key, at}}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close stops the background loops and closes the log, flushing first.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.cancel != nil {
		e.cancel()
	}
	if e.group != nil {
		if err := e.group.Wait(); err != nil {
			e.logger.Error("Background loop exited with error.", "error", err)
		}
	}
	return e.log.Close()
}
