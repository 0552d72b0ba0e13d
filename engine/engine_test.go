package engine

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoflog/aoflog/aof"
	"github.com/aoflog/aoflog/core"
)

func entry(op core.Operation, args ...string) *core.LogEntry {
	e := &core.LogEntry{Op: op}
	for _, a := range args {
		e.Args = append(e.Args, []byte(a))
	}
	return e
}

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Path:     filepath.Join(t.TempDir(), "appendonly.aof"),
		SyncMode: core.SyncNever,
	}
}

func TestEngine_RecordAndReopen(t *testing.T) {
	opts := testOptions(t)

	e, err := Open(opts)
	require.NoError(t, err)

	require.NoError(t, e.RecordOperation(entry(core.OpSet, "a", "1")))
	require.NoError(t, e.RecordOperation(entry(core.OpIncrBy, "a", "2")))
	require.NoError(t, e.RecordOperation(entry(core.OpHSet, "h", "f", "v")))
	liveKeys := e.Store().Keys()
	require.NoError(t, e.Close())

	// A fresh engine on the same log reconstructs identical state.
	e2, err := Open(opts)
	require.NoError(t, err)
	defer e2.Close()

	assert.Equal(t, liveKeys, e2.Store().Keys())
	v, ok := e2.Store().Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("3"), v)
	v, ok = e2.Store().HGet("h", "f")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestEngine_RejectedOperationIsNotLogged(t *testing.T) {
	opts := testOptions(t)
	e, err := Open(opts)
	require.NoError(t, err)

	require.NoError(t, e.RecordOperation(entry(core.OpSet, "s", "not-a-number")))
	require.Error(t, e.RecordOperation(entry(core.OpIncrBy, "s", "1")), "store rejects the op")
	require.NoError(t, e.Close())

	// Replay must not trip over the rejected operation: it was never logged.
	e2, err := Open(opts)
	require.NoError(t, err)
	defer e2.Close()
	v, ok := e2.Store().Get("s")
	require.True(t, ok)
	assert.Equal(t, []byte("not-a-number"), v)
}

func TestEngine_RecordAfterClose(t *testing.T) {
	e, err := Open(testOptions(t))
	require.NoError(t, err)
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.RecordOperation(entry(core.OpSet, "k", "v")), core.ErrLogClosed)
	assert.NoError(t, e.Close(), "double close is a no-op")
}

func TestEngine_TriggerRewrite(t *testing.T) {
	opts := testOptions(t)
	e, err := Open(opts)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.RecordOperation(entry(core.OpSet, "c", "0")))
	for i := 0; i < 100; i++ {
		require.NoError(t, e.RecordOperation(entry(core.OpIncrBy, "c", "1")))
	}
	require.NoError(t, e.Flush())
	sizeBefore := e.Status().LogSize

	started, err := e.TriggerRewrite(context.Background())
	require.NoError(t, err)
	assert.True(t, started)

	st := e.Status()
	assert.Less(t, st.LogSize, sizeBefore, "rewrite must shrink the log")
	assert.Equal(t, st.LogSize, st.BaseSize, "post-rewrite size becomes the next trigger baseline")

	// The rewritten log replays to the same state.
	e2, err := Open(opts)
	require.NoError(t, err)
	defer e2.Close()
	v, ok := e2.Store().Get("c")
	require.True(t, ok)
	assert.Equal(t, []byte("100"), v)
}

func TestEngine_RewritePreservesHashesAndExpiry(t *testing.T) {
	opts := testOptions(t)
	e, err := Open(opts)
	require.NoError(t, err)
	defer e.Close()

	at := time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, e.RecordOperation(entry(core.OpHSet, "h", "f1", "v1")))
	require.NoError(t, e.RecordOperation(entry(core.OpHSet, "h", "f2", "v2")))
	require.NoError(t, e.RecordOperation(entry(core.OpSet, "k", "v")))
	require.NoError(t, e.RecordOperation(entry(core.OpExpireAt, "k", itoa(at))))

	_, err = e.TriggerRewrite(context.Background())
	require.NoError(t, err)

	e2, err := Open(opts)
	require.NoError(t, err)
	defer e2.Close()

	assert.True(t, e.Store().Equal(e2.Store()))
	gotAt, ok := e2.Store().ExpireAt("k")
	require.True(t, ok, "expiry must survive the rewrite")
	assert.Equal(t, at, gotAt)
}

func TestEngine_RewriteKeepsExpiredKeyStateConsistent(t *testing.T) {
	opts := testOptions(t)
	e, err := Open(opts)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.RecordOperation(entry(core.OpSet, "k", "5")))
	require.NoError(t, e.RecordOperation(entry(core.OpExpireAt, "k", "1")))

	_, err = e.TriggerRewrite(context.Background())
	require.NoError(t, err)

	// A write to a key whose expiry has passed mutates the stale entry but
	// leaves the expiry in place, so the key stays invisible to reads.
	require.NoError(t, e.RecordOperation(entry(core.OpIncrBy, "k", "1")))
	_, ok := e.Store().Get("k")
	require.False(t, ok)
	require.NoError(t, e.Flush())

	e2, err := Open(opts)
	require.NoError(t, err)
	defer e2.Close()

	assert.True(t, e.Store().Equal(e2.Store()), "replay of the compacted log must rebuild the exact live state")
	_, ok = e2.Store().Get("k")
	assert.False(t, ok, "the expired key must not resurface after replay")
	at, hasExpiry := e2.Store().ExpireAt("k")
	require.True(t, hasExpiry)
	assert.Equal(t, int64(1), at)
}

func TestEngine_NoLossDuringConcurrentRewrite(t *testing.T) {
	opts := testOptions(t)
	e, err := Open(opts)
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		require.NoError(t, e.RecordOperation(entry(core.OpIncrBy, "n", "1")))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if err := e.RecordOperation(entry(core.OpIncrBy, "n", "1")); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	_, err = e.TriggerRewrite(context.Background())
	require.NoError(t, err)
	wg.Wait()
	require.NoError(t, e.Close())

	// Every operation accepted before, during and after the rewrite must be
	// reflected after replay.
	e2, err := Open(opts)
	require.NoError(t, err)
	defer e2.Close()
	v, ok := e2.Store().Get("n")
	require.True(t, ok)
	assert.Equal(t, []byte("1000"), v)
}

func TestEngine_ConcurrentTriggersAtMostOneRuns(t *testing.T) {
	e, err := Open(testOptions(t))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.RecordOperation(entry(core.OpSet, "k", "v")))

	var mu sync.Mutex
	startedCount := 0
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started, err := e.TriggerRewrite(context.Background())
			assert.NoError(t, err)
			if started {
				mu.Lock()
				startedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, startedCount, 1, "at least one trigger must run")
	// The ones that found a rewrite in progress were no-ops, not errors.
}

func TestEngine_CorruptLogFatalWithoutAutoRepair(t *testing.T) {
	opts := testOptions(t)

	e, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, e.RecordOperation(entry(core.OpSet, "a", "1")))
	require.NoError(t, e.Close())

	// Tear the tail of the log.
	f, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xBA, 0xD1})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(opts)
	require.Error(t, err, "corruption must be fatal to startup when repair is not authorized")
	assert.True(t, core.IsCorruption(err))

	t.Run("AutoRepairTruncatesAndStarts", func(t *testing.T) {
		repaired := opts
		repaired.AutoRepair = true
		e, err := Open(repaired)
		require.NoError(t, err)
		defer e.Close()

		v, ok := e.Store().Get("a")
		require.True(t, ok)
		assert.Equal(t, []byte("1"), v)

		// The log on disk is clean again.
		report, err := aof.Check(repaired.Path)
		require.NoError(t, err)
		assert.Nil(t, report.Corruption)
	})
}

func TestEngine_IntervalFlushLoopBoundsLossWindow(t *testing.T) {
	opts := testOptions(t)
	opts.SyncMode = core.SyncInterval
	opts.FlushInterval = 20 * time.Millisecond

	e, err := Open(opts)
	require.NoError(t, err)

	require.NoError(t, e.RecordOperation(entry(core.OpSet, "k", "v")))

	// Without an explicit Flush, the background loop must land the entry.
	require.Eventually(t, func() bool {
		return e.Status().BufferedBytes == 0 && e.Status().LogSize > core.HeaderSize
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Close())
}

func TestEngine_Status(t *testing.T) {
	e, err := Open(testOptions(t))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.RecordOperation(entry(core.OpSet, "k", "v")))
	st := e.Status()
	assert.False(t, st.Degraded)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 1, st.BufferedEntries)
	assert.Greater(t, st.BufferedBytes, 0)
	assert.False(t, st.RewriteInProgress)
	assert.Equal(t, core.SyncNever, st.SyncMode)
	assert.Equal(t, 1, st.Keys)
}

func TestEngine_ShouldRewriteThresholds(t *testing.T) {
	e, err := Open(testOptions(t))
	require.NoError(t, err)
	defer e.Close()

	e.opts.RewritePercentage = 100

	// Below the absolute minimum: never rewrite, regardless of growth.
	e.opts.RewriteMinBytes = 1 << 40
	require.NoError(t, e.RecordOperation(entry(core.OpSet, "k", "v")))
	require.NoError(t, e.Flush())
	assert.False(t, e.shouldRewrite())

	// Above the minimum but not yet doubled: still no.
	e.opts.RewriteMinBytes = 1
	e.baseSize.Store(e.Status().LogSize)
	assert.False(t, e.shouldRewrite())

	// Doubling the log over its baseline trips the trigger.
	for i := 0; i < 100; i++ {
		require.NoError(t, e.RecordOperation(entry(core.OpSet, "k", "vvvvvvvvvvvvvvvv")))
	}
	require.NoError(t, e.Flush())
	assert.True(t, e.shouldRewrite())
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
