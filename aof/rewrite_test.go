package aof

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoflog/aoflog/core"
)

func TestRewrite_CollapsesHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appendonly.aof")
	l, err := Open(Options{Path: path, SyncMode: core.SyncNever})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(entry(core.OpSet, "c", "1")))
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Append(entry(core.OpIncrBy, "c", "1")))
	}
	require.NoError(t, l.Flush())
	sizeBefore := l.Size()

	before, nBefore := replayToStore(t, path)
	assert.Equal(t, 4, nBefore)

	require.NoError(t, l.BeginRewrite())
	err = l.CompleteRewrite(context.Background(), func(emit EmitFunc) error {
		// Minimal equivalent: the four operations collapse into one SET.
		return emit(entry(core.OpSet, "c", "4"))
	})
	require.NoError(t, err)

	after, nAfter := replayToStore(t, path)
	assert.Equal(t, 1, nAfter, "compacted log holds the single SET")
	assert.True(t, before.Equal(after), "compaction must preserve observable state")
	assert.Less(t, l.Size(), sizeBefore)

	_, err = os.Stat(path + core.RewriteTempSuffix)
	assert.True(t, os.IsNotExist(err), "temporary rewrite file must be gone")
}

func TestRewrite_MergesAppendsDuringRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appendonly.aof")
	l, err := Open(Options{Path: path, SyncMode: core.SyncNever})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(entry(core.OpSet, "a", "1")))
	require.NoError(t, l.Flush())

	require.NoError(t, l.BeginRewrite())

	// These land after the snapshot point: normal log AND rewrite buffer.
	require.NoError(t, l.Append(entry(core.OpSet, "d", "5")))
	require.NoError(t, l.Append(entry(core.OpIncrBy, "d", "1")))

	err = l.CompleteRewrite(context.Background(), func(emit EmitFunc) error {
		return emit(entry(core.OpSet, "a", "1"))
	})
	require.NoError(t, err)

	s, n := replayToStore(t, path)
	assert.Equal(t, 3, n, "snapshot ops plus both merged entries")
	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
	v, ok = s.Get("d")
	require.True(t, ok, "operations accepted during the rewrite must survive the swap")
	assert.Equal(t, []byte("6"), v, "merged entries replay in their original order")
}

func TestRewrite_AppendsAfterSwapGoToNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appendonly.aof")
	l, err := Open(Options{Path: path, SyncMode: core.SyncNever})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(entry(core.OpSet, "a", "1")))
	require.NoError(t, l.BeginRewrite())
	require.NoError(t, l.CompleteRewrite(context.Background(), func(emit EmitFunc) error {
		return emit(entry(core.OpSet, "a", "1"))
	}))

	require.NoError(t, l.Append(entry(core.OpSet, "z", "9")))
	require.NoError(t, l.Flush())

	s, _ := replayToStore(t, path)
	v, ok := s.Get("z")
	require.True(t, ok)
	assert.Equal(t, []byte("9"), v)
}

func TestRewrite_NotReentrant(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appendonly.aof")
	l, err := Open(Options{Path: path})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.BeginRewrite())
	assert.ErrorIs(t, l.BeginRewrite(), core.ErrRewriteInProgress)
	l.AbortRewrite()

	// After an abort a fresh rewrite may begin.
	require.NoError(t, l.BeginRewrite())
	l.AbortRewrite()
}

func TestRewrite_FailureLeavesOldLogAuthoritative(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appendonly.aof")
	l, err := Open(Options{Path: path, SyncMode: core.SyncNever})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(entry(core.OpSet, "a", "1")))
	require.NoError(t, l.Flush())

	require.NoError(t, l.BeginRewrite())
	require.NoError(t, l.Append(entry(core.OpSet, "b", "2")))

	boom := errors.New("snapshot iteration exploded")
	err = l.CompleteRewrite(context.Background(), func(emit EmitFunc) error {
		if err := emit(entry(core.OpSet, "a", "1")); err != nil {
			return err
		}
		return boom
	})
	require.Error(t, err)
	assert.True(t, core.IsRewriteAborted(err))
	assert.ErrorIs(t, err, boom)

	_, statErr := os.Stat(path + core.RewriteTempSuffix)
	assert.True(t, os.IsNotExist(statErr), "aborted rewrite must remove its temporary file")

	// The old log still carries everything, including the append made while
	// the failed rewrite ran.
	require.NoError(t, l.Flush())
	s, n := replayToStore(t, path)
	assert.Equal(t, 2, n)
	v, ok := s.Get("b")
	require.True(t, ok, "entry b must not be lost")
	assert.Equal(t, []byte("2"), v)

	// And the log is back to normal: a new rewrite can start and complete.
	require.NoError(t, l.BeginRewrite())
	require.NoError(t, l.CompleteRewrite(context.Background(), func(emit EmitFunc) error {
		if err := emit(entry(core.OpSet, "a", "1")); err != nil {
			return err
		}
		return emit(entry(core.OpSet, "b", "2"))
	}))
	s, n = replayToStore(t, path)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, s.Len())
}

func TestRewrite_CanceledContextAborts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appendonly.aof")
	l, err := Open(Options{Path: path})
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, l.BeginRewrite())
	err = l.CompleteRewrite(ctx, func(emit EmitFunc) error {
		return emit(entry(core.OpSet, "a", "1"))
	})
	require.Error(t, err)
	assert.True(t, core.IsRewriteAborted(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRewrite_WithoutBegin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appendonly.aof")
	l, err := Open(Options{Path: path})
	require.NoError(t, err)
	defer l.Close()

	err = l.CompleteRewrite(context.Background(), func(emit EmitFunc) error { return nil })
	assert.Error(t, err)
}

func TestRewrite_PathAlwaysHoldsCompleteLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appendonly.aof")
	l, err := Open(Options{Path: path, SyncMode: core.SyncNever})
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, l.Append(entry(core.OpIncrBy, "n", "1")))
	}
	require.NoError(t, l.Flush())

	require.NoError(t, l.BeginRewrite())

	// Mid-rewrite, before the swap, the path must still check out clean.
	err = l.CompleteRewrite(context.Background(), func(emit EmitFunc) error {
		report, checkErr := Check(path)
		if checkErr != nil {
			return checkErr
		}
		if report.Corruption != nil {
			return errors.New("live log invalid during rewrite")
		}
		return emit(entry(core.OpSet, "n", "50"))
	})
	require.NoError(t, err)

	// And after the swap it checks out clean too.
	report, err := Check(path)
	require.NoError(t, err)
	assert.Nil(t, report.Corruption)
	assert.Equal(t, 1, report.Entries)
}
