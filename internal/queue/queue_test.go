package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueCoalescingTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		existing Method
		hasExist bool
		incoming Method
		want     Method
		wantOK   bool
	}{
		{"none+PUT", "", false, PUT, PUT, true},
		{"none+POST", "", false, POST, POST, true},
		{"none+DELETE", "", false, DELETE, DELETE, true},
		{"PUT+PUT", PUT, true, PUT, PUT, true},
		{"PUT+POST", PUT, true, POST, PUT, true},
		{"PUT+DELETE", PUT, true, DELETE, "", false},
		{"POST+PUT", POST, true, PUT, POST, true},
		{"POST+POST", POST, true, POST, POST, true},
		{"POST+DELETE", POST, true, DELETE, DELETE, true},
		{"DELETE+PUT", DELETE, true, PUT, POST, true},
		{"DELETE+POST", DELETE, true, POST, POST, true},
		{"DELETE+DELETE", DELETE, true, DELETE, DELETE, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := coalesce(tt.incoming, tt.existing, tt.hasExist)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestEnqueueAtMostOneEntryPerKey(t *testing.T) {
	t.Parallel()
	q := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a.txt", PUT, 10))
	require.NoError(t, q.Enqueue(ctx, "a.txt", POST, 20))

	e, ok, err := q.Head(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, PUT, e.Method, "PUT coalesced with POST stays PUT")

	var count int
	err = q.Iterate(ctx, func(Entry) error { count++; return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, count, "invariant: at most one non-terminal entry per (parent, name)")
}

func TestIdempotentDelete(t *testing.T) {
	t.Parallel()
	q := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a.txt", DELETE, 0))
	require.NoError(t, q.Enqueue(ctx, "a.txt", DELETE, 0))

	e, ok, err := q.Head(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, DELETE, e.Method)

	var count int
	require.NoError(t, q.Iterate(ctx, func(Entry) error { count++; return nil }))
	assert.Equal(t, 1, count)
}

func TestDeleteOverPutRemovesEntry(t *testing.T) {
	t.Parallel()
	q := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a.txt", PUT, 5))
	require.NoError(t, q.Enqueue(ctx, "a.txt", DELETE, 0))

	_, ok, err := q.Head(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok, "DELETE over a PUT-only entry should remove it entirely")
}

func TestTempPathNeverEnqueued(t *testing.T) {
	t.Parallel()
	q := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, ".hidden", PUT, 1))

	var count int
	require.NoError(t, q.Iterate(ctx, func(Entry) error { count++; return nil }))
	assert.Equal(t, 0, count, "invariant: no queue entry has a temp name")
}

func TestQueueMoveNormalToNormalCoalescing(t *testing.T) {
	t.Parallel()
	q := testQueue(t)
	ctx := context.Background()

	// "/a" is a previously unqueued cached file (no existing entry).
	require.NoError(t, q.QueueData(ctx, "a", MOVE, "b", 7))

	var entries []Entry
	require.NoError(t, q.Iterate(ctx, func(e Entry) error { entries = append(entries, e); return nil }))
	require.Len(t, entries, 2)

	byName := map[string]Entry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	require.Contains(t, byName, "a")
	require.Contains(t, byName, "b")
	assert.Equal(t, DELETE, byName["a"].Method)
	assert.Equal(t, PUT, byName["b"].Method)
}

func TestQueueMovePutOnlySourceBecomesPutAtDest(t *testing.T) {
	t.Parallel()
	q := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a", PUT, 3))
	require.NoError(t, q.QueueData(ctx, "a", MOVE, "b", 3))

	var entries []Entry
	require.NoError(t, q.Iterate(ctx, func(e Entry) error { entries = append(entries, e); return nil }))
	require.Len(t, entries, 1, "a PUT-only source moved should leave no DELETE, only dest PUT")
	assert.Equal(t, "b", entries[0].Name)
	assert.Equal(t, PUT, entries[0].Method)
}

func TestQueueMoveTempToTempNoOp(t *testing.T) {
	t.Parallel()
	q := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.QueueData(ctx, ".a", MOVE, ".b", 0))

	var count int
	require.NoError(t, q.Iterate(ctx, func(Entry) error { count++; return nil }))
	assert.Equal(t, 0, count)
}

func TestQueueMoveTempToNormalCreatesPut(t *testing.T) {
	t.Parallel()
	q := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.QueueData(ctx, ".a", MOVE, "b", 5))

	e, ok, err := q.Head(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", e.Name)
	assert.Equal(t, PUT, e.Method)
}

func TestQueueMoveNormalCachedToTempDeletesSource(t *testing.T) {
	t.Parallel()
	q := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.QueueData(ctx, "a", MOVE, ".b", 0))

	e, ok, err := q.Head(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", e.Name)
	assert.Equal(t, DELETE, e.Method)
}

func TestQueueMoveNormalQueuedToTempClearsSource(t *testing.T) {
	t.Parallel()
	q := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a", POST, 4))
	require.NoError(t, q.QueueData(ctx, "a", MOVE, ".b", 0))

	var count int
	require.NoError(t, q.Iterate(ctx, func(Entry) error { count++; return nil }))
	assert.Equal(t, 0, count, "normal-queued source moved into a temp dest should just clear")
}

func TestQueueCopyLeavesSourceUnchanged(t *testing.T) {
	t.Parallel()
	q := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a", POST, 4))
	require.NoError(t, q.QueueData(ctx, "a", COPY, "b", 4))

	var entries []Entry
	require.NoError(t, q.Iterate(ctx, func(e Entry) error { entries = append(entries, e); return nil }))
	require.Len(t, entries, 2)

	byName := map[string]Entry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	assert.Equal(t, POST, byName["a"].Method, "copy must not touch the source entry")
	assert.Equal(t, PUT, byName["b"].Method)
}

func TestQueueCopyIntoTempDestQueuesNothing(t *testing.T) {
	t.Parallel()
	q := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.QueueData(ctx, "a", COPY, ".b", 4))

	var count int
	require.NoError(t, q.Iterate(ctx, func(Entry) error { count++; return nil }))
	assert.Equal(t, 0, count)
}

func TestStatsSumsQueuedBytes(t *testing.T) {
	t.Parallel()
	q := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a", PUT, 100))
	require.NoError(t, q.Enqueue(ctx, "b", PUT, 200))

	entries := []Entry{}
	require.NoError(t, q.Iterate(ctx, func(e Entry) error { entries = append(entries, e); return nil }))
	require.Len(t, entries, 2)
	_, err := q.IncrementRetry(ctx, entries[0])
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Retrying)
	assert.EqualValues(t, 300, stats.TotalBytesQueued)
}

func TestGlobalInsertionOrderBetweenDistinctKeys(t *testing.T) {
	t.Parallel()
	q := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "first", PUT, 1))
	require.NoError(t, q.Enqueue(ctx, "second", PUT, 1))

	var entries []Entry
	require.NoError(t, q.Iterate(ctx, func(e Entry) error { entries = append(entries, e); return nil }))
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Name)
	assert.Equal(t, "second", entries[1].Name)
}

func TestPeekReturnsOldestWithoutRemoving(t *testing.T) {
	t.Parallel()
	q := testQueue(t)
	ctx := context.Background()

	_, ok, err := q.Peek(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "peek on an empty queue reports nothing")

	require.NoError(t, q.Enqueue(ctx, "first", PUT, 1))
	require.NoError(t, q.Enqueue(ctx, "second", PUT, 1))

	entry, ok, err := q.Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", entry.Name, "peek returns the globally-oldest entry")

	var count int
	require.NoError(t, q.Iterate(ctx, func(Entry) error { count++; return nil }))
	assert.Equal(t, 2, count, "peek does not remove the entry")
}
