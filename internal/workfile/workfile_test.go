package workfile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rqtree/internal/common"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "work.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReadWorkNotFound(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	_, err := s.ReadWork(context.Background(), "missing.txt")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestWriteAndReadWorkRoundtrip(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	lm := time.Unix(1700000000, 0).UTC()
	wf := WorkFile{Path: "a.txt", LastSyncDate: lm, RemoteLastModified: lm, OriginalName: "a.txt"}
	require.NoError(t, s.WriteWork(ctx, wf))

	got, err := s.ReadWork(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, lm, got.LastSyncDate)
	assert.Equal(t, lm, got.RemoteLastModified)
	assert.Equal(t, "a.txt", got.OriginalName)
}

func TestHasWork(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	has, err := s.HasWork(ctx, "a.txt")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.WriteWork(ctx, WorkFile{Path: "a.txt"}))
	has, err = s.HasWork(ctx, "a.txt")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestRefreshWorkUpdatesBaseline(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Hour)
	require.NoError(t, s.WriteWork(ctx, WorkFile{Path: "a.txt", LastSyncDate: before, RemoteLastModified: before, OriginalName: "a.txt"}))

	newMTime := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.RefreshWork(ctx, "a.txt", newMTime))

	got, err := s.ReadWork(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, newMTime, got.RemoteLastModified)
	assert.True(t, got.LastSyncDate.After(before))
	assert.Equal(t, "a.txt", got.OriginalName, "refresh must preserve originalName")
}

func TestDeleteRemovesWorkFile(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteWork(ctx, WorkFile{Path: "a.txt"}))
	require.NoError(t, s.Delete(ctx, "a.txt"))

	has, err := s.HasWork(ctx, "a.txt")
	require.NoError(t, err)
	assert.False(t, has)
}

// TestMoveLockedReadWriteDeleteDoesNotDeadlock exercises the normal rename
// path: an existing work-file is read, rewritten under the new path, and
// deleted under the old path, all from within fn while MoveLocked already
// holds both per-path locks. Using the public ReadWork/WriteWork/Delete
// here instead of the Locked helpers would deadlock on the second lock
// acquisition in the same goroutine.
func TestMoveLockedReadWriteDeleteDoesNotDeadlock(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	lm := time.Unix(1700000000, 0).UTC()
	require.NoError(t, s.WriteWork(ctx, WorkFile{Path: "old.txt", LastSyncDate: lm, RemoteLastModified: lm, OriginalName: "old.txt"}))

	done := make(chan error, 1)
	go func() {
		done <- s.MoveLocked(ctx, "old.txt", "new.txt", func(locked Locked) error {
			wf, err := locked.ReadWork("old.txt")
			if err != nil {
				return err
			}
			wf.Path = "new.txt"
			if err := locked.WriteWork(wf); err != nil {
				return err
			}
			return locked.Delete("old.txt")
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("MoveLocked deadlocked")
	}

	has, err := s.HasWork(ctx, "old.txt")
	require.NoError(t, err)
	assert.False(t, has)

	got, err := s.ReadWork(ctx, "new.txt")
	require.NoError(t, err)
	assert.Equal(t, "old.txt", got.OriginalName)
}

func TestMoveLockedSamePathTakesSingleLock(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	called := false
	err := s.MoveLocked(ctx, "a.txt", "a.txt", func(locked Locked) error {
		called = true
		_, err := locked.ReadWork("a.txt")
		if err != nil && err != common.ErrNotFound {
			return err
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}
