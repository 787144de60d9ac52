package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/ffbridge/internal/model"
	"github.com/CZERTAINLY/ffbridge/internal/store"
	"github.com/stretchr/testify/require"
)

func snapshot(t *testing.T, id int64, rc int, end time.Time) model.Snapshot {
	t.Helper()
	s := model.NewSession(id, model.KindFFmpeg, []string{"-i", "in.mp4", "out.mp4"}, end.Add(-2*time.Second))
	require.NoError(t, s.Start(end.Add(-time.Second)))
	require.NoError(t, s.Complete(end, rc))
	return s.Snapshot()
}

func TestSaveGet(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db, err := store.InitDB(ctx, filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	end := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r, err := store.FromSnapshot("bridge-1", snapshot(t, 3, 1, end))
	require.NoError(t, err)
	id, err := store.Save(ctx, db, r)
	require.NoError(t, err)
	require.Equal(t, 1, id)

	row, err := store.Get(ctx, db, r.UUID)
	require.NoError(t, err)
	require.Equal(t, 1, row.ID)
	require.Equal(t, "bridge-1", row.Bridge)
	require.Equal(t, int64(3), row.SessionID)
	require.Equal(t, model.KindFFmpeg, row.Kind)
	require.Equal(t, "-i in.mp4 out.mp4", row.Command)
	require.Equal(t, model.StateCompleted, row.State)
	require.NotNil(t, row.ReturnCode)
	require.Equal(t, 1, *row.ReturnCode)
	require.Nil(t, row.FailStackTrace)
	require.Equal(t, end, row.EndTime)
	require.Contains(t, row.String(), "return_code: 1")

	_, err = store.Get(ctx, db, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestFromSnapshot(t *testing.T) {
	t.Parallel()
	s := model.NewSession(1, model.KindFFprobe, nil, time.Now())
	_, err := store.FromSnapshot("b", s.Snapshot())
	require.ErrorIs(t, err, store.ErrNotFinal)

	require.NoError(t, s.Start(time.Now()))
	require.NoError(t, s.Fail(time.Now(), "exec: not found"))
	r, err := store.FromSnapshot("b", s.Snapshot())
	require.NoError(t, err)
	require.Nil(t, r.ReturnCode)
	require.NotNil(t, r.FailStackTrace)
	require.Equal(t, "exec: not found", *r.FailStackTrace)
	require.NotEmpty(t, r.UUID)
}

func TestListPrune(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db, err := store.InitDB(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		r, err := store.FromSnapshot("b", snapshot(t, int64(i+1), 0, base.Add(time.Duration(i)*24*time.Hour)))
		require.NoError(t, err)
		_, err = store.Save(ctx, db, r)
		require.NoError(t, err)
	}

	rows, err := store.List(ctx, db, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(5), rows[0].SessionID)
	require.Equal(t, int64(4), rows[1].SessionID)

	n, err := store.Prune(ctx, db, base.Add(48*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	rows, err = store.List(ctx, db, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestArchive(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	a, err := store.Open(ctx, model.Archive{
		Enabled:   true,
		Path:      filepath.Join(t.TempDir(), "nested", "sessions.db"),
		Retention: "P1D",
		Prune:     "@hourly",
	}, "bridge-2")
	require.NoError(t, err)
	a.Start()
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	old := snapshot(t, 1, 0, time.Now().Add(-72*time.Hour))
	fresh := snapshot(t, 2, 255, time.Now())
	require.NoError(t, a.Save(ctx, old))
	require.NoError(t, a.Save(ctx, fresh))

	n, err := a.Prune(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	rows, err := a.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "bridge-2", rows[0].Bridge)
	require.Equal(t, 255, *rows[0].ReturnCode)

	got, err := a.Get(ctx, rows[0].UUID)
	require.NoError(t, err)
	require.Equal(t, rows[0], got)
}

func TestArchiveBadConfig(t *testing.T) {
	t.Parallel()
	_, err := store.Open(t.Context(), model.Archive{
		Path:      filepath.Join(t.TempDir(), "a.db"),
		Retention: "P2M",
		Prune:     "@hourly",
	}, "b")
	require.ErrorIs(t, err, model.ErrISOFormat)

	_, err = store.Open(t.Context(), model.Archive{
		Path:      filepath.Join(t.TempDir(), "a.db"),
		Retention: "P1D",
		Prune:     "* * 32 * *",
	}, "b")
	require.ErrorContains(t, err, "archive.prune")
}
