package registry_test

import (
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/ffbridge/internal/model"
	"github.com/CZERTAINLY/ffbridge/internal/registry"
	"github.com/stretchr/testify/require"
)

func TestCreateGet(t *testing.T) {
	t.Parallel()
	r, err := registry.New(registry.DefaultHistorySize)
	require.NoError(t, err)

	a := r.Create(model.KindFFmpeg, []string{"-version"})
	b := r.Create(model.KindFFprobe, []string{"-i", "in.mp4"})
	require.Equal(t, int64(1), a.ID())
	require.Equal(t, int64(2), b.ID())
	require.Equal(t, model.StateCreated, a.State())

	got, err := r.Get(2)
	require.NoError(t, err)
	require.Same(t, b, got)

	_, err = r.Get(99)
	require.ErrorIs(t, err, model.ErrSessionNotFound)
	require.Equal(t, model.CodeSessionNotFound, model.CodeOf(err))

	require.Equal(t, []*model.Session{a, b}, r.List())
	require.Equal(t, []*model.Session{b}, r.ListByKind(model.KindFFprobe))
	last, ok := r.Last()
	require.True(t, ok)
	require.Same(t, b, last)
}

func TestEviction(t *testing.T) {
	t.Parallel()
	const k, j = 5, 3
	r, err := registry.New(k)
	require.NoError(t, err)

	for range k + j {
		r.Create(model.KindFFmpeg, nil)
	}
	for id := int64(1); id <= j; id++ {
		_, err := r.Get(id)
		require.ErrorIs(t, err, model.ErrSessionNotFound)
	}
	for id := int64(j + 1); id <= k+j; id++ {
		_, err := r.Get(id)
		require.NoError(t, err)
	}
	require.Len(t, r.List(), k)
}

func TestEvictionSkipsRunning(t *testing.T) {
	t.Parallel()
	r, err := registry.New(2)
	require.NoError(t, err)

	running := r.Create(model.KindFFmpeg, nil)
	require.NoError(t, running.Start(time.Now()))
	r.Create(model.KindFFmpeg, nil)
	r.Create(model.KindFFmpeg, nil) // evicts id 2, not the running id 1

	_, err = r.Get(running.ID())
	require.NoError(t, err)
	_, err = r.Get(2)
	require.ErrorIs(t, err, model.ErrSessionNotFound)

	// limit 1 with a running session: the registry exceeds it temporarily
	require.NoError(t, r.SetHistoryLimit(1))
	fresh := r.Create(model.KindFFmpeg, nil)
	_, err = r.Get(running.ID())
	require.NoError(t, err)
	_, err = r.Get(fresh.ID())
	require.NoError(t, err)
	require.Len(t, r.List(), 2)

	require.NoError(t, running.Complete(time.Now(), 0))
	r.Create(model.KindFFmpeg, nil)
	_, err = r.Get(running.ID())
	require.ErrorIs(t, err, model.ErrSessionNotFound)
}

func TestHistoryLimit(t *testing.T) {
	t.Parallel()
	r, err := registry.New(registry.DefaultHistorySize)
	require.NoError(t, err)
	require.Equal(t, 10, r.HistoryLimit())

	err = r.SetHistoryLimit(-1)
	require.ErrorIs(t, err, model.ErrInvalidSize)
	require.Equal(t, 10, r.HistoryLimit())
	require.ErrorIs(t, r.SetHistoryLimit(registry.MaxHistorySize), model.ErrInvalidSize)
	require.ErrorIs(t, r.SetHistoryLimit(5000), model.ErrInvalidSize)
	require.Equal(t, 10, r.HistoryLimit())
	require.NoError(t, r.SetHistoryLimit(registry.MaxHistorySize-1))

	require.NoError(t, r.SetHistoryLimit(0))
	for range 50 {
		r.Create(model.KindFFprobe, nil)
	}
	require.Len(t, r.List(), 50)

	require.NoError(t, r.SetHistoryLimit(3))
	sessions := r.List()
	require.Len(t, sessions, 3)
	require.Equal(t, int64(48), sessions[0].ID())

	_, err = registry.New(-5)
	require.ErrorIs(t, err, model.ErrInvalidSize)
}

func TestClear(t *testing.T) {
	t.Parallel()
	r, err := registry.New(registry.DefaultHistorySize)
	require.NoError(t, err)
	s := r.Create(model.KindFFmpeg, nil)
	require.NoError(t, s.Start(time.Now()))

	r.Clear()
	require.Empty(t, r.List())
	r.Clear()
	require.Empty(t, r.List())

	// the caller still owns the in-flight session
	require.NoError(t, s.Complete(time.Now(), 0))
	require.Equal(t, model.StateCompleted, s.State())

	next := r.Create(model.KindFFmpeg, nil)
	require.Equal(t, int64(2), next.ID())
}

func TestByStateAndLastCompleted(t *testing.T) {
	t.Parallel()
	created := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	r, err := registry.New(0)
	require.NoError(t, err)
	r.WithClock(func() time.Time { return created })

	a := r.Create(model.KindFFmpeg, nil)
	b := r.Create(model.KindFFmpeg, nil)
	c := r.Create(model.KindFFmpeg, nil)
	require.Equal(t, created, a.CreateTime())

	_, ok := r.LastCompleted()
	require.False(t, ok)

	for _, s := range []*model.Session{a, b} {
		require.NoError(t, s.Start(created))
		require.NoError(t, s.Complete(created, 0))
	}
	require.Equal(t, []*model.Session{a, b}, r.ListByState(model.StateCompleted))
	require.Equal(t, []*model.Session{c}, r.ListByState(model.StateCreated))

	last, ok := r.LastCompleted()
	require.True(t, ok)
	require.Same(t, b, last)
}

func TestConcurrentCreate(t *testing.T) {
	t.Parallel()
	r, err := registry.New(0)
	require.NoError(t, err)
	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			for range 50 {
				s := r.Create(model.KindFFmpeg, nil)
				_, err := r.Get(s.ID())
				require.NoError(t, err)
				_ = r.List()
			}
		})
	}
	wg.Wait()

	seen := make(map[int64]struct{})
	for _, s := range r.List() {
		_, dup := seen[s.ID()]
		require.False(t, dup)
		seen[s.ID()] = struct{}{}
	}
	require.Len(t, seen, 1000)
}
