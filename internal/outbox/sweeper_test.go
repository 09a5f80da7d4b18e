package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
	deleted int64
	err     error
}

func (f *fakePurger) DeleteOldPublished(_ context.Context, olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, olderThan)
	return f.deleted, f.err
}

func (f *fakePurger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestSweeper_SweepOnce(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	purger := &fakePurger{deleted: 4}

	s := NewSweeper(purger, 24*time.Hour, time.Hour, nil, nil)
	s.now = func() time.Time { return now }

	deleted, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)

	require.Len(t, purger.cutoffs, 1)
	assert.Equal(t, now.Add(-24*time.Hour), purger.cutoffs[0])
}

func TestSweeper_SweepOnceError(t *testing.T) {
	purger := &fakePurger{err: errors.New("db down")}
	s := NewSweeper(purger, time.Hour, time.Hour, nil, nil)

	_, err := s.SweepOnce(context.Background())
	assert.Error(t, err)
}

func TestSweeper_RunUntilCancelled(t *testing.T) {
	purger := &fakePurger{}
	s := NewSweeper(purger, time.Hour, 5*time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return purger.calls() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeper_RejectsNonPositiveSettings(t *testing.T) {
	purger := &fakePurger{}

	_, err := NewSweeper(purger, 0, time.Hour, nil, nil).SweepOnce(context.Background())
	assert.ErrorIs(t, err, ErrInvalidSweep)
	assert.Zero(t, purger.calls(), "nothing deleted without a retention window")

	assert.ErrorIs(t, NewSweeper(purger, time.Hour, 0, nil, nil).Run(context.Background()), ErrInvalidSweep)
	assert.ErrorIs(t, NewSweeper(purger, -time.Hour, time.Hour, nil, nil).Run(context.Background()), ErrInvalidSweep)
}
