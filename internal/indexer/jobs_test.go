package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryJobStore(t *testing.T) {
	s := NewMemoryJobStore()
	ctx := context.Background()

	older := Job{ID: "a", State: StateDone, CreatedAt: time.Now().Add(-time.Minute)}
	newer := Job{ID: "b", State: StateEmbedding, CreatedAt: time.Now()}
	require.NoError(t, s.Save(ctx, older))
	require.NoError(t, s.Save(ctx, newer))

	got, err := s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, StateEmbedding, got.State)

	jobs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "b", jobs[0].ID)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateDone, StateFailed, StateCancelled} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []State{StateReceived, StateCleaning, StateParsing, StateEmbedding, StateWriting} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestLockKey(t *testing.T) {
	assert.Equal(t, "default/a.csv", LockKey("a.csv", "default"))
	assert.NotEqual(t, LockKey("a.csv", "x"), LockKey("a.csv", "y"))
}
