package session

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitpulse/sessioncore/pkg/logger"
	"github.com/fitpulse/sessioncore/store"
)

func newTestArchive(t *testing.T, st store.Store[[]Archived], limit int) *Archive {
	t.Helper()
	a, err := NewArchive(context.Background(), ArchiveConfig{
		Store:  st,
		Limit:  limit,
		Logger: logger.Nop(),
	})
	require.NoError(t, err)
	return a
}

func archivedState(i int) *State {
	return &State{
		SessionID: fmt.Sprintf("s%d", i),
		WorkoutID: fmt.Sprintf("w%d", i),
		Kind:      KindStrength,
		Completed: true,
		Sub:       &StrengthState{},
	}
}

func TestArchive_AppendNewestFirst(t *testing.T) {
	a := newTestArchive(t, store.NewMemoryStore[[]Archived](), 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a.Append(ctx, archivedState(i))
	}

	history := a.History()
	require.Len(t, history, 3)
	assert.Equal(t, "s2", history[0].State.SessionID)
	assert.Equal(t, "s0", history[2].State.SessionID)
}

func TestArchive_Bounded(t *testing.T) {
	a := newTestArchive(t, store.NewMemoryStore[[]Archived](), 5)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		a.Append(ctx, archivedState(i))
	}

	history := a.History()
	require.Len(t, history, 5)
	// The newest survive; the oldest were evicted.
	assert.Equal(t, "s7", history[0].State.SessionID)
	assert.Equal(t, "s3", history[4].State.SessionID)
}

func TestArchive_ReloadFromStore(t *testing.T) {
	st := store.NewMemoryStore[[]Archived]()
	ctx := context.Background()

	first := newTestArchive(t, st, 0)
	first.Append(ctx, archivedState(1))
	first.Append(ctx, archivedState(2))

	second := newTestArchive(t, st, 0)
	require.Equal(t, 2, second.Len())
	assert.Equal(t, "s2", second.History()[0].State.SessionID)
}

func TestArchive_CorruptSlotStartsEmpty(t *testing.T) {
	st := store.NewMemoryStore[[]Archived]()
	st.Corrupt(HistoryKey)

	a := newTestArchive(t, st, 0)
	assert.Equal(t, 0, a.Len())

	// The corrupt slot was cleared so the next save can succeed.
	exists, err := st.Exists(context.Background(), HistoryKey)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestArchive_HistoryReturnsCopy(t *testing.T) {
	a := newTestArchive(t, store.NewMemoryStore[[]Archived](), 0)
	a.Append(context.Background(), archivedState(1))

	history := a.History()
	history[0] = Archived{}

	assert.Equal(t, "s1", a.History()[0].State.SessionID)
}
