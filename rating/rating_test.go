package rating

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tos-network/capsulemesh/internal/store"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	db, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(cfg, db)
}

func TestRecordCompletionSetsInitialEWMA(t *testing.T) {
	s := newTestStore(t, Config{})
	r := s.RecordCompletion("node-a", DefaultTargetMs)
	require.InDelta(t, 10000, r.EWMA, 0.001)
	require.Equal(t, 1, r.Completed)
}

func TestRecordCompletionBlendsWithPriorEWMA(t *testing.T) {
	s := newTestStore(t, Config{})
	s.RecordCompletion("node-a", DefaultTargetMs) // ewma = 10000
	r := s.RecordCompletion("node-a", DefaultTargetMs*10000)
	// second sample is near-zero speed score; blended ewma should drop
	// but not collapse to zero in one step (alpha=0.2).
	require.Less(t, r.EWMA, 10000.0)
	require.Greater(t, r.EWMA, 0.0)
	require.Equal(t, 2, r.Completed)
}

func TestRecordFailureIncrementsCounterAndLowersScore(t *testing.T) {
	s := newTestStore(t, Config{})
	s.RecordCompletion("node-a", DefaultTargetMs)
	before := s.Get("node-a").Score()
	r := s.RecordFailure("node-a")
	require.Equal(t, 1, r.Failed)
	require.Less(t, r.Score(), before)
}

func TestAddLikeIsUniquePerTask(t *testing.T) {
	s := newTestStore(t, Config{})
	_, err := s.AddLike("task_1", "node-a", "node-b")
	require.NoError(t, err)
	_, err = s.AddLike("task_1", "node-a", "node-c")
	require.ErrorIs(t, err, ErrDuplicateLike)
	require.Equal(t, 1, s.Get("node-a").Likes)
}

func TestIsDisqualifiedRequiresMinTasksAndLowScore(t *testing.T) {
	s := newTestStore(t, Config{MinTasks: 2, Threshold: 50})
	s.RecordCompletion("node-a", DefaultTargetMs*10000) // low speed score
	require.False(t, s.IsDisqualified("node-a"), "below minTasks")

	s.RecordCompletion("node-a", DefaultTargetMs*10000) // reaches minTasks
	s.RecordFailure("node-a")
	s.RecordFailure("node-a")
	require.True(t, s.IsDisqualified("node-a"))
}

func TestScoreFormula(t *testing.T) {
	r := Record{EWMA: 100, Completed: 3, Likes: 2, Failed: 1}
	// 100 + 2*3 + 2 - 10*1 = 98
	require.Equal(t, 98, r.Score())
}

func TestScoreNeverNegative(t *testing.T) {
	r := Record{EWMA: 0, Completed: 0, Likes: 0, Failed: 5}
	require.Equal(t, 0, r.Score())
}

func TestRehydrateRestoresRecordsAndLikes(t *testing.T) {
	db, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewStore(Config{}, db)
	s.RecordCompletion("node-a", DefaultTargetMs)
	s.RecordFailure("node-a")
	_, err = s.AddLike("task_1", "node-a", "node-b")
	require.NoError(t, err)

	restored := NewStore(Config{}, db)
	require.NoError(t, restored.Rehydrate())

	require.Equal(t, s.Get("node-a"), restored.Get("node-a"))
	_, err = restored.AddLike("task_1", "node-c", "node-d")
	require.ErrorIs(t, err, ErrDuplicateLike)
}
