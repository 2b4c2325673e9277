// Package rating implements the node reputation engine described in
// spec.md §4.5: an EWMA speed score blended with completion, failure,
// and like counters into a single disqualification-gating score.
package rating

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/tos-network/capsulemesh/internal/log"
	"github.com/tos-network/capsulemesh/internal/store"
)

// Defaults per spec.md §4.5.
const (
	DefaultAlpha     = 0.2
	DefaultTargetMs  = 30 * 60 * 1000
	DefaultMinTasks  = 10
	DefaultThreshold = 10
)

// ErrDuplicateLike is returned by Store.AddLike when the given taskId
// already has a recorded like, which is unique per taskId.
var ErrDuplicateLike = errors.New("rating: task already liked")

// Record is one node's accumulated reputation state.
type Record struct {
	EWMA      float64
	HasSample bool
	Completed int
	Failed    int
	Likes     int
}

// Score is the derived aggregate: max(0, round(ewma + 2*completed +
// likes - 10*failed)), per spec.md §4.5.
func (r Record) Score() int {
	raw := r.EWMA + 2*float64(r.Completed) + float64(r.Likes) - 10*float64(r.Failed)
	rounded := int(raw + 0.5)
	if raw < 0 {
		rounded = int(raw - 0.5)
	}
	if rounded < 0 {
		return 0
	}
	return rounded
}

// Config tunes the scoring constants; a zero-valued Config is replaced
// field-by-field with the spec.md §4.5 defaults by NewStore.
type Config struct {
	Alpha     float64
	TargetMs  float64
	MinTasks  int
	Threshold int
}

func (c Config) withDefaults() Config {
	if c.Alpha == 0 {
		c.Alpha = DefaultAlpha
	}
	if c.TargetMs == 0 {
		c.TargetMs = DefaultTargetMs
	}
	if c.MinTasks == 0 {
		c.MinTasks = DefaultMinTasks
	}
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	return c
}

const (
	recordKeyPrefix = "rating/record/"
	likeKeyPrefix   = "rating/like/"
)

func recordKey(nodeID string) string { return recordKeyPrefix + nodeID }
func likeKey(taskID string) string   { return likeKeyPrefix + taskID }

// Store holds the per-node reputation records. Grounded on the
// get/set accessor idiom used for on-chain staking state, adapted to
// a plain in-memory map guarded by one RWMutex since reputation here
// has no consensus-critical storage substrate. Every mutation is
// snapshotted to durable storage, matching bazaar.Store's
// persist-on-every-mutation discipline (spec.md §5, §6).
type Store struct {
	cfg Config

	db  *store.DB
	log *log.Logger

	mu      sync.RWMutex
	records map[string]*Record
	likedTx map[string]string // taskId -> winnerNodeId, to enforce one like per task
}

// NewStore creates a Store with the given config (zero fields filled
// from spec.md §4.5 defaults), backed by db. Pass a db opened via
// internal/store.Open; an in-memory db ("") is valid for tests.
func NewStore(cfg Config, db *store.DB) *Store {
	return &Store{
		cfg:     cfg.withDefaults(),
		db:      db,
		log:     log.New("module", "rating"),
		records: make(map[string]*Record),
		likedTx: make(map[string]string),
	}
}

// Rehydrate loads persisted records and likes from db on startup.
func (s *Store) Rehydrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.IteratePrefix(recordKeyPrefix, func(key string, value []byte) bool {
		nodeID := key[len(recordKeyPrefix):]
		var r Record
		if err := json.Unmarshal(value, &r); err != nil {
			s.log.Warn("skipping corrupt rating record", "key", key, "err", err)
			return true
		}
		clone := r
		s.records[nodeID] = &clone
		return true
	}); err != nil {
		return err
	}

	return s.db.IteratePrefix(likeKeyPrefix, func(key string, value []byte) bool {
		taskID := key[len(likeKeyPrefix):]
		var winnerNodeID string
		if err := json.Unmarshal(value, &winnerNodeID); err != nil {
			s.log.Warn("skipping corrupt like record", "key", key, "err", err)
			return true
		}
		s.likedTx[taskID] = winnerNodeID
		return true
	})
}

func (s *Store) persistRecordLocked(nodeID string, r *Record) {
	if err := s.db.PutJSON(recordKey(nodeID), r); err != nil {
		s.log.Crit("failed to persist rating record", "nodeId", nodeID, "err", err)
	}
}

func (s *Store) persistLikeLocked(taskID, winnerNodeID string) {
	if err := s.db.PutJSON(likeKey(taskID), winnerNodeID); err != nil {
		s.log.Crit("failed to persist rating like", "taskId", taskID, "err", err)
	}
}

func (s *Store) getLocked(nodeID string) *Record {
	r, ok := s.records[nodeID]
	if !ok {
		r = &Record{}
		s.records[nodeID] = r
	}
	return r
}

// speedScore converts a task's completion duration into a 0..10000
// bounded sample, per spec.md §4.5.
func (s *Store) speedScore(durationMs float64) float64 {
	if durationMs <= 0 {
		return 10000
	}
	raw := s.cfg.TargetMs / durationMs * 10000
	if raw < 0 {
		return 0
	}
	if raw > 10000 {
		return 10000
	}
	return raw
}

// RecordCompletion updates nodeID's EWMA speed score and completed
// counter for a task that took durationMs to finish.
func (s *Store) RecordCompletion(nodeID string, durationMs float64) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.getLocked(nodeID)

	sample := s.speedScore(durationMs)
	if !r.HasSample {
		r.EWMA = sample
		r.HasSample = true
	} else {
		r.EWMA = s.cfg.Alpha*sample + (1-s.cfg.Alpha)*r.EWMA
	}
	r.Completed++
	s.persistRecordLocked(nodeID, r)
	return *r
}

// RecordFailure increments nodeID's failure counter.
func (s *Store) RecordFailure(nodeID string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.getLocked(nodeID)
	r.Failed++
	s.persistRecordLocked(nodeID, r)
	return *r
}

// AddLike records a like for winnerNodeID attributed to taskID. Fails
// if taskID already has a recorded like (spec.md §4.5: "a like is
// unique per taskId").
func (s *Store) AddLike(taskID, winnerNodeID, likedByNodeID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.likedTx[taskID]; ok {
		return Record{}, ErrDuplicateLike
	}
	s.likedTx[taskID] = winnerNodeID
	s.persistLikeLocked(taskID, winnerNodeID)
	r := s.getLocked(winnerNodeID)
	r.Likes++
	s.persistRecordLocked(winnerNodeID, r)
	return *r, nil
}

// Get returns the current record for nodeID.
func (s *Store) Get(nodeID string) Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[nodeID]; ok {
		return *r
	}
	return Record{}
}

// IsDisqualified reports whether nodeID has completed at least
// MinTasks tasks and its score has fallen below Threshold.
func (s *Store) IsDisqualified(nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[nodeID]
	if !ok {
		return false
	}
	return r.Completed >= s.cfg.MinTasks && r.Score() < s.cfg.Threshold
}
