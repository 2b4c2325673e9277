package capsule

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/tos-network/capsulemesh/internal/log"
	"github.com/tos-network/capsulemesh/internal/store"
)

var (
	// ErrAssetIDMismatch is returned by Store when a record's
	// recomputed asset_id disagrees with its declared one, per
	// spec.md §4.4's tamper-detection invariant.
	ErrAssetIDMismatch = errors.New("capsule: asset id does not match recomputed content hash")
)

const recordKeyPrefix = "capsule/record/"

func recordKey(assetID string) string { return recordKeyPrefix + assetID }

// Store is the content-addressed capsule index. Grounded on the agent
// registry's map-plus-RWMutex shape, adapted to capsule content
// addressing and confidence-ranked query. Every mutation is
// snapshotted to durable storage, matching bazaar.Store's
// persist-on-every-mutation discipline (spec.md §5, §6).
type Store struct {
	db  *store.DB
	log *log.Logger

	mu      sync.RWMutex
	records map[string]*Record
}

// NewStore creates a Store backed by db. Pass a db opened via
// internal/store.Open; an in-memory db ("") is valid for tests.
func NewStore(db *store.DB) *Store {
	return &Store{
		db:      db,
		log:     log.New("module", "capsule"),
		records: make(map[string]*Record),
	}
}

// Rehydrate loads persisted records from db on startup.
func (s *Store) Rehydrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.IteratePrefix(recordKeyPrefix, func(key string, value []byte) bool {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			s.log.Warn("skipping corrupt capsule record", "key", key, "err", err)
			return true
		}
		clone := rec
		s.records[rec.AssetID] = &clone
		return true
	})
}

func (s *Store) persistLocked(rec *Record) {
	if err := s.db.PutJSON(recordKey(rec.AssetID), rec); err != nil {
		s.log.Crit("failed to persist capsule record", "assetId", rec.AssetID, "err", err)
	}
}

// Store inserts or replaces rec, keyed by its asset id. Idempotent: a
// second Store call for the same asset_id with identical content is a
// no-op overwrite. Fills defaults for Status, Type, and Confidence
// when left zero-valued, per spec.md §4.4. A metadata-only record
// (declared asset id, empty Content) keeps its declared id, since there
// is no content to recompute it from.
func (s *Store) Store(rec Record) (Record, error) {
	want := AssetID(rec.Content)
	if rec.AssetID == "" {
		rec.AssetID = want
	} else if rec.Content != "" && rec.AssetID != want {
		return Record{}, ErrAssetIDMismatch
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	if rec.Type == "" {
		rec.Type = sniffType(rec.Content)
	}
	if rec.Confidence == 0 {
		rec.Confidence = 1.0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	clone := rec
	s.records[rec.AssetID] = &clone
	s.persistLocked(&clone)
	return clone, nil
}

// Get returns the full record (including private content) for assetID.
func (s *Store) Get(assetID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.records[assetID]
	if !ok {
		return Record{}, false
	}
	return *p, true
}

// Remove deletes the record for assetID, if present.
func (s *Store) Remove(assetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, assetID)
	if err := s.db.Delete(recordKey(assetID)); err != nil {
		s.log.Crit("failed to delete capsule record", "assetId", assetID, "err", err)
	}
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Query returns public projections matching filter, sorted by
// confidence descending, stable across calls with identical store
// contents (spec.md §4.4).
func (s *Store) Query(filter QueryFilter) []PublicProjection {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Iterate assetIDs in sorted order first so that ties in
	// confidence produce a deterministic result across calls.
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var results []PublicProjection
	for _, id := range ids {
		rec := s.records[id]
		if !matches(rec, filter) {
			continue
		}
		results = append(results, rec.Public())
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Confidence > results[j].Confidence
	})

	if len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results
}

func matches(rec *Record, f QueryFilter) bool {
	if f.Type != "" && !strings.EqualFold(rec.Type, f.Type) {
		return false
	}
	if f.Creator != "" && rec.Attribution.Creator != f.Creator {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if rec.Confidence < f.MinConfidence {
		return false
	}
	if len(f.Tags) > 0 && !tagsIntersect(rec.Tags, f.Tags) {
		return false
	}
	return true
}

func tagsIntersect(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[strings.ToLower(t)] = true
	}
	for _, t := range want {
		if set[strings.ToLower(t)] {
			return true
		}
	}
	return false
}

// Search returns public projections whose JSON-serialized public
// projection contains the given text, case-insensitively (spec.md §4.4).
func (s *Store) Search(text string) []PublicProjection {
	needle := strings.ToLower(text)

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var results []PublicProjection
	for _, id := range ids {
		rec := s.records[id]
		raw, err := json.Marshal(rec.Public())
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(string(raw)), needle) {
			results = append(results, rec.Public())
		}
	}
	return results
}
