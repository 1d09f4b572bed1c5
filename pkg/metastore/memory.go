package metastore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/types"
)

// MemoryStore is an in-process Store used by tests and the single-binary
// development mode. Records are deep-copied on the way in and out so
// callers can never alias store state.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*types.PhotoRecord

	failInserts int
	failUpdates int
}

// NewMemoryStore creates an empty in-process metadata store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*types.PhotoRecord),
	}
}

// FailInserts makes the next n Insert calls fail with a transient error
func (s *MemoryStore) FailInserts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failInserts = n
}

// FailUpdates makes the next n Update calls fail with a transient error
func (s *MemoryStore) FailUpdates(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpdates = n
}

func (s *MemoryStore) Insert(ctx context.Context, rec *types.PhotoRecord) error {
	if rec.ID == "" {
		return errdefs.New(errdefs.KindValidationFailed, "photo id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failInserts > 0 {
		s.failInserts--
		return errdefs.New(errdefs.KindTransientBackend, "injected insert failure")
	}

	if _, ok := s.records[rec.ID]; ok {
		return errdefs.New(errdefs.KindConflict, "photo already exists: %s", rec.ID)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	rec.UpdateSeq = 1
	s.records[rec.ID] = clone(rec)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*types.PhotoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "photo not found: %s", id)
	}
	return clone(rec), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, mutate func(*types.PhotoRecord) error) (*types.PhotoRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failUpdates > 0 {
		s.failUpdates--
		return nil, errdefs.New(errdefs.KindTransientBackend, "injected update failure")
	}

	current, ok := s.records[id]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "photo not found: %s", id)
	}

	rec := clone(current)
	if err := mutate(rec); err != nil {
		return nil, err
	}
	if rec.ID != id || rec.Checksum != current.Checksum || rec.BlobKey != current.BlobKey {
		return nil, errdefs.New(errdefs.KindInternal, "photo %s: id, checksum and blob_key are immutable", id)
	}

	now := time.Now().UTC()
	if !now.After(current.UpdatedAt) {
		now = current.UpdatedAt.Add(time.Microsecond)
	}
	rec.UpdatedAt = now
	rec.UpdateSeq = current.UpdateSeq + 1

	s.records[id] = clone(rec)
	return rec, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) ListByClient(ctx context.Context, clientID string, limit, offset int) ([]*types.PhotoRecord, error) {
	return s.scan(func(rec *types.PhotoRecord) bool { return rec.ClientID == clientID }, limit, offset)
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*types.PhotoRecord, error) {
	return s.scan(func(rec *types.PhotoRecord) bool { return rec.UserID == userID }, limit, offset)
}

func (s *MemoryStore) scan(match func(*types.PhotoRecord) bool, limit, offset int) ([]*types.PhotoRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	var all []*types.PhotoRecord
	for _, rec := range s.records {
		if match(rec) {
			all = append(all, rec)
		}
	}
	s.mu.RUnlock()

	// newest upload first, ID as tiebreaker for a stable order
	sort.Slice(all, func(i, j int) bool {
		if !all[i].UploadedAt.Equal(all[j].UploadedAt) {
			return all[i].UploadedAt.After(all[j].UploadedAt)
		}
		return all[i].ID < all[j].ID
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}

	out := make([]*types.PhotoRecord, len(all))
	for i, rec := range all {
		out[i] = clone(rec)
	}
	return out, nil
}

func (s *MemoryStore) Search(ctx context.Context, query string, limit int) ([]*types.PhotoRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	needle := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []*types.PhotoRecord
	for _, rec := range s.records {
		if len(recs) >= limit {
			break
		}
		if strings.Contains(strings.ToLower(rec.OriginalName), needle) ||
			strings.Contains(strings.ToLower(rec.MimeType), needle) {
			recs = append(recs, clone(rec))
		}
	}
	return recs, nil
}

func (s *MemoryStore) Count(ctx context.Context, f Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, rec := range s.records {
		if matches(rec, f) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) FindByChecksum(ctx context.Context, clientID, checksum string) (*types.PhotoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.records {
		if rec.ClientID == clientID && rec.Checksum == checksum {
			return clone(rec), nil
		}
	}
	return nil, errdefs.New(errdefs.KindNotFound, "no photo with checksum %s for client %s", checksum, clientID)
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// clone deep-copies via JSON; record shapes are small and this keeps the
// copy honest as fields are added.
func clone(rec *types.PhotoRecord) *types.PhotoRecord {
	data, err := json.Marshal(rec)
	if err != nil {
		cp := *rec
		return &cp
	}
	var out types.PhotoRecord
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *rec
		return &cp
	}
	return &out
}

var _ Store = (*MemoryStore)(nil)
