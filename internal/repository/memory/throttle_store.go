package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"throttle-service/internal/models"
	"throttle-service/internal/repository"
)

var _ repository.ThrottleStore = (*ThrottleStore)(nil)

type key struct {
	identity string
	scope    string
}

// ThrottleStore keeps records in process memory. State is lost on restart.
type ThrottleStore struct {
	mu      sync.RWMutex
	records map[key]*models.ThrottleRecord
	closed  bool
	now     func() time.Time
}

func NewThrottleStore() *ThrottleStore {
	return &ThrottleStore{
		records: make(map[key]*models.ThrottleRecord),
		now:     time.Now,
	}
}

func (s *ThrottleStore) Get(_ context.Context, identity, scope string) (*models.ThrottleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, repository.ErrStoreClosed
	}
	rec, ok := s.records[key{identity, scope}]
	if !ok {
		return nil, repository.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (s *ThrottleStore) GetOrCreate(_ context.Context, identity, scope string, defaults models.RecordDefaults) (*models.ThrottleRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, repository.ErrStoreClosed
	}
	k := key{identity, scope}
	if rec, ok := s.records[k]; ok {
		return rec.Clone(), false, nil
	}
	rec := models.NewThrottleRecord(identity, scope, defaults, s.now())
	s.records[k] = rec
	return rec.Clone(), true, nil
}

func (s *ThrottleStore) Save(_ context.Context, record *models.ThrottleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return repository.ErrStoreClosed
	}
	rec := record.Clone()
	rec.UpdatedAt = s.now().UTC()
	if existing, ok := s.records[key{rec.Identity, rec.Scope}]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	s.records[key{rec.Identity, rec.Scope}] = rec
	return nil
}

func (s *ThrottleStore) Delete(_ context.Context, identity, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return repository.ErrStoreClosed
	}
	delete(s.records, key{identity, scope})
	return nil
}

// ListBlocked iterates over a snapshot, so fn may mutate the store.
func (s *ThrottleStore) ListBlocked(ctx context.Context, fn func(*models.ThrottleRecord) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return repository.ErrStoreClosed
	}
	snapshot := make([]*models.ThrottleRecord, 0, len(s.records))
	for _, rec := range s.records {
		if rec.LastBlockedAt != nil {
			snapshot = append(snapshot, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].Scope != snapshot[j].Scope {
			return snapshot[i].Scope < snapshot[j].Scope
		}
		return snapshot[i].Identity < snapshot[j].Identity
	})

	for _, rec := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the number of stored records.
func (s *ThrottleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *ThrottleStore) HealthCheck(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return repository.ErrStoreClosed
	}
	return nil
}

func (s *ThrottleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
