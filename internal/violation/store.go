package violation

import (
	"context"
	"errors"
	"sync"

	"github.com/stemsi/exstem-live/internal/model"
)

// DefaultMaxViolations is the production violation ceiling.
const DefaultMaxViolations = 10

// ErrUnknownAssessment is returned for assessments that were never initialised.
var ErrUnknownAssessment = errors.New("violations not initialised for assessment")

// Store persists violation records keyed by assessment. Each key is mutated
// only by the tracker of that assessment.
type Store interface {
	// Init creates the record for assessmentID if it does not exist yet.
	Init(ctx context.Context, assessmentID string, maxViolations int) (model.ViolationRecord, error)
	Get(ctx context.Context, assessmentID string) (model.ViolationRecord, error)
	// Add appends entry, increments the count and returns the new record.
	Add(ctx context.Context, assessmentID string, entry model.ViolationEntry) (model.ViolationRecord, error)
	SetFullscreenRequired(ctx context.Context, assessmentID string, required bool) error
	// Reset zeroes the count and drops the entries.
	Reset(ctx context.Context, assessmentID string) error
	// Clear deletes the record.
	Clear(ctx context.Context, assessmentID string) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*model.ViolationRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*model.ViolationRecord)}
}

func (s *MemoryStore) Init(_ context.Context, id string, maxViolations int) (model.ViolationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		if maxViolations <= 0 {
			maxViolations = DefaultMaxViolations
		}
		rec = &model.ViolationRecord{MaxViolations: maxViolations, Violations: []model.ViolationEntry{}}
		s.records[id] = rec
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (model.ViolationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return model.ViolationRecord{}, ErrUnknownAssessment
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) Add(_ context.Context, id string, entry model.ViolationEntry) (model.ViolationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return model.ViolationRecord{}, ErrUnknownAssessment
	}
	rec.Count++
	rec.Violations = append(rec.Violations, entry)
	return copyRecord(rec), nil
}

func (s *MemoryStore) SetFullscreenRequired(_ context.Context, id string, required bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrUnknownAssessment
	}
	rec.IsFullscreenRequired = required
	return nil
}

func (s *MemoryStore) Reset(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrUnknownAssessment
	}
	rec.Count = 0
	rec.Violations = []model.ViolationEntry{}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func copyRecord(r *model.ViolationRecord) model.ViolationRecord {
	out := *r
	out.Violations = append([]model.ViolationEntry{}, r.Violations...)
	return out
}
