package idempotency

import (
	"sync"
	"time"
)

// RecordStatus tracks one record's lifecycle. A record transitions
// pending to completed or failed exactly once and never reverts to
// pending; a completed record is authoritative.
type RecordStatus string

const (
	StatusPending   RecordStatus = "pending"
	StatusCompleted RecordStatus = "completed"
	StatusFailed    RecordStatus = "failed"
)

// Record is the stored outcome for one content hash.
type Record struct {
	KeyHash   string       `json:"key_hash"`
	TaskID    string       `json:"task_id"`
	BatchID   string       `json:"batch_id"`
	Status    RecordStatus `json:"status"`
	Result    string       `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Store persists idempotency records keyed by content hash.
type Store interface {
	// Get returns the record for a key, or nil if none exists.
	Get(keyHash string) (*Record, error)

	// MarkPending creates a pending record unless a record already
	// exists, in which case the existing record is returned unchanged.
	MarkPending(keyHash, taskID, batchID string) (*Record, error)

	// MarkCompleted records a successful outcome. Overwrites pending and
	// failed records; a completed record stays completed.
	MarkCompleted(keyHash, result string) error

	// MarkFailed records a failed outcome. A completed record is
	// authoritative and is not overwritten.
	MarkFailed(keyHash, errMsg string) error

	Close() error
}

// IsProcessed reports whether the key has a completed record whose
// cached result can be reused.
func IsProcessed(s Store, keyHash string) (bool, error) {
	rec, err := s.Get(keyHash)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.Status == StatusCompleted, nil
}

// MemoryStore keeps records in process memory. State is lost on restart;
// use the sqlite store when deduplication must survive across runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Get(keyHash string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[keyHash]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) MarkPending(keyHash, taskID, batchID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[keyHash]; ok {
		cp := *rec
		return &cp, nil
	}
	now := time.Now()
	rec := &Record{
		KeyHash:   keyHash,
		TaskID:    taskID,
		BatchID:   batchID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[keyHash] = rec
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) MarkCompleted(keyHash, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[keyHash]
	if !ok {
		rec = &Record{KeyHash: keyHash, CreatedAt: time.Now()}
		s.records[keyHash] = rec
	}
	rec.Status = StatusCompleted
	rec.Result = result
	rec.Error = ""
	rec.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) MarkFailed(keyHash, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[keyHash]
	if !ok {
		rec = &Record{KeyHash: keyHash, CreatedAt: time.Now()}
		s.records[keyHash] = rec
	}
	if rec.Status == StatusCompleted {
		return nil
	}
	rec.Status = StatusFailed
	rec.Error = errMsg
	rec.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
