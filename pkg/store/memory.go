package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devicelab-dev/screenpulse/pkg/core"
	"github.com/devicelab-dev/screenpulse/pkg/flow"
)

// MemStore is an in-memory FlowStore with the same record semantics as
// the badger store: GetFlow re-parses the saved source, so callers get
// an independent Flow, never a shared pointer.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]record
}

var _ core.FlowStore = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]record)}
}

func (s *MemStore) SaveFlow(_ context.Context, f *flow.Flow) error {
	s.mu.Lock()
	s.records[string(flowKey(f.DeviceID, f.ID))] = makeRecord(f)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) GetFlow(_ context.Context, deviceID, flowID string) (*flow.Flow, error) {
	s.mu.RLock()
	rec, ok := s.records[string(flowKey(deviceID, flowID))]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", core.ErrFlowNotFound, deviceID, flowID)
	}
	return rec.toFlow()
}

func (s *MemStore) ListFlows(_ context.Context, deviceID string) ([]*flow.Flow, error) {
	prefix := string(devicePrefix(deviceID))
	s.mu.RLock()
	recs := make([]record, 0, len(s.records))
	for key, rec := range s.records {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			recs = append(recs, rec)
		}
	}
	s.mu.RUnlock()

	flows := make([]*flow.Flow, 0, len(recs))
	for _, rec := range recs {
		f, err := rec.toFlow()
		if err != nil {
			continue
		}
		flows = append(flows, f)
	}
	return flows, nil
}

func (s *MemStore) DeleteFlow(_ context.Context, deviceID, flowID string) error {
	key := string(flowKey(deviceID, flowID))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; !ok {
		return fmt.Errorf("%w: %s/%s", core.ErrFlowNotFound, deviceID, flowID)
	}
	delete(s.records, key)
	return nil
}

func (s *MemStore) SaveStats(_ context.Context, f *flow.Flow) error {
	key := string(flowKey(f.DeviceID, f.ID))
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return fmt.Errorf("%w: %s/%s", core.ErrFlowNotFound, f.DeviceID, f.ID)
	}
	rec.Stats = f.Stats()
	rec.Enabled = f.Enabled()
	rec.UpdatedAt = time.Now()
	s.records[key] = rec
	return nil
}

func (s *MemStore) Close() error { return nil }
