// Package store persists flow definitions and execution statistics.
// The badger-backed store survives restarts; MemStore serves tests and
// ephemeral runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v3"
	json "github.com/goccy/go-json"
	"github.com/hashicorp/go-hclog"

	"github.com/devicelab-dev/screenpulse/pkg/core"
	"github.com/devicelab-dev/screenpulse/pkg/flow"
)

// record is the persisted form of a flow. The raw YAML source is stored
// alongside the mutable fields so a loaded flow re-parses to exactly the
// steps that were saved.
type record struct {
	ID         string     `json:"id"`
	DeviceID   string     `json:"device_id"`
	Name       string     `json:"name"`
	SourcePath string     `json:"source_path,omitempty"`
	Source     []byte     `json:"source"`
	Enabled    bool       `json:"enabled"`
	Stats      flow.Stats `json:"stats"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func makeRecord(f *flow.Flow) record {
	return record{
		ID:         f.ID,
		DeviceID:   f.DeviceID,
		Name:       f.Name,
		SourcePath: f.SourcePath,
		Source:     f.Source,
		Enabled:    f.Enabled(),
		Stats:      f.Stats(),
		UpdatedAt:  time.Now(),
	}
}

// toFlow re-parses the stored source and restores the mutable state.
func (r record) toFlow() (*flow.Flow, error) {
	f, err := flow.Parse(r.Source, r.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored flow %s: %w", r.ID, err)
	}
	f.RestoreStats(r.Stats)
	f.SetEnabled(r.Enabled)
	return f, nil
}

// flowKey builds the badger key for one flow. The device segment makes
// per-device listing a prefix scan.
func flowKey(deviceID, flowID string) []byte {
	return []byte("flow/" + deviceID + "/" + flowID)
}

func devicePrefix(deviceID string) []byte {
	return []byte("flow/" + deviceID + "/")
}

// BadgerStore is a badger/v3 backed FlowStore.
type BadgerStore struct {
	db     *badger.DB
	logger hclog.Logger
}

var _ core.FlowStore = (*BadgerStore)(nil)

// Open opens (creating if needed) the store at dir.
func Open(dir string, logger hclog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("store")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = &badgerLogger{logger: logger.Named("badger")}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open flow store: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// SaveFlow writes the flow's full record, replacing any previous version.
func (s *BadgerStore) SaveFlow(_ context.Context, f *flow.Flow) error {
	rec := makeRecord(f)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode flow record: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(flowKey(f.DeviceID, f.ID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save flow %s: %w", f.ID, err)
	}
	s.logger.Debug("flow saved", "flow", f.ID, "device", f.DeviceID)
	return nil
}

// GetFlow loads one flow, re-parsed from its stored source.
func (s *BadgerStore) GetFlow(_ context.Context, deviceID, flowID string) (*flow.Flow, error) {
	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(flowKey(deviceID, flowID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", core.ErrFlowNotFound, deviceID, flowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flow %s: %w", flowID, err)
	}
	return rec.toFlow()
}

// ListFlows returns all flows stored for a device.
func (s *BadgerStore) ListFlows(_ context.Context, deviceID string) ([]*flow.Flow, error) {
	var flows []*flow.Flow
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = devicePrefix(deviceID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			f, err := rec.toFlow()
			if err != nil {
				// One corrupt record must not hide the rest.
				s.logger.Warn("skipping unparseable flow record", "key", string(it.Item().Key()), "error", err)
				continue
			}
			flows = append(flows, f)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list flows for %s: %w", deviceID, err)
	}
	return flows, nil
}

// DeleteFlow removes a flow record.
func (s *BadgerStore) DeleteFlow(_ context.Context, deviceID, flowID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		key := flowKey(deviceID, flowID)
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s/%s", core.ErrFlowNotFound, deviceID, flowID)
	}
	if err != nil {
		return fmt.Errorf("failed to delete flow %s: %w", flowID, err)
	}
	return nil
}

// SaveStats updates only the statistics and enabled flag of an existing
// record, in a single read-modify-write transaction.
func (s *BadgerStore) SaveStats(_ context.Context, f *flow.Flow) error {
	key := flowKey(f.DeviceID, f.ID)
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		var rec record
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}

		rec.Stats = f.Stats()
		rec.Enabled = f.Enabled()
		rec.UpdatedAt = time.Now()

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s/%s", core.ErrFlowNotFound, f.DeviceID, f.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to save stats for %s: %w", f.ID, err)
	}
	return nil
}

// Close flushes and closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger adapts badger's logger interface to hclog. Badger is
// chatty at info level, so only warnings and errors pass through.
type badgerLogger struct {
	logger hclog.Logger
}

func (b *badgerLogger) Errorf(format string, args ...interface{}) {
	b.logger.Error(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Warningf(format string, args ...interface{}) {
	b.logger.Warn(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Infof(string, ...interface{}) {}

func (b *badgerLogger) Debugf(string, ...interface{}) {}
