package mock

import (
	"context"
	"fmt"
	"image"
	"sync"
)

// Extractor returns scripted sensor values regardless of screen content.
type Extractor struct {
	mu sync.Mutex
	// Values maps sensor IDs to the value returned for them.
	Values map[string]any
	calls  int
}

// NewExtractor creates an extractor that serves the given values.
func NewExtractor(values map[string]any) *Extractor {
	return &Extractor{Values: values}
}

// Extract returns the scripted value for sensorID.
func (e *Extractor) Extract(ctx context.Context, screen image.Image, sensorID string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	v, ok := e.Values[sensorID]
	if !ok {
		return nil, fmt.Errorf("unknown sensor %q", sensorID)
	}
	return v, nil
}

// Calls returns how many extractions ran.
func (e *Extractor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Published is one recorded publish call.
type Published struct {
	DeviceID string
	SensorID string
	Value    any
}

// Publisher records published values in memory.
type Publisher struct {
	mu      sync.Mutex
	records []Published
	// Err, when set, is returned by every Publish call.
	Err error
}

// Publish records the value.
func (p *Publisher) Publish(ctx context.Context, deviceID, sensorID string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.records = append(p.records, Published{DeviceID: deviceID, SensorID: sensorID, Value: value})
	return nil
}

// Records returns a copy of everything published so far.
func (p *Publisher) Records() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Published, len(p.records))
	copy(out, p.records)
	return out
}
