package core

import (
	"context"
	"image"

	"github.com/devicelab-dev/screenpulse/pkg/flow"
)

// Extractor turns a region of a screenshot into a sensor value. The
// sensor's region and decoding rules live on the extractor side; the
// executor only hands over the working screenshot.
type Extractor interface {
	Extract(ctx context.Context, screen image.Image, sensorID string) (any, error)
}

// Publisher delivers captured sensor values downstream. Publishing is
// fire-and-forget from the executor's point of view: a failed publish is
// logged, never a step failure.
type Publisher interface {
	Publish(ctx context.Context, deviceID, sensorID string, value any) error
}

// FlowStore persists flow definitions and their execution statistics.
// The executor writes statistics back through SaveStats after each run.
type FlowStore interface {
	SaveFlow(ctx context.Context, f *flow.Flow) error
	GetFlow(ctx context.Context, deviceID, flowID string) (*flow.Flow, error)
	ListFlows(ctx context.Context, deviceID string) ([]*flow.Flow, error)
	DeleteFlow(ctx context.Context, deviceID, flowID string) error
	SaveStats(ctx context.Context, f *flow.Flow) error
	Close() error
}
