package engine

import (
	"context"

	"github.com/hashicorp/go-hclog"
)

// LogPublisher writes captured sensor values to the log. It is the
// default when no downstream integration is configured, so captured
// values are at least visible.
type LogPublisher struct {
	logger hclog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger hclog.Logger) *LogPublisher {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &LogPublisher{logger: logger.Named("publisher")}
}

// Publish logs the value. It never fails.
func (p *LogPublisher) Publish(_ context.Context, deviceID, sensorID string, value any) error {
	p.logger.Info("sensor value", "device", deviceID, "sensor", sensorID, "value", value)
	return nil
}
