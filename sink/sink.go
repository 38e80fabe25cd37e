// Package sink persists the observable event stream of a run. The broker
// writes every event it relays to exactly one sink; sinks that also implement
// Lister can serve the stream back for inspection after (or during) the run.
package sink

import (
	"errors"
	"fmt"

	"mobsim.dev/mobsim/config"
	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/internal/logging"
)

var errClosed = errors.New("sink is closed")

// Sink receives the ordered event stream of a run.
type Sink interface {
	Write(e event.Event) error
	Close() error
}

// Lister is implemented by sinks that can return the events written so far,
// in write order.
type Lister interface {
	Events() ([]event.Event, error)
}

// DepthGauge receives queue depth updates from queueing sinks.
type DepthGauge interface {
	SetQueueDepth(depth int)
}

// FromConfig builds the sink described by cfg. A nil gauge is fine; queueing
// sinks simply skip depth reporting.
func FromConfig(cfg config.Sink, log logging.Logger, gauge DepthGauge) (Sink, error) {
	switch cfg.Type {
	case config.SinkMemory, "":
		return NewMemory(), nil
	case config.SinkFile:
		return NewFile(cfg.Path)
	case config.SinkHTTP:
		return NewHTTP(HTTPConfig{
			Endpoint:     cfg.Endpoint,
			BatchSize:    cfg.BatchSize,
			HighWater:    cfg.HighWater,
			PollInterval: cfg.PollInterval,
			Log:          log,
			Gauge:        gauge,
		})
	case config.SinkSQLite:
		return NewSQLite(SQLiteConfig{
			OnDisk:    cfg.OnDisk,
			Directory: cfg.Directory,
		})
	case config.SinkPostgres:
		return NewPostgres(cfg.ConnStr, cfg.ClearDB)
	}
	return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
}
