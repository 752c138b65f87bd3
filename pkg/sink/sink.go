package sink

import "github.com/dangbb/pqexec-agent/pkg/instrumentors/events"

// Sink receives every decoded event, one call at a time.
type Sink interface {
	Name() string
	Write(e *events.Event) error
	// Close flushes pending output and releases the sink.
	Close() error
}
