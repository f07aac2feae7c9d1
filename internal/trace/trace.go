// Package trace is the structured per-event sink described in the server
// facade's design: probe starts/ends, rumor applies, piggyback choices.
// Disabled by default; while disabled it costs one check per event, never an
// allocation. It follows the same environment-switch idiom the teacher uses
// for its log level (HAB_FLEET_TRACE instead of a verbosity flag).
package trace

import (
	"os"
	"time"

	"github.com/fleetswarm/core/internal/log"
)

// EnvVar is the environment switch that enables tracing when set to "1".
const EnvVar = "HAB_FLEET_TRACE"

// EventKind tags the kind of traced event.
type EventKind string

const (
	ProbeStart    EventKind = "probe_start"
	ProbeEnd      EventKind = "probe_end"
	RumorApplied  EventKind = "rumor_applied"
	PiggybackSent EventKind = "piggyback_sent"
)

// Event is one structured trace record.
type Event struct {
	Kind   EventKind
	At     time.Time
	Fields map[string]any
}

// Sink receives trace events. A nil *Sink is valid and every method on it is
// a no-op, so callers on the hot path can hold a Sink field and skip the
// nil check only when they also want to skip building the Fields map.
type Sink struct {
	logger  *log.Logger
	enabled bool
}

// New builds a sink. If enabled is false, Emit is a no-op.
func New(logger *log.Logger, enabled bool) *Sink {
	return &Sink{logger: logger.With("component", "trace"), enabled: enabled}
}

// FromEnv builds a sink whose enabled state is read from EnvVar.
func FromEnv(logger *log.Logger) *Sink {
	return New(logger, os.Getenv(EnvVar) == "1")
}

// Enabled reports whether the sink will emit anything, so callers can skip
// building an Event's Fields map entirely when tracing is off.
func (s *Sink) Enabled() bool {
	return s != nil && s.enabled
}

// Emit records one trace event. Callers should guard expensive Fields
// construction with Enabled() first.
func (s *Sink) Emit(kind EventKind, fields map[string]any) {
	if !s.Enabled() {
		return
	}
	args := make([]any, 0, len(fields)*2+2)
	args = append(args, "kind", string(kind))
	for k, v := range fields {
		args = append(args, k, v)
	}
	s.logger.Debug("trace", args...)
}
