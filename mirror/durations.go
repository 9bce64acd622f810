package mirror

import (
	"fmt"
	"strings"
	"time"
)

// Durations tracks wall-clock durations of named operation phases (lock
// wait, push, completion poll, fetch) for the per-attempt summary log entry
// and the latency metrics. It is not safe for concurrent use, one tracker
// belongs to one operation.
type Durations struct {
	order   []string
	started map[string]time.Time
	elapsed map[string]time.Duration
}

// NewDurations returns an empty phase tracker.
func NewDurations() *Durations {
	return &Durations{
		started: map[string]time.Time{},
		elapsed: map[string]time.Duration{},
	}
}

// Start marks the beginning of the named phase.
func (d *Durations) Start(phase string) {
	if _, ok := d.elapsed[phase]; !ok {
		d.order = append(d.order, phase)
		d.elapsed[phase] = 0
	}
	d.started[phase] = time.Now()
}

// Stop records the elapsed time of the named phase since its Start.
// Re-started phases accumulate.
func (d *Durations) Stop(phase string) time.Duration {
	start, ok := d.started[phase]
	if !ok {
		return 0
	}
	delete(d.started, phase)
	d.elapsed[phase] += time.Since(start)
	return d.elapsed[phase]
}

// Get returns the recorded duration of the named phase.
func (d *Durations) Get(phase string) time.Duration {
	return d.elapsed[phase]
}

// Snapshot returns all recorded phases.
func (d *Durations) Snapshot() map[string]time.Duration {
	out := make(map[string]time.Duration, len(d.elapsed))
	for k, v := range d.elapsed {
		out[k] = v
	}
	return out
}

// String renders phases in start order, 'lock:1.2ms push:340ms wait:2s'.
func (d *Durations) String() string {
	parts := make([]string, 0, len(d.order))
	for _, phase := range d.order {
		parts = append(parts, fmt.Sprintf("%s:%s", phase, d.elapsed[phase]))
	}
	return strings.Join(parts, " ")
}
