// Package audittest provides an in-memory audit sink for tests.
package audittest

import (
	"context"
	"sync"

	"github.com/victorgomez09/inkwell/internal/audit"
)

type Recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *Recorder) Record(_ context.Context, ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Matching returns the recorded events whose action matches pattern.
func (r *Recorder) Matching(pattern string) []audit.Event {
	var out []audit.Event
	for _, ev := range r.Events() {
		if ev.IsAction(pattern) {
			out = append(out, ev)
		}
	}
	return out
}
