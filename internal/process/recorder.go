package process

import (
	"context"
	"sync"
)

// Recorder is a Runner for tests: it records every command and answers with
// a configurable handler.
type Recorder struct {
	// Handler produces the outcome of a command; success with empty output when nil.
	Handler func(cmd Command) (*Result, error)

	// mu guards calls.
	mu sync.Mutex
	// calls lists the received commands in order.
	calls []Command
}

// Run records the command and delegates to Handler.
func (r *Recorder) Run(_ context.Context, cmd Command) (*Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()

	if r.Handler == nil {
		return &Result{}, nil
	}

	return r.Handler(cmd)
}

// Calls returns a copy of the recorded commands.
func (r *Recorder) Calls() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Command(nil), r.calls...)
}

// Lines returns the recorded commands rendered as strings.
func (r *Recorder) Lines() []string {
	calls := r.Calls()

	lines := make([]string, 0, len(calls))
	for _, c := range calls {
		lines = append(lines, c.String())
	}

	return lines
}
