package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oshokin/app-installer/internal/logger"
)

// compensationTimeout bounds every compensating action during a drain.
const compensationTimeout = 2 * time.Minute

// CompensateFunc undoes one state-mutating operation.
type CompensateFunc func(ctx context.Context) error

// Compensation is a registered undo action.
type Compensation struct {
	// Name describes the undone operation in logs.
	Name string
	// Undo performs the compensation.
	Undo CompensateFunc
}

// RollbackStack is the LIFO list of compensations of a session.
// Compensations are pushed right before the operation they undo.
type RollbackStack struct {
	// mu guards items.
	mu sync.Mutex
	// items holds compensations in registration order.
	items []Compensation
}

// NewRollbackStack creates an empty stack.
func NewRollbackStack() *RollbackStack {
	return &RollbackStack{}
}

// Push registers a compensation.
func (s *RollbackStack) Push(name string, undo CompensateFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = append(s.items, Compensation{Name: name, Undo: undo})
}

// Len returns the number of pending compensations.
func (s *RollbackStack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.items)
}

// Names lists pending compensations in registration order.
func (s *RollbackStack) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.items))
	for _, item := range s.items {
		names = append(names, item.Name)
	}

	return names
}

// Discard forgets every compensation, used once the session succeeded.
func (s *RollbackStack) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = nil
}

// Drain runs every compensation in reverse registration order and empties the stack.
// A failing compensation is logged and the drain continues with the next one.
// Compensations run even when ctx is already canceled.
func (s *RollbackStack) Drain(ctx context.Context) []error {
	s.mu.Lock()
	items := s.items
	s.items = nil
	s.mu.Unlock()

	if len(items) == 0 {
		return nil
	}

	logger.WarnKV(ctx, "Rolling back", "compensations", len(items))

	var (
		failures []error
		base     = context.WithoutCancel(ctx)
	)

	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]

		if err := runCompensation(base, item); err != nil {
			logger.ErrorKV(ctx, "Compensation failed, continuing rollback", "name", item.Name, "error", err)
			failures = append(failures, fmt.Errorf("%s: %w", item.Name, err))

			continue
		}

		logger.InfoKV(ctx, "Compensation completed", "name", item.Name)
	}

	return failures
}

// runCompensation runs one compensation with its own timeout and turns panics into errors.
func runCompensation(ctx context.Context, item Compensation) (err error) {
	ctx, cancel := context.WithTimeout(ctx, compensationTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation panicked: %v", r) //nolint:err113 // Panic values have no sentinel.
		}
	}()

	return item.Undo(ctx)
}
