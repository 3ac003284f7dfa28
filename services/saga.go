package services

import (
	"context"

	"go.uber.org/zap"
)

// saga is an explicit compensation list. Each mutating step of a multi-step
// change pushes its inverse; if a later step fails the stack is unwound in
// LIFO order. Compensation failures are logged and the unwind continues, so
// one broken inverse cannot strand the rest.
type saga struct {
	steps  []compensation
	logger *zap.Logger
}

type compensation struct {
	name string
	undo func(ctx context.Context) error
}

func newSaga(logger *zap.Logger) *saga {
	return &saga{logger: logger}
}

func (s *saga) push(name string, undo func(ctx context.Context) error) {
	s.steps = append(s.steps, compensation{name: name, undo: undo})
}

func (s *saga) unwind(ctx context.Context) {
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		if err := step.undo(ctx); err != nil {
			s.logger.Error("compensation step failed",
				zap.String("step", step.name),
				zap.Error(err),
			)
		}
	}
	s.steps = nil
}
