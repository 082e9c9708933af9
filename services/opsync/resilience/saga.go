// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience runs multi-step operations with compensating actions.
//
// # Overview
//
// A Saga executes its steps in order. When a step fails, or the context is
// cancelled between steps, every step that already completed is compensated
// in reverse order. Compensation runs on a fresh context so it still
// happens when the caller has gone away.
//
// The optimistic mutation engine uses a Saga per mutation:
//
//	saga := resilience.NewSaga(resilience.DefaultSagaConfig())
//	saga.AddStep(resilience.SagaStep{
//	    Name:       "apply",
//	    Execute:    func(ctx context.Context) error { insertPlaceholder(); return nil },
//	    Compensate: func(ctx context.Context) error { removePlaceholder(); return nil },
//	})
//	saga.AddStep(resilience.SagaStep{Name: "send", Execute: send})
//	if err := saga.Execute(ctx); err != nil {
//	    // placeholder already removed
//	}
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Types
// =============================================================================

// SagaStep is one step of a Saga.
type SagaStep struct {
	// Name identifies the step in logs and errors.
	Name string

	// Execute performs the step.
	Execute func(ctx context.Context) error

	// Compensate undoes a completed Execute. Nil means nothing to undo.
	Compensate func(ctx context.Context) error

	// Timeout bounds Execute. Zero uses SagaConfig.StepTimeout; a zero
	// StepTimeout means no extra bound beyond ctx.
	Timeout time.Duration
}

// SagaConfig configures a Saga.
type SagaConfig struct {
	// StepTimeout is the default per-step bound. Zero disables it.
	StepTimeout time.Duration

	// CompensationTimeout bounds each compensation. Default: 5s
	CompensationTimeout time.Duration

	// Logger receives step outcomes at Debug and compensation at Warn.
	Logger *slog.Logger

	// OnCompensate is called after each compensation attempt.
	OnCompensate func(step string, err error)
}

// DefaultSagaConfig returns defaults suited to local, in-memory steps.
func DefaultSagaConfig() SagaConfig {
	return SagaConfig{
		CompensationTimeout: 5 * time.Second,
		Logger:              slog.Default(),
	}
}

// CompensationError records a compensation that failed.
type CompensationError struct {
	StepName string
	Err      error
}

// StepError is returned by Execute. It unwraps to the failing step's error
// so callers can match it with errors.Is.
type StepError struct {
	Step               string
	Err                error
	CompensationErrors []CompensationError
}

func (e *StepError) Error() string {
	if len(e.CompensationErrors) > 0 {
		return fmt.Sprintf("step %q failed: %v (%d compensations failed)", e.Step, e.Err, len(e.CompensationErrors))
	}
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// =============================================================================
// Saga
// =============================================================================

// Saga executes steps and compensates completed ones on failure.
//
// # Thread Safety
//
// A Saga may be shared, but Execute calls are serialized. Build one Saga per
// operation when operations run concurrently.
type Saga struct {
	config    SagaConfig
	steps     []SagaStep
	completed []string
	mu        sync.Mutex
}

// NewSaga creates an empty Saga.
func NewSaga(config SagaConfig) *Saga {
	if config.CompensationTimeout <= 0 {
		config.CompensationTimeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Saga{config: config}
}

// AddStep appends a step.
func (s *Saga) AddStep(step SagaStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

// Execute runs all steps in order.
//
// # Description
//
// Stops at the first failing step and compensates completed steps in
// reverse order. The failing step itself is not compensated: it is
// expected to leave no trace when it returns an error. A context cancelled
// between steps counts as a failure of the next step.
//
// # Outputs
//
//   - error: nil on success, otherwise *StepError wrapping the cause
func (s *Saga) Execute(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := make([]SagaStep, 0, len(s.steps))
	s.completed = s.completed[:0]

	for _, step := range s.steps {
		if err := ctx.Err(); err != nil {
			return s.fail(done, step.Name, err)
		}

		start := time.Now()
		if err := s.run(ctx, step); err != nil {
			s.config.Logger.Debug("saga step failed", "step", step.Name, "duration", time.Since(start), "error", err)
			return s.fail(done, step.Name, err)
		}
		s.config.Logger.Debug("saga step completed", "step", step.Name, "duration", time.Since(start))

		done = append(done, step)
		s.completed = append(s.completed, step.Name)
	}
	return nil
}

// CompletedSteps returns the names of steps completed by the last Execute
// that were not compensated.
func (s *Saga) CompletedSteps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.completed))
	copy(out, s.completed)
	return out
}

func (s *Saga) run(ctx context.Context, step SagaStep) (err error) {
	if step.Execute == nil {
		return nil
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = s.config.StepTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	return step.Execute(ctx)
}

func (s *Saga) fail(done []SagaStep, name string, cause error) error {
	stepErr := &StepError{Step: name, Err: cause}
	stepErr.CompensationErrors = s.compensate(done)
	s.completed = s.completed[:0]
	return stepErr
}

// compensate undoes done in reverse order on a context detached from the
// caller's.
func (s *Saga) compensate(done []SagaStep) []CompensationError {
	var failures []CompensationError

	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		if step.Compensate == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.config.CompensationTimeout)
		err := safeCompensate(ctx, step.Compensate)
		cancel()

		if err != nil {
			s.config.Logger.Warn("compensation failed", "step", step.Name, "error", err)
			failures = append(failures, CompensationError{StepName: step.Name, Err: err})
		} else {
			s.config.Logger.Debug("compensated step", "step", step.Name)
		}
		if s.config.OnCompensate != nil {
			s.config.OnCompensate(step.Name, err)
		}
	}
	return failures
}

func safeCompensate(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(fmt.Sprint("compensation panicked: ", r))
		}
	}()
	return fn(ctx)
}
