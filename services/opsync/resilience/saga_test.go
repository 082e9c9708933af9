// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietConfig() SagaConfig {
	cfg := DefaultSagaConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

// recorder builds steps that append to a shared log.
type recorder struct {
	log []string
}

func (r *recorder) step(name string, fail error) SagaStep {
	return SagaStep{
		Name: name,
		Execute: func(ctx context.Context) error {
			if fail != nil {
				return fail
			}
			r.log = append(r.log, "exec:"+name)
			return nil
		},
		Compensate: func(ctx context.Context) error {
			r.log = append(r.log, "undo:"+name)
			return nil
		},
	}
}

func TestSaga_AllStepsSucceed(t *testing.T) {
	rec := &recorder{}
	saga := NewSaga(quietConfig())
	saga.AddStep(rec.step("apply", nil))
	saga.AddStep(rec.step("send", nil))

	require.NoError(t, saga.Execute(context.Background()))
	assert.Equal(t, []string{"exec:apply", "exec:send"}, rec.log)
	assert.Equal(t, []string{"apply", "send"}, saga.CompletedSteps())
}

func TestSaga_CompensatesInReverse(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")

	saga := NewSaga(quietConfig())
	saga.AddStep(rec.step("a", nil))
	saga.AddStep(rec.step("b", nil))
	saga.AddStep(rec.step("c", boom))

	err := saga.Execute(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "c", stepErr.Step)
	assert.Empty(t, stepErr.CompensationErrors)

	assert.Equal(t, []string{"exec:a", "exec:b", "undo:b", "undo:a"}, rec.log)
	assert.Empty(t, saga.CompletedSteps())
}

func TestSaga_CompensatesAfterCallerCancel(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())

	var compensateCtxErr error
	saga := NewSaga(quietConfig())
	saga.AddStep(SagaStep{
		Name:    "apply",
		Execute: func(context.Context) error { cancel(); return nil },
		Compensate: func(ctx context.Context) error {
			compensateCtxErr = ctx.Err()
			rec.log = append(rec.log, "undo:apply")
			return nil
		},
	})
	saga.AddStep(rec.step("send", nil))

	err := saga.Execute(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"undo:apply"}, rec.log)
	assert.NoError(t, compensateCtxErr)
}

func TestSaga_CompensationFailureIsReported(t *testing.T) {
	var reported []string
	cfg := quietConfig()
	cfg.OnCompensate = func(step string, err error) {
		if err != nil {
			reported = append(reported, step)
		}
	}

	saga := NewSaga(cfg)
	saga.AddStep(SagaStep{
		Name:       "apply",
		Execute:    func(context.Context) error { return nil },
		Compensate: func(context.Context) error { panic("bad revert") },
	})
	saga.AddStep(SagaStep{
		Name:    "send",
		Execute: func(context.Context) error { return errors.New("503") },
	})

	err := saga.Execute(context.Background())
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	require.Len(t, stepErr.CompensationErrors, 1)
	assert.Equal(t, "apply", stepErr.CompensationErrors[0].StepName)
	assert.Equal(t, []string{"apply"}, reported)
	assert.Contains(t, err.Error(), "1 compensations failed")
}

func TestSaga_StepTimeout(t *testing.T) {
	saga := NewSaga(quietConfig())
	saga.AddStep(SagaStep{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Execute: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	err := saga.Execute(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSaga_PanicInStepBecomesError(t *testing.T) {
	rec := &recorder{}
	saga := NewSaga(quietConfig())
	saga.AddStep(rec.step("apply", nil))
	saga.AddStep(SagaStep{Name: "send", Execute: func(context.Context) error { panic("nil map") }})

	err := saga.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, []string{"exec:apply", "undo:apply"}, rec.log)
}
