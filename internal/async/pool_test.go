package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradejs/errs"
)

func TestPoolRunsAndDrainsOnShutdown(t *testing.T) {
	p, err := NewPool(2, 16)
	require.NoError(t, err)

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			time.Sleep(time.Millisecond)
			ran.Add(1)
			return nil
		}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	require.EqualValues(t, 10, ran.Load())

	err = p.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))
}

func TestPoolRejectsWhenSaturated(t *testing.T) {
	p, err := NewPool(1, 1)
	require.NoError(t, err)
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return nil }))

	err = p.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPoolReportsErrorsAndPanics(t *testing.T) {
	reported := make(chan error, 2)
	p, err := NewPool(1, 4, WithErrorHandler(func(err error) { reported <- err }))
	require.NoError(t, err)

	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return errors.New("insert failed") }))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { panic("boom") }))
	require.NoError(t, p.Shutdown(context.Background()))

	require.ErrorContains(t, <-reported, "insert failed")
	require.ErrorContains(t, <-reported, "boom")
}

func TestNewPoolValidation(t *testing.T) {
	_, err := NewPool(0, 1)
	require.True(t, errs.IsCode(err, errs.CodeInvalidSpec))
	p, err := NewPool(1, 0)
	require.NoError(t, err)
	require.True(t, errs.IsCode(p.Submit(context.Background(), nil), errs.CodeInvalidSpec))
	p.Close()
	p.Close()
}
