package workers

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type panickingWorker struct {
	calls atomic.Int32
}

func (w *panickingWorker) Run(_ context.Context) error {
	w.calls.Add(1)
	panic("boom")
}

type oneShotWorker struct {
	calls atomic.Int32
}

func (w *oneShotWorker) Run(_ context.Context) error {
	w.calls.Add(1)
	return nil
}

type blockingWorker struct{}

func (w *blockingWorker) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSupervisor_RestartOnPanic(t *testing.T) {
	req := require.New(t)
	worker := &panickingWorker{}
	sup := NewSupervisor(slog.Default(), 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go sup.Add(worker).Run(ctx)

	// Waiting for panics and restarts
	req.Eventually(func() bool {
		return worker.calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisor_StopOnSuccess(t *testing.T) {
	req := require.New(t)
	worker := &oneShotWorker{}
	sup := NewSupervisor(slog.Default(), 10*time.Millisecond)

	// Given a channel to notify when Run() terminated
	done := make(chan struct{})

	go func() {
		sup.Add(worker).Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
		// Then supervisor detected a success, returned and stopped
	case <-time.After(500 * time.Millisecond):
		req.Fail("Supervisor should have stopped after worker success")
	}
	req.Equal(int32(1), worker.calls.Load())
}

func TestSupervisor_ParentCancelStopsWorkers(t *testing.T) {
	req := require.New(t)
	sup := NewSupervisor(slog.Default(), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Add(&blockingWorker{}).Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		req.Fail("Supervisor should have stopped with its parent context")
	}
}
