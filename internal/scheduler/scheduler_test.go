package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/privacyd/internal/logging"
)

// immediateSchedule is always due.
type immediateSchedule struct{}

func (s immediateSchedule) Next(t time.Time) time.Time {
	return t
}

// futureSchedule returns time + 1 hour
type futureSchedule struct{}

func (s futureSchedule) Next(t time.Time) time.Time {
	return t.Add(time.Hour)
}

func newTestScheduler() *Scheduler {
	return New(logging.Discard(), WithTick(5*time.Millisecond))
}

func TestScheduler_CRUD(t *testing.T) {
	s := newTestScheduler()

	task := &Task{
		ID:       "test-1",
		Name:     "Test Task",
		Enabled:  true,
		Schedule: futureSchedule{},
		Func: func(ctx context.Context) error {
			return nil
		},
	}

	require.NoError(t, s.AddTask(task))
	_, exists := s.GetTaskStatus("test-1")
	assert.True(t, exists)

	assert.Error(t, s.AddTask(task), "duplicate add")
	assert.Error(t, s.AddTask(&Task{ID: "x", Schedule: futureSchedule{}}), "missing func")
	assert.Error(t, s.AddTask(&Task{Schedule: futureSchedule{}, Func: task.Func}), "missing id")

	require.NoError(t, s.EnableTask("test-1", false))
	stat, _ := s.GetTaskStatus("test-1")
	assert.False(t, stat.Enabled)
	assert.True(t, stat.NextRun.IsZero())

	require.NoError(t, s.EnableTask("test-1", true))
	stat, _ = s.GetTaskStatus("test-1")
	assert.True(t, stat.Enabled)

	assert.Len(t, s.GetStatus(), 1)
	assert.Error(t, s.EnableTask("missing", true))
}

func TestScheduler_RunTask(t *testing.T) {
	s := newTestScheduler()
	s.Start(context.Background())
	defer s.Stop()

	ran := make(chan struct{})
	require.NoError(t, s.AddTask(&Task{
		ID:       "manual-run",
		Name:     "Manual Run",
		Enabled:  false,
		Schedule: futureSchedule{},
		Func: func(ctx context.Context) error {
			close(ran)
			return nil
		},
	}))

	require.NoError(t, s.RunTask("manual-run"))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for manual task run")
	}
	assert.Error(t, s.RunTask("missing"))
}

func TestScheduler_RunOnStart(t *testing.T) {
	s := newTestScheduler()

	var ran atomic.Bool
	require.NoError(t, s.AddTask(&Task{
		ID:         "start-run",
		Name:       "Start Run",
		Enabled:    true,
		RunOnStart: true,
		Schedule:   futureSchedule{},
		Func: func(ctx context.Context) error {
			ran.Store(true)
			return nil
		},
	}))

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)
}

func TestScheduler_NoOverlap(t *testing.T) {
	s := newTestScheduler()

	var concurrent, maxConcurrent, runs atomic.Int32
	require.NoError(t, s.AddTask(&Task{
		ID:       "slow",
		Name:     "Slow",
		Enabled:  true,
		Schedule: immediateSchedule{},
		Func: func(ctx context.Context) error {
			n := concurrent.Add(1)
			for {
				m := maxConcurrent.Load()
				if n <= m || maxConcurrent.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			concurrent.Add(-1)
			runs.Add(1)
			return nil
		},
	}))

	s.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	assert.GreaterOrEqual(t, runs.Load(), int32(2))
	assert.Equal(t, int32(1), maxConcurrent.Load())
}

func TestScheduler_ErrorAndPanicRecorded(t *testing.T) {
	s := newTestScheduler()
	s.Start(context.Background())
	defer s.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	require.NoError(t, s.AddTask(&Task{
		ID: "fails", Name: "Fails", Schedule: futureSchedule{},
		Func: func(ctx context.Context) error {
			defer wg.Done()
			return errors.New("directory unreachable")
		},
	}))
	require.NoError(t, s.AddTask(&Task{
		ID: "panics", Name: "Panics", Schedule: futureSchedule{},
		Func: func(ctx context.Context) error {
			defer wg.Done()
			panic("nil map")
		},
	}))

	require.NoError(t, s.RunTask("fails"))
	require.NoError(t, s.RunTask("panics"))
	wg.Wait()

	assert.Eventually(t, func() bool {
		a, _ := s.GetTaskStatus("fails")
		b, _ := s.GetTaskStatus("panics")
		return a.ErrorCount == 1 && b.ErrorCount == 1
	}, time.Second, 5*time.Millisecond)

	st, _ := s.GetTaskStatus("panics")
	assert.Contains(t, st.LastError, "panicked")
	assert.False(t, st.Running)
}

func TestScheduler_StopCancelsTasks(t *testing.T) {
	s := newTestScheduler()
	started := make(chan struct{})
	require.NoError(t, s.AddTask(&Task{
		ID: "blocking", Name: "Blocking", Enabled: true, RunOnStart: true, Schedule: futureSchedule{},
		Func: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}))

	s.Start(context.Background())
	<-started

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, s.IsRunning())
}

func TestScheduler_DisableCancelsRun(t *testing.T) {
	s := newTestScheduler()
	started := make(chan struct{})
	finished := make(chan error, 1)
	require.NoError(t, s.AddTask(&Task{
		ID: "long", Name: "Long", Enabled: true, RunOnStart: true, Schedule: futureSchedule{},
		Func: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			finished <- ctx.Err()
			return ctx.Err()
		},
	}))

	s.Start(context.Background())
	defer s.Stop()
	<-started

	require.NoError(t, s.EnableTask("long", false))
	select {
	case err := <-finished:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("disabled task kept running")
	}
	assert.True(t, s.IsRunning())
}

func TestTasks(t *testing.T) {
	var swept, audited atomic.Bool
	reg := &TaskRegistry{
		Sweep:        func(ctx context.Context) error { swept.Store(true); return nil },
		AuditBlocked: func(ctx context.Context) error { audited.Store(true); return nil },
	}

	sweep := NewSweepTask(reg, time.Minute)
	assert.Equal(t, TaskSweep, sweep.ID)
	assert.True(t, sweep.RunOnStart)
	require.NoError(t, sweep.Func(context.Background()))
	assert.True(t, swept.Load())

	audit := NewAuditTask(reg, 5*time.Minute)
	require.NoError(t, audit.Func(context.Background()))
	assert.True(t, audited.Load())

	assert.False(t, NewAuditTask(reg, 0).Enabled)
	assert.Error(t, NewSweepTask(&TaskRegistry{}, time.Minute).Func(context.Background()))
}
