package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndList(t *testing.T) {
	s := New(time.UTC)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.AddDaily("consolidate", 3, 0, noop))
	require.NoError(t, s.AddEvery("proactive", time.Minute, noop))
	assert.ErrorIs(t, s.AddDaily("consolidate", 4, 0, noop), ErrTaskExists)
	assert.Error(t, s.AddDaily("bad", 24, 0, noop))
	assert.Error(t, s.AddEvery("fast", time.Millisecond, noop))

	tasks := s.List()
	require.Len(t, tasks, 2)
	assert.Equal(t, "consolidate", tasks[0].Name)
	assert.Equal(t, "0 3 * * *", tasks[0].Spec)
	assert.True(t, tasks[0].Enabled)
	assert.Equal(t, "proactive", tasks[1].Name)
	assert.Equal(t, "@every 1m0s", tasks[1].Spec)
}

func TestEnableDisableRemove(t *testing.T) {
	s := New(time.UTC)
	require.NoError(t, s.AddEvery("tick", time.Minute, func(context.Context) error { return nil }))

	require.NoError(t, s.Disable("tick"))
	assert.False(t, s.List()[0].Enabled)
	require.NoError(t, s.Enable("tick"))
	assert.True(t, s.List()[0].Enabled)

	require.NoError(t, s.Remove("tick"))
	assert.Empty(t, s.List())
	assert.ErrorIs(t, s.Remove("tick"), ErrTaskUnknown)
	assert.ErrorIs(t, s.Disable("tick"), ErrTaskUnknown)
}

func TestRunRecordsFailuresAndPanics(t *testing.T) {
	s := New(time.UTC)
	require.NoError(t, s.AddDaily("failing", 3, 0, func(context.Context) error { return errors.New("db down") }))
	require.NoError(t, s.AddDaily("panicking", 4, 0, func(context.Context) error { panic("boom") }))

	assert.ErrorContains(t, s.Run("failing"), "db down")
	assert.ErrorContains(t, s.Run("panicking"), "panicked")
	assert.ErrorIs(t, s.Run("missing"), ErrTaskUnknown)

	tasks := s.List()
	assert.Equal(t, "db down", tasks[0].LastErr)
	assert.False(t, tasks[0].LastRun.IsZero())
	assert.Contains(t, tasks[1].LastErr, "boom")
}

func TestDisabledTaskSkipsScheduledRuns(t *testing.T) {
	s := New(time.UTC)
	var runs atomic.Int32
	require.NoError(t, s.AddEvery("tick", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, s.Disable("tick"))

	s.Start()
	time.Sleep(1500 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	assert.Zero(t, runs.Load())
}

func TestScheduledTaskRuns(t *testing.T) {
	s := New(time.UTC)
	ran := make(chan struct{}, 1)
	require.NoError(t, s.AddEvery("tick", time.Second, func(ctx context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}))

	s.Start()
	defer s.Stop(context.Background())

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("task did not run")
	}
}
