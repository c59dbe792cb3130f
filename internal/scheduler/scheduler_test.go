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

var fast = Backoff{Initial: time.Millisecond, Max: 4 * time.Millisecond}

func TestRestartOnFailure(t *testing.T) {
	var runs atomic.Int32
	s := New(Config{Backoff: fast})
	s.Add(Unit{
		Name: "flaky",
		Run: func(context.Context) error {
			if runs.Add(1) < 3 {
				return errors.New("boom")
			}
			return nil
		},
	})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, int32(3), runs.Load())
}

func TestRestartNever(t *testing.T) {
	var runs atomic.Int32
	s := New(Config{Backoff: fast})
	s.Add(Unit{
		Name:    "once",
		Restart: RestartNever,
		Run: func(context.Context) error {
			runs.Add(1)
			return errors.New("boom")
		},
	})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, int32(1), runs.Load())
}

func TestRestartAlwaysUntilCanceled(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	s := New(Config{Backoff: fast})
	s.Add(Unit{
		Name:    "loop",
		Restart: RestartAlways,
		Run: func(context.Context) error {
			if runs.Add(1) == 5 {
				cancel()
			}
			return nil
		},
	})

	require.NoError(t, s.Run(ctx))
	assert.GreaterOrEqual(t, runs.Load(), int32(5))
}

func TestFatalStopsSiblings(t *testing.T) {
	errBroken := errors.New("schema missing")
	var siblingStopped atomic.Bool
	s := New(Config{Backoff: fast})
	s.Add(
		Unit{
			Name: "sibling",
			Run: func(ctx context.Context) error {
				<-ctx.Done()
				siblingStopped.Store(true)
				return nil
			},
		},
		Unit{
			Name: "broken",
			Run:  func(context.Context) error { return Fatal(errBroken) },
		},
	)

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrFatal)
	assert.ErrorIs(t, err, errBroken)
	assert.True(t, siblingStopped.Load())
}

func TestPanicIsRestarted(t *testing.T) {
	var runs atomic.Int32
	s := New(Config{Backoff: fast})
	s.Add(Unit{
		Name: "panicky",
		Run: func(context.Context) error {
			if runs.Add(1) == 1 {
				panic("nil map")
			}
			return nil
		},
	})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, int32(2), runs.Load())
}

func TestDrainTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	s := New(Config{DrainTimeout: 20 * time.Millisecond})
	s.Add(Unit{
		Name: "stubborn",
		Run: func(context.Context) error {
			<-release
			return nil
		},
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	assert.ErrorIs(t, s.Run(ctx), ErrDrainTimeout)
}

func TestGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(Config{DrainTimeout: time.Second})
	var stopped atomic.Int32
	for _, name := range []string{"a", "b", "c"} {
		s.Add(Unit{
			Name: name,
			Run: func(ctx context.Context) error {
				<-ctx.Done()
				stopped.Add(1)
				return nil
			},
		})
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, int32(3), stopped.Load())
}

func TestPeriodic(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	u := Periodic("tick", time.Millisecond, func(context.Context) error {
		if calls.Add(1) == 3 {
			cancel()
		}
		return nil
	})
	assert.Equal(t, RestartAlways, u.Restart)

	s := New(Config{Backoff: fast})
	s.Add(u)
	require.NoError(t, s.Run(ctx))
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestPeriodicErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	s := New(Config{Backoff: fast})
	s.Add(Periodic("job", time.Hour, func(context.Context) error {
		if calls.Add(1) == 2 {
			cancel()
			return nil
		}
		return errors.New("store unavailable")
	}))

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, int32(2), calls.Load())
}
