// Package scheduler supervises the long running units of the node: source
// adapters, retry queues and periodic maintenance jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/i5heu/ouroboros-ingest/internal/metrics"
	"github.com/i5heu/ouroboros-ingest/pkg/logging"
)

const (
	logKeyUnit    = "unit"
	logKeyError   = "error"
	logKeyBackoff = "backoff"
)

var (
	// ErrFatal marks unit errors that stop the whole scheduler.
	ErrFatal = errors.New("fatal unit error")
	// ErrDrainTimeout is returned by Run when units ignore cancellation
	// for longer than the drain timeout.
	ErrDrainTimeout = errors.New("units did not stop before drain timeout")
)

// Fatal wraps err so that it stops the scheduler.
func Fatal(err error) error {
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

type RestartPolicy int

const (
	// RestartOnFailure restarts a unit that returned an error. A unit that
	// returns nil is done.
	RestartOnFailure RestartPolicy = iota
	// RestartAlways restarts a unit whenever it returns.
	RestartAlways
	// RestartNever runs a unit once.
	RestartNever
)

func (p RestartPolicy) String() string {
	switch p {
	case RestartOnFailure:
		return "on-failure"
	case RestartAlways:
		return "always"
	case RestartNever:
		return "never"
	default:
		return "unknown"
	}
}

// Backoff is the delay before a restart. It doubles per consecutive
// failure and resets once a run outlives Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

type Unit struct {
	Name    string
	Run     func(ctx context.Context) error
	Restart RestartPolicy
	// Backoff defaults to the scheduler's.
	Backoff Backoff
}

// Periodic builds a unit calling fn now and then every interval. An error
// from fn ends the run; the unit is restarted after its backoff.
func Periodic(name string, interval time.Duration, fn func(ctx context.Context) error) Unit {
	return Unit{
		Name:    name,
		Restart: RestartAlways,
		Run: func(ctx context.Context) error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if err := fn(ctx); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
}

type Config struct {
	DrainTimeout time.Duration
	Backoff      Backoff
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

type Scheduler struct {
	config Config
	log    *slog.Logger
	units  []Unit
}

func New(config Config) *Scheduler {
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 10 * time.Second
	}
	config.Backoff = config.Backoff.withDefaults(Backoff{Initial: time.Second, Max: time.Minute})
	return &Scheduler{config: config, log: logging.OrDiscard(config.Logger)}
}

func (b Backoff) withDefaults(d Backoff) Backoff {
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max < b.Initial {
		b.Max = max(d.Max, b.Initial)
	}
	return b
}

// Add registers units. It must be called before Run.
func (s *Scheduler) Add(units ...Unit) {
	s.units = append(s.units, units...)
}

// Run supervises every unit until ctx ends or a unit fails fatally. On
// cancellation it waits up to the drain timeout for the units to return.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, u := range s.units {
		u := u
		u.Backoff = u.Backoff.withDefaults(s.config.Backoff)
		g.Go(func() error { return s.supervise(gctx, u) })
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	s.log.Info("stopping units", "drain_timeout", s.config.DrainTimeout)
	select {
	case err := <-done:
		return err
	case <-time.After(s.config.DrainTimeout):
		s.log.Error("units still running after drain timeout")
		return ErrDrainTimeout
	}
}

func (s *Scheduler) supervise(ctx context.Context, u Unit) error {
	log := s.log.With(logKeyUnit, u.Name)
	backoff := u.Backoff.Initial
	for {
		started := time.Now()
		err := runUnit(ctx, u)
		if ctx.Err() != nil {
			return nil
		}

		switch {
		case errors.Is(err, ErrFatal):
			log.Error("unit failed fatally", logKeyError, err)
			return fmt.Errorf("unit %s: %w", u.Name, err)
		case err != nil && u.Restart == RestartNever:
			log.Error("unit failed", logKeyError, err)
			return nil
		case err == nil && u.Restart != RestartAlways:
			log.Debug("unit finished")
			return nil
		case err != nil:
			log.Warn("unit failed, restarting", logKeyError, err, logKeyBackoff, backoff)
		}

		if time.Since(started) > u.Backoff.Max {
			backoff = u.Backoff.Initial
		}
		s.config.Metrics.UnitRestart(u.Name)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff = min(backoff*2, u.Backoff.Max)
	}
}

// runUnit turns a panic into an error so one unit cannot take the node
// down.
func runUnit(ctx context.Context, u Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return u.Run(ctx)
}
