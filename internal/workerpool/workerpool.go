// Package workerpool runs CPU bound work, such as hashing large payloads,
// on a fixed set of goroutines so that it cannot starve the I/O bound
// coordination tasks.
package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/i5heu/ouroboros-ingest/pkg/hashscheme"
)

// ErrClosed is returned when submitting to a stopped pool.
var ErrClosed = errors.New("worker pool closed")

// ErrQueueFull is returned by Room.TryTask when the global queue has no
// free slot.
var ErrQueueFull = errors.New("worker pool queue full")

// Config sizes the pool.
type Config struct {
	// WorkerCount defaults to runtime.NumCPU().
	WorkerCount int
	// GlobalBuffer is the number of queued tasks before submitters block.
	GlobalBuffer int
}

// WorkerPool executes tasks on WorkerCount goroutines.
type WorkerPool struct {
	config    Config
	taskQueue chan task
	done      chan struct{}
	closeOnce sync.Once
	workers   sync.WaitGroup
}

type task struct {
	run  func() any
	room *Room
}

// New starts the workers.
func New(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU()
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = config.WorkerCount * 64
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan task, config.GlobalBuffer),
		done:      make(chan struct{}),
	}

	wp.workers.Add(config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for {
		select {
		case <-wp.done:
			return
		case t := <-wp.taskQueue:
			t.room.resultChan <- t.run()
			t.room.wg.Done()
		}
	}
}

// Close stops the workers. Queued tasks that have not started are
// abandoned; their Rooms never complete, so callers must not Close while
// waiting on results.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		close(wp.done)
	})
	wp.workers.Wait()
}

// Room groups tasks whose results are collected together.
type Room struct {
	resultChan chan any
	wg         sync.WaitGroup
	wp         *WorkerPool
}

// CreateRoom returns a Room able to buffer size results.
func (wp *WorkerPool) CreateRoom(size int) *Room {
	if size < 1 {
		size = 1
	}
	return &Room{
		resultChan: make(chan any, size),
		wp:         wp,
	}
}

// NewTask queues job, blocking until the global queue has room or ctx is
// done.
func (ro *Room) NewTask(ctx context.Context, job func() any) error {
	ro.wg.Add(1)
	select {
	case ro.wp.taskQueue <- task{run: job, room: ro}:
		return nil
	case <-ro.wp.done:
		ro.wg.Done()
		return ErrClosed
	case <-ctx.Done():
		ro.wg.Done()
		return ctx.Err()
	}
}

// TryTask queues job only if the global queue has a free slot.
func (ro *Room) TryTask(job func() any) error {
	ro.wg.Add(1)
	select {
	case ro.wp.taskQueue <- task{run: job, room: ro}:
		return nil
	default:
		ro.wg.Done()
		return ErrQueueFull
	}
}

// Collect waits for every queued task of the room and returns their
// results in completion order. A Room is collected once.
func (ro *Room) Collect() []any {
	go ro.waitAndClose()

	results := make([]any, 0, cap(ro.resultChan))
	for result := range ro.resultChan {
		results = append(results, result)
	}
	return results
}

func (ro *Room) waitAndClose() {
	ro.wg.Wait()
	close(ro.resultChan)
}

// Run executes fn on the pool and waits for its result. If ctx ends first
// Run returns ctx.Err() and fn's result is discarded when it completes.
func Run[T any](ctx context.Context, wp *WorkerPool, fn func() T) (T, error) {
	var zero T
	room := wp.CreateRoom(1)
	if err := room.NewTask(ctx, func() any { return fn() }); err != nil {
		return zero, err
	}

	select {
	case result := <-room.resultChan:
		room.wg.Wait()
		// A nil interface result loses its type on the way through any.
		v, _ := result.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-wp.done:
		return zero, ErrClosed
	}
}

// inlineHashLimit is the payload size under which hashing on the calling
// goroutine is cheaper than a queue round trip.
const inlineHashLimit = 32 << 10

// SHA256Hex computes hashscheme.SHA256Hex(data), offloading large payloads
// to the pool.
func (wp *WorkerPool) SHA256Hex(ctx context.Context, data []byte) (string, error) {
	if len(data) < inlineHashLimit {
		return hashscheme.SHA256Hex(data), nil
	}
	return Run(ctx, wp, func() string { return hashscheme.SHA256Hex(data) })
}
