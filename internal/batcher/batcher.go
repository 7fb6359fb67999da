// Package batcher coalesces high-frequency room actions into bounded batches.
//
// Each key (a room id) owns one pending queue and at most one flush timer. A
// queue is flushed when it reaches MaxBatchSize or when FlushDelay elapses
// after the last enqueue, whichever comes first. Flushed batches for a key are
// handed to the executor strictly in the order their flushes were triggered.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	DefaultFlushDelay   = 100 * time.Millisecond
	DefaultMaxBatchSize = 10
)

var (
	ErrClosed = errors.New("batcher: closed")
	ErrPanic  = errors.New("batcher: executor panic")
)

// Executor applies one flushed batch. It owns the batch slice.
type Executor[T any] func(ctx context.Context, batch []T) error

// Config holds the batcher tunables. Zero values fall back to the defaults.
type Config struct {
	FlushDelay   time.Duration
	MaxBatchSize int
}

type queue[T any] struct {
	items []T
	timer *time.Timer
	gen   uint64

	// tail is closed once the most recently triggered flush has finished.
	tail chan struct{}
}

// Batcher owns the pending queues of the keys it is asked to batch for.
type Batcher[T any] struct {
	cfg Config

	mu     sync.Mutex
	queues map[string]*queue[T]
	closed bool
}

func New[T any](cfg Config) *Batcher[T] {
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = DefaultFlushDelay
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	return &Batcher[T]{
		cfg:    cfg,
		queues: make(map[string]*queue[T]),
	}
}

// Enqueue appends item to the key's queue. Reaching MaxBatchSize flushes on
// the calling goroutine; otherwise the flush timer is (re)scheduled.
func (b *Batcher[T]) Enqueue(ctx context.Context, key string, item T, exec Executor[T]) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	q, ok := b.queues[key]
	if !ok {
		q = &queue[T]{}
		b.queues[key] = q
	}
	q.items = append(q.items, item)

	if len(q.items) >= b.cfg.MaxBatchSize {
		batch, wait, done := b.takeLocked(q)
		b.mu.Unlock()
		b.run(ctx, key, q, batch, wait, done, exec)
		return nil
	}

	stopTimerLocked(q)
	gen := q.gen
	timerCtx := context.WithoutCancel(ctx)
	q.timer = time.AfterFunc(b.cfg.FlushDelay, func() {
		b.fire(timerCtx, key, q, gen, exec)
	})
	b.mu.Unlock()
	return nil
}

// FlushImmediate cancels the key's timer and flushes whatever is queued. It
// returns once every flush triggered for key so far has finished, including
// one already in flight when the queue is empty.
func (b *Batcher[T]) FlushImmediate(ctx context.Context, key string, exec Executor[T]) {
	b.mu.Lock()
	q, ok := b.queues[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	if len(q.items) == 0 {
		stopTimerLocked(q)
		tail := q.tail
		b.mu.Unlock()
		if tail != nil {
			<-tail
		}
		return
	}
	batch, wait, done := b.takeLocked(q)
	b.mu.Unlock()
	b.run(ctx, key, q, batch, wait, done, exec)
}

// Close refuses further enqueues, flushes every pending queue and waits for
// flushes in flight.
func (b *Batcher[T]) Close(ctx context.Context, exec Executor[T]) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	keys := make([]string, 0, len(b.queues))
	for key := range b.queues {
		keys = append(keys, key)
	}
	b.mu.Unlock()

	for _, key := range keys {
		b.FlushImmediate(ctx, key, exec)
	}
}

// Pending returns the number of queued items for key.
func (b *Batcher[T]) Pending(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[key]; ok {
		return len(q.items)
	}
	return 0
}

// Scheduled reports whether key has an outstanding flush timer.
func (b *Batcher[T]) Scheduled(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[key]
	return ok && q.timer != nil
}

func (b *Batcher[T]) fire(ctx context.Context, key string, q *queue[T], gen uint64, exec Executor[T]) {
	b.mu.Lock()
	if cur, ok := b.queues[key]; !ok || cur != q || q.gen != gen || len(q.items) == 0 {
		// Superseded by a reschedule or a flush that already ran.
		b.mu.Unlock()
		return
	}
	batch, wait, done := b.takeLocked(q)
	b.mu.Unlock()
	b.run(ctx, key, q, batch, wait, done, exec)
}

// takeLocked swaps the queue for an empty one and reserves the next slot in
// the key's flush order. Must be called with b.mu held.
func (b *Batcher[T]) takeLocked(q *queue[T]) ([]T, chan struct{}, chan struct{}) {
	stopTimerLocked(q)
	batch := q.items
	q.items = nil
	wait := q.tail
	done := make(chan struct{})
	q.tail = done
	return batch, wait, done
}

func (b *Batcher[T]) run(ctx context.Context, key string, q *queue[T], batch []T, wait, done chan struct{}, exec Executor[T]) {
	if wait != nil {
		<-wait
	}
	defer b.release(key, q, done)

	if err := b.execute(ctx, batch, exec); err != nil {
		logs.Errorf("batcher: dropped batch of %d for %s: %+v", len(batch), key, err)
	}
}

func (b *Batcher[T]) execute(ctx context.Context, batch []T, exec Executor[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrPanic, "%v", r)
		}
	}()
	return exec(ctx, batch)
}

// release signals the next flush in line and drops the queue entry once it
// is idle so finished keys do not accumulate.
func (b *Batcher[T]) release(key string, q *queue[T], done chan struct{}) {
	close(done)

	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.queues[key]; ok && cur == q && q.tail == done && len(q.items) == 0 && q.timer == nil {
		delete(b.queues, key)
	}
}

func stopTimerLocked[T any](q *queue[T]) {
	q.gen++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}
