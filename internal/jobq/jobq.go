// Copyright 2025 The crashstream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package jobq provides the in-process queues the ingestion pipeline runs
// on: bounded FIFO buffers drained by worker pools, with per-job retry,
// exponential backoff and a dead-letter ring for jobs that exhaust their
// attempts. The Sharded variant adds per-key serialization for stages that
// do read-modify-write cycles on keyed state.
package jobq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrFull is returned by TryEnqueue when the queue is at capacity.
	// Intake surfaces it as backpressure (HTTP 429).
	ErrFull = errors.New("job queue full")
	// ErrClosed is returned once the queue stopped accepting jobs.
	ErrClosed = errors.New("job queue closed")
)

// Handler processes one job. A non-nil error triggers a retry; a panic is
// caught at the worker boundary and treated the same way.
type Handler[T any] func(ctx context.Context, job T) error

// Options configure a Queue.
type Options struct {
	// Name labels logs and metrics. Required.
	Name string
	// Capacity bounds the buffer. Default 1024.
	Capacity int
	// Workers is the pool size. Default 4.
	Workers int
	// MaxRetries is the number of additional attempts after the first
	// failure. Default 3.
	MaxRetries int
	// BaseDelay seeds the exponential backoff: attempt n waits
	// 2^n · BaseDelay. Default 2s.
	BaseDelay time.Duration
	// DeadLetterSize bounds the ring of exhausted jobs kept for
	// inspection. Default 64.
	DeadLetterSize int

	Logger     log.Logger
	Registerer prometheus.Registerer
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 2 * time.Second
	}
	if o.DeadLetterSize <= 0 {
		o.DeadLetterSize = 64
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	return o
}

// DeadLetter is a job that exhausted its retries.
type DeadLetter[T any] struct {
	Job      T
	Err      error
	Attempts int
	At       time.Time
}

type metrics struct {
	depth       prometheus.GaugeFunc
	enqueued    prometheus.Counter
	rejected    prometheus.Counter
	processed   prometheus.Counter
	failures    prometheus.Counter
	retries     prometheus.Counter
	deadLetters prometheus.Counter
}

func newMetrics(name string, reg prometheus.Registerer, depth func() float64) *metrics {
	labels := prometheus.Labels{"queue": name}
	m := &metrics{
		depth: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "crashstream_jobq_depth",
			Help:        "Jobs currently buffered.",
			ConstLabels: labels,
		}, depth),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "crashstream_jobq_enqueued_total",
			Help:        "Jobs accepted into the queue.",
			ConstLabels: labels,
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "crashstream_jobq_rejected_total",
			Help:        "Jobs rejected because the queue was full.",
			ConstLabels: labels,
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "crashstream_jobq_processed_total",
			Help:        "Jobs completed successfully.",
			ConstLabels: labels,
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "crashstream_jobq_failures_total",
			Help:        "Job attempts that returned an error or panicked.",
			ConstLabels: labels,
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "crashstream_jobq_retries_total",
			Help:        "Retry attempts scheduled after a failure.",
			ConstLabels: labels,
		}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "crashstream_jobq_dead_letters_total",
			Help:        "Jobs dropped after exhausting their retries.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.depth, m.enqueued, m.rejected, m.processed, m.failures, m.retries, m.deadLetters)
	}
	return m
}

// Queue is a bounded FIFO drained by a worker pool. Construct with New,
// start with Run, feed with Enqueue or TryEnqueue.
type Queue[T any] struct {
	opts    Options
	handler Handler[T]
	logger  log.Logger
	metrics *metrics

	jobs chan T

	// onDeadLetter, when set, observes every dead-lettered job. Set it
	// before Run.
	onDeadLetter func(DeadLetter[T])

	mtx    sync.Mutex
	closed bool
	dead   []DeadLetter[T]
	next   int
}

// New returns a queue that feeds handler. Jobs may be enqueued immediately;
// nothing is processed until Run.
func New[T any](opts Options, handler Handler[T]) *Queue[T] {
	opts = opts.withDefaults()
	q := &Queue[T]{
		opts:    opts,
		handler: handler,
		logger:  log.With(opts.Logger, "queue", opts.Name),
		jobs:    make(chan T, opts.Capacity),
		dead:    make([]DeadLetter[T], 0, opts.DeadLetterSize),
	}
	q.metrics = newMetrics(opts.Name, opts.Registerer, func() float64 {
		return float64(len(q.jobs))
	})
	return q
}

// Len returns the number of buffered jobs.
func (q *Queue[T]) Len() int { return len(q.jobs) }

// TryEnqueue adds job without blocking. Returns ErrFull at capacity and
// ErrClosed after shutdown began.
func (q *Queue[T]) TryEnqueue(job T) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- job:
		q.metrics.enqueued.Inc()
		return nil
	default:
		q.metrics.rejected.Inc()
		return ErrFull
	}
}

// Enqueue blocks until the job is buffered or ctx is done.
func (q *Queue[T]) Enqueue(ctx context.Context, job T) error {
	q.mtx.Lock()
	if q.closed {
		q.mtx.Unlock()
		return ErrClosed
	}
	q.mtx.Unlock()

	select {
	case q.jobs <- job:
		q.metrics.enqueued.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the worker pool and blocks until ctx is done, then stops
// intake, drains the buffer and returns. Buffered jobs still run to
// completion during the drain, but without retry waits.
func (q *Queue[T]) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case job, ok := <-q.jobs:
					if !ok {
						return
					}
					q.process(ctx, job)
				case <-ctx.Done():
					// Drain without blocking on new arrivals.
					for {
						select {
						case job, ok := <-q.jobs:
							if !ok {
								return
							}
							q.process(ctx, job)
						default:
							return
						}
					}
				}
			}
		}()
	}
	<-ctx.Done()

	q.mtx.Lock()
	q.closed = true
	q.mtx.Unlock()
	close(q.jobs)
	wg.Wait()

	_ = level.Debug(q.logger).Log("msg", "queue drained")
	return nil
}

// process runs one job through the retry policy.
func (q *Queue[T]) process(ctx context.Context, job T) {
	// Handlers keep running during the shutdown drain.
	hctx := context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = q.attempt(hctx, job)
		if lastErr == nil {
			q.metrics.processed.Inc()
			return
		}
		q.metrics.failures.Inc()
		if attempt >= q.opts.MaxRetries {
			break
		}
		q.metrics.retries.Inc()
		delay := q.opts.BaseDelay << uint(attempt)
		_ = level.Debug(q.logger).Log("msg", "job failed, retrying", "attempt", attempt+1, "delay", delay, "err", lastErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			// Shutting down: last attempt happens immediately.
		}
	}

	q.metrics.deadLetters.Inc()
	_ = level.Error(q.logger).Log("msg", "job dead-lettered", "attempts", q.opts.MaxRetries+1, "err", lastErr)

	q.mtx.Lock()
	dl := DeadLetter[T]{Job: job, Err: lastErr, Attempts: q.opts.MaxRetries + 1, At: time.Now()}
	if len(q.dead) < cap(q.dead) {
		q.dead = append(q.dead, dl)
	} else {
		q.dead[q.next] = dl
		q.next = (q.next + 1) % len(q.dead)
	}
	q.mtx.Unlock()

	if fn := q.onDeadLetter; fn != nil {
		fn(dl)
	}
}

// OnDeadLetter registers fn to observe every dead-lettered job, e.g. to mark
// a persistent record as failed. Must be called before Run.
func (q *Queue[T]) OnDeadLetter(fn func(DeadLetter[T])) { q.onDeadLetter = fn }

// attempt invokes the handler, converting a panic into an error so a buggy
// stage cannot kill its worker.
func (q *Queue[T]) attempt(ctx context.Context, job T) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return q.handler(ctx, job)
}

// DeadLetters returns a copy of the dead-letter ring.
func (q *Queue[T]) DeadLetters() []DeadLetter[T] {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	out := make([]DeadLetter[T], len(q.dead))
	copy(out, q.dead)
	return out
}
