package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pdfcast/internal/logging"
)

// Config sizes the dispatcher.
type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

// Dispatcher feeds queued jobs to a pool of workers that grows up to MaxWorkers
// and shrinks back to MinWorkers when idle.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job
	logger   *slog.Logger

	mu       sync.Mutex
	closed   bool
	quit     chan struct{}
	loopDone chan struct{}
	inflight sync.WaitGroup
}

func NewDispatcher(cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	pool := newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, logger)
	d := &Dispatcher{
		pool:     pool,
		JobQueue: make(chan Job, cfg.QueueSize),
		logger:   logger,
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	// warm up
	for i := 0; i < pool.min; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.loopDone)
	for {
		select {
		case job := <-d.JobQueue:
			workerChan := d.pool.acquire()
			d.logger.Debug("dispatch job", "job", job.Name)
			workerChan <- job
		case <-d.quit:
			return
		}
	}
}

// Submit enqueues fn without waiting. The returned channel yields the job's
// completion error exactly once. A full queue answers ErrDispatcherBusy.
func (d *Dispatcher) Submit(ctx context.Context, name string, fn func(ctx context.Context)) (<-chan error, error) {
	done := make(chan error, 1)
	job := Job{Name: name, Run: fn, ctx: ctx, done: done}
	job.finish = func(err error) {
		done <- err
		d.inflight.Done()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDispatcherClosed
	}
	d.inflight.Add(1)
	select {
	case d.JobQueue <- job:
		return done, nil
	default:
		d.inflight.Done()
		return nil, ErrDispatcherBusy
	}
}

// Do submits fn and waits for it to finish or for ctx to end.
func (d *Dispatcher) Do(ctx context.Context, name string, fn func(ctx context.Context)) error {
	done, err := d.Submit(ctx, name, fn)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs, drops queued ones and waits for running jobs.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.quit)
	d.mu.Unlock()

	<-d.loopDone
	for drained := false; !drained; {
		select {
		case job := <-d.JobQueue:
			job.finish(ErrDispatcherClosed)
		default:
			drained = true
		}
	}

	waited := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(waited)
	}()
	defer d.pool.shutdown()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
