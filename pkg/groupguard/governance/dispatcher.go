package governance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrDispatcherClosed is returned when submitting to a closed dispatcher.
	ErrDispatcherClosed = errors.New("dispatcher closed")

	// ErrQueueFull is returned by TrySubmit when the group's queue is full.
	ErrQueueFull = errors.New("group queue full")
)

// Dispatcher serializes work per group: events for the same group are
// handled in arrival order by a single worker, different groups run
// concurrently. Workers start on demand and exit after an idle period.
type Dispatcher struct {
	enforcer  *Enforcer
	queueSize int
	idle      time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	workers  map[string]*groupWorker
	closed   bool
	stopping chan struct{}
	wg       sync.WaitGroup
}

type task func(ctx context.Context)

type groupWorker struct {
	groupID string
	queue   chan task
	pending int // guarded by Dispatcher.mu
}

// NewDispatcher creates a dispatcher running tasks on enforcer.
func NewDispatcher(enforcer *Enforcer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		enforcer:  enforcer,
		queueSize: enforcer.cfg.QueueSize,
		idle:      enforcer.cfg.WorkerIdle,
		logger:    logger.With("component", "dispatcher"),
		ctx:       ctx,
		cancel:    cancel,
		workers:   make(map[string]*groupWorker),
		stopping:  make(chan struct{}),
	}
}

// Submit queues a membership-change event for enforcement, waiting for
// room in the group's queue.
func (d *Dispatcher) Submit(ctx context.Context, evt MembershipChange) error {
	return d.enqueue(ctx, evt.GroupID, true, d.enforceTask(evt))
}

// TrySubmit is Submit without waiting: it fails with ErrQueueFull when the
// group's queue has no room. Use it from event callbacks that must not block.
func (d *Dispatcher) TrySubmit(evt MembershipChange) error {
	return d.enqueue(context.Background(), evt.GroupID, false, d.enforceTask(evt))
}

func (d *Dispatcher) enforceTask(evt MembershipChange) task {
	return func(ctx context.Context) {
		d.enforcer.Enforce(ctx, evt)
	}
}

// SubmitPurge queues a purge of groupID requested by requester. onDone, if
// non-nil, receives the finished report.
func (d *Dispatcher) SubmitPurge(ctx context.Context, groupID, requester string, onDone func(*Report)) error {
	return d.enqueue(ctx, groupID, true, func(ctx context.Context) {
		rep := d.enforcer.Purge(ctx, groupID, requester)
		if onDone != nil {
			onDone(rep)
		}
	})
}

// ActiveWorkers returns the number of live per-group workers.
func (d *Dispatcher) ActiveWorkers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

func (d *Dispatcher) enqueue(ctx context.Context, groupID string, wait bool, t task) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	w, ok := d.workers[groupID]
	if !ok {
		w = &groupWorker{groupID: groupID, queue: make(chan task, d.queueSize)}
		d.workers[groupID] = w
		d.wg.Add(1)
		go d.run(w)
	}
	w.pending++
	d.mu.Unlock()

	if !wait {
		select {
		case w.queue <- t:
			return nil
		default:
			d.mu.Lock()
			w.pending--
			d.mu.Unlock()
			return ErrQueueFull
		}
	}

	select {
	case w.queue <- t:
		return nil
	case <-ctx.Done():
	case <-d.ctx.Done():
	}

	d.mu.Lock()
	w.pending--
	d.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrDispatcherClosed
}

func (d *Dispatcher) run(w *groupWorker) {
	defer d.wg.Done()

	idle := time.NewTimer(d.idle)
	defer idle.Stop()

	for {
		select {
		case t := <-w.queue:
			d.exec(w, t)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.idle)

		case <-idle.C:
			if d.retire(w) {
				return
			}
			idle.Reset(d.idle)

		case <-d.stopping:
			d.drain(w)
			return

		case <-d.ctx.Done():
			return
		}
	}
}

// drain handles whatever is still pending for w once Close was called.
func (d *Dispatcher) drain(w *groupWorker) {
	for {
		if d.retire(w) {
			return
		}
		select {
		case t := <-w.queue:
			d.exec(w, t)
		case <-time.After(50 * time.Millisecond):
		case <-d.ctx.Done():
			return
		}
	}
}

// retire removes w from the worker set if nothing is pending for it.
func (d *Dispatcher) retire(w *groupWorker) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w.pending > 0 {
		return false
	}
	delete(d.workers, w.groupID)
	return true
}

func (d *Dispatcher) exec(w *groupWorker, t task) {
	defer func() {
		d.mu.Lock()
		w.pending--
		d.mu.Unlock()
		if r := recover(); r != nil {
			d.logger.Error("dispatcher: task panic", "group", w.groupID, "error", r)
		}
	}()
	t(d.ctx)
}

// Close stops accepting work and waits for queued tasks to finish or ctx
// to expire, whichever comes first. In-flight tasks are then cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.stopping)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
