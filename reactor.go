package crake

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/goburrow/crake/session"
)

// Reactor is a single-goroutine readiness loop. It owns a handler table
// keyed by session index, a run queue for dispatched functions, and a
// worker pool for delegated tasks. Handler table and connection state are
// touched only from the loop goroutine; Dispatch and Execute are the
// cross-goroutine entry points.
type Reactor struct {
	name   string
	poller poller
	logger *zap.Logger

	mu    sync.Mutex
	queue []func()

	handlers map[int]session.Driver
	conns    map[int]*bridge
	next     int

	tasks   chan func()
	workers int

	done      chan struct{}
	closeOnce sync.Once
	events    []pollEvent
}

func newReactor(name string, workers int, logger *zap.Logger) (*Reactor, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 1
	}
	return &Reactor{
		name:     name,
		poller:   p,
		logger:   logger,
		handlers: make(map[int]session.Driver),
		conns:    make(map[int]*bridge),
		tasks:    make(chan func(), 128),
		workers:  workers,
		done:     make(chan struct{}),
		events:   make([]pollEvent, 128),
	}, nil
}

// Run drives the loop until Close. It blocks the calling goroutine; all
// readiness callbacks and dispatched functions run here.
func (r *Reactor) Run() error {
	for i := 0; i < r.workers; i++ {
		go r.worker()
	}
	defer close(r.tasks)
	defer r.poller.Close()
	for {
		r.runQueue()
		select {
		case <-r.done:
			return nil
		default:
		}
		n, err := r.poller.Wait(r.events)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			r.deliver(r.events[i])
		}
	}
}

// Close stops the loop. It is idempotent and safe from any goroutine.
func (r *Reactor) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.poller.Wakeup()
	})
	return nil
}

// Dispatch schedules fn onto the loop, serialized with readiness
// callbacks. Safe from any goroutine.
func (r *Reactor) Dispatch(fn func()) {
	r.mu.Lock()
	r.queue = append(r.queue, fn)
	r.mu.Unlock()
	r.poller.Wakeup()
}

func (r *Reactor) runQueue() {
	for {
		r.mu.Lock()
		q := r.queue
		r.queue = nil
		r.mu.Unlock()
		if len(q) == 0 {
			return
		}
		for _, fn := range q {
			fn()
		}
	}
}

func (r *Reactor) deliver(ev pollEvent) {
	b := r.conns[ev.fd]
	if b == nil {
		return
	}
	// One-shot disarms everything; keep whatever interest was not
	// delivered this round.
	if ev.read {
		b.wantRead = false
	}
	if ev.write {
		b.wantWrite = false
	}
	if b.wantRead || b.wantWrite {
		b.rearm()
	}
	if ev.read {
		if d := r.handlers[b.idx]; d != nil {
			d.Readable()
		}
	}
	if ev.write {
		if d := r.handlers[b.idx]; d != nil {
			d.Writable()
		}
	}
}

func (r *Reactor) worker() {
	for task := range r.tasks {
		task()
	}
}

// attach allocates an index and a bridge for fd. Runs on the loop.
func (r *Reactor) attach(fd int) *bridge {
	idx := r.next
	r.next++
	b := &bridge{r: r, fd: fd, idx: idx}
	r.conns[fd] = b
	return b
}

// detach forgets fd and removes it from the poller. Runs on the loop.
func (r *Reactor) detach(fd int) {
	if _, ok := r.conns[fd]; ok {
		delete(r.conns, fd)
		r.poller.Del(fd)
	}
}

// bridge is the per-connection face of the reactor handed to sessions.
type bridge struct {
	r         *Reactor
	fd        int
	idx       int
	wantRead  bool
	wantWrite bool
}

func (b *bridge) SelectForRead() {
	b.wantRead = true
	b.rearm()
}

func (b *bridge) SelectForWrite() {
	b.wantWrite = true
	b.rearm()
}

func (b *bridge) rearm() {
	if err := b.r.poller.Arm(b.fd, b.wantRead, b.wantWrite); err != nil {
		b.r.logger.Error("arm failed", zap.Int("fd", b.fd), zap.Error(err))
	}
}

func (b *bridge) Execute(task func()) {
	b.r.tasks <- task
}

func (b *bridge) Dispatch(fn func()) {
	b.r.Dispatch(fn)
}

func (b *bridge) Delink(d session.Driver) {
	delete(b.r.handlers, d.Index())
}

func (b *bridge) AddHandler(d session.Driver) {
	b.r.handlers[d.Index()] = d
}

func (b *bridge) Name() string {
	return fmt.Sprintf("%s#%d", b.r.name, b.idx)
}
