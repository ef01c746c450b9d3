// Package callmanager coordinates call control across every registered
// line: the aggregate call state, the hold-then-act orchestration of
// accept, switch and dial, audio mode decisions and dial admission.
//
// All state changes happen on a single worker goroutine started by Run.
// Line events and API requests are queued to that worker in arrival order;
// multi-step operations never block it.
package callmanager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/linemux/internal/audio"
	"github.com/sebas/linemux/internal/events"
	"github.com/sebas/linemux/internal/phone"
)

// DefaultHoldTimeout bounds how long a hold-then-act sequence may wait
// for the hold to complete.
const DefaultHoldTimeout = 10 * time.Second

// DefaultEmergencyNumbers are used when Config.EmergencyNumbers is empty.
var DefaultEmergencyNumbers = []string{"112", "911"}

// Config configures a Manager.
type Config struct {
	// HoldTimeout is the watchdog for pending waits. Zero means
	// DefaultHoldTimeout; negative disables the watchdog.
	HoldTimeout time.Duration

	EmergencyNumbers []string

	// Router applies audio modes. Defaults to a LoggingRouter.
	Router audio.Router

	Logger *slog.Logger
}

// Manager is the call manager. Create one with New and start its worker
// with Run.
type Manager struct {
	logger      *slog.Logger
	holdTimeout time.Duration
	emergency   map[string]struct{}

	bus   *events.Bus
	audio *audio.Controller

	// mu guards the registry. Line call state is read through the line
	// drivers, which are safe for concurrent use.
	mu          sync.RWMutex
	lines       []phone.Line
	defaultLine phone.Line

	box     *mailbox
	running atomic.Bool
	done    chan struct{}

	// Worker-owned.
	wait            *waitingState
	dtmfOutstanding bool
	dtmfLine        string
	muted           bool
	lastFgLine      string
}

// New creates a Manager.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.HoldTimeout
	if timeout == 0 {
		timeout = DefaultHoldTimeout
	}
	router := cfg.Router
	if router == nil {
		router = audio.NewLoggingRouter(logger)
	}
	numbers := cfg.EmergencyNumbers
	if len(numbers) == 0 {
		numbers = DefaultEmergencyNumbers
	}
	emergency := make(map[string]struct{}, len(numbers))
	for _, n := range numbers {
		emergency[n] = struct{}{}
	}

	return &Manager{
		logger:      logger,
		holdTimeout: timeout,
		emergency:   emergency,
		bus:         events.NewBus(logger),
		audio:       audio.NewController(router, logger),
		box:         newMailbox(),
		done:        make(chan struct{}),
		wait:        newWaitingState(logger),
	}
}

// Bus returns the event fan-out.
func (m *Manager) Bus() *events.Bus {
	return m.bus
}

// Subscribe registers h for one event kind. Duplicate subscriptions are
// ignored.
func (m *Manager) Subscribe(kind phone.EventKind, h events.Handler) bool {
	return m.bus.Subscribe(kind, h)
}

// Unsubscribe removes h from one event kind.
func (m *Manager) Unsubscribe(kind phone.EventKind, h events.Handler) bool {
	return m.bus.Unsubscribe(kind, h)
}

// AudioMode returns the last applied audio mode.
func (m *Manager) AudioMode() audio.Mode {
	return m.audio.Mode()
}

// WaitingReason returns NONE, ACCEPT, SWITCH or DIAL.
func (m *Manager) WaitingReason() string {
	return m.wait.reason()
}

// Run processes queued events and requests until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("call manager already running")
	}
	m.logger.Info("[CallManager] Started", "lines", len(m.Lines()))
	defer func() {
		m.box.close()
		m.shutdown()
		close(m.done)
		m.logger.Info("[CallManager] Stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.box.signal:
		}
		for {
			task, ok := m.box.pop()
			if !ok {
				break
			}
			task()
		}
	}
}

// shutdown fails a pending dial waiter. Runs on the worker.
func (m *Manager) shutdown() {
	if result := m.wait.finish(evCancel); result != nil {
		result <- dialResult{err: ErrManagerStopped}
	}
}

// PostLineEvent queues a raw line event. It implements phone.Sink and
// never blocks.
func (m *Manager) PostLineEvent(ev phone.Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	m.box.push(func() { m.handleLineEvent(ev) })
}

// do runs fn on the worker and waits for its result. If ctx ends first
// the call returns ctx.Err() and fn may still run later.
func (m *Manager) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if !m.box.push(func() { res <- fn() }) {
		return ErrManagerStopped
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrManagerStopped
	}
}

// Flush waits until every queued event and request, including the ones
// they queue in turn, has been processed.
func (m *Manager) Flush(ctx context.Context) error {
	for {
		var empty bool
		if err := m.do(ctx, func() error {
			empty = m.box.len() == 0
			return nil
		}); err != nil {
			return err
		}
		if empty {
			return nil
		}
	}
}

// mailbox is an unbounded FIFO with a single consumer.
type mailbox struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (b *mailbox) push(task func()) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.tasks = append(b.tasks, task)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return true
}

func (b *mailbox) pop() (func(), bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.tasks) == 0 {
		return nil, false
	}
	task := b.tasks[0]
	b.tasks[0] = nil
	b.tasks = b.tasks[1:]
	return task, true
}

func (b *mailbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tasks)
}

func (b *mailbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.tasks = nil
}
