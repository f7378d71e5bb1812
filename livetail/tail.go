// Package livetail keeps a live, bounded tail of the query log streamed by
// a DNS server over a websocket, reconnecting with exponential backoff.
package livetail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jedisct1/dlog"
)

type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateFetchingTicket
	StateConnecting
	StateOpen
	StateClosed
	StateError
)

func (state ConnectionState) String() string {
	switch state {
	case StateIdle:
		return "idle"
	case StateFetchingTicket:
		return "fetching_ticket"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(state))
	}
}

// Phase of the reconnect scheduler
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseWaiting
	PhaseAttempting
)

func (phase Phase) String() string {
	switch phase {
	case PhaseIdle:
		return "idle"
	case PhaseWaiting:
		return "waiting"
	case PhaseAttempting:
		return "attempting"
	default:
		return fmt.Sprintf("phase(%d)", int(phase))
	}
}

// Timer is the part of *time.Timer the scheduler needs.
type Timer interface {
	Stop() bool
}

type AfterFunc func(delay time.Duration, f func()) Timer

func realAfterFunc(delay time.Duration, f func()) Timer {
	return time.AfterFunc(delay, f)
}

// Config - Collaborators and settings of a Tail
type Config struct {
	Credentials CredentialStore
	Tickets     TicketProvider
	Connector   Connector

	MaxEntries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// RetryTicketErrors puts failed ticket requests through the same backoff
	// loop as disconnections. When false, a ticket failure leaves the tail
	// in StateError until Retry is called.
	RetryTicketErrors bool

	Filter  *Filter
	Metrics *Metrics

	// Hooks are called in order with the tail's lock held. They must not
	// block nor call back into the Tail.
	OnStatus func(ConnectionState)
	OnEntry  func(LiveEntry)

	AfterFunc AfterFunc
}

// Tail - Lifecycle guard around the ticket, connect, buffer and reconnect pipeline
//
// Every asynchronous completion (ticket response, channel event, timer)
// takes the lock and checks that the tail has not been stopped and that it
// belongs to the current attempt before touching any state.
type Tail struct {
	mu        sync.Mutex
	config    Config
	afterFunc AfterFunc

	state    ConnectionState
	phase    Phase
	buffer   *Buffer
	backoff  Backoff
	tickets  *ticketGuard
	stats    *Stats
	started  bool
	disposed bool

	ctx     context.Context
	cancel  context.CancelFunc
	attempt uint64
	handle  Handle
	timer   Timer
	seq     uint64
	dropped uint64
	changed chan struct{}
}

func New(config Config) (*Tail, error) {
	if config.Credentials == nil {
		return nil, errors.New("no credential store")
	}
	if config.Tickets == nil {
		return nil, errors.New("no ticket provider")
	}
	if config.Connector == nil {
		return nil, errors.New("no connector")
	}
	afterFunc := config.AfterFunc
	if afterFunc == nil {
		afterFunc = realAfterFunc
	}
	return &Tail{
		config:    config,
		afterFunc: afterFunc,
		buffer:    NewBuffer(config.MaxEntries),
		backoff:   Backoff{Base: config.BaseDelay, Cap: config.MaxDelay},
		tickets:   newTicketGuard(),
		stats:     newStats(),
		changed:   make(chan struct{}, 1),
	}, nil
}

// Start begins the pipeline. It can only be called once.
func (tail *Tail) Start() error {
	tail.mu.Lock()
	defer tail.mu.Unlock()
	if tail.disposed {
		return ErrStopped
	}
	if tail.started {
		return ErrAlreadyStarted
	}
	tail.started = true
	tail.ctx, tail.cancel = context.WithCancel(context.Background())
	tail.connectLocked()
	return nil
}

// Stop cancels the in-flight ticket request, closes the channel and the
// pending reconnection timer. Nothing observable changes afterwards.
func (tail *Tail) Stop() {
	tail.mu.Lock()
	if tail.disposed {
		tail.mu.Unlock()
		return
	}
	tail.disposed = true
	if tail.cancel != nil {
		tail.cancel()
	}
	if tail.timer != nil {
		tail.timer.Stop()
		tail.timer = nil
	}
	handle := tail.handle
	tail.handle = nil
	tail.phase = PhaseIdle
	close(tail.changed)
	tail.mu.Unlock()

	// events from the handle are discarded from now on, closing it can
	// take as long as the close handshake
	if handle != nil {
		handle.Close()
	}
	dlog.Debug("Query log tail stopped")
}

// Retry starts a new attempt when a ticket failure left the tail in
// StateError with nothing scheduled. It reports whether an attempt was
// started.
func (tail *Tail) Retry() bool {
	tail.mu.Lock()
	defer tail.mu.Unlock()
	if tail.disposed || !tail.started || tail.state != StateError || tail.phase != PhaseIdle {
		return false
	}
	dlog.Notice("Retrying to open the query log stream")
	tail.connectLocked()
	return true
}

func (tail *Tail) connectLocked() {
	tail.attempt++
	attempt := tail.attempt
	tail.phase = PhaseAttempting
	tail.timer = nil
	credential := tail.config.Credentials.Credential()
	tail.setStateLocked(StateFetchingTicket)
	go tail.fetchTicket(tail.ctx, attempt, credential)
}

func (tail *Tail) fetchTicket(ctx context.Context, attempt uint64, credential string) {
	ticket, err := tail.config.Tickets.RequestTicket(ctx, credential)

	tail.mu.Lock()
	defer tail.mu.Unlock()
	if !tail.currentLocked(attempt) {
		dlog.Debug("Discarding a ticket response received after the tail was stopped")
		return
	}
	if err == nil {
		err = tail.tickets.claim(ticket)
	}
	if err != nil {
		tail.ticketFailedLocked(err)
		return
	}
	tail.setStateLocked(StateConnecting)
	tail.handle = tail.config.Connector.Open(ctx, ticket, func(event Event) {
		tail.handleEvent(attempt, event)
	})
}

func (tail *Tail) ticketFailedLocked(err error) {
	dlog.Warnf("Unable to open the query log stream: %v", err)
	tail.config.Metrics.incTicketFailures()
	tail.setStateLocked(StateError)
	if tail.config.RetryTicketErrors {
		tail.scheduleLocked()
	} else {
		tail.phase = PhaseIdle
	}
}

func (tail *Tail) handleEvent(attempt uint64, event Event) {
	tail.mu.Lock()
	defer tail.mu.Unlock()
	if !tail.currentLocked(attempt) {
		return
	}
	switch event.Kind {
	case EventOpened:
		dlog.Noticef("Query log stream connected")
		tail.backoff.Reset()
		tail.setStateLocked(StateOpen)
	case EventMessage:
		tail.acceptLocked(event.Data)
	case EventError:
		dlog.Debugf("Query log stream error: %v", event.Err)
		tail.setStateLocked(StateError)
	case EventClosed:
		tail.handle = nil
		if tail.state != StateError {
			tail.setStateLocked(StateClosed)
		}
		tail.scheduleLocked()
	}
}

func (tail *Tail) acceptLocked(data []byte) {
	event, err := ParseStreamEvent(data)
	if err != nil {
		tail.dropped++
		tail.config.Metrics.incMalformed()
		dlog.Debugf("Dropping message: %v", err)
		return
	}
	if !tail.config.Filter.Match(event) {
		tail.config.Metrics.incFiltered()
		return
	}
	tail.seq++
	entry := newLiveEntry(event, tail.seq)
	tail.buffer.Insert(entry)
	tail.stats.observe(&entry.StreamEvent)
	tail.config.Metrics.incMessages()
	if tail.config.OnEntry != nil {
		tail.config.OnEntry(entry)
	}
	tail.notifyLocked()
}

// scheduleLocked arms the reconnection timer, unless one is already pending.
func (tail *Tail) scheduleLocked() {
	if tail.disposed || tail.timer != nil {
		return
	}
	delay := tail.backoff.Next()
	attempt := tail.attempt
	tail.phase = PhaseWaiting
	tail.config.Metrics.incReconnects()
	dlog.Noticef("Query log stream disconnected - reconnecting in %v (attempt %d)", delay, tail.backoff.Attempt())
	tail.timer = tail.afterFunc(delay, func() {
		tail.reconnect(attempt)
	})
}

func (tail *Tail) reconnect(attempt uint64) {
	tail.mu.Lock()
	defer tail.mu.Unlock()
	if !tail.currentLocked(attempt) || tail.phase != PhaseWaiting {
		return
	}
	tail.connectLocked()
}

func (tail *Tail) currentLocked(attempt uint64) bool {
	return !tail.disposed && attempt == tail.attempt
}

func (tail *Tail) setStateLocked(state ConnectionState) {
	if tail.state == state {
		return
	}
	tail.state = state
	tail.config.Metrics.setState(state)
	if tail.config.OnStatus != nil {
		tail.config.OnStatus(state)
	}
	tail.notifyLocked()
}

func (tail *Tail) notifyLocked() {
	select {
	case tail.changed <- struct{}{}:
	default:
	}
}

// Changed receives a value whenever the state or the buffer changed since
// the last receive. It is closed by Stop.
func (tail *Tail) Changed() <-chan struct{} {
	return tail.changed
}

func (tail *Tail) Status() ConnectionState {
	tail.mu.Lock()
	defer tail.mu.Unlock()
	return tail.state
}

// Entries returns the live buffer, newest first.
func (tail *Tail) Entries() []LiveEntry {
	tail.mu.Lock()
	defer tail.mu.Unlock()
	return tail.buffer.Entries()
}

// Clear empties the live buffer. It does nothing once the tail is stopped.
func (tail *Tail) Clear() {
	tail.mu.Lock()
	defer tail.mu.Unlock()
	if tail.disposed {
		return
	}
	tail.buffer.Clear()
	tail.notifyLocked()
}

// Dropped is the number of malformed messages ignored so far.
func (tail *Tail) Dropped() uint64 {
	tail.mu.Lock()
	defer tail.mu.Unlock()
	return tail.dropped
}

// Pending reports the scheduler phase and the current attempt counter.
func (tail *Tail) Pending() (Phase, int) {
	tail.mu.Lock()
	defer tail.mu.Unlock()
	return tail.phase, tail.backoff.Attempt()
}

func (tail *Tail) Stats() StatsSnapshot {
	tail.mu.Lock()
	defer tail.mu.Unlock()
	return tail.stats.snapshot()
}
