package livetail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/powerman/check"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const testWait = 2 * time.Second

type ticketResult struct {
	ticket Ticket
	err    error
}

// fakeTickets answers ticket requests with whatever the test feeds it.
// When ignoreCancel is set, it keeps waiting after its context is done,
// like a response already on the wire.
type fakeTickets struct {
	requests     chan string
	results      chan ticketResult
	ignoreCancel bool
}

func newFakeTickets() *fakeTickets {
	return &fakeTickets{requests: make(chan string, 16), results: make(chan ticketResult)}
}

func (tickets *fakeTickets) RequestTicket(ctx context.Context, credential string) (Ticket, error) {
	tickets.requests <- credential
	if tickets.ignoreCancel {
		result := <-tickets.results
		return result.ticket, result.err
	}
	select {
	case result := <-tickets.results:
		return result.ticket, result.err
	case <-ctx.Done():
		return "", authErrorf("%v", ctx.Err())
	}
}

type fakeHandle struct {
	ticket   Ticket
	listener Listener
	closed   int32

	// when set, Close signals closing then waits for release
	closing chan struct{}
	release chan struct{}
}

func (handle *fakeHandle) Close() {
	atomic.StoreInt32(&handle.closed, 1)
	if handle.closing != nil {
		close(handle.closing)
		<-handle.release
	}
}

func (handle *fakeHandle) isClosed() bool { return atomic.LoadInt32(&handle.closed) == 1 }

func (handle *fakeHandle) emit(kind EventKind, data string) {
	event := Event{Kind: kind}
	switch kind {
	case EventMessage:
		event.Data = []byte(data)
	case EventError:
		event.Err = errors.New(data)
	case EventClosed:
		event.Reason = data
	}
	handle.listener(event)
}

type fakeConnector struct {
	opened chan *fakeHandle
}

func (connector *fakeConnector) Open(_ context.Context, ticket Ticket, listener Listener) Handle {
	handle := &fakeHandle{ticket: ticket, listener: listener}
	connector.opened <- handle
	return handle
}

type fakeTimer struct {
	delay   time.Duration
	f       func()
	stopped bool
}

func (timer *fakeTimer) Stop() bool {
	timer.stopped = true
	return true
}

type fakeClock struct {
	sync.Mutex
	timers []*fakeTimer
}

func (clock *fakeClock) AfterFunc(delay time.Duration, f func()) Timer {
	clock.Lock()
	defer clock.Unlock()
	timer := &fakeTimer{delay: delay, f: f}
	clock.timers = append(clock.timers, timer)
	return timer
}

func (clock *fakeClock) count() int {
	clock.Lock()
	defer clock.Unlock()
	return len(clock.timers)
}

func (clock *fakeClock) last() *fakeTimer {
	clock.Lock()
	defer clock.Unlock()
	if len(clock.timers) == 0 {
		return nil
	}
	return clock.timers[len(clock.timers)-1]
}

type harness struct {
	t         *check.C
	tail      *Tail
	tickets   *fakeTickets
	connector *fakeConnector
	clock     *fakeClock
	statuses  []ConnectionState
	entries   []LiveEntry
	n         int
}

func newHarness(t *check.C, configure func(*Config)) *harness {
	h := &harness{
		t:         t,
		tickets:   newFakeTickets(),
		connector: &fakeConnector{opened: make(chan *fakeHandle, 16)},
		clock:     &fakeClock{},
	}
	config := Config{
		Credentials: StaticCredential("long-lived-token"),
		Tickets:     h.tickets,
		Connector:   h.connector,
		AfterFunc:   h.clock.AfterFunc,
		OnStatus:    func(state ConnectionState) { h.statuses = append(h.statuses, state) },
		OnEntry:     func(entry LiveEntry) { h.entries = append(h.entries, entry) },
	}
	if configure != nil {
		configure(&config)
	}
	tail, err := New(config)
	t.Must(t.Nil(err))
	h.tail = tail
	return h
}

func (h *harness) expectRequest() string {
	select {
	case credential := <-h.tickets.requests:
		return credential
	case <-time.After(testWait):
		h.t.Fatal("no ticket request")
		return ""
	}
}

func (h *harness) answer(ticket Ticket, err error) {
	select {
	case h.tickets.results <- ticketResult{ticket: ticket, err: err}:
	case <-time.After(testWait):
		h.t.Fatal("ticket provider is not waiting")
	}
}

func (h *harness) expectOpen() *fakeHandle {
	select {
	case handle := <-h.connector.opened:
		return handle
	case <-time.After(testWait):
		h.t.Fatal("channel was not opened")
		return nil
	}
}

func (h *harness) expectNoOpen() {
	select {
	case <-h.connector.opened:
		h.t.Fatal("unexpected channel")
	case <-time.After(100 * time.Millisecond):
	}
}

// connect runs one attempt up to the point where the channel is being opened.
func (h *harness) connect() *fakeHandle {
	h.expectRequest()
	h.n++
	h.answer(Ticket(fmt.Sprintf("ticket-%d", h.n)), nil)
	return h.expectOpen()
}

func (h *harness) waitStatus(state ConnectionState) {
	deadline := time.Now().Add(testWait)
	for h.tail.Status() != state {
		if time.Now().After(deadline) {
			h.t.Fatalf("state is %v, expected %v", h.tail.Status(), state)
		}
		time.Sleep(time.Millisecond)
	}
}

const validMessage = `{"time":"2025-01-01T00:00:00Z","client_ip":"10.0.0.1","question":"%s","qtype":"A","status":"allowed","elapsed_ms":2}`

func TestTailStreamsEntries(tt *testing.T) {
	t := check.T(tt)
	h := newHarness(t, nil)
	t.Nil(h.tail.Start())
	t.Equal(h.expectRequest(), "long-lived-token")
	h.answer("ticket-1", nil)
	handle := h.expectOpen()
	t.Equal(handle.ticket, Ticket("ticket-1"))
	t.Equal(h.tail.Status(), StateConnecting)

	handle.emit(EventOpened, "")
	t.Equal(h.tail.Status(), StateOpen)
	for _, name := range []string{"a.example", "b.example", "c.example"} {
		handle.emit(EventMessage, fmt.Sprintf(validMessage, name))
	}
	t.DeepEqual(questions(h.tail.Entries()), []string{"c.example", "b.example", "a.example"})
	t.DeepEqual(questions(h.entries), []string{"a.example", "b.example", "c.example"})
	t.DeepEqual(h.statuses, []ConnectionState{StateFetchingTicket, StateConnecting, StateOpen})
	t.Equal(h.tail.Stats().Total, uint64(3))
	t.InDelta(h.tail.Stats().AvgElapsedMs, 2.0, 0.001)

	h.tail.Clear()
	t.Len(h.tail.Entries(), 0)
	t.Equal(h.tail.Stats().Total, uint64(3), "stats count accepted entries")
	h.tail.Stop()
	t.True(handle.isClosed())
}

func TestTailStartOnce(tt *testing.T) {
	t := check.T(tt)
	h := newHarness(t, nil)
	t.Nil(h.tail.Start())
	t.Err(h.tail.Start(), ErrAlreadyStarted)
	h.expectRequest()
	h.tail.Stop()
	h.tail.Stop()
	t.Err(h.tail.Start(), ErrStopped)
	_, open := <-h.tail.Changed()
	for open {
		_, open = <-h.tail.Changed()
	}
}

func TestTailMalformedMessageKeepsState(tt *testing.T) {
	t := check.T(tt)
	registry := prometheus.NewRegistry()
	metrics, err := NewMetrics(registry, nil)
	t.Must(t.Nil(err))
	h := newHarness(t, func(config *Config) { config.Metrics = metrics })
	t.Nil(h.tail.Start())
	handle := h.connect()
	handle.emit(EventOpened, "")
	handle.emit(EventMessage, fmt.Sprintf(validMessage, "ok.example"))
	before := h.tail.Entries()

	handle.emit(EventMessage, `{"question": oops`)
	handle.emit(EventMessage, `null`)

	t.Equal(h.tail.Status(), StateOpen)
	t.DeepEqual(h.tail.Entries(), before)
	t.Equal(h.tail.Dropped(), uint64(2))
	t.Equal(h.clock.count(), 0)
	t.Equal(testutil.ToFloat64(metrics.malformed), 2.0)
	t.Equal(testutil.ToFloat64(metrics.messages), 1.0)
	h.tail.Stop()
}

func TestTailReconnectDelays(tt *testing.T) {
	t := check.T(tt)
	h := newHarness(t, nil)
	t.Nil(h.tail.Start())

	handle := h.connect()
	handle.emit(EventOpened, "")
	handle.emit(EventError, "connection reset")
	t.Equal(h.tail.Status(), StateError)
	handle.emit(EventClosed, "1006")

	expected := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, delay := range expected {
		timer := h.clock.last()
		t.Must(t.NotNil(timer))
		t.Equal(h.clock.count(), i+1, "exactly one timer per failure")
		t.Equal(timer.delay, delay, "failure %d", i+1)
		phase, attempt := h.tail.Pending()
		t.Equal(phase, PhaseWaiting)
		t.Equal(attempt, i+1)
		if i == len(expected)-1 {
			break
		}
		timer.f()
		handle = h.connect()
		handle.emit(EventError, "refused")
		handle.emit(EventClosed, "connection failed")
	}

	h.clock.last().f()
	handle = h.connect()
	handle.emit(EventOpened, "")
	_, attempt := h.tail.Pending()
	t.Equal(attempt, 0)
	handle.emit(EventClosed, "1000")
	t.Equal(h.tail.Status(), StateClosed)
	t.Equal(h.clock.last().delay, 1*time.Second)
	h.tail.Stop()
	t.True(h.clock.last().stopped)
}

func TestTailTicketErrorDoesNotRetry(tt *testing.T) {
	t := check.T(tt)
	h := newHarness(t, nil)
	t.Nil(h.tail.Start())
	h.expectRequest()
	h.answer("", authErrorf("401 Unauthorized"))
	h.waitStatus(StateError)
	h.expectNoOpen()
	t.Equal(h.clock.count(), 0)
	phase, _ := h.tail.Pending()
	t.Equal(phase, PhaseIdle)
	h.tail.Stop()
}

func TestTailRetryAfterTicketError(tt *testing.T) {
	t := check.T(tt)
	h := newHarness(t, nil)
	t.False(h.tail.Retry(), "not started")
	t.Nil(h.tail.Start())
	h.expectRequest()
	t.False(h.tail.Retry(), "attempt in flight")

	// server goes away while the stream is open
	h.answer("ticket-1", nil)
	handle := h.expectOpen()
	handle.emit(EventOpened, "")
	handle.emit(EventClosed, "1006")
	h.clock.last().f()
	h.expectRequest()
	h.answer("", authErrorf("connection refused"))
	h.waitStatus(StateError)
	t.Equal(h.clock.count(), 1)

	// and comes back
	t.True(h.tail.Retry())
	t.False(h.tail.Retry())
	h.expectRequest()
	h.answer("ticket-2", nil)
	handle = h.expectOpen()
	handle.emit(EventOpened, "")
	t.Equal(h.tail.Status(), StateOpen)
	t.False(h.tail.Retry())

	h.tail.Stop()
	t.False(h.tail.Retry())
}

func TestTailStopClosesOutsideLock(tt *testing.T) {
	t := check.T(tt)
	h := newHarness(t, nil)
	t.Nil(h.tail.Start())
	handle := h.connect()
	handle.emit(EventOpened, "")
	handle.closing = make(chan struct{})
	handle.release = make(chan struct{})

	stopped := make(chan struct{})
	go func() {
		h.tail.Stop()
		close(stopped)
	}()
	select {
	case <-handle.closing:
	case <-time.After(testWait):
		t.Fatal("handle was not closed")
	}
	status := make(chan ConnectionState)
	go func() { status <- h.tail.Status() }()
	select {
	case state := <-status:
		t.Equal(state, StateOpen)
	case <-time.After(testWait):
		t.Fatal("Status blocked while the handle was closing")
	}
	close(handle.release)
	<-stopped
	t.True(handle.isClosed())
}

func TestTailTicketErrorRetryWhenEnabled(tt *testing.T) {
	t := check.T(tt)
	h := newHarness(t, func(config *Config) { config.RetryTicketErrors = true })
	t.Nil(h.tail.Start())
	h.expectRequest()
	h.answer("", authErrorf("503 Service Unavailable"))
	h.waitStatus(StateError)
	h.expectNoOpen()
	t.Equal(h.clock.count(), 1)
	t.Equal(h.clock.last().delay, 1*time.Second)

	h.clock.last().f()
	handle := h.connect()
	handle.emit(EventOpened, "")
	t.Equal(h.tail.Status(), StateOpen)
	h.tail.Stop()
}

func TestTailRejectsReusedTicket(tt *testing.T) {
	t := check.T(tt)
	h := newHarness(t, func(config *Config) { config.RetryTicketErrors = true })
	t.Nil(h.tail.Start())
	h.expectRequest()
	h.answer("same", nil)
	handle := h.expectOpen()
	handle.emit(EventOpened, "")
	handle.emit(EventClosed, "1001")

	h.clock.last().f()
	h.expectRequest()
	h.answer("same", nil)
	h.waitStatus(StateError)
	h.expectNoOpen()

	h.clock.last().f()
	h.expectRequest()
	h.answer("fresh", nil)
	t.Equal(h.expectOpen().ticket, Ticket("fresh"))
	h.tail.Stop()
}

func TestTailReadsCredentialOnEveryAttempt(tt *testing.T) {
	t := check.T(tt)
	credentials := &rotatingCredential{}
	credentials.set("first")
	h := newHarness(t, func(config *Config) { config.Credentials = credentials })
	t.Nil(h.tail.Start())
	t.Equal(h.expectRequest(), "first")
	h.n++
	h.answer("ticket-a", nil)
	handle := h.expectOpen()
	handle.emit(EventClosed, "1006")

	credentials.set("second")
	h.clock.last().f()
	t.Equal(h.expectRequest(), "second")
	h.tail.Stop()
}

type rotatingCredential struct {
	sync.Mutex
	value string
}

func (credential *rotatingCredential) set(value string) {
	credential.Lock()
	credential.value = value
	credential.Unlock()
}

func (credential *rotatingCredential) Credential() string {
	credential.Lock()
	defer credential.Unlock()
	return credential.value
}

func TestTailNoMutationAfterStop(tt *testing.T) {
	tt.Run("late ticket response", func(tt *testing.T) {
		t := check.T(tt)
		h := newHarness(t, nil)
		h.tickets.ignoreCancel = true
		t.Nil(h.tail.Start())
		h.expectRequest()
		h.tail.Stop()
		statuses := len(h.statuses)
		h.answer("late", nil)
		h.expectNoOpen()
		t.Equal(h.tail.Status(), StateFetchingTicket)
		t.Len(h.statuses, statuses)
		t.Equal(h.clock.count(), 0)
	})

	tt.Run("late message and close", func(tt *testing.T) {
		t := check.T(tt)
		h := newHarness(t, nil)
		t.Nil(h.tail.Start())
		handle := h.connect()
		handle.emit(EventOpened, "")
		handle.emit(EventMessage, fmt.Sprintf(validMessage, "before.example"))
		h.tail.Stop()
		t.True(handle.isClosed())

		handle.emit(EventMessage, fmt.Sprintf(validMessage, "after.example"))
		handle.emit(EventError, "reset")
		handle.emit(EventClosed, "1006")
		t.DeepEqual(questions(h.tail.Entries()), []string{"before.example"})
		t.Equal(h.tail.Status(), StateOpen)
		t.Equal(h.clock.count(), 0)
		t.Len(h.entries, 1)
		h.tail.Clear()
		t.Len(h.tail.Entries(), 1)
	})

	tt.Run("late timer", func(tt *testing.T) {
		t := check.T(tt)
		h := newHarness(t, nil)
		t.Nil(h.tail.Start())
		handle := h.connect()
		handle.emit(EventClosed, "1006")
		timer := h.clock.last()
		h.tail.Stop()
		t.True(timer.stopped)
		timer.f()
		select {
		case <-h.tickets.requests:
			t.Fatal("reconnected after stop")
		case <-time.After(100 * time.Millisecond):
		}
		t.Equal(h.tail.Status(), StateClosed)
	})
}

func TestTailStaleHandleIgnored(tt *testing.T) {
	t := check.T(tt)
	h := newHarness(t, nil)
	t.Nil(h.tail.Start())
	old := h.connect()
	old.emit(EventOpened, "")
	old.emit(EventClosed, "1006")
	h.clock.last().f()
	current := h.connect()
	current.emit(EventOpened, "")

	old.emit(EventMessage, fmt.Sprintf(validMessage, "stale.example"))
	old.emit(EventClosed, "1006")
	t.Equal(h.tail.Status(), StateOpen)
	t.Len(h.tail.Entries(), 0)
	t.Equal(h.clock.count(), 1)
	h.tail.Stop()
}

func TestTailFilter(tt *testing.T) {
	t := check.T(tt)
	filter, err := NewFilter(FilterConfig{Questions: []string{"example.com"}})
	t.Must(t.Nil(err))
	h := newHarness(t, func(config *Config) { config.Filter = filter })
	t.Nil(h.tail.Start())
	handle := h.connect()
	handle.emit(EventOpened, "")
	handle.emit(EventMessage, fmt.Sprintf(validMessage, "www.example.com"))
	handle.emit(EventMessage, fmt.Sprintf(validMessage, "www.example.org"))
	t.DeepEqual(questions(h.tail.Entries()), []string{"www.example.com"})
	t.Equal(h.tail.Dropped(), uint64(0))
	h.tail.Stop()
}

func TestNewRequiresCollaborators(tt *testing.T) {
	t := check.T(tt)
	_, err := New(Config{})
	t.NotNil(err)
	_, err = New(Config{Credentials: StaticCredential("x"), Tickets: newFakeTickets()})
	t.NotNil(err)
}
