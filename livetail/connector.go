package livetail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jedisct1/dlog"
)

const (
	DefaultReadTimeout = 120 * time.Second
	controlWriteWait   = 5 * time.Second
	MaxMessageSize     = 64 * 1024
)

type EventKind int

const (
	EventOpened EventKind = iota
	EventMessage
	EventError
	EventClosed
)

func (kind EventKind) String() string {
	switch kind {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", int(kind))
	}
}

// Event - Lifecycle notification from a stream handle
type Event struct {
	Kind   EventKind
	Data   []byte
	Reason string
	Err    error
}

type Listener func(Event)

// Handle is an open (or opening) channel. Close is idempotent and safe to
// call at any time, including before the channel is established.
type Handle interface {
	Close()
}

// Connector opens a channel for a ticket. Events are delivered to listener
// from another goroutine, never from within Open, in this order: Opened,
// any number of Message, an optional Error, and a final Closed.
type Connector interface {
	Open(ctx context.Context, ticket Ticket, listener Listener) Handle
}

// WebsocketConnector - Connector using gorilla/websocket
type WebsocketConnector struct {
	transport   *Transport
	readTimeout time.Duration
}

func NewWebsocketConnector(transport *Transport, readTimeout time.Duration) *WebsocketConnector {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &WebsocketConnector{transport: transport, readTimeout: readTimeout}
}

type websocketHandle struct {
	sync.Mutex
	cancel context.CancelFunc
	conn   *websocket.Conn
	closed bool
}

func (connector *WebsocketConnector) Open(ctx context.Context, ticket Ticket, listener Listener) Handle {
	ctx, cancel := context.WithCancel(ctx)
	handle := &websocketHandle{cancel: cancel}
	go connector.run(ctx, handle, ticket, listener)
	return handle
}

func (connector *WebsocketConnector) run(ctx context.Context, handle *websocketHandle, ticket Ticket, listener Listener) {
	defer handle.cancel()

	streamURL := connector.transport.StreamURL(ticket)
	dlog.Debugf("Opening query log stream on [%s://%s%s]", streamURL.Scheme, streamURL.Host, streamURL.Path)
	conn, resp, err := connector.transport.dialer.DialContext(ctx, streamURL.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %s)", err, resp.Status)
		}
		listener(Event{Kind: EventError, Err: err})
		listener(Event{Kind: EventClosed, Reason: "connection failed"})
		return
	}
	if !handle.attach(conn) {
		conn.Close()
		listener(Event{Kind: EventClosed, Reason: "closed by client"})
		return
	}
	defer conn.Close()

	conn.SetReadLimit(MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(connector.readTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(connector.readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(connector.readTimeout))
	})

	listener(Event{Kind: EventOpened})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if handle.isClosed() {
				listener(Event{Kind: EventClosed, Reason: "closed by client"})
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				listener(Event{Kind: EventError, Err: err})
			}
			listener(Event{Kind: EventClosed, Reason: closeReason(err)})
			return
		}
		conn.SetReadDeadline(time.Now().Add(connector.readTimeout))
		listener(Event{Kind: EventMessage, Data: message})
	}
}

func closeReason(err error) string {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if len(closeErr.Text) > 0 {
			return fmt.Sprintf("%d %s", closeErr.Code, closeErr.Text)
		}
		return fmt.Sprintf("%d", closeErr.Code)
	}
	return err.Error()
}

func (handle *websocketHandle) attach(conn *websocket.Conn) bool {
	handle.Lock()
	defer handle.Unlock()
	if handle.closed {
		return false
	}
	handle.conn = conn
	return true
}

func (handle *websocketHandle) isClosed() bool {
	handle.Lock()
	defer handle.Unlock()
	return handle.closed
}

func (handle *websocketHandle) Close() {
	handle.Lock()
	if handle.closed {
		handle.Unlock()
		return
	}
	handle.closed = true
	conn := handle.conn
	handle.Unlock()

	handle.cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(controlWriteWait))
		_ = conn.Close()
	}
}
