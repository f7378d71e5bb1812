package tailserver

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dnscrypt/dnstail/livetail"
	"github.com/jedisct1/dlog"
	"github.com/miekg/dns"
)

const clientQueueSize = 256

type client struct {
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub - Fans query log events out to every connected stream
//
// A client that cannot keep up misses events rather than slowing down the
// others.
type Hub struct {
	sync.Mutex
	clients map[*client]struct{}
	skipped uint64
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

func (hub *Hub) register() *client {
	c := &client{send: make(chan []byte, clientQueueSize), done: make(chan struct{})}
	hub.Lock()
	hub.clients[c] = struct{}{}
	hub.Unlock()
	return c
}

func (hub *Hub) unregister(c *client) {
	hub.Lock()
	delete(hub.clients, c)
	hub.Unlock()
	c.close()
}

func (hub *Hub) Clients() int {
	hub.Lock()
	defer hub.Unlock()
	return len(hub.clients)
}

// PublishRaw sends an already encoded message as is.
func (hub *Hub) PublishRaw(message []byte) {
	hub.Lock()
	defer hub.Unlock()
	for c := range hub.clients {
		select {
		case c.send <- message:
		default:
			hub.skipped++
			dlog.Debugf("Stream client lagging behind - skipping event")
		}
	}
}

func (hub *Hub) Publish(event livetail.StreamEvent) error {
	message, err := json.Marshal(event)
	if err != nil {
		return err
	}
	hub.PublishRaw(message)
	return nil
}

// PublishMsg builds an event from the first question of a DNS message.
func (hub *Hub) PublishMsg(clientIP string, msg *dns.Msg, status string, reason string, elapsed time.Duration) error {
	if msg == nil || len(msg.Question) == 0 {
		return nil
	}
	question := msg.Question[0]
	qType, ok := dns.TypeToString[question.Qtype]
	if !ok {
		qType = "TYPE" + strconv.Itoa(int(question.Qtype))
	}
	event := livetail.StreamEvent{
		Time:     time.Now().UTC().Format(time.RFC3339Nano),
		ClientIP: clientIP,
		Question: strings.TrimSuffix(question.Name, "."),
		QType:    qType,
		Status:   status,
	}
	if len(reason) > 0 {
		event.Reason = &reason
	}
	elapsedMs := elapsed.Milliseconds()
	event.ElapsedMs = &elapsedMs
	return hub.Publish(event)
}

// Skipped is the number of events not delivered to lagging clients.
func (hub *Hub) Skipped() uint64 {
	hub.Lock()
	defer hub.Unlock()
	return hub.skipped
}

func (hub *Hub) closeAll() {
	hub.Lock()
	clients := hub.clients
	hub.clients = make(map[*client]struct{})
	hub.Unlock()
	for c := range clients {
		c.close()
	}
}
