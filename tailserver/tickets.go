package tailserver

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTicketTTL is long enough to open the websocket right after the
// ticket was issued.
const DefaultTicketTTL = 30 * time.Second

var (
	ErrTicketUnknown = errors.New("Invalid or already-used websocket ticket")
	ErrTicketExpired = errors.New("Websocket ticket expired")
)

// TicketStore - Single-use stream tickets
type TicketStore struct {
	sync.Mutex
	ttl     time.Duration
	tickets map[string]time.Time
	now     func() time.Time
}

func NewTicketStore(ttl time.Duration) *TicketStore {
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	return &TicketStore{
		ttl:     ttl,
		tickets: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Issue mints a new ticket. Expired tickets are evicted on the way.
func (store *TicketStore) Issue() (string, time.Duration) {
	store.Lock()
	defer store.Unlock()
	now := store.now()
	for ticket, issuedAt := range store.tickets {
		if now.Sub(issuedAt) >= store.ttl {
			delete(store.tickets, ticket)
		}
	}
	ticket := uuid.NewString()
	store.tickets[ticket] = now
	return ticket, store.ttl
}

// Consume validates a ticket and removes it, so that it can only be used once.
func (store *TicketStore) Consume(ticket string) error {
	store.Lock()
	defer store.Unlock()
	issuedAt, found := store.tickets[ticket]
	if !found {
		return ErrTicketUnknown
	}
	delete(store.tickets, ticket)
	if store.now().Sub(issuedAt) >= store.ttl {
		return ErrTicketExpired
	}
	return nil
}

func (store *TicketStore) Len() int {
	store.Lock()
	defer store.Unlock()
	return len(store.tickets)
}
