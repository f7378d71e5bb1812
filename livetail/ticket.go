package livetail

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jedisct1/dlog"
)

const usedTicketsCacheSize = 64

// Ticket - Short-lived, single-use credential for one stream connection
type Ticket string

// TicketProvider exchanges the long-lived credential for a ticket. It does
// not retry; errors wrap ErrAuth.
type TicketProvider interface {
	RequestTicket(ctx context.Context, credential string) (Ticket, error)
}

// CredentialStore gives access to the current long-lived credential. It is
// read at the start of every connection attempt.
type CredentialStore interface {
	Credential() string
}

// StaticCredential is a CredentialStore that never rotates.
type StaticCredential string

func (credential StaticCredential) Credential() string {
	return string(credential)
}

type ticketResponse struct {
	Ticket    *string `json:"ticket"`
	ExpiresIn int     `json:"expires_in"`
}

// HTTPTicketProvider - Requests tickets from the server's ticket endpoint
type HTTPTicketProvider struct {
	transport *Transport
}

func NewHTTPTicketProvider(transport *Transport) *HTTPTicketProvider {
	return &HTTPTicketProvider{transport: transport}
}

func (provider *HTTPTicketProvider) RequestTicket(ctx context.Context, credential string) (Ticket, error) {
	if provider.transport == nil {
		return "", authErrorf("%v", errNoTransport)
	}
	if len(credential) == 0 {
		return "", authErrorf("no credential available")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.transport.TicketURL().String(), nil)
	if err != nil {
		return "", authErrorf("%v", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	resp, err := provider.transport.httpClient.Do(req)
	if err != nil {
		dlog.Debugf("Ticket request failed: [%v] - closing idle connections", err)
		provider.transport.CloseIdleConnections()
		return "", authErrorf("%v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", authErrorf("%s", resp.Status)
	}
	bin, err := io.ReadAll(io.LimitReader(resp.Body, MaxTicketBodyLength))
	if err != nil {
		return "", authErrorf("%v", err)
	}
	var body ticketResponse
	if err := json.Unmarshal(bin, &body); err != nil {
		return "", authErrorf("unable to parse the ticket response: %v", err)
	}
	if body.Ticket == nil || len(*body.Ticket) == 0 {
		return "", authErrorf("no ticket in response")
	}
	dlog.Debugf("Got a stream ticket valid for %ds", body.ExpiresIn)
	return Ticket(*body.Ticket), nil
}

// ticketGuard remembers recently used tickets so that the same value is
// never presented twice by one Tail.
type ticketGuard struct {
	used *lru.Cache
}

func newTicketGuard() *ticketGuard {
	used, err := lru.New(usedTicketsCacheSize)
	if err != nil {
		panic(err)
	}
	return &ticketGuard{used: used}
}

func (guard *ticketGuard) claim(ticket Ticket) error {
	if seen, _ := guard.used.ContainsOrAdd(ticket, struct{}{}); seen {
		return authErrorf("ticket already used")
	}
	return nil
}
