package livetail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jedisct1/dlog"
	netproxy "golang.org/x/net/proxy"
)

const (
	TicketPath              = "/api/v1/ws/ticket"
	StreamPath              = "/api/v1/ws/query-log"
	DefaultKeepAlive        = 5 * time.Second
	DefaultTicketTimeout    = 10 * time.Second
	DefaultHandshakeTimeout = 45 * time.Second
	MaxTicketBodyLength     = 64 * 1024
	UserAgent               = "dnstail"
)

// TransportOptions - Network settings shared by the ticket client and the websocket dialer
type TransportOptions struct {
	ProxyURL         string
	TicketTimeout    time.Duration
	HandshakeTimeout time.Duration
	TLSConfig        *tls.Config
}

// Transport - HTTP client and websocket dialer bound to one server origin
type Transport struct {
	origin     *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// ParseOrigin accepts an http(s) URL and keeps only its scheme and host.
func ParseOrigin(origin string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return nil, fmt.Errorf("Unable to parse the origin [%v]: %w", origin, err)
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("Unsupported origin scheme [%v]", parsed.Scheme)
	}
	if len(parsed.Host) == 0 {
		return nil, fmt.Errorf("No host in origin [%v]", origin)
	}
	return &url.URL{Scheme: parsed.Scheme, Host: parsed.Host}, nil
}

func NewTransport(origin string, options TransportOptions) (*Transport, error) {
	originURL, err := ParseOrigin(origin)
	if err != nil {
		return nil, err
	}
	if options.TicketTimeout <= 0 {
		options.TicketTimeout = DefaultTicketTimeout
	}
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = DefaultHandshakeTimeout
	}
	dialContext := (&net.Dialer{Timeout: options.HandshakeTimeout, KeepAlive: DefaultKeepAlive}).DialContext
	if len(options.ProxyURL) > 0 {
		proxyURL, err := url.Parse(options.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("Unable to parse the proxy URL [%v]", options.ProxyURL)
		}
		proxyDialer, err := netproxy.FromURL(proxyURL, netproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("Unable to use the proxy: [%v]", err)
		}
		dialContext = proxyDialContext(proxyDialer)
		dlog.Noticef("Connecting to [%s] through proxy [%s]", originURL.Host, proxyURL.Host)
	}
	transport := &http.Transport{
		DialContext:         dialContext,
		TLSClientConfig:     options.TLSConfig,
		TLSHandshakeTimeout: options.HandshakeTimeout,
		MaxIdleConns:        1,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &Transport{
		origin: originURL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   options.TicketTimeout,
		},
		dialer: &websocket.Dialer{
			NetDialContext:   dialContext,
			TLSClientConfig:  options.TLSConfig,
			HandshakeTimeout: options.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  1024,
		},
	}, nil
}

func proxyDialContext(dialer netproxy.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if contextDialer, ok := dialer.(netproxy.ContextDialer); ok {
			return contextDialer.DialContext(ctx, network, addr)
		}
		return dialer.Dial(network, addr)
	}
}

func (transport *Transport) Origin() *url.URL {
	origin := *transport.origin
	return &origin
}

func (transport *Transport) TicketURL() *url.URL {
	return &url.URL{Scheme: transport.origin.Scheme, Host: transport.origin.Host, Path: TicketPath}
}

// StreamURL builds the channel URL for a ticket. The scheme mirrors the
// origin's: https maps to wss, http to ws. The long-lived credential is
// never part of this URL.
func (transport *Transport) StreamURL(ticket Ticket) *url.URL {
	scheme := "ws"
	if transport.origin.Scheme == "https" {
		scheme = "wss"
	}
	return &url.URL{
		Scheme:   scheme,
		Host:     transport.origin.Host,
		Path:     StreamPath,
		RawQuery: url.Values{"ticket": {string(ticket)}}.Encode(),
	}
}

func (transport *Transport) CloseIdleConnections() {
	transport.httpClient.CloseIdleConnections()
}

var errNoTransport = errors.New("no transport configured")
