// Package tailserver implements the server side of the live query log
// stream: ticket issuance and the websocket channel.
package tailserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dnscrypt/dnstail/livetail"
	"github.com/gorilla/websocket"
	"github.com/jedisct1/dlog"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 120 * time.Second
	writeTimeout = 10 * time.Second
)

// Verifier tells whether a bearer credential may request tickets.
type Verifier func(credential string) bool

// Config - Settings for the stream server
type Config struct {
	ListenAddress  string
	TLSCertificate string
	TLSKey         string
	TicketTTL      time.Duration
	Verifier       Verifier
	CheckOrigin    func(r *http.Request) bool
}

// Server - Serves tickets and query log streams
type Server struct {
	config     Config
	tickets    *TicketStore
	hub        *Hub
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

func New(config Config) *Server {
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Server{
		config:  config,
		tickets: NewTicketStore(config.TicketTTL),
		hub:     NewHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

func (server *Server) Hub() *Hub {
	return server.hub
}

func (server *Server) Tickets() *TicketStore {
	return server.tickets
}

func (server *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(livetail.TicketPath, server.bearerAuthMiddleware(http.HandlerFunc(server.handleTicket)))
	mux.HandleFunc(livetail.StreamPath, server.handleStream)
	return mux
}

// Start - Starts listening in the background
func (server *Server) Start() error {
	if len(server.config.ListenAddress) == 0 {
		return errors.New("No listen address for the stream server")
	}
	server.httpServer = &http.Server{
		Addr:              server.config.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		var err error
		if len(server.config.TLSCertificate) > 0 && len(server.config.TLSKey) > 0 {
			dlog.Noticef("Starting stream server on https://%s", server.config.ListenAddress)
			err = server.httpServer.ListenAndServeTLS(server.config.TLSCertificate, server.config.TLSKey)
		} else {
			dlog.Noticef("Starting stream server on http://%s", server.config.ListenAddress)
			err = server.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			dlog.Errorf("Stream server error: %v", err)
		}
	}()
	return nil
}

// Stop - Stops the server and disconnects every stream
func (server *Server) Stop() error {
	server.hub.closeAll()
	if server.httpServer != nil {
		return server.httpServer.Close()
	}
	return nil
}

func (server *Server) bearerAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || len(credential) == 0 || server.config.Verifier == nil || !server.config.Verifier(credential) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="dnstail"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (server *Server) handleTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ticket, ttl := server.tickets.Issue()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(map[string]any{
		"ticket":     ticket,
		"expires_in": int(ttl.Seconds()),
	})
}

func (server *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if err := server.tickets.Consume(r.URL.Query().Get("ticket")); err != nil {
		dlog.Debugf("Rejecting stream from [%s]: %v", r.RemoteAddr, err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	conn, err := server.upgrader.Upgrade(w, r, nil)
	if err != nil {
		dlog.Warnf("WebSocket upgrade error: %v", err)
		return
	}
	c := server.hub.register()
	dlog.Debugf("Stream client [%s] connected", r.RemoteAddr)

	go server.readPump(conn, c)
	server.writePump(conn, c)
}

// readPump discards client messages and notices disconnections.
func (server *Server) readPump(conn *websocket.Conn, c *client) {
	defer server.hub.unregister(c)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				dlog.Warnf("WebSocket unexpected close error: %v", err)
			} else {
				dlog.Debugf("WebSocket read error (normal): %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
}

func (server *Server) writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		server.hub.unregister(c)
		conn.Close()
		dlog.Debugf("WebSocket connection closed and cleaned up")
	}()
	for {
		select {
		case message := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				dlog.Debugf("WebSocket write error: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				dlog.Debugf("Error sending ping: %v", err)
				return
			}
		case <-c.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeTimeout))
			return
		}
	}
}
