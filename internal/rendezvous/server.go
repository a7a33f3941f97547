// internal/rendezvous/server.go
package rendezvous

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/peerlink/internal/proto"
	"github.com/petervdpas/peerlink/internal/util"
)

const (
	defaultSendQueue       = 64
	defaultPingInterval    = 25 * time.Second
	defaultReadTimeout     = 60 * time.Second
	defaultMaxMessageBytes = 256 * 1024
)

var (
	errConnClosed    = errors.New("connection closed")
	errSendQueueFull = errors.New("send queue full")
	errAdminDisabled = errors.New("admin endpoints disabled")
	errNotWebSocket  = errors.New("websocket upgrade required")
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers connect from arbitrary origins (browsers, CLIs).
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Options configures a relay server.
type Options struct {
	Addr            string
	AdminPassword   string
	SendQueue       int
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	MaxMessageBytes int64
	Logs            *util.LogBuffer // optional; served on /logs.json
}

// Server is the websocket front end of the signaling relay.
type Server struct {
	opt   Options
	relay *Relay
	srv   *http.Server

	mu    sync.Mutex
	addr  string // actual listen address once started
	conns map[*wsConn]struct{}
}

func New(opt Options) *Server {
	if opt.SendQueue <= 0 {
		opt.SendQueue = defaultSendQueue
	}
	if opt.PingInterval <= 0 {
		opt.PingInterval = defaultPingInterval
	}
	if opt.ReadTimeout <= opt.PingInterval {
		opt.ReadTimeout = opt.PingInterval + defaultReadTimeout
	}
	if opt.MaxMessageBytes <= 0 {
		opt.MaxMessageBytes = defaultMaxMessageBytes
	}
	return &Server{
		opt:   opt,
		relay: NewRelay(NewRegistry()),
		addr:  opt.Addr,
		conns: make(map[*wsConn]struct{}),
	}
}

func (s *Server) Relay() *Relay { return s.relay }

// Start listens on the configured address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/peers.json", s.handlePeersJSON)
	mux.HandleFunc("/logs.json", s.handleLogsJSON)

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.opt.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	// Stop server when ctx ends
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
		s.closeAll()
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("RELAY: server error: %v", err)
		}
	}()

	log.Printf("RELAY: signaling server listening on %s", s.URL())
	return nil
}

// URL returns the websocket endpoint peers should dial.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return "ws://" + s.addr + "/ws"
}

// ConnCount returns the number of open websocket connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, errNotWebSocket.Error(), http.StatusBadRequest)
		return
	}
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("RELAY: websocket upgrade error: %v", err)
		return
	}

	c := &wsConn{
		id:   uuid.NewString(),
		ws:   ws,
		out:  make(chan proto.Signal, s.opt.SendQueue),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go c.writeLoop(s.opt.PingInterval)

	link := s.relay.Attach(c)
	defer func() {
		link.Close()
		c.close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	ws.SetReadLimit(s.opt.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.opt.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.opt.ReadTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("RELAY [%s]: websocket error: %v", c.id, err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.opt.ReadTimeout))

		var sig proto.Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			_ = c.Send(proto.Signal{Type: proto.TypeError, Reason: "bad json"})
			continue
		}
		link.Handle(sig)
	}
}

func (s *Server) handlePeersJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"peers":       s.relay.Registry().IDs(),
		"connections": s.ConnCount(),
	})
}

func (s *Server) handleLogsJSON(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if s.opt.Logs == nil {
		http.Error(w, "no log buffer", http.StatusNotFound)
		return
	}
	s.opt.Logs.ServeJSON(w, r)
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.opt.AdminPassword == "" {
		http.Error(w, errAdminDisabled.Error(), http.StatusForbidden)
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok || user != "admin" || subtle.ConstantTimeCompare([]byte(pass), []byte(s.opt.AdminPassword)) != 1 {
		w.Header().Set("WWW-Authenticate", `Basic realm="peerlink relay"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// wsConn serializes writes to one websocket through a bounded queue so the
// relay never blocks on a slow peer.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	out  chan proto.Signal
	done chan struct{}
	once sync.Once
}

func (c *wsConn) Send(sig proto.Signal) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.out <- sig:
		return nil
	default:
		return fmt.Errorf("%s: %w", c.id, errSendQueueFull)
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *wsConn) writeLoop(pingInterval time.Duration) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case sig := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(util.DefaultWriteTimeout))
			if err := c.ws.WriteJSON(sig); err != nil {
				log.Printf("RELAY [%s]: write error: %v", c.id, err)
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(util.DefaultWriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
