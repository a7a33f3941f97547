package transport

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Loopback is an in-process Provider. Handles created from the same Loopback
// pair up through their offer and answer payloads, so two session layers in
// one process can talk without a network.
type Loopback struct {
	mu      sync.Mutex
	offers  map[string]*loopHandle // token -> offerer
	answers map[string]*loopHandle // token -> answerer
}

func NewLoopback() *Loopback {
	return &Loopback{
		offers:  make(map[string]*loopHandle),
		answers: make(map[string]*loopHandle),
	}
}

func (l *Loopback) CreateSession() (Handle, error) {
	return &loopHandle{net: l}, nil
}

type loopToken struct {
	Loopback string `json:"loopback"`
}

func parseToken(raw json.RawMessage) (string, error) {
	var t loopToken
	if err := json.Unmarshal(raw, &t); err != nil || t.Loopback == "" {
		return "", ErrBadNegotiation
	}
	return t.Loopback, nil
}

type loopHandle struct {
	net *Loopback

	mu       sync.Mutex
	cb       rtcCallbacks
	token    string
	peer     *loopHandle
	open     bool
	closed   bool
	lostOnce sync.Once
}

func (h *loopHandle) OnLocalCandidate(fn func(json.RawMessage)) {
	h.mu.Lock()
	h.cb.localCandidate = fn
	h.mu.Unlock()
}

func (h *loopHandle) OnEstablished(fn func()) {
	h.mu.Lock()
	h.cb.established = fn
	h.mu.Unlock()
}

func (h *loopHandle) OnLost(fn func(error)) {
	h.mu.Lock()
	h.cb.lost = fn
	h.mu.Unlock()
}

func (h *loopHandle) OnOpaqueReceived(fn func([]byte)) {
	h.mu.Lock()
	h.cb.opaque = fn
	h.mu.Unlock()
}

func (h *loopHandle) emitCandidate() {
	h.mu.Lock()
	cb := h.cb.localCandidate
	h.mu.Unlock()
	if cb != nil {
		cb(json.RawMessage(`{"candidate":"loopback"}`))
	}
}

func (h *loopHandle) CreateOffer() (json.RawMessage, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.token = uuid.NewString()
	token := h.token
	h.mu.Unlock()

	h.net.mu.Lock()
	h.net.offers[token] = h
	h.net.mu.Unlock()

	h.emitCandidate()
	return json.Marshal(loopToken{Loopback: token})
}

func (h *loopHandle) AcceptOffer(raw json.RawMessage) (json.RawMessage, error) {
	token, err := parseToken(raw)
	if err != nil {
		return nil, err
	}
	h.net.mu.Lock()
	offerer, ok := h.net.offers[token]
	delete(h.net.offers, token)
	if ok {
		h.net.answers[token] = h
	}
	h.net.mu.Unlock()
	if !ok {
		return nil, ErrBadNegotiation
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.token = token
	h.peer = offerer
	h.mu.Unlock()

	h.emitCandidate()
	return json.Marshal(loopToken{Loopback: token})
}

// AcceptAnswer completes the pairing and opens both ends.
func (h *loopHandle) AcceptAnswer(raw json.RawMessage) error {
	token, err := parseToken(raw)
	if err != nil {
		return err
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if token != h.token {
		h.mu.Unlock()
		return ErrBadNegotiation
	}
	h.mu.Unlock()

	h.net.mu.Lock()
	answerer, ok := h.net.answers[token]
	delete(h.net.answers, token)
	h.net.mu.Unlock()
	if !ok {
		return ErrBadNegotiation
	}
	h.mu.Lock()
	h.peer = answerer
	h.mu.Unlock()

	h.setOpen()
	answerer.setOpen()
	return nil
}

func (h *loopHandle) AddRemoteCandidate(raw json.RawMessage) error {
	if !json.Valid(raw) {
		return ErrBadNegotiation
	}
	return nil
}

func (h *loopHandle) setOpen() {
	h.mu.Lock()
	if h.closed || h.open {
		h.mu.Unlock()
		return
	}
	h.open = true
	cb := h.cb.established
	h.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (h *loopHandle) SendOpaque(b []byte) error {
	h.mu.Lock()
	peer, open, closed := h.peer, h.open, h.closed
	h.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !open || peer == nil {
		return ErrNotOpen
	}

	peer.mu.Lock()
	ok := peer.open && !peer.closed
	cb := peer.cb.opaque
	peer.mu.Unlock()
	if !ok {
		return ErrNotOpen
	}
	if cb != nil {
		cb(append([]byte(nil), b...))
	}
	return nil
}

// Close shuts this end; the other end, if paired, sees the session lost.
func (h *loopHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.open = false
	peer := h.peer
	token := h.token
	h.mu.Unlock()

	h.net.mu.Lock()
	if h.net.offers[token] == h {
		delete(h.net.offers, token)
	}
	if h.net.answers[token] == h {
		delete(h.net.answers, token)
	}
	h.net.mu.Unlock()

	if peer != nil {
		peer.lose(ErrClosed)
	}
	return nil
}

func (h *loopHandle) lose(err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.open = false
	cb := h.cb.lost
	h.mu.Unlock()
	h.lostOnce.Do(func() {
		if cb != nil {
			cb(err)
		}
	})
}
