package transport

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// DataChannelLabel is the label of the single data channel a session opens.
const DataChannelLabel = "chat"

// ICEServer is one STUN or TURN server.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// WebRTC provides transports over WebRTC data channels.
type WebRTC struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewWebRTC(servers []ICEServer) (*WebRTC, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	cfg := webrtc.Configuration{}
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		ice := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
		}
		cfg.ICEServers = append(cfg.ICEServers, ice)
	}
	return &WebRTC{api: api, cfg: cfg}, nil
}

func (w *WebRTC) CreateSession() (Handle, error) {
	pc, err := w.api.NewPeerConnection(w.cfg)
	if err != nil {
		return nil, err
	}
	h := &rtcHandle{id: uuid.NewString()[:8], pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		if cb := h.callbacks().localCandidate; cb != nil {
			cb(b)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("RTC [%s]: connection state %s", h.id, s)
		switch s {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			h.lost(fmt.Errorf("peer connection %s", s))
		}
	})
	// The answering side receives the offerer's channel.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			log.Printf("RTC [%s]: ignoring data channel %q", h.id, dc.Label())
			return
		}
		h.bindChannel(dc)
	})

	log.Printf("RTC [%s]: peer connection created", h.id)
	return h, nil
}

type rtcCallbacks struct {
	localCandidate func(json.RawMessage)
	established    func()
	lost           func(error)
	opaque         func([]byte)
}

type rtcHandle struct {
	id string
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	cb        rtcCallbacks
	dc        *webrtc.DataChannel
	open      bool
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool
	lostOnce  sync.Once
}

func (h *rtcHandle) callbacks() rtcCallbacks {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cb
}

func (h *rtcHandle) OnLocalCandidate(fn func(json.RawMessage)) {
	h.mu.Lock()
	h.cb.localCandidate = fn
	h.mu.Unlock()
}

func (h *rtcHandle) OnEstablished(fn func()) {
	h.mu.Lock()
	h.cb.established = fn
	h.mu.Unlock()
}

func (h *rtcHandle) OnLost(fn func(error)) {
	h.mu.Lock()
	h.cb.lost = fn
	h.mu.Unlock()
}

func (h *rtcHandle) OnOpaqueReceived(fn func([]byte)) {
	h.mu.Lock()
	h.cb.opaque = fn
	h.mu.Unlock()
}

func (h *rtcHandle) bindChannel(dc *webrtc.DataChannel) {
	h.mu.Lock()
	h.dc = dc
	h.mu.Unlock()

	dc.OnOpen(func() {
		h.mu.Lock()
		h.open = true
		closed := h.closed
		cb := h.cb.established
		h.mu.Unlock()
		log.Printf("RTC [%s]: data channel %q open", h.id, dc.Label())
		if !closed && cb != nil {
			cb()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if cb := h.callbacks().opaque; cb != nil {
			cb(msg.Data)
		}
	})
	dc.OnClose(func() {
		h.lost(ErrClosed)
	})
}

func (h *rtcHandle) lost(err error) {
	h.mu.Lock()
	closed := h.closed
	h.open = false
	cb := h.cb.lost
	h.mu.Unlock()
	if closed {
		return
	}
	h.lostOnce.Do(func() {
		log.Printf("RTC [%s]: transport lost: %v", h.id, err)
		if cb != nil {
			cb(err)
		}
	})
}

func (h *rtcHandle) CreateOffer() (json.RawMessage, error) {
	dc, err := h.pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		return nil, err
	}
	h.bindChannel(dc)

	offer, err := h.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := h.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (h *rtcHandle) AcceptOffer(raw json.RawMessage) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil || offer.Type != webrtc.SDPTypeOffer {
		return nil, ErrBadNegotiation
	}
	if err := h.setRemote(offer); err != nil {
		return nil, err
	}
	answer, err := h.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := h.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (h *rtcHandle) AcceptAnswer(raw json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil || answer.Type != webrtc.SDPTypeAnswer {
		return ErrBadNegotiation
	}
	return h.setRemote(answer)
}

// setRemote applies the remote description and flushes candidates that
// arrived before it.
func (h *rtcHandle) setRemote(sd webrtc.SessionDescription) error {
	if err := h.pc.SetRemoteDescription(sd); err != nil {
		return err
	}
	h.mu.Lock()
	h.remoteSet = true
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	for _, c := range pending {
		if err := h.pc.AddICECandidate(c); err != nil {
			log.Printf("RTC [%s]: buffered candidate rejected: %v", h.id, err)
		}
	}
	return nil
}

func (h *rtcHandle) AddRemoteCandidate(raw json.RawMessage) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		return ErrBadNegotiation
	}
	h.mu.Lock()
	if !h.remoteSet {
		h.pending = append(h.pending, c)
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()
	return h.pc.AddICECandidate(c)
}

func (h *rtcHandle) SendOpaque(b []byte) error {
	h.mu.Lock()
	dc, open, closed := h.dc, h.open, h.closed
	h.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if dc == nil || !open {
		return ErrNotOpen
	}
	return dc.Send(b)
}

func (h *rtcHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.open = false
	h.mu.Unlock()
	log.Printf("RTC [%s]: closing peer connection", h.id)
	return h.pc.Close()
}
