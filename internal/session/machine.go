// Package session drives one peer's signaling, transport and key exchange
// through a single transition function.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/petervdpas/peerlink/internal/chat"
	"github.com/petervdpas/peerlink/internal/e2ee"
	"github.com/petervdpas/peerlink/internal/proto"
	"github.com/petervdpas/peerlink/internal/storage"
	"github.com/petervdpas/peerlink/internal/transport"
	"github.com/petervdpas/peerlink/internal/util"
)

var (
	ErrRegistrationConflict = errors.New("identifier already taken")
	ErrInvalidIdentifier    = errors.New("invalid identifier")
	ErrPeerUnreachable      = errors.New("peer unreachable")
	ErrSessionBusy          = errors.New("peer is busy")
	ErrOfferDeclined        = errors.New("offer declined")
	ErrHandshakeIncomplete  = errors.New("encryption key not established yet")
	ErrTransportLost        = errors.New("transport lost")
	ErrNotRegistered        = errors.New("not registered")
	ErrNotConnected         = errors.New("not connected to a peer")
	ErrInvalidTarget        = errors.New("invalid call target")
	ErrSessionActive        = errors.New("a session is already active")
	ErrRelayDown            = errors.New("signaling relay unavailable")
	ErrQueueDisabled        = errors.New("peer is offline and queuing is disabled")
	ErrNoIncomingOffer      = errors.New("no incoming offer")
	ErrEmptyMessage         = errors.New("empty message")
)

// ReasonDeclined is sent in reject-offer when the user declines a call.
const ReasonDeclined = "Declined by user"

// Signaler is the only surface the session needs from the relay link.
type Signaler interface {
	Send(sig proto.Signal) error
}

// Options are the user-tunable behaviors of a session.
type Options struct {
	Suite        e2ee.Suite
	QueueOffline bool
	AutoAccept   bool
}

// Result is the outcome of applying one event.
type Result struct {
	Transition
	Message *chat.Message
	Err     error
}

// Machine holds the session state of one local peer. It is not safe for
// concurrent use: every input goes through Apply, one event at a time.
// Transport callbacks are never handled inline; they are handed to post and
// come back later as events.
type Machine struct {
	opt    Options
	sig    Signaler
	prov   transport.Provider
	queue  *chat.Queue
	post   func(Event)
	notify func(Notice)

	phase         Phase
	local         string
	registered    bool
	reregistering bool
	relayUp       bool
	remote        string
	remoteOnline  bool

	sessionID  string
	offerer    bool
	handle     transport.Handle
	hs         *e2ee.Handshake
	keys       *e2ee.Keys
	channel    *e2ee.Channel
	incoming   *proto.Negotiation // offer awaiting accept or decline
	earlyCands []json.RawMessage  // remote candidates seen before the answer

	lastTerminal Phase
	lastReason   string
}

func NewMachine(opt Options, sig Signaler, prov transport.Provider, queue *chat.Queue, post func(Event), notify func(Notice)) *Machine {
	if queue == nil {
		queue = chat.NewQueue(nil, 0)
	}
	if post == nil {
		post = func(Event) {}
	}
	if notify == nil {
		notify = func(Notice) {}
	}
	if opt.Suite == "" {
		opt.Suite = e2ee.SuiteAESGCM
	}
	return &Machine{opt: opt, sig: sig, prov: prov, queue: queue, post: post, notify: notify}
}

func (m *Machine) Phase() Phase { return m.phase }

func (m *Machine) Snapshot() Snapshot {
	s := Snapshot{
		LocalID:      m.local,
		RemoteID:     m.remote,
		Phase:        m.phase,
		RemoteOnline: m.remoteOnline,
		RelayUp:      m.relayUp,
		SessionID:    m.sessionID,
		LastTerminal: m.lastTerminal,
		LastReason:   m.lastReason,
		QueueOffline: m.opt.QueueOffline,
		AutoAccept:   m.opt.AutoAccept,
		KeyReady:     m.channel.Ready(),
	}
	if m.keys != nil {
		s.SafetyCode = m.keys.SafetyCode
	}
	if m.incoming != nil {
		s.IncomingFrom = m.remote
	}
	return s
}

// Apply runs the transition for ev and reports what changed.
func (m *Machine) Apply(ev Event) Result {
	from := m.phase
	var res Result
	switch ev.Kind {
	case EvRegister:
		res = m.onRegister(ev)
	case EvCall:
		res = m.onCall(ev)
	case EvAccept:
		res = m.onAccept()
	case EvDecline:
		res = m.onDecline()
	case EvHangup:
		res = m.onHangup()
	case EvSend:
		res = m.onSend(ev)
	case EvResend:
		res = m.onResend(ev)
	case EvSetQueueOffline:
		m.opt.QueueOffline = ev.Flag
	case EvSetAutoAccept:
		m.opt.AutoAccept = ev.Flag
	case EvRegistered:
		res = m.onRegistered(ev)
	case EvOnlineResult:
		res = m.onOnlineResult(ev)
	case EvOffer:
		res = m.onOffer(ev)
	case EvAnswer:
		res = m.onAnswer(ev)
	case EvCandidate:
		m.onCandidate(ev)
	case EvPeerKey:
		res = m.onPeerKey(ev)
	case EvOfferRejected:
		res = m.onOfferRejected(ev)
	case EvPeerDisconnected:
		res = m.onPeerDisconnected(ev)
	case EvPeerOffline:
		res = m.onPeerOffline(ev)
	case EvRelayError:
		log.Printf("SESSION [%s]: relay error: %s", m.local, ev.Text)
		m.emit(NoticeWarning, "relay: "+ev.Text, "", nil)
	case EvRelayConnected:
		res = m.onRelayConnected()
	case EvRelayLost:
		m.onRelayLost()
	case EvLocalCandidate:
		m.onLocalCandidate(ev)
	case EvTransportEstablished:
		res = m.onEstablished(ev)
	case EvTransportLost:
		res = m.onTransportLost(ev)
	case EvOpaque:
		res = m.onOpaque(ev)
	default:
		res.Err = fmt.Errorf("unknown event %d", ev.Kind)
	}
	res.From = from
	res.To = m.phase
	return res
}

func (m *Machine) emit(kind NoticeKind, text, peer string, err error) {
	m.notify(Notice{Kind: kind, Text: text, Peer: peer, Err: err})
}

func (m *Machine) send(sig proto.Signal) error {
	if !m.relayUp || m.sig == nil {
		return ErrRelayDown
	}
	if sig.Type != proto.TypeRegister {
		sig.From = m.local
	}
	return m.sig.Send(sig)
}

// stale reports whether a negotiation payload belongs to another session.
func (m *Machine) stale(ev Event) (proto.Negotiation, bool) {
	if ev.Peer == "" || ev.Peer != m.remote {
		return proto.Negotiation{}, true
	}
	n, err := proto.DecodeNegotiation(ev.Payload)
	if err != nil || n.SessionID == "" || n.SessionID != m.sessionID {
		log.Printf("SESSION [%s]: dropping stale %s from %s", m.local, ev.Kind, ev.Peer)
		return proto.Negotiation{}, true
	}
	return n, false
}

// teardown discards the transport and every piece of key material.
func (m *Machine) teardown() {
	if m.handle != nil {
		_ = m.handle.Close()
		m.handle = nil
	}
	if m.hs != nil {
		m.hs.Discard()
		m.hs = nil
	}
	m.keys.Wipe()
	m.keys = nil
	m.channel = nil
	m.sessionID = ""
	m.offerer = false
	m.incoming = nil
	m.earlyCands = nil
}

// end finishes the current session through a terminal phase and falls back
// to Registered (or Idle while unregistered).
func (m *Machine) end(terminal Phase, reason string, clearRemote bool, err error) Result {
	peer := m.remote
	m.teardown()
	m.remoteOnline = false
	if clearRemote {
		m.remote = ""
	}
	m.lastTerminal = terminal
	m.lastReason = reason
	if m.registered {
		m.phase = Registered
	} else {
		m.phase = Idle
	}
	log.Printf("SESSION [%s]: session with %s %s: %s", m.local, peer, terminal, reason)
	m.notify(Notice{Kind: NoticeEnded, Text: reason, Peer: peer, Phase: terminal, Err: err})
	return Result{Transition: Transition{Terminal: terminal}, Err: err}
}

func (m *Machine) openTransport() (transport.Handle, error) {
	if m.prov == nil {
		return nil, errors.New("no transport provider")
	}
	h, err := m.prov.CreateSession()
	if err != nil {
		return nil, err
	}
	h.OnLocalCandidate(func(c json.RawMessage) {
		m.post(Event{Kind: EvLocalCandidate, Handle: h, Payload: c})
	})
	h.OnEstablished(func() {
		m.post(Event{Kind: EvTransportEstablished, Handle: h})
	})
	h.OnLost(func(err error) {
		m.post(Event{Kind: EvTransportLost, Handle: h, Err: err})
	})
	h.OnOpaqueReceived(func(b []byte) {
		m.post(Event{Kind: EvOpaque, Handle: h, Data: b})
	})
	m.handle = h
	m.hs = e2ee.NewHandshake()
	return h, nil
}

// --- registration ---

func (m *Machine) onRegister(ev Event) Result {
	id, err := util.ValidatePeerName(ev.Peer)
	if err != nil {
		return Result{Err: fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)}
	}
	if m.registered || m.phase == Registering {
		return Result{Err: fmt.Errorf("already registered as %s", m.local)}
	}
	m.local = id
	if !m.relayUp {
		m.emit(NoticeInfo, "will register as "+id+" once the relay is reachable", "", nil)
		return Result{}
	}
	m.phase = Registering
	if err := m.send(proto.Signal{Type: proto.TypeRegister, ID: id}); err != nil {
		m.phase = Idle
		return Result{Err: err}
	}
	return Result{}
}

func (m *Machine) onRegistered(ev Event) Result {
	if ev.Peer != "" && ev.Peer != m.local {
		return Result{}
	}
	if ev.Flag {
		m.registered = true
		m.reregistering = false
		if m.phase == Registering || m.phase == Idle {
			m.phase = Registered
		}
		log.Printf("SESSION [%s]: registered with relay", m.local)
		m.emit(NoticeInfo, "registered as "+m.local, "", nil)
		return Result{}
	}

	err := fmt.Errorf("%w: %s", ErrRegistrationConflict, ev.Text)
	m.registered = false
	if m.reregistering {
		// Someone claimed our identifier while we were away.
		m.teardown()
		m.remote = ""
		m.remoteOnline = false
	}
	m.reregistering = false
	m.phase = Idle
	log.Printf("SESSION [%s]: registration failed: %s", m.local, ev.Text)
	m.emit(NoticeError, "registration failed: "+ev.Text, "", err)
	return Result{Err: err}
}

func (m *Machine) onRelayConnected() Result {
	m.relayUp = true
	if m.local == "" {
		return Result{}
	}
	// The relay forgets identifiers when the socket drops.
	m.registered = false
	if m.phase == Idle {
		m.phase = Registering
	} else {
		m.reregistering = true
	}
	if err := m.send(proto.Signal{Type: proto.TypeRegister, ID: m.local}); err != nil {
		return Result{Err: err}
	}
	return Result{}
}

func (m *Machine) onRelayLost() {
	m.relayUp = false
	m.registered = false
	m.reregistering = false
	if m.handle != nil {
		m.emit(NoticeWarning, "signaling relay lost; session continues", m.remote, ErrRelayDown)
		return
	}
	// Nothing survives without the relay: pending checks and offers are dead.
	m.teardown()
	m.remoteOnline = false
	m.phase = Idle
	m.emit(NoticeWarning, "signaling relay lost", "", ErrRelayDown)
}

// --- calling ---

func (m *Machine) onCall(ev Event) Result {
	target := strings.TrimSpace(ev.Peer)
	switch {
	case !m.registered:
		return Result{Err: ErrNotRegistered}
	case target == "":
		return Result{Err: fmt.Errorf("%w: empty identifier", ErrInvalidTarget)}
	case target == m.local:
		return Result{Err: fmt.Errorf("%w: cannot call yourself", ErrInvalidTarget)}
	case m.phase.active():
		return Result{Err: fmt.Errorf("%w with %s", ErrSessionActive, m.remote)}
	}

	m.remote = target
	m.remoteOnline = false
	m.phase = CheckingOnline
	if err := m.send(proto.Signal{Type: proto.TypeCheckOnline, To: target}); err != nil {
		m.phase = Registered
		return Result{Err: err}
	}
	log.Printf("SESSION [%s]: checking whether %s is online", m.local, target)
	return Result{}
}

func (m *Machine) onOnlineResult(ev Event) Result {
	if ev.Peer != m.remote {
		return Result{}
	}
	m.remoteOnline = ev.Flag
	if m.phase != CheckingOnline {
		return Result{}
	}
	if !ev.Flag {
		m.phase = Registered
		text := m.remote + " is offline"
		if m.opt.QueueOffline {
			text += "; messages will be queued"
		}
		m.emit(NoticeInfo, text, m.remote, nil)
		return Result{}
	}
	return m.startOffer()
}

func (m *Machine) startOffer() Result {
	m.phase = Offering
	h, err := m.openTransport()
	if err != nil {
		return m.end(Failed, "creating transport: "+err.Error(), false, err)
	}
	m.sessionID = uuid.NewString()
	m.offerer = true
	sdp, err := h.CreateOffer()
	if err != nil {
		return m.end(Failed, "creating offer: "+err.Error(), false, err)
	}
	n := proto.Negotiation{SessionID: m.sessionID, SDP: sdp}
	if err := m.send(proto.Signal{Type: proto.TypeOffer, To: m.remote, Payload: n.Encode()}); err != nil {
		return m.end(Failed, "sending offer: "+err.Error(), false, err)
	}
	m.phase = AwaitingTransport
	log.Printf("SESSION [%s]: offer %s sent to %s", m.local, m.sessionID[:8], m.remote)
	return Result{}
}

// --- answering ---

func (m *Machine) onOffer(ev Event) Result {
	from := ev.Peer
	if !m.registered || from == "" || from == m.local {
		return Result{}
	}
	n, err := proto.DecodeNegotiation(ev.Payload)
	if err != nil || n.SessionID == "" {
		log.Printf("SESSION [%s]: malformed offer from %s", m.local, from)
		return Result{}
	}

	bound := m.handle != nil || m.phase.active()
	if bound && m.remote != "" && m.remote != from {
		reason := fmt.Sprintf("%s: already connected to %s", proto.ReasonBusy, m.remote)
		if err := m.send(proto.Signal{Type: proto.TypeRejectOffer, To: from, Reason: reason}); err != nil {
			log.Printf("SESSION [%s]: reject-offer to %s failed: %v", m.local, from, err)
		}
		log.Printf("SESSION [%s]: rejected offer from %s (busy with %s)", m.local, from, m.remote)
		m.emit(NoticeInfo, "rejected call from "+from+" (busy)", from, ErrSessionBusy)
		return Result{}
	}
	if n.SessionID == m.sessionID {
		return Result{} // duplicate
	}

	// Both sides offered at once: the smaller identifier keeps its offer.
	if from == m.remote && m.offerer && m.phase == AwaitingTransport {
		if m.local < from {
			log.Printf("SESSION [%s]: offer glare with %s, keeping own offer", m.local, from)
			return Result{}
		}
		log.Printf("SESSION [%s]: offer glare with %s, answering theirs", m.local, from)
	} else if from == m.remote && m.handle != nil {
		log.Printf("SESSION [%s]: renegotiating with %s", m.local, from)
		m.emit(NoticeInfo, "renegotiating with "+from, from, nil)
	}

	m.teardown()
	m.remote = from
	m.remoteOnline = true
	m.sessionID = n.SessionID
	m.offerer = false
	m.phase = Answering

	if !m.opt.AutoAccept {
		m.incoming = &n
		m.notify(Notice{Kind: NoticeIncoming, Text: "incoming call from " + from, Peer: from})
		return Result{}
	}
	return m.answer(n)
}

func (m *Machine) answer(n proto.Negotiation) Result {
	m.incoming = nil
	h, err := m.openTransport()
	if err != nil {
		return m.end(Failed, "creating transport: "+err.Error(), false, err)
	}
	sdp, err := h.AcceptOffer(n.SDP)
	if err != nil {
		_ = m.send(proto.Signal{Type: proto.TypeRejectOffer, To: m.remote, Reason: "could not apply offer"})
		return m.end(Failed, "applying offer: "+err.Error(), true, err)
	}
	for _, c := range m.earlyCands {
		if err := h.AddRemoteCandidate(c); err != nil {
			log.Printf("SESSION [%s]: early candidate rejected: %v", m.local, err)
		}
	}
	m.earlyCands = nil

	a := proto.Negotiation{SessionID: m.sessionID, SDP: sdp}
	if err := m.send(proto.Signal{Type: proto.TypeAnswer, To: m.remote, Payload: a.Encode()}); err != nil {
		return m.end(Failed, "sending answer: "+err.Error(), false, err)
	}
	m.phase = AwaitingTransport
	log.Printf("SESSION [%s]: answered %s", m.local, m.remote)
	return Result{}
}

func (m *Machine) onAccept() Result {
	if m.incoming == nil || m.phase != Answering {
		return Result{Err: ErrNoIncomingOffer}
	}
	return m.answer(*m.incoming)
}

func (m *Machine) onDecline() Result {
	if m.incoming == nil || m.phase != Answering {
		return Result{Err: ErrNoIncomingOffer}
	}
	if err := m.send(proto.Signal{Type: proto.TypeRejectOffer, To: m.remote, Reason: ReasonDeclined}); err != nil {
		log.Printf("SESSION [%s]: reject-offer failed: %v", m.local, err)
	}
	return m.end(Rejected, ReasonDeclined, true, nil)
}

func (m *Machine) onAnswer(ev Event) Result {
	n, stale := m.stale(ev)
	if stale || !m.offerer || m.handle == nil || m.phase != AwaitingTransport {
		return Result{}
	}
	if err := m.handle.AcceptAnswer(n.SDP); err != nil {
		_ = m.send(proto.Signal{Type: proto.TypeDisconnect, To: m.remote})
		return m.end(Failed, "applying answer: "+err.Error(), false, err)
	}
	m.remoteOnline = true
	return Result{}
}

func (m *Machine) onCandidate(ev Event) {
	n, stale := m.stale(ev)
	if stale {
		return
	}
	if m.handle == nil {
		if m.incoming != nil {
			m.earlyCands = append(m.earlyCands, n.Candidate)
		}
		return
	}
	if err := m.handle.AddRemoteCandidate(n.Candidate); err != nil {
		log.Printf("SESSION [%s]: remote candidate rejected: %v", m.local, err)
	}
}

func (m *Machine) onLocalCandidate(ev Event) {
	if ev.Handle == nil || ev.Handle != m.handle {
		return
	}
	n := proto.Negotiation{SessionID: m.sessionID, Candidate: ev.Payload}
	if err := m.send(proto.Signal{Type: proto.TypeCandidate, To: m.remote, Payload: n.Encode()}); err != nil {
		log.Printf("SESSION [%s]: candidate to %s not sent: %v", m.local, m.remote, err)
	}
}

// --- key exchange ---

func (m *Machine) onEstablished(ev Event) Result {
	if ev.Handle == nil || ev.Handle != m.handle || m.phase != AwaitingTransport {
		return Result{}
	}
	m.phase = KeyExchanging
	log.Printf("SESSION [%s]: transport to %s established, exchanging keys", m.local, m.remote)

	pub, err := m.hs.Begin()
	if err != nil {
		m.emit(NoticeError, "key generation failed", m.remote, err)
		return Result{Err: fmt.Errorf("%w: %v", ErrHandshakeIncomplete, err)}
	}
	n := proto.Negotiation{SessionID: m.sessionID, Curve: e2ee.CurveP256, Key: pub}
	if err := m.send(proto.Signal{Type: proto.TypeDHPublicKey, To: m.remote, Payload: n.Encode()}); err != nil {
		log.Printf("SESSION [%s]: public key to %s not sent: %v", m.local, m.remote, err)
	}
	if m.hs.Ready() {
		return m.derive()
	}
	return Result{}
}

func (m *Machine) onPeerKey(ev Event) Result {
	n, stale := m.stale(ev)
	if stale || m.hs == nil {
		return Result{}
	}
	if err := m.hs.AcceptRemote(n.Curve, n.Key); err != nil {
		log.Printf("SESSION [%s]: bad public key from %s: %v", m.local, m.remote, err)
		m.emit(NoticeError, "invalid public key from "+m.remote, m.remote, err)
		return Result{Err: err}
	}
	m.remoteOnline = true
	if m.phase == KeyExchanging && m.hs.Started() {
		return m.derive()
	}
	return Result{}
}

func (m *Machine) derive() Result {
	keys, err := m.hs.Derive()
	if err != nil {
		log.Printf("SESSION [%s]: key derivation failed: %v", m.local, err)
		m.emit(NoticeError, "key derivation failed", m.remote, err)
		return Result{Err: fmt.Errorf("%w: %v", ErrHandshakeIncomplete, err)}
	}
	ch, err := e2ee.NewChannel(m.opt.Suite, keys.SessionKey, m.handle)
	if err != nil {
		keys.Wipe()
		m.emit(NoticeError, "cipher setup failed", m.remote, err)
		return Result{Err: err}
	}
	m.keys = keys
	m.channel = ch
	m.phase = Connected
	log.Printf("SESSION [%s]: secure channel with %s, safety code %s", m.local, m.remote, keys.SafetyCode)
	m.notify(Notice{
		Kind:       NoticeSecure,
		Text:       "secure channel established, safety code " + keys.SafetyCode,
		Peer:       m.remote,
		SafetyCode: keys.SafetyCode,
	})

	if _, err := m.queue.DrainPendingFor(m.remote, m.channel); err != nil {
		m.emit(NoticeWarning, "some queued messages were not delivered", m.remote, err)
	}
	return Result{}
}

// --- session end ---

func (m *Machine) onOfferRejected(ev Event) Result {
	if ev.Peer != m.remote || !m.phase.negotiating() {
		return Result{}
	}
	err := ErrOfferDeclined
	if strings.HasPrefix(ev.Text, proto.ReasonBusy) {
		err = ErrSessionBusy
	}
	return m.end(Rejected, ev.Text, true, err)
}

func (m *Machine) onPeerDisconnected(ev Event) Result {
	if ev.Peer != m.remote {
		return Result{}
	}
	if m.handle == nil && !m.phase.active() {
		m.remoteOnline = false
		return Result{}
	}
	reason := ev.Text
	if reason == "" {
		reason = m.remote + " disconnected"
	}
	return m.end(Disconnected, reason, true, nil)
}

func (m *Machine) onPeerOffline(ev Event) Result {
	if ev.Peer == "" || ev.Peer != m.remote {
		return Result{}
	}
	m.remoteOnline = false
	reason := ev.Text
	if reason == "" {
		reason = m.remote + " is offline"
	}
	switch {
	case m.phase.negotiating() && m.phase != KeyExchanging:
		// Keep the remote so later sends queue for it.
		return m.end(Rejected, reason, false, ErrPeerUnreachable)
	case m.phase == KeyExchanging && ev.Type == proto.TypeDHPublicKey:
		return m.end(Failed, reason, false, ErrPeerUnreachable)
	}
	m.emit(NoticeInfo, reason, m.remote, nil)
	return Result{}
}

func (m *Machine) onTransportLost(ev Event) Result {
	if ev.Handle == nil || ev.Handle != m.handle {
		return Result{}
	}
	reason := "transport lost"
	if ev.Err != nil {
		reason += ": " + ev.Err.Error()
	}
	return m.end(Failed, reason, false, ErrTransportLost)
}

func (m *Machine) onHangup() Result {
	if m.handle == nil && !m.phase.active() {
		if m.remote == "" {
			return Result{Err: ErrNotConnected}
		}
		m.remote = ""
		m.remoteOnline = false
		return Result{}
	}
	if err := m.send(proto.Signal{Type: proto.TypeDisconnect, To: m.remote}); err != nil {
		log.Printf("SESSION [%s]: disconnect notice not sent: %v", m.local, err)
	}
	return m.end(Disconnected, "hung up", true, nil)
}

// --- messages ---

func (m *Machine) onSend(ev Event) Result {
	content := ev.Text
	if strings.TrimSpace(content) == "" {
		return Result{Err: ErrEmptyMessage}
	}
	if m.local == "" {
		return Result{Err: ErrNotRegistered}
	}

	if m.phase == Connected && m.channel.Ready() {
		// Older pending messages go first; if they cannot, this one waits
		// behind them.
		if _, err := m.queue.DrainPendingFor(m.remote, m.channel); err != nil {
			if !m.opt.QueueOffline {
				return Result{Err: fmt.Errorf("send: %w", err)}
			}
			log.Printf("SESSION [%s]: pending messages for %s not delivered, queuing: %v", m.local, m.remote, err)
			msg, qerr := m.queue.Enqueue(m.local, m.remote, content)
			return Result{Message: msg, Err: qerr}
		}
		_, err := m.channel.Send(chat.EncodeWire(&chat.Message{Content: content}))
		if err == nil {
			msg, rerr := m.queue.Record(m.local, m.remote, content, storage.StatusSent)
			return Result{Message: msg, Err: rerr}
		}
		if !m.opt.QueueOffline {
			return Result{Err: fmt.Errorf("send: %w", err)}
		}
		log.Printf("SESSION [%s]: live send failed, queuing: %v", m.local, err)
		msg, qerr := m.queue.Enqueue(m.local, m.remote, content)
		return Result{Message: msg, Err: qerr}
	}

	if m.remote != "" && !m.remoteOnline {
		if !m.opt.QueueOffline {
			return Result{Err: ErrQueueDisabled}
		}
		msg, err := m.queue.Enqueue(m.local, m.remote, content)
		if msg != nil {
			log.Printf("SESSION [%s]: %s offline, message %d queued", m.local, m.remote, msg.ID)
		}
		return Result{Message: msg, Err: err}
	}
	if m.phase == KeyExchanging {
		return Result{Err: ErrHandshakeIncomplete}
	}
	return Result{Err: ErrNotConnected}
}

func (m *Machine) onResend(ev Event) Result {
	peer := ev.Peer
	if peer == "" {
		peer = m.remote
	}
	if peer == "" {
		return Result{Err: ErrInvalidTarget}
	}
	if m.phase != Connected || peer != m.remote || !m.channel.Ready() {
		return Result{Err: ErrNotConnected}
	}
	n, err := m.queue.DrainPendingFor(peer, m.channel)
	if n > 0 {
		m.emit(NoticeInfo, fmt.Sprintf("resent %d message(s)", n), peer, nil)
	}
	return Result{Err: err}
}

func (m *Machine) onOpaque(ev Event) Result {
	if ev.Handle == nil || ev.Handle != m.handle {
		return Result{}
	}
	if !m.channel.Ready() {
		m.emit(NoticeWarning, "message arrived before the key exchange finished", m.remote, e2ee.ErrKeyNotReady)
		return Result{Err: e2ee.ErrKeyNotReady}
	}
	pt, err := m.channel.Receive(ev.Data)
	if err != nil {
		log.Printf("SESSION [%s]: message from %s failed to decrypt: %v", m.local, m.remote, err)
		m.emit(NoticeError, "a message could not be decrypted", m.remote, err)
		return Result{Err: err}
	}
	content, err := chat.DecodeWire(pt)
	if err != nil {
		log.Printf("SESSION [%s]: ignoring non-chat payload from %s", m.local, m.remote)
		return Result{}
	}
	msg, err := m.queue.Record(m.remote, m.local, content, storage.StatusReceived)
	if msg != nil {
		m.notify(Notice{Kind: NoticeMessage, Peer: m.remote, Message: msg})
	}
	return Result{Message: msg, Err: err}
}

// Close drops the transport without notifying anyone.
func (m *Machine) Close() {
	m.teardown()
}
