package rendezvous

import (
	"fmt"
	"log"
	"sync"

	"github.com/petervdpas/peerlink/internal/proto"
)

// Relay routes signaling messages between registered peers. It never
// buffers: a message for an absent peer is dropped after the sender is told.
//
// Besides the registry it remembers, per identifier, the one peer it is
// currently negotiating with, so that a dropped connection can be reported
// to that peer alone. Presence is never broadcast.
type Relay struct {
	reg *Registry

	mu       sync.Mutex
	partners map[string]string
}

func NewRelay(reg *Registry) *Relay {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Relay{reg: reg, partners: make(map[string]string)}
}

func (r *Relay) Registry() *Registry { return r.reg }

// Attach starts tracking a new connection. The returned Link handles every
// message read from c and must be closed when c goes away.
func (r *Relay) Attach(c Conn) *Link {
	return &Link{relay: r, conn: c}
}

// bind records a and b as negotiating with each other. An offer only claims
// free slots, so an offer to a busy peer cannot displace its partner; an
// answer always wins.
func (r *Relay) bind(a, b string, force bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range [][2]string{{a, b}, {b, a}} {
		if cur, ok := r.partners[p[0]]; !ok || cur == p[1] || force {
			r.partners[p[0]] = p[1]
		}
	}
}

func (r *Relay) unbind(a, b string) {
	r.mu.Lock()
	if r.partners[a] == b {
		delete(r.partners, a)
	}
	if r.partners[b] == a {
		delete(r.partners, b)
	}
	r.mu.Unlock()
}

// takePartner removes id's binding and returns the partner if the binding
// was mutual.
func (r *Relay) takePartner(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.partners[id]
	if !ok {
		return "", false
	}
	delete(r.partners, id)
	if r.partners[p] != id {
		return "", false
	}
	delete(r.partners, p)
	return p, true
}

// Link is the relay-side state of one connection: at most one registered
// identifier. Handle and Close must be called from the connection's own
// read loop.
type Link struct {
	relay *Relay
	conn  Conn
	id    string
}

// ID returns the identifier this link registered, or "".
func (l *Link) ID() string { return l.id }

// Handle processes one inbound message.
func (l *Link) Handle(sig proto.Signal) {
	switch {
	case sig.Type == proto.TypeRegister:
		l.register(sig.ID)
	case sig.Type == proto.TypeCheckOnline:
		l.checkOnline(sig.To)
	case proto.IsRelayed(sig.Type):
		l.forward(sig)
	case sig.Type == proto.TypeRejectOffer:
		l.rejectOffer(sig.To, sig.Reason)
	case sig.Type == proto.TypeDisconnect:
		l.disconnect(sig.To)
	default:
		log.Printf("RELAY: unknown message type %q from %q", sig.Type, l.id)
		l.reply(proto.Signal{Type: proto.TypeError, Reason: fmt.Sprintf("unknown message type %q", sig.Type)})
	}
}

func (l *Link) reply(sig proto.Signal) {
	if err := l.conn.Send(sig); err != nil {
		log.Printf("RELAY [%s]: reply %s failed: %v", l.id, sig.Type, err)
	}
}

func (l *Link) register(id string) {
	if l.id != "" {
		l.reply(proto.Signal{
			Type:   proto.TypeRegistered,
			ID:     id,
			Reason: fmt.Sprintf("connection already registered as %s", l.id),
		})
		return
	}
	if err := l.relay.reg.Register(id, l.conn); err != nil {
		log.Printf("RELAY: failed to register %q: %v", id, err)
		l.reply(proto.Signal{Type: proto.TypeRegistered, ID: id, Reason: ErrIDTaken.Error()})
		return
	}
	l.id = id
	log.Printf("RELAY: peer %s registered", id)
	l.reply(proto.Signal{Type: proto.TypeRegistered, Success: true, ID: id})
}

// checkOnline is a pure lookup.
func (l *Link) checkOnline(target string) {
	_, online := l.relay.reg.Lookup(target)
	l.reply(proto.Signal{Type: proto.TypeOnlineCheckResponse, ID: target, IsOnline: online})
}

func (l *Link) forward(sig proto.Signal) {
	if l.id == "" {
		l.reply(proto.Signal{Type: proto.TypeError, Reason: "register before relaying " + sig.Type})
		return
	}
	dst, ok := l.relay.reg.Lookup(sig.To)
	if ok {
		err := dst.Send(proto.Signal{Type: sig.Type, To: sig.To, From: l.id, Payload: sig.Payload})
		if err == nil {
			switch sig.Type {
			case proto.TypeOffer:
				l.relay.bind(l.id, sig.To, false)
			case proto.TypeAnswer:
				l.relay.bind(l.id, sig.To, true)
			}
			log.Printf("RELAY: relaying %s from %s to %s", sig.Type, l.id, sig.To)
			return
		}
		log.Printf("RELAY: delivering %s to %s failed: %v", sig.Type, sig.To, err)
	}
	log.Printf("RELAY: recipient %q not found for %s from %s, notifying sender", sig.To, sig.Type, l.id)
	l.reply(proto.Signal{
		Type:      proto.TypePeerOffline,
		ID:        sig.To,
		RelayType: sig.Type,
		Reason:    fmt.Sprintf("%s is offline. Cannot relay %s.", sig.To, sig.Type),
	})
}

func (l *Link) rejectOffer(to, reason string) {
	dst, ok := l.relay.reg.Lookup(to)
	if !ok || l.id == "" {
		return
	}
	if reason == "" {
		reason = "Offer rejected."
	}
	l.relay.unbind(l.id, to)
	if err := dst.Send(proto.Signal{Type: proto.TypeOfferRejected, From: l.id, Reason: reason}); err != nil {
		log.Printf("RELAY: offer-rejected to %s failed: %v", to, err)
		return
	}
	log.Printf("RELAY: offer to %s rejected by %s", to, l.id)
}

func (l *Link) disconnect(to string) {
	dst, ok := l.relay.reg.Lookup(to)
	if !ok || l.id == "" {
		return
	}
	l.relay.unbind(l.id, to)
	err := dst.Send(proto.Signal{
		Type:   proto.TypePeerDisconnected,
		ID:     l.id,
		From:   l.id,
		Reason: fmt.Sprintf("Peer %s explicitly disconnected.", l.id),
	})
	if err != nil {
		log.Printf("RELAY: peer-disconnected to %s failed: %v", to, err)
		return
	}
	log.Printf("RELAY: %s explicitly disconnected from %s", l.id, to)
}

// Close releases the link's identifier and tells its current partner, if
// any, that the peer left the relay.
func (l *Link) Close() {
	if l.id == "" {
		log.Printf("RELAY: unnamed peer disconnected")
		return
	}
	id := l.id
	l.id = ""
	l.relay.reg.removeOwned(id, l.conn)
	log.Printf("RELAY: peer %s disconnected from signaling server", id)

	partner, ok := l.relay.takePartner(id)
	if !ok {
		return
	}
	if dst, ok := l.relay.reg.Lookup(partner); ok {
		_ = dst.Send(proto.Signal{
			Type:   proto.TypePeerOffline,
			ID:     id,
			Reason: fmt.Sprintf("%s disconnected from signaling server.", id),
		})
	}
}
