package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/peerlink/internal/proto"
	"github.com/petervdpas/peerlink/internal/transport"
)

type sentSignals struct{ out []proto.Signal }

func (s *sentSignals) Send(sig proto.Signal) error {
	s.out = append(s.out, sig)
	return nil
}

func (s *sentSignals) last() proto.Signal {
	if len(s.out) == 0 {
		return proto.Signal{}
	}
	return s.out[len(s.out)-1]
}

// registeredMachine returns a machine that believes it is registered as id.
func registeredMachine(t *testing.T, id string, opt Options) (*Machine, *sentSignals, *[]Event) {
	t.Helper()
	sig := &sentSignals{}
	var posted []Event
	m := NewMachine(opt, sig, transport.NewLoopback(), nil, func(ev Event) { posted = append(posted, ev) }, nil)
	m.Apply(Event{Kind: EvRelayConnected})
	require.NoError(t, m.Apply(Event{Kind: EvRegister, Peer: id}).Err)
	require.Equal(t, proto.TypeRegister, sig.last().Type)
	m.Apply(Event{Kind: EvRegistered, Peer: id, Flag: true})
	require.Equal(t, Registered, m.Phase())
	return m, sig, &posted
}

func offerFrom(from, session string) Event {
	n := proto.Negotiation{SessionID: session, SDP: []byte(`{"loopback":"x"}`)}
	return Event{Kind: EvOffer, Peer: from, Payload: n.Encode()}
}

func TestMachineRejectsBadInput(t *testing.T) {
	m := NewMachine(Options{}, &sentSignals{}, nil, nil, nil, nil)
	assert.ErrorIs(t, m.Apply(Event{Kind: EvRegister, Peer: "bad id!"}).Err, ErrInvalidIdentifier)
	assert.ErrorIs(t, m.Apply(Event{Kind: EvCall, Peer: "bob"}).Err, ErrNotRegistered)
	assert.ErrorIs(t, m.Apply(Event{Kind: EvSend, Text: "   "}).Err, ErrEmptyMessage)
	assert.Error(t, m.Apply(Event{Kind: EventKind(999)}).Err)

	m, _, _ = registeredMachine(t, "alice", Options{})
	assert.ErrorIs(t, m.Apply(Event{Kind: EvCall, Peer: "alice"}).Err, ErrInvalidTarget)
	assert.ErrorIs(t, m.Apply(Event{Kind: EvCall, Peer: "  "}).Err, ErrInvalidTarget)
	assert.ErrorIs(t, m.Apply(Event{Kind: EvSend, Text: "hi"}).Err, ErrNotConnected)
	assert.ErrorIs(t, m.Apply(Event{Kind: EvHangup}).Err, ErrNotConnected)
	assert.ErrorIs(t, m.Apply(Event{Kind: EvAccept}).Err, ErrNoIncomingOffer)
}

func TestMachineRegisterWaitsForRelay(t *testing.T) {
	sig := &sentSignals{}
	m := NewMachine(Options{}, sig, nil, nil, nil, nil)

	require.NoError(t, m.Apply(Event{Kind: EvRegister, Peer: "alice"}).Err)
	assert.Equal(t, Idle, m.Phase())
	assert.Empty(t, sig.out)

	res := m.Apply(Event{Kind: EvRelayConnected})
	assert.Equal(t, Registering, res.To)
	assert.Equal(t, proto.Signal{Type: proto.TypeRegister, ID: "alice"}, sig.last())
}

func TestMachineCallOfflineKeepsRemote(t *testing.T) {
	m, sig, _ := registeredMachine(t, "alice", Options{QueueOffline: true})

	require.NoError(t, m.Apply(Event{Kind: EvCall, Peer: "bob"}).Err)
	assert.Equal(t, CheckingOnline, m.Phase())
	assert.Equal(t, proto.Signal{Type: proto.TypeCheckOnline, To: "bob", From: "alice"}, sig.last())

	// A result for somebody else is ignored.
	m.Apply(Event{Kind: EvOnlineResult, Peer: "carol", Flag: true})
	assert.Equal(t, CheckingOnline, m.Phase())

	m.Apply(Event{Kind: EvOnlineResult, Peer: "bob", Flag: false})
	s := m.Snapshot()
	assert.Equal(t, Registered, s.Phase)
	assert.Equal(t, "bob", s.RemoteID)
	assert.False(t, s.RemoteOnline)

	res := m.Apply(Event{Kind: EvSend, Text: "later"})
	require.NoError(t, res.Err)
	require.NotNil(t, res.Message)
}

func TestMachineOfferLifecycle(t *testing.T) {
	m, sig, posted := registeredMachine(t, "alice", Options{})

	m.Apply(Event{Kind: EvCall, Peer: "bob"})
	res := m.Apply(Event{Kind: EvOnlineResult, Peer: "bob", Flag: true})
	require.NoError(t, res.Err)
	assert.Equal(t, AwaitingTransport, res.To)

	offer := sig.last()
	require.Equal(t, proto.TypeOffer, offer.Type)
	n, err := proto.DecodeNegotiation(offer.Payload)
	require.NoError(t, err)
	assert.Equal(t, m.Snapshot().SessionID, n.SessionID)

	// The local candidate comes back as an event, never inline.
	require.NotEmpty(t, *posted)
	assert.Equal(t, EvLocalCandidate, (*posted)[0].Kind)
	m.Apply((*posted)[0])
	assert.Equal(t, proto.TypeCandidate, sig.last().Type)

	// Callbacks from a handle that is not current are dropped.
	other, err := transport.NewLoopback().CreateSession()
	require.NoError(t, err)
	res = m.Apply(Event{Kind: EvTransportEstablished, Handle: other})
	assert.False(t, res.Changed())
	res = m.Apply(Event{Kind: EvTransportLost, Handle: other})
	assert.False(t, res.Changed())

	// An answer for a stale session is dropped too.
	stale := proto.Negotiation{SessionID: "old", SDP: []byte(`{}`)}
	res = m.Apply(Event{Kind: EvAnswer, Peer: "bob", Payload: stale.Encode()})
	assert.False(t, res.Changed())

	res = m.Apply(Event{Kind: EvPeerOffline, Peer: "bob", Type: proto.TypeOffer})
	assert.Equal(t, Rejected, res.Terminal)
	assert.ErrorIs(t, res.Err, ErrPeerUnreachable)
	s := m.Snapshot()
	assert.Equal(t, Registered, s.Phase)
	assert.Equal(t, "bob", s.RemoteID)
	assert.Empty(t, s.SessionID)
}

func TestMachineGlareSmallerIdentifierKeepsOffer(t *testing.T) {
	alice, _, _ := registeredMachine(t, "alice", Options{AutoAccept: true})
	alice.Apply(Event{Kind: EvCall, Peer: "bob"})
	alice.Apply(Event{Kind: EvOnlineResult, Peer: "bob", Flag: true})
	own := alice.Snapshot().SessionID

	alice.Apply(offerFrom("bob", "bobs-session"))
	assert.Equal(t, own, alice.Snapshot().SessionID)
	assert.Equal(t, AwaitingTransport, alice.Phase())

	bob, sig, _ := registeredMachine(t, "bob", Options{AutoAccept: true})
	bob.Apply(Event{Kind: EvCall, Peer: "alice"})
	bob.Apply(Event{Kind: EvOnlineResult, Peer: "alice", Flag: true})

	// The loopback token is unknown here, so answering fails; what matters
	// is that bob gave up its own offer for alice's.
	bob.Apply(offerFrom("alice", "alices-session"))
	assert.Equal(t, proto.TypeRejectOffer, sig.last().Type)
	assert.Equal(t, "alice", sig.last().To)
	assert.Empty(t, bob.Snapshot().SessionID)
	assert.Equal(t, Failed, bob.Snapshot().LastTerminal)
}

func TestMachineBusyRejectsOtherCaller(t *testing.T) {
	m, sig, _ := registeredMachine(t, "alice", Options{})
	m.Apply(Event{Kind: EvCall, Peer: "bob"})

	res := m.Apply(offerFrom("carol", "c1"))
	assert.False(t, res.Changed())
	last := sig.last()
	assert.Equal(t, proto.TypeRejectOffer, last.Type)
	assert.Equal(t, "carol", last.To)
	assert.Equal(t, "busy: already connected to bob", last.Reason)
	assert.Equal(t, "bob", m.Snapshot().RemoteID)
}

func TestMachineOfferRejectedClearsRemote(t *testing.T) {
	m, _, _ := registeredMachine(t, "alice", Options{})
	m.Apply(Event{Kind: EvCall, Peer: "bob"})
	m.Apply(Event{Kind: EvOnlineResult, Peer: "bob", Flag: true})

	res := m.Apply(Event{Kind: EvOfferRejected, Peer: "bob", Text: "busy: already connected to carol"})
	assert.ErrorIs(t, res.Err, ErrSessionBusy)
	assert.Equal(t, Rejected, res.Terminal)
	assert.Empty(t, m.Snapshot().RemoteID)
}

func TestMachineManualOfferBuffersCandidates(t *testing.T) {
	m, _, _ := registeredMachine(t, "bob", Options{})
	m.Apply(offerFrom("alice", "s1"))
	require.Equal(t, Answering, m.Phase())
	assert.Equal(t, "alice", m.Snapshot().IncomingFrom)

	c := proto.Negotiation{SessionID: "s1", Candidate: []byte(`{"candidate":"x"}`)}
	m.Apply(Event{Kind: EvCandidate, Peer: "alice", Payload: c.Encode()})
	assert.Len(t, m.earlyCands, 1)

	// Same session replayed by the relay is a duplicate.
	m.Apply(offerFrom("alice", "s1"))
	assert.Len(t, m.earlyCands, 1)
}

func TestMachineRelayLoss(t *testing.T) {
	m, sig, _ := registeredMachine(t, "alice", Options{})
	m.Apply(Event{Kind: EvCall, Peer: "bob"})

	m.Apply(Event{Kind: EvRelayLost})
	s := m.Snapshot()
	assert.Equal(t, Idle, s.Phase)
	assert.False(t, s.RelayUp)
	assert.ErrorIs(t, m.Apply(Event{Kind: EvCall, Peer: "bob"}).Err, ErrNotRegistered)

	n := len(sig.out)
	m.Apply(Event{Kind: EvRelayConnected})
	require.Len(t, sig.out, n+1)
	assert.Equal(t, proto.TypeRegister, sig.last().Type)
	m.Apply(Event{Kind: EvRegistered, Peer: "alice", Flag: true})
	assert.Equal(t, Registered, m.Phase())
}

func TestSendReadiness(t *testing.T) {
	ok, _ := Snapshot{Phase: Connected, KeyReady: true}.SendReadiness()
	assert.True(t, ok)

	ok, why := Snapshot{Phase: KeyExchanging, RemoteID: "bob", RemoteOnline: true}.SendReadiness()
	assert.False(t, ok)
	assert.Equal(t, "waiting for key exchange", why)

	ok, why = Snapshot{LocalID: "a", RemoteID: "bob"}.SendReadiness()
	assert.False(t, ok)
	assert.Equal(t, "peer offline and queuing disabled", why)

	ok, _ = Snapshot{LocalID: "a", RemoteID: "bob", QueueOffline: true}.SendReadiness()
	assert.True(t, ok)
}

func TestPhaseNames(t *testing.T) {
	assert.Equal(t, "key-exchanging", KeyExchanging.String())
	assert.Equal(t, "unknown", Phase(99).String())
	b, err := Connected.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "connected", string(b))
	assert.Equal(t, "offer", EvOffer.String())
}
