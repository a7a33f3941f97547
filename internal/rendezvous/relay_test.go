package rendezvous

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/peerlink/internal/proto"
)

type fakeConn struct {
	mu   sync.Mutex
	got  []proto.Signal
	fail bool
}

func (f *fakeConn) Send(sig proto.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("dead")
	}
	f.got = append(f.got, sig)
	return nil
}

func (f *fakeConn) last(t *testing.T) proto.Signal {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.got)
	return f.got[len(f.got)-1]
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func registered(t *testing.T, r *Relay, id string) (*Link, *fakeConn) {
	t.Helper()
	c := &fakeConn{}
	l := r.Attach(c)
	l.Handle(proto.Signal{Type: proto.TypeRegister, ID: id})
	ack := c.last(t)
	require.Equal(t, proto.TypeRegistered, ack.Type)
	require.True(t, ack.Success, "register %s: %s", id, ack.Reason)
	return l, c
}

func TestRegisterConcurrentSingleWinner(t *testing.T) {
	reg := NewRegistry()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.Register("alice", &fakeConn{}) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryDistinctIDs(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, reg.Register(fmt.Sprintf("peer-%02d", i), &fakeConn{}))
		}(i)
	}
	wg.Wait()
	ids := reg.IDs()
	require.Len(t, ids, 50)
	assert.Equal(t, "peer-00", ids[0])

	reg.Remove("peer-00")
	reg.Remove("peer-00")
	assert.Equal(t, 49, reg.Len())
}

func TestRegistryRejectsInvalid(t *testing.T) {
	reg := NewRegistry()
	assert.ErrorIs(t, reg.Register("", &fakeConn{}), ErrInvalidID)
	assert.ErrorIs(t, reg.Register(" bob", &fakeConn{}), ErrInvalidID)
	assert.ErrorIs(t, reg.Register("bob", nil), ErrInvalidID)
}

func TestRelayDuplicateRegistration(t *testing.T) {
	r := NewRelay(nil)
	registered(t, r, "alice")

	c := &fakeConn{}
	r.Attach(c).Handle(proto.Signal{Type: proto.TypeRegister, ID: "alice"})
	ack := c.last(t)
	assert.False(t, ack.Success)
	assert.Equal(t, ErrIDTaken.Error(), ack.Reason)
}

func TestRelaySecondRegisterOnSameLink(t *testing.T) {
	r := NewRelay(nil)
	l, c := registered(t, r, "alice")
	l.Handle(proto.Signal{Type: proto.TypeRegister, ID: "alice2"})
	assert.False(t, c.last(t).Success)
	_, ok := r.Registry().Lookup("alice2")
	assert.False(t, ok)
}

func TestRelayCheckOnlineIsPure(t *testing.T) {
	r := NewRelay(nil)
	a, ca := registered(t, r, "alice")
	a.Handle(proto.Signal{Type: proto.TypeCheckOnline, To: "bob"})
	resp := ca.last(t)
	assert.Equal(t, proto.TypeOnlineCheckResponse, resp.Type)
	assert.Equal(t, "bob", resp.ID)
	assert.False(t, resp.IsOnline)

	registered(t, r, "bob")
	a.Handle(proto.Signal{Type: proto.TypeCheckOnline, To: "bob"})
	assert.True(t, ca.last(t).IsOnline)
	assert.Equal(t, 2, r.Registry().Len())
}

func TestRelayForwardStampsSender(t *testing.T) {
	r := NewRelay(nil)
	a, _ := registered(t, r, "alice")
	_, cb := registered(t, r, "bob")

	payload := proto.Negotiation{SessionID: "s1"}.Encode()
	a.Handle(proto.Signal{Type: proto.TypeOffer, To: "bob", From: "mallory", Payload: payload})
	got := cb.last(t)
	assert.Equal(t, proto.TypeOffer, got.Type)
	assert.Equal(t, "alice", got.From)
	assert.JSONEq(t, string(payload), string(got.Payload))
}

func TestRelayForwardToAbsentPeer(t *testing.T) {
	r := NewRelay(nil)
	a, ca := registered(t, r, "alice")
	a.Handle(proto.Signal{Type: proto.TypeCandidate, To: "carol"})
	got := ca.last(t)
	assert.Equal(t, proto.TypePeerOffline, got.Type)
	assert.Equal(t, "carol", got.ID)
	assert.Equal(t, proto.TypeCandidate, got.RelayType)
	assert.Equal(t, "carol is offline. Cannot relay candidate.", got.Reason)
}

func TestRelayForwardToDeadConnection(t *testing.T) {
	r := NewRelay(nil)
	a, ca := registered(t, r, "alice")
	_, cb := registered(t, r, "bob")
	cb.fail = true
	a.Handle(proto.Signal{Type: proto.TypeOffer, To: "bob"})
	assert.Equal(t, proto.TypePeerOffline, ca.last(t).Type)
}

func TestRelayForwardRequiresRegistration(t *testing.T) {
	r := NewRelay(nil)
	_, cb := registered(t, r, "bob")
	c := &fakeConn{}
	r.Attach(c).Handle(proto.Signal{Type: proto.TypeOffer, To: "bob"})
	assert.Equal(t, proto.TypeError, c.last(t).Type)
	assert.Equal(t, 1, cb.count())
}

func TestRelayRejectOffer(t *testing.T) {
	r := NewRelay(nil)
	_, ca := registered(t, r, "alice")
	b, _ := registered(t, r, "bob")

	b.Handle(proto.Signal{Type: proto.TypeRejectOffer, To: "alice", Reason: "busy: already connected to carol"})
	got := ca.last(t)
	assert.Equal(t, proto.TypeOfferRejected, got.Type)
	assert.Equal(t, "bob", got.From)
	assert.Equal(t, "busy: already connected to carol", got.Reason)
}

func TestRelayDisconnectNotifiesTarget(t *testing.T) {
	r := NewRelay(nil)
	a, _ := registered(t, r, "alice")
	_, cb := registered(t, r, "bob")
	a.Handle(proto.Signal{Type: proto.TypeDisconnect, To: "bob"})
	got := cb.last(t)
	assert.Equal(t, proto.TypePeerDisconnected, got.Type)
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, "Peer alice explicitly disconnected.", got.Reason)
}

func TestRelayCloseNotifiesPartnerOnly(t *testing.T) {
	r := NewRelay(nil)
	a, _ := registered(t, r, "alice")
	b, cb := registered(t, r, "bob")
	_, cc := registered(t, r, "carol")

	a.Handle(proto.Signal{Type: proto.TypeOffer, To: "bob"})
	b.Handle(proto.Signal{Type: proto.TypeAnswer, To: "alice"})
	before := cc.count()

	a.Close()
	_, ok := r.Registry().Lookup("alice")
	assert.False(t, ok)

	got := cb.last(t)
	assert.Equal(t, proto.TypePeerOffline, got.Type)
	assert.Equal(t, "alice", got.ID)
	assert.Equal(t, before, cc.count())

	// The identifier is free again.
	registered(t, r, "alice")
}

func TestRelayUnknownType(t *testing.T) {
	r := NewRelay(nil)
	a, ca := registered(t, r, "alice")
	a.Handle(proto.Signal{Type: "bogus"})
	assert.Equal(t, proto.TypeError, ca.last(t).Type)
}
