package transport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	established int
	lost        []error
	received    [][]byte
	candidates  []json.RawMessage
}

func watch(h Handle) *recorder {
	p := &recorder{}
	h.OnEstablished(func() { p.established++ })
	h.OnLost(func(err error) { p.lost = append(p.lost, err) })
	h.OnOpaqueReceived(func(b []byte) { p.received = append(p.received, b) })
	h.OnLocalCandidate(func(c json.RawMessage) { p.candidates = append(p.candidates, c) })
	return p
}

func pair(t *testing.T) (Handle, *recorder, Handle, *recorder) {
	t.Helper()
	net := NewLoopback()
	a, err := net.CreateSession()
	require.NoError(t, err)
	b, err := net.CreateSession()
	require.NoError(t, err)
	pa, pb := watch(a), watch(b)

	offer, err := a.CreateOffer()
	require.NoError(t, err)
	answer, err := b.AcceptOffer(offer)
	require.NoError(t, err)
	assert.Zero(t, pa.established)
	require.NoError(t, a.AcceptAnswer(answer))
	return a, pa, b, pb
}

func TestLoopbackNegotiation(t *testing.T) {
	a, pa, b, pb := pair(t)
	assert.Equal(t, 1, pa.established)
	assert.Equal(t, 1, pb.established)
	require.Len(t, pa.candidates, 1)
	require.NoError(t, b.AddRemoteCandidate(pa.candidates[0]))

	require.NoError(t, a.SendOpaque([]byte("ping")))
	require.NoError(t, b.SendOpaque([]byte("pong")))
	require.Len(t, pb.received, 1)
	assert.Equal(t, "ping", string(pb.received[0]))
	require.Len(t, pa.received, 1)
	assert.Equal(t, "pong", string(pa.received[0]))
}

func TestLoopbackCloseLosesPeerOnce(t *testing.T) {
	a, pa, b, pb := pair(t)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	assert.Empty(t, pa.lost, "local close does not report loss")
	require.Len(t, pb.lost, 1)
	assert.ErrorIs(t, pb.lost[0], ErrClosed)

	assert.ErrorIs(t, a.SendOpaque([]byte("x")), ErrClosed)
	assert.ErrorIs(t, b.SendOpaque([]byte("x")), ErrNotOpen)
}

func TestLoopbackRejectsUnknownOffer(t *testing.T) {
	net := NewLoopback()
	h, _ := net.CreateSession()
	_, err := h.AcceptOffer(json.RawMessage(`{"loopback":"nope"}`))
	assert.ErrorIs(t, err, ErrBadNegotiation)
	_, err = h.AcceptOffer(json.RawMessage(`garbage`))
	assert.ErrorIs(t, err, ErrBadNegotiation)
	assert.ErrorIs(t, h.SendOpaque([]byte("x")), ErrNotOpen)
}

func TestLoopbackOfferUsableOnce(t *testing.T) {
	net := NewLoopback()
	a, _ := net.CreateSession()
	b, _ := net.CreateSession()
	c, _ := net.CreateSession()
	offer, err := a.CreateOffer()
	require.NoError(t, err)
	_, err = b.AcceptOffer(offer)
	require.NoError(t, err)
	_, err = c.AcceptOffer(offer)
	assert.ErrorIs(t, err, ErrBadNegotiation)
}

func TestWebRTCProviderBuilds(t *testing.T) {
	w, err := NewWebRTC([]ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}, {}})
	require.NoError(t, err)
	assert.Len(t, w.cfg.ICEServers, 1)
}
