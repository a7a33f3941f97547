package session

import (
	"encoding/json"

	"github.com/petervdpas/peerlink/internal/proto"
	"github.com/petervdpas/peerlink/internal/transport"
)

// EventKind enumerates everything that can drive the machine.
type EventKind int

const (
	// Local user actions.
	EvRegister EventKind = iota + 1
	EvCall
	EvAccept
	EvDecline
	EvHangup
	EvSend
	EvResend
	EvSetQueueOffline
	EvSetAutoAccept

	// Relay messages and relay link state.
	EvRegistered
	EvOnlineResult
	EvOffer
	EvAnswer
	EvCandidate
	EvPeerKey
	EvOfferRejected
	EvPeerDisconnected
	EvPeerOffline
	EvRelayError
	EvRelayConnected
	EvRelayLost

	// Transport callbacks. They carry the handle that raised them so a
	// callback from a torn-down transport is recognized and dropped.
	EvLocalCandidate
	EvTransportEstablished
	EvTransportLost
	EvOpaque
)

var eventNames = map[EventKind]string{
	EvRegister:             "register",
	EvCall:                 "call",
	EvAccept:               "accept",
	EvDecline:              "decline",
	EvHangup:               "hangup",
	EvSend:                 "send",
	EvResend:               "resend",
	EvSetQueueOffline:      "set-queue-offline",
	EvSetAutoAccept:        "set-auto-accept",
	EvRegistered:           "registered",
	EvOnlineResult:         "online-result",
	EvOffer:                "offer",
	EvAnswer:               "answer",
	EvCandidate:            "candidate",
	EvPeerKey:              "peer-key",
	EvOfferRejected:        "offer-rejected",
	EvPeerDisconnected:     "peer-disconnected",
	EvPeerOffline:          "peer-offline",
	EvRelayError:           "relay-error",
	EvRelayConnected:       "relay-connected",
	EvRelayLost:            "relay-lost",
	EvLocalCandidate:       "local-candidate",
	EvTransportEstablished: "transport-established",
	EvTransportLost:        "transport-lost",
	EvOpaque:               "opaque",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is one input to Machine.Apply. Which fields are used depends on Kind.
type Event struct {
	Kind EventKind

	Peer    string // remote identifier: call target, relay sender, resend scope
	Text    string // message content or relay reason
	Flag    bool   // registered success, isOnline, option value
	Type    string // peer-offline: the type that could not be relayed
	Payload json.RawMessage
	Data    []byte // opaque transport bytes
	Err     error

	Handle transport.Handle

	reply chan Result
}

// EventFromSignal maps a relay message to an event. ok is false for types the
// client does not act on.
func EventFromSignal(sig proto.Signal) (Event, bool) {
	switch sig.Type {
	case proto.TypeRegistered:
		return Event{Kind: EvRegistered, Peer: sig.ID, Flag: sig.Success, Text: sig.Reason}, true
	case proto.TypeOnlineCheckResponse:
		return Event{Kind: EvOnlineResult, Peer: sig.ID, Flag: sig.IsOnline}, true
	case proto.TypeOffer:
		return Event{Kind: EvOffer, Peer: sig.From, Payload: sig.Payload}, true
	case proto.TypeAnswer:
		return Event{Kind: EvAnswer, Peer: sig.From, Payload: sig.Payload}, true
	case proto.TypeCandidate:
		return Event{Kind: EvCandidate, Peer: sig.From, Payload: sig.Payload}, true
	case proto.TypeDHPublicKey:
		return Event{Kind: EvPeerKey, Peer: sig.From, Payload: sig.Payload}, true
	case proto.TypeOfferRejected:
		return Event{Kind: EvOfferRejected, Peer: sig.From, Text: sig.Reason}, true
	case proto.TypePeerDisconnected:
		peer := sig.From
		if peer == "" {
			peer = sig.ID
		}
		return Event{Kind: EvPeerDisconnected, Peer: peer, Text: sig.Reason}, true
	case proto.TypePeerOffline:
		return Event{Kind: EvPeerOffline, Peer: sig.ID, Type: sig.RelayType, Text: sig.Reason}, true
	case proto.TypeError:
		return Event{Kind: EvRelayError, Text: sig.Reason}, true
	}
	return Event{}, false
}
