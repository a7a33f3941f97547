// Package proto defines the JSON records exchanged between peers and the
// signaling relay.
package proto

import (
	"encoding/json"
	"time"
)

// Peer → relay.
const (
	TypeRegister    = "register"
	TypeCheckOnline = "check-online"
	TypeRejectOffer = "reject-offer"
	TypeDisconnect  = "disconnect"
)

// Relayed peer → relay → peer. The relay stamps From with the sender's
// registered identifier.
const (
	TypeOffer       = "offer"
	TypeAnswer      = "answer"
	TypeCandidate   = "candidate"
	TypeDHPublicKey = "dh-public-key"
)

// Relay → peer.
const (
	TypeRegistered          = "registered"
	TypeOnlineCheckResponse = "online-check-response"
	TypeOfferRejected       = "offer-rejected"
	TypePeerDisconnected    = "peer-disconnected"
	TypePeerOffline         = "peer-offline"
	TypeError               = "error"
)

// ReasonBusy is the reject-offer reason prefix used for automatic rejections.
const ReasonBusy = "busy"

// Signal is one relay wire message. Which fields are set depends on Type.
type Signal struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	Success   bool            `json:"success,omitempty"`
	IsOnline  bool            `json:"isOnline,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	RelayType string          `json:"relayType,omitempty"` // peer-offline: the type that could not be relayed
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON always writes success on registered and isOnline on
// online-check-response, including when they are false.
func (s Signal) MarshalJSON() ([]byte, error) {
	type plain Signal
	switch s.Type {
	case TypeRegistered:
		return json.Marshal(struct {
			plain
			Success bool `json:"success"`
		}{plain(s), s.Success})
	case TypeOnlineCheckResponse:
		return json.Marshal(struct {
			plain
			IsOnline bool `json:"isOnline"`
		}{plain(s), s.IsOnline})
	}
	return json.Marshal(plain(s))
}

// IsRelayed reports whether t is forwarded verbatim between peers.
func IsRelayed(t string) bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeDHPublicKey:
		return true
	}
	return false
}

// Negotiation is the payload carried by relayed signals. SessionID ties every
// payload to one negotiation so stale messages from an earlier attempt can be
// told apart from current ones.
type Negotiation struct {
	SessionID string          `json:"sessionId"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Curve     string          `json:"curve,omitempty"`
	Key       []byte          `json:"key,omitempty"`
}

// Encode marshals n for use as Signal.Payload.
func (n Negotiation) Encode() json.RawMessage {
	b, _ := json.Marshal(n)
	return b
}

// DecodeNegotiation parses a relayed payload.
func DecodeNegotiation(raw json.RawMessage) (Negotiation, error) {
	var n Negotiation
	if len(raw) == 0 {
		return n, nil
	}
	err := json.Unmarshal(raw, &n)
	return n, err
}

func NowMillis() int64 { return time.Now().UnixMilli() }
