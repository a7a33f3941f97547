// Package transport carries an established session's opaque bytes between
// two peers. The session layer only relays the negotiation payloads a
// transport produces and reacts to its lifecycle callbacks.
package transport

import (
	"encoding/json"
	"errors"
)

var (
	ErrClosed         = errors.New("transport closed")
	ErrNotOpen        = errors.New("transport channel not open")
	ErrBadNegotiation = errors.New("malformed negotiation payload")
)

// Provider creates transport handles, one per negotiation attempt.
type Provider interface {
	CreateSession() (Handle, error)
}

// Handle is one side of a point-to-point session. Callbacks must be set
// before negotiation starts; they may be invoked from any goroutine and must
// not block.
type Handle interface {
	// CreateOffer starts negotiation on the calling side.
	CreateOffer() (json.RawMessage, error)
	// AcceptOffer applies a remote offer and returns the answer.
	AcceptOffer(offer json.RawMessage) (json.RawMessage, error)
	AcceptAnswer(answer json.RawMessage) error
	AddRemoteCandidate(candidate json.RawMessage) error

	OnLocalCandidate(func(candidate json.RawMessage))
	OnEstablished(func())
	// OnLost fires at most once, when the session drops after or during
	// negotiation. It does not fire for a local Close.
	OnLost(func(err error))
	OnOpaqueReceived(func(b []byte))

	SendOpaque(b []byte) error
	Close() error
}
