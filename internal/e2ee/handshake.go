// Package e2ee derives per-session keys between two peers and encrypts the
// messages they exchange.
package e2ee

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// CurveP256 names the key-agreement curve on the wire.
const CurveP256 = "P-256"

var (
	ErrKeyMaterialMissing = errors.New("key material missing")
	ErrInvalidPublicKey   = errors.New("invalid public key")
	ErrUnsupportedCurve   = errors.New("unsupported curve")
)

// KeyPair is an ephemeral ECDH key pair.
type KeyPair struct {
	priv *ecdh.PrivateKey
}

func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ECDH key generation failed: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// Public returns the 65-byte uncompressed public key.
func (k *KeyPair) Public() []byte {
	return k.priv.PublicKey().Bytes()
}

// Keys is the outcome of a completed handshake.
type Keys struct {
	Secret     []byte // raw ECDH output, 32 bytes
	SessionKey []byte // AEAD key
	SafetyCode string
}

// Wipe zeroes the key bytes.
func (k *Keys) Wipe() {
	if k == nil {
		return
	}
	clear(k.Secret)
	clear(k.SessionKey)
}

// Handshake holds the key material of one session's key exchange. It is not
// safe for concurrent use; the session owns it.
type Handshake struct {
	local  *KeyPair
	remote *ecdh.PublicKey
}

func NewHandshake() *Handshake { return &Handshake{} }

// Begin generates a fresh local key pair, replacing any earlier one, and
// returns the public key to send to the peer. A remote key accepted before
// Begin is kept.
func (h *Handshake) Begin() ([]byte, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		h.local = nil
		return nil, err
	}
	h.local = kp
	return kp.Public(), nil
}

// AcceptRemote imports the peer's public key.
func (h *Handshake) AcceptRemote(curve string, pub []byte) error {
	if curve != "" && curve != CurveP256 {
		return fmt.Errorf("%w: %s", ErrUnsupportedCurve, curve)
	}
	pk, err := ecdh.P256().NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	h.remote = pk
	return nil
}

// Started reports whether Begin has produced a local key pair.
func (h *Handshake) Started() bool { return h.local != nil }

// Ready reports whether both key halves are present.
func (h *Handshake) Ready() bool { return h.local != nil && h.remote != nil }

// Derive computes the shared secret, session key and safety code.
func (h *Handshake) Derive() (*Keys, error) {
	if !h.Ready() {
		return nil, ErrKeyMaterialMissing
	}
	secret, err := h.local.priv.ECDH(h.remote)
	if err != nil {
		return nil, fmt.Errorf("ECDH failed: %w", err)
	}
	// The raw secret is imported directly as the AEAD key.
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Keys{
		Secret:     secret,
		SessionKey: key,
		SafetyCode: SafetyCode(secret),
	}, nil
}

// Discard drops all key material.
func (h *Handshake) Discard() {
	h.local = nil
	h.remote = nil
}

// SafetyCode renders the first 4 bytes of SHA-256(secret) as uppercase hex.
// Both peers display it; a mismatch means the keys were substituted in transit.
func SafetyCode(secret []byte) string {
	sum := sha256.Sum256(secret)
	return strings.ToUpper(hex.EncodeToString(sum[:4]))
}
