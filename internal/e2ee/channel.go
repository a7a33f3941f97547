package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrKeyNotReady       = errors.New("session key not ready")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrUnsupportedSuite  = errors.New("unsupported cipher suite")
	errNoSink            = errors.New("no transport bound to channel")
	errMalformedEnvelope = errors.New("malformed envelope")
)

// Suite selects the AEAD used by a Channel.
type Suite string

const (
	SuiteAESGCM           Suite = "aes-gcm"
	SuiteChaCha20Poly1305 Suite = "chacha20poly1305"
)

// NonceSize is shared by both suites.
const NonceSize = 12

// ParseSuite maps a config value to a Suite. Empty selects AES-GCM.
func ParseSuite(s string) (Suite, error) {
	switch Suite(strings.ToLower(strings.TrimSpace(s))) {
	case "", SuiteAESGCM:
		return SuiteAESGCM, nil
	case SuiteChaCha20Poly1305:
		return SuiteChaCha20Poly1305, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedSuite, s)
}

func newAEAD(suite Suite, key []byte) (cipher.AEAD, error) {
	switch suite {
	case SuiteAESGCM, "":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("AES key error: %w", err)
		}
		return cipher.NewGCM(block)
	case SuiteChaCha20Poly1305:
		return chacha20poly1305.New(key)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedSuite, suite)
}

// Envelope is one encrypted message as it travels over the transport.
type Envelope struct {
	Nonce      []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// Sink is where sealed envelopes are written.
type Sink interface {
	SendOpaque(b []byte) error
}

// Channel encrypts outbound and decrypts inbound messages for one session.
// A Channel without a key refuses to seal or open anything.
type Channel struct {
	aead cipher.AEAD
	sink Sink
}

// NewChannel builds a channel for key. A nil key yields a channel that
// reports ErrKeyNotReady.
func NewChannel(suite Suite, key []byte, sink Sink) (*Channel, error) {
	c := &Channel{sink: sink}
	if len(key) == 0 {
		return c, nil
	}
	aead, err := newAEAD(suite, key)
	if err != nil {
		return nil, err
	}
	c.aead = aead
	return c, nil
}

// Ready reports whether the channel holds a session key.
func (c *Channel) Ready() bool { return c != nil && c.aead != nil }

// Seal encrypts plaintext under a fresh random 96-bit nonce.
func (c *Channel) Seal(plaintext []byte) (Envelope, error) {
	if !c.Ready() {
		return Envelope{}, ErrKeyNotReady
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, fmt.Errorf("nonce generation failed: %w", err)
	}
	return Envelope{Nonce: nonce, Ciphertext: c.aead.Seal(nil, nonce, plaintext, nil)}, nil
}

// Open authenticates and decrypts env.
func (c *Channel) Open(env Envelope) ([]byte, error) {
	if !c.Ready() {
		return nil, ErrKeyNotReady
	}
	if len(env.Nonce) != c.aead.NonceSize() || len(env.Ciphertext) < c.aead.Overhead() {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, errMalformedEnvelope)
	}
	pt, err := c.aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

// Send seals plaintext and writes the encoded envelope to the sink.
func (c *Channel) Send(plaintext []byte) (Envelope, error) {
	env, err := c.Seal(plaintext)
	if err != nil {
		return Envelope{}, err
	}
	if c.sink == nil {
		return Envelope{}, errNoSink
	}
	b, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, err
	}
	if err := c.sink.SendOpaque(b); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Receive decodes and opens one envelope read from the transport.
func (c *Channel) Receive(raw []byte) ([]byte, error) {
	if !c.Ready() {
		return nil, ErrKeyNotReady
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return c.Open(env)
}
