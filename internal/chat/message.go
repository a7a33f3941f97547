package chat

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/petervdpas/peerlink/internal/storage"
)

// Message is a chat message between the local peer and one remote peer.
type Message struct {
	ID        int64          `json:"id"`        // assigned by the store; negative when held in memory
	From      string         `json:"from"`      // sender peer ID
	To        string         `json:"to"`        // recipient peer ID
	Content   string         `json:"content"`   // message content
	Timestamp int64          `json:"timestamp"` // unix timestamp in milliseconds
	Status    storage.Status `json:"status"`
}

func fromRecord(r storage.Record) *Message {
	return &Message{
		ID:        r.ID,
		From:      r.From,
		To:        r.To,
		Content:   r.Content,
		Timestamp: r.Timestamp,
		Status:    r.Status,
	}
}

func (m *Message) record() storage.Record {
	return storage.Record{
		From:      m.From,
		To:        m.To,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Status:    m.Status,
	}
}

// Time returns the message timestamp.
func (m *Message) Time() time.Time { return time.UnixMilli(m.Timestamp) }

// wireType tags chat payloads inside the encrypted channel.
const wireType = "message"

var errNotChat = errors.New("not a chat payload")

type wireMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// EncodeWire renders m as the plaintext sealed into the secure channel.
func EncodeWire(m *Message) []byte {
	b, _ := json.Marshal(wireMessage{Type: wireType, Content: m.Content, Timestamp: m.Timestamp})
	return b
}

// DecodeWire extracts the content of a decrypted chat payload.
func DecodeWire(b []byte) (string, error) {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return "", err
	}
	if w.Type != wireType {
		return "", errNotChat
	}
	return w.Content, nil
}
