// Package chat keeps the local message history and the queue of messages
// waiting for an offline peer.
package chat

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/petervdpas/peerlink/internal/e2ee"
	"github.com/petervdpas/peerlink/internal/proto"
	"github.com/petervdpas/peerlink/internal/storage"
)

// ErrStoreUnavailable reports that a message was kept in memory only because
// the durable store failed. The message is not lost yet, but will not survive
// a restart.
var ErrStoreUnavailable = errors.New("message store unavailable")

// DefaultMemoryCap bounds the in-memory fallback store.
const DefaultMemoryCap = 500

// Store is the durable message store.
type Store interface {
	Put(rec storage.Record) (int64, error)
	Get(id int64) (storage.Record, error)
	QueryByConversation(a, b string) ([]storage.Record, error)
	QueryByStatus(status storage.Status) ([]storage.Record, error)
	QueryPendingFor(peer string) ([]storage.Record, error)
	UpdateStatus(id int64, status storage.Status) error
}

// Sender delivers one plaintext over the current secure channel.
type Sender interface {
	Send(plaintext []byte) (e2ee.Envelope, error)
}

// Queue records every message the local peer sends or receives and holds
// pending ones until their recipient is reachable.
type Queue struct {
	store Store // nil means memory only
	mem   *storage.Memory

	mu        sync.RWMutex
	listeners []chan *Message

	drainMu  sync.Mutex
	draining map[string]*sync.Mutex
}

// NewQueue creates a queue over store. A nil store keeps messages in memory.
func NewQueue(store Store, memCap int) *Queue {
	if memCap <= 0 {
		memCap = DefaultMemoryCap
	}
	return &Queue{
		store:    store,
		mem:      storage.NewMemory(memCap),
		draining: make(map[string]*sync.Mutex),
	}
}

// put writes m to the durable store, falling back to memory.
func (q *Queue) put(m *Message) error {
	if q.store != nil {
		id, err := q.store.Put(m.record())
		if err == nil {
			m.ID = id
			return nil
		}
		log.Printf("QUEUE: store write failed, keeping message in memory: %v", err)
		id, _ = q.mem.Put(m.record())
		m.ID = id
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	id, _ := q.mem.Put(m.record())
	m.ID = id
	return nil
}

// Enqueue stores a pending message for an unreachable peer. A non-nil
// *Message with ErrStoreUnavailable means it was kept in memory only.
func (q *Queue) Enqueue(from, to, content string) (*Message, error) {
	return q.add(from, to, content, storage.StatusPending)
}

// Record stores a message delivered live, with status sent or received.
func (q *Queue) Record(from, to, content string, status storage.Status) (*Message, error) {
	if status == storage.StatusPending {
		return nil, fmt.Errorf("record: use Enqueue for pending messages")
	}
	return q.add(from, to, content, status)
}

func (q *Queue) add(from, to, content string, status storage.Status) (*Message, error) {
	m := &Message{
		From:      from,
		To:        to,
		Content:   content,
		Timestamp: proto.NowMillis(),
		Status:    status,
	}
	err := q.put(m)
	if err != nil && !errors.Is(err, ErrStoreUnavailable) {
		return nil, err
	}
	q.notify(m)
	return m, err
}

// PendingFor returns pending messages addressed to peer, oldest first.
func (q *Queue) PendingFor(peer string) ([]*Message, error) {
	var recs []storage.Record
	var storeErr error
	if q.store != nil {
		recs, storeErr = q.store.QueryPendingFor(peer)
	}
	mem, _ := q.mem.QueryPendingFor(peer)
	return merge(recs, mem), storeErr
}

// LoadConversation returns all messages between a and b, oldest first.
func (q *Queue) LoadConversation(a, b string) ([]*Message, error) {
	var recs []storage.Record
	var storeErr error
	if q.store != nil {
		recs, storeErr = q.store.QueryByConversation(a, b)
	}
	mem, _ := q.mem.QueryByConversation(a, b)
	return merge(recs, mem), storeErr
}

func merge(a, b []storage.Record) []*Message {
	out := make([]*Message, 0, len(a)+len(b))
	for _, r := range a {
		out = append(out, fromRecord(r))
	}
	for _, r := range b {
		out = append(out, fromRecord(r))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func (q *Queue) peerLock(peer string) *sync.Mutex {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	l, ok := q.draining[peer]
	if !ok {
		l = &sync.Mutex{}
		q.draining[peer] = l
	}
	return l
}

// DrainPendingFor sends peer's pending messages in timestamp order through
// s, marking each sent. It stops at the first failed send so nothing is
// delivered ahead of an earlier pending message. Drains for the same peer
// never overlap. It returns how many messages were sent.
func (q *Queue) DrainPendingFor(peer string, s Sender) (int, error) {
	l := q.peerLock(peer)
	l.Lock()
	defer l.Unlock()

	pending, err := q.PendingFor(peer)
	if err != nil && len(pending) == 0 {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	log.Printf("QUEUE: draining %d pending message(s) for %s", len(pending), peer)

	sent := 0
	for _, m := range pending {
		if _, err := s.Send(EncodeWire(m)); err != nil {
			log.Printf("QUEUE: resend of message %d to %s failed, stopping: %v", m.ID, peer, err)
			return sent, err
		}
		if err := q.markSent(m.ID); err != nil {
			log.Printf("QUEUE: marking message %d sent failed: %v", m.ID, err)
			return sent, err
		}
		m.Status = storage.StatusSent
		sent++
		q.notify(m)
	}
	log.Printf("QUEUE: %d message(s) resent to %s", sent, peer)
	return sent, nil
}

func (q *Queue) markSent(id int64) error {
	if id < 0 || q.store == nil {
		return q.mem.UpdateStatus(id, storage.StatusSent)
	}
	return q.store.UpdateStatus(id, storage.StatusSent)
}

// Subscribe returns a channel that receives new and status-changed messages.
func (q *Queue) Subscribe() <-chan *Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Message, 16)
	q.listeners = append(q.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel
func (q *Queue) Unsubscribe(ch <-chan *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, listener := range q.listeners {
		if listener == ch {
			close(listener)
			q.listeners = append(q.listeners[:i], q.listeners[i+1:]...)
			return
		}
	}
}

func (q *Queue) notify(m *Message) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, ch := range q.listeners {
		cp := *m
		select {
		case ch <- &cp:
		default:
			// Listener is slow, skip
		}
	}
}
