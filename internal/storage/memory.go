package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/petervdpas/peerlink/internal/util"
)

// Memory is a bounded in-process message store used when the database is
// unavailable. Once full, the oldest record is dropped. IDs are negative so
// they never collide with database ids.
type Memory struct {
	mu     sync.Mutex
	ring   *util.RingBuffer[*Record]
	byID   map[int64]*Record
	nextID int64
}

func NewMemory(capacity int) *Memory {
	return &Memory{
		ring: util.NewRingBuffer[*Record](capacity),
		byID: make(map[int64]*Record),
	}
}

func (m *Memory) Put(rec Record) (int64, error) {
	if !rec.Status.Valid() {
		return 0, fmt.Errorf("put: unknown status %q", rec.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID--
	rec.ID = m.nextID
	r := &rec
	if old, evicted := m.ring.Push(r); evicted {
		delete(m.byID, old.ID)
	}
	m.byID[r.ID] = r
	return r.ID, nil
}

func (m *Memory) Get(id int64) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *r, nil
}

func (m *Memory) filter(keep func(*Record) bool) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.ring.Snapshot() {
		if keep(r) {
			out = append(out, *r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func (m *Memory) QueryByConversation(a, b string) ([]Record, error) {
	return m.filter(func(r *Record) bool {
		return (r.From == a && r.To == b) || (r.From == b && r.To == a)
	}), nil
}

func (m *Memory) QueryByStatus(status Status) ([]Record, error) {
	return m.filter(func(r *Record) bool { return r.Status == status }), nil
}

func (m *Memory) QueryPendingFor(peer string) ([]Record, error) {
	return m.filter(func(r *Record) bool { return r.Status == StatusPending && r.To == peer }), nil
}

func (m *Memory) UpdateStatus(id int64, status Status) error {
	if status != StatusSent {
		return fmt.Errorf("%w: -> %s", ErrInvalidTransition, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, status)
	}
	r.Status = StatusSent
	return nil
}
