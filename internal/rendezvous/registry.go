package rendezvous

import (
	"errors"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/petervdpas/peerlink/internal/proto"
	"github.com/petervdpas/peerlink/internal/util"
)

var (
	ErrIDTaken   = errors.New("ID already taken or invalid")
	ErrInvalidID = errors.New("invalid peer id")
)

// Conn is the relay's handle to one connected peer. Send must not block on
// the remote side; a slow or dead connection returns an error instead.
type Conn interface {
	Send(sig proto.Signal) error
}

const registryShards = 16

// Registry maps peer identifiers to live relay connections. Operations on
// distinct identifiers hash to independent shards and run in parallel;
// operations on the same identifier are serialized by its shard lock.
type Registry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].conns = make(map[string]Conn)
	}
	return r
}

func (r *Registry) shard(id string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &r.shards[h.Sum32()%registryShards]
}

// Register claims id for c. Exactly one of any set of concurrent claims on
// the same id succeeds; the rest get ErrIDTaken.
func (r *Registry) Register(id string, c Conn) error {
	if norm, err := util.ValidatePeerName(id); err != nil || norm != id || c == nil {
		return ErrInvalidID
	}
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.conns[id]; taken {
		return ErrIDTaken
	}
	s.conns[id] = c
	return nil
}

// Lookup returns the connection registered under id.
func (r *Registry) Lookup(id string) (Conn, bool) {
	s := r.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

// Remove drops id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	s := r.shard(id)
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// removeOwned drops id only while it still maps to c.
func (r *Registry) removeOwned(id string, c Conn) bool {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.conns[id]; ok && cur == c {
		delete(s.conns, id)
		return true
	}
	return false
}

func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.conns)
		s.mu.RUnlock()
	}
	return n
}

// IDs returns all registered identifiers, sorted.
func (r *Registry) IDs() []string {
	var ids []string
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for id := range s.conns {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids
}
