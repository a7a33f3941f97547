package chat

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/peerlink/internal/e2ee"
	"github.com/petervdpas/peerlink/internal/storage"
)

type recordingSender struct {
	sent   []string
	failAt int // 1-based send index that fails; 0 never
}

func (r *recordingSender) Send(b []byte) (e2ee.Envelope, error) {
	if r.failAt != 0 && len(r.sent)+1 == r.failAt {
		r.failAt = 0
		return e2ee.Envelope{}, errors.New("channel closed")
	}
	content, err := DecodeWire(b)
	if err != nil {
		return e2ee.Envelope{}, err
	}
	r.sent = append(r.sent, content)
	return e2ee.Envelope{}, nil
}

// brokenStore fails every write.
type brokenStore struct{ *storage.Memory }

func (brokenStore) Put(storage.Record) (int64, error) { return 0, errors.New("disk full") }

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewQueue(db, 0)
}

// seed inserts pending messages with explicit timestamps.
func seed(t *testing.T, q *Queue, to string, items map[int64]string) {
	t.Helper()
	for ts, content := range items {
		_, err := q.store.Put(storage.Record{From: "alice", To: to, Content: content, Timestamp: ts, Status: storage.StatusPending})
		require.NoError(t, err)
	}
}

func TestDrainIdempotent(t *testing.T) {
	q := newTestQueue(t)
	seed(t, q, "bob", map[int64]string{100: "m1", 200: "m2"})

	s := &recordingSender{}
	n, err := q.DrainPendingFor("bob", s)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = q.DrainPendingFor("bob", s)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{"m1", "m2"}, s.sent)
}

func TestDrainStopsAtFirstFailure(t *testing.T) {
	q := newTestQueue(t)
	seed(t, q, "bob", map[int64]string{200: "m2", 100: "m1"})

	s := &recordingSender{failAt: 1}
	n, err := q.DrainPendingFor("bob", s)
	assert.Error(t, err)
	assert.Zero(t, n)
	assert.Empty(t, s.sent, "m2 must not be attempted after m1 failed")

	pending, err := q.PendingFor("bob")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "m1", pending[0].Content)

	n, err = q.DrainPendingFor("bob", s)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"m1", "m2"}, s.sent)
}

func TestDrainScopedToPeer(t *testing.T) {
	q := newTestQueue(t)
	seed(t, q, "bob", map[int64]string{100: "for bob"})
	seed(t, q, "carol", map[int64]string{50: "for carol"})

	s := &recordingSender{}
	_, err := q.DrainPendingFor("bob", s)
	require.NoError(t, err)
	assert.Equal(t, []string{"for bob"}, s.sent)

	left, err := q.PendingFor("carol")
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestEnqueueFallsBackToMemory(t *testing.T) {
	q := NewQueue(brokenStore{storage.NewMemory(10)}, 10)
	m, err := q.Enqueue("alice", "bob", "hello")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.NotNil(t, m)
	assert.Less(t, m.ID, int64(0))

	s := &recordingSender{}
	n, err := q.DrainPendingFor("bob", s)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"hello"}, s.sent)
}

func TestLoadConversationAndNotify(t *testing.T) {
	q := newTestQueue(t)
	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	_, err := q.Record("alice", "bob", "hi", storage.StatusSent)
	require.NoError(t, err)
	_, err = q.Record("bob", "alice", "hey", storage.StatusReceived)
	require.NoError(t, err)
	_, err = q.Enqueue("alice", "bob", "later")
	require.NoError(t, err)
	_, err = q.Record("alice", "bob", "nope", storage.StatusPending)
	assert.Error(t, err)

	conv, err := q.LoadConversation("bob", "alice")
	require.NoError(t, err)
	require.Len(t, conv, 3)
	assert.Equal(t, storage.StatusSent, conv[0].Status)
	assert.Equal(t, storage.StatusReceived, conv[1].Status)
	assert.Equal(t, storage.StatusPending, conv[2].Status)

	first := <-ch
	assert.Equal(t, "hi", first.Content)
}

func TestWireRoundTrip(t *testing.T) {
	content, err := DecodeWire(EncodeWire(&Message{Content: "yo"}))
	require.NoError(t, err)
	assert.Equal(t, "yo", content)

	_, err = DecodeWire([]byte(`{"type":"typing"}`))
	assert.Error(t, err)
}
