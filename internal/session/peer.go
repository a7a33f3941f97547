package session

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/petervdpas/peerlink/internal/chat"
	"github.com/petervdpas/peerlink/internal/proto"
	"github.com/petervdpas/peerlink/internal/transport"
)

// ErrStopped is returned by calls made after the peer's loop has exited.
var ErrStopped = errors.New("peer stopped")

// NoticeKind classifies user-facing notices.
type NoticeKind int

const (
	NoticeInfo NoticeKind = iota
	NoticeWarning
	NoticeError
	NoticePhase    // Phase holds the new phase
	NoticeIncoming // an offer waits for Accept or Decline
	NoticeSecure   // key exchange finished
	NoticeMessage  // Message holds a received message
	NoticeEnded    // Phase holds the terminal phase
)

// Notice is something the user should see.
type Notice struct {
	Kind       NoticeKind
	Text       string
	Peer       string
	Phase      Phase
	SafetyCode string
	Message    *chat.Message
	Err        error
}

// Peer runs a Machine on its own goroutine. Relay messages, transport
// callbacks and user calls are queued and applied strictly one at a time.
type Peer struct {
	m     *Machine
	queue *chat.Queue

	mu     sync.Mutex
	events []Event
	snap   Snapshot
	wake   chan struct{}
	done   chan struct{}

	lmu       sync.RWMutex
	listeners []chan Notice
}

func NewPeer(opt Options, sig Signaler, prov transport.Provider, queue *chat.Queue) *Peer {
	if queue == nil {
		queue = chat.NewQueue(nil, 0)
	}
	p := &Peer{
		queue: queue,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	p.m = NewMachine(opt, sig, prov, queue, p.post, p.emit)
	p.snap = p.m.Snapshot()
	return p
}

// post queues ev without blocking. It is safe from any goroutine, including
// transport callbacks fired while the loop is inside Apply.
func (p *Peer) post(ev Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Peer) next() (Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return Event{}, false
	}
	ev := p.events[0]
	p.events[0] = Event{}
	p.events = p.events[1:]
	return ev, true
}

// Run processes events until ctx ends, then drops the transport.
func (p *Peer) Run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			p.m.Close()
			p.flush()
			return
		case <-p.wake:
		}
		for {
			ev, ok := p.next()
			if !ok {
				break
			}
			p.apply(ev)
		}
	}
}

func (p *Peer) flush() {
	for {
		ev, ok := p.next()
		if !ok {
			return
		}
		if ev.reply != nil {
			ev.reply <- Result{Err: ErrStopped}
		}
	}
}

func (p *Peer) apply(ev Event) {
	res := p.m.Apply(ev)
	snap := p.m.Snapshot()
	p.mu.Lock()
	p.snap = snap
	p.mu.Unlock()

	if res.Changed() {
		if res.From != res.To {
			log.Printf("SESSION [%s]: %s -> %s on %s", snap.LocalID, res.From, res.To, ev.Kind)
		}
		p.emit(Notice{Kind: NoticePhase, Phase: res.To, Peer: snap.RemoteID})
	}
	if ev.reply != nil {
		ev.reply <- res
	}
}

func (p *Peer) do(ctx context.Context, ev Event) Result {
	ev.reply = make(chan Result, 1)
	p.post(ev)
	select {
	case r := <-ev.reply:
		return r
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	case <-p.done:
		return Result{Err: ErrStopped}
	}
}

// Register claims id at the relay. Success or conflict arrives as a notice.
func (p *Peer) Register(ctx context.Context, id string) error {
	return p.do(ctx, Event{Kind: EvRegister, Peer: id}).Err
}

// Call starts a liveness check for target and, if it is online, an offer.
func (p *Peer) Call(ctx context.Context, target string) error {
	return p.do(ctx, Event{Kind: EvCall, Peer: target}).Err
}

func (p *Peer) Accept(ctx context.Context) error {
	return p.do(ctx, Event{Kind: EvAccept}).Err
}

func (p *Peer) Decline(ctx context.Context) error {
	return p.do(ctx, Event{Kind: EvDecline}).Err
}

func (p *Peer) Hangup(ctx context.Context) error {
	return p.do(ctx, Event{Kind: EvHangup}).Err
}

// Send delivers content live or queues it. A returned message together with
// chat.ErrStoreUnavailable means it is held in memory only.
func (p *Peer) Send(ctx context.Context, content string) (*chat.Message, error) {
	r := p.do(ctx, Event{Kind: EvSend, Text: content})
	return r.Message, r.Err
}

// Resend drains pending messages for peer (the current remote if empty).
func (p *Peer) Resend(ctx context.Context, peer string) error {
	return p.do(ctx, Event{Kind: EvResend, Peer: peer}).Err
}

// History returns the conversation between the local peer and peer.
func (p *Peer) History(peer string) ([]*chat.Message, error) {
	s := p.Snapshot()
	if peer == "" {
		peer = s.RemoteID
	}
	if s.LocalID == "" || peer == "" {
		return nil, ErrInvalidTarget
	}
	return p.queue.LoadConversation(s.LocalID, peer)
}

func (p *Peer) SetQueueOffline(v bool) { p.post(Event{Kind: EvSetQueueOffline, Flag: v}) }
func (p *Peer) SetAutoAccept(v bool)   { p.post(Event{Kind: EvSetAutoAccept, Flag: v}) }

// HandleSignal feeds one relay message into the session.
func (p *Peer) HandleSignal(sig proto.Signal) {
	if ev, ok := EventFromSignal(sig); ok {
		p.post(ev)
	}
}

func (p *Peer) RelayConnected() { p.post(Event{Kind: EvRelayConnected}) }
func (p *Peer) RelayLost()      { p.post(Event{Kind: EvRelayLost}) }

func (p *Peer) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// SendReadiness reports whether Send would currently succeed or queue.
func (p *Peer) SendReadiness() (bool, string) {
	return p.Snapshot().SendReadiness()
}

// Subscribe returns a channel that receives notices.
func (p *Peer) Subscribe() <-chan Notice {
	p.lmu.Lock()
	defer p.lmu.Unlock()

	ch := make(chan Notice, 32)
	p.listeners = append(p.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel
func (p *Peer) Unsubscribe(ch <-chan Notice) {
	p.lmu.Lock()
	defer p.lmu.Unlock()

	for i, listener := range p.listeners {
		if listener == ch {
			close(listener)
			p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
			return
		}
	}
}

func (p *Peer) emit(n Notice) {
	p.lmu.RLock()
	defer p.lmu.RUnlock()
	for _, ch := range p.listeners {
		select {
		case ch <- n:
		default:
			// Listener is slow, skip
		}
	}
}
