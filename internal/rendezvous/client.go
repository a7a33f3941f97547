package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/peerlink/internal/proto"
	"github.com/petervdpas/peerlink/internal/util"
)

// ErrNotConnected is returned by Send while no relay connection is open.
var ErrNotConnected = errors.New("not connected to signaling server")

const (
	minBackoff        = 250 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
	clientReadTimeout = 90 * time.Second
)

// Client keeps one websocket connection to the relay open, redialing with
// backoff when it drops. Callbacks run on the client's read goroutine.
type Client struct {
	URL        string
	Dialer     *websocket.Dialer
	MaxBackoff time.Duration

	onSignal     func(proto.Signal)
	onConnect    func()
	onDisconnect func(error)

	mu sync.Mutex // guards ws and serializes writes
	ws *websocket.Conn
}

func NewClient(url string) *Client {
	return &Client{
		URL: strings.TrimSpace(url),
		Dialer: &websocket.Dialer{
			HandshakeTimeout: util.DefaultDialTimeout,
		},
		MaxBackoff: defaultMaxBackoff,
	}
}

// OnSignal, OnConnect and OnDisconnect must be set before Run.
func (c *Client) OnSignal(fn func(proto.Signal)) { c.onSignal = fn }
func (c *Client) OnConnect(fn func())            { c.onConnect = fn }
func (c *Client) OnDisconnect(fn func(error))    { c.onDisconnect = fn }

// Connected reports whether a relay connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Send writes one signal to the relay.
func (c *Client) Send(sig proto.Signal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(util.DefaultWriteTimeout))
	return c.ws.WriteJSON(sig)
}

// Run dials the relay and reads from it until ctx is cancelled, reconnecting
// with a doubling backoff after each failure.
func (c *Client) Run(ctx context.Context) {
	if c.URL == "" {
		return
	}
	maxBackoff := c.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}

	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		connected, err := c.runOnce(ctx)
		if connected {
			backoff = minBackoff
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil && !connected {
			log.Printf("SIGNAL: dial %s failed: %v", c.URL, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

func (c *Client) runOnce(ctx context.Context) (bool, error) {
	dctx, cancel := context.WithTimeout(ctx, util.DefaultDialTimeout)
	ws, _, err := c.Dialer.DialContext(dctx, c.URL, nil)
	cancel()
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	log.Printf("SIGNAL: connected to %s", c.URL)

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-stop:
		}
	}()

	_ = ws.SetReadDeadline(time.Now().Add(clientReadTimeout))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(clientReadTimeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(util.DefaultWriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	if c.onConnect != nil {
		c.onConnect()
	}

	var readErr error
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(clientReadTimeout))
		var sig proto.Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			log.Printf("SIGNAL: dropping malformed message: %v", err)
			continue
		}
		if c.onSignal != nil {
			c.onSignal(sig)
		}
	}

	close(stop)
	c.mu.Lock()
	c.ws = nil
	c.mu.Unlock()
	_ = ws.Close()

	log.Printf("SIGNAL: connection to %s lost: %v", c.URL, readErr)
	if c.onDisconnect != nil {
		c.onDisconnect(readErr)
	}
	return true, readErr
}
