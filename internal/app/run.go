package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/peerlink/internal/chat"
	"github.com/petervdpas/peerlink/internal/config"
	"github.com/petervdpas/peerlink/internal/e2ee"
	"github.com/petervdpas/peerlink/internal/rendezvous"
	"github.com/petervdpas/peerlink/internal/session"
	"github.com/petervdpas/peerlink/internal/storage"
	"github.com/petervdpas/peerlink/internal/transport"
	"github.com/petervdpas/peerlink/internal/util"
)

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config

	// RelayOnly runs the relay without a local peer.
	RelayOnly bool

	// Interactive attaches a shell to stdin. Without it the peer runs
	// headless and notices go to the log.
	Interactive bool

	// Transport replaces the WebRTC provider; used by tests.
	Transport transport.Provider
}

func Run(ctx context.Context, opt Options) error {
	logBuf := util.NewLogBuffer(800)
	if opt.Interactive {
		// The shell owns the terminal; logs stay reachable through "logs".
		log.SetOutput(logBuf)
	} else {
		log.SetOutput(io.MultiWriter(os.Stderr, logBuf))
	}

	logBanner(opt.Dir, opt.CfgPath)

	cfg := opt.Cfg
	if cfg.Rendezvous.Host || opt.RelayOnly {
		srv, err := startRelay(ctx, cfg, logBuf)
		if err != nil {
			return err
		}
		log.Println("────────────────────────────────────────────────────────")
		log.Printf("🌐 Signaling relay: %s", srv.URL())
		log.Println("────────────────────────────────────────────────────────")
		if opt.RelayOnly {
			log.Printf("mode: relay-only")
			<-ctx.Done()
			return nil
		}
	}

	rt, err := startPeer(ctx, runPeerOpts{
		Dir:       opt.Dir,
		CfgPath:   opt.CfgPath,
		Cfg:       cfg,
		Transport: opt.Transport,
	})
	if err != nil {
		return err
	}
	defer rt.close()

	// Notices stop before rt.close so no contact is written to a closed store.
	noticeCtx, stopNotices := context.WithCancel(ctx)
	printed := make(chan struct{})
	defer func() {
		stopNotices()
		<-printed
	}()

	if opt.Interactive {
		sh := newShell(rt, logBuf)
		go func() {
			<-ctx.Done()
			sh.Close()
		}()
		go func() {
			defer close(printed)
			rt.printNotices(noticeCtx, sh.Println)
		}()
		sh.Run()
		return nil
	}

	go func() {
		defer close(printed)
		rt.printNotices(noticeCtx, func(a ...interface{}) { log.Println(a...) })
	}()
	<-ctx.Done()
	return nil
}

func logBanner(dir, cfgPath string) {
	log.Println("────────────────────────────────────────────────────────")
	log.Printf("peerlink directory: %s", dir)
	log.Printf("config:             %s", cfgPath)
	log.Println("────────────────────────────────────────────────────────")
}

func startRelay(ctx context.Context, cfg config.Config, logs *util.LogBuffer) (*rendezvous.Server, error) {
	bind := cfg.Rendezvous.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	r := cfg.Rendezvous
	srv := rendezvous.New(rendezvous.Options{
		Addr:            fmt.Sprintf("%s:%d", bind, r.Port),
		AdminPassword:   r.AdminPassword,
		SendQueue:       r.SendQueue,
		PingInterval:    time.Duration(r.PingSeconds) * time.Second,
		ReadTimeout:     time.Duration(r.ReadTimeoutSeconds) * time.Second,
		MaxMessageBytes: r.MaxMessageBytes,
		Logs:            logs,
	})
	if err := srv.Start(ctx); err != nil {
		return nil, fmt.Errorf("start relay: %w", err)
	}
	return srv, nil
}

type runPeerOpts struct {
	Dir       string
	CfgPath   string
	Cfg       config.Config
	RelayURL  string // overrides the config
	Transport transport.Provider
}

// peerRuntime is everything a running peer owns.
type peerRuntime struct {
	db      *storage.DB // nil when the database could not be opened
	queue   *chat.Queue
	peer    *session.Peer
	client  *rendezvous.Client
	notices <-chan session.Notice

	cancel    context.CancelFunc
	stopped   chan struct{} // closed when the session loop has exited
	closeOnce sync.Once
}

func startPeer(ctx context.Context, o runPeerOpts) (*peerRuntime, error) {
	cfg := o.Cfg

	relayURL := o.RelayURL
	if relayURL == "" {
		relayURL = cfg.RelayURL()
	}
	if relayURL == "" {
		return nil, errors.New("no relay configured: set rendezvous.url or rendezvous.host")
	}

	suite, err := e2ee.ParseSuite(cfg.Crypto.Suite)
	if err != nil {
		return nil, err
	}

	rt := &peerRuntime{}

	// ── Message store (memory only if the database is unusable)
	dbDir := util.ResolvePath(o.Dir, cfg.Messaging.DBPath)
	if db, err := storage.Open(dbDir); err != nil {
		log.Printf("STORE: cannot open database, keeping messages in memory: %v", err)
	} else {
		rt.db = db
		log.Printf("STORE: messages in %s", db.Path())
	}
	if rt.db != nil {
		rt.queue = chat.NewQueue(rt.db, cfg.Messaging.MemoryFallbackCap)
	} else {
		rt.queue = chat.NewQueue(nil, cfg.Messaging.MemoryFallbackCap)
	}

	// ── Point-to-point transport
	prov := o.Transport
	if prov == nil {
		servers := make([]transport.ICEServer, 0, len(cfg.Transport.ICEServers))
		for _, s := range cfg.Transport.ICEServers {
			servers = append(servers, transport.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
		}
		w, err := transport.NewWebRTC(servers)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("webrtc: %w", err)
		}
		prov = w
	}

	// ── Relay link and session
	rt.client = rendezvous.NewClient(relayURL)
	if cfg.Rendezvous.ReconnectSeconds > 0 {
		rt.client.MaxBackoff = time.Duration(cfg.Rendezvous.ReconnectSeconds) * time.Second
	}
	rt.peer = session.NewPeer(session.Options{
		Suite:        suite,
		QueueOffline: cfg.Messaging.QueueOffline,
		AutoAccept:   cfg.Messaging.AutoAccept,
	}, rt.client, prov, rt.queue)

	rt.client.OnSignal(rt.peer.HandleSignal)
	rt.client.OnConnect(rt.peer.RelayConnected)
	rt.client.OnDisconnect(func(error) { rt.peer.RelayLost() })

	// Subscribed before registering so the first notice is not missed.
	rt.notices = rt.peer.Subscribe()

	runCtx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	rt.stopped = make(chan struct{})
	go func() {
		defer close(rt.stopped)
		rt.peer.Run(runCtx)
	}()
	go rt.client.Run(runCtx)

	if id := cfg.Identity.PeerID; id != "" {
		if err := rt.peer.Register(ctx, id); err != nil {
			rt.close()
			return nil, fmt.Errorf("register %s: %w", id, err)
		}
	}

	if o.CfgPath != "" {
		err := config.Watch(runCtx, o.CfgPath, func(c config.Config) {
			rt.peer.SetQueueOffline(c.Messaging.QueueOffline)
			rt.peer.SetAutoAccept(c.Messaging.AutoAccept)
		})
		if err != nil {
			log.Printf("CONFIG: hot reload disabled: %v", err)
		}
	}

	log.Printf("peer started, relay %s", relayURL)
	return rt, nil
}

// close stops the session loop and the relay link, then closes the store.
func (rt *peerRuntime) close() {
	rt.closeOnce.Do(func() {
		if rt.cancel != nil {
			rt.cancel()
			<-rt.stopped
		}
		if rt.db != nil {
			_ = rt.db.Close()
		}
	})
}

// printNotices forwards session notices to out and records contacts.
func (rt *peerRuntime) printNotices(ctx context.Context, out func(...interface{})) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-rt.notices:
			if !ok {
				return
			}
			if db := rt.db; n.Kind == session.NoticeSecure && db != nil {
				if err := db.TouchContact(n.Peer, n.SafetyCode); err != nil {
					log.Printf("STORE: contact %s not saved: %v", n.Peer, err)
				}
			}
			if line := formatNotice(n); line != "" {
				out(line)
			}
		}
	}
}

func formatNotice(n session.Notice) string {
	switch n.Kind {
	case session.NoticePhase:
		return ""
	case session.NoticeMessage:
		if n.Message == nil {
			return ""
		}
		return formatMessage(n.Message)
	case session.NoticeIncoming:
		return fmt.Sprintf("📞 %s (type accept or decline)", n.Text)
	case session.NoticeSecure:
		return fmt.Sprintf("🔒 %s: %s", n.Peer, n.Text)
	case session.NoticeEnded:
		return fmt.Sprintf("session with %s %s: %s", n.Peer, n.Phase, n.Text)
	case session.NoticeError:
		if n.Err != nil && !strings.Contains(n.Text, n.Err.Error()) {
			return fmt.Sprintf("error: %s (%v)", n.Text, n.Err)
		}
		return "error: " + n.Text
	case session.NoticeWarning:
		return "warning: " + n.Text
	}
	return n.Text
}

func formatMessage(m *chat.Message) string {
	mark := ""
	switch m.Status {
	case storage.StatusPending:
		mark = " (pending)"
	case storage.StatusSent:
		mark = " ✓"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.Time().Format("15:04:05"), m.From, m.Content, mark)
}
