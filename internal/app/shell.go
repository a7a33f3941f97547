package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell/v2"

	"github.com/petervdpas/peerlink/internal/chat"
	"github.com/petervdpas/peerlink/internal/util"
)

const commandTimeout = 5 * time.Second

func newShell(rt *peerRuntime, logs *util.LogBuffer) *ishell.Shell {
	shell := ishell.New()
	shell.SetPrompt("peerlink> ")
	shell.Println("peerlink interactive shell (type help)")

	for _, cmd := range shellCommands(rt, logs) {
		shell.AddCmd(cmd)
	}
	return shell
}

// run executes fn with a bounded context and reports its error.
func run(c *ishell.Context, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		c.Err(err)
	}
}

func onOff(args []string) (bool, error) {
	if len(args) != 1 {
		return false, errors.New("expected on or off")
	}
	switch strings.ToLower(args[0]) {
	case "on", "true", "yes":
		return true, nil
	case "off", "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", args[0])
}

func shellCommands(rt *peerRuntime, logs *util.LogBuffer) []*ishell.Cmd {
	p := rt.peer
	return []*ishell.Cmd{
		{
			Name: "register",
			Help: "register <id>: claim an identifier at the relay",
			Func: func(c *ishell.Context) {
				if len(c.Args) != 1 {
					c.Println("usage: register <id>")
					return
				}
				run(c, func(ctx context.Context) error { return p.Register(ctx, c.Args[0]) })
			},
		},
		{
			Name: "call",
			Help: "call <peer>: connect to a peer",
			Func: func(c *ishell.Context) {
				if len(c.Args) != 1 {
					c.Println("usage: call <peer>")
					return
				}
				run(c, func(ctx context.Context) error { return p.Call(ctx, c.Args[0]) })
			},
		},
		{
			Name: "accept",
			Help: "accept the pending incoming call",
			Func: func(c *ishell.Context) {
				run(c, p.Accept)
			},
		},
		{
			Name: "decline",
			Help: "decline the pending incoming call",
			Func: func(c *ishell.Context) {
				run(c, p.Decline)
			},
		},
		{
			Name: "hangup",
			Help: "end the current session",
			Func: func(c *ishell.Context) {
				run(c, p.Hangup)
			},
		},
		{
			Name: "send",
			Help: "send <text>: send a message to the current peer",
			Func: func(c *ishell.Context) {
				text := strings.Join(c.Args, " ")
				run(c, func(ctx context.Context) error {
					m, err := p.Send(ctx, text)
					if errors.Is(err, chat.ErrStoreUnavailable) {
						c.Println("warning: message kept in memory only")
						err = nil
					}
					if m != nil {
						c.Println(formatMessage(m))
					}
					return err
				})
			},
		},
		{
			Name: "resend",
			Help: "resend [peer]: deliver pending messages now",
			Func: func(c *ishell.Context) {
				peer := ""
				if len(c.Args) > 0 {
					peer = c.Args[0]
				}
				run(c, func(ctx context.Context) error { return p.Resend(ctx, peer) })
			},
		},
		{
			Name: "history",
			Help: "history [peer]: show the conversation",
			Func: func(c *ishell.Context) {
				peer := ""
				if len(c.Args) > 0 {
					peer = c.Args[0]
				}
				msgs, err := p.History(peer)
				if err != nil && len(msgs) == 0 {
					c.Err(err)
					return
				}
				for _, m := range msgs {
					c.Println(formatMessage(m))
				}
				if len(msgs) == 0 {
					c.Println("no messages")
				}
			},
		},
		{
			Name: "status",
			Help: "show session state",
			Func: func(c *ishell.Context) {
				s := p.Snapshot()
				c.Printf("local:   %s (relay up: %v)\n", orDash(s.LocalID), s.RelayUp)
				c.Printf("remote:  %s (online: %v)\n", orDash(s.RemoteID), s.RemoteOnline)
				c.Printf("phase:   %s\n", s.Phase)
				if s.SafetyCode != "" {
					c.Printf("safety:  %s\n", s.SafetyCode)
				}
				if s.IncomingFrom != "" {
					c.Printf("incoming call from %s\n", s.IncomingFrom)
				}
				if s.LastReason != "" {
					c.Printf("last:    %s (%s)\n", s.LastTerminal, s.LastReason)
				}
				ready, why := s.SendReadiness()
				c.Printf("send:    %v (%s)\n", ready, why)
				c.Printf("queue offline: %v, auto accept: %v\n", s.QueueOffline, s.AutoAccept)
			},
		},
		{
			Name: "contacts",
			Help: "list peers with a completed key exchange",
			Func: func(c *ishell.Context) {
				if rt.db == nil {
					c.Println("no database; contacts are not kept")
					return
				}
				list, err := rt.db.ListContacts()
				if err != nil {
					c.Err(err)
					return
				}
				for _, ct := range list {
					c.Printf("%-20s %s  sessions=%d  last=%s\n", ct.PeerID, ct.SafetyCode, ct.Sessions,
						ct.LastSeen.Local().Format(time.DateTime))
				}
			},
		},
		{
			Name: "queue",
			Help: "queue on|off: queue messages for offline peers",
			Func: func(c *ishell.Context) {
				v, err := onOff(c.Args)
				if err != nil {
					c.Err(err)
					return
				}
				p.SetQueueOffline(v)
			},
		},
		{
			Name: "autoaccept",
			Help: "autoaccept on|off: answer incoming calls without asking",
			Func: func(c *ishell.Context) {
				v, err := onOff(c.Args)
				if err != nil {
					c.Err(err)
					return
				}
				p.SetAutoAccept(v)
			},
		},
		{
			Name: "logs",
			Help: "logs [n]: show the last n log lines",
			Func: func(c *ishell.Context) {
				n := 20
				if len(c.Args) > 0 {
					if v, err := strconv.Atoi(c.Args[0]); err == nil && v > 0 {
						n = v
					}
				}
				entries := logs.Snapshot()
				if len(entries) > n {
					entries = entries[len(entries)-n:]
				}
				for _, e := range entries {
					c.Println(e.TS.Format("15:04:05"), e.Msg)
				}
			},
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
