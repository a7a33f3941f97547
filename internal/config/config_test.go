package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "aes-gcm", cfg.Crypto.Suite)
	assert.True(t, cfg.Messaging.QueueOffline)
	assert.Len(t, cfg.Transport.ICEServers, 7)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"peer id with space":  func(c *Config) { c.Identity.PeerID = "a b" },
		"padded peer id":      func(c *Config) { c.Identity.PeerID = " alice" },
		"bad port":            func(c *Config) { c.Rendezvous.Host = true; c.Rendezvous.Port = 70000 },
		"bad bind":            func(c *Config) { c.Rendezvous.Host = true; c.Rendezvous.Bind = "localhost" },
		"http relay url":      func(c *Config) { c.Rendezvous.URL = "http://relay.example.org/ws" },
		"ping after timeout":  func(c *Config) { c.Rendezvous.PingSeconds = 90 },
		"ice without urls":    func(c *Config) { c.Transport.ICEServers = []ICEServer{{}} },
		"ice with http url":   func(c *Config) { c.Transport.ICEServers = []ICEServer{{URLs: []string{"http://x"}}} },
		"unknown suite":       func(c *Config) { c.Crypto.Suite = "rot13" },
		"empty db path":       func(c *Config) { c.Messaging.DBPath = " " },
		"negative memory cap": func(c *Config) { c.Messaging.MemoryFallbackCap = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRelayURL(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.RelayURL())

	cfg.Rendezvous.Host = true
	cfg.Rendezvous.Bind = "0.0.0.0"
	assert.Equal(t, "ws://127.0.0.1:8787/ws", cfg.RelayURL())

	cfg.Rendezvous.URL = "wss://relay.example.org/ws"
	assert.Equal(t, "wss://relay.example.org/ws", cfg.RelayURL())
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default(), cfg)

	cfg.Identity.PeerID = "alice"
	require.NoError(t, Save(path, cfg))

	got, created, err := Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "alice", got.Identity.PeerID)
}

func TestLoadStripsBOMAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"crypto":{"suite":"chacha20poly1305"}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "chacha20poly1305", cfg.Crypto.Suite)
	assert.Equal(t, 8787, cfg.Rendezvous.Port)
}

func TestSaveRefusesInvalid(t *testing.T) {
	cfg := Default()
	cfg.Crypto.Suite = "none"
	assert.Error(t, Save(filepath.Join(t.TempDir(), FileName), cfg))
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	_, _, err := Ensure(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 4)
	require.NoError(t, Watch(ctx, path, func(c Config) { got <- c }))

	// Invalid content is skipped.
	require.NoError(t, os.WriteFile(path, []byte(`{"crypto":{"suite":"rot13"}}`), 0o644))
	time.Sleep(3 * reloadDelay)

	cfg := Default()
	cfg.Messaging.QueueOffline = false
	require.NoError(t, Save(path, cfg))

	select {
	case c := <-got:
		assert.False(t, c.Messaging.QueueOffline)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload")
	}
}
