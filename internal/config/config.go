package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/peerlink/internal/e2ee"
	"github.com/petervdpas/peerlink/internal/util"
)

// FileName is the config file looked up in a peer or relay directory.
const FileName = "peerlink.json"

type Config struct {
	Identity   Identity   `json:"identity"`
	Rendezvous Rendezvous `json:"rendezvous"`
	Transport  Transport  `json:"transport"`
	Crypto     Crypto     `json:"crypto"`
	Messaging  Messaging  `json:"messaging"`
}

type Identity struct {
	// Identifier registered at the relay. Empty means ask on startup.
	PeerID string `json:"peer_id"`
}

type Rendezvous struct {
	// If true, run a relay on Bind:Port.
	Host bool   `json:"host"`
	Bind string `json:"bind"`
	Port int    `json:"port"`

	// WebSocket URL of the relay a peer joins, e.g. ws://1.2.3.4:8787/ws.
	// Empty with Host=true means the local relay.
	URL string `json:"url"`

	// Password for /peers.json and /logs.json (HTTP Basic Auth, user: "admin").
	// Empty means the admin endpoints are disabled.
	AdminPassword string `json:"admin_password"`

	SendQueue          int   `json:"send_queue"`
	PingSeconds        int   `json:"ping_seconds"`
	ReadTimeoutSeconds int   `json:"read_timeout_seconds"`
	ReconnectSeconds   int   `json:"reconnect_seconds"` // upper bound of the client backoff
	MaxMessageBytes    int64 `json:"max_message_bytes"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Transport struct {
	ICEServers []ICEServer `json:"ice_servers"`
}

type Crypto struct {
	Suite string `json:"suite"` // aes-gcm or chacha20poly1305
}

type Messaging struct {
	QueueOffline      bool   `json:"queue_offline"`
	AutoAccept        bool   `json:"auto_accept"`
	DBPath            string `json:"db_path"` // relative to the peer directory
	MemoryFallbackCap int    `json:"memory_fallback_cap"`
}

func Default() Config {
	return Config{
		Rendezvous: Rendezvous{
			Host:               false,
			Bind:               "127.0.0.1",
			Port:               8787,
			SendQueue:          64,
			PingSeconds:        30,
			ReadTimeoutSeconds: 60,
			ReconnectSeconds:   5,
			MaxMessageBytes:    64 << 10,
		},
		Transport: Transport{
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
				{URLs: []string{"stun:stun1.l.google.com:19302"}},
				{URLs: []string{"stun:stun2.l.google.com:19302"}},
				{URLs: []string{"stun:stun3.l.google.com:19302"}},
				{URLs: []string{"stun:stun4.l.google.com:19302"}},
				{URLs: []string{"stun:freestun.net:3478"}},
				{URLs: []string{"turn:freestun.net:3478"}, Username: "free", Credential: "free"},
			},
		},
		Crypto: Crypto{
			Suite: string(e2ee.SuiteAESGCM),
		},
		Messaging: Messaging{
			QueueOffline:      true,
			AutoAccept:        true,
			DBPath:            "data",
			MemoryFallbackCap: 500,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if id := c.Identity.PeerID; id != "" {
		norm, err := util.ValidatePeerName(id)
		if err != nil {
			return fmt.Errorf("identity.peer_id: %w", err)
		}
		if norm != id {
			return errors.New("identity.peer_id must not have surrounding whitespace")
		}
	}

	// Rendezvous
	if c.Rendezvous.Host {
		if c.Rendezvous.Port <= 0 || c.Rendezvous.Port > 65535 {
			return errors.New("rendezvous.port must be 1..65535 when rendezvous.host is enabled")
		}
		if b := c.Rendezvous.Bind; b != "" && net.ParseIP(b) == nil {
			return errors.New("rendezvous.bind must be a valid IP address")
		}
	}
	if u := strings.TrimSpace(c.Rendezvous.URL); u != "" {
		if err := validateRelayURL(u); err != nil {
			return fmt.Errorf("rendezvous.url: %w", err)
		}
	}
	if c.Rendezvous.SendQueue < 0 {
		return errors.New("rendezvous.send_queue must be >= 0")
	}
	if c.Rendezvous.PingSeconds < 0 || c.Rendezvous.ReadTimeoutSeconds < 0 || c.Rendezvous.ReconnectSeconds < 0 {
		return errors.New("rendezvous timings must be >= 0")
	}
	if c.Rendezvous.PingSeconds > 0 && c.Rendezvous.ReadTimeoutSeconds > 0 &&
		c.Rendezvous.PingSeconds >= c.Rendezvous.ReadTimeoutSeconds {
		return errors.New("rendezvous.ping_seconds must be < rendezvous.read_timeout_seconds")
	}
	if c.Rendezvous.MaxMessageBytes < 0 {
		return errors.New("rendezvous.max_message_bytes must be >= 0")
	}

	// Transport
	for i, s := range c.Transport.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("transport.ice_servers[%d]: urls is required", i)
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") &&
				!strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("transport.ice_servers[%d]: %q is not a stun or turn url", i, u)
			}
		}
	}

	// Crypto
	if _, err := e2ee.ParseSuite(c.Crypto.Suite); err != nil {
		return fmt.Errorf("crypto.suite: %w", err)
	}

	// Messaging
	if strings.TrimSpace(c.Messaging.DBPath) == "" {
		return errors.New("messaging.db_path is required")
	}
	if c.Messaging.MemoryFallbackCap < 0 {
		return errors.New("messaging.memory_fallback_cap must be >= 0")
	}

	return nil
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil && ip.IsUnspecified() {
		return errors.New("host must not be unspecified")
	}
	return nil
}

// RelayURL returns the relay a peer should join: the configured URL, or the
// local relay when this process hosts one.
func (c *Config) RelayURL() string {
	if u := strings.TrimSpace(c.Rendezvous.URL); u != "" {
		return u
	}
	if c.Rendezvous.Host {
		host := c.Rendezvous.Bind
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		return "ws://" + net.JoinHostPort(host, fmt.Sprint(c.Rendezvous.Port)) + "/ws"
	}
	return ""
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
