package session

// Phase is the lifecycle phase of the local peer's session.
type Phase int

const (
	Idle Phase = iota
	Registering
	Registered
	CheckingOnline
	Offering
	Answering
	AwaitingTransport
	KeyExchanging
	Connected
	// Terminal phases are passed through on the way back to Registered and
	// are reported as a Transition's Terminal, never held.
	Disconnected
	Rejected
	Failed
)

var phaseNames = [...]string{
	Idle:              "idle",
	Registering:       "registering",
	Registered:        "registered",
	CheckingOnline:    "checking-online",
	Offering:          "offering",
	Answering:         "answering",
	AwaitingTransport: "awaiting-transport",
	KeyExchanging:     "key-exchanging",
	Connected:         "connected",
	Disconnected:      "disconnected",
	Rejected:          "rejected",
	Failed:            "failed",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// negotiating reports phases in which a session with a remote is being set
// up but no key exists yet.
func (p Phase) negotiating() bool {
	switch p {
	case CheckingOnline, Offering, Answering, AwaitingTransport, KeyExchanging:
		return true
	}
	return false
}

// active reports phases that belong to a session with a remote peer.
func (p Phase) active() bool {
	return p.negotiating() || p == Connected
}

// Transition describes what one applied event did to the phase. Terminal is
// set when the session ended on the way (Rejected, Failed or Disconnected).
type Transition struct {
	From     Phase
	To       Phase
	Terminal Phase
}

func (t Transition) Changed() bool { return t.From != t.To || t.Terminal != Idle }

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	LocalID      string `json:"local_id"`
	RemoteID     string `json:"remote_id"`
	Phase        Phase  `json:"phase"`
	RemoteOnline bool   `json:"remote_online"`
	RelayUp      bool   `json:"relay_up"`
	SessionID    string `json:"session_id,omitempty"`
	SafetyCode   string `json:"safety_code,omitempty"`
	IncomingFrom string `json:"incoming_from,omitempty"` // offer awaiting accept/decline
	LastTerminal Phase  `json:"last_terminal"`
	LastReason   string `json:"last_reason,omitempty"`
	QueueOffline bool   `json:"queue_offline"`
	AutoAccept   bool   `json:"auto_accept"`
	KeyReady     bool   `json:"key_ready"`
}

// SendReadiness reports whether a message typed now could go anywhere: live
// over an encrypted channel, or into the offline queue for the current remote.
func (s Snapshot) SendReadiness() (ready bool, reason string) {
	switch {
	case s.Phase == Connected && s.KeyReady:
		return true, "connected"
	case s.QueueOffline && s.RemoteID != "" && s.LocalID != "" && !s.RemoteOnline:
		return true, "queued for " + s.RemoteID
	case s.Phase == KeyExchanging:
		return false, "waiting for key exchange"
	case s.RemoteID == "":
		return false, "no remote peer"
	case !s.QueueOffline && !s.RemoteOnline:
		return false, "peer offline and queuing disabled"
	}
	return false, "not connected"
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }
