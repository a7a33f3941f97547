package storage

import (
	"time"
)

// Contact is a remote peer this client has completed a session with.
type Contact struct {
	PeerID     string
	SafetyCode string // code shown for the most recent session
	Sessions   int
	LastSeen   time.Time
}

// TouchContact records a completed handshake with peerID.
func (d *DB) TouchContact(peerID, safetyCode string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _contacts (peer_id, safety_code, sessions, last_seen)
		VALUES (?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(peer_id) DO UPDATE SET
			safety_code = excluded.safety_code,
			sessions    = _contacts.sessions + 1,
			last_seen   = CURRENT_TIMESTAMP`,
		peerID, safetyCode,
	)
	return err
}

// ListContacts returns known contacts, most recently seen first.
func (d *DB) ListContacts() ([]Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT peer_id, safety_code, sessions, last_seen
		FROM _contacts ORDER BY last_seen DESC, peer_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Contact
	for rows.Next() {
		var c Contact
		var lastSeen string
		if err := rows.Scan(&c.PeerID, &c.SafetyCode, &c.Sessions, &lastSeen); err != nil {
			return nil, err
		}
		c.LastSeen, _ = time.Parse("2006-01-02 15:04:05", lastSeen)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteContact forgets a peer. Its messages are kept.
func (d *DB) DeleteContact(peerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM _contacts WHERE peer_id = ?`, peerID)
	return err
}
