package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// Status is a message's delivery state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSent     Status = "sent"
	StatusReceived Status = "received"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusReceived:
		return true
	}
	return false
}

// Record is one stored chat message. Records are never deleted here.
type Record struct {
	ID        int64
	From      string
	To        string
	Content   string
	Timestamp int64 // unix millis
	Status    Status
}

// Put inserts rec and returns its assigned id. rec.ID is ignored.
func (d *DB) Put(rec Record) (int64, error) {
	if !rec.Status.Valid() {
		return 0, fmt.Errorf("put: unknown status %q", rec.Status)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(
		`INSERT INTO _messages (sender, recipient, content, ts, status) VALUES (?, ?, ?, ?, ?)`,
		rec.From, rec.To, rec.Content, rec.Timestamp, string(rec.Status),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (d *DB) Get(id int64) (Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var r Record
	var status string
	err := d.db.QueryRow(
		`SELECT id, sender, recipient, content, ts, status FROM _messages WHERE id = ?`, id,
	).Scan(&r.ID, &r.From, &r.To, &r.Content, &r.Timestamp, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	r.Status = Status(status)
	return r, nil
}

// QueryByConversation returns every message between a and b in either
// direction, oldest first.
func (d *DB) QueryByConversation(a, b string) ([]Record, error) {
	return d.query(`
		SELECT id, sender, recipient, content, ts, status FROM _messages
		WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		ORDER BY ts ASC, id ASC`, a, b, b, a)
}

// QueryByStatus returns every message with the given status, oldest first.
func (d *DB) QueryByStatus(status Status) ([]Record, error) {
	return d.query(`
		SELECT id, sender, recipient, content, ts, status FROM _messages
		WHERE status = ?
		ORDER BY ts ASC, id ASC`, string(status))
}

// QueryPendingFor returns pending messages addressed to peer, oldest first.
func (d *DB) QueryPendingFor(peer string) ([]Record, error) {
	return d.query(`
		SELECT id, sender, recipient, content, ts, status FROM _messages
		WHERE status = ? AND recipient = ?
		ORDER BY ts ASC, id ASC`, string(StatusPending), peer)
}

func (d *DB) query(q string, args ...any) ([]Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var status string
		if err := rows.Scan(&r.ID, &r.From, &r.To, &r.Content, &r.Timestamp, &status); err != nil {
			return nil, err
		}
		r.Status = Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateStatus moves a pending message to sent. The check and the write are
// one statement, so concurrent callers cannot both observe pending.
func (d *DB) UpdateStatus(id int64, status Status) error {
	if status != StatusSent {
		return fmt.Errorf("%w: -> %s", ErrInvalidTransition, status)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(
		`UPDATE _messages SET status = ? WHERE id = ? AND status = ?`,
		string(StatusSent), id, string(StatusPending),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var cur string
	err = d.db.QueryRow(`SELECT status FROM _messages WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, status)
}
