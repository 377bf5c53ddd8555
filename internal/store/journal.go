package store

import (
	"fmt"
	"time"
)

// Message is one journaled protocol message.
type Message struct {
	ID        int64     `json:"id"`
	Session   string    `json:"session"`
	Link      string    `json:"link"`
	Direction string    `json:"direction"`
	Peer      string    `json:"peer,omitempty"`
	Type      string    `json:"type"`
	Payload   string    `json:"payload"`
	At        time.Time `json:"at"`
}

// LinkEvent is one journaled state transition of a link.
type LinkEvent struct {
	ID      int64     `json:"id"`
	Session string    `json:"session"`
	Link    string    `json:"link"`
	Peer    string    `json:"peer,omitempty"`
	State   string    `json:"state"`
	At      time.Time `json:"at"`
}

// InsertMessage stores m under the current session and returns its row id.
// A zero At is stamped with the current time.
func (db *DB) InsertMessage(m *Message) (int64, error) {
	if m.At.IsZero() {
		m.At = time.Now().UTC()
	}
	m.Session = db.session
	res, err := db.Exec(`
		INSERT INTO messages (session, link, direction, peer, type, payload, at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.Session, m.Link, m.Direction, m.Peer, m.Type, m.Payload, m.At.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert message: %w", err)
	}
	m.ID, err = res.LastInsertId()
	return m.ID, err
}

// ListMessages returns up to limit messages, newest first.
func (db *DB) ListMessages(limit int) ([]*Message, error) {
	rows, err := db.Query(`
		SELECT id, session, link, direction, peer, type, payload, at_ms
		FROM messages ORDER BY at_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var (
			m  Message
			at int64
		)
		if err := rows.Scan(&m.ID, &m.Session, &m.Link, &m.Direction, &m.Peer, &m.Type, &m.Payload, &at); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.At = time.UnixMilli(at).UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}

// InsertLinkEvent stores e under the current session.
func (db *DB) InsertLinkEvent(e *LinkEvent) (int64, error) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	e.Session = db.session
	res, err := db.Exec(`
		INSERT INTO link_events (session, link, peer, state, at_ms)
		VALUES (?, ?, ?, ?, ?)`,
		e.Session, e.Link, e.Peer, e.State, e.At.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert link event: %w", err)
	}
	e.ID, err = res.LastInsertId()
	return e.ID, err
}

// ListLinkEvents returns up to limit link events, newest first.
func (db *DB) ListLinkEvents(limit int) ([]*LinkEvent, error) {
	rows, err := db.Query(`
		SELECT id, session, link, peer, state, at_ms
		FROM link_events ORDER BY at_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list link events: %w", err)
	}
	defer rows.Close()

	var out []*LinkEvent
	for rows.Next() {
		var (
			e  LinkEvent
			at int64
		)
		if err := rows.Scan(&e.ID, &e.Session, &e.Link, &e.Peer, &e.State, &at); err != nil {
			return nil, fmt.Errorf("store: scan link event: %w", err)
		}
		e.At = time.UnixMilli(at).UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteBefore removes every row older than t from both tables and
// returns how many were removed.
func (db *DB) DeleteBefore(t time.Time) (int64, error) {
	cutoff := t.UnixMilli()
	var total int64
	for _, table := range []string{"messages", "link_events"} {
		res, err := db.Exec(`DELETE FROM `+table+` WHERE at_ms < ?`, cutoff)
		if err != nil {
			return total, fmt.Errorf("store: purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
