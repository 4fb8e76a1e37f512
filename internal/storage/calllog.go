package storage

import (
	"database/sql"
	"time"
)

// CallEntry is one finished call in the local log.
type CallEntry struct {
	CallID         string     `json:"callId"`
	RoomID         string     `json:"roomId"`
	Kind           string     `json:"kind"`
	Scope          string     `json:"scope"`
	Direction      string     `json:"direction"`
	CounterpartyID string     `json:"counterpartyId"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"startedAt"`
	ConnectedAt    *time.Time `json:"connectedAt,omitempty"`
	EndedAt        time.Time  `json:"endedAt"`
	DurationSec    int        `json:"durationSec"`
}

const timeLayout = time.RFC3339Nano

// AppendCall records a finished call. Writing the same call id twice
// keeps the first entry, since every surface of a call may report it.
func (d *DB) AppendCall(e CallEntry) error {
	var connected any
	if e.ConnectedAt != nil {
		connected = e.ConnectedAt.UTC().Format(timeLayout)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO call_log
			(call_id, room_id, kind, scope, direction, counterparty_id, status,
			 started_at, connected_at, ended_at, duration_sec)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO NOTHING`,
		e.CallID, e.RoomID, e.Kind, e.Scope, e.Direction, e.CounterpartyID, e.Status,
		e.StartedAt.UTC().Format(timeLayout), connected, e.EndedAt.UTC().Format(timeLayout), e.DurationSec,
	)
	return err
}

// RecentCalls returns up to limit entries, newest first.
func (d *DB) RecentCalls(limit int) ([]CallEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT call_id, room_id, kind, scope, direction, counterparty_id, status,
		       started_at, connected_at, ended_at, duration_sec
		FROM call_log ORDER BY ended_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallEntry
	for rows.Next() {
		var e CallEntry
		var started, ended string
		var connected sql.NullString
		if err := rows.Scan(&e.CallID, &e.RoomID, &e.Kind, &e.Scope, &e.Direction, &e.CounterpartyID,
			&e.Status, &started, &connected, &ended, &e.DurationSec); err != nil {
			return nil, err
		}
		e.StartedAt, _ = time.Parse(timeLayout, started)
		e.EndedAt, _ = time.Parse(timeLayout, ended)
		if connected.Valid {
			t, _ := time.Parse(timeLayout, connected.String)
			e.ConnectedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
