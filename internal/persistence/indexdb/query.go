package indexdb

import (
	"context"
	"database/sql"
)

type SessionRow struct {
	SessionID    string `json:"session_id"`
	StartedAt    string `json:"started_at"`
	TuningDigest string `json:"tuning_digest"`
	Batches      int    `json:"batches"`
	Clients      int    `json:"clients"`
}

type ClientRow struct {
	ClientID  int    `json:"client_id"`
	Name      string `json:"name"`
	GroupID   int    `json:"group_id"`
	JoinedSeq int64  `json:"joined_seq"`
	LeftSeq   *int64 `json:"left_seq,omitempty"`
	LeftCode  string `json:"left_code,omitempty"`
}

type BatchRow struct {
	TrafficSeq int64 `json:"traffic_seq"`
	BatchSeq   int64 `json:"batch_seq"`
	Pieces     int   `json:"pieces"`
	Hands      int   `json:"hands"`
}

func (s *SQLiteIndex) Sessions(ctx context.Context) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.session_id, s.started_at, s.tuning_digest,
			(SELECT COUNT(*) FROM batches b WHERE b.session_id = s.session_id),
			(SELECT COUNT(*) FROM clients c WHERE c.session_id = s.session_id)
		FROM sessions s ORDER BY s.started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.SessionID, &r.StartedAt, &r.TuningDigest, &r.Batches, &r.Clients); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) BatchCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

func (s *SQLiteIndex) BatchesBy(ctx context.Context, sessionID string, clientID int) ([]BatchRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT traffic_seq, batch_seq, pieces, hands FROM batches
		WHERE session_id = ? AND client_id = ? ORDER BY batch_seq`, sessionID, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BatchRow
	for rows.Next() {
		var r BatchRow
		if err := rows.Scan(&r.TrafficSeq, &r.BatchSeq, &r.Pieces, &r.Hands); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Clients(ctx context.Context, sessionID string) ([]ClientRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, name, group_id, joined_seq, left_seq, left_code FROM clients
		WHERE session_id = ? ORDER BY client_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ClientRow
	for rows.Next() {
		var (
			r    ClientRow
			left sql.NullInt64
			code sql.NullString
		)
		if err := rows.Scan(&r.ClientID, &r.Name, &r.GroupID, &r.JoinedSeq, &left, &code); err != nil {
			return nil, err
		}
		if left.Valid {
			v := left.Int64
			r.LeftSeq = &v
		}
		r.LeftCode = code.String
		out = append(out, r)
	}
	return out, rows.Err()
}

type SnapshotRow struct {
	Path      string `json:"path"`
	SessionID string `json:"session_id"`
	TakenAt   string `json:"taken_at"`
	Clients   int    `json:"clients"`
	Pieces    int    `json:"pieces"`
	Hands     int    `json:"hands"`
	Digest    string `json:"digest"`
}

// Snapshots lists the newest dumps first.
func (s *SQLiteIndex) Snapshots(ctx context.Context, limit int) ([]SnapshotRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, session_id, taken_at, clients, pieces, hands, digest FROM snapshots
		ORDER BY taken_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		if err := rows.Scan(&r.Path, &r.SessionID, &r.TakenAt, &r.Clients, &r.Pieces, &r.Hands, &r.Digest); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
