package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/morganlombard/Virtual-Game-Table/internal/persistence/snapshot"
	"github.com/morganlombard/Virtual-Game-Table/internal/sim/relay"
)

const schemaVersion = "1"

// SQLiteIndex is a queryable secondary index of relay traffic. Writes are
// queued and committed in batches by one goroutine; the JSONL traffic log
// stays the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTraffic  atomic.Uint64
	dropSnapshot atomic.Uint64
	dropSession  atomic.Uint64
	writeErrors  atomic.Uint64
}

type reqKind int

const (
	reqTraffic reqKind = iota + 1
	reqSnapshot
	reqSession
	reqSync
)

type req struct {
	kind reqKind

	traffic  relay.TrafficEntry
	snapshot snapshotRow
	session  sessionRow
	done     chan struct{}
}

type snapshotRow struct {
	Path      string
	SessionID string
	TakenAt   string
	Clients   int
	Pieces    int
	Hands     int
	Digest    string
}

type sessionRow struct {
	SessionID    string
	StartedAt    string
	Tuning       string
	TuningDigest string
}

type Stats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	DropTrafficTotal  uint64 `json:"drop_traffic_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
	DropSessionTotal  uint64 `json:"drop_session_total"`
	WriteErrorTotal   uint64 `json:"write_error_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			tuning_digest TEXT NOT NULL,
			tuning_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS traffic (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			client_id INTEGER NOT NULL,
			digest TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS batches (
			session_id TEXT NOT NULL,
			traffic_seq INTEGER NOT NULL,
			client_id INTEGER NOT NULL,
			batch_seq INTEGER NOT NULL,
			pieces INTEGER NOT NULL,
			hands INTEGER NOT NULL,
			PRIMARY KEY (session_id, traffic_seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_batches_client ON batches(session_id, client_id, batch_seq);`,
		`CREATE TABLE IF NOT EXISTS clients (
			session_id TEXT NOT NULL,
			client_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			group_id INTEGER NOT NULL,
			joined_seq INTEGER NOT NULL,
			left_seq INTEGER,
			left_code TEXT,
			PRIMARY KEY (session_id, client_id)
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			path TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			taken_at TEXT NOT NULL,
			clients INTEGER NOT NULL,
			pieces INTEGER NOT NULL,
			hands INTEGER NOT NULL,
			digest TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version',?)`, schemaVersion)
	return err
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Flush waits until everything queued so far is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropTrafficTotal:  s.dropTraffic.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		DropSessionTotal:  s.dropSession.Load(),
		WriteErrorTotal:   s.writeErrors.Load(),
	}
}

// WriteTraffic implements relay.TrafficLogger.
func (s *SQLiteIndex) WriteTraffic(entry relay.TrafficEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTraffic, traffic: entry}:
	default:
		// Drop if the indexer falls behind.
		s.dropTraffic.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, h snapshot.Header) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		Path:      path,
		SessionID: h.SessionID,
		TakenAt:   h.TakenAt.UTC().Format(time.RFC3339Nano),
		Clients:   h.Clients,
		Pieces:    h.Pieces,
		Hands:     h.Hands,
		Digest:    h.Digest,
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// RecordSession stores the session id with the settings it runs under.
func (s *SQLiteIndex) RecordSession(sessionID string, startedAt time.Time, settings any) {
	if s == nil || s.closed.Load() {
		return
	}
	b, _ := json.Marshal(settings)
	sum := sha256.Sum256(b)
	r := sessionRow{
		SessionID:    sessionID,
		StartedAt:    startedAt.UTC().Format(time.RFC3339Nano),
		Tuning:       string(b),
		TuningDigest: hex.EncodeToString(sum[:]),
	}
	select {
	case s.ch <- req{kind: reqSession, session: r}:
	default:
		s.dropSession.Add(1)
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTraffic, _ := s.db.Prepare(`INSERT OR REPLACE INTO traffic(session_id,seq,kind,client_id,digest,recorded_at,raw_json) VALUES(?,?,?,?,?,?,?)`)
	insertBatch, _ := s.db.Prepare(`INSERT OR REPLACE INTO batches(session_id,traffic_seq,client_id,batch_seq,pieces,hands) VALUES(?,?,?,?,?,?)`)
	insertClient, _ := s.db.Prepare(`INSERT OR REPLACE INTO clients(session_id,client_id,name,group_id,joined_seq) VALUES(?,?,?,?,?)`)
	updateClient, _ := s.db.Prepare(`UPDATE clients SET name=?, group_id=? WHERE session_id=? AND client_id=?`)
	leaveClient, _ := s.db.Prepare(`UPDATE clients SET left_seq=?, left_code=? WHERE session_id=? AND client_id=?`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(path,session_id,taken_at,clients,pieces,hands,digest) VALUES(?,?,?,?,?,?,?)`)
	insertSession, _ := s.db.Prepare(`INSERT OR REPLACE INTO sessions(session_id,started_at,tuning_digest,tuning_json) VALUES(?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTraffic, insertBatch, insertClient, updateClient, leaveClient, insertSnapshot, insertSession} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrors.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		s.writeErrors.Add(1)
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil {
			return true
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	for r := range s.ch {
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			s.writeErrors.Add(1)
			continue
		}
		switch r.kind {
		case reqTraffic:
			e := r.traffic
			raw, _ := json.Marshal(e)
			if !exec(insertTraffic, e.SessionID, int64(e.Seq), string(e.Kind), e.ClientID, e.Digest, e.Time.UTC().Format(time.RFC3339Nano), string(raw)) {
				continue
			}
			switch e.Kind {
			case relay.TrafficBatch:
				if e.Batch != nil {
					exec(insertBatch, e.SessionID, int64(e.Seq), e.ClientID, int64(e.Batch.Seq), len(e.Batch.Pieces), len(e.Batch.Hands))
				}
			case relay.TrafficJoin:
				exec(insertClient, e.SessionID, e.ClientID, e.Name, e.GroupID, int64(e.Seq))
			case relay.TrafficLeave:
				exec(leaveClient, int64(e.Seq), e.Code, e.SessionID, e.ClientID)
			case relay.TrafficRoster:
				for id, ci := range e.Roster {
					if !exec(updateClient, ci.Name, ci.GroupID, e.SessionID, id) {
						break
					}
				}
			}

		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, sn.Path, sn.SessionID, sn.TakenAt, sn.Clients, sn.Pieces, sn.Hands, sn.Digest)

		case reqSession:
			se := r.session
			exec(insertSession, se.SessionID, se.StartedAt, se.TuningDigest, se.Tuning)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0) {
			commit()
		}
	}

	commit()
}
