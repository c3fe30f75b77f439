package indexdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/morganlombard/Virtual-Game-Table/internal/persistence/snapshot"
	"github.com/morganlombard/Virtual-Game-Table/internal/protocol"
	"github.com/morganlombard/Virtual-Game-Table/internal/sim/relay"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqTraffic}

	_ = s.WriteTraffic(relay.TrafficEntry{Seq: 2})
	s.RecordSnapshot("/tmp/x.snap.zst", snapshot.Header{})
	s.RecordSession("s", time.Now(), map[string]int{"a": 1})

	st := s.Stats()
	if st.DropTrafficTotal != 1 || st.DropSnapshotTotal != 1 || st.DropSessionTotal != 1 {
		t.Fatalf("drops: %+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_TrafficQueries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = idx.Close() }()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	idx.RecordSession("s1", now, map[string]int{"flush_interval_ms": 250})
	entries := []relay.TrafficEntry{
		{Seq: 1, SessionID: "s1", Time: now, Kind: relay.TrafficJoin, ClientID: 1, Name: "alice", GroupID: 1, Digest: "a"},
		{Seq: 2, SessionID: "s1", Time: now, Kind: relay.TrafficJoin, ClientID: 2, Name: "bob", GroupID: 2, Digest: "b"},
		{Seq: 3, SessionID: "s1", Time: now, Kind: relay.TrafficBatch, ClientID: 1, Digest: "c",
			Batch: &protocol.Batch{Sender: 1, Seq: 1, Pieces: map[int]protocol.Attrs{5: {protocol.KeyX: 1}, 6: {protocol.KeyX: 2}}}},
		{Seq: 4, SessionID: "s1", Time: now, Kind: relay.TrafficBatch, ClientID: 1, Digest: "d",
			Batch: &protocol.Batch{Sender: 1, Seq: 2, Hands: map[int]protocol.Attrs{0: {protocol.KeyN: 1}}}},
		{Seq: 5, SessionID: "s1", Time: now, Kind: relay.TrafficRoster, ClientID: 2, Digest: "e",
			Roster: map[int]protocol.ClientInfo{1: {Name: "alice", GroupID: 1}, 2: {Name: "bea", GroupID: 3}}},
		{Seq: 6, SessionID: "s1", Time: now, Kind: relay.TrafficLeave, ClientID: 1, Code: protocol.ErrKicked, Digest: "f"},
	}
	for _, e := range entries {
		if err := idx.WriteTraffic(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	idx.RecordSnapshot("/tmp/s1.snap.zst", snapshot.Header{SessionID: "s1", TakenAt: now, Pieces: 2})
	if err := idx.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	n, err := idx.BatchCount(ctx, "s1")
	if err != nil || n != 2 {
		t.Fatalf("batch count: %d %v", n, err)
	}
	bs, err := idx.BatchesBy(ctx, "s1", 1)
	if err != nil || len(bs) != 2 || bs[0].Pieces != 2 || bs[1].Hands != 1 || bs[1].BatchSeq != 2 {
		t.Fatalf("batches: %+v %v", bs, err)
	}
	cs, err := idx.Clients(ctx, "s1")
	if err != nil || len(cs) != 2 {
		t.Fatalf("clients: %+v %v", cs, err)
	}
	if cs[0].LeftSeq == nil || *cs[0].LeftSeq != 6 || cs[0].LeftCode != protocol.ErrKicked {
		t.Fatalf("alice: %+v", cs[0])
	}
	if cs[1].Name != "bea" || cs[1].GroupID != 3 || cs[1].LeftSeq != nil {
		t.Fatalf("bob: %+v", cs[1])
	}
	ss, err := idx.Sessions(ctx)
	if err != nil || len(ss) != 1 || ss[0].Batches != 2 || ss[0].Clients != 2 || ss[0].TuningDigest == "" {
		t.Fatalf("sessions: %+v %v", ss, err)
	}
	snaps, err := idx.Snapshots(ctx, 5)
	if err != nil || len(snaps) != 1 || snaps[0].Path != "/tmp/s1.snap.zst" || snaps[0].Pieces != 2 {
		t.Fatalf("snapshots: %+v %v", snaps, err)
	}
	if st := idx.Stats(); st.WriteErrorTotal != 0 {
		t.Fatalf("write errors: %+v", st)
	}
}
