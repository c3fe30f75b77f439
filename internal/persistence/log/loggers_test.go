package log

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/morganlombard/Virtual-Game-Table/internal/protocol"
	"github.com/morganlombard/Virtual-Game-Table/internal/sim/relay"
)

func TestTrafficLoggerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewTrafficLogger(dir)
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return clock }

	entries := []relay.TrafficEntry{
		{Seq: 1, Kind: relay.TrafficJoin, ClientID: 1, Name: "alice", GroupID: 2, Digest: "d1"},
		{Seq: 2, Kind: relay.TrafficBatch, ClientID: 1, Batch: &protocol.Batch{Sender: 1, Seq: 1, Pieces: map[int]protocol.Attrs{5: {protocol.KeyX: 10}}}, Digest: "d2"},
	}
	for _, e := range entries[:1] {
		if err := l.WriteTraffic(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	clock = clock.Add(2 * time.Minute) // next hour
	if err := l.WriteTraffic(entries[1]); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := ListTrafficFiles(filepath.Join(dir, "traffic"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected hourly rotation into 2 files, got %v", files)
	}

	var got []relay.TrafficEntry
	for _, f := range files {
		if err := ReadTraffic(f, func(e relay.TrafficEntry) error {
			got = append(got, e)
			return nil
		}); err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
	}
	if len(got) != 2 || got[0].Name != "alice" || got[1].Batch == nil || got[1].Batch.Pieces[5][protocol.KeyX] != 10 {
		t.Fatalf("entries: %+v", got)
	}
}

type failing struct{ n int }

func (f *failing) WriteTraffic(relay.TrafficEntry) error {
	f.n++
	return errors.New("boom")
}

func TestTeeWritesAllAndJoinsErrors(t *testing.T) {
	a, b := &failing{}, &failing{}
	err := Tee(a, nil, b).WriteTraffic(relay.TrafficEntry{Seq: 1})
	if err == nil || a.n != 1 || b.n != 1 {
		t.Fatalf("err=%v a=%d b=%d", err, a.n, b.n)
	}
}
