package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/morganlombard/Virtual-Game-Table/internal/protocol"
)

func newTestRelay(maxClients int) *Relay {
	return New(Config{SessionID: "test-session", MaxClients: maxClients, Logger: zerolog.Nop()})
}

func joinClient(t *testing.T, r *Relay, name string, group, queue int) (JoinResponse, chan []byte) {
	t.Helper()
	out := make(chan []byte, queue)
	resp := make(chan JoinResponse, 1)
	r.handleJoin(JoinRequest{Name: name, GroupID: group, Out: out, Resp: resp})
	r.drainEvictions()
	return <-resp, out
}

type received struct {
	typ string
	raw []byte
}

func drain(out chan []byte) []received {
	var msgs []received
	for {
		select {
		case b, ok := <-out:
			if !ok {
				return msgs
			}
			base, _ := protocol.DecodeBase(b)
			msgs = append(msgs, received{typ: base.Type, raw: b})
		default:
			return msgs
		}
	}
}

func decodeBatch(t *testing.T, m received) protocol.Batch {
	t.Helper()
	var bm protocol.BatchMsg
	if err := json.Unmarshal(m.raw, &bm); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	return bm.Batch
}

func sendBatch(r *Relay, from int, seq uint64, pieces map[int]protocol.Attrs) {
	r.handleEnvelope(Envelope{ClientID: from, Msg: protocol.Batch{Sender: from, Seq: seq, Pieces: pieces}})
	r.drainEvictions()
}

func TestJoinAssignsIDsAndSnapshot(t *testing.T) {
	r := newTestRelay(8)
	a, outA := joinClient(t, r, "alice", 1, 16)
	if a.Err != nil || a.ClientID != 1 {
		t.Fatalf("first join: %+v", a)
	}
	sendBatch(r, 1, 1, map[int]protocol.Attrs{3: {protocol.KeyX: 7}})
	drain(outA)

	b, _ := joinClient(t, r, " ", 2, 16)
	if b.ClientID != 2 {
		t.Fatalf("second id: %d", b.ClientID)
	}
	s := b.Snapshot
	if s.AssignedClientID != 2 || s.SessionID != "test-session" || s.FlushIntervalMS != 250 {
		t.Fatalf("snapshot header: %+v", s)
	}
	if len(s.Clients) != 2 || s.Clients[2].Name != "player" || s.Clients[1].GroupID != 1 {
		t.Fatalf("snapshot roster: %+v", s.Clients)
	}
	if s.Pieces[3][protocol.KeyX] != 7 {
		t.Fatalf("snapshot pieces: %+v", s.Pieces)
	}

	msgs := drain(outA)
	if len(msgs) != 1 || msgs[0].typ != protocol.TypeRoster {
		t.Fatalf("existing client should get a roster: %+v", msgs)
	}
}

func TestBatchIsStampedAndRebroadcast(t *testing.T) {
	r := newTestRelay(8)
	joinClient(t, r, "a", 1, 16)
	_, outA := joinClient(t, r, "a", 1, 16)
	_, outB := joinClient(t, r, "b", 2, 16)
	drain(outA)

	r.handleEnvelope(Envelope{ClientID: 2, Msg: protocol.Batch{Sender: 99, Seq: 1, Pieces: map[int]protocol.Attrs{0: {protocol.KeyY: 2}}}})
	for name, out := range map[string]chan []byte{"sender": outA, "other": outB} {
		msgs := drain(out)
		if len(msgs) != 1 || msgs[0].typ != protocol.TypeBatch {
			t.Fatalf("%s: %+v", name, msgs)
		}
		if b := decodeBatch(t, msgs[0]); b.Sender != 2 || b.Seq != 1 {
			t.Fatalf("%s: sender=%d seq=%d", name, b.Sender, b.Seq)
		}
	}
}

func TestStaleSeqIsDropped(t *testing.T) {
	r := newTestRelay(8)
	_, out := joinClient(t, r, "a", 1, 16)
	sendBatch(r, 1, 2, map[int]protocol.Attrs{0: {protocol.KeyX: 1}})
	sendBatch(r, 1, 2, map[int]protocol.Attrs{0: {protocol.KeyX: 5}})
	sendBatch(r, 1, 1, map[int]protocol.Attrs{0: {protocol.KeyX: 6}})
	if n := len(drain(out)); n != 1 {
		t.Fatalf("forwarded %d batches", n)
	}
	pieces, _ := r.master.Snapshot()
	if pieces[0][protocol.KeyX] != 1 {
		t.Fatalf("stale batch folded: %+v", pieces[0])
	}
	if r.counters.staleBatches != 2 {
		t.Fatalf("stale count %d", r.counters.staleBatches)
	}
}

func TestFirstProcessedClaimWins(t *testing.T) {
	r := newTestRelay(8)
	joinClient(t, r, "a", 1, 16)
	joinClient(t, r, "b", 2, 16)

	sendBatch(r, 1, 1, map[int]protocol.Attrs{5: {protocol.KeyHold: 1}})
	sendBatch(r, 2, 1, map[int]protocol.Attrs{5: {protocol.KeyHold: 2}})
	sendBatch(r, 2, 2, map[int]protocol.Attrs{5: {protocol.KeyHold: 0}})

	pieces, _ := r.master.Snapshot()
	if h, _ := pieces[5].Int(protocol.KeyHold); h != 1 {
		t.Fatalf("holder %d", h)
	}
	if r.counters.rejected != 2 {
		t.Fatalf("rejected %d", r.counters.rejected)
	}

	sendBatch(r, 1, 2, map[int]protocol.Attrs{5: {protocol.KeyHold: 0}})
	sendBatch(r, 2, 3, map[int]protocol.Attrs{5: {protocol.KeyHold: 2}})
	pieces, _ = r.master.Snapshot()
	if h, _ := pieces[5].Int(protocol.KeyHold); h != 2 {
		t.Fatalf("holder after release %d", h)
	}
}

func TestLeaveForceReleasesHolds(t *testing.T) {
	r := newTestRelay(8)
	_, outA := joinClient(t, r, "a", 1, 16)
	joinClient(t, r, "b", 2, 16)
	sendBatch(r, 2, 1, map[int]protocol.Attrs{4: {protocol.KeyHold: 2}, 6: {protocol.KeyHold: 2}})
	drain(outA)

	r.removeClient(2, "")
	msgs := drain(outA)
	if len(msgs) != 3 {
		t.Fatalf("messages: %+v", msgs)
	}
	if msgs[0].typ != protocol.TypeBatch || msgs[1].typ != protocol.TypeDisconnect || msgs[2].typ != protocol.TypeRoster {
		t.Fatalf("order: %s %s %s", msgs[0].typ, msgs[1].typ, msgs[2].typ)
	}
	b := decodeBatch(t, msgs[0])
	if b.Sender != protocol.ServerClientID || len(b.Pieces) != 2 || b.Pieces[4][protocol.KeyHold] != 0 {
		t.Fatalf("release batch: %+v", b)
	}
	if p, h := r.master.HeldBy(2); len(p)+len(h) != 0 {
		t.Fatalf("still held: %v %v", p, h)
	}
	if ids := r.ClientIDs(); len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("clients: %v", ids)
	}
}

func TestIDsAreNotReused(t *testing.T) {
	r := newTestRelay(8)
	joinClient(t, r, "a", 1, 16)
	r.removeClient(1, "")
	b, _ := joinClient(t, r, "b", 1, 16)
	if b.ClientID != 2 {
		t.Fatalf("id reused: %d", b.ClientID)
	}
}

func TestJoinRefusals(t *testing.T) {
	r := newTestRelay(1)
	joinClient(t, r, "a", 1, 16)
	resp, _ := joinClient(t, r, "b", 1, 16)
	if !errors.Is(resp.Err, ErrRelayFull) || resp.Code != protocol.ErrRelayFull {
		t.Fatalf("full: %+v", resp)
	}

	r = New(Config{MaxClients: 4, Groups: 10, Logger: zerolog.Nop()})
	for _, g := range []int{-3, 10} {
		resp, _ = joinClient(t, r, "c", g, 16)
		if !errors.Is(resp.Err, ErrBadJoin) || resp.Code != protocol.ErrProtoBadRequest {
			t.Fatalf("group %d: %+v", g, resp)
		}
	}
	if resp, _ = joinClient(t, r, "d", 9, 16); resp.Err != nil {
		t.Fatalf("group 9: %+v", resp)
	}
}

func TestKickSendsBootedAndCloses(t *testing.T) {
	r := newTestRelay(8)
	_, out := joinClient(t, r, "a", 1, 16)
	if err := r.handleKick(KickRequest{ClientID: 1, Reason: "bye"}); err != nil {
		t.Fatalf("kick: %v", err)
	}
	msgs := drain(out)
	if len(msgs) != 1 || msgs[0].typ != protocol.TypeBooted {
		t.Fatalf("messages: %+v", msgs)
	}
	var bm protocol.BootedMsg
	_ = json.Unmarshal(msgs[0].raw, &bm)
	if bm.Code != protocol.ErrKicked || bm.Message != "bye" {
		t.Fatalf("booted: %+v", bm)
	}
	if _, ok := <-out; ok {
		t.Fatalf("out not closed")
	}
	if err := r.handleKick(KickRequest{ClientID: 1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second kick: %v", err)
	}
}

func TestSlowConsumerIsEvicted(t *testing.T) {
	r := newTestRelay(8)
	_, fast := joinClient(t, r, "fast", 1, 64)
	_, slow := joinClient(t, r, "slow", 1, 1)
	drain(fast)

	sendBatch(r, 1, 1, map[int]protocol.Attrs{0: {protocol.KeyX: 1}})
	sendBatch(r, 1, 2, map[int]protocol.Attrs{0: {protocol.KeyX: 2}})

	if ids := r.ClientIDs(); len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("slow consumer kept: %v", ids)
	}
	if r.counters.evicted != 1 {
		t.Fatalf("evicted %d", r.counters.evicted)
	}
	drain(slow)
	if _, ok := <-slow; ok {
		t.Fatalf("slow out not closed")
	}
	var types []string
	for _, m := range drain(fast) {
		types = append(types, m.typ)
	}
	want := []string{protocol.TypeBatch, protocol.TypeBatch, protocol.TypeDisconnect, protocol.TypeRoster}
	if len(types) != len(want) {
		t.Fatalf("fast client saw %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("fast client saw %v", types)
		}
	}
}

func TestRosterEditsKnownClientsOnly(t *testing.T) {
	r := newTestRelay(8)
	_, out := joinClient(t, r, "a", 1, 16)
	r.handleEnvelope(Envelope{ClientID: 1, Msg: protocol.RosterMsg{Clients: map[int]protocol.ClientInfo{
		1: {Name: "alicia", GroupID: 4},
		9: {Name: "ghost", GroupID: 1},
	}}})
	msgs := drain(out)
	if len(msgs) != 1 || msgs[0].typ != protocol.TypeRoster {
		t.Fatalf("messages: %+v", msgs)
	}
	var rm protocol.RosterMsg
	_ = json.Unmarshal(msgs[0].raw, &rm)
	if len(rm.Clients) != 1 || rm.Clients[1].Name != "alicia" || rm.Clients[1].GroupID != 4 {
		t.Fatalf("roster: %+v", rm.Clients)
	}

	r.handleEnvelope(Envelope{ClientID: 1, Msg: protocol.RosterMsg{Clients: map[int]protocol.ClientInfo{1: {Name: "alicia", GroupID: 4}}}})
	if n := len(drain(out)); n != 0 {
		t.Fatalf("unchanged roster rebroadcast")
	}
}

func TestChatIsRelayedFromSender(t *testing.T) {
	r := newTestRelay(8)
	_, out := joinClient(t, r, "a", 1, 16)
	r.handleEnvelope(Envelope{ClientID: 1, Msg: protocol.ChatMsg{From: 7, Text: "  hello  "}})
	r.handleEnvelope(Envelope{ClientID: 1, Msg: protocol.ChatMsg{Text: "   "}})
	msgs := drain(out)
	if len(msgs) != 1 {
		t.Fatalf("messages: %+v", msgs)
	}
	var cm protocol.ChatMsg
	_ = json.Unmarshal(msgs[0].raw, &cm)
	if cm.From != 1 || cm.Text != "hello" {
		t.Fatalf("chat: %+v", cm)
	}
}

type memTraffic struct{ entries []TrafficEntry }

func (m *memTraffic) WriteTraffic(e TrafficEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

func TestReplayReproducesDigests(t *testing.T) {
	live := newTestRelay(8)
	log := &memTraffic{}
	live.SetTrafficLogger(log)

	joinClient(t, live, "a", 1, 64)
	joinClient(t, live, "b", 2, 64)
	sendBatch(live, 1, 1, map[int]protocol.Attrs{0: {protocol.KeyHold: 1, protocol.KeyX: 3}})
	sendBatch(live, 2, 1, map[int]protocol.Attrs{0: {protocol.KeyHold: 2}, 1: {protocol.KeySelect: 2}})
	live.handleEnvelope(Envelope{ClientID: 2, Msg: protocol.RosterMsg{Clients: map[int]protocol.ClientInfo{2: {Name: "bea", GroupID: 3}}}})
	live.removeClient(1, "")
	joinClient(t, live, "c", 1, 64)

	if len(log.entries) != 7 {
		t.Fatalf("entries: %d", len(log.entries))
	}
	for i, e := range log.entries {
		if e.Seq != uint64(i+1) || e.SessionID != "test-session" || e.Digest == "" {
			t.Fatalf("entry %d: %+v", i, e)
		}
	}

	// Round-trip through JSON, as the traffic log does.
	raw, err := json.Marshal(log.entries)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var entries []TrafficEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	replay := newTestRelay(8)
	for _, e := range entries {
		got, err := replay.Replay(e)
		if err != nil {
			t.Fatalf("replay %d: %v", e.Seq, err)
		}
		if got != e.Digest {
			t.Fatalf("digest mismatch at %d (%s)", e.Seq, e.Kind)
		}
	}
	if live.Digest() != replay.Digest() {
		t.Fatalf("final digest differs")
	}
}

func TestReplayRejectsBadEntries(t *testing.T) {
	r := newTestRelay(8)
	if _, err := r.Replay(TrafficEntry{Kind: TrafficBatch, ClientID: 3, Batch: &protocol.Batch{Seq: 1}}); err == nil {
		t.Fatalf("batch from unknown client accepted")
	}
	if _, err := r.Replay(TrafficEntry{Kind: "bogus"}); err == nil {
		t.Fatalf("unknown kind accepted")
	}
}

func TestRunServesAdminRequests(t *testing.T) {
	r := newTestRelay(8)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	out := make(chan []byte, 16)
	resp := make(chan JoinResponse, 1)
	r.Join() <- JoinRequest{Name: "a", GroupID: 1, Out: out, Resp: resp}
	if jr := <-resp; jr.ClientID != 1 {
		t.Fatalf("join: %+v", jr)
	}
	r.Inbox() <- Envelope{ClientID: 1, Msg: protocol.Batch{Seq: 1, Pieces: map[int]protocol.Attrs{2: {protocol.KeyHold: 1}}}}
	if base, _ := protocol.DecodeBase(<-out); base.Type != protocol.TypeBatch {
		t.Fatalf("echo: %s", base.Type)
	}

	st, err := r.RequestState(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if len(st.Clients) != 1 || st.Clients[0].Held != 1 || st.Clients[0].LastSeq != 1 || st.Entities != 1 {
		t.Fatalf("state: %+v", st)
	}
	snap, digest, err := r.RequestSnapshot(ctx)
	if err != nil || snap.Pieces[2][protocol.KeyHold] != 1 {
		t.Fatalf("snapshot: %+v %v", snap, err)
	}
	if digest != st.Digest {
		t.Fatalf("snapshot digest %s, state digest %s", digest, st.Digest)
	}
	if err := r.RequestSay(ctx, "maintenance"); err != nil {
		t.Fatalf("say: %v", err)
	}
	if m := r.Metrics(); m.Clients != 1 || m.Batches != 1 || m.Joins != 1 {
		t.Fatalf("metrics: %+v", m)
	}
	if err := r.RequestKick(ctx, 1, "bye"); err != nil {
		t.Fatalf("kick: %v", err)
	}

	var types []string
	for b := range out {
		base, _ := protocol.DecodeBase(b)
		types = append(types, base.Type)
	}
	if len(types) != 2 || types[0] != protocol.TypeChat || types[1] != protocol.TypeBooted {
		t.Fatalf("client saw %v", types)
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}
	if err := r.RequestSay(context.Background(), "late"); !errors.Is(err, ErrStopped) {
		t.Fatalf("say after stop")
	}
}

func TestTruncateCutsOnRuneBoundary(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"héllo", 2, "h"},
		{"héllo", 3, "hé"},
		{"a\xffbcdefgh", 6, "a\uFFFDbc"},
		{"\xff\xfe" + strings.Repeat("x", 40), 32, "\uFFFD" + strings.Repeat("x", 29)},
		{"日本語", 4, "日"},
	}
	for _, tc := range cases {
		got := truncate(tc.in, tc.n)
		if got != tc.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
		if !utf8.ValidString(got) || len(got) > tc.n {
			t.Fatalf("truncate(%q, %d) = %q: invalid or too long", tc.in, tc.n, got)
		}
	}
}
