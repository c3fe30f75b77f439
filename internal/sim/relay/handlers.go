package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/morganlombard/Virtual-Game-Table/internal/protocol"
)

const (
	maxNameLen = 32
	maxChatLen = 1000
)

func (r *Relay) handleJoin(req JoinRequest) {
	resp := r.join1(req)
	if req.Resp != nil {
		req.Resp <- resp
	}
}

func (r *Relay) join1(req JoinRequest) JoinResponse {
	if len(r.clients) >= r.cfg.MaxClients {
		r.counters.refused++
		r.log.Warn().Str("name", req.Name).Int("max_clients", r.cfg.MaxClients).Msg("join refused")
		return JoinResponse{Code: protocol.ErrRelayFull, Err: ErrRelayFull}
	}
	if !r.validGroup(req.GroupID) {
		r.counters.refused++
		return JoinResponse{Code: protocol.ErrProtoBadRequest, Err: fmt.Errorf("%w: group %d", ErrBadJoin, req.GroupID)}
	}

	id := r.nextID
	r.nextID++
	c := &client{
		id:   id,
		info: protocol.ClientInfo{Name: cleanName(req.Name), GroupID: req.GroupID},
		out:  req.Out,
	}
	// Existing clients learn about the newcomer before it is added, so the
	// newcomer's first message is its snapshot.
	r.clients[id] = c
	roster := r.roster()
	r.broadcastExcept(id, protocol.RosterMsg{Type: protocol.TypeRoster, ProtocolVersion: protocol.Version, Clients: roster})
	r.counters.joins++

	pieces, hands := r.master.Snapshot()
	snap := protocol.SnapshotMsg{
		Type:             protocol.TypeSnapshot,
		ProtocolVersion:  protocol.Version,
		SessionID:        r.sessionID,
		AssignedClientID: id,
		FlushIntervalMS:  int(r.cfg.FlushInterval.Milliseconds()),
		Clients:          roster,
		Pieces:           pieces,
		Hands:            hands,
	}
	r.log.Info().Int("client_id", id).Str("name", c.info.Name).Int("group_id", c.info.GroupID).Int("clients", len(r.clients)).Msg("join")
	r.record(TrafficEntry{Kind: TrafficJoin, ClientID: id, Name: c.info.Name, GroupID: c.info.GroupID})
	return JoinResponse{ClientID: id, Snapshot: snap}
}

// removeClient detaches id. Its holds are force-released with a batch from
// the relay, then everyone gets DISCONNECT and the new roster. code is
// non-empty when the relay drops the client itself.
func (r *Relay) removeClient(id int, code string) {
	c := r.clients[id]
	if c == nil {
		return
	}
	delete(r.clients, id)
	if c.out != nil {
		close(c.out)
	}

	pieces, hands := r.master.HeldBy(id)
	if len(pieces)+len(hands) > 0 {
		r.serverSeq++
		b := protocol.Batch{Sender: protocol.ServerClientID, Seq: r.serverSeq}
		b.Pieces = releaseAttrs(pieces)
		b.Hands = releaseAttrs(hands)
		r.master.Apply(b, r.connected)
		r.broadcast(protocol.BatchMsg{Type: protocol.TypeBatch, ProtocolVersion: protocol.Version, Batch: b})
	}
	r.broadcast(protocol.DisconnectMsg{Type: protocol.TypeDisconnect, ProtocolVersion: protocol.Version, ClientID: id})
	r.broadcast(protocol.RosterMsg{Type: protocol.TypeRoster, ProtocolVersion: protocol.Version, Clients: r.roster()})

	r.log.Info().Int("client_id", id).Str("code", code).Int("released", len(pieces)+len(hands)).Int("clients", len(r.clients)).Msg("leave")
	r.record(TrafficEntry{Kind: TrafficLeave, ClientID: id, Code: code})
}

func releaseAttrs(ids []int) map[int]protocol.Attrs {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[int]protocol.Attrs, len(ids))
	for _, id := range ids {
		out[id] = protocol.Attrs{protocol.KeyHold: 0}
	}
	return out
}

// handleBatch stamps the sender from the session, drops replays, folds the
// batch into the master and forwards it unchanged to every client.
func (r *Relay) handleBatch(c *client, b protocol.Batch) {
	b.Sender = c.id
	if b.Seq <= c.lastSeq {
		r.counters.staleBatches++
		r.log.Debug().Int("client_id", c.id).Uint64("seq", b.Seq).Uint64("last_seq", c.lastSeq).Msg("stale batch dropped")
		return
	}
	c.lastSeq = b.Seq
	if b.Empty() {
		return
	}
	r.counters.batches++
	r.counters.rejected += uint64(r.master.Apply(b, r.connected))
	r.broadcast(protocol.BatchMsg{Type: protocol.TypeBatch, ProtocolVersion: protocol.Version, Batch: b})
	r.record(TrafficEntry{Kind: TrafficBatch, ClientID: c.id, Batch: &b})
}

// handleRoster applies edits to known clients and broadcasts the full roster.
func (r *Relay) handleRoster(c *client, m protocol.RosterMsg) {
	changed := r.applyRoster(m.Clients)
	if !changed {
		return
	}
	roster := r.roster()
	r.broadcast(protocol.RosterMsg{Type: protocol.TypeRoster, ProtocolVersion: protocol.Version, Clients: roster})
	r.log.Debug().Int("client_id", c.id).Msg("roster edit")
	r.record(TrafficEntry{Kind: TrafficRoster, ClientID: c.id, Roster: roster})
}

func (r *Relay) applyRoster(edits map[int]protocol.ClientInfo) bool {
	changed := false
	for id, info := range edits {
		cur := r.clients[id]
		if cur == nil || !r.validGroup(info.GroupID) {
			continue
		}
		info.Name = cleanName(info.Name)
		if info != cur.info {
			cur.info = info
			changed = true
		}
	}
	return changed
}

func (r *Relay) handleChat(c *client, m protocol.ChatMsg) {
	r.say(c.id, m.Text)
}

func (r *Relay) say(from int, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if len(text) > maxChatLen {
		text = truncate(text, maxChatLen)
	}
	r.broadcast(protocol.ChatMsg{Type: protocol.TypeChat, ProtocolVersion: protocol.Version, From: from, Text: text})
}

func (r *Relay) handleKick(req KickRequest) error {
	c := r.clients[req.ClientID]
	if c == nil {
		return fmt.Errorf("kick %d: %w", req.ClientID, ErrNotFound)
	}
	code := req.Code
	if code == "" {
		code = protocol.ErrKicked
	}
	r.send(c, protocol.BootedMsg{Type: protocol.TypeBooted, ProtocolVersion: protocol.Version, Code: code, Message: req.Reason})
	r.counters.kicked++
	r.removeClient(c.id, code)
	return nil
}

func (r *Relay) broadcastExcept(skip int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		r.log.Error().Err(err).Msgf("encode %T", v)
		return
	}
	for _, c := range r.sortedClients() {
		if c.id != skip {
			r.sendBytes(c, b)
		}
	}
}

func cleanName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "player"
	}
	return truncate(s, maxNameLen)
}

// truncate cuts s to at most n bytes on a rune boundary. Invalid bytes are
// replaced first so a bad byte early on cannot eat the rest of the text.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
