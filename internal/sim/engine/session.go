package engine

import (
	"time"

	"github.com/morganlombard/Virtual-Game-Table/internal/protocol"
	"github.com/morganlombard/Virtual-Game-Table/internal/sim/entity"
)

// handleSnapshot applies the join snapshot and starts syncing. Snapshot
// values bypass suppression and the sequence check.
func (e *Engine) handleSnapshot(m protocol.SnapshotMsg) {
	if e.State() != Connecting {
		e.stats.Dropped++
		e.log.Warn().Str("state", e.State().String()).Msg("unexpected snapshot")
		return
	}
	e.self = m.AssignedClientID
	e.sessionID = m.SessionID
	if e.cfg.FlushInterval <= 0 && m.FlushIntervalMS > 0 {
		e.flushEvery = time.Duration(m.FlushIntervalMS) * time.Millisecond
	}
	e.setRoster(m.Clients)

	e.applySnapshotKind(entity.Piece, m.Pieces)
	e.applySnapshotKind(entity.Hand, m.Hands)

	e.state.Store(int32(Syncing))
	e.log.Info().
		Int("client_id", e.self).
		Str("session_id", e.sessionID).
		Int("clients", len(e.roster)).
		Int("pieces", len(m.Pieces)).
		Msg("joined")
	e.notify(Notice{Kind: NoticeJoined, From: e.self, Clients: e.Roster()})
}

func (e *Engine) applySnapshotKind(kind entity.Kind, m map[int]protocol.Attrs) {
	for _, id := range sortedIDs(m) {
		ent, ok := e.lookup(entity.Ref{Kind: kind, ID: id})
		if !ok {
			e.stats.Unknown++
			continue
		}
		a := m[id]
		for _, k := range protocol.Keys {
			v, ok := a[k]
			if !ok {
				continue
			}
			switch k {
			case protocol.KeyHold:
				e.hold(ent, int(v), false)
			case protocol.KeySelect:
				e.selectEntity(ent, int(v), false)
			default:
				ent.Set(k, v)
			}
		}
	}
}

func (e *Engine) handleRoster(clients map[int]protocol.ClientInfo) {
	if !e.syncing() {
		e.stats.Dropped++
		return
	}
	e.setRoster(clients)
	e.notify(Notice{Kind: NoticeRoster, Clients: e.Roster()})
}

// handleDisconnect clears every hold of a departed client.
func (e *Engine) handleDisconnect(clientID int) {
	if !e.syncing() {
		e.stats.Dropped++
		return
	}
	n := e.releaseAll(clientID, false)
	delete(e.roster, clientID)
	e.assignHands()
	e.log.Debug().Int("client_id", clientID).Int("released", n).Msg("client left")
	e.notify(Notice{Kind: NoticeLeft, From: clientID, Clients: e.Roster()})
}

func (e *Engine) setRoster(clients map[int]protocol.ClientInfo) {
	e.roster = protocol.CloneRoster(clients)
	e.assignHands()
}

// assignHands gives every roster entry one hand, lowest free hand id to the
// lowest client id, registering more hands when needed. Every client runs the
// same assignment over the same roster, so hand ids agree everywhere.
func (e *Engine) assignHands() {
	hands := e.reg.All(entity.Hand)
	for _, h := range hands {
		h.Owner = 0
	}
	next := 0
	for _, id := range sortedIDs(e.roster) {
		var h *entity.Entity
		if next < len(hands) {
			h = hands[next]
		} else {
			h = e.reg.Register(entity.Hand, entity.Pose{})
			hands = e.reg.All(entity.Hand)
		}
		next++
		h.Owner = id
	}
}

// HandOf returns the hand driven by client.
func (e *Engine) HandOf(client int) (*entity.Entity, bool) {
	for _, h := range e.reg.All(entity.Hand) {
		if h.Owner == client && client != 0 {
			return h, true
		}
	}
	return nil, false
}
