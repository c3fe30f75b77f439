package engine

import (
	"github.com/morganlombard/Virtual-Game-Table/internal/protocol"
	"github.com/morganlombard/Virtual-Game-Table/internal/sim/entity"
)

// mergeInbound folds the accumulated remote state into local entities in the
// order entities were first touched this interval.
func (e *Engine) mergeInbound() {
	for _, ref := range e.in.order {
		p := e.in.entities[ref]
		ent, ok := e.lookup(ref)
		if !ok {
			e.stats.Unknown++
			e.log.Debug().Stringer("ref", ref).Msg("update for unknown entity")
			continue
		}
		if ref.Kind == entity.Hand && ent.Owner != 0 && ent.Owner == e.self {
			// Our own hand is driven locally only.
			e.stats.Suppressed += uint64(len(p.attrs) + len(p.holds))
			continue
		}
		// Holds first, so a transfer away from us un-suppresses the new
		// holder's pose in the same pass.
		for _, u := range p.holds {
			e.mergeHold(ent, u)
		}
		for _, k := range protocol.Keys {
			u, ok := p.attrs[k]
			if !ok {
				continue
			}
			e.mergeAttr(ent, k, u)
		}
	}
}

func (e *Engine) stale(ent *entity.Entity, k protocol.Key, u update) bool {
	return u.Sender == e.self && u.Seq < ent.LastSent[k]
}

func (e *Engine) mergeAttr(ent *entity.Entity, k protocol.Key, u update) {
	if ent.IH == e.self && protocol.IsPoseKey(k) {
		e.stats.Suppressed++
		return
	}
	if e.stale(ent, k, u) {
		e.stats.Stale++
		return
	}
	e.stats.Applied++
	switch k {
	case protocol.KeySelect:
		e.selectEntity(ent, int(u.Value), false)
	default:
		ent.Set(k, u.Value)
	}
}

// mergeHold arbitrates one remote ih change. The relay forwards batches in
// the order it processed them, so while our own claim has not come back
// yet, a competing claim was processed first and wins; once our claim has
// been echoed, later claims lost the race and are ignored.
func (e *Engine) mergeHold(ent *entity.Entity, u update) {
	ref := ent.Ref()
	v := int(u.Value)
	if e.stale(ent, protocol.KeyHold, u) {
		e.stats.Stale++
		return
	}
	if u.Sender == e.self && u.Seq > e.holdEcho[ref] {
		e.holdEcho[ref] = u.Seq
	}
	if v == 0 && ent.IH != 0 && u.Sender != ent.IH && u.Sender != protocol.ServerClientID {
		// Only the holder or the relay may release.
		e.stats.Suppressed++
		return
	}

	if ent.IH == e.self && e.self != 0 {
		if v == e.self {
			e.stats.Suppressed++
			return
		}
		acked := e.holdEcho[ref] >= ent.LastSent[protocol.KeyHold]
		switch {
		case v == 0 && !acked:
			// A release processed before our claim.
			e.stats.Suppressed++
		case v == 0:
			e.stats.Applied++
			e.release(ent, false)
		case acked:
			e.stats.Suppressed++
			e.log.Debug().Stringer("ref", ref).Int("claimant", v).Msg("hold race won")
		default:
			e.stats.Applied++
			e.log.Debug().Stringer("ref", ref).Int("holder", v).Msg("hold race lost")
			e.out.unset(ref, protocol.KeyHold)
			e.release(ent, false)
			e.hold(ent, v, false)
		}
		return
	}

	if e.hold(ent, v, false) {
		e.stats.Applied++
	} else {
		e.stats.Suppressed++
	}
}
