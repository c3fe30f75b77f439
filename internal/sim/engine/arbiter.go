package engine

import (
	"sort"

	"github.com/morganlombard/Virtual-Game-Table/internal/protocol"
	"github.com/morganlombard/Virtual-Game-Table/internal/sim/entity"
)

// The arbiter keeps ih/ts on each entity consistent with the held and
// selected sets. When send is true the new value also goes to the outbound
// queue; merges and snapshot application pass false.

// hold grants ent to client. A hold by 0 is a release. It reports whether
// ih changed.
func (e *Engine) hold(ent *entity.Entity, client int, send bool) bool {
	if client == ent.IH {
		return false
	}
	if client == 0 {
		return e.release(ent, send)
	}
	if ent.IH != 0 {
		if e.connected(ent.IH) {
			return false
		}
		// Holder is gone; take over silently.
		removeRef(e.held, ent.IH, ent.Ref())
	}
	addRef(e.held, client, ent.Ref())
	ent.Baseline = ent.Pose
	e.write(ent, protocol.KeyHold, float64(client), send)
	return true
}

func (e *Engine) release(ent *entity.Entity, send bool) bool {
	if ent.IH == 0 {
		return false
	}
	removeRef(e.held, ent.IH, ent.Ref())
	ent.ReleasedAt = e.cfg.Now()
	e.write(ent, protocol.KeyHold, 0, send)
	return true
}

func (e *Engine) selectEntity(ent *entity.Entity, group int, send bool) bool {
	if group == ent.TS {
		return false
	}
	if group < 0 {
		return e.unselect(ent, send)
	}
	if ent.TS != protocol.NoGroup {
		// Implicit unselect from the previous group; only the new ts is sent.
		removeRef(e.selected, ent.TS, ent.Ref())
	}
	addRef(e.selected, group, ent.Ref())
	e.write(ent, protocol.KeySelect, float64(group), send)
	return true
}

func (e *Engine) unselect(ent *entity.Entity, send bool) bool {
	if ent.TS == protocol.NoGroup {
		return false
	}
	removeRef(e.selected, ent.TS, ent.Ref())
	e.write(ent, protocol.KeySelect, protocol.NoGroup, send)
	return true
}

func (e *Engine) releaseAll(client int, send bool) int {
	n := 0
	for _, ref := range sortedRefs(e.held[client]) {
		if ent, ok := e.lookup(ref); ok && e.release(ent, send) {
			n++
		}
	}
	delete(e.held, client)
	return n
}

// write applies v locally and, when send is set, queues it for the next flush
// and records the seq that batch will carry.
func (e *Engine) write(ent *entity.Entity, k protocol.Key, v float64, send bool) {
	ent.Set(k, v)
	if !send {
		return
	}
	e.out.put(ent.Ref(), k, v)
	ent.LastSent[k] = e.seq + 1
}

// HeldBy returns the refs client holds, sorted.
func (e *Engine) HeldBy(client int) []entity.Ref { return sortedRefs(e.held[client]) }

// SelectedBy returns the refs selected by group, sorted.
func (e *Engine) SelectedBy(group int) []entity.Ref { return sortedRefs(e.selected[group]) }

func addRef(sets map[int]map[entity.Ref]struct{}, owner int, ref entity.Ref) {
	s := sets[owner]
	if s == nil {
		s = map[entity.Ref]struct{}{}
		sets[owner] = s
	}
	s[ref] = struct{}{}
}

func removeRef(sets map[int]map[entity.Ref]struct{}, owner int, ref entity.Ref) {
	s := sets[owner]
	if s == nil {
		return
	}
	delete(s, ref)
	if len(s) == 0 {
		delete(sets, owner)
	}
}

func sortedRefs(s map[entity.Ref]struct{}) []entity.Ref {
	out := make([]entity.Ref, 0, len(s))
	for ref := range s {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortedIDs[V any](m map[int]V) []int {
	out := make([]int, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
