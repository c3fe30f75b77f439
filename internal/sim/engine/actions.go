package engine

import (
	"fmt"

	"github.com/morganlombard/Virtual-Game-Table/internal/protocol"
	"github.com/morganlombard/Virtual-Game-Table/internal/sim/entity"
)

// Local operations. Each one changes local state immediately and queues the
// change for the next flush. All of them are no-ops until the engine is
// syncing. Call them from the engine goroutine (see Do).

// Hold claims ref for this client.
func (e *Engine) Hold(ref entity.Ref) bool {
	ent, err := e.target(ref)
	if err != nil || e.holdBlocked(ent) {
		return false
	}
	return e.hold(ent, e.self, true)
}

func (e *Engine) holdBlocked(ent *entity.Entity) bool {
	if e.cfg.HoldBlock <= 0 || ent.ReleasedAt.IsZero() {
		return false
	}
	return e.cfg.Now().Sub(ent.ReleasedAt) < e.cfg.HoldBlock
}

func (e *Engine) Release(ref entity.Ref) bool {
	ent, err := e.target(ref)
	if err != nil {
		return false
	}
	return e.release(ent, true)
}

// ReleaseAll releases everything this client holds.
func (e *Engine) ReleaseAll() int {
	if !e.syncing() {
		return 0
	}
	return e.releaseAll(e.self, true)
}

// Select marks ref as selected by this client's group.
func (e *Engine) Select(ref entity.Ref) bool {
	ent, err := e.target(ref)
	if err != nil {
		return false
	}
	return e.selectEntity(ent, e.group(), true)
}

func (e *Engine) Unselect(ref entity.Ref) bool {
	ent, err := e.target(ref)
	if err != nil {
		return false
	}
	return e.unselect(ent, true)
}

// UnselectAll clears the selection of this client's group.
func (e *Engine) UnselectAll() int {
	if !e.syncing() {
		return 0
	}
	n := 0
	for _, ref := range sortedRefs(e.selected[e.group()]) {
		if ent, ok := e.lookup(ref); ok && e.unselect(ent, true) {
			n++
		}
	}
	return n
}

// HoldSelected claims every entity selected by this client's group.
func (e *Engine) HoldSelected() int {
	if !e.syncing() {
		return 0
	}
	n := 0
	for _, ref := range sortedRefs(e.selected[e.group()]) {
		if ent, ok := e.lookup(ref); ok && !e.holdBlocked(ent) && e.hold(ent, e.self, true) {
			n++
		}
	}
	return n
}

// MoveHeld drags every held entity to its baseline plus (dx, dy).
func (e *Engine) MoveHeld(dx, dy float64) int {
	if !e.syncing() {
		return 0
	}
	n := 0
	for _, ref := range sortedRefs(e.held[e.self]) {
		ent, ok := e.lookup(ref)
		if !ok {
			continue
		}
		e.setIfChanged(ent, protocol.KeyX, ent.Baseline.X+dx)
		e.setIfChanged(ent, protocol.KeyY, ent.Baseline.Y+dy)
		n++
	}
	return n
}

// SetPose moves ref, which must be unheld or held by this client.
func (e *Engine) SetPose(ref entity.Ref, p entity.Pose) error {
	ent, err := e.mutable(ref)
	if err != nil {
		return err
	}
	e.setIfChanged(ent, protocol.KeyX, p.X)
	e.setIfChanged(ent, protocol.KeyY, p.Y)
	e.setIfChanged(ent, protocol.KeyR, p.R)
	e.setIfChanged(ent, protocol.KeyS, p.S)
	return nil
}

func (e *Engine) SetState(ref entity.Ref, n int) error {
	ent, err := e.target(ref)
	if err != nil {
		return fmt.Errorf("set state %s: %w", ref, err)
	}
	e.setIfChanged(ent, protocol.KeyN, float64(n))
	return nil
}

// IncrementState advances n modulo states.
func (e *Engine) IncrementState(ref entity.Ref, states int) error {
	if states <= 0 {
		return fmt.Errorf("increment state %s: states must be positive", ref)
	}
	ent, err := e.target(ref)
	if err != nil {
		return fmt.Errorf("increment state %s: %w", ref, err)
	}
	e.setIfChanged(ent, protocol.KeyN, float64((ent.N+1)%states))
	return nil
}

// MoveHand places this client's hand.
func (e *Engine) MoveHand(x, y float64) bool {
	h, ok := e.ownHand()
	if !ok {
		return false
	}
	e.setIfChanged(h, protocol.KeyX, x)
	e.setIfChanged(h, protocol.KeyY, y)
	return true
}

// CloseHand shows the grabbing hand; OpenHand the open one.
func (e *Engine) CloseHand() bool { return e.setHandState(1) }
func (e *Engine) OpenHand() bool  { return e.setHandState(0) }

func (e *Engine) setHandState(n int) bool {
	h, ok := e.ownHand()
	if !ok {
		return false
	}
	e.setIfChanged(h, protocol.KeyN, float64(n))
	return true
}

// Say sends a chat line. Chat is not batched.
func (e *Engine) Say(text string) error {
	if !e.syncing() {
		return ErrNotSyncing
	}
	return e.sender.Send(protocol.ChatMsg{
		Type:            protocol.TypeChat,
		ProtocolVersion: protocol.Version,
		From:            e.self,
		Text:            text,
	})
}

// Rename and SetGroup send a full roster with our entry edited; the change
// takes effect when the relay broadcasts it back.
func (e *Engine) Rename(name string) error {
	return e.editSelf(func(ci *protocol.ClientInfo) { ci.Name = name })
}

func (e *Engine) SetGroup(group int) error {
	if group < 0 {
		return fmt.Errorf("set group %d: negative group", group)
	}
	return e.editSelf(func(ci *protocol.ClientInfo) { ci.GroupID = group })
}

func (e *Engine) editSelf(fn func(*protocol.ClientInfo)) error {
	if !e.syncing() {
		return ErrNotSyncing
	}
	clients := e.Roster()
	ci := clients[e.self]
	fn(&ci)
	clients[e.self] = ci
	return e.sender.Send(protocol.RosterMsg{
		Type:            protocol.TypeRoster,
		ProtocolVersion: protocol.Version,
		Clients:         clients,
	})
}

func (e *Engine) group() int {
	if ci, ok := e.roster[e.self]; ok {
		return ci.GroupID
	}
	return e.cfg.GroupID
}

func (e *Engine) ownHand() (*entity.Entity, bool) {
	if !e.syncing() {
		return nil, false
	}
	return e.HandOf(e.self)
}

func (e *Engine) target(ref entity.Ref) (*entity.Entity, error) {
	if !e.syncing() {
		return nil, ErrNotSyncing
	}
	ent, ok := e.lookup(ref)
	if !ok {
		return nil, ErrUnknownEntity
	}
	return ent, nil
}

func (e *Engine) mutable(ref entity.Ref) (*entity.Entity, error) {
	ent, err := e.target(ref)
	if err != nil {
		return nil, fmt.Errorf("set pose %s: %w", ref, err)
	}
	if ent.IH != 0 && ent.IH != e.self && e.connected(ent.IH) {
		return nil, fmt.Errorf("set pose %s: %w by %d", ref, ErrHeld, ent.IH)
	}
	return ent, nil
}

func (e *Engine) setIfChanged(ent *entity.Entity, k protocol.Key, v float64) {
	if ent.Get(k) == v {
		return
	}
	e.write(ent, k, v, true)
}
