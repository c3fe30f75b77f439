package entity

import (
	"fmt"
	"time"

	"github.com/morganlombard/Virtual-Game-Table/internal/protocol"
)

// Kind selects the id space and outbound map an entity belongs to.
type Kind uint8

const (
	Piece Kind = iota + 1
	Hand
)

func (k Kind) String() string {
	switch k {
	case Piece:
		return "piece"
	case Hand:
		return "hand"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Ref identifies an entity across clients: ids are only unique per kind.
type Ref struct {
	Kind Kind
	ID   int
}

func (r Ref) String() string { return fmt.Sprintf("%s/%d", r.Kind, r.ID) }

type Pose struct {
	X, Y, R, S float64
}

// Entity is one synchronized object. Fields are owned by the engine loop.
type Entity struct {
	ref Ref

	Pose Pose
	N    int // discrete state / texture index
	TS   int // selecting group, protocol.NoGroup when unselected
	IH   int // holding client, 0 when unheld

	// Owner is the client driving a hand (0 when the hand is free). Unused for pieces.
	Owner int

	// Baseline is the pose captured when the current hold was granted.
	Baseline Pose

	// LastSent maps an attribute to the seq of the newest batch carrying our value for it.
	LastSent map[protocol.Key]uint64

	ReleasedAt time.Time
}

func newEntity(ref Ref, p Pose) *Entity {
	if p.S == 0 {
		p.S = 1
	}
	return &Entity{
		ref:      ref,
		Pose:     p,
		Baseline: p,
		TS:       protocol.NoGroup,
		LastSent: map[protocol.Key]uint64{},
	}
}

func (e *Entity) Ref() Ref { return e.ref }

// Get returns the current value of k.
func (e *Entity) Get(k protocol.Key) float64 {
	switch k {
	case protocol.KeyX:
		return e.Pose.X
	case protocol.KeyY:
		return e.Pose.Y
	case protocol.KeyR:
		return e.Pose.R
	case protocol.KeyS:
		return e.Pose.S
	case protocol.KeyN:
		return float64(e.N)
	case protocol.KeySelect:
		return float64(e.TS)
	case protocol.KeyHold:
		return float64(e.IH)
	}
	return 0
}

// Set writes one attribute without any arbitration or queuing.
func (e *Entity) Set(k protocol.Key, v float64) {
	switch k {
	case protocol.KeyX:
		e.Pose.X = v
	case protocol.KeyY:
		e.Pose.Y = v
	case protocol.KeyR:
		e.Pose.R = v
	case protocol.KeyS:
		e.Pose.S = v
	case protocol.KeyN:
		e.N = int(v)
	case protocol.KeySelect:
		e.TS = int(v)
	case protocol.KeyHold:
		e.IH = int(v)
	}
}

// Attrs returns every attribute, as sent in a snapshot.
func (e *Entity) Attrs() protocol.Attrs {
	out := make(protocol.Attrs, len(protocol.Keys))
	for _, k := range protocol.Keys {
		out[k] = e.Get(k)
	}
	return out
}
