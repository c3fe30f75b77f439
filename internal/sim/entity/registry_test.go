package entity

import (
	"testing"

	"github.com/morganlombard/Virtual-Game-Table/internal/protocol"
)

func TestRegistry_IdsPerKindInCreationOrder(t *testing.T) {
	r := NewRegistry()
	p0 := r.Register(Piece, Pose{X: 1})
	h0 := r.Register(Hand, Pose{})
	p1 := r.Register(Piece, Pose{X: 2})

	if p0.Ref() != (Ref{Kind: Piece, ID: 0}) || p1.Ref() != (Ref{Kind: Piece, ID: 1}) {
		t.Fatalf("piece refs: %v %v", p0.Ref(), p1.Ref())
	}
	if h0.Ref() != (Ref{Kind: Hand, ID: 0}) {
		t.Fatalf("hand ref: %v", h0.Ref())
	}
	if got, ok := r.Lookup(Ref{Kind: Piece, ID: 1}); !ok || got != p1 {
		t.Fatalf("lookup piece 1 failed")
	}
	if _, ok := r.Lookup(Ref{Kind: Piece, ID: 2}); ok {
		t.Fatalf("lookup of unregistered id must fail")
	}
	if _, ok := r.Lookup(Ref{Kind: Hand, ID: -1}); ok {
		t.Fatalf("negative id must fail")
	}
	if r.Len(Piece) != 2 || r.Len(Hand) != 1 {
		t.Fatalf("len pieces=%d hands=%d", r.Len(Piece), r.Len(Hand))
	}
}

func TestEntity_Defaults(t *testing.T) {
	e := NewRegistry().Register(Piece, Pose{X: 3, Y: 4})
	if e.TS != protocol.NoGroup || e.IH != 0 {
		t.Fatalf("new entity ts=%d ih=%d", e.TS, e.IH)
	}
	if e.Pose.S != 1 {
		t.Fatalf("zero scale should default to 1, got %v", e.Pose.S)
	}
	a := e.Attrs()
	if len(a) != len(protocol.Keys) || a[protocol.KeyX] != 3 || a[protocol.KeySelect] != -1 {
		t.Fatalf("attrs=%v", a)
	}
	e.Set(protocol.KeyHold, 7)
	if e.IH != 7 || e.Get(protocol.KeyHold) != 7 {
		t.Fatalf("set ih failed: %d", e.IH)
	}
}
