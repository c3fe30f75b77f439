package engine

import (
	"github.com/morganlombard/Virtual-Game-Table/internal/protocol"
	"github.com/morganlombard/Virtual-Game-Table/internal/sim/entity"
)

// outbound coalesces local changes between flushes: one value per
// (entity, attribute), last write wins.
type outbound struct {
	pending map[entity.Ref]protocol.Attrs
}

func newOutbound() *outbound {
	return &outbound{pending: map[entity.Ref]protocol.Attrs{}}
}

func (o *outbound) put(ref entity.Ref, k protocol.Key, v float64) {
	a := o.pending[ref]
	if a == nil {
		a = protocol.Attrs{}
		o.pending[ref] = a
	}
	a[k] = v
}

func (o *outbound) unset(ref entity.Ref, k protocol.Key) {
	a := o.pending[ref]
	if a == nil {
		return
	}
	delete(a, k)
	if len(a) == 0 {
		delete(o.pending, ref)
	}
}

func (o *outbound) empty() bool { return len(o.pending) == 0 }

// batch returns the pending changes as a batch (Seq unset). The queue is left
// untouched so a failed send is retried on the next flush.
func (o *outbound) batch() protocol.Batch {
	var b protocol.Batch
	for ref, a := range o.pending {
		c := make(protocol.Attrs, len(a))
		for k, v := range a {
			c[k] = v
		}
		switch ref.Kind {
		case entity.Piece:
			if b.Pieces == nil {
				b.Pieces = map[int]protocol.Attrs{}
			}
			b.Pieces[ref.ID] = c
		case entity.Hand:
			if b.Hands == nil {
				b.Hands = map[int]protocol.Attrs{}
			}
			b.Hands[ref.ID] = c
		}
	}
	return b
}

func (o *outbound) clear() { o.pending = map[entity.Ref]protocol.Attrs{} }

type update struct {
	Value  float64
	Sender int
	Seq    uint64
}

type pendingEntity struct {
	attrs map[protocol.Key]update
	// holds keeps every ih change in arrival order: each one is a separate
	// claim or release and must be arbitrated on its own.
	holds []update
}

// inbound accumulates remote batches between flushes. Within an interval the
// last received value of a non-hold attribute wins.
type inbound struct {
	entities map[entity.Ref]*pendingEntity
	order    []entity.Ref
}

func newInbound() *inbound {
	return &inbound{entities: map[entity.Ref]*pendingEntity{}}
}

func (in *inbound) add(b protocol.Batch) {
	in.addKind(entity.Piece, b.Pieces, b.Sender, b.Seq)
	in.addKind(entity.Hand, b.Hands, b.Sender, b.Seq)
}

func (in *inbound) addKind(kind entity.Kind, m map[int]protocol.Attrs, sender int, seq uint64) {
	for _, id := range sortedIDs(m) {
		ref := entity.Ref{Kind: kind, ID: id}
		p := in.entities[ref]
		if p == nil {
			p = &pendingEntity{attrs: map[protocol.Key]update{}}
			in.entities[ref] = p
			in.order = append(in.order, ref)
		}
		for _, k := range protocol.Keys {
			v, ok := m[id][k]
			if !ok {
				continue
			}
			u := update{Value: v, Sender: sender, Seq: seq}
			if k == protocol.KeyHold {
				p.holds = append(p.holds, u)
				continue
			}
			p.attrs[k] = u
		}
	}
}

func (in *inbound) empty() bool { return len(in.order) == 0 }

func (in *inbound) reset() {
	in.entities = map[entity.Ref]*pendingEntity{}
	in.order = in.order[:0]
}
