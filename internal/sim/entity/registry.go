package entity

// Registry owns the canonical entity set. Ids are assigned per kind in
// registration order and never reused.
type Registry struct {
	pieces []*Entity
	hands  []*Entity
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) Register(kind Kind, p Pose) *Entity {
	switch kind {
	case Piece:
		e := newEntity(Ref{Kind: Piece, ID: len(r.pieces)}, p)
		r.pieces = append(r.pieces, e)
		return e
	case Hand:
		e := newEntity(Ref{Kind: Hand, ID: len(r.hands)}, p)
		r.hands = append(r.hands, e)
		return e
	}
	return nil
}

func (r *Registry) Lookup(ref Ref) (*Entity, bool) {
	list := r.list(ref.Kind)
	if ref.ID < 0 || ref.ID >= len(list) {
		return nil, false
	}
	return list[ref.ID], true
}

// All returns entities of kind in id order. The slice must not be modified.
func (r *Registry) All(kind Kind) []*Entity { return r.list(kind) }

func (r *Registry) Len(kind Kind) int { return len(r.list(kind)) }

func (r *Registry) list(kind Kind) []*Entity {
	switch kind {
	case Piece:
		return r.pieces
	case Hand:
		return r.hands
	}
	return nil
}
