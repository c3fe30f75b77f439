package relay

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"

	"github.com/morganlombard/Virtual-Game-Table/internal/protocol"
)

// Master is the relay's folded view of the table, used to build join
// snapshots. It applies the same hold rule as clients: the first claim the
// relay processes wins, and only the holder or the relay may release.
type Master struct {
	pieces map[int]protocol.Attrs
	hands  map[int]protocol.Attrs
}

func NewMaster() *Master {
	return &Master{pieces: map[int]protocol.Attrs{}, hands: map[int]protocol.Attrs{}}
}

// Apply folds b into the master state. connected reports whether a client id
// is currently attached. It returns how many ih changes were refused.
func (m *Master) Apply(b protocol.Batch, connected func(int) bool) (rejected int) {
	rejected += m.applyKind(m.pieces, b.Pieces, b.Sender, connected)
	rejected += m.applyKind(m.hands, b.Hands, b.Sender, connected)
	return rejected
}

func (m *Master) applyKind(dst map[int]protocol.Attrs, src map[int]protocol.Attrs, sender int, connected func(int) bool) int {
	rejected := 0
	for id, attrs := range src {
		cur := dst[id]
		if cur == nil {
			cur = protocol.Attrs{}
			dst[id] = cur
		}
		for k, v := range attrs {
			if !protocol.IsKnownKey(k) {
				continue
			}
			if k == protocol.KeyHold && !holdAllowed(cur, int(v), sender, connected) {
				rejected++
				continue
			}
			cur[k] = v
		}
	}
	return rejected
}

func holdAllowed(cur protocol.Attrs, claim, sender int, connected func(int) bool) bool {
	holder, _ := cur.Int(protocol.KeyHold)
	if holder == 0 || claim == holder {
		return true
	}
	if claim == 0 {
		return sender == holder || sender == protocol.ServerClientID || !connected(holder)
	}
	return !connected(holder)
}

// HeldBy lists the piece and hand ids client holds, sorted.
func (m *Master) HeldBy(client int) (pieces, hands []int) {
	return heldIn(m.pieces, client), heldIn(m.hands, client)
}

func heldIn(src map[int]protocol.Attrs, client int) []int {
	var out []int
	for id, a := range src {
		if h, ok := a.Int(protocol.KeyHold); ok && h == client {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// Snapshot returns deep copies of the entity maps.
func (m *Master) Snapshot() (pieces, hands map[int]protocol.Attrs) {
	return cloneEntities(m.pieces), cloneEntities(m.hands)
}

func (m *Master) Len() int { return len(m.pieces) + len(m.hands) }

func cloneEntities(src map[int]protocol.Attrs) map[int]protocol.Attrs {
	out := make(map[int]protocol.Attrs, len(src))
	for id, a := range src {
		out[id] = a.Clone()
	}
	return out
}

// Digest hashes the folded state and the roster in a canonical order.
func (m *Master) Digest(roster map[int]protocol.ClientInfo) string {
	h := sha256.New()
	var tmp [8]byte
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:], v)
		h.Write(tmp[:])
	}
	writeEntities := func(tag byte, src map[int]protocol.Attrs) {
		h.Write([]byte{tag})
		ids := make([]int, 0, len(src))
		for id := range src {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			writeU64(uint64(id))
			for i, k := range protocol.Keys {
				v, ok := src[id][k]
				if !ok {
					continue
				}
				h.Write([]byte{byte(i)})
				writeU64(math.Float64bits(v))
			}
		}
	}
	writeEntities('p', m.pieces)
	writeEntities('h', m.hands)

	h.Write([]byte{'c'})
	ids := make([]int, 0, len(roster))
	for id := range roster {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		writeU64(uint64(id))
		writeU64(uint64(int64(roster[id].GroupID)))
		h.Write([]byte(roster[id].Name))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
