package protocol

// Key names one synchronized attribute of an entity.
type Key string

const (
	KeyX      Key = "x"
	KeyY      Key = "y"
	KeyR      Key = "r"
	KeyS      Key = "s"
	KeyN      Key = "n"
	KeySelect Key = "ts"
	KeyHold   Key = "ih"
)

// Keys lists every attribute in wire order.
var Keys = []Key{KeyX, KeyY, KeyR, KeyS, KeyN, KeySelect, KeyHold}

// NoGroup is the ts value of an unselected entity.
const NoGroup = -1

// IsPoseKey reports whether k is one of x, y, r, s.
func IsPoseKey(k Key) bool {
	switch k {
	case KeyX, KeyY, KeyR, KeyS:
		return true
	}
	return false
}

// IsHoldKey reports whether k is the holder attribute.
func IsHoldKey(k Key) bool { return k == KeyHold }

func IsKnownKey(k Key) bool {
	for _, kk := range Keys {
		if kk == k {
			return true
		}
	}
	return false
}

// Attrs is a partial attribute set; absent keys mean "unchanged".
type Attrs map[Key]float64

func (a Attrs) Int(k Key) (int, bool) {
	v, ok := a[k]
	if !ok {
		return 0, false
	}
	return int(v), true
}

func (a Attrs) Clone() Attrs {
	out := make(Attrs, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
