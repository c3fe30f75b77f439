package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Relay admission and eviction.
	ErrRelayFull    = "E_RELAY_FULL"
	ErrKicked       = "E_KICKED"
	ErrSlowConsumer = "E_SLOW_CONSUMER"

	// Sequencing.
	ErrStale    = "E_STALE"
	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrRelayFull:       {},
	ErrKicked:          {},
	ErrSlowConsumer:    {},
	ErrStale:           {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
