package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeJoin       = "JOIN"
	TypeSnapshot   = "SNAPSHOT"
	TypeBatch      = "BATCH"
	TypeRoster     = "ROSTER"
	TypeDisconnect = "DISCONNECT"
	TypeChat       = "CHAT"
	TypeBooted     = "BOOTED"
)

// ServerClientID is the sender id used by the relay itself (forced releases, server chat).
const ServerClientID = 0

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
