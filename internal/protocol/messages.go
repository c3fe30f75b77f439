package protocol

// JOIN (client -> relay)
type JoinMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	DisplayName     string `json:"display_name"`
	GroupID         int    `json:"group_id"`
}

type ClientInfo struct {
	Name    string `json:"name"`
	GroupID int    `json:"group_id"`
}

// SNAPSHOT (relay -> client), once per connection.
type SnapshotMsg struct {
	Type             string             `json:"type"`
	ProtocolVersion  string             `json:"protocol_version"`
	SessionID        string             `json:"session_id,omitempty"`
	AssignedClientID int                `json:"assigned_client_id"`
	FlushIntervalMS  int                `json:"flush_interval_ms,omitempty"`
	Clients          map[int]ClientInfo `json:"clients"`
	Pieces           map[int]Attrs      `json:"pieces"`
	Hands            map[int]Attrs      `json:"hands"`
}

// ROSTER (bidirectional): a full replacement of the client roster.
type RosterMsg struct {
	Type            string             `json:"type"`
	ProtocolVersion string             `json:"protocol_version"`
	Clients         map[int]ClientInfo `json:"clients"`
}

// DISCONNECT (relay -> client): ClientID left; its holds must be cleared.
type DisconnectMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientID        int    `json:"client_id"`
}

// CHAT (bidirectional). From is stamped by the relay; 0 is the server.
type ChatMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	From            int    `json:"from"`
	Text            string `json:"text"`
}

// BOOTED (relay -> client) precedes a server-side close.
type BootedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

func CloneRoster(m map[int]ClientInfo) map[int]ClientInfo {
	out := make(map[int]ClientInfo, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
