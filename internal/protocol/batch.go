package protocol

import (
	"encoding/json"
	"fmt"
)

// Batch is one flush worth of coalesced updates. On the wire it is the
// array [sender, seq, pieces, hands].
type Batch struct {
	Sender int
	Seq    uint64
	Pieces map[int]Attrs
	Hands  map[int]Attrs
}

func (b Batch) Empty() bool { return len(b.Pieces) == 0 && len(b.Hands) == 0 }

func (b Batch) MarshalJSON() ([]byte, error) {
	pieces := b.Pieces
	if pieces == nil {
		pieces = map[int]Attrs{}
	}
	hands := b.Hands
	if hands == nil {
		hands = map[int]Attrs{}
	}
	return json.Marshal([]any{b.Sender, b.Seq, pieces, hands})
}

func (b *Batch) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 4 {
		return fmt.Errorf("batch: want 4 elements, got %d", len(raw))
	}
	var out Batch
	if err := json.Unmarshal(raw[0], &out.Sender); err != nil {
		return fmt.Errorf("batch sender: %w", err)
	}
	if err := json.Unmarshal(raw[1], &out.Seq); err != nil {
		return fmt.Errorf("batch seq: %w", err)
	}
	if err := json.Unmarshal(raw[2], &out.Pieces); err != nil {
		return fmt.Errorf("batch pieces: %w", err)
	}
	if err := json.Unmarshal(raw[3], &out.Hands); err != nil {
		return fmt.Errorf("batch hands: %w", err)
	}
	*b = out
	return nil
}

// BATCH (bidirectional, relayed). Clients send Sender=0; the relay stamps it.
type BatchMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Batch           Batch  `json:"batch"`
}
