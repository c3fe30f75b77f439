package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/morganlombard/Virtual-Game-Table/internal/protocol"
)

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

func validateJSON(t *testing.T, s *jsonschema.Schema, raw []byte) {
	t.Helper()
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal sample: %v", err)
	}
	if err := s.Validate(v); err != nil {
		t.Fatalf("validate: %v\n%s", err, raw)
	}
}

func TestSchemas_ValidateSamples(t *testing.T) {
	validateJSON(t, compileSchema(t, "join.schema.json"), []byte(`{
	  "type":"JOIN",
	  "protocol_version":"1.0",
	  "display_name":"jack",
	  "group_id":1
	}`))

	validateJSON(t, compileSchema(t, "snapshot.schema.json"), []byte(`{
	  "type":"SNAPSHOT",
	  "protocol_version":"1.0",
	  "assigned_client_id":2,
	  "clients":{"1":{"name":"jack","group_id":1},"2":{"name":"sam","group_id":5}},
	  "pieces":{"5":{"x":10,"y":10,"ih":0}},
	  "hands":{}
	}`))

	validateJSON(t, compileSchema(t, "batch.schema.json"), []byte(`{
	  "type":"BATCH",
	  "protocol_version":"1.0",
	  "batch":[1,1,{"5":{"x":10}},{}]
	}`))

	validateJSON(t, compileSchema(t, "roster.schema.json"), []byte(`{
	  "type":"ROSTER",
	  "protocol_version":"1.0",
	  "clients":{"1":{"name":"jack","group_id":0}}
	}`))
}

func TestSchemas_RejectUnknownAttribute(t *testing.T) {
	s := compileSchema(t, "batch.schema.json")
	var v any
	_ = json.Unmarshal([]byte(`{"type":"BATCH","protocol_version":"1.0","batch":[1,1,{"5":{"zz":1}},{}]}`), &v)
	if err := s.Validate(v); err == nil {
		t.Fatalf("expected unknown attribute key to fail validation")
	}
}

func TestSchemas_ValidateEncodedMessages(t *testing.T) {
	batch := protocol.BatchMsg{
		Type:            protocol.TypeBatch,
		ProtocolVersion: protocol.Version,
		Batch: protocol.Batch{
			Sender: 3,
			Seq:    7,
			Pieces: map[int]protocol.Attrs{5: {protocol.KeyX: 10, protocol.KeyHold: 3}},
		},
	}
	b, err := json.Marshal(batch)
	if err != nil {
		t.Fatalf("marshal batch: %v", err)
	}
	validateJSON(t, compileSchema(t, "batch.schema.json"), b)

	snap := protocol.SnapshotMsg{
		Type:             protocol.TypeSnapshot,
		ProtocolVersion:  protocol.Version,
		SessionID:        "s1",
		AssignedClientID: 1,
		FlushIntervalMS:  250,
		Clients:          map[int]protocol.ClientInfo{1: {Name: "jack", GroupID: 2}},
		Pieces:           map[int]protocol.Attrs{0: {protocol.KeyX: 1, protocol.KeySelect: protocol.NoGroup}},
		Hands:            map[int]protocol.Attrs{},
	}
	b, err = json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	validateJSON(t, compileSchema(t, "snapshot.schema.json"), b)

	chat := protocol.ChatMsg{Type: protocol.TypeChat, ProtocolVersion: protocol.Version, From: 0, Text: "hi"}
	b, _ = json.Marshal(chat)
	validateJSON(t, compileSchema(t, "chat.schema.json"), b)
}
