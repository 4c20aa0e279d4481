// Package protocol implements the JSON envelope used for all wire messages.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type classifies an envelope.
type Type string

const (
	TypeChat     Type = "chat"
	TypeSystem   Type = "system"
	TypeAction   Type = "action"
	TypeResponse Type = "response"
	TypeError    Type = "error"
)

// ServerName is the sender name on all server-originated envelopes.
const ServerName = "server"

// Close codes beyond the standard WebSocket set.
const (
	CloseNormal   = 1000
	CloseTakeover = 4001
)

// TakeoverReason is the close reason sent with CloseTakeover.
const TakeoverReason = "Session taken over by reconnect"

// Envelope is the single message schema carried over the wire.
// Unrecognized top-level keys survive a Parse/Encode round trip but have
// no semantic meaning.
type Envelope struct {
	ID        string
	Type      Type
	From      string
	To        string
	Timestamp time.Time
	Payload   map[string]any

	extra map[string]json.RawMessage
}

// NewID returns a short opaque identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// reserved top-level keys; everything else is preserved verbatim.
var reservedKeys = map[string]bool{
	"id": true, "type": true, "from": true, "to": true,
	"timestamp": true, "payload": true,
}

// Parse decodes raw bytes into an Envelope. It fails on non-JSON input,
// a non-object top level, or a missing/empty "type". Missing id, from,
// timestamp and payload are backfilled so downstream handlers always see
// complete structural values.
func Parse(data []byte) (*Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.New("envelope is not a JSON object")
	}
	if raw == nil {
		return nil, errors.New("envelope is not a JSON object")
	}

	var typ string
	if t, ok := raw["type"]; ok {
		_ = json.Unmarshal(t, &typ)
	}
	if typ == "" {
		return nil, errors.New("envelope has no type")
	}

	env := &Envelope{Type: Type(typ)}

	if v, ok := raw["id"]; ok {
		_ = json.Unmarshal(v, &env.ID)
	}
	if env.ID == "" {
		env.ID = NewID()
	}

	if v, ok := raw["from"]; ok {
		_ = json.Unmarshal(v, &env.From)
	}
	if env.From == "" {
		env.From = "unknown"
	}

	if v, ok := raw["to"]; ok {
		_ = json.Unmarshal(v, &env.To)
	}

	if v, ok := raw["timestamp"]; ok {
		var ts string
		_ = json.Unmarshal(v, &ts)
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			env.Timestamp = parsed.UTC()
		}
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	if v, ok := raw["payload"]; ok {
		_ = json.Unmarshal(v, &env.Payload)
	}
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}

	for k, v := range raw {
		if reservedKeys[k] {
			continue
		}
		if env.extra == nil {
			env.extra = make(map[string]json.RawMessage)
		}
		env.extra[k] = v
	}

	return env, nil
}

// Encode serializes an envelope to wire bytes.
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// MarshalJSON implements json.Marshaler so envelopes nest cleanly inside
// payloads (e.g. room history).
func (e *Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 6+len(e.extra))
	out["id"] = e.ID
	out["type"] = string(e.Type)
	out["from"] = e.From
	if e.To != "" {
		out["to"] = e.To
	}
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339)
	if e.Payload != nil {
		out["payload"] = e.Payload
	} else {
		out["payload"] = map[string]any{}
	}
	for k, v := range e.extra {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler via Parse.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}

func newEnvelope(typ Type, from, to string, payload map[string]any) *Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Envelope{
		ID:        NewID(),
		Type:      typ,
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// NewChat builds a chat envelope from a named sender.
func NewChat(from, to string, payload map[string]any) *Envelope {
	return newEnvelope(TypeChat, from, to, payload)
}

// NewSystem builds a server-originated system envelope for the given event.
func NewSystem(event string, payload map[string]any) *Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["event"] = event
	return newEnvelope(TypeSystem, ServerName, "", payload)
}

// NewAction builds a client action request envelope.
func NewAction(from, action string, payload map[string]any) *Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["action"] = action
	return newEnvelope(TypeAction, from, "", payload)
}

// NewResponse builds the server reply to an action.
func NewResponse(action string, success bool, data map[string]any, errMsg string) *Envelope {
	payload := map[string]any{
		"action":  action,
		"success": success,
	}
	if data != nil {
		payload["data"] = data
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	return newEnvelope(TypeResponse, ServerName, "", payload)
}

// NewError builds an error envelope. Error envelopes are never broadcast.
func NewError(code int, message string) *Envelope {
	return newEnvelope(TypeError, ServerName, "", map[string]any{
		"code":    code,
		"message": message,
	})
}
