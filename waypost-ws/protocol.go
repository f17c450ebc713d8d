package waypostws

import (
	"encoding/json"
	"fmt"

	"github.com/waypost-live/waypost-go/presence"
)

// Message types. The first group is sent by clients, the second by the
// server.
const (
	MsgLocationUpdate   = "location-update"
	MsgVisibilityChange = "visibility-change"
	MsgPresenceStatus   = "presence-status"
	MsgHeartbeat        = "heartbeat"
	MsgCreateTicket     = "create-ticket"

	MsgConnectionAck    = "connection-ack"
	MsgPresenceSnapshot = "presence-snapshot"
	MsgTicketSnapshot   = "ticket-snapshot"
	MsgTicketCreated    = "ticket-created"
	MsgValidationError  = "validation-error"
)

// Message is the envelope of every frame in both directions.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// VisibilityPayload is the object form of a visibility-change payload. A bare
// JSON boolean is accepted as well.
type VisibilityPayload struct {
	Visible *bool `json:"visible"`
}

// StatusPayload is the object form of a presence-status payload. A bare JSON
// string is accepted as well.
type StatusPayload struct {
	Status string `json:"status"`
}

type AckPayload struct {
	ID presence.ConnectionID `json:"id"`
}

type ErrorPayload struct {
	Type   string `json:"type,omitempty"`
	Reason string `json:"reason"`
}

// ParseMessage parses a protocol envelope.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("missing message type")
	}
	return &msg, nil
}

// EncodeMessage wraps payload in an envelope of the given type.
func EncodeMessage(msgType string, payload interface{}) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling %v payload: %w", msgType, err)
	}
	b, err := json.Marshal(Message{Type: msgType, Payload: payloadBytes})
	if err != nil {
		return nil, fmt.Errorf("marshalling %v message: %w", msgType, err)
	}
	return b, nil
}

// AckMessage returns the connection-ack sent to a newly registered client.
func AckMessage(id presence.ConnectionID) []byte {
	b, _ := EncodeMessage(MsgConnectionAck, AckPayload{ID: id})
	return b
}

// ValidationErrorMessage returns a validation-error for the message type that
// was rejected.
func ValidationErrorMessage(msgType, reason string) []byte {
	b, _ := EncodeMessage(MsgValidationError, ErrorPayload{Type: msgType, Reason: reason})
	return b
}

func decodeVisibility(raw json.RawMessage) (bool, error) {
	var visible bool
	if err := json.Unmarshal(raw, &visible); err == nil {
		return visible, nil
	}

	var p VisibilityPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Visible == nil {
		return false, &presence.ValidationError{Field: "visible", Reason: "must be a boolean"}
	}
	return *p.Visible, nil
}

func decodeStatus(raw json.RawMessage) (presence.Status, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		var p StatusPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", &presence.ValidationError{Field: "status", Reason: "must be a string"}
		}
		text = p.Status
	}
	return presence.ValidateStatus(text)
}

func decodeLocation(raw json.RawMessage) (presence.LocationPayload, error) {
	var p presence.LocationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, &presence.ValidationError{Field: "payload", Reason: "malformed location update"}
	}
	return p, nil
}
