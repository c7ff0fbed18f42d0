// Package protocol defines the WebSocket message envelope and typed payloads
// shared between the server and remote agents.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmptyMessage is returned when the raw frame is empty or not a JSON object.
	ErrEmptyMessage = errors.New("protocol: empty message")
	// ErrInvalidID is returned when a frame carries a message_id that is not a UUID.
	ErrInvalidID = errors.New("protocol: invalid message id")
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      MessageType     `json:"message_type"`
	ID        string          `json:"message_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a message with a fresh id and timestamp.
func NewMessage(msgType MessageType, data any) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal data: %w", err)
	}
	return &Message{
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      raw,
	}, nil
}

// NewCommandMessage creates a generic COMMAND envelope for the given command
// type. A non-positive timeout falls back to 300 seconds.
func NewCommandMessage(cmdType CommandType, params map[string]any, timeoutSeconds int) (*Message, error) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 300
	}
	return NewMessage(TypeCommand, CommandData{
		CommandType: cmdType,
		Parameters:  params,
		Timeout:     timeoutSeconds,
	})
}

// NewAck creates an ack envelope for the message being acknowledged. The ack
// reuses the acknowledged message's id so the agent can correlate it without
// tracking a separate reply id.
func NewAck(ackedID string) (*Message, error) {
	raw, err := json.Marshal(AckData{MessageID: ackedID, Status: "heartbeat_received"})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal data: %w", err)
	}
	return &Message{
		Type:      TypeAck,
		ID:        ackedID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      raw,
	}, nil
}

// NewErrorMessage creates an error envelope sent back to an agent.
func NewErrorMessage(errType, detail string) (*Message, error) {
	return NewMessage(TypeError, ErrorData{ErrorType: errType, Message: detail})
}

// Parse decodes and validates a raw frame from an agent.
//
// Unknown message types are kept as-is rather than rejected; the router
// decides what to do with them. Missing ids and timestamps are filled in,
// since older agents omit them. Script execution results are accepted with
// their result fields at the top level of the envelope; they are folded
// into Data.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyMessage
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if msg.Type == "" {
		return nil, ErrEmptyMessage
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	} else if uuid.Validate(msg.ID) != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, msg.ID)
	}
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	} else if _, err := time.Parse(time.RFC3339, msg.Timestamp); err != nil {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if msg.Type == TypeScriptExecutionResult && len(msg.Data) == 0 {
		folded, err := foldTopLevel(raw)
		if err != nil {
			return nil, err
		}
		msg.Data = folded
	}
	return &msg, nil
}

// foldTopLevel moves non-envelope fields of a frame into a data object.
func foldTopLevel(raw []byte) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("protocol: decode frame: %w", err)
	}
	delete(fields, "message_type")
	delete(fields, "message_id")
	delete(fields, "timestamp")
	delete(fields, "data")
	folded, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("protocol: fold fields: %w", err)
	}
	return folded, nil
}

// ParseData unmarshals the data object into the given target.
func (m *Message) ParseData(target any) error {
	if len(m.Data) == 0 {
		return errors.New("protocol: message has no data")
	}
	return json.Unmarshal(m.Data, target)
}

// AttachConnectionInfo embeds session details into the payload under the
// _connection_info key, so a message queued before the sender identified
// itself can still be resolved to a host later.
func (m *Message) AttachConnectionInfo(info ConnectionInfo) error {
	fields := make(map[string]json.RawMessage)
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &fields); err != nil {
			return fmt.Errorf("protocol: attach connection info: %w", err)
		}
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	fields["_connection_info"] = raw
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	m.Data = data
	return nil
}

// Encode serializes the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Time returns the envelope timestamp as a time.Time, zero if unparseable.
func (m *Message) Time() time.Time {
	t, err := time.Parse(time.RFC3339, m.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}
