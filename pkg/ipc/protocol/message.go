// Package protocol defines the message shapes exchanged between the
// orchestrator and agent processes over the IPC socket.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType is the top-level shape of an IPC message.
type MessageType string

const (
	// MessageTypeCommand is sent orchestrator -> agent.
	MessageTypeCommand MessageType = "command"
	// MessageTypeEvent is sent agent -> orchestrator.
	MessageTypeEvent MessageType = "event"
)

// Command names (TaskCommand kinds).
const (
	CommandSetTaskContext = "SetTaskContext"
	CommandStartNewTask   = "StartNewTask"
	CommandCancelTask     = "CancelTask"
	CommandCloseTask      = "CloseTask"
)

// Event names (TaskEvent kinds the orchestrator reacts to).
const (
	EventTaskContextConfirmation = "TaskContextConfirmation"
	EventTaskStarted             = "TaskStarted"
	EventTaskTokenUsageUpdated   = "TaskTokenUsageUpdated"
	EventTaskToolFailed          = "TaskToolFailed"
	EventTaskCompleted           = "TaskCompleted"
	EventTaskAborted             = "TaskAborted"
	EventEvalPass                = "EvalPass"
	EventEvalFail                = "EvalFail"
)

// Message is the wire envelope. Data carries the kind-specific payload and is
// left opaque until a component decodes it.
type Message struct {
	Type MessageType     `json:"type"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Parse validates and decodes a raw payload into a Message.
//
// Unknown fields inside Data are ignored. An unknown event name is accepted
// (the wire contract carries more event kinds than the orchestrator reacts
// to); an unknown top-level type or command name is a protocol violation.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks the envelope against the wire contract.
func (m *Message) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("message has no name")
	}
	switch m.Type {
	case MessageTypeCommand:
		switch m.Name {
		case CommandSetTaskContext, CommandStartNewTask, CommandCancelTask, CommandCloseTask:
			return nil
		default:
			return fmt.Errorf("unknown command %q", m.Name)
		}
	case MessageTypeEvent:
		return nil
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
}

// Encode serializes the message for framing.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// decode unmarshals Data into out, tolerating an absent payload.
func (m *Message) decode(out any) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, out); err != nil {
		return fmt.Errorf("malformed %s payload: %w", m.Name, err)
	}
	return nil
}
