package protocol

import "encoding/json"

func newMessage(typ MessageType, name string, data any) *Message {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	return &Message{Type: typ, Name: name, Data: raw}
}

// NewSetTaskContext creates a SetTaskContext command.
func NewSetTaskContext(data SetTaskContextData) *Message {
	return newMessage(MessageTypeCommand, CommandSetTaskContext, data)
}

// NewStartNewTask creates a StartNewTask command.
func NewStartNewTask(data StartNewTaskData) *Message {
	return newMessage(MessageTypeCommand, CommandStartNewTask, data)
}

// NewCancelTask creates a CancelTask command.
func NewCancelTask() *Message {
	return newMessage(MessageTypeCommand, CommandCancelTask, CancelTaskData{})
}

// NewCloseTask creates a CloseTask command.
func NewCloseTask() *Message {
	return newMessage(MessageTypeCommand, CommandCloseTask, CloseTaskData{})
}

// NewTaskContextConfirmation creates the agent's handshake reply.
func NewTaskContextConfirmation(success bool, errMsg string) *Message {
	return newMessage(MessageTypeEvent, EventTaskContextConfirmation, TaskContextConfirmationData{Success: success, Error: errMsg})
}

// NewTaskStarted creates a TaskStarted event.
func NewTaskStarted(agentTaskID string) *Message {
	return newMessage(MessageTypeEvent, EventTaskStarted, TaskStartedData{AgentTaskID: agentTaskID})
}

// NewTaskTokenUsageUpdated creates a cumulative token usage event.
func NewTaskTokenUsageUpdated(data TaskTokenUsageData) *Message {
	return newMessage(MessageTypeEvent, EventTaskTokenUsageUpdated, data)
}

// NewTaskToolFailed creates a TaskToolFailed event.
func NewTaskToolFailed(toolName, errMsg string) *Message {
	return newMessage(MessageTypeEvent, EventTaskToolFailed, TaskToolFailedData{ToolName: toolName, Error: errMsg})
}

// NewTaskCompleted creates a TaskCompleted event.
func NewTaskCompleted() *Message {
	return newMessage(MessageTypeEvent, EventTaskCompleted, nil)
}

// NewTaskAborted creates a TaskAborted event.
func NewTaskAborted(reason string) *Message {
	return newMessage(MessageTypeEvent, EventTaskAborted, TaskAbortedData{Reason: reason})
}

// NewEvalPass creates an EvalPass event.
func NewEvalPass() *Message {
	return newMessage(MessageTypeEvent, EventEvalPass, nil)
}

// NewEvalFail creates an EvalFail event.
func NewEvalFail(reason string) *Message {
	return newMessage(MessageTypeEvent, EventEvalFail, EvalFailData{Reason: reason})
}

// DecodeSetTaskContext decodes a SetTaskContext payload.
func (m *Message) DecodeSetTaskContext() (*SetTaskContextData, error) {
	var d SetTaskContextData
	if err := m.decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DecodeStartNewTask decodes a StartNewTask payload.
func (m *Message) DecodeStartNewTask() (*StartNewTaskData, error) {
	var d StartNewTaskData
	if err := m.decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DecodeConfirmation decodes a TaskContextConfirmation payload.
func (m *Message) DecodeConfirmation() (*TaskContextConfirmationData, error) {
	var d TaskContextConfirmationData
	if err := m.decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DecodeTaskStarted decodes a TaskStarted payload.
func (m *Message) DecodeTaskStarted() (*TaskStartedData, error) {
	var d TaskStartedData
	if err := m.decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DecodeTokenUsage decodes a TaskTokenUsageUpdated payload.
func (m *Message) DecodeTokenUsage() (*TaskTokenUsageData, error) {
	var d TaskTokenUsageData
	if err := m.decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DecodeToolFailed decodes a TaskToolFailed payload.
func (m *Message) DecodeToolFailed() (*TaskToolFailedData, error) {
	var d TaskToolFailedData
	if err := m.decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DecodeTaskAborted decodes a TaskAborted payload.
func (m *Message) DecodeTaskAborted() (*TaskAbortedData, error) {
	var d TaskAbortedData
	if err := m.decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DecodeEvalFail decodes an EvalFail payload.
func (m *Message) DecodeEvalFail() (*EvalFailData, error) {
	var d EvalFailData
	if err := m.decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}
