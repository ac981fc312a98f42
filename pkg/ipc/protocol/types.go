package protocol

import "encoding/json"

// SetTaskContextData seeds the agent with its task identity before work
// begins. The agent must reply with a TaskContextConfirmation.
type SetTaskContextData struct {
	TaskID       int64  `json:"taskId"`
	AgentTaskID  string `json:"rooTaskId"`
	RunID        int64  `json:"runId"`
	McpServer    string `json:"mcpServer"`
	UserIntent   string `json:"userIntent"`
	OtlpEndpoint string `json:"otlpEndpoint"`
}

// StartNewTaskData begins agent work on the exercise prompt. Configuration is
// opaque JSON forwarded verbatim to the agent.
type StartNewTaskData struct {
	Configuration json.RawMessage `json:"configuration,omitempty"`
	Text          string          `json:"text"`
	Images        []string        `json:"images,omitempty"`
	NewTab        bool            `json:"newTab"`
}

// CancelTaskData requests cooperative cancellation.
type CancelTaskData struct{}

// CloseTaskData requests orderly shutdown.
type CloseTaskData struct{}

// TaskContextConfirmationData is the agent's reply to SetTaskContext.
type TaskContextConfirmationData struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// TaskStartedData announces that the agent accepted the task.
type TaskStartedData struct {
	AgentTaskID string `json:"rooTaskId"`
}

// TaskTokenUsageData carries cumulative token counters (last-writer-wins).
type TaskTokenUsageData struct {
	TokensIn      int64   `json:"tokensIn"`
	TokensOut     int64   `json:"tokensOut"`
	TokensContext int64   `json:"tokensContext"`
	CacheReads    int64   `json:"cacheReads"`
	CacheWrites   int64   `json:"cacheWrites"`
	Cost          float64 `json:"cost"`
}

// TaskToolFailedData reports a tool invocation failure inside the agent.
type TaskToolFailedData struct {
	ToolName string `json:"toolName"`
	Error    string `json:"error"`
}

// TaskAbortedData reports that the agent gave up on the task.
type TaskAbortedData struct {
	Reason string `json:"reason"`
}

// EvalFailData carries the agent's optional pre-test failure verdict.
type EvalFailData struct {
	Reason string `json:"reason,omitempty"`
}
