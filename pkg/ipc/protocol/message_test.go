package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseCommand(t *testing.T) {
	msg := NewSetTaskContext(SetTaskContextData{
		TaskID:       7,
		AgentTaskID:  "agent-abc",
		RunID:        3,
		McpServer:    "context7",
		UserIntent:   "solve two-fer",
		OtlpEndpoint: "http://127.0.0.1:4318",
	})

	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed.Type != MessageTypeCommand {
		t.Errorf("expected type command, got %q", parsed.Type)
	}
	if parsed.Name != CommandSetTaskContext {
		t.Errorf("expected name %q, got %q", CommandSetTaskContext, parsed.Name)
	}

	data, err := parsed.DecodeSetTaskContext()
	if err != nil {
		t.Fatalf("DecodeSetTaskContext failed: %v", err)
	}
	if data.TaskID != 7 || data.RunID != 3 {
		t.Errorf("unexpected ids: task=%d run=%d", data.TaskID, data.RunID)
	}
	if data.AgentTaskID != "agent-abc" {
		t.Errorf("unexpected agent task id %q", data.AgentTaskID)
	}
}

func TestParseUnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"gossip","name":"TaskStarted"}`))
	if err == nil {
		t.Fatal("expected error for unknown top-level type")
	}
}

func TestParseUnknownCommand(t *testing.T) {
	_, err := Parse([]byte(`{"type":"command","name":"SelfDestruct"}`))
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestParseUnknownEventAccepted(t *testing.T) {
	// The agent emits more event kinds than the orchestrator reacts to.
	msg, err := Parse([]byte(`{"type":"event","name":"TaskSpawnedSubtask","data":{"x":1}}`))
	if err != nil {
		t.Fatalf("unknown event should be accepted, got %v", err)
	}
	if msg.Name != "TaskSpawnedSubtask" {
		t.Errorf("unexpected name %q", msg.Name)
	}
}

func TestParseIgnoresUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"event","name":"TaskContextConfirmation","data":{"success":true,"surplus":"ignored"},"extra":42}`)
	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	conf, err := msg.DecodeConfirmation()
	if err != nil {
		t.Fatalf("DecodeConfirmation failed: %v", err)
	}
	if !conf.Success {
		t.Error("expected success=true")
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []string{
		``,
		`{`,
		`{"name":"TaskStarted"}`,
		`{"type":"event"}`,
	}
	for _, c := range cases {
		if _, err := Parse([]byte(c)); err == nil {
			t.Errorf("expected error for payload %q", c)
		}
	}
}

func TestStartNewTaskConfigurationPassthrough(t *testing.T) {
	cfg := json.RawMessage(`{"mode":"code","nested":{"deep":[1,2,3]}}`)
	msg := NewStartNewTask(StartNewTaskData{Configuration: cfg, Text: "prompt", NewTab: true})

	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	data, err := parsed.DecodeStartNewTask()
	if err != nil {
		t.Fatalf("DecodeStartNewTask failed: %v", err)
	}
	if string(data.Configuration) != string(cfg) {
		t.Errorf("configuration not passed through verbatim: %s", data.Configuration)
	}
	if !data.NewTab {
		t.Error("expected newTab=true")
	}
}
