package orchestrator

import (
	"testing"
	"time"

	"github.com/parlancehq/parlance/pkg/types"
)

func TestStateRoundTrip(t *testing.T) {
	st := &TurnState{
		SessionID:    "s1",
		UserID:       "u1",
		UserInput:    "what time is it",
		RequestModel: "fast-model",
		History: []types.Message{
			{Role: types.RoleUser, Content: "earlier question", Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		},
		PendingToolCalls: []types.ToolCall{
			{ID: "c1", Name: "get_time", RawArguments: `{"tz":"UTC"}`},
		},
		ToolIterationCount: 2,
		CurrentIntent:      intentTimeQuery,
		AgentResponse:      "partial",
		NextAction:         actionHandleTools,
		ShouldContinue:     true,
		Step:               3,
		ResponseMetadata:   map[string]any{"tool_iterations_truncated": true},
	}

	b, err := MarshalState(st)
	if err != nil {
		t.Fatalf("MarshalState: %v", err)
	}
	got, err := UnmarshalState(b)
	if err != nil {
		t.Fatalf("UnmarshalState: %v", err)
	}

	if got.SessionID != st.SessionID || got.UserID != st.UserID {
		t.Errorf("identity fields lost: %+v", got)
	}
	if got.RequestModel != "fast-model" {
		t.Errorf("RequestModel = %q, want fast-model", got.RequestModel)
	}
	if got.ToolIterationCount != 2 || got.Step != 3 {
		t.Errorf("counters lost: iterations=%d step=%d", got.ToolIterationCount, got.Step)
	}
	if len(got.History) != 1 || got.History[0].Content != "earlier question" {
		t.Errorf("history lost: %+v", got.History)
	}
	if len(got.PendingToolCalls) != 1 || got.PendingToolCalls[0].RawArguments != `{"tz":"UTC"}` {
		t.Errorf("pending tool calls lost: %+v", got.PendingToolCalls)
	}
	if !got.ShouldContinue || got.NextAction != actionHandleTools {
		t.Errorf("routing fields lost: continue=%v next=%q", got.ShouldContinue, got.NextAction)
	}
	if got.ResponseMetadata["tool_iterations_truncated"] != true {
		t.Errorf("metadata lost: %v", got.ResponseMetadata)
	}
}

func TestUnmarshalState_BadVersion(t *testing.T) {
	if _, err := UnmarshalState([]byte(`{"codec_version":99,"state":{}}`)); err == nil {
		t.Error("expected error for unknown codec version")
	}
}

func TestUnmarshalState_InvalidJSON(t *testing.T) {
	if _, err := UnmarshalState([]byte(`{broken`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
