package provider

import (
	"errors"
	"testing"

	"github.com/kpekel/agentloop/agent"
)

func TestConvertMessagesRoundTripsTextAndToolParts(t *testing.T) {
	msgs := []agent.Message{
		agent.NewUserMessage("hello"),
		{
			Role: agent.RoleAssistant,
			Content: []agent.Content{
				agent.ToolRequestContent{ID: "t1", ToolCall: agent.ToolCall{Name: "fs__read", Arguments: map[string]any{"path": "/a"}}},
			},
		},
		{
			Role: agent.RoleUser,
			Content: []agent.Content{
				agent.ToolResponseContent{ID: "t1", Result: []agent.ResultContent{{Text: "contents"}}},
			},
		},
	}

	out, err := convertMessages(msgs)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 converted messages, got %d", len(out))
	}
}

func TestFlattenToolResponseError(t *testing.T) {
	text, isErr := flattenToolResponse(agent.ToolResponseContent{Err: errors.New("boom")})
	if !isErr || text != "boom" {
		t.Fatalf("expected error flattened, got %q %v", text, isErr)
	}
}

func TestFlattenToolResponseSuccess(t *testing.T) {
	text, isErr := flattenToolResponse(agent.ToolResponseContent{
		Result: []agent.ResultContent{{Text: "a"}, {Text: "b"}},
	})
	if isErr || text != "a\nb" {
		t.Fatalf("unexpected flatten result: %q %v", text, isErr)
	}
}

func TestLeadWorkerRouting(t *testing.T) {
	p := &AnthropicProvider{leadModel: "lead-1", workerModel: "worker-1", defaultModel: "d"}
	info, ok := p.AsLeadWorker()
	if !ok || info.ActiveModel != "lead-1" {
		t.Fatalf("expected first turn to use lead model, got %+v", info)
	}
	p.turn = 1
	info, _ = p.AsLeadWorker()
	if info.ActiveModel != "worker-1" {
		t.Fatalf("expected later turn to use worker model, got %+v", info)
	}
}
