package toolclient

import (
	"context"
	"testing"
)

func TestPluginClientRejectsCallsBeforeInitialize(t *testing.T) {
	c := NewPlugin(PluginConfig{Command: "/does/not/matter"})

	if _, err := c.ListTools(context.Background()); err == nil {
		t.Fatal("expected an error before Initialize is called")
	}
	if _, err := c.CallTool(context.Background(), "anything", nil); err == nil {
		t.Fatal("expected an error before Initialize is called")
	}
}

func TestPluginClientHasNoResourceOrPromptSupport(t *testing.T) {
	c := NewPlugin(PluginConfig{Command: "/does/not/matter"})

	if _, err := c.ReadResource(context.Background(), "uri://x"); err == nil {
		t.Fatal("expected plugin clients to reject resource reads")
	}
	if _, err := c.GetPrompt(context.Background(), "p", nil); err == nil {
		t.Fatal("expected plugin clients to reject prompt lookups")
	}
}
