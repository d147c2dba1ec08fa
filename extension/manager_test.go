package extension

import (
	"context"
	"testing"

	"github.com/kpekel/agentloop/agent"
	"github.com/kpekel/agentloop/toolclient"
)

type fakeClient struct {
	tools  []agent.Tool
	calls  []string
	closed bool
}

func (f *fakeClient) Initialize(ctx context.Context, info toolclient.ClientInfo) (toolclient.ServerInfo, error) {
	return toolclient.ServerInfo{Instructions: "use me wisely"}, nil
}
func (f *fakeClient) ListTools(ctx context.Context) ([]agent.Tool, error) { return f.tools, nil }
func (f *fakeClient) CallTool(ctx context.Context, name string, args map[string]any) (*toolclient.ToolCallResult, error) {
	f.calls = append(f.calls, name)
	return &toolclient.ToolCallResult{Content: []agent.ResultContent{{Text: "ok:" + name}}}, nil
}
func (f *fakeClient) ListResources(ctx context.Context) ([]toolclient.Resource, error) { return nil, nil }
func (f *fakeClient) ReadResource(ctx context.Context, uri string) (*toolclient.ResourceContent, error) {
	return nil, errNotFound
}
func (f *fakeClient) ListPrompts(ctx context.Context) ([]toolclient.Prompt, error) { return nil, nil }
func (f *fakeClient) GetPrompt(ctx context.Context, name string, args map[string]any) (*toolclient.PromptResult, error) {
	return nil, errNotFound
}
func (f *fakeClient) Subscribe(ctx context.Context) (<-chan toolclient.Notification, error) {
	ch := make(chan toolclient.Notification)
	close(ch)
	return ch, nil
}
func (f *fakeClient) Close() error { f.closed = true; return nil }

func newTestManager(t *testing.T, fakes map[string]*fakeClient) *Manager {
	t.Helper()
	m := New(toolclient.ClientInfo{Name: "test", Version: "0"}, WithClientFactory(func(cfg Config) (toolclient.Client, error) {
		return fakes[cfg.Key], nil
	}))
	for key := range fakes {
		if err := m.AddExtension(context.Background(), Config{Key: key, Kind: KindStdio}, nil); err != nil {
			t.Fatalf("AddExtension(%s): %v", key, err)
		}
	}
	return m
}

func TestPrefixRoundTrip(t *testing.T) {
	fs := &fakeClient{tools: []agent.Tool{{Name: "read"}, {Name: "stat"}}}
	m := newTestManager(t, map[string]*fakeClient{"fs": fs})

	tools, err := m.GetPrefixedTools(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.Name] = true
	}
	if !names["fs__read"] || !names["fs__stat"] {
		t.Fatalf("expected prefixed names, got %v", tools)
	}

	result, err := m.DispatchToolCall(context.Background(), agent.ToolCall{Name: "fs__read"})
	if err != nil {
		t.Fatal(err)
	}
	outcome := <-result.Result
	if outcome.Err != nil {
		t.Fatalf("unexpected error: %v", outcome.Err)
	}
	if len(fs.calls) != 1 || fs.calls[0] != "read" {
		t.Fatalf("expected stripped name 'read', got %v", fs.calls)
	}
}

func TestDispatchUnknownPrefix(t *testing.T) {
	m := newTestManager(t, map[string]*fakeClient{"fs": {}})
	_, err := m.DispatchToolCall(context.Background(), agent.ToolCall{Name: "nope__thing"})
	if err == nil {
		t.Fatal("expected error for unknown prefix")
	}
}

func TestManagerConsistencyAfterAddRemove(t *testing.T) {
	m := newTestManager(t, map[string]*fakeClient{"fs": {}, "git": {}})

	if err := m.RemoveExtension("fs"); err != nil {
		t.Fatal(err)
	}
	keys := m.Keys()
	if len(keys) != 1 || keys[0] != "git" {
		t.Fatalf("expected only 'git' left, got %v", keys)
	}

	// Idempotent remove.
	if err := m.RemoveExtension("fs"); err != nil {
		t.Fatalf("expected idempotent remove, got %v", err)
	}
}

func TestAddExtensionFailureLeavesStateUnchanged(t *testing.T) {
	m := New(toolclient.ClientInfo{Name: "test"}, WithClientFactory(func(cfg Config) (toolclient.Client, error) {
		return nil, context.DeadlineExceeded
	}))
	err := m.AddExtension(context.Background(), Config{Key: "broken", Kind: KindStdio}, nil)
	if err == nil {
		t.Fatal("expected initialization error")
	}
	if len(m.Keys()) != 0 {
		t.Fatalf("expected no partial insertion, got %v", m.Keys())
	}
}

func TestSuggestDisableExtensions(t *testing.T) {
	fakes := map[string]*fakeClient{}
	for i := 0; i < 6; i++ {
		fakes[string(rune('a'+i))] = &fakeClient{tools: []agent.Tool{{Name: "x"}}}
	}
	m := newTestManager(t, fakes)

	advisory, err := m.SuggestDisableExtensions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if advisory == "" {
		t.Fatal("expected a non-empty advisory with 6 loaded extensions")
	}
}

func TestSuggestDisableExtensionsEmptyWhenSmall(t *testing.T) {
	m := newTestManager(t, map[string]*fakeClient{"fs": {tools: []agent.Tool{{Name: "read"}}}})
	advisory, err := m.SuggestDisableExtensions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if advisory != "" {
		t.Fatalf("expected empty advisory, got %q", advisory)
	}
}
