package router

import (
	"context"
	"testing"

	"github.com/kpekel/agentloop/agent"
)

func TestOffStrategyReturnsEverything(t *testing.T) {
	idx, err := New(StrategyOff, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	tools := []agent.Tool{{Name: "fs__read"}, {Name: "fs__write"}}
	if err := idx.Sync(ctx, "add", tools); err != nil {
		t.Fatal(err)
	}
	got, err := idx.SelectTools(ctx, "anything", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected all tools under off strategy, got %v", got)
	}
}

func TestVectorStrategySyncAndSelect(t *testing.T) {
	idx, err := New(StrategyVector, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	tools := []agent.Tool{
		{Name: "fs__read", Description: "read a file from disk"},
		{Name: "net__fetch", Description: "fetch a URL over http"},
	}
	if err := idx.Sync(ctx, "add", tools); err != nil {
		t.Fatal(err)
	}

	got, err := idx.SelectTools(ctx, "read a file from disk", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 {
		t.Fatal("expected at least one selected tool")
	}
}

func TestVectorStrategyRemove(t *testing.T) {
	idx, err := New(StrategyVector, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	tools := []agent.Tool{{Name: "fs__read", Description: "read"}}
	if err := idx.Sync(ctx, "add", tools); err != nil {
		t.Fatal(err)
	}
	if err := idx.Sync(ctx, "remove", tools); err != nil {
		t.Fatal(err)
	}
	if _, ok := idx.tools["fs__read"]; ok {
		t.Fatal("expected tool removed from catalogue")
	}
}

func TestRecentCallsStayEligible(t *testing.T) {
	idx, err := New(StrategyVector, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	tools := []agent.Tool{
		{Name: "fs__read", Description: "read a file"},
		{Name: "net__fetch", Description: "fetch a url"},
	}
	if err := idx.Sync(ctx, "add", tools); err != nil {
		t.Fatal(err)
	}
	idx.RecordToolCall("net__fetch")

	got, err := idx.SelectTools(ctx, "read a file", 1)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tl := range got {
		names[tl.Name] = true
	}
	if !names["net__fetch"] {
		t.Fatalf("expected recently-called tool to stay eligible, got %v", got)
	}
}

type stubLLMSelector struct{ pick string }

func (s stubLLMSelector) SelectTools(ctx context.Context, query string, candidates []agent.Tool) ([]string, error) {
	return []string{s.pick}, nil
}

func TestLLMStrategyDelegatesToSelector(t *testing.T) {
	idx, err := New(StrategyLLM, stubLLMSelector{pick: "fs__read"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	tools := []agent.Tool{{Name: "fs__read"}, {Name: "net__fetch"}}
	if err := idx.Sync(ctx, "add", tools); err != nil {
		t.Fatal(err)
	}
	got, err := idx.SelectTools(ctx, "read a file", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "fs__read" {
		t.Fatalf("expected only fs__read selected, got %v", got)
	}
}

func TestSearchToolName(t *testing.T) {
	vecIdx, _ := New(StrategyVector, nil)
	if name, ok := vecIdx.SearchToolName(); !ok || name != VectorSearchToolName {
		t.Fatalf("expected vector search tool name, got %q %v", name, ok)
	}
	offIdx, _ := New(StrategyOff, nil)
	if _, ok := offIdx.SearchToolName(); ok {
		t.Fatal("expected no search tool exposed under off strategy")
	}
}

func TestReconcileDropsToolsFromDisabledExtensions(t *testing.T) {
	idx, err := New(StrategyVector, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	initial := []agent.Tool{
		{Name: "fs__read", Description: "read a file"},
		{Name: "git__log", Description: "show commit history"},
		{Name: "git__diff", Description: "show changes"},
	}
	if err := idx.Sync(ctx, "add", initial); err != nil {
		t.Fatal(err)
	}

	// The git extension was disabled: the current catalogue no longer
	// carries its tools.
	remaining := []agent.Tool{{Name: "fs__read", Description: "read a file"}}
	if err := idx.Reconcile(ctx, remaining); err != nil {
		t.Fatal(err)
	}

	if _, ok := idx.tools["git__log"]; ok {
		t.Fatal("expected git__log dropped after reconcile")
	}
	if _, ok := idx.tools["git__diff"]; ok {
		t.Fatal("expected git__diff dropped after reconcile")
	}

	got, err := idx.SelectTools(ctx, "show commit history", 3)
	if err != nil {
		t.Fatal(err)
	}
	for _, tl := range got {
		if tl.Name == "git__log" || tl.Name == "git__diff" {
			t.Fatalf("SelectTools surfaced a tool from a disabled extension: %v", got)
		}
	}
}

func TestReconcileAddsNewTools(t *testing.T) {
	idx, err := New(StrategyVector, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := idx.Reconcile(ctx, []agent.Tool{{Name: "fs__read", Description: "read a file"}}); err != nil {
		t.Fatal(err)
	}
	if _, ok := idx.tools["fs__read"]; !ok {
		t.Fatal("expected fs__read indexed after reconcile")
	}
}
