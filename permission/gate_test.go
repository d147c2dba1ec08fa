package permission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpekel/agentloop/agent"
)

func req(name string, readOnly bool) Request {
	return Request{ID: name, Call: agent.ToolCall{Name: name}, ReadOnlyHint: readOnly}
}

func TestAutoModeApprovesEverything(t *testing.T) {
	g := New(ModeAuto, NewMemoryDecisionStore(), nil)
	p := g.Classify(context.Background(), []Request{req("shell__exec", false), req("fs__read", true)})
	assert.Len(t, p.Approved, 2)
	assert.Empty(t, p.NeedsApproval)
	assert.Empty(t, p.Denied)
}

func TestChatModeSkipsEverything(t *testing.T) {
	g := New(ModeChat, NewMemoryDecisionStore(), nil)
	p := g.Classify(context.Background(), []Request{req("fs__read", true)})
	assert.Len(t, p.Skipped, 1)
	assert.Empty(t, p.Approved)
	assert.Empty(t, p.Denied)
}

func TestApproveModeNeedsApprovalUnlessAllowAlways(t *testing.T) {
	store := NewMemoryDecisionStore()
	store.Set("git__commit", DecisionAllowAlways)
	g := New(ModeApprove, store, nil)

	p := g.Classify(context.Background(), []Request{req("shell__exec", false), req("git__commit", false)})
	require.Len(t, p.Approved, 1)
	assert.Equal(t, "git__commit", p.Approved[0].Call.Name)
	require.Len(t, p.NeedsApproval, 1)
	assert.Equal(t, "shell__exec", p.NeedsApproval[0].Call.Name)
}

func TestApproveModeAutoApprovesReadOnly(t *testing.T) {
	g := New(ModeApprove, NewMemoryDecisionStore(), nil)

	p := g.Classify(context.Background(), []Request{req("shell__exec", false), req("fs__read", true)})
	require.Len(t, p.Approved, 1)
	assert.Equal(t, "fs__read", p.Approved[0].Call.Name, "a read-only annotation skips confirmation even in approve mode")
	require.Len(t, p.NeedsApproval, 1)
	assert.Equal(t, "shell__exec", p.NeedsApproval[0].Call.Name)
}

func TestSmartApproveAutoApprovesReadOnly(t *testing.T) {
	g := New(ModeSmartApprove, NewMemoryDecisionStore(), nil)
	p := g.Classify(context.Background(), []Request{req("fs__read", true), req("shell__exec", false)})
	require.Len(t, p.Approved, 1)
	assert.Equal(t, "fs__read", p.Approved[0].Call.Name)
	require.Len(t, p.NeedsApproval, 1)
	assert.Equal(t, "shell__exec", p.NeedsApproval[0].Call.Name)
}

type stubClassifier struct{ safe bool }

func (s stubClassifier) IsClearlySafe(ctx context.Context, call agent.ToolCall) (bool, error) {
	return s.safe, nil
}

func TestSmartApproveClassifierUpgrade(t *testing.T) {
	g := New(ModeSmartApprove, NewMemoryDecisionStore(), stubClassifier{safe: true})
	p := g.Classify(context.Background(), []Request{req("shell__echo_hello", false)})
	assert.Len(t, p.Approved, 1, "classifier should upgrade a clearly-safe call to approved")
}

func TestUnknownModeFailsClosed(t *testing.T) {
	g := New(Mode("bogus"), NewMemoryDecisionStore(), nil)
	p := g.Classify(context.Background(), []Request{req("fs__read", true)})
	assert.Len(t, p.Denied, 1)
	assert.Empty(t, p.Approved)
}

func TestPartitionIsDisjointAndCovers(t *testing.T) {
	g := New(ModeApprove, NewMemoryDecisionStore(), nil)
	reqs := []Request{req("a", false), req("b", false), req("c", false)}
	p := g.Classify(context.Background(), reqs)

	seen := map[string]int{}
	for _, r := range p.Approved {
		seen[r.ID]++
	}
	for _, r := range p.NeedsApproval {
		seen[r.ID]++
	}
	for _, r := range p.Denied {
		seen[r.ID]++
	}
	require.Len(t, seen, len(reqs), "union must cover all requests")
	for id, count := range seen {
		assert.Equal(t, 1, count, "request %s must appear in exactly one bucket", id)
	}
}

func TestResolvePersistsAllowAlways(t *testing.T) {
	store := NewMemoryDecisionStore()
	g := New(ModeApprove, store, nil)
	g.Resolve("shell__exec", true, true)

	d, ok := store.Get("shell__exec")
	require.True(t, ok)
	assert.Equal(t, DecisionAllowAlways, d)

	p := g.Classify(context.Background(), []Request{req("shell__exec", false)})
	assert.Len(t, p.Approved, 1, "a persisted allow-always should pre-approve the next call")
}
