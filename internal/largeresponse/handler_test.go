package largeresponse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kpekel/agentloop/agent"
)

func TestApplyPassesThroughSmallResults(t *testing.T) {
	h := New(10)
	out := h.Apply([]agent.ResultContent{{Text: "short"}})
	assert.Equal(t, "short", out[0].Text)
}

func TestApplyTruncatesOversizedResults(t *testing.T) {
	h := New(10)
	out := h.Apply([]agent.ResultContent{{Text: strings.Repeat("a", 100)}})
	assert.Greater(t, len(out[0].Text), 10, "marker should be appended after the cut")
	assert.Contains(t, out[0].Text, "truncated")
	assert.True(t, strings.HasPrefix(out[0].Text, strings.Repeat("a", 10)))
}

func TestApplyLeavesRawPayloadsAlone(t *testing.T) {
	h := New(4)
	out := h.Apply([]agent.ResultContent{{Raw: []byte(`{"big":"payload"}`)}})
	assert.Equal(t, `{"big":"payload"}`, string(out[0].Raw))
}
