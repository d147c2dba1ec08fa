// Package largeresponse bounds tool results: content exceeding a
// configured byte budget is truncated with a visible marker before it
// reaches the model, rather than blowing the context window or the
// provider's per-message size limit.
package largeresponse

import (
	"fmt"

	"github.com/kpekel/agentloop/agent"
)

// DefaultMaxBytes bounds a single ResultContent.Text before truncation.
const DefaultMaxBytes = 32 * 1024

// Handler truncates oversized tool results.
type Handler struct {
	MaxBytes int
}

// New constructs a Handler. maxBytes <= 0 falls back to DefaultMaxBytes.
func New(maxBytes int) *Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Handler{MaxBytes: maxBytes}
}

// Apply truncates any ResultContent whose Text exceeds the configured
// budget, appending a marker that states the original size and how much
// was cut. Raw (non-text) payloads are passed through unchanged, since
// they are typically already a reference (e.g. a resource URI) rather than
// an inline blob.
func (h *Handler) Apply(results []agent.ResultContent) []agent.ResultContent {
	out := make([]agent.ResultContent, len(results))
	for i, r := range results {
		if len(r.Text) <= h.MaxBytes {
			out[i] = r
			continue
		}
		cut := len(r.Text) - h.MaxBytes
		out[i] = agent.ResultContent{
			Text: r.Text[:h.MaxBytes] + fmt.Sprintf("\n...[truncated %d of %d bytes]", cut, len(r.Text)),
		}
	}
	return out
}
