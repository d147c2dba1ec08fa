// Package router maintains a searchable index over the tool catalogue.
// When the catalogue grows past what a model can usefully hold in
// context, the index narrows it down with either a vector similarity
// search (chromem-go) or an LLM-driven discriminative pick, and exposes
// the two as router__vector_search / router__llm_search tools.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/kpekel/agentloop/agent"
)

// Strategy selects how the index narrows the tool catalogue.
type Strategy string

const (
	StrategyOff    Strategy = "off"
	StrategyVector Strategy = "vector"
	StrategyLLM    Strategy = "llm"
)

const (
	// VectorSearchToolName is exposed only when Strategy == StrategyVector.
	VectorSearchToolName = "router__vector_search"
	// LLMSearchToolName is exposed only when Strategy == StrategyLLM.
	LLMSearchToolName = "router__llm_search"

	collectionName  = "agentloop_tools"
	embeddingDims   = 256
	recentToolsSize = 10
)

// LLMSelector is the collaborator the llm strategy asks to discriminate
// between candidate tools for a query. A concrete implementation
// typically wraps the same provider.Provider the loop already holds; the
// exact model choice is up to the caller.
type LLMSelector interface {
	SelectTools(ctx context.Context, query string, candidates []agent.Tool) ([]string, error)
}

// Index is the tool router index. Safe for concurrent use: extension
// add/remove and select_tools/record_tool_call calls may race in the loop's
// concurrent dispatch.
type Index struct {
	mu       sync.RWMutex
	strategy Strategy

	db         *chromem.DB
	collection *chromem.Collection
	llm        LLMSelector

	tools       map[string]agent.Tool // prefixed name -> tool
	recentCalls []string              // most-recently-called prefixed names, bounded
}

// New constructs an Index. llm may be nil unless strategy == StrategyLLM.
func New(strategy Strategy, llm LLMSelector) (*Index, error) {
	idx := &Index{
		strategy: strategy,
		llm:      llm,
		tools:    make(map[string]agent.Tool),
	}
	if strategy == StrategyVector {
		idx.db = chromem.NewDB()
		col, err := idx.db.GetOrCreateCollection(collectionName, nil, noopEmbed)
		if err != nil {
			return nil, fmt.Errorf("router: create collection: %w", err)
		}
		idx.collection = col
	}
	return idx, nil
}

// noopEmbed satisfies chromem.EmbeddingFunc; vectors are always supplied
// up front via hashEmbed rather than computed by chromem itself.
func noopEmbed(ctx context.Context, text string) ([]float32, error) {
	return hashEmbed(text, embeddingDims), nil
}

// Enabled reports whether the index is anything other than StrategyOff.
func (idx *Index) Enabled() bool {
	return idx.strategy != StrategyOff
}

// Sync applies an extension's add/remove/enable/disable event to the
// index, keeping it consistent with the currently loaded catalogue.
func (idx *Index) Sync(ctx context.Context, action string, prefixedTools []agent.Tool) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	switch action {
	case "add":
		return idx.addLocked(ctx, prefixedTools)
	case "remove":
		idx.removeLocked(ctx, prefixedTools)
		return nil
	default:
		return fmt.Errorf("router: unknown sync action %q", action)
	}
}

// Reconcile makes the index match exactly the given catalogue: tools not
// yet indexed are added, and indexed tools no longer present (an
// extension was disabled or removed since the last turn) are dropped so
// SelectTools can never surface a tool that is no longer dispatchable.
func (idx *Index) Reconcile(ctx context.Context, current []agent.Tool) error {
	if idx.strategy == StrategyOff {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	currentSet := make(map[string]bool, len(current))
	var added []agent.Tool
	for _, t := range current {
		currentSet[t.Name] = true
		if _, ok := idx.tools[t.Name]; !ok {
			added = append(added, t)
		}
	}
	var dropped []agent.Tool
	for name, t := range idx.tools {
		if !currentSet[name] {
			dropped = append(dropped, t)
		}
	}

	idx.removeLocked(ctx, dropped)
	return idx.addLocked(ctx, added)
}

func (idx *Index) addLocked(ctx context.Context, prefixedTools []agent.Tool) error {
	for _, t := range prefixedTools {
		idx.tools[t.Name] = t
	}
	if idx.strategy == StrategyVector {
		docs := make([]chromem.Document, 0, len(prefixedTools))
		for _, t := range prefixedTools {
			text := t.Name + " " + t.Description
			docs = append(docs, chromem.Document{
				ID:        t.Name,
				Content:   text,
				Embedding: hashEmbed(text, embeddingDims),
			})
		}
		if len(docs) > 0 {
			if err := idx.collection.AddDocuments(ctx, docs, 1); err != nil {
				return fmt.Errorf("router: sync add: %w", err)
			}
		}
	}
	return nil
}

func (idx *Index) removeLocked(ctx context.Context, prefixedTools []agent.Tool) {
	for _, t := range prefixedTools {
		delete(idx.tools, t.Name)
		if idx.strategy == StrategyVector {
			_ = idx.collection.Delete(ctx, nil, nil, t.Name)
		}
	}
}

// SelectTools narrows the catalogue for a query. Under StrategyOff it
// returns every known tool unchanged. Recently called tools (up to
// recentToolsSize) are always included, so a tool the model just used
// stays eligible on the next turn even if the query drifted away from
// it.
func (idx *Index) SelectTools(ctx context.Context, query string, topK int) ([]agent.Tool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.strategy == StrategyOff {
		out := make([]agent.Tool, 0, len(idx.tools))
		for _, t := range idx.tools {
			out = append(out, t)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out, nil
	}

	selected := make(map[string]agent.Tool)
	for _, name := range idx.recentCalls {
		if t, ok := idx.tools[name]; ok {
			selected[name] = t
		}
	}

	switch idx.strategy {
	case StrategyVector:
		qvec := hashEmbed(query, embeddingDims)
		n := topK
		if n > len(idx.tools) {
			n = len(idx.tools)
		}
		if n == 0 {
			break
		}
		results, err := idx.collection.QueryEmbedding(ctx, qvec, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("router: vector search: %w", err)
		}
		for _, r := range results {
			if t, ok := idx.tools[r.ID]; ok {
				selected[r.ID] = t
			}
		}

	case StrategyLLM:
		if idx.llm == nil {
			return nil, fmt.Errorf("router: llm strategy active with no LLMSelector configured")
		}
		candidates := make([]agent.Tool, 0, len(idx.tools))
		for _, t := range idx.tools {
			candidates = append(candidates, t)
		}
		names, err := idx.llm.SelectTools(ctx, query, candidates)
		if err != nil {
			return nil, fmt.Errorf("router: llm search: %w", err)
		}
		for _, n := range names {
			if t, ok := idx.tools[n]; ok {
				selected[n] = t
			}
		}
	}

	out := make([]agent.Tool, 0, len(selected))
	for _, t := range selected {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RecordToolCall feeds a requested tool name into the recency window. It
// is called before the permission gate runs, so a later-denied call still
// counts toward recency.
func (idx *Index) RecordToolCall(name string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.recentCalls = append(idx.recentCalls, name)
	if len(idx.recentCalls) > recentToolsSize {
		idx.recentCalls = idx.recentCalls[len(idx.recentCalls)-recentToolsSize:]
	}
}

// SearchToolName returns the tool name this index's active strategy
// exposes to the model, and whether one is exposed at all.
func (idx *Index) SearchToolName() (string, bool) {
	switch idx.strategy {
	case StrategyVector:
		return VectorSearchToolName, true
	case StrategyLLM:
		return LLMSearchToolName, true
	default:
		return "", false
	}
}
