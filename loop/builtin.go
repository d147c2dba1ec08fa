package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kpekel/agentloop/agent"
	"github.com/kpekel/agentloop/eventstream"
	"github.com/kpekel/agentloop/permission"
)

// finalOutputToolName is the tool the model calls to deliver a
// structured final answer, when Config.FinalOutputSchema is set.
const finalOutputToolName = "final_output"

const (
	toolManageExtensions          = "platform__manage_extensions"
	toolManageSchedule            = "platform__manage_schedule"
	toolReadResource              = "platform__read_resource"
	toolListResources             = "platform__list_resources"
	toolSearchAvailableExtensions = "platform__search_available_extensions"
)

func platformToolDefs() []agent.Tool {
	return []agent.Tool{
		{
			Name:        toolManageExtensions,
			Description: "Enable or disable a configured extension by name.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action": map[string]any{"type": "string", "enum": []any{"enable", "disable"}},
					"name":   map[string]any{"type": "string"},
				},
				"required": []any{"action", "name"},
			},
			Annotations: agent.Annotations{ReadOnlyHint: false},
		},
		{
			Name:        toolReadResource,
			Description: "Read a resource by URI from a loaded extension.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"extension": map[string]any{"type": "string"},
					"uri":       map[string]any{"type": "string"},
				},
				"required": []any{"uri"},
			},
			Annotations: agent.Annotations{ReadOnlyHint: true},
		},
		{
			Name:        toolListResources,
			Description: "List resources exposed by every resource-capable loaded extension.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
			Annotations: agent.Annotations{ReadOnlyHint: true},
		},
		{
			Name:        toolSearchAvailableExtensions,
			Description: "List loaded and configured-but-not-loaded extensions.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
			Annotations: agent.Annotations{ReadOnlyHint: true},
		},
	}
}

// manageScheduleToolDef is only advertised when a Scheduler collaborator
// is configured (see builtinToolDefs).
func manageScheduleToolDef() agent.Tool {
	return agent.Tool{
		Name:        toolManageSchedule,
		Description: "Inspect or change a schedule by id: list, pause, resume, or cancel.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action":      map[string]any{"type": "string", "enum": []any{"list", "pause", "resume", "cancel"}},
				"schedule_id": map[string]any{"type": "string"},
			},
			"required": []any{"action"},
		},
	}
}

func routerSearchToolDef(name string) agent.Tool {
	return agent.Tool{
		Name:        name,
		Description: "Search the full tool catalogue for tools relevant to a query, narrowing what's offered on later turns.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []any{"query"},
		},
		Annotations: agent.Annotations{ReadOnlyHint: true},
	}
}

func finalOutputToolDef(schema map[string]any) agent.Tool {
	return agent.Tool{
		Name:        finalOutputToolName,
		Description: "Deliver the final structured answer for this task.",
		InputSchema: schema,
	}
}

// dispatchBuiltin handles every builtin tool name the loop itself owns
// (platform__*, router__*, subagent__run_task). It returns handled=false
// for anything it doesn't recognize, so the caller falls through to the
// extension manager.
func (l *Loop) dispatchBuiltin(stream *eventstream.Stream, pr permission.Request) (resp agent.ToolResponseContent, extensionChanged bool, handled bool) {
	ctx := stream.Context()
	args := pr.Call.Arguments

	switch pr.Call.Name {
	case toolManageExtensions:
		resp, extensionChanged = l.handleManageExtensions(ctx, args)
		return resp, extensionChanged, true

	case toolManageSchedule:
		if l.cfg.Scheduler == nil {
			return agent.ToolResponseContent{Err: fmt.Errorf("manage_schedule: no scheduler configured")}, false, true
		}
		action, _ := args["action"].(string)
		scheduleID, _ := args["schedule_id"].(string)
		out, err := l.cfg.Scheduler.ManageSchedule(ctx, action, scheduleID)
		if err != nil {
			return agent.ToolResponseContent{Err: fmt.Errorf("manage_schedule: %w", err)}, false, true
		}
		return agent.ToolResponseContent{Result: []agent.ResultContent{{Text: out}}}, false, true

	case toolReadResource:
		uri, _ := args["uri"].(string)
		extKey, _ := args["extension"].(string)
		content, err := l.cfg.Extensions.ReadResource(ctx, extKey, uri)
		if err != nil {
			return agent.ToolResponseContent{Err: err}, false, true
		}
		return agent.ToolResponseContent{Result: []agent.ResultContent{{Text: content.Text}}}, false, true

	case toolListResources:
		byExt, err := l.cfg.Extensions.ListResources(ctx)
		if err != nil {
			return agent.ToolResponseContent{Err: err}, false, true
		}
		raw, _ := json.Marshal(byExt)
		return agent.ToolResponseContent{Result: []agent.ResultContent{{Text: string(raw), Raw: raw}}}, false, true

	case toolSearchAvailableExtensions:
		avail, err := l.cfg.Extensions.SearchAvailableExtensions()
		if err != nil {
			return agent.ToolResponseContent{Err: err}, false, true
		}
		raw, _ := json.Marshal(avail)
		result := []agent.ResultContent{{Text: string(raw), Raw: raw}}
		if advisory, err := l.cfg.Extensions.SuggestDisableExtensions(ctx); err == nil && advisory != "" {
			result = append(result, agent.ResultContent{Text: advisory})
		}
		return agent.ToolResponseContent{Result: result}, false, true
	}

	if l.cfg.Router != nil {
		if name, ok := l.cfg.Router.SearchToolName(); ok && pr.Call.Name == name {
			query, _ := args["query"].(string)
			tools, err := l.cfg.Router.SelectTools(ctx, query, 20)
			if err != nil {
				return agent.ToolResponseContent{Err: err}, false, true
			}
			var out []string
			for _, t := range tools {
				out = append(out, fmt.Sprintf("%s: %s", t.Name, t.Description))
			}
			raw, _ := json.Marshal(out)
			return agent.ToolResponseContent{Result: []agent.ResultContent{{Text: string(raw), Raw: raw}}}, false, true
		}
	}

	if l.subagentRunner != nil && pr.Call.Name == l.subagentRunner.Tool().Name {
		handler := l.subagentRunner.Handler(func(subID string, lifted agent.AgentEvent) {
			stream.Emit(lifted)
		})
		result, err := handler.Call(ctx, args)
		if err != nil {
			return agent.ToolResponseContent{Err: err}, false, true
		}
		return agent.ToolResponseContent{Result: result.Content}, false, true
	}

	return agent.ToolResponseContent{}, false, false
}

// handleManageExtensions implements platform__manage_extensions: enable
// resolves the named config through the extension manager's ConfigManager
// and loads it; disable unloads it. Both report success as plain text
// rather than a structured payload, matching the other platform__* tools'
// human-readable result style.
func (l *Loop) handleManageExtensions(ctx context.Context, args map[string]any) (agent.ToolResponseContent, bool) {
	action, _ := args["action"].(string)
	name, _ := args["name"].(string)

	switch action {
	case "enable":
		cfg, err := l.cfg.ConfigManager.GetConfigByName(name)
		if err != nil {
			return agent.ToolResponseContent{Err: fmt.Errorf("manage_extensions: %w", err)}, false
		}
		if err := l.cfg.Extensions.AddExtension(ctx, *cfg, l.cfg.Cfg); err != nil {
			return agent.ToolResponseContent{Err: err}, false
		}
		return agent.ToolResponseContent{Result: []agent.ResultContent{{Text: fmt.Sprintf("enabled extension %q", name)}}}, true

	case "disable":
		// Snapshot the extension's tools before removal so the router
		// index can drop them; after RemoveExtension they are no longer
		// listable.
		var dropped []agent.Tool
		if l.cfg.Router != nil && l.cfg.Router.Enabled() {
			dropped, _ = l.cfg.Extensions.GetPrefixedTools(ctx, name)
		}
		if err := l.cfg.Extensions.RemoveExtension(name); err != nil {
			return agent.ToolResponseContent{Err: err}, false
		}
		if len(dropped) > 0 {
			if err := l.cfg.Router.Sync(ctx, "remove", dropped); err != nil {
				slog.Warn("router index out of sync after disable", "extension", name, "err", err)
			}
		}
		return agent.ToolResponseContent{Result: []agent.ResultContent{{Text: fmt.Sprintf("disabled extension %q", name)}}}, true

	default:
		return agent.ToolResponseContent{Err: fmt.Errorf("manage_extensions: unknown action %q", action)}, false
	}
}
