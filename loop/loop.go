// Package loop implements the agent loop: the turn-cycle state machine
// every other component feeds into. Each turn assembles the visible tool
// catalogue, asks the provider for the next message, routes the returned
// tool requests through the permission gate and repetition monitor,
// dispatches the approved ones in parallel, and appends the bundled
// responses to history before the next turn.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/kpekel/agentloop/agent"
	"github.com/kpekel/agentloop/config"
	"github.com/kpekel/agentloop/eventstream"
	"github.com/kpekel/agentloop/extension"
	"github.com/kpekel/agentloop/internal/largeresponse"
	"github.com/kpekel/agentloop/permission"
	"github.com/kpekel/agentloop/provider"
	"github.com/kpekel/agentloop/repetition"
	"github.com/kpekel/agentloop/router"
	"github.com/kpekel/agentloop/subagent"
)

// ConfirmationAnswer is how a caller answers a needs-approval request.
type ConfirmationAnswer struct {
	RequestID   string
	Approve     bool
	AllowAlways bool
}

// SessionMetrics receives per-turn usage for session-scoped replies. The
// loop pushes to it after every successful provider call; persistence is
// up to the implementation.
type SessionMetrics interface {
	RecordUsage(session *agent.Session, usage agent.Usage)
}

// Scheduler manages the schedules behind platform__manage_schedule. The
// loop only advertises that tool when a Scheduler is configured.
type Scheduler interface {
	ManageSchedule(ctx context.Context, action, scheduleID string) (string, error)
}

// FrontendAnswer is how a caller reports the outcome of a frontend tool it
// executed on the loop's behalf.
type FrontendAnswer struct {
	RequestID string
	Result    []agent.ResultContent
	Err       error
}

// Reply is everything a caller holds for one in-flight reply(): the event
// stream to read, and the two channels the caller writes answers to.
type Reply struct {
	Stream      *eventstream.Stream
	Confirm     chan<- ConfirmationAnswer
	FrontendRes chan<- FrontendAnswer
}

// Config wires the loop's collaborators. Provider, Extensions, Permission,
// and Repetition are required; everything else is optional.
type Config struct {
	Provider          provider.Provider
	Extensions        *extension.Manager
	ConfigManager     extension.ConfigManager
	Permission        *permission.Gate
	Repetition        *repetition.Monitor
	Cfg               config.Config
	Router            *router.Index // nil disables router-narrowed tool lists
	Metrics           SessionMetrics
	Scheduler         Scheduler
	LargeResp         *largeresponse.Handler
	SystemBase        string
	FrontendDefs      []agent.Tool   // tool definitions the caller executes itself
	FinalOutputSchema map[string]any // nil disables the final_output tool

	// AllowSubagent gates whether subagent__run_task is advertised; the
	// caller is expected to pass config.AlphaFeaturesEnabled(cfg) here.
	AllowSubagent bool
	// NewSubLoop builds a fresh Looper sharing this loop's provider but
	// none of its state, for the subagent runner. Required iff
	// AllowSubagent is true.
	NewSubLoop func() subagent.Looper
}

// Loop drives reply invocations against one set of collaborators.
type Loop struct {
	cfg            Config
	frontendNames  map[string]bool
	subagentRunner *subagent.Runner
	maxTurns       int

	sessionMu     sync.Mutex
	lastSessionID string
}

// New constructs a Loop from cfg.
func New(cfg Config) *Loop {
	l := &Loop{cfg: cfg, frontendNames: make(map[string]bool, len(cfg.FrontendDefs))}
	for _, t := range cfg.FrontendDefs {
		l.frontendNames[t.Name] = true
	}
	if cfg.AllowSubagent && cfg.NewSubLoop != nil {
		l.subagentRunner = subagent.NewRunner(cfg.NewSubLoop)
	}
	if cfg.Cfg != nil {
		l.maxTurns = config.MaxTurns(cfg.Cfg)
	} else {
		l.maxTurns = config.DefaultMaxTurns
	}
	return l
}

// Run starts one reply(messages, session) invocation and
// returns immediately with the stream and answer channels; the state
// machine runs on its own goroutine. session is optional: a
// nil session means no per-reply turn-cap override, no execution-mode
// derivation, and no session-boundary repetition reset.
func (l *Loop) Run(ctx context.Context, messages []agent.Message, session *agent.Session) (*Reply, error) {
	l.startReply(session)

	stream := eventstream.New(ctx)
	confirm := make(chan ConfirmationAnswer, eventstream.ConfirmationBuffer)
	frontendRes := make(chan FrontendAnswer, eventstream.ToolResultBuffer)

	r := &run{
		loop:        l,
		stream:      stream,
		confirm:     confirm,
		frontendRes: frontendRes,
		history:     append([]agent.Message(nil), messages...),
		session:     session,
		maxTurns:    l.effectiveMaxTurns(session),
		mode:        l.effectiveMode(session),
	}
	go r.execute()

	return &Reply{Stream: stream, Confirm: confirm, FrontendRes: frontendRes}, nil
}

// startReply rewinds the per-reply state the loop's collaborators carry
// across Run calls: the provider's lead/worker turn counter always resets,
// and the repetition monitor resets only when this reply belongs to a
// different session than the last one seen, so counts stay scoped per
// session instead of silently bleeding across them.
func (l *Loop) startReply(session *agent.Session) {
	if tr, ok := l.cfg.Provider.(provider.TurnResetter); ok {
		tr.ResetTurn()
	}
	if session == nil || session.ID == "" {
		return
	}
	l.sessionMu.Lock()
	changed := session.ID != l.lastSessionID
	l.lastSessionID = session.ID
	l.sessionMu.Unlock()
	if changed && l.cfg.Repetition != nil {
		l.cfg.Repetition.Reset()
	}
}

// effectiveMaxTurns applies a session's MaxTurns override, when set, over
// the loop's GOOSE_MAX_TURNS-derived default.
func (l *Loop) effectiveMaxTurns(session *agent.Session) int {
	if session != nil && session.MaxTurns > 0 {
		return session.MaxTurns
	}
	return l.maxTurns
}

// effectiveMode derives this reply's permission mode. A session's
// ExecutionMode only takes over when the gate itself was left unconfigured
// (empty Mode): an explicit policy mode, like agentloopd's -mode flag,
// always wins over the session's foreground/background default.
func (l *Loop) effectiveMode(session *agent.Session) permission.Mode {
	mode := permission.Mode("")
	if l.cfg.Permission != nil {
		mode = l.cfg.Permission.Mode
	}
	if mode == "" && session != nil {
		switch session.Mode {
		case agent.ExecutionForeground:
			return permission.ModeAuto
		case agent.ExecutionBackground:
			return permission.ModeChat
		}
	}
	return mode
}

// subLooper adapts *Loop to subagent.Looper without subagent importing
// this package (see subagent.Looper's doc comment).
type subLooper struct{ l *Loop }

func (s subLooper) Run(ctx context.Context, messages []agent.Message) (subagent.Stream, error) {
	// A subagent always starts a fresh, unscoped reply: it gets its own
	// permission decision store but no session identity to inherit.
	reply, err := s.l.Run(ctx, messages, nil)
	if err != nil {
		return nil, err
	}
	return reply.Stream, nil
}

// AsSubagentLooper wraps l for use as a subagent.Looper, typically passed
// as the NewSubLoop closure's return value when constructing a fresh Loop
// for nested execution. A nested loop shares the provider but not history
// or the permission decision store; callers achieve that by constructing
// it with a fresh permission.Gate and a blank history.
func AsSubagentLooper(l *Loop) subagent.Looper { return subLooper{l: l} }

// run holds one reply()'s mutable state; a fresh value backs every Run
// call so concurrent replies on the same Loop never share state.
type run struct {
	loop        *Loop
	stream      *eventstream.Stream
	confirm     chan ConfirmationAnswer
	frontendRes chan FrontendAnswer
	history     []agent.Message
	session     *agent.Session
	maxTurns    int
	mode        permission.Mode

	turn               int
	finalOutputPayload []agent.ResultContent
	finalOutputDone    bool
}

func (r *run) execute() {
	defer r.stream.Close()

	for {
		r.turn++
		if r.session != nil {
			r.session.TurnsTaken = r.turn
		}
		if r.turn > r.maxTurns {
			r.stream.Emit(agent.NewMessageEvent(agent.NewAssistantMessage("turn limit reached; stopping.")))
			return
		}

		select {
		case <-r.stream.Context().Done():
			return
		default:
		}

		tools, toolsByName := r.loop.visibleTools(r.stream.Context(), r.lastUserText())
		system := r.loop.systemPrompt()

		msg, usage, err := r.loop.cfg.Provider.Complete(r.stream.Context(), system, r.history, tools)
		if err != nil {
			if provider.IsContextLengthExceeded(err) {
				r.stream.Emit(agent.NewMessageEvent(agent.Message{
					Role:    agent.RoleAssistant,
					Content: []agent.Content{agent.ContextLengthExceededContent{}},
				}))
				return
			}
			r.stream.Emit(agent.NewMessageEvent(agent.NewAssistantMessage(fmt.Sprintf("provider error: %v", err))))
			return
		}

		if lw, ok := r.loop.cfg.Provider.(provider.LeadWorker); ok {
			if info, active := lw.AsLeadWorker(); active {
				mode := agent.ModelModeWorker
				if info.ActiveModel == info.LeadModel {
					mode = agent.ModelModeLead
				}
				r.stream.Emit(agent.NewModelChangeEvent(info.ActiveModel, mode))
			}
		}
		if r.session != nil && r.loop.cfg.Metrics != nil {
			r.loop.cfg.Metrics.RecordUsage(r.session, usage)
		}

		requests := msg.ToolRequests()
		frontend, final, remaining := r.partition(requests)

		if r.loop.cfg.Router != nil && r.loop.cfg.Router.Enabled() {
			for _, req := range requests {
				r.loop.cfg.Router.RecordToolCall(req.ToolCall.Name)
			}
		}

		r.stream.Emit(agent.NewMessageEvent(filterFrontend(msg, r.frontendSet())))

		if len(requests) == 0 {
			if r.loop.cfg.FinalOutputSchema != nil && !r.finalOutputDone {
				r.history = append(r.history, msg, agent.NewUserMessage("Continue: call final_output when you have a final answer."))
				continue
			}
			if r.finalOutputDone {
				r.stream.Emit(agent.NewMessageEvent(agent.Message{
					Role:    agent.RoleAssistant,
					Content: []agent.Content{agent.TextContent{Text: flattenResults(r.finalOutputPayload)}},
				}))
			}
			return
		}

		responses := make(map[string]agent.ToolResponseContent, len(requests))

		for _, req := range final {
			raw := marshalArgs(req.ToolCall.Arguments)
			r.finalOutputDone = true
			r.finalOutputPayload = []agent.ResultContent{{Text: string(raw), Raw: raw}}
			responses[req.ID] = agent.ToolResponseContent{ID: req.ID, Result: []agent.ResultContent{{Text: "final answer recorded"}}}
		}

		if len(frontend) > 0 {
			if !r.runFrontendPhase(frontend, responses) {
				return // cancelled
			}
		}

		if len(remaining) > 0 {
			// A changed extension set (platform__manage_extensions
			// succeeded) needs no explicit rebuild here: next turn's
			// visibleTools() call picks up the new catalogue.
			if _, ok := r.runRemainingPhase(remaining, responses, toolsByName); !ok {
				return // cancelled
			}
		}

		bundle := agent.Message{Role: agent.RoleUser}
		for _, req := range requests {
			if resp, ok := responses[req.ID]; ok {
				bundle.Content = append(bundle.Content, resp)
			}
		}
		r.history = append(r.history, msg, bundle)
		r.stream.Emit(agent.NewMessageEvent(bundle))

		select {
		case <-r.stream.Context().Done():
			return
		default:
		}
	}
}

func (r *run) lastUserText() string {
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].Role != agent.RoleUser {
			continue
		}
		for _, c := range r.history[i].Content {
			if t, ok := c.(agent.TextContent); ok {
				return t.Text
			}
		}
	}
	return ""
}

func (r *run) frontendSet() map[string]bool { return r.loop.frontendNames }

// partition splits tool requests into frontend (caller executes), final
// (the final_output tool, resolved inline), and remaining (loop
// dispatches through the permission gate).
func (r *run) partition(requests []agent.ToolRequestContent) (frontend, final, remaining []agent.ToolRequestContent) {
	for _, req := range requests {
		switch {
		case r.loop.frontendNames[req.ToolCall.Name]:
			frontend = append(frontend, req)
		case r.loop.cfg.FinalOutputSchema != nil && req.ToolCall.Name == finalOutputToolName:
			final = append(final, req)
		default:
			remaining = append(remaining, req)
		}
	}
	return
}

// marshalArgs serializes a tool call's arguments for storage as the
// final_output payload. Arguments is already a decoded JSON object, so
// this can only fail on unsupported types the provider adapter would
// never have produced.
func marshalArgs(args map[string]any) []byte {
	raw, err := json.Marshal(args)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

// filterFrontend hides frontend tool requests from the emitted Assistant
// message: the caller executes those itself via the frontend-result
// channel, so they never appear as ordinary assistant content.
func filterFrontend(msg agent.Message, frontendNames map[string]bool) agent.Message {
	if len(frontendNames) == 0 {
		return msg
	}
	out := agent.Message{Role: msg.Role}
	for _, c := range msg.Content {
		if tr, ok := c.(agent.ToolRequestContent); ok && frontendNames[tr.ToolCall.Name] {
			continue
		}
		out.Content = append(out.Content, c)
	}
	return out
}

func flattenResults(results []agent.ResultContent) string {
	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(r.Text)
	}
	return sb.String()
}

// runFrontendPhase blocks until every frontend request is answered on
// frontendRes, or the stream is cancelled. Returns false on cancellation.
func (r *run) runFrontendPhase(frontend []agent.ToolRequestContent, responses map[string]agent.ToolResponseContent) bool {
	pending := make(map[string]bool, len(frontend))
	for _, req := range frontend {
		pending[req.ID] = true
	}
	for len(pending) > 0 {
		select {
		case <-r.stream.Context().Done():
			return false
		case ans := <-r.frontendRes:
			if !pending[ans.RequestID] {
				continue
			}
			delete(pending, ans.RequestID)
			responses[ans.RequestID] = agent.ToolResponseContent{ID: ans.RequestID, Result: ans.Result, Err: ans.Err}
		}
	}
	return true
}

func (r *run) buildRequest(req agent.ToolRequestContent, toolsByName map[string]agent.Tool) permission.Request {
	readOnly := false
	if t, ok := toolsByName[req.ToolCall.Name]; ok {
		readOnly = t.Annotations.ReadOnlyHint
	}
	return permission.Request{ID: req.ID, Call: req.ToolCall, ReadOnlyHint: readOnly}
}

// runRemainingPhase applies the repetition monitor and permission gate,
// dispatches approved calls in parallel, and waits for every outcome.
// Returns (extensionSetChanged, ok); ok is false only on cancellation.
func (r *run) runRemainingPhase(remaining []agent.ToolRequestContent, responses map[string]agent.ToolResponseContent, toolsByName map[string]agent.Tool) (bool, bool) {
	var toClassify []agent.ToolRequestContent
	for _, req := range remaining {
		if req.ArgsError != nil {
			responses[req.ID] = agent.ToolResponseContent{ID: req.ID, Err: req.ArgsError}
			continue
		}
		if !r.loop.cfg.Repetition.Check(req.ToolCall.Name, req.ToolCall.Arguments) {
			responses[req.ID] = agent.ToolResponseContent{ID: req.ID, Err: fmt.Errorf("tool call rejected: repeated beyond the configured limit")}
			continue
		}
		toClassify = append(toClassify, req)
	}
	if len(toClassify) == 0 {
		return false, true
	}

	byID := make(map[string]agent.ToolRequestContent, len(toClassify))
	var permReqs []permission.Request
	for _, req := range toClassify {
		byID[req.ID] = req
		permReqs = append(permReqs, r.buildRequest(req, toolsByName))
	}
	partition := r.loop.cfg.Permission.ClassifyMode(r.stream.Context(), r.mode, permReqs)

	for _, pr := range partition.Skipped {
		responses[pr.ID] = agent.ToolResponseContent{ID: pr.ID, Result: []agent.ResultContent{{Text: permission.ChatModeSkippedResponse}}}
	}
	for _, pr := range partition.Denied {
		responses[pr.ID] = agent.ToolResponseContent{ID: pr.ID, Result: []agent.ResultContent{{Text: permission.DeclinedResponse}}}
	}

	toDispatch := append([]permission.Request(nil), partition.Approved...)

	early := make(map[string]ConfirmationAnswer)
	for _, pr := range partition.NeedsApproval {
		r.stream.Emit(agent.NewMessageEvent(agent.NewUserMessage(fmt.Sprintf("confirm tool call %s (%s)?", pr.ID, pr.Call.Name))))
		ans, answered := early[pr.ID]
		for !answered {
			select {
			case <-r.stream.Context().Done():
				return false, false
			case a := <-r.confirm:
				if a.RequestID == pr.ID {
					ans, answered = a, true
				} else {
					// Caller answered out of order relative to emission;
					// confirmations are keyed by id, not arrival order,
					// so hold it for the request it names.
					early[a.RequestID] = a
				}
			}
		}
		delete(early, pr.ID)
		if ans.Approve {
			r.loop.cfg.Permission.Resolve(pr.Call.Name, true, ans.AllowAlways)
			toDispatch = append(toDispatch, pr)
		} else {
			responses[pr.ID] = agent.ToolResponseContent{ID: pr.ID, Result: []agent.ResultContent{{Text: permission.DeclinedResponse}}}
		}
	}

	extensionChanged := r.dispatchAll(toDispatch, byID, responses)
	return extensionChanged, true
}

// dispatchAll runs every approved request concurrently, multiplexing
// results and notifications onto the event stream as they arrive.
func (r *run) dispatchAll(toDispatch []permission.Request, byID map[string]agent.ToolRequestContent, responses map[string]agent.ToolResponseContent) bool {
	if len(toDispatch) == 0 {
		return false
	}

	var mu sync.Mutex
	extensionChanged := false
	var wg sync.WaitGroup

	for _, pr := range toDispatch {
		wg.Add(1)
		go func(pr permission.Request) {
			defer wg.Done()
			result, changed := r.loop.dispatchOne(r.stream, pr)
			mu.Lock()
			responses[pr.ID] = result
			if changed {
				extensionChanged = true
			}
			mu.Unlock()
		}(pr)
	}
	wg.Wait()

	return extensionChanged
}

// dispatchOne runs a single tool call: builtin platform/router/subagent/
// final_output handling first, falling back to the extension manager.
func (l *Loop) dispatchOne(stream *eventstream.Stream, pr permission.Request) (agent.ToolResponseContent, bool) {
	if resp, changed, handled := l.dispatchBuiltin(stream, pr); handled {
		resp.ID = pr.ID
		return resp, changed
	}

	outcome, err := l.cfg.Extensions.DispatchToolCall(stream.Context(), pr.Call)
	if err != nil {
		return agent.ToolResponseContent{ID: pr.ID, Err: err}, false
	}

	for {
		select {
		case <-stream.Context().Done():
			return agent.ToolResponseContent{ID: pr.ID, Err: context.Canceled}, false
		case n, ok := <-outcome.Notifications:
			if !ok {
				outcome.Notifications = nil
				continue
			}
			stream.Emit(agent.NewMcpNotificationEvent(pr.ID, map[string]any{"method": n.Method, "params": n.Params}))
		case res := <-outcome.Result:
			if res.Err != nil {
				return agent.ToolResponseContent{ID: pr.ID, Err: res.Err}, false
			}
			content := res.Content
			if l.cfg.LargeResp != nil {
				content = l.cfg.LargeResp.Apply(content)
			}
			return agent.ToolResponseContent{ID: pr.ID, Result: content}, false
		}
	}
}

// visibleTools assembles this turn's tool catalogue: extension tools
// (optionally narrowed by the router), plus whichever builtin tools are
// currently active.
func (l *Loop) visibleTools(ctx context.Context, query string) ([]agent.Tool, map[string]agent.Tool) {
	extTools, err := l.cfg.Extensions.GetPrefixedTools(ctx, "")
	if err != nil {
		extTools = nil
	}

	all := append([]agent.Tool(nil), extTools...)
	all = append(all, l.cfg.FrontendDefs...)
	all = append(all, l.builtinToolDefs()...)

	if l.cfg.Router != nil && l.cfg.Router.Enabled() {
		if err := l.cfg.Router.Reconcile(ctx, extTools); err == nil {
			narrowed, err := l.cfg.Router.SelectTools(ctx, query, 20)
			if err == nil {
				all = append(narrowed, l.cfg.FrontendDefs...)
				all = append(all, l.builtinToolDefs()...)
			}
		}
	}

	byName := make(map[string]agent.Tool, len(all))
	for _, t := range all {
		byName[t.Name] = t
	}
	return all, byName
}

func (l *Loop) systemPrompt() string {
	instr := l.cfg.Extensions.Instructions()
	if instr == "" {
		return l.cfg.SystemBase
	}
	return l.cfg.SystemBase + "\n\n" + instr
}

// builtinToolDefs lists the tool definitions for whichever builtin
// capabilities are currently active, in addition to extension-provided
// tools (see builtin.go for dispatch).
func (l *Loop) builtinToolDefs() []agent.Tool {
	var out []agent.Tool
	out = append(out, platformToolDefs()...)

	if l.cfg.Scheduler != nil {
		out = append(out, manageScheduleToolDef())
	}
	if l.cfg.Router != nil {
		if name, ok := l.cfg.Router.SearchToolName(); ok {
			out = append(out, routerSearchToolDef(name))
		}
	}
	if l.cfg.FinalOutputSchema != nil {
		out = append(out, finalOutputToolDef(l.cfg.FinalOutputSchema))
	}
	if l.subagentRunner != nil {
		out = append(out, l.subagentRunner.Tool())
	}
	return out
}
