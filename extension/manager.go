// Package extension implements the extension manager. It owns a keyed
// set of toolclient.Client instances, prefixes their tool names,
// aggregates instructions, and routes dispatch by longest key-prefix
// match. Insertion is all-or-nothing under a write lock; dispatch and
// listing take a read lock.
package extension

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kpekel/agentloop/agent"
	"github.com/kpekel/agentloop/toolclient"
)

var errNotFound = errors.New("extension: not found")

// InitializationError is returned by AddExtension on failure; manager
// state is left unchanged.
type InitializationError struct {
	Config Config
	Cause  error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("extension: initialize %q: %v", e.Config.Key, e.Cause)
}

func (e *InitializationError) Unwrap() error { return e.Cause }

// ToolCallResult pairs a future that resolves once with the dispatch
// outcome and a stream of provider-emitted notifications scoped to the
// call's lifetime.
type ToolCallResult struct {
	Result        <-chan ToolOutcome
	Notifications <-chan toolclient.Notification
}

// ToolOutcome is the single value a ToolCallResult.Result channel ever
// delivers.
type ToolOutcome struct {
	Content []agent.ResultContent
	Err     error
}

// clientFactory builds a toolclient.Client for one Config. Exposed as a
// field (not a package function) so tests can substitute fakes without
// spawning real subprocesses or sockets.
type clientFactory func(Config) (toolclient.Client, error)

type entry struct {
	client       toolclient.Client
	instructions string
	resources    bool
	cfg          Config
}

// Manager owns the loaded extensions and routes tool calls to them.
type Manager struct {
	mu      sync.RWMutex // many readers (dispatch, listing), single writer (add/remove)
	clients map[string]*entry

	newClient  clientFactory
	clientInfo toolclient.ClientInfo
	configMgr  ConfigManager
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithClientFactory overrides how a Config is turned into a live
// toolclient.Client. Defaults to DefaultClientFactory.
func WithClientFactory(f clientFactory) Option {
	return func(m *Manager) { m.newClient = f }
}

// WithConfigManager attaches the collaborator used by
// SearchAvailableExtensions to report configured-but-not-loaded entries.
func WithConfigManager(cm ConfigManager) Option {
	return func(m *Manager) { m.configMgr = cm }
}

// New constructs an empty Manager.
func New(clientInfo toolclient.ClientInfo, opts ...Option) *Manager {
	m := &Manager{
		clients:    make(map[string]*entry),
		newClient:  DefaultClientFactory,
		clientInfo: clientInfo,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DefaultClientFactory builds the concrete toolclient.Client for a Config
// based on its Kind. KindBuiltin and KindFrontend configs are never
// dispatched here — Builtin clients are supplied via AddBuiltinExtension,
// and Frontend tool requests are intercepted by the loop before dispatch.
func DefaultClientFactory(cfg Config) (toolclient.Client, error) {
	switch cfg.Kind {
	case KindStdio:
		return toolclient.NewStdio(toolclient.StdioConfig{Command: cfg.Command, Args: cfg.Args, Env: cfg.Env}), nil
	case KindSSE:
		return toolclient.NewSSE(toolclient.HTTPConfig{URL: cfg.URI, Headers: cfg.Headers, Timeout: cfg.Timeout}), nil
	case KindStreamableHTTP:
		return toolclient.NewStreamableHTTP(toolclient.HTTPConfig{URL: cfg.URI, Headers: cfg.Headers, Timeout: cfg.Timeout}), nil
	case KindPlugin:
		return toolclient.NewPlugin(toolclient.PluginConfig{Command: cfg.Command, Args: cfg.Args, Env: cfg.Env}), nil
	default:
		return nil, fmt.Errorf("extension: kind %v has no default transport", cfg.Kind)
	}
}

// SecretResolver is the minimal collaborator AddExtension needs to resolve
// "secret:KEY" environment values. config.Config satisfies this without
// extension needing to import package config (which would cycle back here
// through extension's own ConfigManager dependency).
type SecretResolver interface {
	GetSecret(key string) (string, error)
}

// AddExtension resolves the config's secrets, builds its transport,
// starts it, and calls Initialize. On any failure it returns
// *InitializationError and leaves the manager's state untouched —
// insertion is all-or-nothing.
func (m *Manager) AddExtension(ctx context.Context, cfg Config, secrets SecretResolver) error {
	resolvedEnv := make(map[string]string, len(cfg.Env))
	for k, v := range cfg.Env {
		if strings.HasPrefix(v, "secret:") && secrets != nil {
			secretVal, err := secrets.GetSecret(strings.TrimPrefix(v, "secret:"))
			if err != nil {
				return &InitializationError{Config: cfg, Cause: fmt.Errorf("resolve secret for %s: %w", k, err)}
			}
			resolvedEnv[k] = secretVal
			continue
		}
		resolvedEnv[k] = v
	}
	cfg.Env = resolvedEnv

	client, err := m.newClient(cfg)
	if err != nil {
		return &InitializationError{Config: cfg, Cause: err}
	}

	serverInfo, err := client.Initialize(ctx, m.clientInfo)
	if err != nil {
		client.Close()
		return &InitializationError{Config: cfg, Cause: err}
	}

	return m.insert(cfg, client, serverInfo.Instructions, serverInfo.SupportsResources)
}

// AddBuiltinExtension registers an already-constructed in-process or
// frontend-tool-defs-only client under key, skipping secret resolution
// and transport construction.
func (m *Manager) AddBuiltinExtension(ctx context.Context, cfg Config, client toolclient.Client) error {
	serverInfo, err := client.Initialize(ctx, m.clientInfo)
	if err != nil {
		return &InitializationError{Config: cfg, Cause: err}
	}
	return m.insert(cfg, client, serverInfo.Instructions, serverInfo.SupportsResources)
}

func (m *Manager) insert(cfg Config, client toolclient.Client, instructions string, resources bool) error {
	key := Normalize(cfg.Key)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.clients[key]; exists {
		client.Close()
		return &InitializationError{Config: cfg, Cause: fmt.Errorf("extension %q already loaded", key)}
	}

	m.clients[key] = &entry{client: client, instructions: instructions, resources: resources, cfg: cfg}
	return nil
}

// RemoveExtension drops key and all associated entries. Idempotent.
func (m *Manager) RemoveExtension(key string) error {
	key = Normalize(key)

	m.mu.Lock()
	e, exists := m.clients[key]
	if exists {
		delete(m.clients, key)
	}
	m.mu.Unlock()

	if !exists {
		return nil
	}
	// Close outside the lock: transport teardown must not block other
	// extensions' dispatch or listing.
	return e.client.Close()
}

// Keys returns the currently loaded extension keys, sorted for
// deterministic iteration in tests.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.clients))
	for k := range m.clients {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Instructions aggregates every loaded extension's instructions into one
// string, one paragraph per extension, in key order.
func (m *Manager) Instructions() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.clients))
	for k := range m.clients {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		instr := m.clients[k].instructions
		if instr == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "# %s\n%s", k, instr)
	}
	return b.String()
}

// GetPrefixedTools fans out ListTools to every loaded client (or just
// `only`, if non-empty) and returns the merged, prefixed catalogue.
// Ordering across the merged result is unspecified but stable for a
// given set.
func (m *Manager) GetPrefixedTools(ctx context.Context, only string) ([]agent.Tool, error) {
	m.mu.RLock()
	type target struct {
		key    string
		client toolclient.Client
	}
	var targets []target
	if only != "" {
		key := Normalize(only)
		if e, ok := m.clients[key]; ok {
			targets = append(targets, target{key: key, client: e.client})
		}
	} else {
		for k, e := range m.clients {
			targets = append(targets, target{key: k, client: e.client})
		}
	}
	m.mu.RUnlock()

	type result struct {
		tools []agent.Tool
		err   error
	}
	results := make([]result, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			tools, err := t.client.ListTools(ctx)
			if err != nil {
				results[i] = result{err: fmt.Errorf("list_tools %s: %w", t.key, err)}
				return
			}
			prefixed := make([]agent.Tool, len(tools))
			for j, tool := range tools {
				tool.Name = t.key + "__" + tool.Name
				prefixed[j] = tool
			}
			results[i] = result{tools: prefixed}
		}(i, t)
	}
	wg.Wait()

	var out []agent.Tool
	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		out = append(out, r.tools...)
	}
	return out, nil
}

// splitPrefixed finds the registered extension key that is the longest
// "<key>__" prefix of name, since an unprefixed tool name may itself
// contain "__".
func (m *Manager) splitPrefixed(name string) (key, rest string, ok bool) {
	best := -1
	for candidate := range m.clients {
		prefix := candidate + "__"
		if strings.HasPrefix(name, prefix) && len(candidate) > best {
			best = len(candidate)
			key = candidate
		}
	}
	if best == -1 {
		return "", "", false
	}
	return key, name[len(key)+2:], true
}

// DispatchToolCall routes call by longest key-prefix match on its (already
// prefixed) name, strips the prefix, and invokes CallTool. The returned
// ToolCallResult's notification stream is the owning client's
// subscription for the lifetime of this call.
func (m *Manager) DispatchToolCall(ctx context.Context, call agent.ToolCall) (*ToolCallResult, error) {
	m.mu.RLock()
	key, toolName, ok := m.splitPrefixed(call.Name)
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("extension: %w: no extension owns tool %q", errNotFound, call.Name)
	}
	e := m.clients[key]
	m.mu.RUnlock()

	notifyCtx, cancel := context.WithCancel(ctx)
	notifications, err := e.client.Subscribe(notifyCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}

	// The call runs under the owning extension's timeout. Builtin clients
	// are exempt: they host in-process tools (nested loops included) whose
	// runtime isn't bounded by a transport.
	callCtx := ctx
	cancelCall := func() {}
	if e.cfg.Kind != KindBuiltin {
		timeout := e.cfg.Timeout
		if timeout <= 0 {
			timeout = toolclient.DefaultTimeout
		}
		callCtx, cancelCall = context.WithTimeout(ctx, timeout)
	}

	resultCh := make(chan ToolOutcome, 1)
	go func() {
		defer cancel()
		defer cancelCall()
		res, err := e.client.CallTool(callCtx, toolName, call.Arguments)
		if err != nil {
			resultCh <- ToolOutcome{Err: err}
			return
		}
		if res.IsError {
			msg := "tool execution failed"
			if len(res.Content) > 0 {
				msg = res.Content[0].Text
			}
			resultCh <- ToolOutcome{Err: errors.New(msg)}
			return
		}
		resultCh <- ToolOutcome{Content: res.Content}
	}()

	return &ToolCallResult{Result: resultCh, Notifications: notifications}, nil
}

// ReadResource tries extensionKey if given, otherwise every
// resource-capable extension in turn, returning the first success.
func (m *Manager) ReadResource(ctx context.Context, extensionKey, uri string) (*toolclient.ResourceContent, error) {
	m.mu.RLock()
	var candidates []*entry
	if extensionKey != "" {
		if e, ok := m.clients[Normalize(extensionKey)]; ok {
			candidates = append(candidates, e)
		}
	} else {
		for _, e := range m.clients {
			if e.resources {
				candidates = append(candidates, e)
			}
		}
	}
	m.mu.RUnlock()

	var tried []string
	for _, e := range candidates {
		content, err := e.client.ReadResource(ctx, uri)
		if err == nil {
			return content, nil
		}
		tried = append(tried, e.cfg.Key)
	}
	return nil, fmt.Errorf("extension: %w: resource %q not found among %v", errNotFound, uri, tried)
}

// ListResources aggregates ListResources across every resource-capable
// extension.
func (m *Manager) ListResources(ctx context.Context) (map[string][]toolclient.Resource, error) {
	m.mu.RLock()
	capable := make(map[string]toolclient.Client)
	for k, e := range m.clients {
		if e.resources {
			capable[k] = e.client
		}
	}
	m.mu.RUnlock()

	out := make(map[string][]toolclient.Resource, len(capable))
	for k, c := range capable {
		resources, err := c.ListResources(ctx)
		if err != nil {
			return nil, fmt.Errorf("list_resources %s: %w", k, err)
		}
		out[k] = resources
	}
	return out, nil
}

// AvailableExtensions reports both currently loaded extensions and the
// configured-but-not-loaded ones.
type AvailableExtensions struct {
	Loaded    []string
	NotLoaded []string
}

func (m *Manager) SearchAvailableExtensions() (AvailableExtensions, error) {
	loaded := m.Keys()

	var notLoaded []string
	if m.configMgr != nil {
		records, err := m.configMgr.GetAll()
		if err != nil {
			return AvailableExtensions{}, fmt.Errorf("list configured extensions: %w", err)
		}
		loadedSet := make(map[string]bool, len(loaded))
		for _, k := range loaded {
			loadedSet[k] = true
		}
		for _, r := range records {
			key := Normalize(r.Config.Key)
			if !loadedSet[key] {
				notLoaded = append(notLoaded, key)
			}
		}
		sort.Strings(notLoaded)
	}

	return AvailableExtensions{Loaded: loaded, NotLoaded: notLoaded}, nil
}

// SuggestDisableExtensions emits a non-empty advisory when either more
// than 5 extensions are loaded or more than 50 tools are available across
// them; empty otherwise.
func (m *Manager) SuggestDisableExtensions(ctx context.Context) (string, error) {
	keys := m.Keys()
	if len(keys) <= 5 {
		tools, err := m.GetPrefixedTools(ctx, "")
		if err != nil {
			return "", err
		}
		if len(tools) <= 50 {
			return "", nil
		}
	}

	tools, err := m.GetPrefixedTools(ctx, "")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"You have %d extensions loaded exposing %d tools. Consider disabling ones you don't need for this task with platform__manage_extensions.",
		len(keys), len(tools),
	), nil
}
