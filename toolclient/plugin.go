package toolclient

import (
	"context"
	"errors"
	"fmt"
	"net/rpc"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/kpekel/agentloop/agent"
)

// pluginHandshake is this module's magic-cookie pair: a plugin
// subprocess that does not answer it is rejected before any RPC is
// attempted.
var pluginHandshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "AGENTLOOP_PLUGIN",
	MagicCookieValue: "tool",
}

// ToolPlugin is the go-plugin Plugin implementation shared by the
// net/rpc handshake. This module only ever runs the host side (Client);
// Server exists solely because plugin.Plugin requires both.
type ToolPlugin struct{}

func (ToolPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return nil, errors.New("toolclient: this process does not serve plugins")
}

func (ToolPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &pluginRPCClient{client: c}, nil
}

// PluginCallArgs/PluginCallReply are the net/rpc request/response pair a
// plugin subprocess's "Plugin" service must expose for CallTool.
type PluginCallArgs struct {
	Name      string
	Arguments map[string]any
}

type PluginCallReply struct {
	Content []agent.ResultContent
	IsError bool
	ErrMsg  string
}

// pluginRPCClient is the host-side stub dispensed by go-plugin once the
// handshake completes; every method is a blocking net/rpc call against
// the plugin subprocess's "Plugin" service.
type pluginRPCClient struct {
	client *rpc.Client
}

func (c *pluginRPCClient) listTools() ([]agent.Tool, error) {
	var reply []agent.Tool
	if err := c.client.Call("Plugin.ListTools", struct{}{}, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *pluginRPCClient) callTool(args PluginCallArgs) (PluginCallReply, error) {
	var reply PluginCallReply
	err := c.client.Call("Plugin.CallTool", args, &reply)
	return reply, err
}

// PluginConfig configures a subprocess tool plugin launched via
// hashicorp/go-plugin: a magic-cookie handshake over exec.Cmd, the
// net/rpc plugin kind, and client.Kill on teardown.
type PluginConfig struct {
	Command string
	Args    []string
	Env     map[string]string
}

// pluginClient is the fifth toolclient.Client variant: a subprocess tool
// plugin supervised by hashicorp/go-plugin, distinct from the MCP stdio
// transport (NewStdio) which speaks MCP's own JSON-RPC framing over the
// same kind of subprocess.
type pluginClient struct {
	cfg    PluginConfig
	client *plugin.Client
	rpc    *pluginRPCClient
}

// NewPlugin constructs (but does not start) a subprocess plugin client.
func NewPlugin(cfg PluginConfig) Client {
	return &pluginClient{cfg: cfg}
}

func (p *pluginClient) Initialize(ctx context.Context, info ClientInfo) (ServerInfo, error) {
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	for k, v := range p.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	p.client = plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  pluginHandshake,
		Plugins:          map[string]plugin.Plugin{"tool": ToolPlugin{}},
		Cmd:              cmd,
		Logger:           hclog.New(&hclog.LoggerOptions{Name: "agentloop-plugin", Level: hclog.Warn}),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := p.client.Client()
	if err != nil {
		p.client.Kill()
		return ServerInfo{}, newErr(ErrTransport, "initialize", err)
	}
	raw, err := rpcClient.Dispense("tool")
	if err != nil {
		p.client.Kill()
		return ServerInfo{}, newErr(ErrProtocol, "initialize", err)
	}
	conn, ok := raw.(*pluginRPCClient)
	if !ok {
		p.client.Kill()
		return ServerInfo{}, newErr(ErrProtocol, "initialize", fmt.Errorf("unexpected dispensed type %T", raw))
	}
	p.rpc = conn
	return ServerInfo{}, nil
}

func (p *pluginClient) ListTools(ctx context.Context) ([]agent.Tool, error) {
	if p.rpc == nil {
		return nil, newErr(ErrNotInitialized, "list_tools", errors.New("Initialize was never called"))
	}
	type outcome struct {
		tools []agent.Tool
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		tools, err := p.rpc.listTools()
		done <- outcome{tools, err}
	}()
	select {
	case <-ctx.Done():
		return nil, newErr(ErrTimeout, "list_tools", ctx.Err())
	case o := <-done:
		if o.err != nil {
			return nil, newErr(ErrTransport, "list_tools", o.err)
		}
		return o.tools, nil
	}
}

func (p *pluginClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	if p.rpc == nil {
		return nil, newErr(ErrNotInitialized, "call_tool", errors.New("Initialize was never called"))
	}
	type outcome struct {
		reply PluginCallReply
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		reply, err := p.rpc.callTool(PluginCallArgs{Name: name, Arguments: args})
		done <- outcome{reply, err}
	}()
	select {
	case <-ctx.Done():
		return nil, newErr(ErrTimeout, "call_tool", ctx.Err())
	case o := <-done:
		if o.err != nil {
			return nil, newErr(ErrTransport, "call_tool", o.err)
		}
		if o.reply.IsError {
			return nil, newErr(ErrProtocol, "call_tool", errors.New(o.reply.ErrMsg))
		}
		return &ToolCallResult{Content: o.reply.Content}, nil
	}
}

func (p *pluginClient) ListResources(ctx context.Context) ([]Resource, error) { return nil, nil }

func (p *pluginClient) ReadResource(ctx context.Context, uri string) (*ResourceContent, error) {
	return nil, newErr(ErrProtocol, "read_resource", errors.New("plugin tools expose no resources"))
}

func (p *pluginClient) ListPrompts(ctx context.Context) ([]Prompt, error) { return nil, nil }

func (p *pluginClient) GetPrompt(ctx context.Context, name string, args map[string]any) (*PromptResult, error) {
	return nil, newErr(ErrProtocol, "get_prompt", errors.New("plugin tools expose no prompts"))
}

// Subscribe returns a channel that never receives anything and closes
// with ctx: the net/rpc plugin service this module defines carries no
// progress-notification method (unlike MCP's own notification stream).
func (p *pluginClient) Subscribe(ctx context.Context) (<-chan Notification, error) {
	ch := make(chan Notification)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (p *pluginClient) Close() error {
	if p.client != nil {
		p.client.Kill()
	}
	return nil
}
