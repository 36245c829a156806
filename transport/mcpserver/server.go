// Package mcpserver is the thin MCP/JSON-RPC front door onto the
// Session Manager. It is intentionally small: the transport itself is
// an external-collaborator boundary (spec.md §1), so this package only
// translates MCP tool calls into session.Manager calls and formats
// their results, leaving all debugging semantics to the core packages.
//
// Grounded on the pack's own mark3labs/mcp-go usage:
// other_examples/.../iris-networks-terminal_mcp session.go (tool
// handlers returning mcp.NewToolResultText/NewToolResultError) and
// other_examples/.../jaakkos-stringwork cmd-mcp-server main.go
// (server.NewMCPServer + AddTool registration shape).
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mcp-nexus/mcp-nexus-go/internal/obslog"
	"github.com/mcp-nexus/mcp-nexus-go/queue"
	"github.com/mcp-nexus/mcp-nexus-go/session"
)

// Server adapts a session.Manager onto an MCP tool surface.
type Server struct {
	manager *session.Manager
	mcp     *server.MCPServer
}

// New builds a Server and registers every tool against manager.
func New(manager *session.Manager, name, version string) *Server {
	s := &Server{
		manager: manager,
		mcp:     server.NewMCPServer(name, version, server.WithToolCapabilities(false)),
	}
	s.registerTools()
	return s
}

// ServeStdio runs the server against stdin/stdout until ctx is done or
// the transport reports an error, the way a long-running CDB-fronting
// process is expected to be launched (one client per process, §2).
func (s *Server) ServeStdio(ctx context.Context) error {
	return server.ServeStdio(s.mcp, server.WithStdioContextFunc(func(context.Context) context.Context { return ctx }))
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("cdb_open_session",
		mcp.WithDescription("Open a new CDB session against a crash dump, returning its sessionId."),
		mcp.WithString("dumpPath", mcp.Required(), mcp.Description("Path to the .dmp file to open")),
		mcp.WithString("symbolsPath", mcp.Description("Optional symbol search path override")),
	), s.handleOpenSession)

	s.mcp.AddTool(mcp.NewTool("cdb_send_command",
		mcp.WithDescription("Queue a debugger command against an open session, returning its commandId."),
		mcp.WithString("sessionId", mcp.Required()),
		mcp.WithString("command", mcp.Required(), mcp.Description("The CDB command text, e.g. \"!analyze -v\"")),
	), s.handleSendCommand)

	s.mcp.AddTool(mcp.NewTool("cdb_command_status",
		mcp.WithDescription("Get the current status and (if terminal) output of a previously submitted command."),
		mcp.WithString("sessionId", mcp.Required()),
		mcp.WithString("commandId", mcp.Required()),
	), s.handleCommandStatus)

	s.mcp.AddTool(mcp.NewTool("cdb_cancel_command",
		mcp.WithDescription("Cancel a queued or executing command."),
		mcp.WithString("sessionId", mcp.Required()),
		mcp.WithString("commandId", mcp.Required()),
	), s.handleCancelCommand)

	s.mcp.AddTool(mcp.NewTool("cdb_close_session",
		mcp.WithDescription("Close a session: cancels outstanding commands and stops its CDB process."),
		mcp.WithString("sessionId", mcp.Required()),
	), s.handleCloseSession)

	s.mcp.AddTool(mcp.NewTool("cdb_list_sessions",
		mcp.WithDescription("List every session this process currently knows about and their lifecycle state."),
		mcp.WithBoolean("activeOnly", mcp.Description("When true, only list Active sessions (default: false)")),
	), s.handleListSessions)

	s.mcp.AddTool(mcp.NewTool("cdb_stats",
		mcp.WithDescription("Return aggregate counters for this process: sessions created/closed/expired/faulted, commands processed/failed/cancelled, and uptime."),
	), s.handleStats)
}

func (s *Server) handleOpenSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dumpPath, err := req.RequireString("dumpPath")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	symbolsPath := req.GetString("symbolsPath", "")

	id, err := s.manager.Create(ctx, dumpPath, symbolsPath)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]string{"sessionId": id})
}

func (s *Server) handleSendCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("sessionId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	commandText, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sess, lookupErr := s.manager.Get(sessionID)
	if lookupErr != nil {
		return toolError(lookupErr), nil
	}

	commandID, err := sess.EnqueueCommand(commandText)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]string{"commandId": commandID})
}

func (s *Server) handleCommandStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q, commandID, errResult := s.resolveQueueAndCommand(req)
	if errResult != nil {
		return errResult, nil
	}

	info, ok := q.Status(commandID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("command not found: %s", commandID)), nil
	}
	return jsonResult(commandInfoViewOf(info))
}

func (s *Server) handleCancelCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q, commandID, errResult := s.resolveQueueAndCommand(req)
	if errResult != nil {
		return errResult, nil
	}

	cancelled := q.Cancel(commandID, "cancelled via cdb_cancel_command")
	return jsonResult(map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleCloseSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("sessionId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	closed := s.manager.Close(ctx, sessionID)
	return jsonResult(map[string]bool{"closed": closed})
}

func (s *Server) handleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	activeOnly := req.GetBool("activeOnly", false)
	var snaps []session.Snapshot
	if activeOnly {
		snaps = s.manager.ListActive()
	} else {
		snaps = s.manager.ListAll()
	}
	return jsonResult(snaps)
}

func (s *Server) handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.manager.Stats())
}

// resolveQueueAndCommand pulls the two string arguments every
// command-scoped tool shares and looks up the session's queue, folding
// both failure modes into the one *mcp.CallToolResult error shape.
func (s *Server) resolveQueueAndCommand(req mcp.CallToolRequest) (*queue.Queue, string, *mcp.CallToolResult) {
	sessionID, err := req.RequireString("sessionId")
	if err != nil {
		return nil, "", mcp.NewToolResultError(err.Error())
	}
	commandID, err := req.RequireString("commandId")
	if err != nil {
		return nil, "", mcp.NewToolResultError(err.Error())
	}
	q, lookupErr := s.manager.Queue(sessionID)
	if lookupErr != nil {
		return nil, "", toolError(lookupErr)
	}
	return q, commandID, nil
}

// commandInfoView is the JSON shape returned to MCP clients for a
// command's status: id, command text, state, output, success flag and
// error message. CommandInfo's timestamps and execution/total time
// durations are not included.
type commandInfoView struct {
	CommandID    string `json:"commandId"`
	Command      string `json:"command"`
	State        string `json:"state"`
	Output       string `json:"output,omitempty"`
	IsSuccess    *bool  `json:"isSuccess,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

func commandInfoViewOf(info queue.CommandInfo) commandInfoView {
	return commandInfoView{
		CommandID:    info.CommandID,
		Command:      info.Command,
		State:        string(info.State),
		Output:       info.Output,
		IsSuccess:    info.IsSuccess,
		ErrorMessage: info.ErrorMessage,
	}
}

// toolError maps a core error to a CallToolResult, logging it at debug
// level server-side and returning its full message to the client.
func toolError(err error) *mcp.CallToolResult {
	obslog.Debug().Err(err).Msg("mcpserver: tool call failed")
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
