// Package mcp exposes wharf's model catalog and inference over the
// Model Context Protocol: a stdio JSON-RPC loop for desktop clients
// plus a single-message entry point for the HTTP transport.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/wharf-sh/wharf/internal/db"
	"github.com/wharf-sh/wharf/internal/ollama"
)

const protocolVersion = "2024-11-05"

// ModelPuller runs model downloads. The manager implements it; routing
// pulls through it keeps the one-pull-per-name rule intact no matter
// which front end asked.
type ModelPuller interface {
	StartPull(ctx context.Context, name string) error
	PullInProgress(name string) bool
}

// Server answers MCP requests against one Ollama instance.
type Server struct {
	stdin   io.Reader
	stdout  io.Writer
	client  *ollama.Client
	models  *db.ModelStore
	puller  ModelPuller
	version string
}

// NewServer creates an MCP server bound to stdio.
func NewServer(client *ollama.Client, models *db.ModelStore, puller ModelPuller, version string) *Server {
	return &Server{
		stdin:   os.Stdin,
		stdout:  os.Stdout,
		client:  client,
		models:  models,
		puller:  puller,
		version: version,
	}
}

// Request represents a JSON-RPC request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	ID      any    `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
	JSONRPC string `json:"jsonrpc"`
}

// Error represents a JSON-RPC error.
type Error struct {
	Data    any    `json:"data,omitempty"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// ToolCallParams represents parameters for tools/call method.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Tool represents an MCP tool definition.
type Tool struct {
	InputSchema map[string]any `json:"inputSchema"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
}

// Run reads newline-delimited JSON-RPC requests from stdin until EOF.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if resp := s.HandleMessage(ctx, line); resp != nil {
			fmt.Fprintln(s.stdout, string(resp))
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}
	return nil
}

// HandleMessage processes one raw JSON-RPC message and returns the
// encoded response, or nil for notifications.
func (s *Server) HandleMessage(ctx context.Context, msg []byte) []byte {
	var req Request
	if err := json.Unmarshal(msg, &req); err != nil {
		return encodeResponse(&Response{
			JSONRPC: "2.0",
			Error:   &Error{Code: -32700, Message: "Parse error", Data: err.Error()},
		})
	}

	// Notifications carry no id and get no response.
	if req.ID == nil {
		return nil
	}

	return encodeResponse(s.handleRequest(ctx, &req))
}

// handleRequest dispatches the request to the appropriate handler.
func (s *Server) handleRequest(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "ping":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}}
	case "tools/list":
		return s.handleToolsList(ctx, req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &Error{
				Code:    -32601,
				Message: "Method not found",
			},
		}
	}
}

// handleInitialize handles the initialize request.
func (s *Server) handleInitialize(req *Request) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools": map[string]any{},
			},
			"serverInfo": map[string]any{
				"name":    "wharf",
				"version": s.version,
			},
		},
	}
}

// handleToolsList returns the static tools plus one chat and one
// generate tool per available model.
func (s *Server) handleToolsList(ctx context.Context, req *Request) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  map[string]any{"tools": s.listTools(ctx)},
	}
}

// handleToolsCall handles tool invocations.
func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &Error{
				Code:    -32602,
				Message: "Invalid params",
				Data:    err.Error(),
			},
		}
	}

	result, err := s.callTool(ctx, params.Name, params.Arguments)
	if err != nil {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &Error{
				Code:    -32000,
				Message: "Tool error",
				Data:    err.Error(),
			},
		}
	}

	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]any{
			"content": []map[string]any{
				{
					"type": "text",
					"text": result,
				},
			},
		},
	}
}

func encodeResponse(resp *Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		return nil
	}
	return data
}
