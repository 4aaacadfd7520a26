package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wharf-sh/wharf/internal/db"
	"github.com/wharf-sh/wharf/internal/ollama"
)

// listTools builds the tool catalog. The static tools are always
// present; each available model additionally contributes a chat and a
// generate tool so clients can pick models by name.
func (s *Server) listTools(ctx context.Context) []Tool {
	tools := []Tool{
		{
			Name:        "list_models",
			Description: "List locally installed Ollama models with their status, size, and family.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"include_removed": map[string]any{"type": "boolean", "default": false, "description": "Include models that were removed from Ollama"},
				},
			},
		},
		{
			Name:        "pull_model",
			Description: "Download a model from the Ollama registry. Blocks until the download completes.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"model"},
				"properties": map[string]any{
					"model": map[string]any{"type": "string", "description": "Model name, e.g. llama3.2 or mistral:7b"},
				},
			},
		},
		{
			Name:        "model_status",
			Description: "Check whether Ollama is reachable and summarize model counts by status.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}

	entries, err := s.toolSuffixes(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list models for tool catalog")
		return tools
	}

	promptSchema := func(desc string) map[string]any {
		return map[string]any{
			"type":     "object",
			"required": []string{"prompt"},
			"properties": map[string]any{
				"prompt":      map[string]any{"type": "string", "description": desc},
				"system":      map[string]any{"type": "string", "description": "Optional system prompt"},
				"temperature": map[string]any{"type": "number", "minimum": 0, "maximum": 2},
			},
		}
	}

	for _, e := range entries {
		tools = append(tools,
			Tool{
				Name:        "chat_" + e.suffix,
				Description: fmt.Sprintf("Send a chat message to %s and return the reply.", e.model),
				InputSchema: promptSchema("The user message"),
			},
			Tool{
				Name:        "generate_" + e.suffix,
				Description: fmt.Sprintf("Run a one-shot completion on %s.", e.model),
				InputSchema: promptSchema("The completion prompt"),
			},
		)
	}
	return tools
}

// modelTool pairs an available model with its tool name suffix.
type modelTool struct {
	suffix string
	model  string
}

// toolSuffixes assigns each available model a unique suffix. Distinct
// names can sanitize to the same token ("llama3:8b" and "llama3-8b");
// later ones get a numeric tail in catalog order so every model stays
// addressable.
func (s *Server) toolSuffixes(ctx context.Context) ([]modelTool, error) {
	models, err := s.models.ListByStatus(ctx, db.ModelStatusAvailable)
	if err != nil {
		return nil, err
	}

	used := make(map[string]bool, len(models))
	entries := make([]modelTool, 0, len(models))
	for _, m := range models {
		base := sanitizeToolName(m.Name)
		suffix := base
		for i := 2; used[suffix]; i++ {
			suffix = fmt.Sprintf("%s_%d", base, i)
		}
		used[suffix] = true
		entries = append(entries, modelTool{suffix: suffix, model: m.Name})
	}
	return entries, nil
}

// sanitizeToolName lowercases a model name and collapses every
// character outside [a-z0-9_] to an underscore, so "mistral:7b-q4_K"
// becomes "mistral_7b_q4_k".
func sanitizeToolName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// callTool dispatches to the appropriate tool handler.
func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	switch name {
	case "list_models":
		return s.toolListModels(ctx, args)
	case "pull_model":
		return s.toolPullModel(ctx, args)
	case "model_status":
		return s.toolModelStatus(ctx)
	}

	if suffix, ok := strings.CutPrefix(name, "chat_"); ok {
		return s.toolChat(ctx, suffix, args)
	}
	if suffix, ok := strings.CutPrefix(name, "generate_"); ok {
		return s.toolGenerate(ctx, suffix, args)
	}
	return "", fmt.Errorf("unknown tool: %s", name)
}

func (s *Server) toolListModels(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		IncludeRemoved bool `json:"include_removed"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}

	models, err := s.models.List(ctx, params.IncludeRemoved)
	if err != nil {
		return "", err
	}

	type entry struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Size   int64  `json:"size"`
		Family string `json:"family,omitempty"`
	}
	entries := make([]entry, 0, len(models))
	for _, m := range models {
		entries = append(entries, entry{
			Name:   m.Name,
			Status: m.Status,
			Size:   m.Size,
			Family: m.Family.String,
		})
	}
	return marshalResult(map[string]any{"models": entries})
}

// toolPullModel starts a download through the manager, which enforces
// at most one pull per model name, then blocks until it settles so the
// tool result carries the final state.
func (s *Server) toolPullModel(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if params.Model == "" {
		return "", fmt.Errorf("model is required")
	}

	if err := s.puller.StartPull(ctx, params.Model); err != nil {
		return "", err
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for s.puller.PullInProgress(params.Model) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}

	row, err := s.models.GetByName(ctx, params.Model)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", fmt.Errorf("model %s has no catalog row after pull", params.Model)
	}
	if row.Status == db.ModelStatusError {
		return "", fmt.Errorf("pull failed: %s", row.LastError.String)
	}

	return marshalResult(map[string]any{
		"model":  row.Name,
		"status": row.Status,
		"digest": row.Digest,
		"size":   row.Size,
	})
}

func (s *Server) toolModelStatus(ctx context.Context) (string, error) {
	counts, err := s.models.CountByStatus(ctx)
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]any{
		"ollamaRunning": s.client.Heartbeat(ctx) == nil,
		"counts":        counts,
	})
}

type promptArgs struct {
	Prompt      string   `json:"prompt"`
	System      string   `json:"system"`
	Temperature *float64 `json:"temperature"`
}

func (a promptArgs) options() *ollama.Options {
	if a.Temperature == nil {
		return nil
	}
	return &ollama.Options{Temperature: a.Temperature}
}

// resolveModel maps a tool suffix back to the model it was generated
// for, using the same assignment order as the catalog.
func (s *Server) resolveModel(ctx context.Context, suffix string) (string, error) {
	entries, err := s.toolSuffixes(ctx)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.suffix == suffix {
			return e.model, nil
		}
	}
	return "", fmt.Errorf("no available model matches tool suffix %q", suffix)
}

func (s *Server) toolChat(ctx context.Context, suffix string, args json.RawMessage) (string, error) {
	var params promptArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if params.Prompt == "" {
		return "", fmt.Errorf("prompt is required")
	}

	model, err := s.resolveModel(ctx, suffix)
	if err != nil {
		return "", err
	}

	messages := []ollama.Message{}
	if params.System != "" {
		messages = append(messages, ollama.Message{Role: db.RoleSystem, Content: params.System})
	}
	messages = append(messages, ollama.Message{Role: db.RoleUser, Content: params.Prompt})

	resp, err := s.client.Chat(ctx, ollama.ChatRequest{
		Model:    model,
		Messages: messages,
		Options:  params.options(),
	})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

func (s *Server) toolGenerate(ctx context.Context, suffix string, args json.RawMessage) (string, error) {
	var params promptArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if params.Prompt == "" {
		return "", fmt.Errorf("prompt is required")
	}

	model, err := s.resolveModel(ctx, suffix)
	if err != nil {
		return "", err
	}

	resp, err := s.client.Generate(ctx, ollama.GenerateRequest{
		Model:   model,
		Prompt:  params.Prompt,
		System:  params.System,
		Options: params.options(),
	})
	if err != nil {
		return "", err
	}
	return resp.Response, nil
}

func marshalResult(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(data), nil
}
