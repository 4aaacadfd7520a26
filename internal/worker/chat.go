package worker

import (
	"fmt"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/wharf-sh/wharf/internal/db"
	"github.com/wharf-sh/wharf/internal/ollama"
)

type chatRequest struct {
	SessionID string           `json:"sessionId"`
	Model     string           `json:"model"`
	Message   string           `json:"message"`
	Messages  []ollama.Message `json:"messages"`
	Stream    *bool            `json:"stream"`
	Options   *ollama.Options  `json:"options"`
}

type streamDelta struct {
	Content string     `json:"content,omitempty"`
	Done    bool       `json:"done,omitempty"`
	Stats   *statsView `json:"stats,omitempty"`
}

type statsView struct {
	PromptTokens    int     `json:"promptTokens"`
	EvalTokens      int     `json:"evalTokens"`
	TokensPerSecond float64 `json:"tokensPerSecond"`
	TotalMs         int64   `json:"totalMs"`
	FirstTokenMs    int64   `json:"firstTokenMs"`
}

func toStatsView(stats *ollama.StreamStats) *statsView {
	if stats == nil {
		return nil
	}
	return &statsView{
		PromptTokens:    stats.PromptEvalCount,
		EvalTokens:      stats.EvalCount,
		TokensPerSecond: stats.TokensPerSecond(),
		TotalMs:         stats.TotalDuration.Milliseconds(),
		FirstTokenMs:    stats.FirstTokenLatency.Milliseconds(),
	}
}

// handleChat answers a chat turn. With a sessionId the user message and
// the assistant reply are persisted and prior session history is
// replayed as context. Streaming responses go out as SSE data frames.
func (s *Service) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}

	stream := true
	if req.Stream != nil {
		stream = *req.Stream
	}

	var session *db.ChatSession
	if req.SessionID != "" {
		var err error
		session, err = s.sessions.GetSession(r.Context(), req.SessionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if session == nil {
			writeError(w, http.StatusNotFound, "session not found: "+req.SessionID)
			return
		}
	}

	model := req.Model
	if model == "" && session != nil {
		model = session.ModelName
	}
	if model == "" {
		model = s.cfg.ChatModel
	}
	if err := ValidateModelName(model); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	messages, userMsg, err := s.buildMessages(r, &req, session)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if session != nil && userMsg != "" {
		err := s.sessions.AppendMessage(r.Context(), session.UUID, &db.Message{
			Role:    db.RoleUser,
			Content: userMsg,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	chatReq := ollama.ChatRequest{
		Model:    model,
		Messages: messages,
		Options:  req.Options,
	}

	if !stream {
		resp, err := s.client.Chat(r.Context(), chatReq)
		if err != nil {
			writeError(w, ollamaStatus(err), err.Error())
			return
		}
		if session != nil {
			s.persistAssistant(r, session.UUID, resp.Message.Content, resp.PromptEvalCount, resp.EvalCount, resp.EvalDuration)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"model":   resp.Model,
			"message": resp.Message,
			"stats": &statsView{
				PromptTokens: resp.PromptEvalCount,
				EvalTokens:   resp.EvalCount,
				TotalMs:      resp.TotalDuration / 1e6,
			},
		})
		return
	}

	flusher, ok := beginSSE(w)
	if !ok {
		return
	}

	var acc ollama.StreamAccumulator
	stats, err := s.client.ChatStream(r.Context(), chatReq, func(chunk ollama.StreamChunk) error {
		acc.Add(chunk)
		return writeSSEDelta(w, flusher, streamDelta{Content: chunk.Content})
	})
	if err != nil {
		writeSSEError(w, flusher, err)
		return
	}

	if session != nil {
		var evalNs int64
		if stats != nil {
			evalNs = stats.EvalDuration.Nanoseconds()
		}
		promptTokens, evalTokens := 0, 0
		if stats != nil {
			promptTokens, evalTokens = stats.PromptEvalCount, stats.EvalCount
		}
		s.persistAssistant(r, session.UUID, acc.Text(), promptTokens, evalTokens, evalNs)
	}

	_ = writeSSEDelta(w, flusher, streamDelta{Done: true, Stats: toStatsView(stats)})
}

// buildMessages assembles the message list for one chat turn: system
// prompt first, session history next, the new user turn last.
func (s *Service) buildMessages(r *http.Request, req *chatRequest, session *db.ChatSession) ([]ollama.Message, string, error) {
	if len(req.Messages) > 0 {
		if req.Message != "" {
			return nil, "", fmt.Errorf("provide either message or messages, not both")
		}
		last := req.Messages[len(req.Messages)-1]
		userMsg := ""
		if last.Role == db.RoleUser {
			userMsg = last.Content
		}
		return req.Messages, userMsg, nil
	}

	if strings.TrimSpace(req.Message) == "" {
		return nil, "", fmt.Errorf("message is required")
	}

	var messages []ollama.Message
	if session != nil {
		if session.SystemPrompt.Valid && session.SystemPrompt.String != "" {
			messages = append(messages, ollama.Message{
				Role:    db.RoleSystem,
				Content: session.SystemPrompt.String,
			})
		}
		history, err := s.sessions.GetMessages(r.Context(), session.UUID, 0)
		if err != nil {
			return nil, "", err
		}
		for _, m := range history {
			messages = append(messages, ollama.Message{Role: m.Role, Content: m.Content})
		}
	}
	messages = append(messages, ollama.Message{Role: db.RoleUser, Content: req.Message})
	return messages, req.Message, nil
}

func (s *Service) persistAssistant(r *http.Request, sessionUUID, content string, promptTokens, evalTokens int, evalNs int64) {
	if content == "" {
		return
	}
	err := s.sessions.AppendMessage(r.Context(), sessionUUID, &db.Message{
		Role:           db.RoleAssistant,
		Content:        content,
		PromptTokens:   promptTokens,
		EvalTokens:     evalTokens,
		EvalDurationNs: evalNs,
	})
	if err != nil {
		log.Error().Err(err).Str("session", sessionUUID).Msg("Failed to persist assistant message")
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system"`
	Stream  *bool           `json:"stream"`
	Options *ollama.Options `json:"options"`
}

// handleGenerate is one-shot completion without session persistence.
func (s *Service) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	model := req.Model
	if model == "" {
		model = s.cfg.ChatModel
	}
	if err := ValidateModelName(model); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	genReq := ollama.GenerateRequest{
		Model:   model,
		Prompt:  req.Prompt,
		System:  req.System,
		Options: req.Options,
	}

	if req.Stream != nil && !*req.Stream {
		resp, err := s.client.Generate(r.Context(), genReq)
		if err != nil {
			writeError(w, ollamaStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"model":    resp.Model,
			"response": resp.Response,
			"stats": &statsView{
				PromptTokens: resp.PromptEvalCount,
				EvalTokens:   resp.EvalCount,
				TotalMs:      resp.TotalDuration / 1e6,
			},
		})
		return
	}

	flusher, ok := beginSSE(w)
	if !ok {
		return
	}

	stats, err := s.client.GenerateStream(r.Context(), genReq, func(chunk ollama.StreamChunk) error {
		return writeSSEDelta(w, flusher, streamDelta{Content: chunk.Content})
	})
	if err != nil {
		writeSSEError(w, flusher, err)
		return
	}
	_ = writeSSEDelta(w, flusher, streamDelta{Done: true, Stats: toStatsView(stats)})
}

func (s *Service) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	resp, err := s.client.Embeddings(r.Context(), ollama.EmbeddingsRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
	})
	if err != nil {
		writeError(w, ollamaStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model":     req.Model,
		"embedding": resp.Embedding,
	})
}

// beginSSE switches the response to a server-sent event stream. Errors
// after this point go out as SSE error events, not HTTP statuses.
func beginSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeSSEDelta(w http.ResponseWriter, flusher http.Flusher, delta streamDelta) error {
	data, err := json.Marshal(delta)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, err error) {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
	flusher.Flush()
}
