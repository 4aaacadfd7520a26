package worker

import (
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/wharf-sh/wharf/internal/db"
	"github.com/wharf-sh/wharf/internal/ollama"
)

var startTime = time.Now()

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ollamaStatus maps a client error onto an HTTP status.
func ollamaStatus(err error) int {
	switch {
	case ollama.IsModelNotFound(err):
		return http.StatusNotFound
	case ollama.IsNotRunning(err):
		return http.StatusBadGateway
	case ollama.IsTimeout(err):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// handleHealth always answers 200 so supervisors can tell "down" from
// "starting".
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ok"
	}
	if err := s.InitError(); err != nil {
		status = "error"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"version":        s.version,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
	})
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.InitError(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.events.HandleSSE(w, r)
}

func (s *Service) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.HandleWS(w, r)
}

// handleMCP serves one JSON-RPC request per POST body.
func (s *Service) handleMCP(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if !decodeBody(w, r, &raw) {
		return
	}

	resp := s.mcp.HandleMessage(r.Context(), raw)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent) // notification
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

// --- models ---

type modelView struct {
	Name              string  `json:"name"`
	Digest            string  `json:"digest,omitempty"`
	Size              int64   `json:"size"`
	Status            string  `json:"status"`
	Family            string  `json:"family,omitempty"`
	ParameterSize     string  `json:"parameterSize,omitempty"`
	QuantizationLevel string  `json:"quantizationLevel,omitempty"`
	Progress          float64 `json:"progress,omitempty"`
	Error             string  `json:"error,omitempty"`
	ModifiedAt        string  `json:"modifiedAt,omitempty"`
	UpdatedAt         int64   `json:"updatedAt"`
}

func toModelView(m db.Model) modelView {
	return modelView{
		Name:              m.Name,
		Digest:            m.Digest,
		Size:              m.Size,
		Status:            m.Status,
		Family:            m.Family.String,
		ParameterSize:     m.ParameterSize.String,
		QuantizationLevel: m.QuantizationLevel.String,
		Progress:          m.Progress,
		Error:             m.LastError.String,
		ModifiedAt:        m.ModifiedAt.String,
		UpdatedAt:         m.UpdatedAtEpoch,
	}
}

func (s *Service) handleListModels(w http.ResponseWriter, r *http.Request) {
	includeRemoved := r.URL.Query().Get("include_removed") == "true"

	models, err := s.models.List(r.Context(), includeRemoved)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]modelView, 0, len(models))
	for _, m := range models {
		views = append(views, toModelView(m))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": views})
}

func (s *Service) handleRefreshModels(w http.ResponseWriter, r *http.Request) {
	if !s.refreshLimiter.CanExecute() {
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("refresh cooling down, retry in %ds", s.refreshLimiter.CooldownRemaining()))
		return
	}

	changed, err := s.manager.Reconcile(r.Context())
	if err != nil {
		writeError(w, ollamaStatus(err), err.Error())
		return
	}

	models, err := s.models.List(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]modelView, 0, len(models))
	for _, m := range models {
		views = append(views, toModelView(m))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"changed": changed, "models": views})
}

type pullRequest struct {
	Model string `json:"model"`
}

func (s *Service) handlePullModel(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := ValidateModelName(req.Model); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := s.manager.StartPull(r.Context(), req.Model)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"model":  req.Model,
			"status": db.ModelStatusDownloading,
		})
	case err == ollama.ErrPullInProgress:
		writeError(w, http.StatusConflict, "pull already in progress for "+req.Model)
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Service) handleCancelPull(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if !s.manager.CancelPull(req.Model) {
		writeError(w, http.StatusNotFound, "no pull in progress for "+req.Model)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"model": req.Model, "status": "cancelled"})
}

func (s *Service) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.models.CountByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ollamaRunning": s.manager.Healthy(r.Context()),
		"counts":        counts,
	})
}

func (s *Service) handleGetModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if err := ValidateModelName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := s.models.GetByName(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "model not found: "+name)
		return
	}

	view := toModelView(*m)
	out := map[string]interface{}{"model": view}

	// Enrich with the live model card when Ollama is up.
	if show, err := s.client.ShowModel(r.Context(), name); err == nil {
		out["details"] = show
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if err := ValidateModelName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.manager.Delete(r.Context(), name); err != nil {
		if err == ollama.ErrPullInProgress {
			writeError(w, http.StatusConflict, "model is being pulled")
			return
		}
		writeError(w, ollamaStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"model": name, "status": db.ModelStatusRemoved})
}

// --- sessions ---

type sessionView struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Model        string `json:"model"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	MessageCount int    `json:"messageCount"`
	Archived     bool   `json:"archived"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

func toSessionView(s db.ChatSession) sessionView {
	return sessionView{
		ID:           s.UUID,
		Title:        s.Title,
		Model:        s.ModelName,
		SystemPrompt: s.SystemPrompt.String,
		MessageCount: s.MessageCount,
		Archived:     s.Archived != 0,
		CreatedAt:    s.CreatedAtEpoch,
		UpdatedAt:    s.UpdatedAtEpoch,
	}
}

func (s *Service) handleListSessions(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	sessions, err := s.sessions.ListSessions(r.Context(), includeArchived, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, toSessionView(sess))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

type createSessionRequest struct {
	Title        string `json:"title"`
	Model        string `json:"model"`
	SystemPrompt string `json:"systemPrompt"`
}

func (s *Service) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Model == "" {
		req.Model = s.cfg.ChatModel
	}
	if err := ValidateModelName(req.Model); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := s.sessions.CreateSession(r.Context(), req.Title, req.Model, req.SystemPrompt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toSessionView(*session))
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(*session))
}

type updateSessionRequest struct {
	Title        *string `json:"title"`
	Model        *string `json:"model"`
	SystemPrompt *string `json:"systemPrompt"`
	Archived     *bool   `json:"archived"`
}

func (s *Service) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	updates := map[string]interface{}{}
	if req.Title != nil {
		updates["title"] = *req.Title
	}
	if req.Model != nil {
		if err := ValidateModelName(*req.Model); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		updates["model_name"] = *req.Model
	}
	if req.SystemPrompt != nil {
		updates["system_prompt"] = *req.SystemPrompt
	}
	if req.Archived != nil {
		archived := 0
		if *req.Archived {
			archived = 1
		}
		updates["archived"] = archived
	}
	if len(updates) == 0 {
		writeError(w, http.StatusBadRequest, "no fields to update")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.sessions.UpdateSession(r.Context(), id, updates); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	session, err := s.sessions.GetSession(r.Context(), id)
	if err != nil || session == nil {
		writeError(w, http.StatusInternalServerError, "session vanished during update")
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(*session))
}

func (s *Service) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type messageView struct {
	ID           int64  `json:"id"`
	Role         string `json:"role"`
	Content      string `json:"content"`
	PromptTokens int    `json:"promptTokens,omitempty"`
	EvalTokens   int    `json:"evalTokens,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
}

func (s *Service) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.sessions.GetMessages(r.Context(), chi.URLParam(r, "id"), 0)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	views := make([]messageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, messageView{
			ID:           m.ID,
			Role:         m.Role,
			Content:      m.Content,
			PromptTokens: m.PromptTokens,
			EvalTokens:   m.EvalTokens,
			CreatedAt:    m.CreatedAtEpoch,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": views})
}

// --- settings / servers ---

func (s *Service) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	all, err := s.settings.All(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"settings": all})
}

func (s *Service) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	key := chi.URLParam(r, "key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "setting key is required")
		return
	}
	if err := s.settings.Set(r.Context(), key, req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
}

type serverView struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Command   string `json:"command,omitempty"`
	URL       string `json:"url,omitempty"`
	Args      string `json:"args,omitempty"`
	Env       string `json:"env,omitempty"`
	Enabled   bool   `json:"enabled"`
}

func toServerView(srv db.MCPServer) serverView {
	return serverView{
		ID:        srv.ID,
		Name:      srv.Name,
		Transport: srv.Transport,
		Command:   srv.Command.String,
		URL:       srv.URL.String,
		Args:      srv.Args.String,
		Env:       srv.Env.String,
		Enabled:   srv.Enabled != 0,
	}
}

func (s *Service) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.servers.List(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]serverView, 0, len(servers))
	for _, srv := range servers {
		views = append(views, toServerView(srv))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"servers": views})
}

type serverRequest struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Command   string `json:"command"`
	URL       string `json:"url"`
	Args      string `json:"args"`
	Env       string `json:"env"`
	Enabled   *bool  `json:"enabled"`
}

func (s *Service) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "server name is required")
		return
	}
	if req.Transport != "" && req.Transport != "stdio" && req.Transport != "sse" {
		writeError(w, http.StatusBadRequest, "transport must be stdio or sse")
		return
	}

	server := &db.MCPServer{
		Name:      req.Name,
		Transport: req.Transport,
		Command:   nullableString(req.Command),
		URL:       nullableString(req.URL),
		Args:      nullableString(req.Args),
		Env:       nullableString(req.Env),
		Enabled:   1,
	}
	if req.Enabled != nil && !*req.Enabled {
		server.Enabled = 0
	}

	if err := s.servers.Create(r.Context(), server); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toServerView(*server))
}

func (s *Service) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	var req serverRequest
	if !decodeBody(w, r, &req) {
		return
	}

	updates := map[string]interface{}{}
	if req.Name != "" {
		updates["name"] = req.Name
	}
	if req.Transport != "" {
		if req.Transport != "stdio" && req.Transport != "sse" {
			writeError(w, http.StatusBadRequest, "transport must be stdio or sse")
			return
		}
		updates["transport"] = req.Transport
	}
	if req.Command != "" {
		updates["command"] = req.Command
	}
	if req.URL != "" {
		updates["url"] = req.URL
	}
	if req.Args != "" {
		updates["args"] = req.Args
	}
	if req.Env != "" {
		updates["env"] = req.Env
	}
	if req.Enabled != nil {
		enabled := 0
		if *req.Enabled {
			enabled = 1
		}
		updates["enabled"] = enabled
	}

	if err := s.servers.Update(r.Context(), id, updates); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	server, err := s.servers.Get(r.Context(), id)
	if err != nil || server == nil {
		writeError(w, http.StatusInternalServerError, "server vanished during update")
		return
	}
	writeJSON(w, http.StatusOK, toServerView(*server))
}

func (s *Service) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return
	}
	if err := s.servers.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
