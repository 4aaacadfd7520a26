package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/wharf-sh/wharf/internal/db"
	"github.com/wharf-sh/wharf/internal/manager"
	"github.com/wharf-sh/wharf/internal/ollama"
)

func testServer(t *testing.T, handler http.Handler) *Server {
	t.Helper()

	store, err := db.NewStore(db.Config{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		MaxConns: 2,
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if handler == nil {
		handler = http.NotFoundHandler()
	}
	upstream := httptest.NewServer(handler)
	t.Cleanup(upstream.Close)

	client := ollama.NewClient(ollama.ClientConfig{
		BaseURL:    upstream.URL,
		MaxRetries: 1,
	})
	models := db.NewModelStore(store)
	mgr := manager.New(client, models, nil, manager.Config{
		ProgressInterval: time.Millisecond,
	})
	return NewServer(client, models, mgr, "test")
}

func call(t *testing.T, s *Server, req string) *Response {
	t.Helper()
	raw := s.HandleMessage(context.Background(), []byte(req))
	require.NotNil(t, raw)

	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	return &resp
}

func seedAvailable(t *testing.T, s *Server, name string) {
	t.Helper()
	_, err := s.models.UpsertObserved(context.Background(), db.ObservedModel{
		Name:   name,
		Digest: "sha256:seed",
		Size:   1024,
	})
	require.NoError(t, err)
}

func TestHandleMessageParseError(t *testing.T) {
	s := testServer(t, nil)
	resp := call(t, s, "{not json")

	require.NotNil(t, resp.Error)
	assert.Equal(t, -32700, resp.Error.Code)
}

func TestHandleMessageNotification(t *testing.T) {
	s := testServer(t, nil)
	raw := s.HandleMessage(context.Background(),
		[]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	assert.Nil(t, raw)
}

func TestMethodNotFound(t *testing.T) {
	s := testServer(t, nil)
	resp := call(t, s, `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)

	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}

func TestInitialize(t *testing.T) {
	s := testServer(t, nil)
	resp := call(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)

	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2024-11-05", result["protocolVersion"])

	info, ok := result["serverInfo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "wharf", info["name"])
	assert.Equal(t, "test", info["version"])
}

func TestPing(t *testing.T) {
	s := testServer(t, nil)
	resp := call(t, s, `{"jsonrpc":"2.0","id":7,"method":"ping"}`)

	require.Nil(t, resp.Error)
	assert.EqualValues(t, 7, resp.ID)
}

func toolNames(t *testing.T, resp *Response) []string {
	t.Helper()
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	tools, ok := result["tools"].([]any)
	require.True(t, ok)

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		m, ok := tool.(map[string]any)
		require.True(t, ok)
		names = append(names, m["name"].(string))
	}
	return names
}

func TestToolsListStatic(t *testing.T) {
	s := testServer(t, nil)
	resp := call(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	require.Nil(t, resp.Error)
	names := toolNames(t, resp)
	assert.Contains(t, names, "list_models")
	assert.Contains(t, names, "pull_model")
	assert.Contains(t, names, "model_status")
}

func TestToolsListPerModel(t *testing.T) {
	s := testServer(t, nil)
	seedAvailable(t, s, "llama3.2:latest")
	seedAvailable(t, s, "qwen2.5:7b")

	resp := call(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Nil(t, resp.Error)

	names := toolNames(t, resp)
	assert.Contains(t, names, "chat_llama3_2_latest")
	assert.Contains(t, names, "generate_llama3_2_latest")
	assert.Contains(t, names, "chat_qwen2_5_7b")
	assert.Contains(t, names, "generate_qwen2_5_7b")
}

func TestSanitizeToolName(t *testing.T) {
	cases := map[string]string{
		"llama3.2":          "llama3_2",
		"mistral:7b-q4_K":   "mistral_7b_q4_k",
		"library/phi3:mini": "library_phi3_mini",
		"UPPER":             "upper",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeToolName(in), "input %q", in)
	}
}

func TestToolCallUnknown(t *testing.T) {
	s := testServer(t, nil)
	resp := call(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope","arguments":{}}}`)

	require.NotNil(t, resp.Error)
	assert.Equal(t, -32000, resp.Error.Code)
}

func TestToolCallInvalidParams(t *testing.T) {
	s := testServer(t, nil)
	resp := call(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":"bad"}`)

	require.NotNil(t, resp.Error)
	assert.Equal(t, -32602, resp.Error.Code)
}

// toolText extracts the text payload from a tools/call result.
func toolText(t *testing.T, resp *Response) string {
	t.Helper()
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	content, ok := result["content"].([]any)
	require.True(t, ok)
	require.Len(t, content, 1)
	block, ok := content[0].(map[string]any)
	require.True(t, ok)
	return block["text"].(string)
}

func TestToolListModels(t *testing.T) {
	s := testServer(t, nil)
	seedAvailable(t, s, "llama3.2:latest")

	resp := call(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"list_models","arguments":{}}}`)
	require.Nil(t, resp.Error)

	var payload struct {
		Models []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"models"`
	}
	require.NoError(t, json.Unmarshal([]byte(toolText(t, resp)), &payload))
	require.Len(t, payload.Models, 1)
	assert.Equal(t, "llama3.2:latest", payload.Models[0].Name)
	assert.Equal(t, db.ModelStatusAvailable, payload.Models[0].Status)
}

func TestToolChat(t *testing.T) {
	s := testServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)

		var req ollama.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.2:latest", req.Model)
		require.NotEmpty(t, req.Messages)
		assert.Equal(t, "hello", req.Messages[len(req.Messages)-1].Content)

		fmt.Fprint(w, `{"model":"llama3.2:latest","message":{"role":"assistant","content":"hi there"},"done":true}`)
	}))
	seedAvailable(t, s, "llama3.2:latest")

	resp := call(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"chat_llama3_2_latest","arguments":{"prompt":"hello"}}}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, "hi there", toolText(t, resp))
}

func TestToolChatNoSuchModel(t *testing.T) {
	s := testServer(t, nil)

	resp := call(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"chat_ghost","arguments":{"prompt":"hi"}}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32000, resp.Error.Code)
}

func TestToolPullModel(t *testing.T) {
	s := testServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/pull":
			fmt.Fprintln(w, `{"status":"pulling manifest"}`)
			fmt.Fprintln(w, `{"status":"downloading","digest":"sha256:abc","total":100,"completed":50}`)
			fmt.Fprintln(w, `{"status":"success"}`)
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"name":"phi3:mini","digest":"sha256:abc","size":2048,"details":{"family":"phi3"}}]}`)
		default:
			http.NotFound(w, r)
		}
	}))

	resp := call(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"pull_model","arguments":{"model":"phi3:mini"}}}`)
	require.Nil(t, resp.Error)

	m, err := s.models.GetByName(context.Background(), "phi3:mini")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, db.ModelStatusAvailable, m.Status)
	assert.Equal(t, "sha256:abc", m.Digest)
	assert.EqualValues(t, 2048, m.Size)
}

func TestToolPullModelRefusedWhileDownloading(t *testing.T) {
	s := testServer(t, nil)
	ctx := context.Background()

	// The daemon is mid-pull: the row says downloading at 50%.
	require.NoError(t, s.models.SetDownloading(ctx, "phi3:mini"))
	require.NoError(t, s.models.SetPullProgress(ctx, "phi3:mini", "sha256:part", 200, 100, 50))

	resp := call(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"pull_model","arguments":{"model":"phi3:mini"}}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32000, resp.Error.Code)

	// The refused call left the row alone.
	m, err := s.models.GetByName(ctx, "phi3:mini")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, db.ModelStatusDownloading, m.Status)
	assert.Equal(t, 50.0, m.Progress)
	assert.EqualValues(t, 100, m.PullCompleted)
}

func TestToolNamesDisambiguateCollisions(t *testing.T) {
	s := testServer(t, nil)
	seedAvailable(t, s, "llama3-8b")
	seedAvailable(t, s, "llama3:8b")

	resp := call(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Nil(t, resp.Error)

	names := toolNames(t, resp)
	assert.Contains(t, names, "chat_llama3_8b")
	assert.Contains(t, names, "chat_llama3_8b_2")

	seen := make(map[string]int)
	for _, n := range names {
		seen[n]++
		assert.Equal(t, 1, seen[n], "duplicate tool name %s", n)
	}

	// Suffixes resolve back to the models they were assigned to.
	ctx := context.Background()
	model, err := s.resolveModel(ctx, "llama3_8b")
	require.NoError(t, err)
	assert.Equal(t, "llama3-8b", model)

	model, err = s.resolveModel(ctx, "llama3_8b_2")
	require.NoError(t, err)
	assert.Equal(t, "llama3:8b", model)
}

func TestToolModelStatus(t *testing.T) {
	s := testServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	seedAvailable(t, s, "llama3.2:latest")

	resp := call(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"model_status","arguments":{}}}`)
	require.Nil(t, resp.Error)

	var payload struct {
		OllamaRunning bool             `json:"ollamaRunning"`
		Counts        map[string]int64 `json:"counts"`
	}
	require.NoError(t, json.Unmarshal([]byte(toolText(t, resp)), &payload))
	assert.True(t, payload.OllamaRunning)
	assert.EqualValues(t, 1, payload.Counts[db.ModelStatusAvailable])
}

func TestRunLoop(t *testing.T) {
	s := testServer(t, nil)

	var out bytes.Buffer
	s.stdin = strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}` + "\n" +
			`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n")
	s.stdout = &out

	require.NoError(t, s.Run(context.Background()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)

	var first, second Response
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.EqualValues(t, 1, first.ID)
	assert.EqualValues(t, 2, second.ID)
}
