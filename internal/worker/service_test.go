package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wharf-sh/wharf/internal/config"
)

// fakeOllama is a stateful stand-in for a local Ollama server. Models
// appear in /api/tags only after a pull completes, so the reconciler
// cannot adopt them early.
type fakeOllama struct {
	mu     sync.Mutex
	pulled []string
}

func (f *fakeOllama) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var entries []string
		for _, name := range f.pulled {
			entries = append(entries, fmt.Sprintf(
				`{"name":%q,"digest":"sha256:fake","size":2048,"details":{"family":"test"}}`, name))
		}
		fmt.Fprintf(w, `{"models":[%s]}`, strings.Join(entries, ","))
	})

	mux.HandleFunc("/api/pull", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		fmt.Fprintln(w, `{"status":"downloading","digest":"sha256:fake","total":100,"completed":100}`)
		fmt.Fprintln(w, `{"status":"success"}`)

		f.mu.Lock()
		f.pulled = append(f.pulled, req.Model)
		f.mu.Unlock()
	})

	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		last := ""
		if len(req.Messages) > 0 {
			last = req.Messages[len(req.Messages)-1].Content
		}
		fmt.Fprintf(w, `{"model":%q,"message":{"role":"assistant","content":"echo: %s"},"done":true,"prompt_eval_count":5,"eval_count":3,"eval_duration":1000000}`,
			req.Model, last)
	})

	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"model":"m","response":"Hel","done":false}`)
		fmt.Fprintln(w, `{"model":"m","response":"lo","done":true,"eval_count":2,"eval_duration":1000000}`)
	})

	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"embedding":[0.1,0.2,0.3]}`)
	})

	return mux
}

// testService boots a Service against a fake Ollama and a temp-dir
// database, returning its API base URL.
func testService(t *testing.T) (*Service, string) {
	t.Helper()

	fake := &fakeOllama{}
	upstream := httptest.NewServer(fake.handler())
	t.Cleanup(upstream.Close)

	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "wharf.db")
	cfg.OllamaURL = upstream.URL
	cfg.MaxConns = 2
	cfg.ReconcileInterval = 3600
	cfg.PullProgressEvery = 1

	svc, err := NewService(cfg, "test")
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	require.Eventually(t, svc.Ready, 10*time.Second, 20*time.Millisecond, "service never became ready")

	api := httptest.NewServer(svc.Router())
	t.Cleanup(api.Close)
	return svc, api.URL
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body interface{}, out interface{}) int {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthAndReady(t *testing.T) {
	_, base := testService(t)

	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, base+"/health", &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)

	require.Equal(t, http.StatusOK, getJSON(t, base+"/api/ready", nil))
}

func TestListModelsEmpty(t *testing.T) {
	_, base := testService(t)

	var out struct {
		Models []json.RawMessage `json:"models"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, base+"/api/models", &out))
	assert.Empty(t, out.Models)
}

func TestPullModelFlow(t *testing.T) {
	_, base := testService(t)

	code := postJSON(t, base+"/api/models/pull", map[string]string{"model": "phi3:mini"}, nil)
	require.Equal(t, http.StatusAccepted, code)

	// The pull runs detached; wait for the row to flip available.
	require.Eventually(t, func() bool {
		var out struct {
			Models []struct {
				Name   string `json:"name"`
				Status string `json:"status"`
			} `json:"models"`
		}
		getJSON(t, base+"/api/models", &out)
		for _, m := range out.Models {
			if m.Name == "phi3:mini" && m.Status == "available" {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
}

func TestPullModelRejectsBadName(t *testing.T) {
	_, base := testService(t)

	code := postJSON(t, base+"/api/models/pull", map[string]string{"model": "../evil"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCancelPullNotFound(t *testing.T) {
	_, base := testService(t)

	code := postJSON(t, base+"/api/models/cancel", map[string]string{"model": "ghost"}, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRefreshCooldown(t *testing.T) {
	_, base := testService(t)

	first := postJSON(t, base+"/api/models/refresh", nil, nil)
	require.Equal(t, http.StatusOK, first)

	second := postJSON(t, base+"/api/models/refresh", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, second)
}

func TestSessionLifecycleWithChat(t *testing.T) {
	_, base := testService(t)

	var session struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	code := postJSON(t, base+"/api/sessions", map[string]string{"model": "llama3.2"}, &session)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, session.ID)
	assert.Equal(t, "New chat", session.Title)

	var chat struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	code = postJSON(t, base+"/api/chat", map[string]interface{}{
		"sessionId": session.ID,
		"message":   "what is a wharf?",
		"stream":    false,
	}, &chat)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "echo: what is a wharf?", chat.Message.Content)

	var msgs struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, base+"/api/sessions/"+session.ID+"/messages", &msgs))
	require.Len(t, msgs.Messages, 2)
	assert.Equal(t, "user", msgs.Messages[0].Role)
	assert.Equal(t, "assistant", msgs.Messages[1].Role)

	// First user message titles the session.
	var updated struct {
		Title string `json:"title"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, base+"/api/sessions/"+session.ID, &updated))
	assert.Equal(t, "what is a wharf?", updated.Title)

	del, err := http.NewRequest(http.MethodDelete, base+"/api/sessions/"+session.ID, nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(del)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestGenerateStreamsSSE(t *testing.T) {
	_, base := testService(t)

	payload, _ := json.Marshal(map[string]string{"model": "llama3.2", "prompt": "say hello"})
	resp, err := http.Post(base+"/api/generate", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `data: {"content":"Hel"}`)
	assert.Contains(t, text, `data: {"content":"lo"}`)
	assert.Contains(t, text, `"done":true`)
}

func TestEmbeddings(t *testing.T) {
	_, base := testService(t)

	var out struct {
		Embedding []float64 `json:"embedding"`
	}
	code := postJSON(t, base+"/api/embeddings",
		map[string]string{"model": "llama3.2", "prompt": "hello"}, &out)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, out.Embedding, 3)
}

func TestSettingsRoundTrip(t *testing.T) {
	_, base := testService(t)

	req, err := http.NewRequest(http.MethodPut, base+"/api/settings/theme",
		strings.NewReader(`{"value":"dark"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Settings map[string]string `json:"settings"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, base+"/api/settings", &out))
	assert.Equal(t, "dark", out.Settings["theme"])
}

func TestServersCRUD(t *testing.T) {
	_, base := testService(t)

	var created struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	code := postJSON(t, base+"/api/servers", map[string]interface{}{
		"name":      "filesystem",
		"transport": "stdio",
		"command":   "npx @modelcontextprotocol/server-filesystem",
	}, &created)
	require.Equal(t, http.StatusCreated, code)
	require.NotZero(t, created.ID)

	var listed struct {
		Servers []struct {
			Name    string `json:"name"`
			Enabled bool   `json:"enabled"`
		} `json:"servers"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, base+"/api/servers", &listed))
	require.Len(t, listed.Servers, 1)
	assert.Equal(t, "filesystem", listed.Servers[0].Name)
	assert.True(t, listed.Servers[0].Enabled)

	// Duplicate names conflict.
	code = postJSON(t, base+"/api/servers", map[string]interface{}{
		"name": "filesystem", "transport": "stdio", "command": "x",
	}, nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestMCPOverHTTP(t *testing.T) {
	_, base := testService(t)

	var resp struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
		} `json:"result"`
	}
	code := postJSON(t, base+"/mcp",
		json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`), &resp)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "2024-11-05", resp.Result.ProtocolVersion)
}

func TestTokenAuthFromConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	require.NoError(t, config.EnsureDataDir())

	fake := &fakeOllama{}
	upstream := httptest.NewServer(fake.handler())
	t.Cleanup(upstream.Close)

	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "wharf.db")
	cfg.OllamaURL = upstream.URL
	cfg.MaxConns = 2
	cfg.ReconcileInterval = 3600
	cfg.AuthEnabled = true

	svc, err := NewService(cfg, "test")
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	require.Eventually(t, svc.Ready, 10*time.Second, 20*time.Millisecond)

	api := httptest.NewServer(svc.Router())
	t.Cleanup(api.Close)

	// Health stays reachable without a token.
	assert.Equal(t, http.StatusOK, getJSON(t, api.URL+"/health", nil))

	// API routes are locked.
	assert.Equal(t, http.StatusUnauthorized, getJSON(t, api.URL+"/api/models", nil))

	// The token lands in the data dir for local clients.
	token, err := os.ReadFile(config.TokenPath())
	require.NoError(t, err)
	require.NotEmpty(t, token)

	req, err := http.NewRequest(http.MethodGet, api.URL+"/api/models", nil)
	require.NoError(t, err)
	req.Header.Set("X-Auth-Token", string(token))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
