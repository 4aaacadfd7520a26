package sse

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastReachesSubscriber(t *testing.T) {
	b := NewBroadcaster()

	srv := httptest.NewServer(http.HandlerFunc(b.HandleSSE))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// First frame announces the connection.
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: connected\n", line)

	// Skip the data and blank lines of the connected frame.
	_, err = reader.ReadString('\n')
	require.NoError(t, err)
	_, err = reader.ReadString('\n')
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	b.Broadcast("modelStatus", map[string]string{"name": "llama3.2", "status": "downloading"})

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: modelStatus\n", line)

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: "))
	assert.Contains(t, line, `"status":"downloading"`)
}

func TestClientCountDropsOnDisconnect(t *testing.T) {
	b := NewBroadcaster()

	srv := httptest.NewServer(http.HandlerFunc(b.HandleSSE))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return b.ClientCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestBroadcastWithNoClients(t *testing.T) {
	b := NewBroadcaster()
	// Must not panic or block.
	b.Broadcast("modelStatus", map[string]string{"name": "x"})
	assert.Zero(t, b.ClientCount())
}
