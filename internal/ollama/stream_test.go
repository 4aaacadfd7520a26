package ollama

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkedReader returns its payload in fixed-size reads so lines land
// split across read boundaries.
type chunkedReader struct {
	data []byte
	pos  int
	size int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	end := r.pos + r.size
	if end > len(r.data) {
		end = len(r.data)
	}
	n := copy(p, r.data[r.pos:end])
	r.pos += n
	return n, nil
}

func TestStreamReaderReassemblesSplitLines(t *testing.T) {
	body := `{"model":"m","message":{"role":"assistant","content":"Hel"},"done":false}
{"model":"m","message":{"role":"assistant","content":"lo"},"done":false}
{"model":"m","message":{"role":"assistant","content":"!"},"done":true,"eval_count":3,"eval_duration":1000000000}
`

	// Every chunk size from pathological single bytes up to bigger than
	// the payload must produce the identical decode.
	for _, size := range []int{1, 2, 3, 7, 16, 64, len(body) + 10} {
		r := &chunkedReader{data: []byte(body), size: size}
		var acc StreamAccumulator

		stats, err := NewStreamReader(r).Process(context.Background(), acc.Add)
		require.NoError(t, err, "chunk size %d", size)
		require.NotNil(t, stats, "chunk size %d", size)

		assert.Equal(t, "Hello!", acc.Text(), "chunk size %d", size)
		assert.Equal(t, 3, stats.EvalCount)
	}
}

func TestStreamReaderDecodesUnterminatedFinalLine(t *testing.T) {
	// No trailing newline on the done chunk.
	body := `{"message":{"content":"a"},"done":false}` + "\n" +
		`{"message":{"content":"b"},"done":true}`

	var acc StreamAccumulator
	stats, err := NewStreamReader(strings.NewReader(body)).Process(context.Background(), acc.Add)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, "ab", acc.Text())
}

func TestStreamReaderSkipsMalformedLines(t *testing.T) {
	body := `{"message":{"content":"ok"},"done":false}` + "\n" +
		`this is not json` + "\n" +
		"\n" +
		`{"message":{"content":" fine"},"done":true}` + "\n"

	var acc StreamAccumulator
	_, err := NewStreamReader(strings.NewReader(body)).Process(context.Background(), acc.Add)
	require.NoError(t, err)
	assert.Equal(t, "ok fine", acc.Text())
}

func TestStreamReaderStopsOnHandlerError(t *testing.T) {
	body := strings.Repeat(`{"message":{"content":"x"},"done":false}`+"\n", 100)

	count := 0
	_, err := NewStreamReader(strings.NewReader(body)).Process(context.Background(),
		func(StreamChunk) error {
			count++
			if count == 3 {
				return io.ErrClosedPipe
			}
			return nil
		})
	require.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, 3, count)
}

func TestStreamReaderHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewStreamReader(strings.NewReader(`{"done":false}`+"\n")).
		Process(ctx, func(StreamChunk) error { return nil })
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestStreamReaderEOFWithoutDoneChunk(t *testing.T) {
	body := `{"message":{"content":"partial"},"done":false}` + "\n"

	var acc StreamAccumulator
	stats, err := NewStreamReader(strings.NewReader(body)).Process(context.Background(), acc.Add)
	require.NoError(t, err)
	assert.Nil(t, stats)
	assert.Equal(t, "partial", acc.Text())
}

func TestStreamStatsTokensPerSecond(t *testing.T) {
	stats := &StreamStats{EvalCount: 50, EvalDuration: 2 * 1e9}
	assert.InDelta(t, 25.0, stats.TokensPerSecond(), 0.001)

	var nilStats *StreamStats
	assert.Zero(t, nilStats.TokensPerSecond())
}

func TestStreamReaderGenerateFormat(t *testing.T) {
	body := `{"response":"gen","done":false}` + "\n" +
		`{"response":"erated","done":true,"eval_count":2}` + "\n"

	var acc StreamAccumulator
	stats, err := NewStreamReader(strings.NewReader(body)).
		ProcessGenerate(context.Background(), acc.Add)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, "generated", acc.Text())
	assert.Equal(t, 2, stats.EvalCount)
}
