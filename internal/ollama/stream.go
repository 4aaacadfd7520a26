package ollama

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// StreamChunk is one decoded NDJSON object from a streaming chat or
// generate response, normalized to a content delta.
type StreamChunk struct {
	Content string
	Done    bool
	Stats   *StreamStats
}

// StreamStats are the eval statistics carried on the final chunk.
type StreamStats struct {
	TotalDuration      time.Duration
	LoadDuration       time.Duration
	PromptEvalCount    int
	PromptEvalDuration time.Duration
	EvalCount          int
	EvalDuration       time.Duration
	FirstTokenLatency  time.Duration
}

// TokensPerSecond returns the generation rate, or 0 when unknown.
func (s *StreamStats) TokensPerSecond() float64 {
	if s == nil || s.EvalDuration <= 0 {
		return 0
	}
	return float64(s.EvalCount) / s.EvalDuration.Seconds()
}

// StreamHandler receives each decoded chunk. Returning an error aborts
// the stream.
type StreamHandler func(StreamChunk) error

// StreamReader decodes an NDJSON response body line by line. Ollama
// writes one JSON object per newline, but the underlying reads can
// split objects at arbitrary byte boundaries, so lines are buffered
// until a terminator arrives. A non-terminated final line is still
// decoded at EOF.
type StreamReader struct {
	r       *bufio.Reader
	started time.Time
	first   time.Time
}

// NewStreamReader wraps a streaming response body.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{
		r:       bufio.NewReader(r),
		started: time.Now(),
	}
}

// Process reads chat-format chunks until the done chunk, EOF, context
// cancellation, or a handler error. Malformed lines are skipped.
func (sr *StreamReader) Process(ctx context.Context, handler StreamHandler) (*StreamStats, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, newError(ErrTypeTimeout, "stream cancelled", err)
		}

		line, err := sr.r.ReadBytes('\n')
		if len(line) > 0 {
			chunk, ok := sr.decodeChat(line)
			if ok {
				if err := handler(chunk); err != nil {
					return nil, err
				}
				if chunk.Done {
					return chunk.Stats, nil
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil, nil
			}
			return nil, newError(ErrTypeConnection, "stream read failed", err)
		}
	}
}

// ProcessGenerate is Process for generate-format responses.
func (sr *StreamReader) ProcessGenerate(ctx context.Context, handler StreamHandler) (*StreamStats, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, newError(ErrTypeTimeout, "stream cancelled", err)
		}

		line, err := sr.r.ReadBytes('\n')
		if len(line) > 0 {
			chunk, ok := sr.decodeGenerate(line)
			if ok {
				if err := handler(chunk); err != nil {
					return nil, err
				}
				if chunk.Done {
					return chunk.Stats, nil
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil, nil
			}
			return nil, newError(ErrTypeConnection, "stream read failed", err)
		}
	}
}

func (sr *StreamReader) decodeChat(line []byte) (StreamChunk, bool) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return StreamChunk{}, false
	}

	var resp ChatResponse
	if err := json.Unmarshal([]byte(trimmed), &resp); err != nil {
		// Partial or garbled line; skip rather than kill the stream.
		return StreamChunk{}, false
	}

	return sr.toChunk(resp.Message.Content, resp.Done, resp.TotalDuration,
		resp.LoadDuration, resp.PromptEvalCount, resp.PromptEvalDuration,
		resp.EvalCount, resp.EvalDuration), true
}

func (sr *StreamReader) decodeGenerate(line []byte) (StreamChunk, bool) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return StreamChunk{}, false
	}

	var resp GenerateResponse
	if err := json.Unmarshal([]byte(trimmed), &resp); err != nil {
		return StreamChunk{}, false
	}

	return sr.toChunk(resp.Response, resp.Done, resp.TotalDuration,
		resp.LoadDuration, resp.PromptEvalCount, resp.PromptEvalDuration,
		resp.EvalCount, resp.EvalDuration), true
}

func (sr *StreamReader) toChunk(content string, done bool,
	total, load int64, promptCount int, promptDur int64,
	evalCount int, evalDur int64) StreamChunk {

	if content != "" && sr.first.IsZero() {
		sr.first = time.Now()
	}

	chunk := StreamChunk{Content: content, Done: done}
	if done {
		stats := &StreamStats{
			TotalDuration:      time.Duration(total),
			LoadDuration:       time.Duration(load),
			PromptEvalCount:    promptCount,
			PromptEvalDuration: time.Duration(promptDur),
			EvalCount:          evalCount,
			EvalDuration:       time.Duration(evalDur),
		}
		if !sr.first.IsZero() {
			stats.FirstTokenLatency = sr.first.Sub(sr.started)
		}
		chunk.Stats = stats
	}
	return chunk
}

// StreamAccumulator collects chunks into the full response text.
type StreamAccumulator struct {
	sb    strings.Builder
	stats *StreamStats
}

// Add appends a chunk; usable directly as a StreamHandler.
func (a *StreamAccumulator) Add(chunk StreamChunk) error {
	a.sb.WriteString(chunk.Content)
	if chunk.Done {
		a.stats = chunk.Stats
	}
	return nil
}

// Text returns everything accumulated so far.
func (a *StreamAccumulator) Text() string { return a.sb.String() }

// Stats returns the final stats, nil until the done chunk arrives.
func (a *StreamAccumulator) Stats() *StreamStats { return a.stats }
