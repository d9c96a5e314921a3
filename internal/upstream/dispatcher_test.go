package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetherhq/aether-gateway/internal/conversion"
)

func newTestDispatcher(t *testing.T, server *httptest.Server) *Dispatcher {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDispatcher(conversion.Default(), server.Client(), logger)
}

func claudeAttempt(server *httptest.Server, clientFormat string) *Attempt {
	return &Attempt{
		Provider:        "test-provider",
		URL:             server.URL,
		ProviderFormat:  "claude:chat",
		ClientFormat:    clientFormat,
		ClientModel:     "my-alias",
		RequestID:       "req_1",
		NeedsConversion: clientFormat != "claude:chat",
	}
}

func TestDispatcher_SyncToSyncWithConversion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		// Stream mode was forced off in the upstream body.
		assert.Equal(t, false, body["stream"])

		json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_1",
			"model":       "claude-3-5-sonnet-20241022",
			"content":     []any{map[string]any{"type": "text", "text": "hi"}},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 4, "output_tokens": 2},
		})
	}))
	defer server.Close()

	d := newTestDispatcher(t, server)
	res, err := d.Do(context.Background(), claudeAttempt(server, "openai:chat"),
		map[string]any{"model": "claude-3-5-sonnet"}, false, nil)
	require.NoError(t, err)

	assert.Equal(t, 200, res.StatusCode)
	assert.False(t, res.Streamed)
	require.NotNil(t, res.JSON)
	assert.Equal(t, "my-alias", res.JSON["model"])

	choices := res.JSON["choices"].([]any)
	require.Len(t, choices, 1)
	message := choices[0].(map[string]any)["message"].(map[string]any)
	assert.Equal(t, "hi", message["content"])

	require.NotNil(t, res.Usage)
	assert.Equal(t, 4, res.Usage.InputTokens)
}

func TestDispatcher_SyncToStreamBridge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":          "r1",
			"model":       "test-model",
			"content":     []any{map[string]any{"type": "text", "text": "hi"}},
			"stop_reason": "end_turn",
		})
	}))
	defer server.Close()

	att := claudeAttempt(server, "openai:chat")
	att.Policy = PolicyForceNonStream

	var out bytes.Buffer
	d := newTestDispatcher(t, server)
	res, err := d.Do(context.Background(), att, map[string]any{"model": "test-model"}, true, &out)
	require.NoError(t, err)
	assert.True(t, res.Streamed)

	body := out.String()
	assert.Contains(t, body, "chat.completion.chunk")
	assert.Contains(t, body, "hi")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestDispatcher_SyncEmbeddedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "rate_limit_error", "message": "slow down"},
		})
	}))
	defer server.Close()

	d := newTestDispatcher(t, server)
	_, err := d.Do(context.Background(), claudeAttempt(server, "claude:chat"),
		map[string]any{"model": "m"}, false, nil)

	var embedded *EmbeddedError
	require.ErrorAs(t, err, &embedded)
	assert.Equal(t, "rate_limit", embedded.ErrorType)
	assert.Equal(t, "slow down", embedded.Message)
}

func TestDispatcher_SyncStatusErrorCapturesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, `{"error":"upstream exploded"}`)
	}))
	defer server.Close()

	d := newTestDispatcher(t, server)
	_, err := d.Do(context.Background(), claudeAttempt(server, "claude:chat"),
		map[string]any{"model": "m"}, false, nil)

	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusBadGateway, status.StatusCode)
	assert.Contains(t, status.Body, "upstream exploded")
}

func TestDispatcher_OAuth401RefreshOnce(t *testing.T) {
	var calls int
	var tokens []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		tokens = append(tokens, r.Header.Get("Authorization"))
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_1",
			"model":       "claude-3-5-sonnet",
			"content":     []any{map[string]any{"type": "text", "text": "ok"}},
			"stop_reason": "end_turn",
		})
	}))
	defer server.Close()

	var refreshes int
	att := claudeAttempt(server, "claude:chat")
	att.OAuth = true
	att.Auth = func(ctx context.Context, forceRefresh bool) (*AuthInfo, error) {
		if forceRefresh {
			refreshes++
			return &AuthInfo{Header: "Authorization", Value: "Bearer fresh"}, nil
		}
		return &AuthInfo{Header: "Authorization", Value: "Bearer stale"}, nil
	}

	d := newTestDispatcher(t, server)
	res, err := d.Do(context.Background(), att, map[string]any{"model": "m"}, false, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, refreshes)
	assert.Equal(t, []string{"Bearer stale", "Bearer fresh"}, tokens)
	assert.Equal(t, 200, res.StatusCode)
}

func TestDispatcher_StreamPassthrough(t *testing.T) {
	const upstream = "data: {\"id\":\"chatcmpl-1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hey\"}}]}\n\ndata: [DONE]\n\n"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, upstream)
	}))
	defer server.Close()

	att := &Attempt{
		Provider:       "test-provider",
		URL:            server.URL,
		ProviderFormat: "openai:chat",
		ClientFormat:   "openai:chat",
		ClientModel:    "gpt-4o",
		RequestID:      "req_1",
	}

	var out bytes.Buffer
	d := newTestDispatcher(t, server)
	res, err := d.Do(context.Background(), att, map[string]any{"model": "gpt-4o"}, true, &out)
	require.NoError(t, err)
	assert.True(t, res.Streamed)
	assert.Equal(t, 200, res.StatusCode)
	// Same-format streams pass through byte for byte.
	assert.Equal(t, upstream, out.String())
}

func TestDispatcher_StreamConversionClaudeToOpenAI(t *testing.T) {
	chunks := []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-3-5-sonnet-20241022","usage":{"input_tokens":3,"output_tokens":0}}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, strings.Join(chunks, "\n")+"\n")
	}))
	defer server.Close()

	att := claudeAttempt(server, "openai:chat")

	var out bytes.Buffer
	d := newTestDispatcher(t, server)
	res, err := d.Do(context.Background(), att, map[string]any{"model": "claude-3-5-sonnet"}, true, &out)
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)

	body := out.String()
	assert.Contains(t, body, "chat.completion.chunk")
	assert.Contains(t, body, "Hello")
	// Converted streams carry the client's requested model name.
	assert.Contains(t, body, "my-alias")
	assert.NotContains(t, body, "claude-3-5-sonnet-20241022")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestDispatcher_StreamPrefetchEmbeddedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"type":"error","error":{"type":"overloaded_error","message":"busy"}}`+"\n\n")
	}))
	defer server.Close()

	var out bytes.Buffer
	d := newTestDispatcher(t, server)
	_, err := d.Do(context.Background(), claudeAttempt(server, "claude:chat"),
		map[string]any{"model": "m"}, true, &out)

	var embedded *EmbeddedError
	require.ErrorAs(t, err, &embedded)
	assert.Equal(t, "overloaded", embedded.ErrorType)
	// The error is caught during prefetch, before any byte reaches the client.
	assert.Zero(t, out.Len())
}

func TestDispatcher_StreamToSyncAggregation(t *testing.T) {
	lines := []string{
		`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o-2024","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"}}]}`,
		``,
		`data: {"choices":[{"index":0,"delta":{"content":" world"}}]}`,
		``,
		`data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		``,
		`data: [DONE]`,
		``,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		// force_stream flipped the upstream body to streaming mode.
		assert.Equal(t, true, body["stream"])
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, strings.Join(lines, "\n")+"\n")
	}))
	defer server.Close()

	att := &Attempt{
		Provider:       "test-provider",
		URL:            server.URL,
		ProviderFormat: "openai:chat",
		ClientFormat:   "openai:chat",
		ClientModel:    "my-alias",
		RequestID:      "req_1",
		Policy:         PolicyForceStream,
	}

	d := newTestDispatcher(t, server)
	res, err := d.Do(context.Background(), att, map[string]any{"model": "gpt-4o"}, false, nil)
	require.NoError(t, err)
	assert.False(t, res.Streamed)
	require.NotNil(t, res.JSON)
	assert.Equal(t, "my-alias", res.JSON["model"])

	choices := res.JSON["choices"].([]any)
	require.Len(t, choices, 1)
	choice := choices[0].(map[string]any)
	message := choice["message"].(map[string]any)
	assert.Equal(t, "Hello world", message["content"])
	assert.Equal(t, "stop", choice["finish_reason"])

	require.NotNil(t, res.Usage)
	assert.Equal(t, 3, res.Usage.InputTokens)
	assert.Equal(t, 2, res.Usage.OutputTokens)
}

func TestDispatcher_EmptyStreamWatchdog(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// Keep-alive comments only, never any data.
		for i := 0; i < 8; i++ {
			io.WriteString(w, ": keep-alive\n")
		}
	}))
	defer server.Close()

	d := newTestDispatcher(t, server)
	d.EmptyChunkThreshold = 2
	d.DataTimeout = 0

	var out bytes.Buffer
	res, err := d.Do(context.Background(), claudeAttempt(server, "claude:chat"),
		map[string]any{"model": "m"}, true, &out)

	var empty *EmptyStreamError
	require.ErrorAs(t, err, &empty)
	assert.Equal(t, 504, res.StatusCode)
	assert.Contains(t, out.String(), "empty_stream_timeout")
}

func TestDispatcher_FirstByteTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	att := claudeAttempt(server, "claude:chat")
	att.FirstByteTimeout = 50 * time.Millisecond

	d := newTestDispatcher(t, server)
	_, err := d.Do(context.Background(), att, map[string]any{"model": "m"}, true, io.Discard)

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 50*time.Millisecond, timeout.Timeout)
}
