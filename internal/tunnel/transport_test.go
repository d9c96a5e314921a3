package tunnel

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// respondWS replays a canned response whenever a REQUEST_BODY frame with
// END_STREAM arrives, acting as the remote proxy agent.
type respondWS struct {
	fakeWS
	m       *Manager
	conn    *Connection
	status  int
	headers [][]string
	chunks  [][]byte
}

func (r *respondWS) WriteMessage(msgType int, data []byte) error {
	if err := r.fakeWS.WriteMessage(msgType, data); err != nil {
		return err
	}
	frame, err := DecodeFrame(data)
	if err != nil || frame.Type != MsgRequestBody || !frame.EndStream() {
		return nil
	}
	go func() {
		payload, _ := json.Marshal(responseMeta{Status: r.status, Headers: r.headers})
		r.m.HandleFrame(r.conn, Frame{StreamID: frame.StreamID, Type: MsgResponseHeaders, Payload: payload})
		for _, chunk := range r.chunks {
			r.m.HandleFrame(r.conn, Frame{StreamID: frame.StreamID, Type: MsgResponseBody, Payload: chunk})
		}
		r.m.HandleFrame(r.conn, Frame{StreamID: frame.StreamID, Type: MsgStreamEnd})
	}()
	return nil
}

func newTunnelFixture(t *testing.T, status int, headers [][]string, chunks [][]byte) (*Manager, *Transport, *respondWS) {
	t.Helper()
	m := newTestManager()
	ws := &respondWS{m: m, status: status, headers: headers, chunks: chunks}
	conn := NewConnection("node-1", "alpha", ws, 0)
	ws.conn = conn
	m.Register(conn)
	return m, NewTransport(m, "node-1", 2*time.Second), ws
}

func TestTransportRoundTrip(t *testing.T) {
	_, tr, ws := newTunnelFixture(t, 200,
		[][]string{{"Content-Type", "application/json"}, {"X-Request-Id", "abc"}},
		[][]byte{[]byte(`{"ok":`), []byte(`true}`)})

	req, err := http.NewRequest(http.MethodPost, "https://api.example.com/v1/messages",
		bytes.NewReader([]byte(`{"model":"claude"}`)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sk-test")

	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "abc", resp.Header.Get("X-Request-Id"))
	assert.EqualValues(t, -1, resp.ContentLength)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(body))

	// The request crossed the tunnel as REQUEST_HEADERS + REQUEST_BODY.
	frames := ws.sent()
	require.Len(t, frames, 2)
	var meta requestMeta
	require.NoError(t, json.Unmarshal(frames[0].Payload, &meta))
	assert.Equal(t, "POST", meta.Method)
	assert.Equal(t, "Bearer sk-test", meta.Headers["Authorization"])
	assert.Equal(t, `{"model":"claude"}`, string(frames[1].Payload))
}

func TestTransportFiltersHopByHopHeaders(t *testing.T) {
	_, tr, ws := newTunnelFixture(t, 200, nil, nil)

	req, err := http.NewRequest(http.MethodGet, "https://api.example.com/health", nil)
	require.NoError(t, err)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Transfer-Encoding", "chunked")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	req.Header.Set("X-Api-Key", "key-1")

	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	var meta requestMeta
	require.NoError(t, json.Unmarshal(ws.sent()[0].Payload, &meta))
	assert.Equal(t, "key-1", meta.Headers["X-Api-Key"])
	assert.NotContains(t, meta.Headers, "Connection")
	assert.NotContains(t, meta.Headers, "Transfer-Encoding")
	assert.NotContains(t, meta.Headers, "Proxy-Authorization")
}

func TestTransportNoTunnel(t *testing.T) {
	tr := NewTransport(newTestManager(), "ghost", time.Second)
	req, err := http.NewRequest(http.MethodGet, "https://example.com", nil)
	require.NoError(t, err)

	_, err = tr.RoundTrip(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestTransportHeaderTimeout(t *testing.T) {
	// A plain fakeWS never answers, so the header wait times out.
	m := newTestManager()
	conn := NewConnection("node-1", "alpha", &fakeWS{}, 0)
	m.Register(conn)
	tr := NewTransport(m, "node-1", 20*time.Millisecond)

	req, err := http.NewRequest(http.MethodGet, "https://example.com", nil)
	require.NoError(t, err)

	_, err = tr.RoundTrip(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	// The abandoned stream was detached.
	assert.Zero(t, conn.StreamCount())
}

func TestTransportErrorStatusPassedThrough(t *testing.T) {
	_, tr, _ := newTunnelFixture(t, 429,
		[][]string{{"Retry-After", "5"}},
		[][]byte{[]byte(`{"error":{"type":"rate_limit_error"}}`)})

	req, err := http.NewRequest(http.MethodPost, "https://api.example.com/v1/messages", bytes.NewReader(nil))
	require.NoError(t, err)

	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 429, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "rate_limit_error")
}
