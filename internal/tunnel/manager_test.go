package tunnel

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return NewManager(nil, nil, nil)
}

type recordingStatusStore struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingStatusStore) SetNodeOnline(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "online:"+nodeID)
}

func (r *recordingStatusStore) SetNodeOffline(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "offline:"+nodeID)
}

func (r *recordingStatusStore) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func TestManagerRegisterUnregister(t *testing.T) {
	store := &recordingStatusStore{}
	m := NewManager(store, nil, nil)
	conn := NewConnection("node-1", "alpha", &fakeWS{}, 0)

	m.Register(conn)
	assert.True(t, m.HasTunnel("node-1"))
	assert.Equal(t, 1, m.ConnectionCount("node-1"))
	assert.Equal(t, 1, m.ActiveCount())

	require.True(t, m.Unregister(conn))
	assert.False(t, m.HasTunnel("node-1"))
	assert.Zero(t, m.ActiveCount())
	assert.Equal(t, []string{"online:node-1", "offline:node-1"}, store.all())

	// Already removed.
	assert.False(t, m.Unregister(conn))
}

func TestManagerOfflineOnlyAfterLastConnection(t *testing.T) {
	store := &recordingStatusStore{}
	m := NewManager(store, nil, nil)
	first := NewConnection("node-1", "alpha", &fakeWS{}, 0)
	second := NewConnection("node-1", "alpha", &fakeWS{}, 0)

	m.Register(first)
	m.Register(second)
	m.Unregister(first)
	assert.True(t, m.HasTunnel("node-1"))
	assert.NotContains(t, store.all(), "offline:node-1")

	m.Unregister(second)
	assert.Contains(t, store.all(), "offline:node-1")
}

func TestManagerLeastLoadedSelection(t *testing.T) {
	m := newTestManager()
	busy := NewConnection("node-1", "alpha", &fakeWS{}, 0)
	idle := NewConnection("node-1", "alpha", &fakeWS{}, 0)
	m.Register(busy)
	m.Register(idle)

	busy.CreateStream(2)
	busy.CreateStream(4)
	idle.CreateStream(2)

	assert.Same(t, idle, m.GetConnection("node-1"))
}

func TestManagerReapsDeadConnections(t *testing.T) {
	m := newTestManager()
	dead := NewConnection("node-1", "alpha", &fakeWS{}, 0)
	alive := NewConnection("node-1", "alpha", &fakeWS{}, 0)
	m.Register(dead)
	m.Register(alive)

	orphan := dead.CreateStream(2)
	dead.Close()

	assert.Same(t, alive, m.GetConnection("node-1"))
	assert.Equal(t, 1, m.ConnectionCount("node-1"))

	// Streams on the reaped connection were cancelled.
	require.Error(t, orphan.WaitHeaders(time.Second))
}

func TestManagerSendRequestEmitsFrames(t *testing.T) {
	m := newTestManager()
	ws := &fakeWS{}
	conn := NewConnection("node-1", "alpha", ws, 0)
	m.Register(conn)

	stream, err := m.SendRequest("node-1", "POST", "https://api.example.com/v1/messages",
		map[string]string{"Content-Type": "application/json"}, []byte(`{"model":"m"}`), 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), stream.ID())

	frames := ws.sent()
	require.Len(t, frames, 2)

	assert.Equal(t, MsgRequestHeaders, frames[0].Type)
	var meta requestMeta
	require.NoError(t, json.Unmarshal(frames[0].Payload, &meta))
	assert.Equal(t, "POST", meta.Method)
	assert.Equal(t, "https://api.example.com/v1/messages", meta.URL)
	assert.Equal(t, "application/json", meta.Headers["Content-Type"])
	assert.Equal(t, 30, meta.Timeout)

	assert.Equal(t, MsgRequestBody, frames[1].Type)
	assert.True(t, frames[1].EndStream())
	assert.Equal(t, `{"model":"m"}`, string(frames[1].Payload))
}

func TestManagerSendRequestNoTunnel(t *testing.T) {
	m := newTestManager()
	_, err := m.SendRequest("ghost", "GET", "https://example.com", nil, nil, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestManagerSendRequestStreamLimit(t *testing.T) {
	m := newTestManager()
	conn := NewConnection("node-1", "alpha", &fakeWS{}, MinStreamsPerConn)
	m.Register(conn)

	for i := range MinStreamsPerConn {
		conn.CreateStream(uint32(2 + 2*i))
	}

	_, err := m.SendRequest("node-1", "GET", "https://example.com", nil, nil, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream limit")
}

func TestManagerHandleFrameResponseFlow(t *testing.T) {
	m := newTestManager()
	conn := NewConnection("node-1", "alpha", &fakeWS{}, 0)
	m.Register(conn)
	stream := conn.CreateStream(2)

	headerPayload, _ := json.Marshal(responseMeta{
		Status:  200,
		Headers: [][]string{{"Content-Type", "text/event-stream"}},
	})
	m.HandleFrame(conn, Frame{StreamID: 2, Type: MsgResponseHeaders, Payload: headerPayload})
	require.NoError(t, stream.WaitHeaders(time.Second))
	assert.Equal(t, 200, stream.Status())

	m.HandleFrame(conn, Frame{StreamID: 2, Type: MsgResponseBody, Payload: []byte("data: one\n\n")})
	m.HandleFrame(conn, Frame{StreamID: 2, Type: MsgResponseBody, Payload: []byte("data: two\n\n")})
	m.HandleFrame(conn, Frame{StreamID: 2, Type: MsgStreamEnd})

	body, err := io.ReadAll(stream.BodyReader(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "data: one\n\ndata: two\n\n", string(body))

	// STREAM_END removed the stream from the table.
	assert.Zero(t, conn.StreamCount())
}

func TestManagerHandleFrameGzippedResponseBody(t *testing.T) {
	m := newTestManager()
	conn := NewConnection("node-1", "alpha", &fakeWS{}, 0)
	m.Register(conn)
	stream := conn.CreateStream(2)

	headerPayload, _ := json.Marshal(responseMeta{Status: 200})
	m.HandleFrame(conn, Frame{StreamID: 2, Type: MsgResponseHeaders, Payload: headerPayload})

	chunk := bytes.Repeat([]byte("data: chunk\n\n"), 1024)
	payload, compressed := compressPayload(chunk)
	require.True(t, compressed)

	m.HandleFrame(conn, Frame{StreamID: 2, Type: MsgResponseBody, Flags: FlagGzip, Payload: payload})
	m.HandleFrame(conn, Frame{StreamID: 2, Type: MsgStreamEnd})

	body, err := io.ReadAll(stream.BodyReader(time.Second))
	require.NoError(t, err)
	assert.Equal(t, chunk, body)
}

func TestManagerSendRequestCompressesLargeBody(t *testing.T) {
	m := newTestManager()
	ws := &fakeWS{}
	conn := NewConnection("node-1", "alpha", ws, 0)
	m.Register(conn)

	body := bytes.Repeat([]byte(`{"role":"user","content":"hello"}`), 1024)
	_, err := m.SendRequest("node-1", "POST", "https://example.com", nil, body, time.Second)
	require.NoError(t, err)

	frames := ws.sent()
	require.Len(t, frames, 2)
	assert.True(t, frames[1].Gzip())
	assert.Less(t, len(frames[1].Payload), len(body))

	restored, err := decompressPayload(frames[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, body, restored)
}

func TestManagerHandleFrameStreamError(t *testing.T) {
	m := newTestManager()
	conn := NewConnection("node-1", "alpha", &fakeWS{}, 0)
	m.Register(conn)
	stream := conn.CreateStream(2)

	m.HandleFrame(conn, Frame{StreamID: 2, Type: MsgStreamError, Payload: []byte("dial tcp: refused")})

	err := stream.WaitHeaders(time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial tcp: refused")
	assert.Zero(t, conn.StreamCount())
}

func TestManagerHandleFrameUnknownStreamIgnored(t *testing.T) {
	m := newTestManager()
	conn := NewConnection("node-1", "alpha", &fakeWS{}, 0)
	m.Register(conn)

	assert.NotPanics(t, func() {
		m.HandleFrame(conn, Frame{StreamID: 998, Type: MsgResponseBody, Payload: []byte("late")})
		m.HandleFrame(conn, Frame{StreamID: 998, Type: MsgStreamEnd})
	})
}

func TestManagerHandleFrameUnregisteredConnDropped(t *testing.T) {
	m := newTestManager()
	conn := NewConnection("node-1", "alpha", &fakeWS{}, 0)
	stream := conn.CreateStream(2)

	m.HandleFrame(conn, Frame{StreamID: 2, Type: MsgResponseBody, Payload: []byte("data")})

	// The frame never reached the stream.
	select {
	case <-stream.body:
		t.Fatal("frame for unregistered connection was delivered")
	default:
	}
}

func TestManagerPingPong(t *testing.T) {
	m := newTestManager()
	ws := &fakeWS{}
	conn := NewConnection("node-1", "alpha", ws, 0)
	m.Register(conn)

	m.HandleFrame(conn, Frame{StreamID: 0, Type: MsgPing, Payload: []byte("ts")})

	require.Eventually(t, func() bool {
		frames := ws.sent()
		return len(frames) == 1 && frames[0].Type == MsgPong && string(frames[0].Payload) == "ts"
	}, time.Second, 5*time.Millisecond)
}

func TestManagerHeartbeatAck(t *testing.T) {
	var gotNode string
	var gotStats HeartbeatStats
	var mu sync.Mutex
	handler := func(nodeID string, stats HeartbeatStats) map[string]any {
		mu.Lock()
		defer mu.Unlock()
		gotNode = nodeID
		gotStats = stats
		return map[string]any{"config_version": 7}
	}

	m := NewManager(nil, handler, nil)
	ws := &fakeWS{}
	conn := NewConnection("node-1", "alpha", ws, 0)
	m.Register(conn)

	m.HandleFrame(conn, Frame{
		StreamID: 0,
		Type:     MsgHeartbeatData,
		Payload:  []byte(`{"active_connections":3,"total_requests":120}`),
	})

	require.Eventually(t, func() bool {
		frames := ws.sent()
		return len(frames) == 1 && frames[0].Type == MsgHeartbeatAck
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "node-1", gotNode)
	require.NotNil(t, gotStats.ActiveConnections)
	assert.Equal(t, 3, *gotStats.ActiveConnections)

	var ack map[string]any
	require.NoError(t, json.Unmarshal(ws.sent()[0].Payload, &ack))
	assert.EqualValues(t, 7, ack["config_version"])
}
