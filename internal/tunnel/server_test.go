package tunnel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuthenticator struct {
	token string
	err   error
}

func (f *fakeAuthenticator) AuthenticateNode(_ context.Context, token, nodeID, _ string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return token == f.token && nodeID != "", nil
}

func newTunnelServer(t *testing.T, auth Authenticator) (*Manager, *httptest.Server) {
	t.Helper()
	m := newTestManager()
	srv := httptest.NewServer(NewServer(m, auth, nil))
	t.Cleanup(srv.Close)
	return m, srv
}

func dialTunnel(t *testing.T, srv *httptest.Server, header http.Header) (*websocket.Conn, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return ws, err
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, code, closeErr.Code)
		return
	}
}

func TestServerRejectsMissingToken(t *testing.T) {
	_, srv := newTunnelServer(t, &fakeAuthenticator{token: "ae_good"})

	ws, err := dialTunnel(t, srv, http.Header{"X-Node-Id": {"node-1"}})
	require.NoError(t, err)
	defer ws.Close()

	expectClose(t, ws, CloseUnauthorized)
}

func TestServerRejectsBadTokenPrefix(t *testing.T) {
	_, srv := newTunnelServer(t, &fakeAuthenticator{token: "ae_good"})

	ws, err := dialTunnel(t, srv, http.Header{
		"Authorization": {"Bearer sk-wrong-kind"},
		"X-Node-Id":     {"node-1"},
	})
	require.NoError(t, err)
	defer ws.Close()

	expectClose(t, ws, CloseUnauthorized)
}

func TestServerRejectsInvalidToken(t *testing.T) {
	_, srv := newTunnelServer(t, &fakeAuthenticator{token: "ae_good"})

	ws, err := dialTunnel(t, srv, http.Header{
		"Authorization": {"Bearer ae_stolen"},
		"X-Node-Id":     {"node-1"},
	})
	require.NoError(t, err)
	defer ws.Close()

	expectClose(t, ws, CloseUnauthorized)
}

func TestServerAuthBackendFailure(t *testing.T) {
	_, srv := newTunnelServer(t, &fakeAuthenticator{err: errors.New("store down")})

	ws, err := dialTunnel(t, srv, http.Header{
		"Authorization": {"Bearer ae_good"},
		"X-Node-Id":     {"node-1"},
	})
	require.NoError(t, err)
	defer ws.Close()

	expectClose(t, ws, CloseAuthError)
}

func TestServerRegistersAndAnswersPing(t *testing.T) {
	m, srv := newTunnelServer(t, &fakeAuthenticator{token: "ae_good"})

	ws, err := dialTunnel(t, srv, http.Header{
		"Authorization":        {"Bearer ae_good"},
		"X-Node-Id":            {"node-1"},
		"X-Node-Name":          {"alpha"},
		"X-Tunnel-Max-Streams": {"128"},
	})
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool {
		return m.HasTunnel("node-1")
	}, 2*time.Second, 10*time.Millisecond)

	conn := m.GetConnection("node-1")
	require.NotNil(t, conn)
	assert.Equal(t, "alpha", conn.NodeName())
	assert.Equal(t, 128, conn.MaxStreams())

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage,
		Frame{StreamID: 0, Type: MsgPing, Payload: []byte("hb")}.Encode()))

	// The server also pings on its own schedule; skip those.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		frame, err := DecodeFrame(data)
		require.NoError(t, err)
		if frame.Type == MsgPing {
			continue
		}
		assert.Equal(t, MsgPong, frame.Type)
		assert.Equal(t, "hb", string(frame.Payload))
		break
	}
}

func TestServerUnregistersOnDisconnect(t *testing.T) {
	m, srv := newTunnelServer(t, &fakeAuthenticator{token: "ae_good"})

	ws, err := dialTunnel(t, srv, http.Header{
		"Authorization": {"Bearer ae_good"},
		"X-Node-Id":     {"node-1"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m.HasTunnel("node-1")
	}, 2*time.Second, 10*time.Millisecond)

	ws.Close()
	require.Eventually(t, func() bool {
		return !m.HasTunnel("node-1")
	}, 2*time.Second, 10*time.Millisecond)
}
