package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes sent to proxy agents.
const (
	CloseUnauthorized  = 4001 // bad or missing credentials
	CloseAuthError     = 4002 // auth backend failure or timeout
	CloseFrameTooLarge = 4003 // repeated oversized frames
	CloseIdleTimeout   = 4004 // no frames within the idle window
)

const (
	// idleTimeout closes connections whose agent stopped sending anything,
	// heartbeats included.
	idleTimeout = 90 * time.Second
	// serverPingInterval keeps intermediate proxies from dropping the socket.
	serverPingInterval = 15 * time.Second
	// authTimeout bounds the credential check during the upgrade handshake.
	authTimeout = 10 * time.Second
	// maxOversizedFrames tolerates a few oversized frames before closing; the
	// counter resets on every well-formed frame.
	maxOversizedFrames = 5

	nodeTokenPrefix = "ae_"
)

// Authenticator validates a node's credentials during the tunnel handshake.
type Authenticator interface {
	AuthenticateNode(ctx context.Context, token, nodeID, clientIP string) (bool, error)
}

// Server accepts tunnel upgrades at the internal proxy endpoint and runs
// each connection's read loop.
type Server struct {
	manager  *Manager
	auth     Authenticator
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(manager *Manager, auth Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager: manager,
		auth:    auth,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			// Agents authenticate with node tokens, not cookies, so origin
			// checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the tunnel session until the
// socket closes. Authentication happens after the upgrade so the agent
// receives a WebSocket close code instead of a bare HTTP error.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r.Header.Get("Authorization"))
	nodeID := r.Header.Get("X-Node-Id")
	nodeName := r.Header.Get("X-Node-Name")
	maxStreams, _ := strconv.Atoi(r.Header.Get("X-Tunnel-Max-Streams"))

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("tunnel upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	if token == "" || !strings.HasPrefix(token, nodeTokenPrefix) || nodeID == "" {
		closeWith(ws, CloseUnauthorized, "unauthorized")
		return
	}

	authCtx, cancel := context.WithTimeout(r.Context(), authTimeout)
	authorized, err := s.auth.AuthenticateNode(authCtx, token, nodeID, clientIP(r))
	cancel()
	if err != nil {
		s.logger.Warn("tunnel auth check failed", "node_id", nodeID, "error", err)
		closeWith(ws, CloseAuthError, "auth error")
		return
	}
	if !authorized {
		closeWith(ws, CloseUnauthorized, "unauthorized")
		return
	}

	if nodeName == "" {
		nodeName = nodeID
	}
	conn := NewConnection(nodeID, nodeName, ws, maxStreams)
	s.manager.Register(conn)
	defer func() {
		s.manager.Unregister(conn)
		conn.Close()
	}()

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(conn, pingDone)

	s.readLoop(conn, ws)
}

// readLoop consumes frames until the socket closes or the agent misbehaves.
func (s *Server) readLoop(conn *Connection, ws *websocket.Conn) {
	oversized := 0
	for {
		if err := ws.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Info("tunnel idle timeout", "node_id", conn.nodeID)
				closeWith(ws, CloseIdleTimeout, "idle timeout")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		if len(data) > HeaderSize+MaxFrameSize {
			oversized++
			s.logger.Warn("tunnel oversized frame",
				"node_id", conn.nodeID, "size", len(data), "count", oversized)
			if oversized >= maxOversizedFrames {
				closeWith(ws, CloseFrameTooLarge, "frame too large")
				return
			}
			continue
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			s.logger.Debug("tunnel bad frame", "node_id", conn.nodeID, "error", err)
			continue
		}
		oversized = 0
		s.manager.HandleFrame(conn, frame)
	}
}

func (s *Server) pingLoop(conn *Connection, done <-chan struct{}) {
	ticker := time.NewTicker(serverPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.SendFrame(Frame{StreamID: 0, Type: MsgPing}); err != nil {
				return
			}
		}
	}
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(2 * time.Second)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}

func bearerToken(authorization string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(authorization, prefix) {
		return strings.TrimSpace(authorization[len(prefix):])
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
