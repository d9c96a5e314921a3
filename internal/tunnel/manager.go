package tunnel

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aetherhq/aether-gateway/internal/metrics"
)

// HeartbeatStats is the node metrics report carried by HEARTBEAT_DATA.
type HeartbeatStats struct {
	ActiveConnections *int     `json:"active_connections,omitempty"`
	TotalRequests     *int64   `json:"total_requests,omitempty"`
	AvgLatencyMS      *float64 `json:"avg_latency_ms,omitempty"`
}

// HeartbeatHandler persists node stats and returns the ack payload
// (typically remote config plus its version). May be nil.
type HeartbeatHandler func(nodeID string, stats HeartbeatStats) map[string]any

// StatusStore receives node online/offline transitions. May be nil.
type StatusStore interface {
	SetNodeOnline(nodeID string)
	SetNodeOffline(nodeID string)
}

// Manager owns the per-node connection pools. Multiple connections per node
// are permitted and desirable; new requests go to the least-loaded alive
// connection.
type Manager struct {
	mu          sync.Mutex
	connections map[string][]*Connection

	// Per-node status locks serialize online/offline store updates, and the
	// transition timestamps let stale events be ignored.
	nodeMu         sync.Mutex
	nodeLocks      map[string]*sync.Mutex
	lastTransition map[string]time.Time

	status    StatusStore
	heartbeat HeartbeatHandler
	logger    *slog.Logger
}

func NewManager(status StatusStore, heartbeat HeartbeatHandler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		connections:    make(map[string][]*Connection),
		nodeLocks:      make(map[string]*sync.Mutex),
		lastTransition: make(map[string]time.Time),
		status:         status,
		heartbeat:      heartbeat,
		logger:         logger,
	}
}

func (m *Manager) nodeLock(nodeID string) *sync.Mutex {
	m.nodeMu.Lock()
	defer m.nodeMu.Unlock()
	l, ok := m.nodeLocks[nodeID]
	if !ok {
		l = &sync.Mutex{}
		m.nodeLocks[nodeID] = l
	}
	return l
}

// Register appends a connection to its node's pool and flips the node
// online.
func (m *Manager) Register(conn *Connection) {
	m.mu.Lock()
	m.connections[conn.nodeID] = append(m.connections[conn.nodeID], conn)
	poolSize := len(m.connections[conn.nodeID])
	m.mu.Unlock()

	m.logger.Info("tunnel connected",
		"node_id", conn.nodeID, "node_name", conn.nodeName, "pool_size", poolSize)
	metrics.TunnelConnected()

	m.transition(conn.nodeID, true)
}

// Unregister removes one connection by identity and cancels its streams.
// The node flips offline only when no other alive connection remains.
func (m *Manager) Unregister(conn *Connection) bool {
	m.mu.Lock()
	conns := m.connections[conn.nodeID]
	idx := -1
	for i, c := range conns {
		if c == conn {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	conns = append(conns[:idx], conns[idx+1:]...)
	if len(conns) == 0 {
		delete(m.connections, conn.nodeID)
	} else {
		m.connections[conn.nodeID] = conns
	}
	remainingAlive := 0
	for _, c := range conns {
		if c.IsAlive() {
			remainingAlive++
		}
	}
	m.mu.Unlock()

	conn.CancelAllStreams()
	m.logger.Info("tunnel disconnected",
		"node_id", conn.nodeID, "node_name", conn.nodeName, "remaining", len(conns))
	metrics.TunnelDisconnected()

	if remainingAlive == 0 {
		m.transition(conn.nodeID, false)
	}
	return true
}

// transition updates the status store under the per-node lock, recording
// the transition time so late events for an earlier state are ignored.
func (m *Manager) transition(nodeID string, online bool) {
	if m.status == nil {
		return
	}
	lock := m.nodeLock(nodeID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	m.nodeMu.Lock()
	last := m.lastTransition[nodeID]
	if now.Before(last) {
		m.nodeMu.Unlock()
		return
	}
	m.lastTransition[nodeID] = now
	m.nodeMu.Unlock()

	if online {
		m.status.SetNodeOnline(nodeID)
	} else {
		m.status.SetNodeOffline(nodeID)
	}
}

// GetConnection returns the least-loaded alive connection for a node,
// reaping dead connections on the way.
func (m *Manager) GetConnection(nodeID string) *Connection {
	m.mu.Lock()
	conns := m.connections[nodeID]
	if len(conns) == 0 {
		m.mu.Unlock()
		return nil
	}

	alive := conns[:0:0]
	var dead []*Connection
	for _, c := range conns {
		if c.IsAlive() {
			alive = append(alive, c)
		} else {
			dead = append(dead, c)
		}
	}
	if len(alive) == 0 {
		delete(m.connections, nodeID)
	} else if len(alive) != len(conns) {
		m.connections[nodeID] = alive
	}

	var best *Connection
	for _, c := range alive {
		if best == nil || c.StreamCount() < best.StreamCount() {
			best = c
		}
	}
	m.mu.Unlock()

	for _, c := range dead {
		c.CancelAllStreams()
		metrics.TunnelDisconnected()
	}
	return best
}

// HasTunnel reports whether an alive connection exists for the node.
func (m *Manager) HasTunnel(nodeID string) bool {
	return m.GetConnection(nodeID) != nil
}

// ConnectionCount returns the node's alive connection count.
func (m *Manager) ConnectionCount(nodeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.connections[nodeID] {
		if c.IsAlive() {
			n++
		}
	}
	return n
}

// ActiveCount returns the total pooled connection count.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, conns := range m.connections {
		n += len(conns)
	}
	return n
}

// SendRequest opens a stream on the node's least-loaded connection and
// emits REQUEST_HEADERS plus the whole body with END_STREAM set. The
// returned Stream carries the response.
func (m *Manager) SendRequest(nodeID, method, url string, headers map[string]string, body []byte, timeout time.Duration) (*Stream, error) {
	conn := m.GetConnection(nodeID)
	if conn == nil {
		return nil, &StreamError{Msg: fmt.Sprintf("tunnel not connected for node %s", nodeID)}
	}
	if conn.StreamCount() >= conn.MaxStreams() {
		return nil, &StreamError{Msg: fmt.Sprintf("tunnel stream limit reached (%d) for node %s", conn.MaxStreams(), nodeID)}
	}

	streamID, err := conn.AllocStreamID()
	if err != nil {
		return nil, err
	}
	stream := conn.CreateStream(streamID)

	meta := encodeRequestMeta(requestMeta{
		Method:  method,
		URL:     url,
		Headers: headers,
		Timeout: int(timeout.Seconds()),
	})
	if err := conn.SendFrame(Frame{StreamID: streamID, Type: MsgRequestHeaders, Payload: meta}); err != nil {
		conn.RemoveStream(streamID)
		return nil, err
	}
	payload, compressed := compressPayload(body)
	flags := uint8(FlagEndStream)
	if compressed {
		flags |= FlagGzip
	}
	if err := conn.SendFrame(Frame{StreamID: streamID, Type: MsgRequestBody, Flags: flags, Payload: payload}); err != nil {
		conn.RemoveStream(streamID)
		return nil, err
	}
	return stream, nil
}

// HandleFrame routes one inbound frame. Frames for unregistered connections
// or unknown streams are dropped; they are almost always late responses to
// cancelled streams. Runs on the connection's read loop, so the slow paths
// (heartbeat persistence, pong) are handed to goroutines.
func (m *Manager) HandleFrame(conn *Connection, frame Frame) {
	m.mu.Lock()
	registered := false
	for _, c := range m.connections[conn.nodeID] {
		if c == conn {
			registered = true
			break
		}
	}
	m.mu.Unlock()
	if !registered {
		return
	}

	stream, ok := conn.Stream(frame.StreamID)

	switch frame.Type {
	case MsgResponseHeaders:
		if !ok {
			return
		}
		meta, err := decodeResponseMeta(frame.Payload)
		if err != nil {
			stream.fail(&StreamError{Msg: err.Error()})
			return
		}
		stream.setResponseHeaders(meta.Status, meta.Headers)

	case MsgResponseBody:
		if ok {
			payload := frame.Payload
			if frame.Gzip() {
				var err error
				if payload, err = decompressPayload(payload); err != nil {
					stream.fail(&StreamError{Msg: err.Error(), PostHeader: stream.Status() > 0})
					return
				}
			}
			stream.pushBody(payload)
		}

	case MsgStreamEnd:
		if ok {
			stream.setDone()
			conn.RemoveStream(frame.StreamID)
		}

	case MsgStreamError:
		if ok {
			msg := "stream error"
			if len(frame.Payload) > 0 {
				msg = string(frame.Payload)
			}
			stream.fail(&StreamError{Msg: msg, PostHeader: stream.Status() > 0})
			conn.RemoveStream(frame.StreamID)
		}

	case MsgHeartbeatData:
		go m.handleHeartbeat(conn, frame)

	case MsgPing:
		go func() {
			// Best-effort echo.
			_ = conn.SendFrame(Frame{StreamID: 0, Type: MsgPong, Payload: frame.Payload})
		}()
	}
}

func (m *Manager) handleHeartbeat(conn *Connection, frame Frame) {
	var stats HeartbeatStats
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &stats); err != nil {
			m.logger.Debug("tunnel heartbeat payload invalid", "node_id", conn.nodeID, "error", err)
		}
	}

	ack := map[string]any{}
	if m.heartbeat != nil {
		if result := m.heartbeat(conn.nodeID, stats); result != nil {
			ack = result
		}
	}

	payload, _ := json.Marshal(ack)
	if err := conn.SendFrame(Frame{StreamID: 0, Type: MsgHeartbeatAck, Payload: payload}); err != nil {
		m.logger.Debug("tunnel heartbeat ack send failed", "node_id", conn.nodeID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Default manager
// ---------------------------------------------------------------------------

var (
	defaultManager     *Manager
	defaultManagerOnce sync.Once
)

// Default returns the process-wide manager with no status store or
// heartbeat handler attached.
func Default() *Manager {
	defaultManagerOnce.Do(func() {
		defaultManager = NewManager(nil, nil, nil)
	})
	return defaultManager
}
