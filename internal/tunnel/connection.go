package tunnel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aetherhq/aether-gateway/internal/metrics"
)

// Per-connection concurrent stream cap bounds, negotiated via the
// X-Tunnel-Max-Streams upgrade header.
const (
	MinStreamsPerConn     = 64
	MaxStreamsPerConn     = 2048
	DefaultStreamsPerConn = MaxStreamsPerConn

	// sendTimeout guards one frame write. A congested TCP buffer must not
	// queue every goroutine behind the writer mutex forever.
	sendTimeout = 10 * time.Second
)

// ClampMaxStreams applies the negotiation bounds; non-positive means the
// header was absent.
func ClampMaxStreams(n int) int {
	if n <= 0 {
		return DefaultStreamsPerConn
	}
	if n < MinStreamsPerConn {
		return MinStreamsPerConn
	}
	if n > MaxStreamsPerConn {
		return MaxStreamsPerConn
	}
	return n
}

// wsConn is the write side of a WebSocket session. *websocket.Conn
// satisfies it.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one tunnel session with a proxy agent. It owns the stream
// table, the even stream-id allocator, and the serialized frame writer.
type Connection struct {
	nodeID      string
	nodeName    string
	ws          wsConn
	connectedAt time.Time
	maxStreams  int

	writeMu sync.Mutex

	mu           sync.Mutex
	streams      map[uint32]*Stream
	nextStreamID uint32

	closed atomic.Bool
}

func NewConnection(nodeID, nodeName string, ws wsConn, maxStreams int) *Connection {
	return &Connection{
		nodeID:      nodeID,
		nodeName:    nodeName,
		ws:          ws,
		connectedAt: time.Now(),
		maxStreams:  ClampMaxStreams(maxStreams),
		streams:     make(map[uint32]*Stream),
		// The gateway side allocates even ids; 0 is connection-scoped and 1
		// is reserved.
		nextStreamID: 2,
	}
}

func (c *Connection) NodeID() string   { return c.nodeID }
func (c *Connection) NodeName() string { return c.nodeName }
func (c *Connection) MaxStreams() int  { return c.maxStreams }

// IsAlive reports whether the read loop still owns the socket.
func (c *Connection) IsAlive() bool { return !c.closed.Load() }

// Close marks the connection dead and closes the socket.
func (c *Connection) Close() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.ws.Close()
	}
}

// SendFrame writes one frame under the writer mutex with a deadline, so
// frames are never interleaved and a congested peer cannot wedge writers.
func (c *Connection) SendFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return &StreamError{Msg: "frame send failed: " + err.Error()}
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, f.Encode()); err != nil {
		return &StreamError{Msg: "frame send failed: " + err.Error()}
	}
	return nil
}

// AllocStreamID returns an unused even stream id, wrapping at 0xFFFFFFFE
// and skipping ids still in flight.
func (c *Connection) AllocStreamID() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// In-flight streams never exceed maxStreams, so a bounded scan suffices.
	for range c.maxStreams + 16 {
		id := c.nextStreamID
		c.nextStreamID += 2
		if c.nextStreamID > 0xFFFFFFFE {
			c.nextStreamID = 2
		}
		if _, inUse := c.streams[id]; !inUse {
			return id, nil
		}
	}
	return 0, &StreamError{Msg: "stream id space exhausted"}
}

// CreateStream registers a new stream in the table.
func (c *Connection) CreateStream(id uint32) *Stream {
	s := newStream(id, c)
	c.mu.Lock()
	c.streams[id] = s
	c.mu.Unlock()
	metrics.TunnelStreamOpened()
	return s
}

// Stream looks up a stream by id.
func (c *Connection) Stream(id uint32) (*Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[id]
	return s, ok
}

// RemoveStream drops a stream from the table.
func (c *Connection) RemoveStream(id uint32) {
	c.mu.Lock()
	_, present := c.streams[id]
	delete(c.streams, id)
	c.mu.Unlock()
	if present {
		metrics.TunnelStreamClosed()
	}
}

// StreamCount is the number of in-flight streams; the manager's
// least-loaded selection keys on it.
func (c *Connection) StreamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// CancelAllStreams fails every in-flight stream. Called on teardown.
func (c *Connection) CancelAllStreams() {
	c.mu.Lock()
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streams = make(map[uint32]*Stream)
	c.mu.Unlock()

	for _, s := range streams {
		s.fail(&StreamError{Msg: "tunnel disconnected"})
		metrics.TunnelStreamClosed()
	}
}
