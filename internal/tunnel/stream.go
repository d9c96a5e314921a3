package tunnel

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ErrStreamClosed is returned when writing to a stream that already ended.
var ErrStreamClosed = errors.New("tunnel stream closed")

// bodyQueueCap bounds buffered response chunks per stream. A proxy pushing
// past it indicates a stuck reader, which fails the stream rather than
// growing without bound.
const bodyQueueCap = 1024

// StreamError is a tunnel-level failure on one stream.
type StreamError struct {
	Msg string
	// PostHeader distinguishes read failures after the response headers
	// arrived from connect-phase failures.
	PostHeader bool
}

func (e *StreamError) Error() string { return e.Msg }

// Stream tracks one multiplexed HTTP exchange: response status, ordered
// header pairs, and the body chunk queue.
type Stream struct {
	id   uint32
	conn *Connection

	headerReady chan struct{}
	body        chan []byte

	mu      sync.Mutex
	status  int
	headers [][]string
	err     *StreamError
	closed  bool
}

func newStream(id uint32, conn *Connection) *Stream {
	return &Stream{
		id:          id,
		conn:        conn,
		headerReady: make(chan struct{}),
		body:        make(chan []byte, bodyQueueCap),
	}
}

// ID returns the stream identifier.
func (s *Stream) ID() uint32 { return s.id }

// Status returns the response status code, valid after WaitHeaders.
func (s *Stream) Status() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Headers returns the ordered [name, value] response header pairs.
func (s *Stream) Headers() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers
}

func (s *Stream) setResponseHeaders(status int, headers [][]string) {
	s.mu.Lock()
	if s.closed && s.err != nil {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.headers = headers
	s.mu.Unlock()
	s.signalHeaders()
}

func (s *Stream) signalHeaders() {
	select {
	case <-s.headerReady:
	default:
		close(s.headerReady)
	}
}

func (s *Stream) pushBody(chunk []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.body <- chunk:
		s.mu.Unlock()
	default:
		// Queue overflow: the consumer stalled. Fail the stream.
		s.mu.Unlock()
		s.fail(&StreamError{Msg: "body queue overflow", PostHeader: true})
	}
}

func (s *Stream) setDone() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.body)
	s.mu.Unlock()
	s.signalHeaders()
}

func (s *Stream) fail(err *StreamError) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.err = err
	s.closed = true
	close(s.body)
	s.mu.Unlock()
	s.signalHeaders()
}

func (s *Stream) failure() *StreamError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// WaitHeaders blocks until the response headers arrive, the stream fails,
// or the timeout elapses.
func (s *Stream) WaitHeaders(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.headerReady:
		// A failure after headers were delivered belongs to the body phase
		// and surfaces from the body reader instead.
		if err := s.failure(); err != nil && s.Status() == 0 {
			return err
		}
		return nil
	case <-timer.C:
		return &StreamError{Msg: fmt.Sprintf("timed out waiting for response headers after %s", timeout)}
	}
}

// BodyReader returns the response body as a reader with a per-chunk idle
// timeout. Closing it detaches the stream from its connection.
func (s *Stream) BodyReader(chunkTimeout time.Duration) io.ReadCloser {
	return &bodyReader{stream: s, chunkTimeout: chunkTimeout}
}

type bodyReader struct {
	stream       *Stream
	chunkTimeout time.Duration
	rest         []byte
	closed       bool
}

func (r *bodyReader) Read(p []byte) (int, error) {
	if len(r.rest) > 0 {
		n := copy(p, r.rest)
		r.rest = r.rest[n:]
		return n, nil
	}
	if r.closed {
		return 0, io.EOF
	}

	timer := time.NewTimer(r.chunkTimeout)
	defer timer.Stop()
	select {
	case chunk, ok := <-r.stream.body:
		if !ok {
			r.closed = true
			if err := r.stream.failure(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		n := copy(p, chunk)
		r.rest = chunk[n:]
		return n, nil
	case <-timer.C:
		r.closed = true
		return 0, &StreamError{Msg: "body chunk timeout", PostHeader: true}
	}
}

func (r *bodyReader) Close() error {
	r.closed = true
	if r.stream.conn != nil {
		r.stream.conn.RemoveStream(r.stream.id)
	}
	return nil
}
