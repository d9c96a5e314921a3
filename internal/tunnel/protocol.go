// Package tunnel implements the WebSocket multiplexer that lets the gateway
// issue HTTP requests through remote proxy agents: a binary frame protocol,
// per-node connection pools, and an http.RoundTripper front.
package tunnel

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frame header layout, big-endian:
//
//	offset 0..4   stream_id   (uint32)
//	offset 4      msg_type    (uint8)
//	offset 5      flags       (uint8)
//	offset 6..10  payload_len (uint32)
//	offset 10..   payload
const (
	HeaderSize = 10
	// MaxFrameSize caps one frame's payload. Request bodies may carry several
	// base64 images, so the cap is generous.
	MaxFrameSize = 64 << 20
)

// MsgType identifies a frame's purpose.
type MsgType uint8

const (
	MsgRequestHeaders  MsgType = 0x01 // gateway -> proxy: request metadata (JSON)
	MsgRequestBody     MsgType = 0x02 // gateway -> proxy: request body bytes
	MsgResponseHeaders MsgType = 0x03 // proxy -> gateway: status + headers (JSON)
	MsgResponseBody    MsgType = 0x04 // proxy -> gateway: streamed body bytes
	MsgStreamEnd       MsgType = 0x05 // either: normal stream close
	MsgStreamError     MsgType = 0x06 // either: stream failure, payload is UTF-8 message

	MsgPing          MsgType = 0x10 // either, stream 0
	MsgPong          MsgType = 0x11 // either, stream 0
	MsgGoAway        MsgType = 0x12 // either, stream 0: graceful shutdown
	MsgHeartbeatData MsgType = 0x13 // proxy -> gateway: node stats report
	MsgHeartbeatAck  MsgType = 0x14 // gateway -> proxy: ack + optional remote config
)

func (m MsgType) valid() bool {
	switch m {
	case MsgRequestHeaders, MsgRequestBody, MsgResponseHeaders, MsgResponseBody,
		MsgStreamEnd, MsgStreamError,
		MsgPing, MsgPong, MsgGoAway, MsgHeartbeatData, MsgHeartbeatAck:
		return true
	}
	return false
}

func (m MsgType) String() string {
	switch m {
	case MsgRequestHeaders:
		return "REQUEST_HEADERS"
	case MsgRequestBody:
		return "REQUEST_BODY"
	case MsgResponseHeaders:
		return "RESPONSE_HEADERS"
	case MsgResponseBody:
		return "RESPONSE_BODY"
	case MsgStreamEnd:
		return "STREAM_END"
	case MsgStreamError:
		return "STREAM_ERROR"
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	case MsgGoAway:
		return "GOAWAY"
	case MsgHeartbeatData:
		return "HEARTBEAT_DATA"
	case MsgHeartbeatAck:
		return "HEARTBEAT_ACK"
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(m))
}

// Frame flags.
const (
	FlagEndStream = 0x01
	FlagGzip      = 0x02
)

// Frame is one protocol unit on the wire.
type Frame struct {
	StreamID uint32
	Type     MsgType
	Flags    uint8
	Payload  []byte
}

// Encode renders the frame; the result is HeaderSize + len(Payload) bytes.
func (f Frame) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], f.StreamID)
	buf[4] = byte(f.Type)
	buf[5] = f.Flags
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// DecodeFrame parses one frame from a complete WebSocket message.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, fmt.Errorf("frame too short: need %d bytes, got %d", HeaderSize, len(data))
	}
	streamID := binary.BigEndian.Uint32(data[0:4])
	msgType := MsgType(data[4])
	flags := data[5]
	payloadLen := binary.BigEndian.Uint32(data[6:10])

	if !msgType.valid() {
		return Frame{}, fmt.Errorf("unknown message type 0x%02x", data[4])
	}
	expected := HeaderSize + int(payloadLen)
	if len(data) < expected {
		return Frame{}, fmt.Errorf("frame truncated: need %d bytes, got %d", expected, len(data))
	}
	return Frame{
		StreamID: streamID,
		Type:     msgType,
		Flags:    flags,
		Payload:  data[HeaderSize:expected],
	}, nil
}

// EndStream reports whether the frame closes its stream.
func (f Frame) EndStream() bool { return f.Flags&FlagEndStream != 0 }

// Gzip reports whether the payload is gzip-compressed.
func (f Frame) Gzip() bool { return f.Flags&FlagGzip != 0 }

// gzipThreshold is the payload size above which request bodies are
// compressed before framing.
const gzipThreshold = 4 << 10

// compressPayload gzips a payload when it is worth the flag byte. The
// second return value reports whether FlagGzip should be set.
func compressPayload(payload []byte) ([]byte, bool) {
	if len(payload) < gzipThreshold {
		return payload, false
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return payload, false
	}
	if err := zw.Close(); err != nil {
		return payload, false
	}
	if buf.Len() >= len(payload) {
		return payload, false
	}
	return buf.Bytes(), true
}

// decompressPayload undoes FlagGzip on an inbound frame payload.
func decompressPayload(payload []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("invalid gzip payload: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, MaxFrameSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	if len(out) > MaxFrameSize {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", MaxFrameSize)
	}
	return out, nil
}

// requestMeta is the REQUEST_HEADERS payload.
type requestMeta struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Timeout int               `json:"timeout"`
}

// responseMeta is the RESPONSE_HEADERS payload. Headers are ordered
// [name, value] pairs so multi-valued headers survive.
type responseMeta struct {
	Status  int        `json:"status"`
	Headers [][]string `json:"headers"`
}

func encodeRequestMeta(m requestMeta) []byte {
	payload, _ := json.Marshal(m)
	return payload
}

func decodeResponseMeta(payload []byte) (responseMeta, error) {
	var m responseMeta
	if err := json.Unmarshal(payload, &m); err != nil {
		return responseMeta{}, fmt.Errorf("invalid response headers payload: %w", err)
	}
	return m, nil
}
