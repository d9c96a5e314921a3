package tunnel

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// hopByHopHeaders never cross the tunnel. The proxy agent rebuilds them for
// its own upstream connection.
var hopByHopHeaders = map[string]struct{}{
	"host":                {},
	"transfer-encoding":   {},
	"content-length":      {},
	"connection":          {},
	"upgrade":             {},
	"keep-alive":          {},
	"proxy-authorization": {},
	"proxy-connection":    {},
	"te":                  {},
	"trailer":             {},
}

// DefaultTunnelTimeout bounds the wait for response headers and each body
// chunk when the caller gives none.
const DefaultTunnelTimeout = 300 * time.Second

// Transport routes HTTP requests through a node's tunnel. It satisfies
// http.RoundTripper, so the upstream dispatcher can use it unchanged.
type Transport struct {
	Manager *Manager
	NodeID  string
	// Timeout applies to the header wait and to each body chunk.
	Timeout time.Duration
}

func NewTransport(manager *Manager, nodeID string, timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = DefaultTunnelTimeout
	}
	return &Transport{Manager: manager, NodeID: nodeID, Timeout: timeout}
}

// RoundTrip sends the request over the tunnel and returns the streamed
// response. A failure before response headers arrive surfaces as an error;
// a failure after that surfaces from the body reader.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	headers := make(map[string]string)
	for name, values := range req.Header {
		if _, drop := hopByHopHeaders[strings.ToLower(name)]; drop {
			continue
		}
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("tunnel request body read: %w", err)
		}
	}

	stream, err := t.Manager.SendRequest(t.NodeID, req.Method, req.URL.String(), headers, body, t.Timeout)
	if err != nil {
		return nil, err
	}

	if err := stream.WaitHeaders(t.Timeout); err != nil {
		if stream.conn != nil {
			stream.conn.RemoveStream(stream.id)
		}
		return nil, err
	}
	header := make(http.Header)
	for _, pair := range stream.Headers() {
		if len(pair) == 2 {
			header.Add(pair[0], pair[1])
		}
	}

	return &http.Response{
		StatusCode:    stream.Status(),
		Status:        fmt.Sprintf("%d %s", stream.Status(), http.StatusText(stream.Status())),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          stream.BodyReader(t.Timeout),
		ContentLength: -1,
		Request:       req,
	}, nil
}
