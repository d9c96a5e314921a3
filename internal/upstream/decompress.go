package upstream

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// decodeBody undoes the response Content-Encoding. The standard transport
// only decompresses gzip it negotiated itself; tunnel transports and
// upstreams that compress unconditionally deliver bodies still encoded.
func decodeBody(resp *http.Response) error {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		return nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return err
		}
		resp.Body = &decodedBody{Reader: zr, underlying: resp.Body}
	case "br":
		resp.Body = &decodedBody{Reader: brotli.NewReader(resp.Body), underlying: resp.Body}
	default:
		// Unknown codings pass through untouched.
		return nil
	}
	resp.Header.Del("Content-Encoding")
	resp.ContentLength = -1
	return nil
}

type decodedBody struct {
	io.Reader
	underlying io.ReadCloser
}

func (d *decodedBody) Close() error {
	return d.underlying.Close()
}
