package upstream

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func responseWithBody(encoding string, body []byte) *http.Response {
	h := http.Header{}
	if encoding != "" {
		h.Set("Content-Encoding", encoding)
	}
	return &http.Response{
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

func TestDecodeBodyIdentity(t *testing.T) {
	resp := responseWithBody("", []byte(`{"ok":true}`))
	require.NoError(t, decodeBody(resp))

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(out))
}

func TestDecodeBodyGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(`{"compressed":"gzip"}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	resp := responseWithBody("gzip", buf.Bytes())
	require.NoError(t, decodeBody(resp))
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, int64(-1), resp.ContentLength)

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"compressed":"gzip"}`, string(out))
	require.NoError(t, resp.Body.Close())
}

func TestDecodeBodyBrotli(t *testing.T) {
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	_, err := bw.Write([]byte(`{"compressed":"br"}`))
	require.NoError(t, err)
	require.NoError(t, bw.Close())

	resp := responseWithBody("br", buf.Bytes())
	require.NoError(t, decodeBody(resp))
	assert.Empty(t, resp.Header.Get("Content-Encoding"))

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"compressed":"br"}`, string(out))
}

func TestDecodeBodyInvalidGzip(t *testing.T) {
	resp := responseWithBody("gzip", []byte("not gzip at all"))
	require.Error(t, decodeBody(resp))
}

func TestDecodeBodyUnknownEncodingPassthrough(t *testing.T) {
	resp := responseWithBody("zstd", []byte("raw"))
	require.NoError(t, decodeBody(resp))

	// Unknown codings are left for the caller untouched.
	assert.Equal(t, "zstd", resp.Header.Get("Content-Encoding"))
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "raw", string(out))
}
