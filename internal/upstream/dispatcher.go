package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aetherhq/aether-gateway/internal/conversion"
	"github.com/aetherhq/aether-gateway/internal/ir"
	"github.com/aetherhq/aether-gateway/internal/metrics"
)

// Defaults for the empty-stream watchdog and prefetch sniffing.
const (
	DefaultEmptyChunkThreshold = 10
	DefaultDataTimeout         = 30 * time.Second
	DefaultPrefetchLines       = 5
	DefaultFirstByteTimeout    = 60 * time.Second
	DefaultRequestTimeout      = 300 * time.Second
)

// AuthInfo is one resolved credential pair.
type AuthInfo struct {
	Header string
	Value  string
}

// AuthFunc resolves credentials for an attempt. forceRefresh is set on the
// one-shot retry after an OAuth 401.
type AuthFunc func(ctx context.Context, forceRefresh bool) (*AuthInfo, error)

// Envelope is the provider-level body wrap contract (Antigravity-style
// providers nest the wire body inside an outer envelope).
type Envelope interface {
	WrapRequest(body map[string]any, urlModel string) map[string]any
	UnwrapResponse(body map[string]any) map[string]any
	ExtraHeaders() map[string]string
	OnHTTPStatus(statusCode int)
}

// Attempt describes one try against a single (provider, endpoint, key).
type Attempt struct {
	Provider       string
	ProviderType   string
	URL            string
	Headers        http.Header
	ProviderFormat string
	ClientFormat   string
	// ClientModel is the name the client asked for; rendered responses echo
	// it instead of the mapped upstream name.
	ClientModel     string
	MappedModel     string
	RequestID       string
	NeedsConversion bool
	Policy          StreamPolicy
	OAuth           bool
	Auth            AuthFunc
	Envelope        Envelope

	FirstByteTimeout time.Duration
	RequestTimeout   time.Duration
	// Transport overrides the dispatcher's client transport, letting a
	// request ride a tunnel instead of a direct connection.
	Transport http.RoundTripper
}

func (a *Attempt) firstByteTimeout() time.Duration {
	if a.FirstByteTimeout > 0 {
		return a.FirstByteTimeout
	}
	return DefaultFirstByteTimeout
}

func (a *Attempt) requestTimeout() time.Duration {
	if a.RequestTimeout > 0 {
		return a.RequestTimeout
	}
	return DefaultRequestTimeout
}

// Result summarizes one completed attempt. JSON is set on the sync client
// path; streamed output goes straight to the writer.
type Result struct {
	StatusCode int
	JSON       map[string]any
	Streamed   bool
	Usage      *ir.Usage
}

// Dispatcher drives one attempt end to end: stream policy enforcement, the
// HTTP exchange, embedded-error sniffing, and the four stream-mode
// combinations between client and upstream.
type Dispatcher struct {
	registry *conversion.Registry
	client   *http.Client
	logger   *slog.Logger

	EmptyChunkThreshold int
	DataTimeout         time.Duration
	PrefetchLines       int
}

func NewDispatcher(registry *conversion.Registry, client *http.Client, logger *slog.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:            registry,
		client:              client,
		logger:              logger,
		EmptyChunkThreshold: DefaultEmptyChunkThreshold,
		DataTimeout:         DefaultDataTimeout,
		PrefetchLines:       DefaultPrefetchLines,
	}
}

// Do executes one attempt. body is the request already rendered in the
// provider's format; Do owns the stream-mode rewrite. Streamed client output
// is written to w as SSE.
func (d *Dispatcher) Do(ctx context.Context, att *Attempt, body map[string]any, clientIsStream bool, w io.Writer) (*Result, error) {
	policy := ResolvePolicy(att.Policy, att.ProviderType, att.ProviderFormat)
	upstreamIsStream := ResolveUpstreamIsStream(clientIsStream, policy)
	EnforceStreamMode(body, att.ProviderFormat, upstreamIsStream)

	if att.Envelope != nil {
		body = att.Envelope.WrapRequest(body, att.MappedModel)
	}

	var result *Result
	var err error
	if !upstreamIsStream {
		result, err = d.doSync(ctx, att, body, clientIsStream, w)
	} else {
		result, err = d.doStream(ctx, att, body, clientIsStream, w)
	}

	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}
	metrics.ObserveUpstreamAttempt(conversion.NormalizeID(att.ProviderFormat), status)

	return result, err
}

func (d *Dispatcher) httpClient(att *Attempt) *http.Client {
	if att.Transport == nil {
		return d.client
	}
	c := *d.client
	c.Transport = att.Transport
	return &c
}

func (d *Dispatcher) newRequest(ctx context.Context, att *Attempt, payload []byte, auth *AuthInfo) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, att.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	for k, vals := range att.Headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if att.Envelope != nil {
		for k, v := range att.Envelope.ExtraHeaders() {
			req.Header.Set(k, v)
		}
	}
	if auth != nil {
		req.Header.Set(auth.Header, auth.Value)
	}
	return req, nil
}

func (d *Dispatcher) resolveAuth(ctx context.Context, att *Attempt, forceRefresh bool) (*AuthInfo, error) {
	if att.Auth == nil {
		return nil, nil
	}
	return att.Auth(ctx, forceRefresh)
}

// ---------------------------------------------------------------------------
// Sync upstream
// ---------------------------------------------------------------------------

func (d *Dispatcher) doSync(ctx context.Context, att *Attempt, body map[string]any, clientIsStream bool, w io.Writer) (*Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, att.requestTimeout())
	defer cancel()

	client := d.httpClient(att)
	var resp *http.Response
	forceRefresh := false
	for attempt := 0; attempt < 2; attempt++ {
		auth, err := d.resolveAuth(reqCtx, att, forceRefresh)
		if err != nil {
			return nil, fmt.Errorf("resolve auth: %w", err)
		}
		req, err := d.newRequest(reqCtx, att, payload, auth)
		if err != nil {
			return nil, err
		}
		resp, err = client.Do(req)
		if err != nil {
			if reqCtx.Err() == context.DeadlineExceeded {
				return nil, &TimeoutError{Provider: att.Provider, Timeout: att.requestTimeout()}
			}
			return nil, err
		}
		if att.Envelope != nil {
			att.Envelope.OnHTTPStatus(resp.StatusCode)
		}
		// OAuth tokens can be revoked before their recorded expiry; refresh
		// once on 401 and retry the same attempt.
		if resp.StatusCode == http.StatusUnauthorized && att.OAuth && attempt == 0 {
			resp.Body.Close()
			forceRefresh = true
			continue
		}
		break
	}
	defer resp.Body.Close()

	if err := decodeBody(resp); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Provider: att.Provider, StatusCode: resp.StatusCode, Body: truncateBody(raw)}
	}

	var responseJSON map[string]any
	if err := json.Unmarshal(raw, &responseJSON); err != nil {
		return nil, &InvalidResponseError{Provider: att.Provider, Detail: truncateBody(raw[:min(len(raw), 500)])}
	}
	if att.Envelope != nil {
		responseJSON = att.Envelope.UnwrapResponse(responseJSON)
	}

	if err := d.checkEmbeddedError(att, responseJSON); err != nil {
		return nil, err
	}

	if !clientIsStream {
		out, err := d.registry.ConvertResponse(responseJSON, att.ProviderFormat, att.ClientFormat, att.ClientModel)
		if err != nil {
			return nil, err
		}
		return &Result{StatusCode: resp.StatusCode, JSON: out, Usage: d.usageOf(att.ProviderFormat, responseJSON)}, nil
	}

	// Sync upstream, streaming client: expand the response into a synthetic
	// event sequence rendered in the client's format.
	src, ok := d.registry.Normalizer(att.ProviderFormat)
	if !ok {
		return nil, &conversion.UnknownFormatError{FormatID: att.ProviderFormat}
	}
	internal, err := src.ResponseToInternal(responseJSON)
	if err != nil {
		return nil, err
	}
	if att.ClientModel != "" {
		internal.Model = att.ClientModel
	}
	if err := d.writeExpanded(att, internal, w); err != nil {
		return nil, err
	}
	return &Result{StatusCode: resp.StatusCode, Streamed: true, Usage: internal.Usage}, nil
}

// writeExpanded renders one internal response as a client-format SSE stream.
func (d *Dispatcher) writeExpanded(att *Attempt, internal *ir.Response, w io.Writer) error {
	tgt, ok := d.registry.Normalizer(att.ClientFormat)
	if !ok {
		return &conversion.UnknownFormatError{FormatID: att.ClientFormat}
	}
	state := ir.NewStreamState(firstNonEmpty(internal.ID, att.RequestID), att.ClientModel)

	for _, ev := range conversion.ExpandResponse(internal, conversion.ExpandOptions{}) {
		chunks, err := tgt.StreamEventFromInternal(ev, state)
		if err != nil {
			return err
		}
		for _, chunk := range chunks {
			if err := writeSSEChunk(w, att.ClientFormat, chunk); err != nil {
				return err
			}
		}
	}
	if conversion.NormalizeID(att.ClientFormat) == conversion.FormatOpenAIChat {
		if err := writeRaw(w, "data: [DONE]\n\n"); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Streaming upstream
// ---------------------------------------------------------------------------

func (d *Dispatcher) doStream(ctx context.Context, att *Attempt, body map[string]any, clientIsStream bool, w io.Writer) (*Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	client := d.httpClient(att)
	var resp *http.Response
	var prefetched []string
	forceRefresh := false

	for attempt := 0; attempt < 2; attempt++ {
		// One deadline covers connect, response headers, and the prefetch
		// sniff. cancel fires only while ttfb is unstopped.
		reqCtx, cancel := context.WithCancel(ctx)
		ttfb := time.AfterFunc(att.firstByteTimeout(), cancel)

		auth, err := d.resolveAuth(reqCtx, att, forceRefresh)
		if err != nil {
			ttfb.Stop()
			cancel()
			return nil, fmt.Errorf("resolve auth: %w", err)
		}
		req, err := d.newRequest(reqCtx, att, payload, auth)
		if err != nil {
			ttfb.Stop()
			cancel()
			return nil, err
		}
		if req.Header.Get("Accept") == "" {
			req.Header.Set("Accept", "text/event-stream")
		}

		resp, err = client.Do(req)
		if err != nil {
			ttfb.Stop()
			cancel()
			if ctx.Err() != nil {
				return nil, ErrClientDisconnected
			}
			return nil, &TimeoutError{Provider: att.Provider, Timeout: att.firstByteTimeout()}
		}
		if att.Envelope != nil {
			att.Envelope.OnHTTPStatus(resp.StatusCode)
		}

		if resp.StatusCode == http.StatusUnauthorized && att.OAuth && attempt == 0 {
			resp.Body.Close()
			ttfb.Stop()
			cancel()
			forceRefresh = true
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, MaxCapturedBody))
			resp.Body.Close()
			ttfb.Stop()
			cancel()
			return nil, &StatusError{Provider: att.Provider, StatusCode: resp.StatusCode, Body: string(raw)}
		}

		if err := decodeBody(resp); err != nil {
			resp.Body.Close()
			ttfb.Stop()
			cancel()
			return nil, fmt.Errorf("decode upstream stream: %w", err)
		}

		prefetched, err = d.prefetch(att, resp.Body)
		ttfb.Stop()
		if err != nil {
			resp.Body.Close()
			cancel()
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				return nil, ErrClientDisconnected
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, &TimeoutError{Provider: att.Provider, Timeout: att.firstByteTimeout()}
			}
			return nil, err
		}
		defer cancel()
		break
	}
	defer resp.Body.Close()

	if clientIsStream {
		return d.pipeStream(ctx, att, resp.Body, prefetched, w)
	}
	return d.aggregateStream(att, resp.Body, prefetched, resp.StatusCode)
}

// prefetch reads the first few lines to catch errors embedded in 200
// streams before any byte reaches the client. Returned lines are replayed
// by the main loop.
func (d *Dispatcher) prefetch(att *Attempt, body io.Reader) ([]string, error) {
	var (
		scanner lineScanner
		lines   []string
		buf     = make([]byte, 4096)
		seen    int
	)
	// finish carries forward lines already split past the stop point so the
	// replay loses nothing.
	finish := func(rest []string) []string {
		lines = append(lines, rest...)
		if tail := scanner.Tail(); tail != "" {
			lines = append(lines, tail)
		}
		return lines
	}
	for {
		n, err := body.Read(buf)
		if n > 0 {
			batch := scanner.Feed(buf[:n])
			for i, line := range batch {
				lines = append(lines, line)
				if strings.TrimSpace(line) == "" {
					continue
				}
				seen++
				obj, status := ParseStreamLine(line, att.ProviderFormat)
				if status == ParsedOK {
					if att.Envelope != nil {
						obj = att.Envelope.UnwrapResponse(obj)
					}
					if err := d.checkEmbeddedError(att, obj); err != nil {
						return nil, err
					}
					// First decodable payload and no error: stop sniffing.
					return finish(batch[i+1:]), nil
				}
				if IsDoneMarker(line) || seen >= d.PrefetchLines {
					return finish(batch[i+1:]), nil
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return finish(nil), nil
			}
			return nil, err
		}
	}
}

// streamLoop state shared between the prefetched replay and the live read.
type streamProgress struct {
	chunkCount   int
	dataCount    int
	lastDataTime time.Time
}

// pipeStream forwards upstream SSE to the client, converting per chunk when
// the formats differ.
func (d *Dispatcher) pipeStream(ctx context.Context, att *Attempt, body io.Reader, prefetched []string, w io.Writer) (*Result, error) {
	var (
		parser   SSEParser
		scanner  lineScanner
		state    = ir.NewStreamState(att.RequestID, att.ClientModel)
		progress = streamProgress{lastDataTime: time.Now()}
		buf      = make([]byte, 32*1024)
	)

	emit := func(line string) error {
		return d.handleStreamLine(att, line, &parser, state, &progress, w)
	}

	for _, line := range prefetched {
		if err := emit(line); err != nil {
			return d.finishPipe(att, &progress, err, w)
		}
	}

	for {
		if ctx.Err() != nil {
			return &Result{StatusCode: 499, Streamed: true}, ErrClientDisconnected
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, line := range scanner.Feed(buf[:n]) {
				if err := emit(line); err != nil {
					return d.finishPipe(att, &progress, err, w)
				}
			}
		}
		if readErr != nil {
			// Salvage the tail: a trailing usage frame often arrives in the
			// final unterminated line.
			if tail := scanner.Tail(); tail != "" {
				_ = emit(tail)
			}
			d.flushParser(att, &parser, state, &progress, w)
			if readErr == io.EOF {
				break
			}
			if progress.dataCount > 0 {
				// Partial success: report the break in-band and stop.
				writeErrorEvent(w, "connection_error", "upstream connection closed before the stream completed")
				return &Result{StatusCode: 200, Streamed: true}, nil
			}
			return &Result{Streamed: true}, readErr
		}
	}

	if progress.dataCount == 0 {
		writeErrorEvent(w, "empty_response", "upstream returned an empty stream")
		return &Result{StatusCode: 503, Streamed: true}, nil
	}
	if att.NeedsConversion && conversion.NormalizeID(att.ClientFormat) == conversion.FormatOpenAIChat {
		if err := writeRaw(w, "data: [DONE]\n\n"); err != nil {
			return &Result{StatusCode: 499, Streamed: true}, ErrClientDisconnected
		}
	}
	return &Result{StatusCode: 200, Streamed: true}, nil
}

// handleStreamLine routes one upstream line: passthrough or conversion, plus
// the empty-stream watchdog.
func (d *Dispatcher) handleStreamLine(att *Attempt, line string, parser *SSEParser, state *ir.StreamState, progress *streamProgress, w io.Writer) error {
	events := parser.FeedLine(line)
	for _, ev := range events {
		if ev.Data != "" {
			progress.dataCount++
			progress.lastDataTime = time.Now()
		}
	}

	if strings.TrimSpace(line) == "" {
		if !att.NeedsConversion {
			return writeRaw(w, "\n")
		}
		return nil
	}
	progress.chunkCount++

	if progress.chunkCount > d.EmptyChunkThreshold && progress.dataCount == 0 {
		if elapsed := time.Since(progress.lastDataTime); elapsed > d.DataTimeout {
			writeErrorEvent(w, "empty_stream_timeout", "stream produced no data before the watchdog expired")
			return &EmptyStreamError{Provider: att.Provider, Chunks: progress.chunkCount, Elapsed: elapsed}
		}
	}

	if !att.NeedsConversion {
		return writeRaw(w, line+"\n")
	}
	return d.convertAndWriteLine(att, line, state, w)
}

func (d *Dispatcher) convertAndWriteLine(att *Attempt, line string, state *ir.StreamState, w io.Writer) error {
	// [DONE] is forwarded only to OpenAI clients; other formats have their
	// own terminal events.
	if IsDoneMarker(line) {
		if strings.HasPrefix(conversion.NormalizeID(att.ClientFormat), "openai") {
			return writeRaw(w, line+"\n")
		}
		return nil
	}
	if strings.HasPrefix(line, "id:") || strings.HasPrefix(line, "retry:") {
		return nil
	}

	obj, status := ParseStreamLine(line, att.ProviderFormat)
	switch status {
	case ParsedSkip:
		return nil
	case ParsedInvalid:
		return writeRaw(w, line+"\n")
	}
	if att.Envelope != nil {
		obj = att.Envelope.UnwrapResponse(obj)
	}

	chunks, err := d.registry.ConvertStreamChunk(obj, att.ProviderFormat, att.ClientFormat, state)
	if err != nil {
		// Conversion failures degrade to passthrough rather than killing a
		// stream that has already begun.
		d.logger.Warn("stream chunk conversion failed, passing through",
			"request_id", att.RequestID, "error", err)
		return writeRaw(w, line+"\n")
	}
	for _, chunk := range chunks {
		if err := writeSSEChunk(w, att.ClientFormat, chunk); err != nil {
			return err
		}
	}
	return nil
}

// flushParser drains the SSE parser's pending event at stream end.
func (d *Dispatcher) flushParser(att *Attempt, parser *SSEParser, state *ir.StreamState, progress *streamProgress, w io.Writer) {
	for _, ev := range parser.Flush() {
		if ev.Data == "" {
			continue
		}
		progress.dataCount++
		if att.NeedsConversion {
			_ = d.convertAndWriteLine(att, "data: "+ev.Data, state, w)
		}
	}
}

func (d *Dispatcher) finishPipe(att *Attempt, progress *streamProgress, err error, w io.Writer) (*Result, error) {
	d.logger.Warn("stream pipe aborted",
		"request_id", att.RequestID, "chunks", progress.chunkCount, "error", err)
	var empty *EmptyStreamError
	if errors.As(err, &empty) {
		return &Result{StatusCode: 504, Streamed: true}, err
	}
	return &Result{StatusCode: 499, Streamed: true}, err
}

// aggregateStream consumes the whole upstream stream and folds it into one
// client-format JSON response (stream upstream, sync client).
func (d *Dispatcher) aggregateStream(att *Attempt, body io.Reader, prefetched []string, statusCode int) (*Result, error) {
	src, ok := d.registry.Normalizer(att.ProviderFormat)
	if !ok {
		return nil, &conversion.UnknownFormatError{FormatID: att.ProviderFormat}
	}
	if !src.Capabilities().Stream {
		return nil, fmt.Errorf("format %s does not support streaming", att.ProviderFormat)
	}

	state := ir.NewStreamState(att.RequestID, att.ClientModel)
	agg := conversion.NewStreamAggregator(att.RequestID, att.ClientModel)

	feed := func(line string) error {
		obj, status := ParseStreamLine(line, att.ProviderFormat)
		if status != ParsedOK {
			return nil
		}
		if att.Envelope != nil {
			obj = att.Envelope.UnwrapResponse(obj)
		}
		if err := d.checkEmbeddedError(att, obj); err != nil {
			return err
		}
		events, err := src.StreamChunkToInternal(obj, state)
		if err != nil {
			return err
		}
		agg.Feed(events)
		return nil
	}

	for _, line := range prefetched {
		if err := feed(line); err != nil {
			return nil, err
		}
	}
	var scanner lineScanner
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, line := range scanner.Feed(buf[:n]) {
				if err := feed(line); err != nil {
					return nil, err
				}
			}
		}
		if readErr == io.EOF {
			if tail := scanner.Tail(); tail != "" {
				if err := feed(tail); err != nil {
					return nil, err
				}
			}
			break
		}
		if readErr != nil {
			return nil, readErr
		}
	}

	internal := agg.Build()
	if att.ClientModel != "" {
		internal.Model = att.ClientModel
	}
	tgt, ok := d.registry.Normalizer(att.ClientFormat)
	if !ok {
		return nil, &conversion.UnknownFormatError{FormatID: att.ClientFormat}
	}
	out, err := tgt.ResponseFromInternal(internal, att.ClientModel)
	if err != nil {
		return nil, err
	}
	return &Result{StatusCode: statusCode, JSON: out, Usage: internal.Usage}, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// checkEmbeddedError sniffs an error body delivered with HTTP 200.
func (d *Dispatcher) checkEmbeddedError(att *Attempt, body map[string]any) error {
	n, ok := d.registry.Normalizer(att.ProviderFormat)
	if !ok || body == nil {
		return nil
	}
	if !n.IsErrorResponse(body) {
		return nil
	}
	internal := n.ErrorToInternal(body)
	return &EmbeddedError{
		Provider:  att.Provider,
		ErrorType: string(internal.Type),
		Message:   internal.Message,
	}
}

func (d *Dispatcher) usageOf(providerFormat string, body map[string]any) *ir.Usage {
	n, ok := d.registry.Normalizer(providerFormat)
	if !ok {
		return nil
	}
	internal, err := n.ResponseToInternal(body)
	if err != nil {
		return nil
	}
	return internal.Usage
}

// writeSSEChunk renders one converted chunk as a client-format SSE record.
// Claude clients receive named events; the rest use bare data lines.
func writeSSEChunk(w io.Writer, clientFormat string, chunk map[string]any) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if conversion.DataFormatFamily(clientFormat) == "claude" {
		if eventType, _ := chunk["type"].(string); eventType != "" {
			return writeRaw(w, "event: "+eventType+"\ndata: "+string(payload)+"\n\n")
		}
	}
	return writeRaw(w, "data: "+string(payload)+"\n\n")
}

func writeErrorEvent(w io.Writer, errType, message string) {
	payload, _ := json.Marshal(map[string]any{
		"type":  "error",
		"error": map[string]any{"type": errType, "message": message},
	})
	_ = writeRaw(w, "event: error\ndata: "+string(payload)+"\n\n")
}

func writeRaw(w io.Writer, s string) error {
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
