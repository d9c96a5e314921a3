package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"github.com/aetherhq/aether-gateway/internal/config"
	"github.com/aetherhq/aether-gateway/internal/conversion"
	"github.com/aetherhq/aether-gateway/internal/ir"
	"github.com/aetherhq/aether-gateway/internal/providers"
	"github.com/aetherhq/aether-gateway/internal/tunnel"
	"github.com/aetherhq/aether-gateway/internal/upstream"
)

// ProxyHandler serves the per-format proxy endpoints. Each route fixes the
// client wire format; everything after that is shared: endpoint selection,
// compatibility gating, request conversion, and dispatch.
type ProxyHandler struct {
	config     *config.Manager
	catalog    *providers.Registry
	registry   *conversion.Registry
	dispatcher *upstream.Dispatcher
	tunnels    *tunnel.Manager
	logger     *slog.Logger
}

func NewProxyHandler(cfg *config.Manager, catalog *providers.Registry, registry *conversion.Registry, tunnels *tunnel.Manager, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		config:     cfg,
		catalog:    catalog,
		registry:   registry,
		dispatcher: upstream.NewDispatcher(registry, &http.Client{}, logger),
		tunnels:    tunnels,
		logger:     logger,
	}
}

// OpenAIChat serves POST /v1/chat/completions.
func (h *ProxyHandler) OpenAIChat(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "openai:chat", "", nil)
}

// OpenAIResponses serves POST /v1/responses.
func (h *ProxyHandler) OpenAIResponses(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "openai:cli", "", nil)
}

// ClaudeMessages serves POST /v1/messages for both Claude formats; CLI
// agents identify themselves in the User-Agent.
func (h *ProxyHandler) ClaudeMessages(w http.ResponseWriter, r *http.Request) {
	format := "claude:chat"
	if isCLIAgent(r, "claude") {
		format = "claude:cli"
	}
	h.handle(w, r, format, "", nil)
}

// GeminiGenerate serves POST /v1beta/models/{model}:{action}. chi captures
// "model:action" as one segment; the split decides the stream mode.
func (h *ProxyHandler) GeminiGenerate(w http.ResponseWriter, r *http.Request) {
	segment := chi.URLParam(r, "model")
	model, action, found := strings.Cut(segment, ":")
	if !found || model == "" {
		http.Error(w, "expected /v1beta/models/{model}:{action}", http.StatusNotFound)
		return
	}

	var stream bool
	switch action {
	case "generateContent":
		stream = false
	case "streamGenerateContent":
		stream = true
	default:
		http.Error(w, fmt.Sprintf("unsupported action %q", action), http.StatusNotFound)
		return
	}

	format := "gemini:chat"
	if isCLIAgent(r, "gemini") {
		format = "gemini:cli"
	}
	h.handle(w, r, format, model, &stream)
}

// handle runs the shared proxy pipeline. urlModel and urlStream carry the
// Gemini path parameters; for the other formats both come from the body.
func (h *ProxyHandler) handle(w http.ResponseWriter, r *http.Request, clientFormat, urlModel string, urlStream *bool) {
	cfg := h.config.Get()

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, clientFormat, http.StatusBadRequest, ir.ErrInvalidRequest, "failed to read request body")
		return
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		h.writeError(w, clientFormat, http.StatusBadRequest, ir.ErrInvalidRequest, "request body is not valid JSON")
		return
	}

	clientModel := urlModel
	if clientModel == "" {
		clientModel, _ = body["model"].(string)
	}
	clientIsStream := false
	if urlStream != nil {
		clientIsStream = *urlStream
	} else if v, ok := body["stream"].(bool); ok {
		clientIsStream = v
	}

	endpoint := cfg.EndpointForModel(clientModel)
	if endpoint == nil {
		h.writeError(w, clientFormat, http.StatusBadGateway, ir.ErrNotFound,
			fmt.Sprintf("no endpoint configured for model %q", clientModel))
		return
	}

	provider, err := h.resolveProvider(endpoint)
	if err != nil {
		h.writeError(w, clientFormat, http.StatusBadGateway, ir.ErrServerError, err.Error())
		return
	}

	providerFormat := endpoint.Format
	if providerFormat == "" {
		providerFormat = provider.Format()
	}

	compat := conversion.CheckCompatibility(h.registry, clientFormat, providerFormat, &conversion.AcceptancePolicy{
		Enabled:          endpoint.IsEnabled(),
		AcceptFormats:    endpoint.AcceptFormats,
		RejectFormats:    endpoint.RejectFormats,
		StreamConversion: endpoint.StreamConversion,
	}, clientIsStream, cfg.FormatConversionEnabled())
	if !compat.Compatible {
		h.writeError(w, clientFormat, http.StatusBadRequest, ir.ErrInvalidRequest, compat.SkipReason)
		return
	}

	mappedModel := endpoint.MappedModel(clientModel)
	requestID := "req_" + uuid.NewString()

	// Variant providers (codex) rewrite the request even when client and
	// provider share a format, so the variant forces the conversion path.
	upstreamBody := body
	if compat.NeedsConversion || provider.Variant() != "" {
		upstreamBody, err = h.registry.ConvertRequest(body, clientFormat, providerFormat, provider.Variant())
		if err != nil {
			h.writeError(w, clientFormat, http.StatusBadRequest, ir.ErrInvalidRequest,
				fmt.Sprintf("request conversion failed: %v", err))
			return
		}
	}
	// The upstream sees the mapped model name; Gemini carries it in the URL
	// instead of the body.
	if conversion.DataFormatFamily(providerFormat) != "gemini" {
		upstreamBody["model"] = mappedModel
	}

	policy := upstream.ParseStreamPolicy(endpoint.UpstreamStreamPolicy)
	resolved := upstream.ResolvePolicy(policy, endpoint.Provider, providerFormat)
	upstreamIsStream := upstream.ResolveUpstreamIsStream(clientIsStream, resolved)

	baseURL := endpoint.BaseURL
	if baseURL == "" {
		baseURL = provider.DefaultBaseURL()
	}

	headers := make(http.Header)
	for k, v := range provider.AuthHeaders(endpoint.APIKey) {
		headers.Set(k, v)
	}

	att := &upstream.Attempt{
		Provider:         endpoint.Name,
		ProviderType:     endpoint.Provider,
		URL:              provider.RequestURL(baseURL, mappedModel, upstreamIsStream),
		Headers:          headers,
		ProviderFormat:   providerFormat,
		ClientFormat:     clientFormat,
		ClientModel:      clientModel,
		MappedModel:      mappedModel,
		RequestID:        requestID,
		NeedsConversion:  compat.NeedsConversion,
		Policy:           policy,
		FirstByteTimeout: time.Duration(endpoint.StreamFirstByteTimeout) * time.Second,
		RequestTimeout:   time.Duration(endpoint.RequestTimeout) * time.Second,
	}
	if endpoint.NodeID != "" {
		att.Transport = tunnel.NewTransport(h.tunnels, endpoint.NodeID, att.RequestTimeout)
	}

	h.logger.Info("proxying request",
		"request_id", requestID,
		"endpoint", endpoint.Name,
		"client_format", clientFormat,
		"provider_format", providerFormat,
		"model", clientModel,
		"mapped_model", mappedModel,
		"stream", clientIsStream,
		"tunnel", endpoint.NodeID != "",
		"input_tokens", h.countInputTokens(raw),
	)

	sink := &trackingWriter{ResponseWriter: w}
	if clientIsStream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
	}

	result, err := h.dispatcher.Do(r.Context(), att, upstreamBody, clientIsStream, sink)
	if err != nil {
		if sink.wrote {
			// The failure was already reported in-band on the stream.
			h.logger.Warn("stream ended with error", "request_id", requestID, "error", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		h.writeDispatchError(w, clientFormat, requestID, err)
		return
	}

	if result.Streamed {
		h.logger.Info("completed streaming response", "request_id", requestID, "status", result.StatusCode)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.StatusCode)
	if err := json.NewEncoder(w).Encode(result.JSON); err != nil {
		h.logger.Warn("failed to write response", "request_id", requestID, "error", err)
	}
	h.logResponse(requestID, result)
}

func (h *ProxyHandler) resolveProvider(endpoint *config.Endpoint) (providers.Provider, error) {
	if endpoint.Provider != "" {
		if p, ok := h.catalog.Get(endpoint.Provider); ok {
			return p, nil
		}
		return nil, fmt.Errorf("unknown provider type %q", endpoint.Provider)
	}
	p, err := h.catalog.GetByDomain(endpoint.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: %w", endpoint.Name, err)
	}
	return p, nil
}

// writeDispatchError maps a dispatch failure onto an HTTP status and a
// client-format error body.
func (h *ProxyHandler) writeDispatchError(w http.ResponseWriter, clientFormat, requestID string, err error) {
	status := http.StatusBadGateway
	errType := ir.ErrServerError
	message := err.Error()

	var statusErr *upstream.StatusError
	var embedded *upstream.EmbeddedError
	var timeout *upstream.TimeoutError
	var emptyStream *upstream.EmptyStreamError

	switch {
	case errors.Is(err, upstream.ErrClientDisconnected):
		// 499 in the teacher's convention; nothing useful to write.
		w.WriteHeader(499)
		return
	case errors.As(err, &statusErr):
		status = statusErr.StatusCode
		errType = errorTypeForStatus(statusErr.StatusCode)
	case errors.As(err, &embedded):
		errType = ir.ErrorTypeFromValue(embedded.ErrorType)
		status = statusForErrorType(errType)
		message = embedded.Message
	case errors.As(err, &timeout):
		status = http.StatusGatewayTimeout
		errType = ir.ErrServerError
	case errors.As(err, &emptyStream):
		status = http.StatusGatewayTimeout
		errType = ir.ErrServerError
		message = "upstream produced an empty stream"
	}

	h.logger.Error("upstream dispatch failed",
		"request_id", requestID, "status", status, "error", err)
	h.writeError(w, clientFormat, status, errType, message)
}

// writeError renders an error in the client's wire format.
func (h *ProxyHandler) writeError(w http.ResponseWriter, clientFormat string, status int, errType ir.ErrorType, message string) {
	body := map[string]any{
		"error": map[string]any{"type": string(errType), "message": message},
	}
	if n, ok := h.registry.Normalizer(clientFormat); ok {
		body = n.ErrorFromInternal(&ir.Error{
			Type:      errType,
			Message:   message,
			Retryable: ir.IsRetryable(errType),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *ProxyHandler) logResponse(requestID string, result *upstream.Result) {
	fields := []any{"request_id", requestID, "status", result.StatusCode}
	if result.Usage != nil {
		fields = append(fields,
			"input_tokens", result.Usage.InputTokens,
			"output_tokens", result.Usage.OutputTokens)
	}
	h.logger.Info("completed response", fields...)
}

// countInputTokens estimates prompt size for logging; failures count as zero.
func (h *ProxyHandler) countInputTokens(raw []byte) int {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return 0
	}
	return len(enc.Encode(string(raw), nil, nil))
}

func errorTypeForStatus(status int) ir.ErrorType {
	switch {
	case status == http.StatusUnauthorized:
		return ir.ErrAuthentication
	case status == http.StatusForbidden:
		return ir.ErrPermissionDenied
	case status == http.StatusNotFound:
		return ir.ErrNotFound
	case status == http.StatusTooManyRequests:
		return ir.ErrRateLimit
	case status == http.StatusServiceUnavailable:
		return ir.ErrOverloaded
	case status >= 500:
		return ir.ErrServerError
	case status >= 400:
		return ir.ErrInvalidRequest
	}
	return ir.ErrUnknown
}

func statusForErrorType(t ir.ErrorType) int {
	switch t {
	case ir.ErrAuthentication:
		return http.StatusUnauthorized
	case ir.ErrPermissionDenied:
		return http.StatusForbidden
	case ir.ErrNotFound:
		return http.StatusNotFound
	case ir.ErrRateLimit:
		return http.StatusTooManyRequests
	case ir.ErrOverloaded:
		return http.StatusServiceUnavailable
	case ir.ErrInvalidRequest, ir.ErrContextLengthExceeded:
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func isCLIAgent(r *http.Request, vendor string) bool {
	ua := strings.ToLower(r.Header.Get("User-Agent"))
	return strings.Contains(ua, vendor+"-cli")
}

// trackingWriter records whether the dispatcher wrote anything, so errors
// after first byte are not double-reported.
type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(p)
}

func (t *trackingWriter) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
