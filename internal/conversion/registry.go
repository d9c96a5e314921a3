package conversion

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aetherhq/aether-gateway/internal/ir"
	"github.com/aetherhq/aether-gateway/internal/metrics"
)

// Registry routes conversions through the IR: source -> internal -> target.
// Same-format conversions are passthrough.
type Registry struct {
	mu          sync.RWMutex
	normalizers map[string]Normalizer
}

func NewRegistry() *Registry {
	return &Registry{normalizers: make(map[string]Normalizer)}
}

// Register adds or replaces a normalizer under its normalized format id.
func (r *Registry) Register(n Normalizer) {
	id := NormalizeID(n.FormatID())
	r.mu.Lock()
	r.normalizers[id] = n
	r.mu.Unlock()
	slog.Info("registered format normalizer", "format", id)
}

// Normalizer looks up the normalizer for a format id.
func (r *Registry) Normalizer(formatID string) (Normalizer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.normalizers[NormalizeID(formatID)]
	return n, ok
}

func (r *Registry) require(formatID string) (Normalizer, error) {
	n, ok := r.Normalizer(formatID)
	if !ok {
		return nil, &UnknownFormatError{FormatID: formatID}
	}
	return n, nil
}

// span wraps one conversion in the metrics counters.
func span(direction, source, target string, fn func() error) error {
	start := time.Now()
	err := fn()
	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}
	metrics.ObserveConversion(direction, NormalizeID(source), NormalizeID(target), status, time.Since(start))
	return err
}

// ConvertRequest converts a request body between formats. Same-format calls
// with no target variant return the body unchanged. The internal hop repairs
// dangling tool-call ids so rendered bodies always carry a well-paired
// call/result graph.
func (r *Registry) ConvertRequest(request map[string]any, sourceFormat, targetFormat, targetVariant string) (map[string]any, error) {
	if NormalizeID(sourceFormat) == NormalizeID(targetFormat) && targetVariant == "" {
		return request, nil
	}

	src, err := r.require(sourceFormat)
	if err != nil {
		return nil, err
	}
	tgt, err := r.require(targetFormat)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	err = span(metrics.DirectionRequest, sourceFormat, targetFormat, func() error {
		internal, err := src.RequestToInternal(request)
		if err != nil {
			return err
		}
		RepairInternalToolCallIDs(internal)
		out, err = tgt.RequestFromInternal(internal, targetVariant)
		return err
	})
	if err != nil {
		return nil, &ConversionError{Direction: metrics.DirectionRequest, Source: sourceFormat, Target: targetFormat, Err: err}
	}
	return out, nil
}

// ConvertResponse converts a response body between formats. requestedModel,
// when non-empty, overwrites the response's model-naming field even in the
// same-format case so the client sees the name it asked for.
func (r *Registry) ConvertResponse(response map[string]any, sourceFormat, targetFormat, requestedModel string) (map[string]any, error) {
	if NormalizeID(sourceFormat) == NormalizeID(targetFormat) {
		if requestedModel == "" {
			return response, nil
		}
		out := make(map[string]any, len(response))
		for k, v := range response {
			out[k] = v
		}
		if _, ok := out["model"]; ok {
			out["model"] = requestedModel
		} else if _, ok := out["modelVersion"]; ok {
			out["modelVersion"] = requestedModel
		}
		return out, nil
	}

	src, err := r.require(sourceFormat)
	if err != nil {
		return nil, err
	}
	tgt, err := r.require(targetFormat)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	err = span(metrics.DirectionResponse, sourceFormat, targetFormat, func() error {
		internal, err := src.ResponseToInternal(response)
		if err != nil {
			return err
		}
		out, err = tgt.ResponseFromInternal(internal, requestedModel)
		return err
	})
	if err != nil {
		return nil, &ConversionError{Direction: metrics.DirectionResponse, Source: sourceFormat, Target: targetFormat, Err: err}
	}
	return out, nil
}

// ConvertErrorResponse converts an error body between formats.
func (r *Registry) ConvertErrorResponse(errorResponse map[string]any, sourceFormat, targetFormat string) (map[string]any, error) {
	if NormalizeID(sourceFormat) == NormalizeID(targetFormat) {
		return errorResponse, nil
	}

	src, err := r.require(sourceFormat)
	if err != nil {
		return nil, err
	}
	tgt, err := r.require(targetFormat)
	if err != nil {
		return nil, err
	}
	if !src.Capabilities().Errors || !tgt.Capabilities().Errors {
		return nil, &ConversionError{
			Direction: metrics.DirectionError,
			Source:    sourceFormat,
			Target:    targetFormat,
			Err:       errNoErrorCapability,
		}
	}

	var out map[string]any
	err = span(metrics.DirectionError, sourceFormat, targetFormat, func() error {
		out = tgt.ErrorFromInternal(src.ErrorToInternal(errorResponse))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ConvertStreamChunk converts one upstream stream chunk into zero or more
// target-format chunks, threading the caller-owned StreamState. Same-format
// chunks pass through untouched.
func (r *Registry) ConvertStreamChunk(chunk map[string]any, sourceFormat, targetFormat string, state *ir.StreamState) ([]map[string]any, error) {
	if NormalizeID(sourceFormat) == NormalizeID(targetFormat) {
		return []map[string]any{chunk}, nil
	}

	src, err := r.require(sourceFormat)
	if err != nil {
		return nil, err
	}
	tgt, err := r.require(targetFormat)
	if err != nil {
		return nil, err
	}
	if !src.Capabilities().Stream || !tgt.Capabilities().Stream {
		return nil, &ConversionError{
			Direction: metrics.DirectionStream,
			Source:    sourceFormat,
			Target:    targetFormat,
			Err:       errNoStreamCapability,
		}
	}

	if state == nil {
		// Callers should pass a state pre-seeded with the client's model and
		// message id; an empty fallback renders empty model fields.
		slog.Debug("stream conversion without pre-seeded state",
			"source", sourceFormat, "target", targetFormat)
		state = ir.NewStreamState("", "")
	}

	var out []map[string]any
	err = span(metrics.DirectionStream, sourceFormat, targetFormat, func() error {
		events, err := src.StreamChunkToInternal(chunk, state)
		if err != nil {
			return err
		}
		for _, event := range events {
			rendered, err := tgt.StreamEventFromInternal(event, state)
			if err != nil {
				return err
			}
			out = append(out, rendered...)
		}
		return nil
	})
	if err != nil {
		return nil, &ConversionError{Direction: metrics.DirectionStream, Source: sourceFormat, Target: targetFormat, Err: err}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Capability queries
// ---------------------------------------------------------------------------

func (r *Registry) CanConvertRequest(sourceFormat, targetFormat string) bool {
	if NormalizeID(sourceFormat) == NormalizeID(targetFormat) {
		return true
	}
	_, srcOK := r.Normalizer(sourceFormat)
	_, tgtOK := r.Normalizer(targetFormat)
	return srcOK && tgtOK
}

func (r *Registry) CanConvertResponse(sourceFormat, targetFormat string) bool {
	return r.CanConvertRequest(sourceFormat, targetFormat)
}

func (r *Registry) CanConvertStream(sourceFormat, targetFormat string) bool {
	if NormalizeID(sourceFormat) == NormalizeID(targetFormat) {
		return true
	}
	src, srcOK := r.Normalizer(sourceFormat)
	tgt, tgtOK := r.Normalizer(targetFormat)
	return srcOK && tgtOK && src.Capabilities().Stream && tgt.Capabilities().Stream
}

func (r *Registry) CanConvertError(sourceFormat, targetFormat string) bool {
	if NormalizeID(sourceFormat) == NormalizeID(targetFormat) {
		return true
	}
	src, srcOK := r.Normalizer(sourceFormat)
	tgt, tgtOK := r.Normalizer(targetFormat)
	return srcOK && tgtOK && src.Capabilities().Errors && tgt.Capabilities().Errors
}

// CanConvertFull reports whether both directions convert, optionally
// requiring stream capability on both sides.
func (r *Registry) CanConvertFull(formatA, formatB string, requireStream bool) bool {
	if !r.CanConvertRequest(formatA, formatB) || !r.CanConvertRequest(formatB, formatA) {
		return false
	}
	if requireStream {
		return r.CanConvertStream(formatA, formatB) && r.CanConvertStream(formatB, formatA)
	}
	return true
}

// ListNormalizers returns the registered format ids in sorted order.
func (r *Registry) ListNormalizers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.normalizers))
	for id := range r.normalizers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SupportedTargets lists the formats a source format can convert to.
func (r *Registry) SupportedTargets(sourceFormat string) []string {
	src := NormalizeID(sourceFormat)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.normalizers[src]; !ok {
		return nil
	}
	out := make([]string, 0, len(r.normalizers)-1)
	for id := range r.normalizers {
		if id != src {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// Default registry
// ---------------------------------------------------------------------------

var (
	defaultRegistry     = NewRegistry()
	registerDefaultOnce sync.Once
)

// Default returns the process-wide registry with the six built-in
// normalizers registered. Safe for concurrent callers.
func Default() *Registry {
	RegisterDefaults(defaultRegistry)
	return defaultRegistry
}

// RegisterDefaults registers the built-in normalizers exactly once per
// process when pointed at the default registry, and unconditionally for
// caller-owned registries.
func RegisterDefaults(r *Registry) {
	if r == defaultRegistry {
		registerDefaultOnce.Do(func() { registerAll(r) })
		return
	}
	registerAll(r)
}

func registerAll(r *Registry) {
	r.Register(NewOpenAINormalizer())
	r.Register(NewOpenAICLINormalizer())
	r.Register(NewClaudeNormalizer())
	r.Register(NewClaudeCLINormalizer())
	r.Register(NewGeminiNormalizer())
	r.Register(NewGeminiCLINormalizer())
}
