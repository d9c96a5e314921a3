package conversion

import "fmt"

// AcceptancePolicy is an endpoint's format acceptance configuration.
type AcceptancePolicy struct {
	Enabled          bool     `json:"enabled" koanf:"enabled"`
	AcceptFormats    []string `json:"accept_formats" koanf:"accept_formats"`
	RejectFormats    []string `json:"reject_formats" koanf:"reject_formats"`
	StreamConversion *bool    `json:"stream_conversion" koanf:"stream_conversion"`
}

// streamConversionAllowed defaults to true when unset.
func (p *AcceptancePolicy) streamConversionAllowed() bool {
	return p.StreamConversion == nil || *p.StreamConversion
}

// Compatibility is the outcome of the candidate-selection gate.
type Compatibility struct {
	Compatible      bool
	NeedsConversion bool
	SkipReason      string
}

func incompatible(reason string) Compatibility {
	return Compatibility{SkipReason: reason}
}

// CheckCompatibility decides whether an endpoint speaking endpointFormat can
// serve a client speaking clientFormat, and whether a conversion is needed.
// The checks run in a fixed order: exact match, global switch, endpoint
// policy, reject list, accept list, family passthrough, stream gate,
// normalizer capability.
func CheckCompatibility(
	r *Registry,
	clientFormat string,
	endpointFormat string,
	policy *AcceptancePolicy,
	isStream bool,
	globalConversionEnabled bool,
) Compatibility {
	client := NormalizeID(clientFormat)
	endpoint := NormalizeID(endpointFormat)

	if client == endpoint {
		return Compatibility{Compatible: true}
	}

	if !globalConversionEnabled {
		return incompatible("format conversion disabled globally")
	}

	if policy == nil {
		return incompatible("endpoint has no format acceptance policy")
	}
	if !policy.Enabled {
		return incompatible("endpoint format acceptance disabled")
	}

	for _, f := range policy.RejectFormats {
		if NormalizeID(f) == client {
			return incompatible(fmt.Sprintf("endpoint rejects %s", client))
		}
	}

	if len(policy.AcceptFormats) > 0 {
		accepted := false
		for _, f := range policy.AcceptFormats {
			if NormalizeID(f) == client {
				accepted = true
				break
			}
		}
		if !accepted {
			return incompatible(fmt.Sprintf("endpoint does not accept %s", client))
		}
	}

	// Same data-format family (claude/claude:cli, gemini/gemini:cli) shares
	// the wire shape, so the body passes through unconverted.
	if DataFormatFamily(client) == DataFormatFamily(endpoint) {
		return Compatibility{Compatible: true}
	}

	if isStream && !policy.streamConversionAllowed() {
		return incompatible("endpoint does not allow streamed format conversion")
	}

	if !r.CanConvertFull(client, endpoint, isStream) {
		return incompatible(fmt.Sprintf("no full converter between %s and %s", client, endpoint))
	}

	return Compatibility{Compatible: true, NeedsConversion: true}
}
