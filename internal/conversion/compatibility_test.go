package conversion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func boolPtr(b bool) *bool { return &b }

func TestCheckCompatibility(t *testing.T) {
	r := newTestRegistry()
	enabled := &AcceptancePolicy{Enabled: true}

	tests := []struct {
		name            string
		client          string
		endpoint        string
		policy          *AcceptancePolicy
		isStream        bool
		globalEnabled   bool
		wantCompatible  bool
		wantConversion  bool
	}{
		{
			name:           "same format needs nothing",
			client:         FormatOpenAIChat,
			endpoint:       FormatOpenAIChat,
			policy:         nil,
			globalEnabled:  false,
			wantCompatible: true,
		},
		{
			name:          "global switch off",
			client:        FormatOpenAIChat,
			endpoint:      FormatClaudeChat,
			policy:        enabled,
			globalEnabled: false,
		},
		{
			name:          "no policy",
			client:        FormatOpenAIChat,
			endpoint:      FormatClaudeChat,
			policy:        nil,
			globalEnabled: true,
		},
		{
			name:          "policy disabled",
			client:        FormatOpenAIChat,
			endpoint:      FormatClaudeChat,
			policy:        &AcceptancePolicy{Enabled: false},
			globalEnabled: true,
		},
		{
			name:          "client on reject list",
			client:        FormatOpenAIChat,
			endpoint:      FormatClaudeChat,
			policy:        &AcceptancePolicy{Enabled: true, RejectFormats: []string{"OpenAI:Chat"}},
			globalEnabled: true,
		},
		{
			name:          "client not on accept list",
			client:        FormatOpenAIChat,
			endpoint:      FormatClaudeChat,
			policy:        &AcceptancePolicy{Enabled: true, AcceptFormats: []string{FormatGeminiChat}},
			globalEnabled: true,
		},
		{
			name:           "client on accept list",
			client:         FormatOpenAIChat,
			endpoint:       FormatClaudeChat,
			policy:         &AcceptancePolicy{Enabled: true, AcceptFormats: []string{FormatOpenAIChat}},
			globalEnabled:  true,
			wantCompatible: true,
			wantConversion: true,
		},
		{
			name:           "same family passes through",
			client:         FormatClaudeCLI,
			endpoint:       FormatClaudeChat,
			policy:         enabled,
			globalEnabled:  true,
			wantCompatible: true,
		},
		{
			name:          "stream conversion disabled",
			client:        FormatOpenAIChat,
			endpoint:      FormatClaudeChat,
			policy:        &AcceptancePolicy{Enabled: true, StreamConversion: boolPtr(false)},
			isStream:      true,
			globalEnabled: true,
		},
		{
			name:           "stream conversion defaults on",
			client:         FormatOpenAIChat,
			endpoint:       FormatClaudeChat,
			policy:         enabled,
			isStream:       true,
			globalEnabled:  true,
			wantCompatible: true,
			wantConversion: true,
		},
		{
			name:          "unregistered client format",
			client:        "mystery:format",
			endpoint:      FormatClaudeChat,
			policy:        enabled,
			globalEnabled: true,
		},
		{
			name:           "cross family converts",
			client:         FormatGeminiCLI,
			endpoint:       FormatOpenAIChat,
			policy:         enabled,
			globalEnabled:  true,
			wantCompatible: true,
			wantConversion: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CheckCompatibility(r, tt.client, tt.endpoint, tt.policy, tt.isStream, tt.globalEnabled)
			assert.Equal(t, tt.wantCompatible, result.Compatible)
			assert.Equal(t, tt.wantConversion, result.NeedsConversion)
			if !tt.wantCompatible {
				assert.NotEmpty(t, result.SkipReason)
			}
		})
	}
}

// Reject beats accept when a format appears on both lists.
func TestCheckCompatibility_RejectBeatsAccept(t *testing.T) {
	r := newTestRegistry()
	policy := &AcceptancePolicy{
		Enabled:       true,
		AcceptFormats: []string{FormatOpenAIChat},
		RejectFormats: []string{FormatOpenAIChat},
	}
	result := CheckCompatibility(r, FormatOpenAIChat, FormatClaudeChat, policy, false, true)
	assert.False(t, result.Compatible)
}

// The same-format check runs before the family check and before the global
// switch, so identical formats match even with conversion globally off.
func TestCheckCompatibility_SameFormatBeatsGlobalSwitch(t *testing.T) {
	r := newTestRegistry()
	result := CheckCompatibility(r, FormatGeminiCLI, FormatGeminiCLI, nil, true, false)
	assert.True(t, result.Compatible)
	assert.False(t, result.NeedsConversion)
}
