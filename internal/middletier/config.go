package middletier

import "sync/atomic"

// SessionConfig is the server-enforced, per-session configuration. All
// fields except Voice are immutable after the process starts; Voice may be
// changed between sessions via the /update-voice control endpoint.
type SessionConfig struct {
	Model         *string
	SystemMessage *string
	Temperature   *float64
	MaxTokens     *int
	DisableAudio  *bool

	voice atomic.Pointer[string]
	Tools *ToolRegistry
}

// NewSessionConfig returns a config with the default voice "alloy" and an
// empty tool registry.
func NewSessionConfig() *SessionConfig {
	cfg := &SessionConfig{Tools: NewToolRegistry()}
	cfg.SetVoice("alloy")
	return cfg
}

// Voice returns the currently selected voice.
func (c *SessionConfig) Voice() string {
	v := c.voice.Load()
	if v == nil {
		return "alloy"
	}
	return *v
}

// SetVoice updates the voice used by subsequent sessions. Safe for
// concurrent use with in-flight sessions reading the prior value.
func (c *SessionConfig) SetVoice(voice string) {
	if voice == "" {
		voice = "alloy"
	}
	c.voice.Store(&voice)
}
