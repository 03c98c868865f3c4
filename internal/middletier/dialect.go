package middletier

import "encoding/json"

// dialect.go holds the pure, stateless mapping between the telephony
// gateway's event schema (discriminated by "kind") and the upstream
// realtime model's event schema (discriminated by "type"). Neither
// function touches session state; both return ok=false when the event has
// no defined mapping and should be dropped.

// vadConfig is the fixed voice-activity-detection block synthesized into
// every telephony session.update.
var vadConfig = map[string]any{
	"type":                "server_vad",
	"threshold":           0.7,
	"prefix_padding_ms":   300,
	"silence_duration_ms": 500,
}

// ToUpstream maps one inbound telephony event to the upstream event it
// should produce. ok is false when the event carries no upstream
// equivalent and must be dropped.
func ToUpstream(event map[string]any, cfg *SessionConfig) (map[string]any, bool) {
	kind, _ := event["kind"].(string)
	switch kind {
	case "AudioMetadata":
		toolChoice := "none"
		if cfg.Tools.Len() > 0 {
			toolChoice = "auto"
		}
		session := map[string]any{
			"voice":          cfg.Voice(),
			"tool_choice":    toolChoice,
			"tools":          rawSchemasToAny(cfg.Tools.Schemas()),
			"turn_detection": vadConfig,
		}
		if cfg.SystemMessage != nil {
			session["instructions"] = *cfg.SystemMessage
		}
		if cfg.Temperature != nil {
			session["temperature"] = *cfg.Temperature
		}
		if cfg.MaxTokens != nil {
			session["max_response_output_tokens"] = *cfg.MaxTokens
		}
		if cfg.DisableAudio != nil {
			session["disable_audio"] = *cfg.DisableAudio
		}
		return map[string]any{
			"type":    "session.update",
			"session": session,
		}, true

	case "AudioData":
		audioData, _ := event["audioData"].(map[string]any)
		return map[string]any{
			"type":  "input_audio_buffer.append",
			"audio": audioData["data"],
		}, true

	default:
		return nil, false
	}
}

// ToTelephony maps one outbound upstream event to the telephony event it
// should produce. ok is false when the event has no telephony equivalent
// and must be dropped for telephony clients (browser clients still
// receive it unchanged).
func ToTelephony(event map[string]any) (map[string]any, bool) {
	typ, _ := event["type"].(string)
	switch typ {
	case "response.audio.delta":
		return map[string]any{
			"kind": "AudioData",
			"audioData": map[string]any{
				"data": event["delta"],
			},
		}, true

	case "input_audio_buffer.speech_started":
		return map[string]any{
			"kind":      "StopAudio",
			"audioData": nil,
			"stopAudio": map[string]any{},
		}, true

	default:
		return nil, false
	}
}

func rawSchemasToAny(schemas []json.RawMessage) []any {
	out := make([]any, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, s)
	}
	return out
}
