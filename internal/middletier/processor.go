package middletier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/atem-voice/rtmt/internal/observability"
)

// ErrUnknownTool marks the "unknown tool name in response.output_item.done"
// condition fatal to a session: a server misconfiguration where the model
// was offered a function it cannot actually invoke. Callers must terminate
// the session rather than drop the event, or the call's pending function_call
// output is never sent and the model stalls forever on that call_id.
var ErrUnknownTool = errors.New("middletier: unknown tool")

// pendingCall tracks a function call the upstream model has started but not
// yet finished arguing, keyed by call_id. It is owned exclusively by the
// upstream-to-client forwarder goroutine: no mutex guards it, matching the
// single-writer invariant in §5 of the concurrency model.
type pendingCall struct {
	CallID         string
	PreviousItemID string
}

// Sender delivers an already-encoded event to one side of the proxy.
type Sender func(event map[string]any) error

// Processor is the per-session message processor: it inspects every event
// flowing in each direction, intercepts model tool calls, and enforces the
// server-side session configuration. A Processor is not safe for concurrent
// use — one instance is owned by exactly one Session, and ProcessToClient
// must only ever be called from the upstream-to-client forwarder goroutine.
type Processor struct {
	cfg     *SessionConfig
	pending map[string]pendingCall
	log     *slog.Logger
	tracer  *observability.Tracer
}

// NewProcessor returns a Processor enforcing cfg for one session. tracer may
// be nil, in which case tool executions simply aren't traced.
func NewProcessor(cfg *SessionConfig, log *slog.Logger, tracer *observability.Tracer) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		cfg:     cfg,
		pending: make(map[string]pendingCall),
		log:     log,
		tracer:  tracer,
	}
}

// ProcessToUpstream applies server-side session enforcement to a client- or
// telephony-originated event already in upstream dialect (telephony events
// must already have passed through ToUpstream). It returns the event to
// forward and whether it should be forwarded at all.
func (p *Processor) ProcessToUpstream(event map[string]any) (map[string]any, bool) {
	if event == nil {
		return nil, false
	}
	if t, _ := event["type"].(string); t == "session.update" {
		session, _ := event["session"].(map[string]any)
		if session == nil {
			session = make(map[string]any)
		}
		session["voice"] = p.cfg.Voice()
		if p.cfg.SystemMessage != nil {
			session["instructions"] = *p.cfg.SystemMessage
		}
		if p.cfg.Temperature != nil {
			session["temperature"] = *p.cfg.Temperature
		}
		if p.cfg.MaxTokens != nil {
			session["max_response_output_tokens"] = *p.cfg.MaxTokens
		}
		if p.cfg.DisableAudio != nil {
			session["disable_audio"] = *p.cfg.DisableAudio
		}
		if p.cfg.Tools.Len() > 0 {
			session["tool_choice"] = "auto"
		} else {
			session["tool_choice"] = "none"
		}
		session["tools"] = rawSchemasToAny(p.cfg.Tools.Schemas())
		event["session"] = session
	}
	return event, true
}

// ProcessToClient inspects one upstream event, executing any intercepted
// tool call via sendUpstream/sendClientExtra, and returns the event to
// forward to the client plus whether it should be forwarded at all.
// isTelephony suppresses the extension.middle_tier_tool_response side
// channel, which only browser clients understand.
func (p *Processor) ProcessToClient(ctx context.Context, event map[string]any, isTelephony bool, sendUpstream, sendClientExtra Sender) (map[string]any, bool, error) {
	if event == nil {
		return nil, false, nil
	}
	typ, _ := event["type"].(string)

	switch typ {
	case "session.created":
		session, _ := event["session"].(map[string]any)
		if session == nil {
			session = make(map[string]any)
		}
		session["instructions"] = ""
		session["tools"] = []any{}
		session["tool_choice"] = "none"
		session["max_response_output_tokens"] = nil
		event["session"] = session
		return event, true, nil

	case "session.updated":
		if err := sendUpstream(map[string]any{"type": "response.create"}); err != nil {
			return nil, false, err
		}
		return nil, false, nil

	case "response.output_item.added":
		if isFunctionCallItem(event) {
			return nil, false, nil
		}
		return event, true, nil

	case "conversation.item.created":
		item, _ := event["item"].(map[string]any)
		if item == nil {
			return event, true, nil
		}
		switch item["type"] {
		case "function_call":
			callID, _ := item["call_id"].(string)
			if _, exists := p.pending[callID]; !exists {
				prevID, _ := event["previous_item_id"].(string)
				p.pending[callID] = pendingCall{CallID: callID, PreviousItemID: prevID}
			}
			return nil, false, nil
		case "function_call_output":
			return nil, false, nil
		}
		return event, true, nil

	case "response.function_call_arguments.delta", "response.function_call_arguments.done":
		return nil, false, nil

	case "response.output_item.done":
		if !isFunctionCallItem(event) {
			return event, true, nil
		}
		if err := p.executeToolCall(ctx, event, isTelephony, sendUpstream, sendClientExtra); err != nil {
			return nil, false, err
		}
		return nil, false, nil

	case "response.done":
		if len(p.pending) > 0 {
			if len(p.pending) > 1 {
				p.log.Warn("clearing multiple pending tool calls on response.done", "count", len(p.pending))
			}
			p.pending = make(map[string]pendingCall)
			if err := sendUpstream(map[string]any{"type": "response.create"}); err != nil {
				return nil, false, err
			}
		}
		pruneFunctionCallOutputs(event)
		return event, true, nil

	case "input_audio_buffer.speech_started":
		return event, true, nil

	default:
		return event, true, nil
	}
}

func isFunctionCallItem(event map[string]any) bool {
	item, ok := event["item"].(map[string]any)
	if !ok {
		return false
	}
	t, _ := item["type"].(string)
	return t == "function_call"
}

// pruneFunctionCallOutputs removes function_call entries from
// response.output in place, mirroring the upstream behavior of resolving
// those calls entirely within the middle tier.
func pruneFunctionCallOutputs(event map[string]any) {
	response, ok := event["response"].(map[string]any)
	if !ok {
		return
	}
	outputs, ok := response["output"].([]any)
	if !ok {
		return
	}
	kept := outputs[:0]
	for _, out := range outputs {
		if m, ok := out.(map[string]any); ok {
			if t, _ := m["type"].(string); t == "function_call" {
				continue
			}
		}
		kept = append(kept, out)
	}
	response["output"] = kept
}

func (p *Processor) executeToolCall(ctx context.Context, event map[string]any, isTelephony bool, sendUpstream, sendClientExtra Sender) (err error) {
	item, _ := event["item"].(map[string]any)
	callID, _ := item["call_id"].(string)
	name, _ := item["name"].(string)
	argsStr, _ := item["arguments"].(string)

	ctx, span := p.tracer.TraceToolExecution(ctx, name)
	p.tracer.SetAttributes(span, "call_id", callID)
	defer func() {
		p.tracer.RecordError(span, err)
		span.End()
	}()

	call, known := p.pending[callID]
	if !known {
		call = pendingCall{CallID: callID}
	}

	tool, ok := p.cfg.Tools.Lookup(name)
	if !ok {
		return fmt.Errorf("middletier: no tool registered for %q: %w", name, ErrUnknownTool)
	}
	if err := p.cfg.Tools.ValidateArguments(name, json.RawMessage(argsStr)); err != nil {
		return err
	}

	result, err := tool.Target(ctx, json.RawMessage(argsStr))
	if err != nil {
		return fmt.Errorf("middletier: tool %q failed: %w", name, err)
	}

	output := ""
	if result.Destination == ToServer {
		output = result.Text()
	}
	if err := sendUpstream(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}); err != nil {
		return err
	}

	if result.Destination == ToClient && !isTelephony {
		if err := sendClientExtra(map[string]any{
			"type":             "extension.middle_tier_tool_response",
			"previous_item_id": call.PreviousItemID,
			"tool_name":        name,
			"tool_result":      result.Text(),
		}); err != nil {
			return err
		}
	}
	return nil
}
