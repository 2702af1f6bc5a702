package relay

import (
	"bytes"
	"encoding/json"

	"github.com/creditflow/metergate/pkg/models"
)

// StreamEvent is one meaningful observation parsed out of the upstream
// stream: a text delta to forward, a conversation id to persist, a usage
// report to bill from, or the end-of-output marker.
type StreamEvent struct {
	Text           string
	ConversationID string
	Usage          *models.UsageReport
	Finished       bool
}

// lineParser splits the upstream byte stream into line-delimited event
// records. It understands two wire shapes: OpenAI-style "data: {json}"
// deltas, and workflow-style JSON objects with an "event" field. A
// malformed line never aborts parsing of the lines around it.
type lineParser struct {
	buf []byte
}

// Append consumes one relayed chunk and returns the events completed by it.
// Runs inline with forwarding, so it is O(chunk) and never touches I/O.
func (p *lineParser) Append(chunk []byte) []StreamEvent {
	p.buf = append(p.buf, chunk...)

	var events []StreamEvent
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx == -1 {
			break
		}

		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]

		if ev, ok := parseLine(line); ok {
			events = append(events, ev)
		}
	}

	return events
}

// Flush parses whatever partial line remains at end-of-stream.
func (p *lineParser) Flush() []StreamEvent {
	if len(p.buf) == 0 {
		return nil
	}

	line := p.buf
	p.buf = nil

	if ev, ok := parseLine(line); ok {
		return []StreamEvent{ev}
	}
	return nil
}

// openaiPayload is the subset of an OpenAI-style delta the meter cares about.
type openaiPayload struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage          *usagePayload `json:"usage"`
	ConversationID string        `json:"conversation_id"`
}

// workflowPayload is the subset of a workflow event record the meter cares
// about.
type workflowPayload struct {
	Event          string `json:"event"`
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
	Metadata       struct {
		Usage *usagePayload `json:"usage"`
	} `json:"metadata"`
}

type usagePayload struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

func (u *usagePayload) report() *models.UsageReport {
	if u == nil {
		return nil
	}
	return &models.UsageReport{
		TotalTokens:  u.TotalTokens,
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
}

// parseLine extracts an event from one line. Returns false for blank lines,
// SSE comments, and anything that fails to decode — a malformed line is a
// skip, never an error.
func parseLine(line []byte) (StreamEvent, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == ':' {
		return StreamEvent{}, false
	}

	if payload, ok := bytes.CutPrefix(line, []byte("data:")); ok {
		payload = bytes.TrimSpace(payload)
		if bytes.Equal(payload, []byte("[DONE]")) {
			return StreamEvent{Finished: true}, true
		}
		return parseOpenAI(payload)
	}

	if len(line) > 0 && line[0] == '{' {
		return parseWorkflow(line)
	}

	return StreamEvent{}, false
}

func parseOpenAI(payload []byte) (StreamEvent, bool) {
	var parsed openaiPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return StreamEvent{}, false
	}

	ev := StreamEvent{
		ConversationID: parsed.ConversationID,
		Usage:          parsed.Usage.report(),
	}

	if len(parsed.Choices) > 0 {
		ev.Text = parsed.Choices[0].Delta.Content
		if parsed.Choices[0].FinishReason != nil && *parsed.Choices[0].FinishReason != "" {
			ev.Finished = true
		}
	}

	return ev, true
}

func parseWorkflow(line []byte) (StreamEvent, bool) {
	var parsed workflowPayload
	if err := json.Unmarshal(line, &parsed); err != nil {
		return StreamEvent{}, false
	}

	ev := StreamEvent{ConversationID: parsed.ConversationID}

	switch parsed.Event {
	case "message", "agent_message":
		ev.Text = parsed.Answer
	case "message_end":
		ev.Usage = parsed.Metadata.Usage.report()
		ev.Finished = true
	case "node_started", "node_finished", "workflow_started", "workflow_finished":
		// Progress markers; only useful for their conversation id.
	default:
		if parsed.Event == "" {
			return StreamEvent{}, false
		}
	}

	return ev, true
}
