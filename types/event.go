package types

import (
	"encoding/json"
	"time"
)

type StreamEventType string

const (
	StreamEventAssistantActionMessageAppended StreamEventType = "assistant_action_message_appended"
	StreamEventCodeBlockQueryPlanAppended     StreamEventType = "code_block_query_plan_appended"
	StreamEventCurrentThreadState             StreamEventType = "current_thread_state"
	StreamEventInteractionUpdate              StreamEventType = "interaction_update"
)

// StreamEvent is one decoded data: payload from a thread event stream.
// Unknown event types decode without error; consumers ignore them.
type StreamEvent struct {
	Type              StreamEventType
	AssistantActionID string
	MessageChunk      string
	CodeBlockID       string
	QueryPlanChunk    string
	Thread            *Thread
	Interaction       *Interaction
	CreatedAt         time.Time
}

type streamEventWire struct {
	Type              StreamEventType `json:"type,omitempty"`
	Event             StreamEventType `json:"event,omitempty"`
	AssistantActionID string          `json:"assistant_action_id,omitempty"`
	MessageChunk      string          `json:"message_chunk,omitempty"`
	CodeBlockID       string          `json:"code_block_id,omitempty"`
	QueryPlanChunk    string          `json:"query_plan_chunk,omitempty"`
	Thread            *Thread         `json:"thread,omitempty"`
	Interaction       *Interaction    `json:"interaction,omitempty"`
	CreatedAt         *time.Time      `json:"created_at,omitempty"`
}

// UnmarshalJSON accepts the discriminator under either "type" or "event";
// both keys appear in the wild depending on the emitting server version.
func (e *StreamEvent) UnmarshalJSON(data []byte) error {
	var wire streamEventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	kind := wire.Type
	if kind == "" {
		kind = wire.Event
	}
	*e = StreamEvent{
		Type:              kind,
		AssistantActionID: wire.AssistantActionID,
		MessageChunk:      wire.MessageChunk,
		CodeBlockID:       wire.CodeBlockID,
		QueryPlanChunk:    wire.QueryPlanChunk,
		Thread:            wire.Thread,
		Interaction:       wire.Interaction,
	}
	if wire.CreatedAt != nil {
		e.CreatedAt = *wire.CreatedAt
	}
	return nil
}

func (e StreamEvent) MarshalJSON() ([]byte, error) {
	wire := streamEventWire{
		Type:              e.Type,
		AssistantActionID: e.AssistantActionID,
		MessageChunk:      e.MessageChunk,
		CodeBlockID:       e.CodeBlockID,
		QueryPlanChunk:    e.QueryPlanChunk,
		Thread:            e.Thread,
		Interaction:       e.Interaction,
	}
	if !e.CreatedAt.IsZero() {
		createdAt := e.CreatedAt
		wire.CreatedAt = &createdAt
	}
	return json.Marshal(wire)
}
