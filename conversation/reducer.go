// Package conversation holds the pure state-transition logic that turns
// stream events into an ordered message list. No I/O, no timers: the
// streaming session is responsible for delivery order, the reducer only
// folds.
package conversation

import (
	"strings"
	"time"

	"github.com/hasura/promptql-chat-sdk/ids"
	"github.com/hasura/promptql-chat-sdk/types"
)

// Reduce returns the message list after applying one event. Inputs are
// never mutated; when the last message changes it is replaced by a clone.
// Unrecognized event kinds are a no-op.
func Reduce(messages []types.Message, event types.StreamEvent) []types.Message {
	switch event.Type {
	case types.StreamEventAssistantActionMessageAppended:
		return reduceMessageChunk(messages, event)
	case types.StreamEventCodeBlockQueryPlanAppended:
		return reduceCodeBlockChunk(messages, event)
	default:
		return messages
	}
}

func reduceMessageChunk(messages []types.Message, event types.StreamEvent) []types.Message {
	if len(messages) > 0 {
		last := messages[len(messages)-1]
		// Extend the last assistant bubble only while it is still plain
		// text; once code blocks or a query plan are attached, the next
		// text chunk opens a new bubble.
		if last.Role == types.RoleAssistant && len(last.CodeBlocks) == 0 && last.QueryPlan == nil {
			updated := last.Clone()
			updated.Content += event.MessageChunk
			updated.Streaming = true
			return replaceLast(messages, updated)
		}
	}

	id := strings.TrimSpace(event.AssistantActionID)
	if id == "" {
		id = ids.New()
	}
	timestamp := event.CreatedAt
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	next := types.Message{
		ID:        id,
		Role:      types.RoleAssistant,
		Content:   event.MessageChunk,
		Timestamp: timestamp,
		Streaming: true,
	}
	out := make([]types.Message, 0, len(messages)+1)
	out = append(out, messages...)
	return append(out, next)
}

func reduceCodeBlockChunk(messages []types.Message, event types.StreamEvent) []types.Message {
	// An orphaned fragment with no assistant bubble to attach to is
	// dropped rather than fabricating a message for it.
	if len(messages) == 0 {
		return messages
	}
	last := messages[len(messages)-1]
	if last.Role != types.RoleAssistant {
		return messages
	}
	blockID := strings.TrimSpace(event.CodeBlockID)
	if blockID == "" {
		return messages
	}

	updated := last.Clone()
	if updated.CodeBlocks == nil {
		updated.CodeBlocks = make(map[string]types.CodeBlock)
	}
	block, ok := updated.CodeBlocks[blockID]
	if !ok {
		block = types.CodeBlock{ID: blockID}
	}
	// Suffix guard against re-delivered fragments. Deliberately a
	// heuristic, not a sequence number: the wire protocol has none.
	if event.QueryPlanChunk != "" && !strings.HasSuffix(block.Content, event.QueryPlanChunk) {
		block.Content += event.QueryPlanChunk
	}
	block.Streaming = true
	updated.CodeBlocks[blockID] = block
	return replaceLast(messages, updated)
}

func replaceLast(messages []types.Message, updated types.Message) []types.Message {
	out := make([]types.Message, len(messages))
	copy(out, messages)
	out[len(out)-1] = updated
	return out
}

// FinalizeStreaming clears the streaming flags once a stream has
// disconnected; from then on the messages are immutable.
func FinalizeStreaming(messages []types.Message) []types.Message {
	changed := false
	out := make([]types.Message, len(messages))
	copy(out, messages)
	for i, message := range out {
		if !message.Streaming && !anyBlockStreaming(message) {
			continue
		}
		updated := message.Clone()
		updated.Streaming = false
		for id, block := range updated.CodeBlocks {
			block.Streaming = false
			updated.CodeBlocks[id] = block
		}
		out[i] = updated
		changed = true
	}
	if !changed {
		return messages
	}
	return out
}

func anyBlockStreaming(message types.Message) bool {
	for _, block := range message.CodeBlocks {
		if block.Streaming {
			return true
		}
	}
	return false
}
