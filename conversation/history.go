package conversation

import (
	"sort"
	"strings"

	"github.com/hasura/promptql-chat-sdk/ids"
	"github.com/hasura/promptql-chat-sdk/types"
)

// FlattenThread converts a rehydrated server thread into the flat
// message list the widget renders: interactions sorted by creation time,
// each contributing its user message followed by its assistant messages
// in array order.
func FlattenThread(thread types.Thread) []types.Message {
	interactions := make([]types.Interaction, len(thread.Interactions))
	copy(interactions, thread.Interactions)
	sort.SliceStable(interactions, func(i, j int) bool {
		return interactions[i].CreatedAt.Before(interactions[j].CreatedAt)
	})

	var out []types.Message
	for _, interaction := range interactions {
		out = append(out, userMessage(interaction))
		for _, turn := range interaction.AssistantMessages {
			out = append(out, assistantMessage(interaction, turn))
		}
	}
	return out
}

func userMessage(interaction types.Interaction) types.Message {
	id := strings.TrimSpace(interaction.UserMessage.ID)
	if id == "" {
		id = ids.New()
	}
	timestamp := interaction.UserMessage.CreatedAt
	if timestamp.IsZero() {
		timestamp = interaction.CreatedAt
	}
	return types.Message{
		ID:        id,
		Role:      types.RoleUser,
		Content:   interaction.UserMessage.Content,
		Timestamp: timestamp,
	}
}

func assistantMessage(interaction types.Interaction, turn types.AssistantTurn) types.Message {
	id := strings.TrimSpace(turn.ID)
	if id == "" {
		id = ids.New()
	}
	timestamp := turn.CreatedAt
	if timestamp.IsZero() {
		timestamp = interaction.CreatedAt
	}
	message := types.Message{
		ID:        id,
		Role:      types.RoleAssistant,
		Content:   turn.Content,
		Timestamp: timestamp,
	}
	if turn.QueryPlan != nil {
		plan := *turn.QueryPlan
		message.QueryPlan = &plan
	}
	if len(turn.CodeBlocks) > 0 {
		blocks := make(map[string]types.CodeBlock, len(turn.CodeBlocks))
		for blockID, block := range turn.CodeBlocks {
			block.Streaming = false
			blocks[blockID] = block
		}
		message.CodeBlocks = blocks
	}
	return message
}
