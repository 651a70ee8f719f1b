package types

import "time"

type InteractionStatus string

const (
	InteractionStatusProcessing InteractionStatus = "processing"
	InteractionStatusCompleted  InteractionStatus = "completed"
	InteractionStatusError      InteractionStatus = "error"
)

// Thread is the server-side durable conversation. The client normally
// holds only the id; the full shape appears when a thread is rehydrated
// through the current_thread_state event.
type Thread struct {
	ID           string        `json:"thread_id"`
	Interactions []Interaction `json:"interactions"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Interaction groups one user turn with the assistant turns it produced.
type Interaction struct {
	ID                string            `json:"id"`
	UserMessage       UserTurn          `json:"user_message"`
	AssistantMessages []AssistantTurn   `json:"assistant_messages"`
	Status            InteractionStatus `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
}

type UserTurn struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type AssistantTurn struct {
	ID         string               `json:"id"`
	Content    string               `json:"content"`
	QueryPlan  *QueryPlan           `json:"query_plan,omitempty"`
	CodeBlocks map[string]CodeBlock `json:"code_blocks,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
}
