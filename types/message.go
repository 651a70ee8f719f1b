package types

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one bubble in the conversation. User messages only carry
// text; assistant messages may additionally accumulate code blocks and a
// query plan while a stream is live.
type Message struct {
	ID         string               `json:"id"`
	Role       Role                 `json:"role"`
	Content    string               `json:"content"`
	Timestamp  time.Time            `json:"timestamp"`
	QueryPlan  *QueryPlan           `json:"query_plan,omitempty"`
	CodeBlocks map[string]CodeBlock `json:"code_blocks,omitempty"`
	Streaming  bool                 `json:"streaming,omitempty"`
}

// CodeBlock is one execution-trace fragment stream. Content only ever
// grows by suffix append while Streaming is true.
type CodeBlock struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Streaming bool   `json:"streaming"`
}

type QueryPlan struct {
	ID              string `json:"id"`
	Query           string `json:"query"`
	ExecutionTimeMs int64  `json:"execution_time_ms,omitempty"`
	ResultCount     int    `json:"result_count,omitempty"`
}

// Clone returns a deep copy whose CodeBlocks map and QueryPlan do not
// alias the receiver's.
func (m Message) Clone() Message {
	out := m
	if m.QueryPlan != nil {
		plan := *m.QueryPlan
		out.QueryPlan = &plan
	}
	if m.CodeBlocks != nil {
		blocks := make(map[string]CodeBlock, len(m.CodeBlocks))
		for id, block := range m.CodeBlocks {
			blocks[id] = block
		}
		out.CodeBlocks = blocks
	}
	return out
}
