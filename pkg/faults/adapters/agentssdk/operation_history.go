// operation_history.go keeps a bounded record of the LLM and tool calls a
// run made before it failed.

package agentssdk

import (
	"time"

	llmsdk "github.com/strongdm/ai-llm-sdk/pkg/llm"
)

// DefaultHistorySize is the number of operations kept per run.
const DefaultHistorySize = 10

// maxMessageSnapshots bounds the message metadata kept per LLM call.
const maxMessageSnapshots = 10

// OperationRecord captures a single LLM or tool call.
type OperationRecord struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Duration  int64     `json:"duration_ms,omitempty"`
	AgentName string    `json:"agent_name,omitempty"`

	LLM  *LLMOperation  `json:"llm,omitempty"`
	Tool *ToolOperation `json:"tool,omitempty"`
}

// LLMOperation is metadata about an LLM call. Message text is never stored.
type LLMOperation struct {
	Model        string            `json:"model"`
	Provider     string            `json:"provider,omitempty"`
	MessageCount int               `json:"message_count"`
	Messages     []MessageMetadata `json:"messages,omitempty"`
	Temperature  *float32          `json:"temperature,omitempty"`
	TopP         *float32          `json:"top_p,omitempty"`
	MaxTokens    *int              `json:"max_tokens,omitempty"`
	ToolNames    []string          `json:"tool_names,omitempty"`

	ResponseID       string   `json:"response_id,omitempty"`
	FinishReason     string   `json:"finish_reason,omitempty"`
	ToolCallNames    []string `json:"tool_call_names,omitempty"`
	PromptTokens     int      `json:"prompt_tokens,omitempty"`
	CompletionTokens int      `json:"completion_tokens,omitempty"`
	TotalTokens      int      `json:"total_tokens,omitempty"`
}

// MessageMetadata describes a message's shape without its content.
type MessageMetadata struct {
	Role          string `json:"role"`
	ContentLength int    `json:"content_length"`
	PartsCount    int    `json:"parts_count"`
	HasImage      bool   `json:"has_image,omitempty"`
	HasToolCall   bool   `json:"has_tool_call,omitempty"`
	HasToolResult bool   `json:"has_tool_result,omitempty"`
}

// ToolOperation is metadata about a tool call. Arguments and output are
// recorded by size only.
type ToolOperation struct {
	Name       string `json:"name"`
	CallID     string `json:"call_id,omitempty"`
	InputSize  int    `json:"input_size"`
	OutputSize int    `json:"output_size,omitempty"`
}

// historyRing is a fixed-size ring of operations, oldest evicted first.
type historyRing struct {
	records  []OperationRecord
	maxSize  int
	writeIdx int
}

func newHistoryRing(size int) *historyRing {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &historyRing{maxSize: size}
}

func (b *historyRing) add(rec OperationRecord) {
	if len(b.records) < b.maxSize {
		b.records = append(b.records, rec)
		return
	}
	b.records[b.writeIdx] = rec
	b.writeIdx = (b.writeIdx + 1) % b.maxSize
}

// all returns a copy of the records, oldest first.
func (b *historyRing) all() []OperationRecord {
	out := make([]OperationRecord, 0, len(b.records))
	if len(b.records) < b.maxSize {
		return append(out, b.records...)
	}
	out = append(out, b.records[b.writeIdx:]...)
	return append(out, b.records[:b.writeIdx]...)
}

// updateLast applies fn to the newest record of the given kind.
func (b *historyRing) updateLast(kind string, fn func(*OperationRecord)) bool {
	n := len(b.records)
	for i := 0; i < n; i++ {
		idx := ((b.writeIdx-1-i)%n + n) % n
		if b.records[idx].Kind == kind {
			fn(&b.records[idx])
			return true
		}
	}
	return false
}

func (b *historyRing) clone() *historyRing {
	if b == nil {
		return nil
	}
	c := *b
	c.records = make([]OperationRecord, len(b.records))
	for i, rec := range b.records {
		c.records[i] = rec.clone()
	}
	return &c
}

func (r OperationRecord) clone() OperationRecord {
	if r.LLM != nil {
		llm := *r.LLM
		llm.Messages = append([]MessageMetadata(nil), r.LLM.Messages...)
		llm.ToolNames = append([]string(nil), r.LLM.ToolNames...)
		llm.ToolCallNames = append([]string(nil), r.LLM.ToolCallNames...)
		r.LLM = &llm
	}
	if r.Tool != nil {
		tool := *r.Tool
		r.Tool = &tool
	}
	return r
}

// snapshotRequest extracts metadata from an LLM request.
func snapshotRequest(req llmsdk.Request) *LLMOperation {
	op := &LLMOperation{
		Model:        req.Model,
		Provider:     string(req.Provider),
		MessageCount: len(req.Messages),
		Temperature:  req.Temperature,
		TopP:         req.TopP,
		MaxTokens:    req.MaxTokens,
	}
	for _, tool := range req.Tools {
		op.ToolNames = append(op.ToolNames, tool.Name)
	}

	start := max(0, len(req.Messages)-maxMessageSnapshots)
	for _, msg := range req.Messages[start:] {
		op.Messages = append(op.Messages, snapshotMessage(msg))
	}
	return op
}

func snapshotMessage(msg llmsdk.Message) MessageMetadata {
	meta := MessageMetadata{
		Role:       string(msg.Role),
		PartsCount: len(msg.Parts),
	}
	for _, part := range msg.Parts {
		meta.ContentLength += len(part.Text)
		if part.ImageData != nil {
			meta.HasImage = true
		}
		if part.ToolCall != nil {
			meta.HasToolCall = true
		}
		if part.ToolResult != nil {
			meta.HasToolResult = true
		}
	}
	return meta
}

// applyResponse copies response metadata into op.
func applyResponse(op *LLMOperation, resp llmsdk.Response) {
	if op == nil {
		return
	}
	op.ResponseID = resp.ID
	op.FinishReason = string(resp.FinishReason)
	op.PromptTokens = resp.Usage.PromptTokens
	op.CompletionTokens = resp.Usage.CompletionTokens
	op.TotalTokens = resp.Usage.TotalTokens
	for _, tc := range resp.ToolCalls {
		op.ToolCallNames = append(op.ToolCallNames, tc.Name)
	}
}
