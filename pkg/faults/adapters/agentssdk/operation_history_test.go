package agentssdk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	llmsdk "github.com/strongdm/ai-llm-sdk/pkg/llm"
)

func agentNames(records []OperationRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.AgentName
	}
	return out
}

func TestHistoryRing_EvictsOldest(t *testing.T) {
	b := newHistoryRing(3)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		b.add(OperationRecord{AgentName: name})
	}

	assert.Equal(t, []string{"c", "d", "e"}, agentNames(b.all()))
}

func TestHistoryRing_PartialFill(t *testing.T) {
	b := newHistoryRing(3)
	assert.Empty(t, b.all())

	b.add(OperationRecord{AgentName: "a"})
	b.add(OperationRecord{AgentName: "b"})
	assert.Equal(t, []string{"a", "b"}, agentNames(b.all()))
}

func TestHistoryRing_AllReturnsCopy(t *testing.T) {
	b := newHistoryRing(2)
	b.add(OperationRecord{AgentName: "a"})

	out := b.all()
	out[0].AgentName = "changed"
	assert.Equal(t, "a", b.all()[0].AgentName)
}

func TestHistoryRing_UpdateLastByKind(t *testing.T) {
	b := newHistoryRing(3)
	assert.False(t, b.updateLast("llm", func(*OperationRecord) {}))

	b.add(OperationRecord{Kind: "llm", AgentName: "first"})
	b.add(OperationRecord{Kind: "tool", AgentName: "t1"})
	b.add(OperationRecord{Kind: "llm", AgentName: "second"})
	b.add(OperationRecord{Kind: "tool", AgentName: "t2"}) // wraps, evicting "first"

	require.True(t, b.updateLast("llm", func(r *OperationRecord) { r.Duration = 42 }))
	require.True(t, b.updateLast("tool", func(r *OperationRecord) { r.Duration = 7 }))

	all := b.all()
	assert.Equal(t, []string{"t1", "second", "t2"}, agentNames(all))
	assert.Zero(t, all[0].Duration)
	assert.Equal(t, int64(42), all[1].Duration)
	assert.Equal(t, int64(7), all[2].Duration)
}

func TestHistoryRing_DefaultSize(t *testing.T) {
	assert.Equal(t, DefaultHistorySize, newHistoryRing(0).maxSize)
}

func TestSnapshotRequest_KeepsLastMessagesOnly(t *testing.T) {
	msgs := make([]llmsdk.Message, 15)
	for i := range msgs {
		msgs[i] = llmsdk.Message{Role: llmsdk.RoleUser}
	}
	msgs[14] = llmsdk.Message{Role: llmsdk.RoleAssistant}

	op := snapshotRequest(llmsdk.Request{Model: "gpt-4", Messages: msgs})

	assert.Equal(t, 15, op.MessageCount)
	require.Len(t, op.Messages, maxMessageSnapshots)
	assert.Equal(t, string(llmsdk.RoleAssistant), op.Messages[maxMessageSnapshots-1].Role)
}

func TestApplyResponse_NilOperation(t *testing.T) {
	assert.NotPanics(t, func() { applyResponse(nil, llmsdk.Response{ID: "x"}) })
}
