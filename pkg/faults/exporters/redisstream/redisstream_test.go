package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strongdm/ai-cxdb-faults/pkg/faults"
)

// recordingHook answers pipelines locally and records their commands.
type recordingHook struct {
	mu   sync.Mutex
	cmds [][]any
	err  error
}

func (h *recordingHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("no network in tests")
	}
}

func (h *recordingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		return errors.New("unexpected single command")
	}
}

func (h *recordingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.err != nil {
			return h.err
		}
		for _, cmd := range cmds {
			h.cmds = append(h.cmds, cmd.Args())
			if sc, ok := cmd.(*redis.StringCmd); ok {
				sc.SetVal("1-0")
			}
		}
		return nil
	}
}

func (h *recordingHook) getCmds() [][]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]any(nil), h.cmds...)
}

func newTestClient(t *testing.T, hook *recordingHook) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	client.AddHook(hook)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// field returns the value following name in XADD arguments.
func field(args []any, name string) any {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == name {
			return args[i+1]
		}
	}
	return nil
}

func TestExporter_ImplementsExporterInterface(t *testing.T) {
	var _ faults.Exporter = New(nil)
}

func TestExporter_Send_OnePipelinePerBatch(t *testing.T) {
	hook := &recordingHook{}
	exp := New(newTestClient(t, hook), WithStream("svc:faults"), WithMaxLen(1000))

	batch := []faults.Record{
		faults.NewRecord(faults.RecordSpec{Severity: faults.SeverityError, Message: "first"}),
		faults.NewRecord(faults.RecordSpec{Severity: faults.SeverityFatal, Origin: "poller", Context: faults.Worker, Message: "second"}),
	}
	require.NoError(t, exp.Send(context.Background(), batch))

	cmds := hook.getCmds()
	require.Len(t, cmds, 2)
	for i, args := range cmds {
		assert.Equal(t, "xadd", args[0])
		assert.Equal(t, "svc:faults", args[1])
		assert.Contains(t, args, "maxlen")
		assert.Contains(t, args, "~")
		assert.Equal(t, batch[i].ID, field(args, "id"))
	}
	assert.Equal(t, "FATAL", field(cmds[1], "severity"))
	assert.Equal(t, "poller", field(cmds[1], "origin"))

	payload, ok := field(cmds[0], "record").([]byte)
	require.True(t, ok)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "first", decoded["message"])
}

func TestExporter_Send_Unbounded(t *testing.T) {
	hook := &recordingHook{}
	exp := New(newTestClient(t, hook), WithMaxLen(0))

	require.NoError(t, exp.Send(context.Background(), []faults.Record{{ID: "x"}}))

	args := hook.getCmds()[0]
	assert.Equal(t, DefaultStream, args[1])
	assert.NotContains(t, args, "maxlen")
}

func TestExporter_Send_Error(t *testing.T) {
	hook := &recordingHook{err: errors.New("READONLY replica")}
	exp := New(newTestClient(t, hook))

	err := exp.Send(context.Background(), []faults.Record{{ID: "x"}})
	assert.ErrorContains(t, err, "READONLY replica")
	assert.ErrorContains(t, err, "xadd 1 records")
}

func TestExporter_CloseOwnership(t *testing.T) {
	hook := &recordingHook{}
	client := newTestClient(t, hook)

	require.NoError(t, New(client).Close())
	// The borrowed client is still usable.
	require.NoError(t, New(client).Send(context.Background(), []faults.Record{{ID: "x"}}))

	owned := Dial("127.0.0.1:0")
	assert.NoError(t, owned.Close())
}
