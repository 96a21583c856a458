package applier

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elloloop/entdb/proto"
	"github.com/elloloop/entdb/schema"
	"github.com/elloloop/entdb/store"
	"github.com/elloloop/entdb/wal"
)

func testRegistry(t *testing.T) *schema.Registry {
	registry := schema.NewRegistry()
	require.NoError(t, registry.Register(schema.NodeType{
		TypeID: 1,
		Name:   "User",
		Fields: []schema.FieldDef{
			{FieldID: 1, Name: "email", Kind: schema.KindString, Required: true},
			{FieldID: 2, Name: "name", Kind: schema.KindString},
		},
	}))
	registry.Freeze()
	return registry
}

type harness struct {
	stream  *wal.MemoryStream
	stores  *store.Store
	applier *Applier
	dir     string
}

func newHarness(t *testing.T) *harness {
	ctx := context.Background()
	dir := t.TempDir()
	stream := wal.NewMemoryStream(2, 1<<20)
	stores, err := store.NewStore(ctx, &store.Config{DataDir: filepath.Join(dir, "stores")}, testRegistry(t))
	require.NoError(t, err)
	apply, err := New(&Config{DeadletterDir: filepath.Join(dir, "deadletter")}, stream, stores)
	require.NoError(t, err)
	require.NoError(t, apply.Start(ctx))
	t.Cleanup(func() {
		apply.Close()
		stores.Close()
		stream.Close()
	})
	return &harness{stream: stream, stores: stores, applier: apply, dir: dir}
}

func appendEvent(t *testing.T, stream *wal.MemoryStream, event *proto.Event) proto.WalPosition {
	data, err := proto.EncodeEvent(event)
	require.NoError(t, err)
	pos, err := stream.Append(context.Background(), event.TenantID, data)
	require.NoError(t, err)
	return pos
}

func userEvent(tenant, key, nodeID, email string) *proto.Event {
	return &proto.Event{
		EventID:        "ev-" + key,
		TenantID:       tenant,
		Actor:          "user:alice",
		IdempotencyKey: key,
		CreatedAtMs:    time.Now().UnixMilli(),
		Operations: []proto.Operation{{
			Op:      proto.OpCreateNode,
			TypeID:  1,
			NodeID:  nodeID,
			Payload: map[string]interface{}{"email": email},
		}},
	}
}

func TestApplierAppliesInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var last proto.WalPosition
	for i := 0; i < 5; i++ {
		last = appendEvent(t, h.stream, userEvent("t1", "k"+string(rune('0'+i)), "n"+string(rune('0'+i)), "a@x"))
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.True(t, h.applier.WaitForApplied(waitCtx, "t1", last))

	tenant, err := h.stores.Tenant(ctx, "t1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		node, getErr := tenant.GetNode(ctx, "n"+string(rune('0'+i)), nil, false)
		require.NoError(t, getErr)
		require.EqualValues(t, 1, node.Version)
	}
	checkpoint, has, err := tenant.Checkpoint(ctx)
	require.NoError(t, err)
	require.True(t, has)
	require.Equal(t, last, checkpoint)
}

func TestApplierExactlyOnceOnDuplicateAppend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The same logical transaction appended twice, as after a lost ack.
	event := userEvent("t1", "k1", "n1", "a@x")
	appendEvent(t, h.stream, event)
	dupPos := appendEvent(t, h.stream, event)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.True(t, h.applier.WaitForApplied(waitCtx, "t1", dupPos))

	tenant, err := h.stores.Tenant(ctx, "t1")
	require.NoError(t, err)
	applied, err := tenant.AppliedEvent(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, applied)

	result := &store.ApplyResult{}
	require.NoError(t, json.Unmarshal([]byte(applied.ResultJSON), result))
	require.Equal(t, []string{"n1"}, result.CreatedNodes)

	// The checkpoint passed the duplicate, but the result names the first
	// durable position.
	checkpoint, _, err := tenant.Checkpoint(ctx)
	require.NoError(t, err)
	require.Equal(t, dupPos, checkpoint)
	require.True(t, result.WalPosition.Offset < dupPos.Offset)
}

func TestApplierDeadLettersPoisonedEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bad := userEvent("t1", "bad", "nbad", "a@x")
	bad.Operations[0].Payload = map[string]interface{}{"emial": "a@x"}
	appendEvent(t, h.stream, bad)

	// The stream keeps flowing past the poisoned event.
	good := userEvent("t1", "good", "ngood", "b@x")
	goodPos := appendEvent(t, h.stream, good)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.True(t, h.applier.WaitForApplied(waitCtx, "t1", goodPos))

	tenant, err := h.stores.Tenant(ctx, "t1")
	require.NoError(t, err)
	_, err = tenant.GetNode(ctx, "ngood", nil, false)
	require.NoError(t, err)
	_, err = tenant.GetNode(ctx, "nbad", nil, false)
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(h.dir, "deadletter"))
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}

func TestApplierRestartResumesFromStoreCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	stream := wal.NewMemoryStream(1, 1<<20)
	defer stream.Close()
	registry := testRegistry(t)

	stores, err := store.NewStore(ctx, &store.Config{DataDir: filepath.Join(dir, "stores")}, registry)
	require.NoError(t, err)

	first, err := New(&Config{DeadletterDir: filepath.Join(dir, "deadletter")}, stream, stores)
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))

	pos := appendEvent(t, stream, userEvent("t1", "k1", "n1", "a@x"))
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	require.True(t, first.WaitForApplied(waitCtx, "t1", pos))
	cancel()
	first.Close()
	stores.Close()

	// Restart over the same directory: the checkpoint comes from
	// tenant_meta and the already-applied event is skipped, not re-applied.
	stores, err = store.NewStore(ctx, &store.Config{DataDir: filepath.Join(dir, "stores")}, registry)
	require.NoError(t, err)
	defer stores.Close()
	second, err := New(&Config{DeadletterDir: filepath.Join(dir, "deadletter")}, stream, stores)
	require.NoError(t, err)
	require.NoError(t, second.Start(ctx))
	defer second.Close()

	next := appendEvent(t, stream, userEvent("t1", "k2", "n2", "b@x"))
	waitCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.True(t, second.WaitForApplied(waitCtx, "t1", next))

	tenant, err := stores.Tenant(ctx, "t1")
	require.NoError(t, err)
	node, err := tenant.GetNode(ctx, "n1", nil, false)
	require.NoError(t, err)
	require.EqualValues(t, 1, node.Version)
	_, err = tenant.GetNode(ctx, "n2", nil, false)
	require.NoError(t, err)
}
