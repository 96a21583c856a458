package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elloloop/entdb/applier"
	apierrors "github.com/elloloop/entdb/errors"
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
	require.NoError(t, registry.Register(schema.NodeType{
		TypeID: 2,
		Name:   "Task",
		Fields: []schema.FieldDef{
			{FieldID: 1, Name: "title", Kind: schema.KindString, Required: true},
			{FieldID: 2, Name: "status", Kind: schema.KindEnum, EnumValues: []string{"todo", "doing", "done"}, Default: "todo"},
		},
	}))
	require.NoError(t, registry.RegisterEdge(schema.EdgeType{
		EdgeID: 100, Name: "assigned_to", FromType: 2, ToType: 1,
	}))
	registry.Freeze()
	return registry
}

type harness struct {
	registry    *schema.Registry
	stream      *wal.MemoryStream
	stores      *store.Store
	applier     *applier.Applier
	coordinator *Coordinator
}

func newHarness(t *testing.T) *harness {
	ctx := context.Background()
	dir := t.TempDir()
	registry := testRegistry(t)
	stream := wal.NewMemoryStream(2, 1<<20)
	stores, err := store.NewStore(ctx, &store.Config{DataDir: filepath.Join(dir, "stores")}, registry)
	require.NoError(t, err)
	apply, err := applier.New(&applier.Config{DeadletterDir: filepath.Join(dir, "deadletter")}, stream, stores)
	require.NoError(t, err)
	require.NoError(t, apply.Start(ctx))
	coord := New(&Config{}, registry, stream, stores, apply)
	t.Cleanup(func() {
		apply.Close()
		stores.Close()
		stream.Close()
	})
	return &harness{registry: registry, stream: stream, stores: stores, applier: apply, coordinator: coord}
}

func s1Request(key string) *Request {
	return &Request{
		TenantID:       "t1",
		Actor:          "user:alice",
		IdempotencyKey: key,
		WaitForApplied: true,
		Operations: []proto.Operation{
			{Op: proto.OpCreateNode, TypeID: 1,
				Payload: map[string]interface{}{"email": "a@x", "name": "Alice"}, Alias: "u"},
			{Op: proto.OpCreateNode, TypeID: 2,
				Payload: map[string]interface{}{"title": "T1", "status": "todo"}, Alias: "t"},
			{Op: proto.OpCreateEdge, EdgeTypeID: 100, From: "$t.id", To: "$u.id"},
		},
	}
}

func TestExecuteAtomicCreateWithAliases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	receipt, err := h.coordinator.Execute(ctx, s1Request("e2e-1"))
	require.NoError(t, err)
	require.True(t, receipt.Applied)
	require.Len(t, receipt.ResultAliases, 2)
	idU := receipt.ResultAliases["u"]
	idT := receipt.ResultAliases["t"]
	require.NotEmpty(t, idU)
	require.NotEmpty(t, idT)
	require.Empty(t, receipt.Conflicts)

	tenant, err := h.stores.Tenant(ctx, "t1")
	require.NoError(t, err)
	node, err := tenant.GetNode(ctx, idU, nil, false)
	require.NoError(t, err)
	require.Equal(t, "a@x", node.Payload["email"])

	edgeType := proto.EdgeTypeID(100)
	edges, err := tenant.EdgesIn(ctx, idU, &edgeType)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, idT, edges[0].FromID)
	require.Equal(t, idU, edges[0].ToID)
}

func TestExecuteRetrySameKeyReturnsSameReceipt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.coordinator.Execute(ctx, s1Request("e2e-retry"))
	require.NoError(t, err)

	second, err := h.coordinator.Execute(ctx, s1Request("e2e-retry"))
	require.NoError(t, err)
	require.Equal(t, first.WalPosition, second.WalPosition)
	require.Equal(t, first.ResultAliases, second.ResultAliases)

	// Exactly one event became durable.
	latest, err := h.stream.LatestPosition(ctx, first.WalPosition.Partition)
	require.NoError(t, err)
	require.Equal(t, first.WalPosition.Offset+1, latest.Offset)
}

func TestExecuteRetryAfterLostAck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// First attempt: the record lands but the ack is lost.
	h.stream.DropNextAck()
	_, err := h.coordinator.Execute(ctx, s1Request("e2e-2"))
	require.Error(t, err)

	// Retry with the same key: a second record is appended, the applier
	// deduplicates it, and the receipt reports the first durable apply.
	receipt, err := h.coordinator.Execute(ctx, s1Request("e2e-2"))
	require.NoError(t, err)
	require.True(t, receipt.Applied)
	require.Equal(t, int64(0), receipt.WalPosition.Offset)

	tenant, err := h.stores.Tenant(ctx, "t1")
	require.NoError(t, err)
	nodes, err := tenant.QueryNodes(ctx, 1, nil, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
}

func TestExecuteKeyReuseWithDifferentBody(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coordinator.Execute(ctx, s1Request("e2e-3"))
	require.NoError(t, err)

	other := s1Request("e2e-3")
	other.Operations[0].Payload["email"] = "b@y"
	_, err = h.coordinator.Execute(ctx, other)
	require.Error(t, err)
	coded, ok := err.(*apierrors.Error)
	require.True(t, ok)
	require.Equal(t, apierrors.CodeInvalidRequest, coded.Code)
}

func TestExecuteValidationErrorDoesNotAppend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := &Request{
		TenantID: "t1", Actor: "user:alice", IdempotencyKey: "bad-1",
		Operations: []proto.Operation{{
			Op: proto.OpCreateNode, TypeID: 1,
			Payload: map[string]interface{}{"emial": "a@x"},
		}},
	}
	_, err := h.coordinator.Execute(ctx, req)
	require.Error(t, err)
	coded, ok := err.(*apierrors.Error)
	require.True(t, ok)
	require.Equal(t, apierrors.CodeValidationError, coded.Code)
	fields, ok := coded.Details["fields"].([]map[string]interface{})
	require.True(t, ok)
	found := false
	for _, field := range fields {
		if field["field"] == "emial" {
			found = true
			require.Equal(t, []string{"email"}, field["suggestions"])
		}
	}
	require.True(t, found)

	// No WAL append happened on any partition.
	for partition := int32(0); partition < h.stream.Partitions(); partition++ {
		latest, latestErr := h.stream.LatestPosition(ctx, partition)
		require.NoError(t, latestErr)
		require.Equal(t, int64(0), latest.Offset)
	}
}

func TestExecuteUnresolvedAlias(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := &Request{
		TenantID: "t1", Actor: "user:alice", IdempotencyKey: "alias-1",
		Operations: []proto.Operation{{
			Op: proto.OpDeleteNode, NodeID: "$ghost.id",
		}},
	}
	_, err := h.coordinator.Execute(ctx, req)
	require.Error(t, err)
	coded, ok := err.(*apierrors.Error)
	require.True(t, ok)
	require.Equal(t, apierrors.CodeInvalidRequest, coded.Code)
}

func TestExecuteOptimisticConcurrency(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	receipt, err := h.coordinator.Execute(ctx, s1Request("occ-base"))
	require.NoError(t, err)
	idU := receipt.ResultAliases["u"]

	expected := int64(1)
	update := func(key, name string) *Request {
		return &Request{
			TenantID: "t1", Actor: "user:alice", IdempotencyKey: key,
			WaitForApplied: true,
			Operations: []proto.Operation{{
				Op: proto.OpUpdateNode, NodeID: idU,
				Patch:           map[string]interface{}{"name": name},
				ExpectedVersion: &expected,
			}},
		}
	}

	var wg sync.WaitGroup
	results := make([]*proto.Receipt, 2)
	failures := make([]error, 2)
	for i, name := range []string{"Alice2", "Alice2b"} {
		i, name := i, name
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], failures[i] = h.coordinator.Execute(ctx, update("occ-"+name, name))
		}()
	}
	wg.Wait()

	conflicts := 0
	for i := range results {
		if failures[i] != nil {
			// The coordinator's best-effort precheck may reject the loser.
			coded, ok := failures[i].(*apierrors.Error)
			require.True(t, ok)
			require.Equal(t, apierrors.CodeConflict, coded.Code)
			conflicts++
			continue
		}
		if len(results[i].Conflicts) > 0 {
			require.EqualValues(t, 2, results[i].Conflicts[0].ObservedVersion)
			conflicts++
		}
	}
	require.Equal(t, 1, conflicts)

	tenant, err := h.stores.Tenant(ctx, "t1")
	require.NoError(t, err)
	node, err := tenant.GetNode(ctx, idU, nil, false)
	require.NoError(t, err)
	require.EqualValues(t, 2, node.Version)
}

func TestExecuteSchemaFingerprintAssertion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := s1Request("fp-1")
	req.SchemaFingerprint = "sha256:wrong"
	_, err := h.coordinator.Execute(ctx, req)
	require.Error(t, err)

	req = s1Request("fp-2")
	req.SchemaFingerprint = h.registry.Fingerprint()
	_, err = h.coordinator.Execute(ctx, req)
	require.NoError(t, err)
}

func TestExecuteRetriesUnavailableBrokerOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Quorum loss on the first attempt; the coordinator's single internal
	// retry lands the append.
	h.stream.FailNextAppend(wal.NewStreamError(wal.Unavailable, fmt.Errorf("quorum lost")))
	receipt, err := h.coordinator.Execute(ctx, s1Request("broker-1"))
	require.NoError(t, err)
	require.True(t, receipt.Applied)
}

func TestWaitForAppliedTimeoutIsNotAnError(t *testing.T) {
	h := newHarness(t)

	// Stop the applier so nothing gets applied.
	h.applier.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	receipt, err := h.coordinator.Execute(ctx, s1Request("slow-1"))
	require.NoError(t, err)
	require.False(t, receipt.Applied)
}
