package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elloloop/entdb/proto"
	"github.com/elloloop/entdb/schema"
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

func testTenant(t *testing.T) (*Store, *TenantStore) {
	ctx := context.Background()
	stores, err := NewStore(ctx, &Config{DataDir: t.TempDir()}, testRegistry(t))
	require.NoError(t, err)
	t.Cleanup(stores.Close)
	tenant, err := stores.Tenant(ctx, "t1")
	require.NoError(t, err)
	return stores, tenant
}

func createUserEvent(key, nodeID string) *proto.Event {
	return &proto.Event{
		EventID:        "ev-" + key,
		TenantID:       "t1",
		Actor:          "user:alice",
		IdempotencyKey: key,
		CreatedAtMs:    1730000000000,
		Operations: []proto.Operation{{
			Op:         proto.OpCreateNode,
			TypeID:     1,
			NodeID:     nodeID,
			Payload:    map[string]interface{}{"email": "a@x", "name": "Alice"},
			Principals: []string{"user:alice", "role:admin"},
		}},
	}
}

func TestApplyCreateAndGet(t *testing.T) {
	ctx := context.Background()
	_, tenant := testTenant(t)

	pos := proto.WalPosition{Partition: 0, Offset: 0}
	result, err := tenant.ApplyTransaction(ctx, createUserEvent("k1", "n1"), pos)
	require.NoError(t, err)
	require.Equal(t, []string{"n1"}, result.CreatedNodes)
	require.Empty(t, result.Conflicts)

	node, err := tenant.GetNode(ctx, "n1", nil, false)
	require.NoError(t, err)
	require.Equal(t, "a@x", node.Payload["email"])
	require.EqualValues(t, 1, node.Version)
	require.ElementsMatch(t, []string{"user:alice", "role:admin"}, node.ACL)

	checkpoint, has, err := tenant.Checkpoint(ctx)
	require.NoError(t, err)
	require.True(t, has)
	require.Equal(t, pos, checkpoint)
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	_, tenant := testTenant(t)

	event := createUserEvent("k1", "n1")
	first, err := tenant.ApplyTransaction(ctx, event, proto.WalPosition{Offset: 0})
	require.NoError(t, err)

	// Replay at a later position returns the recorded result untouched.
	second, err := tenant.ApplyTransaction(ctx, event, proto.WalPosition{Offset: 5})
	require.NoError(t, err)
	require.Equal(t, first.WalPosition, second.WalPosition)
	require.Equal(t, first.AppliedAtMs, second.AppliedAtMs)

	applied, err := tenant.AppliedEvent(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, applied)
	require.Equal(t, int64(0), applied.WalPosition.Offset)
}

func TestApplyUpdateVersioning(t *testing.T) {
	ctx := context.Background()
	_, tenant := testTenant(t)

	_, err := tenant.ApplyTransaction(ctx, createUserEvent("k1", "n1"), proto.WalPosition{Offset: 0})
	require.NoError(t, err)

	expected := int64(1)
	update := &proto.Event{
		EventID: "ev-k2", TenantID: "t1", Actor: "user:alice", IdempotencyKey: "k2",
		CreatedAtMs: 1730000001000,
		Operations: []proto.Operation{{
			Op: proto.OpUpdateNode, NodeID: "n1",
			Patch:           map[string]interface{}{"name": "Alice2"},
			ExpectedVersion: &expected,
		}},
	}
	result, err := tenant.ApplyTransaction(ctx, update, proto.WalPosition{Offset: 1})
	require.NoError(t, err)
	require.Empty(t, result.Conflicts)

	node, err := tenant.GetNode(ctx, "n1", nil, false)
	require.NoError(t, err)
	require.Equal(t, "Alice2", node.Payload["name"])
	require.Equal(t, "a@x", node.Payload["email"])
	require.EqualValues(t, 2, node.Version)

	// A second update against the stale version conflicts without writing.
	stale := &proto.Event{
		EventID: "ev-k3", TenantID: "t1", Actor: "user:alice", IdempotencyKey: "k3",
		CreatedAtMs: 1730000002000,
		Operations: []proto.Operation{{
			Op: proto.OpUpdateNode, NodeID: "n1",
			Patch:           map[string]interface{}{"name": "Alice3"},
			ExpectedVersion: &expected,
		}},
	}
	result, err = tenant.ApplyTransaction(ctx, stale, proto.WalPosition{Offset: 2})
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)
	require.EqualValues(t, 2, result.Conflicts[0].ObservedVersion)

	node, err = tenant.GetNode(ctx, "n1", nil, false)
	require.NoError(t, err)
	require.Equal(t, "Alice2", node.Payload["name"])
	require.EqualValues(t, 2, node.Version)
}

func TestApplyDeleteCascadesACL(t *testing.T) {
	ctx := context.Background()
	_, tenant := testTenant(t)

	_, err := tenant.ApplyTransaction(ctx, createUserEvent("k1", "n1"), proto.WalPosition{Offset: 0})
	require.NoError(t, err)

	del := &proto.Event{
		EventID: "ev-k2", TenantID: "t1", Actor: "user:alice", IdempotencyKey: "k2",
		CreatedAtMs: 1730000001000,
		Operations:  []proto.Operation{{Op: proto.OpDeleteNode, NodeID: "n1"}},
	}
	_, err = tenant.ApplyTransaction(ctx, del, proto.WalPosition{Offset: 1})
	require.NoError(t, err)

	_, err = tenant.GetNode(ctx, "n1", nil, false)
	require.Error(t, err)

	node, err := tenant.GetNode(ctx, "n1", nil, true)
	require.NoError(t, err)
	require.True(t, node.Deleted)
	require.EqualValues(t, 2, node.Version)
	require.Empty(t, node.ACL)
}

func TestApplyEdges(t *testing.T) {
	ctx := context.Background()
	_, tenant := testTenant(t)

	event := &proto.Event{
		EventID: "ev-k1", TenantID: "t1", Actor: "user:alice", IdempotencyKey: "k1",
		CreatedAtMs: 1730000000000,
		Operations: []proto.Operation{
			{Op: proto.OpCreateNode, TypeID: 1, NodeID: "u1",
				Payload: map[string]interface{}{"email": "a@x"}},
			{Op: proto.OpCreateNode, TypeID: 2, NodeID: "task1",
				Payload: map[string]interface{}{"title": "T1"}},
			{Op: proto.OpCreateEdge, EdgeTypeID: 100, From: "task1", To: "u1",
				Props: map[string]interface{}{"role": "assignee"}},
		},
	}
	_, err := tenant.ApplyTransaction(ctx, event, proto.WalPosition{Offset: 0})
	require.NoError(t, err)

	edgesIn, err := tenant.EdgesIn(ctx, "u1", nil)
	require.NoError(t, err)
	require.Len(t, edgesIn, 1)
	require.Equal(t, "task1", edgesIn[0].FromID)
	require.Equal(t, "assignee", edgesIn[0].Props["role"])

	edgesOut, err := tenant.EdgesOut(ctx, "task1", nil)
	require.NoError(t, err)
	require.Len(t, edgesOut, 1)

	// Duplicate create is a no-op; delete of a missing edge is a no-op.
	dup := &proto.Event{
		EventID: "ev-k2", TenantID: "t1", Actor: "user:alice", IdempotencyKey: "k2",
		CreatedAtMs: 1730000001000,
		Operations: []proto.Operation{
			{Op: proto.OpCreateEdge, EdgeTypeID: 100, From: "task1", To: "u1"},
			{Op: proto.OpDeleteEdge, EdgeTypeID: 100, From: "ghost", To: "u1"},
		},
	}
	_, err = tenant.ApplyTransaction(ctx, dup, proto.WalPosition{Offset: 1})
	require.NoError(t, err)
	edgesIn, err = tenant.EdgesIn(ctx, "u1", nil)
	require.NoError(t, err)
	require.Len(t, edgesIn, 1)

	// Wrong endpoint type never applies.
	bad := &proto.Event{
		EventID: "ev-k3", TenantID: "t1", Actor: "user:alice", IdempotencyKey: "k3",
		CreatedAtMs: 1730000002000,
		Operations: []proto.Operation{
			{Op: proto.OpCreateEdge, EdgeTypeID: 100, From: "u1", To: "task1"},
		},
	}
	_, err = tenant.ApplyTransaction(ctx, bad, proto.WalPosition{Offset: 2})
	require.Error(t, err)
	invariant := &InvariantError{}
	require.ErrorAs(t, err, &invariant)
}

func TestApplyValidationFailureIsInvariant(t *testing.T) {
	ctx := context.Background()
	_, tenant := testTenant(t)

	event := &proto.Event{
		EventID: "ev-k1", TenantID: "t1", Actor: "user:alice", IdempotencyKey: "k1",
		CreatedAtMs: 1730000000000,
		Operations: []proto.Operation{{
			Op: proto.OpCreateNode, TypeID: 1, NodeID: "n1",
			Payload: map[string]interface{}{"emial": "a@x"},
		}},
	}
	_, err := tenant.ApplyTransaction(ctx, event, proto.WalPosition{Offset: 0})
	require.Error(t, err)
	invariant := &InvariantError{}
	require.ErrorAs(t, err, &invariant)

	// Nothing committed, not even the idempotency row.
	applied, err := tenant.AppliedEvent(ctx, "k1")
	require.NoError(t, err)
	require.Nil(t, applied)
}

func TestVisibility(t *testing.T) {
	ctx := context.Background()
	_, tenant := testTenant(t)

	event := createUserEvent("k1", "n1")
	event.Operations[0].Principals = []string{"user:bob"}
	_, err := tenant.ApplyTransaction(ctx, event, proto.WalPosition{Offset: 0})
	require.NoError(t, err)

	// Owner always sees the node.
	_, err = tenant.GetNode(ctx, "n1", &Viewer{Actor: "user:alice"}, false)
	require.NoError(t, err)

	// Listed principal sees it.
	_, err = tenant.GetNode(ctx, "n1", &Viewer{Actor: "user:bob", Principals: []string{"user:bob"}}, false)
	require.NoError(t, err)

	// A stranger does not.
	_, err = tenant.GetNode(ctx, "n1", &Viewer{Actor: "user:carol", Principals: []string{"user:carol"}}, false)
	require.Error(t, err)

	// set_visibility replaces the ACL.
	vis := &proto.Event{
		EventID: "ev-k2", TenantID: "t1", Actor: "user:alice", IdempotencyKey: "k2",
		CreatedAtMs: 1730000001000,
		Operations: []proto.Operation{{
			Op: proto.OpSetVisibility, NodeID: "n1", Principals: []string{proto.PrincipalTenantWildcard},
		}},
	}
	_, err = tenant.ApplyTransaction(ctx, vis, proto.WalPosition{Offset: 1})
	require.NoError(t, err)

	_, err = tenant.GetNode(ctx, "n1", &Viewer{Actor: "user:carol", Principals: []string{"user:carol"}}, false)
	require.NoError(t, err)
}

func TestQueryNodes(t *testing.T) {
	ctx := context.Background()
	_, tenant := testTenant(t)

	for i, title := range []string{"T1", "T2", "T3"} {
		event := &proto.Event{
			EventID: "ev-" + title, TenantID: "t1", Actor: "user:alice", IdempotencyKey: "k-" + title,
			CreatedAtMs: int64(1730000000000 + i),
			Operations: []proto.Operation{{
				Op: proto.OpCreateNode, TypeID: 2, NodeID: "task-" + title,
				Payload: map[string]interface{}{"title": title, "status": "todo"},
			}},
		}
		_, err := tenant.ApplyTransaction(ctx, event, proto.WalPosition{Offset: int64(i)})
		require.NoError(t, err)
	}

	nodes, err := tenant.QueryNodes(ctx, 2, nil, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	nodes, err = tenant.QueryNodes(ctx, 2, map[string]interface{}{"title": "T2"}, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "task-T2", nodes[0].ID)

	nodes, err = tenant.QueryNodes(ctx, 2, nil, nil, 2, 1)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
}

func TestBackupProducesConsistentCopy(t *testing.T) {
	ctx := context.Background()
	_, tenant := testTenant(t)

	_, err := tenant.ApplyTransaction(ctx, createUserEvent("k1", "n1"), proto.WalPosition{Offset: 0})
	require.NoError(t, err)

	dest := t.TempDir()
	files, err := tenant.Backup(ctx, dest)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"canonical.db", "mailbox.db"}, files)
}
