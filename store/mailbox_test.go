package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elloloop/entdb/proto"
)

func taskEvent(key, nodeID, title string, recipients []string) *proto.Event {
	return &proto.Event{
		EventID:        "ev-" + key,
		TenantID:       "t1",
		Actor:          "user:alice",
		IdempotencyKey: key,
		CreatedAtMs:    1730000000000,
		Operations: []proto.Operation{{
			Op:         proto.OpCreateNode,
			TypeID:     2,
			NodeID:     nodeID,
			Payload:    map[string]interface{}{"title": title},
			Recipients: recipients,
		}},
	}
}

func TestMailboxFanout(t *testing.T) {
	ctx := context.Background()
	_, tenant := testTenant(t)

	event := taskEvent("k1", "task1", "Quarterly report", []string{"user:bob", "user:carol"})
	_, err := tenant.ApplyTransaction(ctx, event, proto.WalPosition{Offset: 0})
	require.NoError(t, err)

	items, err := tenant.Mailbox(ctx, "user:bob", 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "task1", items[0].SourceNodeID)
	require.Equal(t, "task1", items[0].RefID)
	require.Equal(t, "Quarterly report", items[0].Snippet)
	require.Equal(t, false, items[0].State["read"])

	items, err = tenant.Mailbox(ctx, "user:carol", 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)

	// Replaying the event never duplicates items: the applied_events hit
	// returns before fanout runs.
	_, err = tenant.ApplyTransaction(ctx, event, proto.WalPosition{Offset: 3})
	require.NoError(t, err)
	items, err = tenant.Mailbox(ctx, "user:bob", 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestMailboxFanoutFromPrincipals(t *testing.T) {
	ctx := context.Background()
	_, tenant := testTenant(t)

	event := taskEvent("k1", "task1", "Review budget", nil)
	event.Operations[0].Principals = []string{"user:dave", "role:admin"}
	_, err := tenant.ApplyTransaction(ctx, event, proto.WalPosition{Offset: 0})
	require.NoError(t, err)

	// user: principals receive items, role: principals do not.
	items, err := tenant.Mailbox(ctx, "user:dave", 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)

	items, err = tenant.Mailbox(ctx, "role:admin", 10, 0)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestMailboxSearch(t *testing.T) {
	ctx := context.Background()
	_, tenant := testTenant(t)

	titles := map[string]string{
		"task1": "Quarterly budget review",
		"task2": "Deploy the new service",
		"task3": "Budget approval meeting",
	}
	offset := int64(0)
	for nodeID, title := range titles {
		event := taskEvent("k-"+nodeID, nodeID, title, []string{"user:bob"})
		_, err := tenant.ApplyTransaction(ctx, event, proto.WalPosition{Offset: offset})
		require.NoError(t, err)
		offset++
	}

	items, err := tenant.Search(ctx, "user:bob", "budget", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)

	items, err = tenant.Search(ctx, "user:bob", "deploy", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "task2", items[0].SourceNodeID)

	// Another user's mailbox does not leak into results.
	items, err = tenant.Search(ctx, "user:carol", "budget", 10)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestMailboxMarkRead(t *testing.T) {
	ctx := context.Background()
	_, tenant := testTenant(t)

	event := taskEvent("k1", "task1", "Ping", []string{"user:bob"})
	_, err := tenant.ApplyTransaction(ctx, event, proto.WalPosition{Offset: 0})
	require.NoError(t, err)

	items, err := tenant.Mailbox(ctx, "user:bob", 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, tenant.MarkRead(ctx, "user:bob", items[0].ItemID, true))
	items, err = tenant.Mailbox(ctx, "user:bob", 10, 0)
	require.NoError(t, err)
	require.Equal(t, true, items[0].State["read"])

	require.Error(t, tenant.MarkRead(ctx, "user:bob", "missing", true))
}

func TestMailboxItemIDDeterministic(t *testing.T) {
	first := mailboxItemID("ev-1", 0, "user:bob")
	require.Equal(t, first, mailboxItemID("ev-1", 0, "user:bob"))
	require.NotEqual(t, first, mailboxItemID("ev-1", 1, "user:bob"))
	require.NotEqual(t, first, mailboxItemID("ev-1", 0, "user:carol"))
	require.NotEqual(t, first, mailboxItemID("ev-2", 0, "user:bob"))
}
