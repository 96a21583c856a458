package snapshotter

import (
	"context"
	"path"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elloloop/entdb/objstore"
	"github.com/elloloop/entdb/proto"
	"github.com/elloloop/entdb/schema"
	"github.com/elloloop/entdb/store"
)

func testRegistry(t *testing.T) *schema.Registry {
	registry := schema.NewRegistry()
	require.NoError(t, registry.Register(schema.NodeType{
		TypeID: 1,
		Name:   "User",
		Fields: []schema.FieldDef{
			{FieldID: 1, Name: "email", Kind: schema.KindString, Required: true},
		},
	}))
	registry.Freeze()
	return registry
}

func seedTenant(t *testing.T, stores *store.Store, tenantID string, events int) proto.WalPosition {
	ctx := context.Background()
	tenant, err := stores.Tenant(ctx, tenantID)
	require.NoError(t, err)
	var pos proto.WalPosition
	for i := 0; i < events; i++ {
		pos = proto.WalPosition{Partition: 0, Offset: int64(i)}
		event := &proto.Event{
			EventID:           "ev-" + tenantID + string(rune('a'+i)),
			TenantID:          tenantID,
			Actor:             "user:alice",
			IdempotencyKey:    "k" + string(rune('a'+i)),
			SchemaFingerprint: stores.Registry().Fingerprint(),
			CreatedAtMs:       1730000000000 + int64(i),
			Operations: []proto.Operation{{
				Op: proto.OpCreateNode, TypeID: 1, NodeID: tenantID + "-n" + string(rune('a'+i)),
				Payload: map[string]interface{}{"email": "a@x"},
			}},
		}
		_, err = tenant.ApplyTransaction(ctx, event, pos)
		require.NoError(t, err)
	}
	return pos
}

func testWorld(t *testing.T) (*store.Store, objstore.Backend, *Snapshotter) {
	ctx := context.Background()
	stores, err := store.NewStore(ctx, &store.Config{DataDir: filepath.Join(t.TempDir(), "stores")}, testRegistry(t))
	require.NoError(t, err)
	t.Cleanup(stores.Close)
	backend, err := objstore.New(ctx, &objstore.Config{
		Backend:    objstore.BackendFilesystem,
		Filesystem: objstore.FilesystemConfig{Root: t.TempDir()},
	})
	require.NoError(t, err)
	return stores, backend, New(&Config{}, stores, backend)
}

func TestSnapshotTenantWritesManifestLast(t *testing.T) {
	ctx := context.Background()
	stores, backend, snap := testWorld(t)

	pos := seedTenant(t, stores, "t1", 3)
	manifest, err := snap.SnapshotTenant(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, pos.String(), manifest.WalPosition)
	require.ElementsMatch(t, []string{"canonical.db", "mailbox.db"}, manifest.FileList)
	require.Len(t, manifest.Checksums, 2)
	require.Equal(t, stores.Registry().Fingerprint(), manifest.SchemaFingerprint)

	// Every listed file and the manifest exist under the snapshot key.
	base := path.Join("snapshots", "t1")
	keys, err := backend.List(ctx, base+"/")
	require.NoError(t, err)
	require.Len(t, keys, 3)

	manifests, err := ListManifests(ctx, backend, "", "t1")
	require.NoError(t, err)
	require.Len(t, manifests, 1)
}

func TestSnapshotSkipsWhenUnchanged(t *testing.T) {
	ctx := context.Background()
	stores, _, snap := testWorld(t)

	seedTenant(t, stores, "t1", 2)
	_, err := snap.SnapshotTenant(ctx, "t1")
	require.NoError(t, err)

	_, err = snap.SnapshotTenant(ctx, "t1")
	require.ErrorIs(t, err, errUnchanged)
}

func TestLatestManifestAtOrBefore(t *testing.T) {
	ctx := context.Background()
	stores, backend, snap := testWorld(t)

	seedTenant(t, stores, "t1", 2)
	first, err := snap.SnapshotTenant(ctx, "t1")
	require.NoError(t, err)

	seedTenant(t, stores, "t1", 6)
	second, err := snap.SnapshotTenant(ctx, "t1")
	require.NoError(t, err)
	require.NotEqual(t, first.WalPosition, second.WalPosition)

	latest, err := LatestManifestAtOrBefore(ctx, backend, "", "t1", nil)
	require.NoError(t, err)
	require.Equal(t, second.WalPosition, latest.WalPosition)

	target := proto.WalPosition{Partition: 0, Offset: 3}
	bounded, err := LatestManifestAtOrBefore(ctx, backend, "", "t1", &target)
	require.NoError(t, err)
	require.Equal(t, first.WalPosition, bounded.WalPosition)

	_, err = LatestManifestAtOrBefore(ctx, backend, "", "missing", nil)
	require.Error(t, err)
}
