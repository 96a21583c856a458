package archiver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elloloop/entdb/objstore"
	"github.com/elloloop/entdb/proto"
	"github.com/elloloop/entdb/wal"
)

func testBackend(t *testing.T) objstore.Backend {
	backend, err := objstore.New(context.Background(), &objstore.Config{
		Backend:    objstore.BackendFilesystem,
		Filesystem: objstore.FilesystemConfig{Root: t.TempDir()},
	})
	require.NoError(t, err)
	return backend
}

func appendEvents(t *testing.T, stream *wal.MemoryStream, tenant string, n int) []proto.WalPosition {
	var positions []proto.WalPosition
	for i := 0; i < n; i++ {
		event := &proto.Event{
			EventID:        tenant + "-ev-" + hex.EncodeToString([]byte{byte(i)}),
			TenantID:       tenant,
			Actor:          "user:alice",
			IdempotencyKey: tenant + "-k-" + hex.EncodeToString([]byte{byte(i)}),
			CreatedAtMs:    1730000000000 + int64(i),
			Operations: []proto.Operation{{
				Op: proto.OpCreateNode, TypeID: 1, NodeID: tenant + "-n" + hex.EncodeToString([]byte{byte(i)}),
				Payload: map[string]interface{}{"email": "a@x"},
			}},
		}
		data, err := proto.EncodeEvent(event)
		require.NoError(t, err)
		pos, err := stream.Append(context.Background(), tenant, data)
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	return positions
}

func TestArchiverWritesVerifiableSegments(t *testing.T) {
	ctx := context.Background()
	stream := wal.NewMemoryStream(1, 1<<20)
	defer stream.Close()
	backend := testBackend(t)

	positions := appendEvents(t, stream, "t1", 20)

	// A one-second window forces a quick flush.
	arch := New(&Config{SegmentSeconds: 1}, stream, backend)
	arch.Start(ctx)

	var segments []string
	require.Eventually(t, func() bool {
		var err error
		segments, err = ListSegments(ctx, backend, "", 0)
		return err == nil && len(segments) > 0
	}, 10*time.Second, 100*time.Millisecond)
	arch.Close()

	segments, err := ListSegments(ctx, backend, "", 0)
	require.NoError(t, err)

	var lines []Line
	for _, key := range segments {
		segmentLines, readErr := ReadSegment(ctx, backend, key)
		require.NoError(t, readErr)
		lines = append(lines, segmentLines...)
	}
	require.Len(t, lines, len(positions))
	for i, line := range lines {
		require.Equal(t, positions[i].String(), line.WalPosition)
		require.Equal(t, "t1", line.TenantID)
		require.NotNil(t, line.Event)
	}
}

func TestArchiverResumesFromCommittedPosition(t *testing.T) {
	ctx := context.Background()
	stream := wal.NewMemoryStream(1, 1<<20)
	defer stream.Close()
	backend := testBackend(t)

	appendEvents(t, stream, "t1", 5)

	arch := New(&Config{SegmentSeconds: 1}, stream, backend)
	arch.Start(ctx)
	require.Eventually(t, func() bool {
		segments, err := ListSegments(ctx, backend, "", 0)
		return err == nil && len(segments) > 0
	}, 10*time.Second, 100*time.Millisecond)
	arch.Close()

	// More records arrive while the archiver is down.
	appendEvents(t, stream, "t1", 3)

	second := New(&Config{SegmentSeconds: 1}, stream, backend)
	second.Start(ctx)
	require.Eventually(t, func() bool {
		segments, err := ListSegments(ctx, backend, "", 0)
		if err != nil {
			return false
		}
		total := 0
		for _, key := range segments {
			lines, readErr := ReadSegment(ctx, backend, key)
			if readErr != nil {
				return false
			}
			total += len(lines)
		}
		return total == 8
	}, 10*time.Second, 100*time.Millisecond)
	second.Close()

	// No record archived twice.
	segments, err := ListSegments(ctx, backend, "", 0)
	require.NoError(t, err)
	seen := make(map[string]bool)
	for _, key := range segments {
		lines, readErr := ReadSegment(ctx, backend, key)
		require.NoError(t, readErr)
		for _, line := range lines {
			require.False(t, seen[line.WalPosition], "duplicate %s", line.WalPosition)
			seen[line.WalPosition] = true
		}
	}
	require.Len(t, seen, 8)
}

func TestReadSegmentDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	stream := wal.NewMemoryStream(1, 1<<20)
	defer stream.Close()
	backend := testBackend(t)

	appendEvents(t, stream, "t1", 3)
	arch := New(&Config{SegmentSeconds: 1}, stream, backend)
	arch.Start(ctx)
	var segments []string
	require.Eventually(t, func() bool {
		var err error
		segments, err = ListSegments(ctx, backend, "", 0)
		return err == nil && len(segments) > 0
	}, 10*time.Second, 100*time.Millisecond)
	arch.Close()

	// Overwrite the checksum sibling with garbage.
	sum := sha256.Sum256([]byte("garbage"))
	bad := hex.EncodeToString(sum[:])
	require.NoError(t, backend.PutObject(ctx, segments[0]+".checksum",
		readerOf(bad), int64(len(bad))))

	_, err := ReadSegment(ctx, backend, segments[0])
	require.Error(t, err)
	require.Contains(t, err.Error(), "checksum mismatch")
}

func readerOf(s string) io.Reader {
	return strings.NewReader(s)
}
