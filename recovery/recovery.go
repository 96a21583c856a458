// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package recovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/elloloop/entdb/archiver"
	apierrors "github.com/elloloop/entdb/errors"
	"github.com/elloloop/entdb/objstore"
	"github.com/elloloop/entdb/proto"
	"github.com/elloloop/entdb/schema"
	"github.com/elloloop/entdb/snapshotter"
	"github.com/elloloop/entdb/store"
	"github.com/elloloop/entdb/wal"
)

type Config struct {
	ArchivePrefix  string `json:"archive_prefix"`
	SnapshotPrefix string `json:"snapshot_prefix"`
}

// Result reports what a restore did.
type Result struct {
	TenantID         string
	SnapshotPosition *proto.WalPosition
	FinalPosition    proto.WalPosition
	EventsReplayed   int
}

// Restorer rebuilds a tenant from (snapshot, archive, live WAL).
type Restorer struct {
	cfg      Config
	registry *schema.Registry
	stores   *store.Store
	stream   wal.Stream
	backend  objstore.Backend
}

func New(cfg *Config, registry *schema.Registry, stores *store.Store, stream wal.Stream, backend objstore.Backend) *Restorer {
	return &Restorer{
		cfg:      *cfg,
		registry: registry,
		stores:   stores,
		stream:   stream,
		backend:  backend,
	}
}

// RestoreTenant rebuilds a tenant into a fresh store directory: restore the
// latest snapshot at or before target, replay the archive, then drain the
// live WAL. A nil target recovers to the stream head.
func (r *Restorer) RestoreTenant(ctx context.Context, tenantID string, target *proto.WalPosition) (*Result, error) {
	result := &Result{TenantID: tenantID}

	manifest, err := snapshotter.LatestManifestAtOrBefore(ctx, r.backend, r.cfg.SnapshotPrefix, tenantID, target)
	if err != nil && !errors.Is(err, apierrors.ErrSnapshotNotFound) {
		return nil, err
	}

	r.stores.Drop(tenantID)
	tenantDir := filepath.Join(r.stores.DataDir(), tenantID)
	if err = os.RemoveAll(tenantDir); err != nil {
		return nil, err
	}

	if manifest != nil {
		if err = r.verifyFingerprint(manifest); err != nil {
			return nil, err
		}
		if err = r.restoreSnapshot(ctx, tenantID, tenantDir, manifest); err != nil {
			return nil, err
		}
		pos, posErr := manifest.Position()
		if posErr != nil {
			return nil, posErr
		}
		result.SnapshotPosition = &pos
	}

	tenant, err := r.stores.Tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	applied, hasApplied, err := tenant.Checkpoint(ctx)
	if err != nil {
		return nil, err
	}
	if manifest != nil && !hasApplied {
		return nil, fmt.Errorf("restored snapshot of %s has no applied position", tenantID)
	}

	replayed, applied, err := r.replayArchive(ctx, tenant, applied, hasApplied, target)
	if err != nil {
		return nil, err
	}
	result.EventsReplayed += replayed

	replayed, applied, err = r.drainLive(ctx, tenant, applied, target)
	if err != nil {
		return nil, err
	}
	result.EventsReplayed += replayed
	result.FinalPosition = applied

	log.Infof("restored tenant %s to %s, %d events replayed",
		tenantID, applied.String(), result.EventsReplayed)
	return result, nil
}

// verifyFingerprint refuses to mount a snapshot taken under an incompatible
// schema.
func (r *Restorer) verifyFingerprint(manifest *snapshotter.Manifest) error {
	if manifest.SchemaFingerprint == "" || manifest.SchemaFingerprint == r.registry.Fingerprint() {
		return nil
	}
	return apierrors.ErrFingerprintMismatch
}

func (r *Restorer) restoreSnapshot(ctx context.Context, tenantID, tenantDir string, manifest *snapshotter.Manifest) error {
	if err := os.MkdirAll(tenantDir, 0o755); err != nil {
		return err
	}
	pos, err := manifest.Position()
	if err != nil {
		return err
	}
	base := path.Join(prefixOrDefault(r.cfg.SnapshotPrefix, "snapshots"), tenantID, fmt.Sprintf("%020d", pos.Offset))
	for _, name := range manifest.FileList {
		body, getErr := r.backend.GetObject(ctx, path.Join(base, name))
		if getErr != nil {
			return getErr
		}
		data, readErr := io.ReadAll(body)
		body.Close()
		if readErr != nil {
			return readErr
		}
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != manifest.Checksums[name] {
			return fmt.Errorf("snapshot file %s checksum mismatch", name)
		}
		if err = os.WriteFile(filepath.Join(tenantDir, name), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// replayArchive drives archived events through the store while the archive
// still holds records past the applied position. Records at or below the
// applied position are duplicates from at-least-once archiving and skip.
func (r *Restorer) replayArchive(ctx context.Context, tenant *store.TenantStore, applied proto.WalPosition, hasApplied bool, target *proto.WalPosition) (int, proto.WalPosition, error) {
	partition := wal.PartitionFor(tenant.TenantID(), r.stream.Partitions())
	segments, err := archiver.ListSegments(ctx, r.backend, r.cfg.ArchivePrefix, partition)
	if err != nil {
		return 0, applied, err
	}
	replayed := 0
	for _, key := range segments {
		lines, readErr := archiver.ReadSegment(ctx, r.backend, key)
		if readErr != nil {
			return replayed, applied, readErr
		}
		for _, line := range lines {
			if line.TenantID != tenant.TenantID() {
				continue
			}
			pos, posErr := proto.ParseWalPosition(line.WalPosition)
			if posErr != nil {
				return replayed, applied, posErr
			}
			if hasApplied && pos.Offset <= applied.Offset {
				continue
			}
			if target != nil && pos.Offset > target.Offset {
				return replayed, applied, nil
			}
			if _, applyErr := tenant.ApplyTransaction(ctx, line.Event, pos); applyErr != nil {
				invariant := &store.InvariantError{}
				if errors.As(applyErr, &invariant) {
					log.Warnf("replay skipped invariant violation at %s: %v", pos.String(), applyErr)
					if err = tenant.SetCheckpoint(ctx, pos); err != nil {
						return replayed, applied, err
					}
				} else {
					return replayed, applied, applyErr
				}
			}
			applied = pos
			hasApplied = true
			replayed++
		}
	}
	return replayed, applied, nil
}

// drainLive consumes the live WAL from the applied position up to the head
// (or target) observed at call time.
func (r *Restorer) drainLive(ctx context.Context, tenant *store.TenantStore, applied proto.WalPosition, target *proto.WalPosition) (int, proto.WalPosition, error) {
	partition := wal.PartitionFor(tenant.TenantID(), r.stream.Partitions())
	head, err := r.stream.LatestPosition(ctx, partition)
	if err != nil {
		return 0, applied, err
	}
	stop := head.Offset - 1
	if target != nil && target.Offset < stop {
		stop = target.Offset
	}
	if stop < 0 || (applied != (proto.WalPosition{}) && applied.Offset >= stop) {
		return 0, applied, nil
	}

	from := wal.FromEarliest()
	if applied != (proto.WalPosition{}) || applied.Offset > 0 {
		from = wal.FromPosition(proto.WalPosition{Partition: partition, Offset: applied.Offset + 1})
	}
	consumer, err := r.stream.OpenConsumer(ctx, partition, from)
	if err != nil {
		return 0, applied, err
	}
	defer consumer.Close()

	replayed := 0
	for {
		nextCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		record, nextErr := consumer.Next(nextCtx)
		cancel()
		if nextErr != nil {
			return replayed, applied, nil
		}
		if record.Position.Offset > stop {
			return replayed, applied, nil
		}
		if record.Key == tenant.TenantID() {
			event, decodeErr := proto.DecodeEvent(record.Value)
			if decodeErr != nil {
				log.Warnf("drain skipped undecodable record at %s: %v", record.Position.String(), decodeErr)
			} else if _, applyErr := tenant.ApplyTransaction(ctx, event, record.Position); applyErr != nil {
				invariant := &store.InvariantError{}
				if errors.As(applyErr, &invariant) {
					log.Warnf("drain skipped invariant violation at %s: %v", record.Position.String(), applyErr)
					if err = tenant.SetCheckpoint(ctx, record.Position); err != nil {
						return replayed, applied, err
					}
				} else {
					return replayed, applied, applyErr
				}
			} else {
				replayed++
			}
			applied = record.Position
		}
		if record.Position.Offset >= stop {
			return replayed, applied, nil
		}
	}
}

func prefixOrDefault(prefix, fallback string) string {
	if prefix == "" {
		return fallback
	}
	return prefix
}
