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

package snapshotter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"golang.org/x/sync/errgroup"

	apierrors "github.com/elloloop/entdb/errors"
	"github.com/elloloop/entdb/metrics"
	"github.com/elloloop/entdb/objstore"
	"github.com/elloloop/entdb/proto"
	"github.com/elloloop/entdb/store"
	"github.com/elloloop/entdb/util/limiter"
)

const (
	defaultIntervalHours = 6
	defaultRetentionDays = 30
	defaultObjectPrefix  = "snapshots"
	defaultConcurrency   = 2

	ManifestName = "manifest.json"
)

type Config struct {
	IntervalHours int    `json:"interval_hours"`
	RetentionDays int    `json:"retention_days"`
	ObjectPrefix  string `json:"object_prefix"`
	Concurrency   int    `json:"concurrency"`
	UploadMBPS    int    `json:"upload_mbps"`
}

// Manifest names a snapshot. It is written last: readers treat a directory
// without a manifest as no snapshot at all.
type Manifest struct {
	TenantID          string            `json:"tenant_id"`
	WalPosition       string            `json:"wal_position"`
	SchemaFingerprint string            `json:"schema_fingerprint"`
	CreatedAt         string            `json:"created_at"`
	FileList          []string          `json:"file_list"`
	Checksums         map[string]string `json:"checksums"`
}

func (m *Manifest) Position() (proto.WalPosition, error) {
	return proto.ParseWalPosition(m.WalPosition)
}

// Snapshotter periodically backs up every tenant's store pair to object
// storage, gated by a global concurrency limit. Failures never block writes.
type Snapshotter struct {
	cfg     Config
	stores  *store.Store
	backend objstore.Backend
	limiter limiter.Limiter

	mu      sync.Mutex
	lastErr error
	lastPos map[string]string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg *Config, stores *store.Store, backend objstore.Backend) *Snapshotter {
	if cfg.IntervalHours <= 0 {
		cfg.IntervalHours = defaultIntervalHours
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	if cfg.ObjectPrefix == "" {
		cfg.ObjectPrefix = defaultObjectPrefix
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Snapshotter{
		cfg:     *cfg,
		stores:  stores,
		backend: backend,
		limiter: limiter.New(&limiter.Config{WriteMBPS: cfg.UploadMBPS}),
		lastPos: make(map[string]string),
	}
}

func (s *Snapshotter) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Duration(s.cfg.IntervalHours) * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.cycle(runCtx)
			case <-runCtx.Done():
				return
			}
		}
	}()
	log.Infof("snapshotter started, interval %dh", s.cfg.IntervalHours)
}

func (s *Snapshotter) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Snapshotter) Healthy() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr == nil, s.lastErr
}

// cycle snapshots every tenant whose applied position moved, a bounded
// number at a time.
func (s *Snapshotter) cycle(ctx context.Context) {
	tenants, err := s.stores.Tenants()
	if err != nil {
		s.recordErr(err)
		return
	}
	group := &errgroup.Group{}
	group.SetLimit(s.cfg.Concurrency)
	for _, tenantID := range tenants {
		tenantID := tenantID
		group.Go(func() error {
			if _, snapErr := s.SnapshotTenant(ctx, tenantID); snapErr != nil &&
				snapErr != errUnchanged {
				s.recordErr(snapErr)
				metrics.SnapshotFailures.Inc()
				log.Errorf("snapshot tenant %s: %v", tenantID, snapErr)
			}
			return nil
		})
	}
	group.Wait()
	s.prune(ctx, tenants)
}

var errUnchanged = fmt.Errorf("applied position unchanged since last snapshot")

// SnapshotTenant takes one consistent snapshot: read the applied position,
// back up both databases, upload files, manifest last.
func (s *Snapshotter) SnapshotTenant(ctx context.Context, tenantID string) (*Manifest, error) {
	started := time.Now()
	tenant, err := s.stores.Tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	pos, has, err := tenant.Checkpoint(ctx)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, errUnchanged
	}
	s.mu.Lock()
	unchanged := s.lastPos[tenantID] == pos.String()
	s.mu.Unlock()
	if unchanged {
		return nil, errUnchanged
	}
	fingerprint, err := tenant.SchemaFingerprint(ctx)
	if err != nil {
		return nil, err
	}

	backupDir, err := os.MkdirTemp("", "entdb-snapshot-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(backupDir)

	files, err := tenant.Backup(ctx, backupDir)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{
		TenantID:          tenantID,
		WalPosition:       pos.String(),
		SchemaFingerprint: fingerprint,
		CreatedAt:         started.UTC().Format(time.RFC3339),
		FileList:          files,
		Checksums:         make(map[string]string, len(files)),
	}
	base := s.snapshotKey(tenantID, pos)
	for _, name := range files {
		data, readErr := os.ReadFile(filepath.Join(backupDir, name))
		if readErr != nil {
			return nil, readErr
		}
		sum := sha256.Sum256(data)
		manifest.Checksums[name] = hex.EncodeToString(sum[:])
		if err = s.putLimited(ctx, path.Join(base, name), data); err != nil {
			return nil, err
		}
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, err
	}
	if err = s.putLimited(ctx, path.Join(base, ManifestName), manifestJSON); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastPos[tenantID] = pos.String()
	s.lastErr = nil
	s.mu.Unlock()
	metrics.SnapshotDuration.Observe(time.Since(started).Seconds())
	log.Infof("snapshot of %s at %s: %d files", tenantID, pos.String(), len(files))
	return manifest, nil
}

func (s *Snapshotter) putLimited(ctx context.Context, key string, data []byte) error {
	if err := s.limiter.AcquireWrite(); err != nil {
		return err
	}
	defer s.limiter.ReleaseWrite()
	reader := s.limiter.Reader(ctx, bytes.NewReader(data))
	return s.backend.PutObject(ctx, key, reader, int64(len(data)))
}

func (s *Snapshotter) snapshotKey(tenantID string, pos proto.WalPosition) string {
	return path.Join(s.cfg.ObjectPrefix, tenantID, fmt.Sprintf("%020d", pos.Offset))
}

func (s *Snapshotter) recordErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// prune removes snapshots older than the retention window, always keeping
// the newest per tenant.
func (s *Snapshotter) prune(ctx context.Context, tenants []string) {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
	for _, tenantID := range tenants {
		manifests, err := ListManifests(ctx, s.backend, s.cfg.ObjectPrefix, tenantID)
		if err != nil || len(manifests) <= 1 {
			continue
		}
		for _, manifest := range manifests[:len(manifests)-1] {
			created, parseErr := time.Parse(time.RFC3339, manifest.CreatedAt)
			if parseErr != nil || created.After(cutoff) {
				continue
			}
			pos, posErr := manifest.Position()
			if posErr != nil {
				continue
			}
			base := s.snapshotKey(tenantID, pos)
			for _, name := range append([]string{ManifestName}, manifest.FileList...) {
				if delErr := s.backend.Delete(ctx, path.Join(base, name)); delErr != nil {
					log.Warnf("prune %s: %v", path.Join(base, name), delErr)
				}
			}
		}
	}
}

// ListManifests returns a tenant's snapshot manifests ordered by position
// ascending. Directories without a manifest are invisible.
func ListManifests(ctx context.Context, backend objstore.Backend, objectPrefix, tenantID string) ([]*Manifest, error) {
	if objectPrefix == "" {
		objectPrefix = defaultObjectPrefix
	}
	keys, err := backend.List(ctx, path.Join(objectPrefix, tenantID)+"/")
	if err != nil {
		return nil, err
	}
	var manifests []*Manifest
	for _, key := range keys {
		if !strings.HasSuffix(key, "/"+ManifestName) {
			continue
		}
		body, getErr := backend.GetObject(ctx, key)
		if getErr != nil {
			return nil, getErr
		}
		data, readErr := io.ReadAll(body)
		body.Close()
		if readErr != nil {
			return nil, readErr
		}
		manifest := &Manifest{}
		if err = json.Unmarshal(data, manifest); err != nil {
			return nil, err
		}
		manifests = append(manifests, manifest)
	}
	sort.Slice(manifests, func(i, j int) bool {
		iPos, iErr := manifests[i].Position()
		jPos, jErr := manifests[j].Position()
		if iErr != nil || jErr != nil {
			return manifests[i].WalPosition < manifests[j].WalPosition
		}
		return iPos.Offset < jPos.Offset
	})
	return manifests, nil
}

// LatestManifestAtOrBefore picks the newest manifest whose position does not
// exceed target. A nil target means the newest overall.
func LatestManifestAtOrBefore(ctx context.Context, backend objstore.Backend, objectPrefix, tenantID string, target *proto.WalPosition) (*Manifest, error) {
	manifests, err := ListManifests(ctx, backend, objectPrefix, tenantID)
	if err != nil {
		return nil, err
	}
	var best *Manifest
	for _, manifest := range manifests {
		pos, posErr := manifest.Position()
		if posErr != nil {
			continue
		}
		if target != nil && pos.Offset > target.Offset {
			continue
		}
		best = manifest
	}
	if best == nil {
		return nil, apierrors.ErrSnapshotNotFound
	}
	return best, nil
}
