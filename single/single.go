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

package single

import (
	"context"
	"path/filepath"

	"github.com/elloloop/entdb/applier"
	"github.com/elloloop/entdb/archiver"
	"github.com/elloloop/entdb/coordinator"
	"github.com/elloloop/entdb/objstore"
	"github.com/elloloop/entdb/recovery"
	"github.com/elloloop/entdb/schema"
	"github.com/elloloop/entdb/snapshotter"
	"github.com/elloloop/entdb/store"
	"github.com/elloloop/entdb/wal"
)

type Config struct {
	Dir        string
	Partitions int32

	ApplierConfig     applier.Config
	ArchiverConfig    archiver.Config
	SnapshotterConfig snapshotter.Config
}

// Node runs every component in one process over the in-memory WAL and the
// filesystem object store. Local development and end-to-end tests use it;
// production runs the broker-backed server instead.
type Node struct {
	Registry    *schema.Registry
	Stream      *wal.MemoryStream
	Stores      *store.Store
	Coordinator *coordinator.Coordinator
	Applier     *applier.Applier
	Archiver    *archiver.Archiver
	Snapshotter *snapshotter.Snapshotter
	Restorer    *recovery.Restorer
	Backend     objstore.Backend
}

func NewNode(ctx context.Context, cfg *Config, registry *schema.Registry) (*Node, error) {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 4
	}
	if cfg.ApplierConfig.DeadletterDir == "" {
		cfg.ApplierConfig.DeadletterDir = filepath.Join(cfg.Dir, "deadletter")
	}

	stream := wal.NewMemoryStream(cfg.Partitions, 1<<20)
	stores, err := store.NewStore(ctx, &store.Config{DataDir: filepath.Join(cfg.Dir, "stores")}, registry)
	if err != nil {
		return nil, err
	}
	backend, err := objstore.New(ctx, &objstore.Config{
		Backend:    objstore.BackendFilesystem,
		Filesystem: objstore.FilesystemConfig{Root: filepath.Join(cfg.Dir, "objects")},
	})
	if err != nil {
		return nil, err
	}

	apply, err := applier.New(&cfg.ApplierConfig, stream, stores)
	if err != nil {
		return nil, err
	}
	if err = apply.Start(ctx); err != nil {
		return nil, err
	}

	node := &Node{
		Registry:    registry,
		Stream:      stream,
		Stores:      stores,
		Coordinator: coordinator.New(&coordinator.Config{}, registry, stream, stores, apply),
		Applier:     apply,
		Archiver:    archiver.New(&cfg.ArchiverConfig, stream, backend),
		Snapshotter: snapshotter.New(&cfg.SnapshotterConfig, stores, backend),
		Restorer:    recovery.New(&recovery.Config{}, registry, stores, stream, backend),
		Backend:     backend,
	}
	return node, nil
}

func (n *Node) Close() {
	n.Snapshotter.Close()
	n.Archiver.Close()
	n.Applier.Close()
	n.Stores.Close()
	n.Stream.Close()
}
