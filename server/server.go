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

package server

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

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

type RegistryConfig struct {
	SchemaModule string `json:"schema_module"`
}

type Config struct {
	RegistryConfig RegistryConfig `json:"registry"`

	WalConfig         wal.Config         `json:"wal"`
	StoreConfig       store.Config       `json:"store"`
	ObjstoreConfig    objstore.Config    `json:"objstore"`
	CoordinatorConfig coordinator.Config `json:"coordinator"`
	ApplierConfig     applier.Config     `json:"apply"`
	ArchiverConfig    archiver.Config    `json:"archive"`
	SnapshotterConfig snapshotter.Config `json:"snapshot"`
	RecoveryConfig    recovery.Config    `json:"recovery"`
}

// Server wires the write-and-apply pipeline: registry, WAL, stores,
// coordinator, applier, archiver, snapshotter, restorer.
type Server struct {
	registry    *schema.Registry
	stream      wal.Stream
	stores      *store.Store
	coordinator *coordinator.Coordinator
	applier     *applier.Applier
	archiver    *archiver.Archiver
	snapshotter *snapshotter.Snapshotter
	restorer    *recovery.Restorer
}

func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	if cfg.RegistryConfig.SchemaModule == "" {
		return nil, errors.New("schema module path is required")
	}
	registry, err := schema.LoadDefinitions(cfg.RegistryConfig.SchemaModule)
	if err != nil {
		return nil, errors.Info(err, "load schema")
	}

	stream, err := wal.NewStream(ctx, &cfg.WalConfig)
	if err != nil {
		return nil, errors.Info(err, "open wal")
	}
	stores, err := store.NewStore(ctx, &cfg.StoreConfig, registry)
	if err != nil {
		return nil, errors.Info(err, "open stores")
	}
	if err = verifyTenantFingerprints(ctx, stores, registry); err != nil {
		return nil, err
	}
	backend, err := objstore.New(ctx, &cfg.ObjstoreConfig)
	if err != nil {
		return nil, errors.Info(err, "open object store")
	}

	apply, err := applier.New(&cfg.ApplierConfig, stream, stores)
	if err != nil {
		return nil, errors.Info(err, "build applier")
	}
	coord := coordinator.New(&cfg.CoordinatorConfig, registry, stream, stores, apply)
	arch := archiver.New(&cfg.ArchiverConfig, stream, backend)
	snap := snapshotter.New(&cfg.SnapshotterConfig, stores, backend)
	restorer := recovery.New(&cfg.RecoveryConfig, registry, stores, stream, backend)

	return &Server{
		registry:    registry,
		stream:      stream,
		stores:      stores,
		coordinator: coord,
		applier:     apply,
		archiver:    arch,
		snapshotter: snap,
		restorer:    restorer,
	}, nil
}

// verifyTenantFingerprints compares the live registry against the fingerprint
// each tenant store recorded. A differing fingerprint is logged as a warning
// only: the compatibility model is not consulted and startup continues.
func verifyTenantFingerprints(ctx context.Context, stores *store.Store, registry *schema.Registry) error {
	tenants, err := stores.Tenants()
	if err != nil {
		return err
	}
	for _, tenantID := range tenants {
		tenant, tenantErr := stores.Tenant(ctx, tenantID)
		if tenantErr != nil {
			return tenantErr
		}
		stored, fpErr := tenant.SchemaFingerprint(ctx)
		if fpErr != nil {
			return fpErr
		}
		if stored != "" && stored != registry.Fingerprint() {
			log.Warnf("tenant %s was applied under schema %s, live schema is %s",
				tenantID, stored, registry.Fingerprint())
		}
	}
	return nil
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.applier.Start(ctx); err != nil {
		return err
	}
	s.archiver.Start(ctx)
	s.snapshotter.Start(ctx)
	return nil
}

func (s *Server) Close() {
	s.snapshotter.Close()
	s.archiver.Close()
	s.applier.Close()
	s.stores.Close()
	if err := s.stream.Close(); err != nil {
		log.Warnf("close wal stream: %v", err)
	}
}

func (s *Server) Coordinator() *coordinator.Coordinator {
	return s.coordinator
}

func (s *Server) Restorer() *recovery.Restorer {
	return s.restorer
}

func (s *Server) Stores() *store.Store {
	return s.stores
}

func (s *Server) Registry() *schema.Registry {
	return s.registry
}
