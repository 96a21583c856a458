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

package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	_ "modernc.org/sqlite"

	"github.com/elloloop/entdb/proto"
	"github.com/elloloop/entdb/schema"
)

const (
	canonicalFile = "canonical.db"
	mailboxFile   = "mailbox.db"
)

type Config struct {
	DataDir string `json:"data_dir"`
}

// SnippetFunc extracts the mailbox snippet for a node payload.
type SnippetFunc func(payload map[string]interface{}) string

// Store manages the per-tenant store pairs under a data directory. Tenants
// are created on first use and never garbage-collected here.
type Store struct {
	cfg      Config
	registry *schema.Registry

	mu       sync.Mutex
	tenants  map[string]*TenantStore
	snippets map[proto.TypeID]SnippetFunc
}

func NewStore(ctx context.Context, cfg *Config, registry *schema.Registry) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("store requires a data dir")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errors.Info(err, "create data dir")
	}
	return &Store{
		cfg:      *cfg,
		registry: registry,
		tenants:  make(map[string]*TenantStore),
		snippets: make(map[proto.TypeID]SnippetFunc),
	}, nil
}

// RegisterSnippetExtractor overrides the default snippet extraction for one
// node type. Must be called before serving.
func (s *Store) RegisterSnippetExtractor(typeID proto.TypeID, fn SnippetFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snippets[typeID] = fn
}

func (s *Store) snippetFor(typeID proto.TypeID, payload map[string]interface{}) string {
	s.mu.Lock()
	fn := s.snippets[typeID]
	s.mu.Unlock()
	if fn != nil {
		return fn(payload)
	}
	return defaultSnippet(typeID, payload, s.registry)
}

// defaultSnippet picks the first non-empty string field in the order the
// type declares its fields.
func defaultSnippet(typeID proto.TypeID, payload map[string]interface{}, registry *schema.Registry) string {
	nodeType, err := registry.GetNodeType(typeID)
	if err != nil {
		return ""
	}
	for i := range nodeType.Fields {
		if nodeType.Fields[i].Kind != schema.KindString {
			continue
		}
		if v, ok := payload[nodeType.Fields[i].Name].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Tenant opens (or creates) the tenant's store pair.
func (s *Store) Tenant(ctx context.Context, tenantID string) (*TenantStore, error) {
	if tenantID == "" {
		return nil, errors.New("empty tenant id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tenant, ok := s.tenants[tenantID]; ok {
		return tenant, nil
	}
	tenant, err := openTenantStore(ctx, s, tenantID, filepath.Join(s.cfg.DataDir, tenantID))
	if err != nil {
		return nil, err
	}
	s.tenants[tenantID] = tenant
	return tenant, nil
}

// Drop closes a tenant's stores and removes them from the manager without
// deleting files. Recovery uses it before swapping in restored state.
func (s *Store) Drop(tenantID string) {
	s.mu.Lock()
	tenant, ok := s.tenants[tenantID]
	delete(s.tenants, tenantID)
	s.mu.Unlock()
	if ok {
		tenant.Close()
	}
}

// Tenants lists the tenants present on disk.
func (s *Store) Tenants() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.DataDir)
	if err != nil {
		return nil, err
	}
	var tenants []string
	for _, entry := range entries {
		if entry.IsDir() {
			tenants = append(tenants, entry.Name())
		}
	}
	return tenants, nil
}

func (s *Store) DataDir() string {
	return s.cfg.DataDir
}

func (s *Store) Registry() *schema.Registry {
	return s.registry
}

func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tenantID, tenant := range s.tenants {
		tenant.Close()
		delete(s.tenants, tenantID)
	}
}

// TenantStore is one tenant's canonical + mailbox database pair. It is
// mutated only by the owning applier worker; readers get stable views from
// sqlite's WAL mode.
type TenantStore struct {
	tenantID string
	dir      string
	store    *Store

	canonical *sql.DB
	mailbox   *sql.DB

	applyMu sync.Mutex
}

func openTenantStore(ctx context.Context, store *Store, tenantID, dir string) (*TenantStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Info(err, "create tenant dir")
	}
	canonical, err := openDB(ctx, filepath.Join(dir, canonicalFile), canonicalSchema)
	if err != nil {
		return nil, errors.Info(err, "open canonical store")
	}
	mailbox, err := openDB(ctx, filepath.Join(dir, mailboxFile), mailboxSchema)
	if err != nil {
		canonical.Close()
		return nil, errors.Info(err, "open mailbox store")
	}
	log.Infof("opened tenant store %s at %s", tenantID, dir)
	return &TenantStore{
		tenantID:  tenantID,
		dir:       dir,
		store:     store,
		canonical: canonical,
		mailbox:   mailbox,
	}, nil
}

func openDB(ctx context.Context, path, ddl string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	for _, pragma := range pragmas {
		if _, err = db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, err
		}
	}
	if _, err = db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (t *TenantStore) TenantID() string {
	return t.tenantID
}

func (t *TenantStore) Dir() string {
	return t.dir
}

func (t *TenantStore) Close() {
	if err := t.canonical.Close(); err != nil {
		log.Warnf("close canonical store %s: %v", t.tenantID, err)
	}
	if err := t.mailbox.Close(); err != nil {
		log.Warnf("close mailbox store %s: %v", t.tenantID, err)
	}
}

// Checkpoint returns the last fully-applied position from tenant_meta.
func (t *TenantStore) Checkpoint(ctx context.Context) (proto.WalPosition, bool, error) {
	var value string
	err := t.canonical.QueryRowContext(ctx,
		`SELECT v FROM tenant_meta WHERE k = ?`, metaKeyCheckpoint).Scan(&value)
	if err == sql.ErrNoRows {
		return proto.WalPosition{}, false, nil
	}
	if err != nil {
		return proto.WalPosition{}, false, err
	}
	pos, err := proto.ParseWalPosition(value)
	if err != nil {
		return proto.WalPosition{}, false, err
	}
	return pos, true, nil
}

// SetCheckpoint force-writes the applied position. Used when a dead-lettered
// event must still advance the tenant's stream.
func (t *TenantStore) SetCheckpoint(ctx context.Context, pos proto.WalPosition) error {
	_, err := t.canonical.ExecContext(ctx,
		`INSERT INTO tenant_meta (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		metaKeyCheckpoint, pos.String())
	return err
}

// SchemaFingerprint returns the fingerprint recorded at last apply.
func (t *TenantStore) SchemaFingerprint(ctx context.Context) (string, error) {
	var value string
	err := t.canonical.QueryRowContext(ctx,
		`SELECT v FROM tenant_meta WHERE k = ?`, metaKeySchemaFingerprint).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// Backup writes consistent copies of both databases into destDir and returns
// the file names. VACUUM INTO produces a stable image without blocking the
// writer.
func (t *TenantStore) Backup(ctx context.Context, destDir string) ([]string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}
	files := []string{canonicalFile, mailboxFile}
	for _, pair := range []struct {
		db   *sql.DB
		name string
	}{{t.canonical, canonicalFile}, {t.mailbox, mailboxFile}} {
		dest := filepath.Join(destDir, pair.name)
		if err := os.RemoveAll(dest); err != nil {
			return nil, err
		}
		if _, err := pair.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
			return nil, errors.Info(err, "vacuum into", dest)
		}
	}
	return files, nil
}
