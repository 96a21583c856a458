package store

// DDL for the per-tenant stores. The canonical database holds graph state and
// apply progress; the mailbox database holds the per-recipient derived view
// with its full-text index.

const canonicalSchema = `
CREATE TABLE IF NOT EXISTS nodes (
    id TEXT PRIMARY KEY,
    type_id INTEGER NOT NULL,
    payload_json TEXT NOT NULL,
    owner_actor TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    deleted INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(type_id);

CREATE TABLE IF NOT EXISTS edges (
    edge_type_id INTEGER NOT NULL,
    from_id TEXT NOT NULL,
    to_id TEXT NOT NULL,
    props_json TEXT,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (edge_type_id, from_id, to_id)
);
CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_id, edge_type_id);
CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id, edge_type_id);

CREATE TABLE IF NOT EXISTS acl (
    node_id TEXT NOT NULL,
    principal TEXT NOT NULL,
    PRIMARY KEY (node_id, principal)
);

CREATE TABLE IF NOT EXISTS applied_events (
    idempotency_key TEXT PRIMARY KEY,
    wal_position TEXT NOT NULL,
    result_json TEXT NOT NULL,
    applied_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tenant_meta (
    k TEXT PRIMARY KEY,
    v TEXT NOT NULL
);
`

const mailboxSchema = `
CREATE TABLE IF NOT EXISTS items (
    item_id TEXT PRIMARY KEY,
    recipient_user_id TEXT NOT NULL,
    ref_id TEXT NOT NULL,
    source_type_id INTEGER NOT NULL,
    source_node_id TEXT NOT NULL,
    thread_id TEXT,
    ts INTEGER NOT NULL,
    state_json TEXT NOT NULL DEFAULT '{}',
    snippet TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_items_recipient ON items(recipient_user_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_items_source ON items(source_node_id);

CREATE VIRTUAL TABLE IF NOT EXISTS items_fts USING fts5(
    snippet,
    content='items',
    content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS items_fts_insert AFTER INSERT ON items BEGIN
    INSERT INTO items_fts(rowid, snippet) VALUES (NEW.rowid, NEW.snippet);
END;
CREATE TRIGGER IF NOT EXISTS items_fts_delete AFTER DELETE ON items BEGIN
    INSERT INTO items_fts(items_fts, rowid, snippet) VALUES ('delete', OLD.rowid, OLD.snippet);
END;
CREATE TRIGGER IF NOT EXISTS items_fts_update AFTER UPDATE ON items BEGIN
    INSERT INTO items_fts(items_fts, rowid, snippet) VALUES ('delete', OLD.rowid, OLD.snippet);
    INSERT INTO items_fts(rowid, snippet) VALUES (NEW.rowid, NEW.snippet);
END;
`

var pragmas = []string{
	`PRAGMA journal_mode=WAL`,
	`PRAGMA busy_timeout=5000`,
	`PRAGMA synchronous=NORMAL`,
	`PRAGMA foreign_keys=ON`,
}

const (
	metaKeyCheckpoint        = "applied_position"
	metaKeySchemaFingerprint = "schema_fingerprint"
)
