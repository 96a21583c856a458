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
	"encoding/json"
	"fmt"
	"time"

	apierrors "github.com/elloloop/entdb/errors"
	"github.com/elloloop/entdb/proto"
)

// Node is the canonical representation returned by reads.
type Node struct {
	ID         string                 `json:"id"`
	TenantID   string                 `json:"tenant_id"`
	TypeID     proto.TypeID           `json:"type_id"`
	Payload    map[string]interface{} `json:"payload"`
	OwnerActor string                 `json:"owner_actor"`
	CreatedAt  int64                  `json:"created_at"`
	UpdatedAt  int64                  `json:"updated_at"`
	Deleted    bool                   `json:"deleted"`
	Version    int64                  `json:"version"`
	ACL        []string               `json:"acl"`
}

type Edge struct {
	EdgeTypeID proto.EdgeTypeID       `json:"edge_type_id"`
	FromID     string                 `json:"from_id"`
	ToID       string                 `json:"to_id"`
	Props      map[string]interface{} `json:"props,omitempty"`
	CreatedAt  int64                  `json:"created_at"`
}

// AppliedEvent is one row of the idempotency table.
type AppliedEvent struct {
	IdempotencyKey string
	WalPosition    proto.WalPosition
	ResultJSON     string
	AppliedAtMs    int64
}

// ApplyResult is what gets serialized into applied_events.result_json and
// surfaced on receipts.
type ApplyResult struct {
	WalPosition  proto.WalPosition `json:"wal_position"`
	CreatedNodes []string          `json:"created_nodes,omitempty"`
	Conflicts    []proto.Conflict  `json:"conflicts,omitempty"`
	AppliedAtMs  int64             `json:"applied_at_ms"`
}

// InvariantError marks an apply failure that replaying cannot fix: schema
// drift or a broken structural invariant. The applier routes these to the
// dead-letter instead of retrying.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.Reason
}

func invariantErrorf(format string, args ...interface{}) *InvariantError {
	return &InvariantError{Reason: fmt.Sprintf(format, args...)}
}

// AppliedEvent looks up the idempotency row for key.
func (t *TenantStore) AppliedEvent(ctx context.Context, key string) (*AppliedEvent, error) {
	var (
		posStr    string
		result    string
		appliedAt int64
	)
	err := t.canonical.QueryRowContext(ctx,
		`SELECT wal_position, result_json, applied_at FROM applied_events WHERE idempotency_key = ?`,
		key).Scan(&posStr, &result, &appliedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pos, err := proto.ParseWalPosition(posStr)
	if err != nil {
		return nil, err
	}
	return &AppliedEvent{
		IdempotencyKey: key,
		WalPosition:    pos,
		ResultJSON:     result,
		AppliedAtMs:    appliedAt,
	}, nil
}

// ApplyTransaction applies one event at pos. Mailbox fanout lands first with
// deterministic item ids, then every canonical table plus applied_events and
// the checkpoint commit in a single canonical transaction: a crash between
// the two leaves applied_events absent, so replay reruns both idempotently.
//
// Events already in applied_events return their recorded result unchanged.
// Version conflicts are results, not errors. InvariantError means the event
// can never apply and belongs in the dead-letter.
func (t *TenantStore) ApplyTransaction(ctx context.Context, event *proto.Event, pos proto.WalPosition) (*ApplyResult, error) {
	t.applyMu.Lock()
	defer t.applyMu.Unlock()

	if prior, err := t.AppliedEvent(ctx, event.IdempotencyKey); err != nil {
		return nil, err
	} else if prior != nil {
		result := &ApplyResult{}
		if err = json.Unmarshal([]byte(prior.ResultJSON), result); err != nil {
			return nil, err
		}
		return result, nil
	}

	// Validate creates before the mailbox write so a dead-letterable event
	// leaves no items behind.
	for i := range event.Operations {
		op := &event.Operations[i]
		if op.Op != proto.OpCreateNode {
			continue
		}
		payload, err := t.store.registry.ExpandDefaults(op.TypeID, op.Payload)
		if err != nil {
			return nil, invariantErrorf("create_node type_id %d: %v", op.TypeID, err)
		}
		if fieldErrors := t.store.registry.Validate(op.TypeID, payload); len(fieldErrors) > 0 {
			return nil, invariantErrorf("create_node payload invalid: %v", fieldErrors)
		}
	}

	if err := t.fanoutMailbox(ctx, event); err != nil {
		return nil, err
	}

	tx, err := t.canonical.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result := &ApplyResult{
		WalPosition: pos,
		AppliedAtMs: time.Now().UnixMilli(),
	}
	for i := range event.Operations {
		op := &event.Operations[i]
		switch op.Op {
		case proto.OpCreateNode:
			if err = t.applyCreateNode(ctx, tx, event, op); err != nil {
				return nil, err
			}
			result.CreatedNodes = append(result.CreatedNodes, op.NodeID)
		case proto.OpUpdateNode:
			conflict, updateErr := t.applyUpdateNode(ctx, tx, event, op, i)
			if updateErr != nil {
				return nil, updateErr
			}
			if conflict != nil {
				result.Conflicts = append(result.Conflicts, *conflict)
			}
		case proto.OpDeleteNode:
			if err = t.applyDeleteNode(ctx, tx, op); err != nil {
				return nil, err
			}
		case proto.OpCreateEdge:
			if err = t.applyCreateEdge(ctx, tx, event, op); err != nil {
				return nil, err
			}
		case proto.OpDeleteEdge:
			if _, err = tx.ExecContext(ctx,
				`DELETE FROM edges WHERE edge_type_id = ? AND from_id = ? AND to_id = ?`,
				op.EdgeTypeID, op.From, op.To); err != nil {
				return nil, err
			}
		case proto.OpSetVisibility:
			if err = t.applySetVisibility(ctx, tx, op); err != nil {
				return nil, err
			}
		default:
			return nil, invariantErrorf("unknown operation kind %q", op.Op)
		}
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO applied_events (idempotency_key, wal_position, result_json, applied_at) VALUES (?, ?, ?, ?)`,
		event.IdempotencyKey, pos.String(), string(resultJSON), result.AppliedAtMs); err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO tenant_meta (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		metaKeyCheckpoint, pos.String()); err != nil {
		return nil, err
	}
	if event.SchemaFingerprint != "" {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO tenant_meta (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
			metaKeySchemaFingerprint, event.SchemaFingerprint); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func (t *TenantStore) applyCreateNode(ctx context.Context, tx *sql.Tx, event *proto.Event, op *proto.Operation) error {
	if op.NodeID == "" {
		return invariantErrorf("create_node without an assigned id")
	}
	registry := t.store.registry
	payload, err := registry.ExpandDefaults(op.TypeID, op.Payload)
	if err != nil {
		return invariantErrorf("create_node type_id %d: %v", op.TypeID, err)
	}
	if fieldErrors := registry.Validate(op.TypeID, payload); len(fieldErrors) > 0 {
		return invariantErrorf("create_node payload invalid: %v", fieldErrors)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	// Re-insert of the same id can only be a replayed create; keep first write.
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO nodes (id, type_id, payload_json, owner_actor, created_at, updated_at, deleted, version)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 1)`,
		op.NodeID, op.TypeID, string(payloadJSON), event.Actor, event.CreatedAtMs, event.CreatedAtMs)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	principals := op.Principals
	if len(principals) == 0 {
		if nodeType, typeErr := registry.GetNodeType(op.TypeID); typeErr == nil {
			principals = nodeType.DefaultACL
		}
	}
	return insertACL(ctx, tx, op.NodeID, principals)
}

func insertACL(ctx context.Context, tx *sql.Tx, nodeID string, principals []string) error {
	for _, principal := range principals {
		if !proto.ValidPrincipal(principal) {
			return invariantErrorf("node %s: invalid principal %q", nodeID, principal)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO acl (node_id, principal) VALUES (?, ?)`,
			nodeID, principal); err != nil {
			return err
		}
	}
	return nil
}

func (t *TenantStore) applyUpdateNode(ctx context.Context, tx *sql.Tx, event *proto.Event, op *proto.Operation, opIndex int) (*proto.Conflict, error) {
	var (
		typeID      proto.TypeID
		payloadJSON string
		version     int64
		deleted     bool
	)
	err := tx.QueryRowContext(ctx,
		`SELECT type_id, payload_json, version, deleted FROM nodes WHERE id = ?`, op.NodeID).
		Scan(&typeID, &payloadJSON, &version, &deleted)
	if err == sql.ErrNoRows {
		return nil, invariantErrorf("update_node %s: node does not exist", op.NodeID)
	}
	if err != nil {
		return nil, err
	}
	if fieldErrors := t.store.registry.ValidatePatch(typeID, op.Patch); len(fieldErrors) > 0 {
		return nil, invariantErrorf("update_node %s patch invalid: %v", op.NodeID, fieldErrors)
	}
	if op.ExpectedVersion != nil && *op.ExpectedVersion != version {
		return &proto.Conflict{
			OpIndex:         opIndex,
			NodeID:          op.NodeID,
			ExpectedVersion: *op.ExpectedVersion,
			ObservedVersion: version,
		}, nil
	}

	payload := map[string]interface{}{}
	if err = json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, err
	}
	for name, value := range op.Patch {
		payload[name] = value
	}
	merged, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE nodes SET payload_json = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		string(merged), event.CreatedAtMs, op.NodeID)
	return nil, err
}

func (t *TenantStore) applyDeleteNode(ctx context.Context, tx *sql.Tx, op *proto.Operation) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE nodes SET deleted = 1, version = version + 1 WHERE id = ? AND deleted = 0`, op.NodeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Missing or already deleted: replay or double delete, both no-ops.
		return nil
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM acl WHERE node_id = ?`, op.NodeID)
	return err
}

func (t *TenantStore) applyCreateEdge(ctx context.Context, tx *sql.Tx, event *proto.Event, op *proto.Operation) error {
	edgeType, err := t.store.registry.GetEdgeType(op.EdgeTypeID)
	if err != nil {
		return invariantErrorf("create_edge: unknown edge_type_id %d", op.EdgeTypeID)
	}
	for _, endpoint := range []struct {
		id       string
		wantType proto.TypeID
		role     string
	}{{op.From, edgeType.FromType, "from"}, {op.To, edgeType.ToType, "to"}} {
		var typeID proto.TypeID
		err = tx.QueryRowContext(ctx, `SELECT type_id FROM nodes WHERE id = ?`, endpoint.id).Scan(&typeID)
		if err == sql.ErrNoRows {
			return invariantErrorf("create_edge %d: %s node %s does not exist", op.EdgeTypeID, endpoint.role, endpoint.id)
		}
		if err != nil {
			return err
		}
		if typeID != endpoint.wantType {
			return invariantErrorf("create_edge %d: %s node %s has type %d, want %d",
				op.EdgeTypeID, endpoint.role, endpoint.id, typeID, endpoint.wantType)
		}
	}

	propsJSON := []byte("{}")
	if op.Props != nil {
		if propsJSON, err = json.Marshal(op.Props); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO edges (edge_type_id, from_id, to_id, props_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		op.EdgeTypeID, op.From, op.To, string(propsJSON), event.CreatedAtMs)
	return err
}

func (t *TenantStore) applySetVisibility(ctx context.Context, tx *sql.Tx, op *proto.Operation) error {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, op.NodeID).Scan(&exists)
	if err == sql.ErrNoRows {
		return invariantErrorf("set_visibility %s: node does not exist", op.NodeID)
	}
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM acl WHERE node_id = ?`, op.NodeID); err != nil {
		return err
	}
	return insertACL(ctx, tx, op.NodeID, op.Principals)
}

// Viewer carries the caller identity for visibility checks.
type Viewer struct {
	Actor      string
	Principals []string
}

func (v *Viewer) allowed(owner string, acl []string) bool {
	if v == nil {
		return true
	}
	if v.Actor != "" && v.Actor == owner {
		return true
	}
	for _, principal := range acl {
		if principal == proto.PrincipalTenantWildcard {
			return true
		}
		for _, mine := range v.Principals {
			if principal == mine {
				return true
			}
		}
	}
	return false
}

// GetNode returns the node or ErrNodeDoesNotExist / a FORBIDDEN error.
func (t *TenantStore) GetNode(ctx context.Context, id string, viewer *Viewer, includeDeleted bool) (*Node, error) {
	node, err := t.readNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if node.Deleted && !includeDeleted {
		return nil, apierrors.ErrNodeDoesNotExist
	}
	if !viewer.allowed(node.OwnerActor, node.ACL) {
		return nil, apierrors.New(apierrors.CodeForbidden, "not visible to caller")
	}
	return node, nil
}

func (t *TenantStore) readNode(ctx context.Context, id string) (*Node, error) {
	node := &Node{ID: id, TenantID: t.tenantID}
	var payloadJSON string
	err := t.canonical.QueryRowContext(ctx,
		`SELECT type_id, payload_json, owner_actor, created_at, updated_at, deleted, version FROM nodes WHERE id = ?`, id).
		Scan(&node.TypeID, &payloadJSON, &node.OwnerActor, &node.CreatedAt, &node.UpdatedAt, &node.Deleted, &node.Version)
	if err == sql.ErrNoRows {
		return nil, apierrors.ErrNodeDoesNotExist
	}
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal([]byte(payloadJSON), &node.Payload); err != nil {
		return nil, err
	}
	rows, err := t.canonical.QueryContext(ctx, `SELECT principal FROM acl WHERE node_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var principal string
		if err = rows.Scan(&principal); err != nil {
			return nil, err
		}
		node.ACL = append(node.ACL, principal)
	}
	return node, rows.Err()
}

// NodeVersion returns the current version; ok is false when the node is
// missing. Soft-deleted nodes still report their version.
func (t *TenantStore) NodeVersion(ctx context.Context, id string) (int64, bool, error) {
	var version int64
	err := t.canonical.QueryRowContext(ctx, `SELECT version FROM nodes WHERE id = ?`, id).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return version, true, nil
}

// NodeType returns the stored type of a node for endpoint checks.
func (t *TenantStore) NodeType(ctx context.Context, id string) (proto.TypeID, bool, error) {
	var typeID proto.TypeID
	err := t.canonical.QueryRowContext(ctx, `SELECT type_id FROM nodes WHERE id = ?`, id).Scan(&typeID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return typeID, true, nil
}

const maxQueryLimit = 1000

// QueryNodes lists visible nodes of a type, with optional equality filters
// over payload fields.
func (t *TenantStore) QueryNodes(ctx context.Context, typeID proto.TypeID, filters map[string]interface{}, viewer *Viewer, limit, offset int) ([]*Node, error) {
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	query := `SELECT id FROM nodes WHERE type_id = ? AND deleted = 0`
	args := []interface{}{typeID}
	for name, value := range filters {
		query += ` AND json_extract(payload_json, ?) = ?`
		args = append(args, "$."+name, value)
	}
	query += ` ORDER BY created_at, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := t.canonical.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		node, nodeErr := t.readNode(ctx, id)
		if nodeErr != nil {
			return nil, nodeErr
		}
		if viewer.allowed(node.OwnerActor, node.ACL) {
			nodes = append(nodes, node)
		}
	}
	return nodes, nil
}

// EdgesOut lists edges leaving nodeID, optionally restricted to one edge
// type. Edges to soft-deleted endpoints are hidden.
func (t *TenantStore) EdgesOut(ctx context.Context, nodeID string, edgeTypeID *proto.EdgeTypeID) ([]*Edge, error) {
	return t.queryEdges(ctx, "from_id", "to_id", nodeID, edgeTypeID)
}

func (t *TenantStore) EdgesIn(ctx context.Context, nodeID string, edgeTypeID *proto.EdgeTypeID) ([]*Edge, error) {
	return t.queryEdges(ctx, "to_id", "from_id", nodeID, edgeTypeID)
}

func (t *TenantStore) queryEdges(ctx context.Context, anchorCol, otherCol, nodeID string, edgeTypeID *proto.EdgeTypeID) ([]*Edge, error) {
	query := `SELECT e.edge_type_id, e.from_id, e.to_id, e.props_json, e.created_at
		FROM edges e JOIN nodes n ON n.id = e.` + otherCol + `
		WHERE e.` + anchorCol + ` = ? AND n.deleted = 0`
	args := []interface{}{nodeID}
	if edgeTypeID != nil {
		query += ` AND e.edge_type_id = ?`
		args = append(args, *edgeTypeID)
	}
	query += ` ORDER BY e.created_at, e.to_id`

	rows, err := t.canonical.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []*Edge
	for rows.Next() {
		edge := &Edge{}
		var propsJSON string
		if err = rows.Scan(&edge.EdgeTypeID, &edge.FromID, &edge.ToID, &propsJSON, &edge.CreatedAt); err != nil {
			return nil, err
		}
		if propsJSON != "" && propsJSON != "{}" {
			if err = json.Unmarshal([]byte(propsJSON), &edge.Props); err != nil {
				return nil, err
			}
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}
