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
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/elloloop/entdb/proto"
)

type MailboxItem struct {
	ItemID          string                 `json:"item_id"`
	RecipientUserID string                 `json:"recipient_user_id"`
	RefID           string                 `json:"ref_id"`
	SourceTypeID    proto.TypeID           `json:"source_type_id"`
	SourceNodeID    string                 `json:"source_node_id"`
	ThreadID        string                 `json:"thread_id,omitempty"`
	Ts              int64                  `json:"ts"`
	State           map[string]interface{} `json:"state"`
	Snippet         string                 `json:"snippet"`
}

// mailboxItemID derives a deterministic id so that replayed fanout upserts
// instead of duplicating.
func mailboxItemID(eventID string, opIndex int, recipient string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", eventID, opIndex, recipient)))
	return hex.EncodeToString(sum[:16])
}

// fanoutMailbox inserts a mailbox item per recipient of every create_node
// operation. Recipients are the operation's recipient list plus every user:
// principal on the node's visibility. Runs before the canonical transaction;
// replay after a crash reruns it idempotently.
func (t *TenantStore) fanoutMailbox(ctx context.Context, event *proto.Event) error {
	tx, err := t.mailbox.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	wrote := false
	for i := range event.Operations {
		op := &event.Operations[i]
		if op.Op != proto.OpCreateNode {
			continue
		}
		recipients := make(map[string]struct{})
		for _, recipient := range op.Recipients {
			recipients[recipient] = struct{}{}
		}
		principals := op.Principals
		if len(principals) == 0 {
			if nodeType, typeErr := t.store.registry.GetNodeType(op.TypeID); typeErr == nil {
				principals = nodeType.DefaultACL
			}
		}
		for _, principal := range principals {
			if strings.HasPrefix(principal, "user:") {
				recipients[principal] = struct{}{}
			}
		}
		if len(recipients) == 0 {
			continue
		}

		payload, expandErr := t.store.registry.ExpandDefaults(op.TypeID, op.Payload)
		if expandErr != nil {
			payload = op.Payload
		}
		snippet := t.store.snippetFor(op.TypeID, payload)
		threadID := ""
		if v, ok := payload["thread_id"].(string); ok {
			threadID = v
		}
		stateJSON := `{"read":false}`

		for recipient := range recipients {
			if _, err = tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO items
				 (item_id, recipient_user_id, ref_id, source_type_id, source_node_id, thread_id, ts, state_json, snippet)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				mailboxItemID(event.EventID, i, recipient), recipient, op.NodeID, op.TypeID,
				op.NodeID, threadID, event.CreatedAtMs, stateJSON, snippet); err != nil {
				return err
			}
			wrote = true
		}
	}
	if !wrote {
		return nil
	}
	return tx.Commit()
}

// Mailbox lists a user's items newest first.
func (t *TenantStore) Mailbox(ctx context.Context, userID string, limit, offset int) ([]*MailboxItem, error) {
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	rows, err := t.mailbox.QueryContext(ctx,
		`SELECT item_id, recipient_user_id, ref_id, source_type_id, source_node_id, thread_id, ts, state_json, snippet
		 FROM items WHERE recipient_user_id = ? ORDER BY ts DESC, item_id LIMIT ? OFFSET ?`,
		userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// Search runs a full-text query over a user's snippets.
func (t *TenantStore) Search(ctx context.Context, userID, query string, limit int) ([]*MailboxItem, error) {
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	rows, err := t.mailbox.QueryContext(ctx,
		`SELECT i.item_id, i.recipient_user_id, i.ref_id, i.source_type_id, i.source_node_id, i.thread_id, i.ts, i.state_json, i.snippet
		 FROM items_fts JOIN items i ON i.rowid = items_fts.rowid
		 WHERE items_fts MATCH ? AND i.recipient_user_id = ?
		 ORDER BY rank LIMIT ?`,
		query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// MarkRead flips the read flag in an item's state.
func (t *TenantStore) MarkRead(ctx context.Context, userID, itemID string, read bool) error {
	res, err := t.mailbox.ExecContext(ctx,
		`UPDATE items SET state_json = json_set(state_json, '$.read', json(?)) WHERE item_id = ? AND recipient_user_id = ?`,
		boolJSON(read), itemID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func boolJSON(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func scanItems(rows *sql.Rows) ([]*MailboxItem, error) {
	var items []*MailboxItem
	for rows.Next() {
		item := &MailboxItem{}
		var (
			threadID  sql.NullString
			stateJSON string
		)
		if err := rows.Scan(&item.ItemID, &item.RecipientUserID, &item.RefID, &item.SourceTypeID,
			&item.SourceNodeID, &threadID, &item.Ts, &stateJSON, &item.Snippet); err != nil {
			return nil, err
		}
		item.ThreadID = threadID.String
		if err := json.Unmarshal([]byte(stateJSON), &item.State); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
