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

package proto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	// EnvelopeVersion is the current event envelope version. Decoding accepts
	// every version from 1 up to the current one.
	EnvelopeVersion = byte(1)

	envelopeHeaderSize = 5

	OpCreateNode    = "create_node"
	OpUpdateNode    = "update_node"
	OpDeleteNode    = "delete_node"
	OpCreateEdge    = "create_edge"
	OpDeleteEdge    = "delete_edge"
	OpSetVisibility = "set_visibility"

	aliasRefPrefix = "$"
	aliasRefSuffix = ".id"
)

// WalPosition locates a record inside the WAL. Offsets are totally ordered
// within a partition only.
type WalPosition struct {
	Partition int32 `json:"partition"`
	Offset    int64 `json:"offset"`
}

func (p WalPosition) String() string {
	return strconv.Itoa(int(p.Partition)) + ":" + strconv.FormatInt(p.Offset, 10)
}

func (p WalPosition) Before(other WalPosition) bool {
	return p.Partition == other.Partition && p.Offset < other.Offset
}

func ParseWalPosition(s string) (WalPosition, error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return WalPosition{}, fmt.Errorf("invalid wal position %q", s)
	}
	partition, err := strconv.ParseInt(s[:idx], 10, 32)
	if err != nil {
		return WalPosition{}, fmt.Errorf("invalid wal position %q: %v", s, err)
	}
	offset, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return WalPosition{}, fmt.Errorf("invalid wal position %q: %v", s, err)
	}
	return WalPosition{Partition: int32(partition), Offset: offset}, nil
}

// Operation is one step of an atomic transaction. Op selects the kind; the
// remaining fields are populated per kind and omitted otherwise.
type Operation struct {
	Op string `json:"op"`

	TypeID     TypeID                 `json:"type_id,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Alias      string                 `json:"alias,omitempty"`
	Principals []string               `json:"principals,omitempty"`
	Recipients []string               `json:"recipients,omitempty"`

	NodeID          string                 `json:"node_id,omitempty"`
	Patch           map[string]interface{} `json:"patch,omitempty"`
	ExpectedVersion *int64                 `json:"expected_version,omitempty"`

	EdgeTypeID EdgeTypeID             `json:"edge_type_id,omitempty"`
	From       string                 `json:"from,omitempty"`
	To         string                 `json:"to,omitempty"`
	Props      map[string]interface{} `json:"props,omitempty"`
}

// Event is the WAL record body. One event per transaction; the applier either
// applies every operation or none.
type Event struct {
	EventID           string      `json:"event_id"`
	TenantID          string      `json:"tenant_id"`
	Actor             string      `json:"actor"`
	IdempotencyKey    string      `json:"idempotency_key"`
	SchemaFingerprint string      `json:"schema_fingerprint,omitempty"`
	CreatedAtMs       int64       `json:"created_at_ms"`
	Operations        []Operation `json:"operations"`
}

// EncodeEvent frames an event as envelope version byte, big-endian body
// length, JSON body.
func EncodeEvent(event *Event) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, envelopeHeaderSize+len(body))
	buf[0] = EnvelopeVersion
	binary.BigEndian.PutUint32(buf[1:envelopeHeaderSize], uint32(len(body)))
	copy(buf[envelopeHeaderSize:], body)
	return buf, nil
}

func DecodeEvent(data []byte) (*Event, error) {
	if len(data) < envelopeHeaderSize {
		return nil, fmt.Errorf("event envelope too short: %d bytes", len(data))
	}
	version := data[0]
	if version == 0 || version > EnvelopeVersion {
		return nil, fmt.Errorf("unsupported event envelope version %d", version)
	}
	size := binary.BigEndian.Uint32(data[1:envelopeHeaderSize])
	if int(size) != len(data)-envelopeHeaderSize {
		return nil, fmt.Errorf("event envelope length mismatch: header %d, body %d", size, len(data)-envelopeHeaderSize)
	}
	event := &Event{}
	if err := json.Unmarshal(data[envelopeHeaderSize:], event); err != nil {
		return nil, err
	}
	return event, nil
}

// Conflict records an optimistic concurrency failure for one operation.
type Conflict struct {
	OpIndex         int    `json:"op_index"`
	NodeID          string `json:"node_id"`
	ExpectedVersion int64  `json:"expected_version"`
	ObservedVersion int64  `json:"observed_version"`
}

// Receipt is the coordinator's reply to an atomic execute.
type Receipt struct {
	ReceiptID      string            `json:"receipt_id"`
	WalPosition    WalPosition       `json:"wal_position"`
	Applied        bool              `json:"applied"`
	IdempotencyKey string            `json:"idempotency_key"`
	ResultAliases  map[string]string `json:"result_aliases,omitempty"`
	Conflicts      []Conflict        `json:"conflicts,omitempty"`
}

// AliasRef reports whether s is a "$alias.id" reference and extracts the alias.
func AliasRef(s string) (string, bool) {
	if !strings.HasPrefix(s, aliasRefPrefix) || !strings.HasSuffix(s, aliasRefSuffix) {
		return "", false
	}
	alias := s[len(aliasRefPrefix) : len(s)-len(aliasRefSuffix)]
	if alias == "" {
		return "", false
	}
	return alias, true
}
