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

package applier

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/elloloop/entdb/metrics"
	"github.com/elloloop/entdb/proto"
)

// DeadLetter is the sidecar for events that can never apply. One JSONL file
// per day; operators review and replay by hand. Writing here never blocks the
// tenant's stream.
type DeadLetter struct {
	dir string
	mu  sync.Mutex
}

type deadLetterEntry struct {
	TenantID    string `json:"tenant_id"`
	WalPosition string `json:"wal_position"`
	Reason      string `json:"reason"`
	RecordedAt  string `json:"recorded_at"`
	RawEvent    string `json:"raw_event"`
}

func NewDeadLetter(dir string) (*DeadLetter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DeadLetter{dir: dir}, nil
}

// Record appends the raw event with its failure reason. Errors are logged,
// not returned: dead-lettering is best effort by contract.
func (d *DeadLetter) Record(tenantID string, pos proto.WalPosition, raw []byte, reason string) {
	now := time.Now().UTC()
	entry := deadLetterEntry{
		TenantID:    tenantID,
		WalPosition: pos.String(),
		Reason:      reason,
		RecordedAt:  now.Format(time.RFC3339Nano),
		RawEvent:    base64.StdEncoding.EncodeToString(raw),
	}
	line, err := json.Marshal(&entry)
	if err != nil {
		log.Errorf("dead letter marshal: %v", err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	path := filepath.Join(d.dir, now.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Errorf("dead letter open %s: %v", path, err)
		return
	}
	defer f.Close()
	if _, err = f.Write(append(line, '\n')); err != nil {
		log.Errorf("dead letter write %s: %v", path, err)
		return
	}
	metrics.DeadLetters.Inc()
	log.Warnf("dead-lettered event for tenant %s at %s: %s", tenantID, pos.String(), reason)
}
