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

package coordinator

import (
	"encoding/hex"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator issues tenant-local opaque node ids.
type IDGenerator interface {
	NextID() string
}

// nodeIDGenerator combines 128 random bits with a process-monotonic suffix,
// so ids assigned inside one coordinator never collide even under a clock
// step.
type nodeIDGenerator struct {
	seq uint64
}

func NewIDGenerator() IDGenerator {
	return &nodeIDGenerator{}
}

func (g *nodeIDGenerator) NextID() string {
	id := uuid.New()
	suffix := atomic.AddUint64(&g.seq, 1)
	return hex.EncodeToString(id[:]) + "-" + strconv.FormatUint(suffix, 36)
}
