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

package wal

import (
	"context"
	"errors"
	"sync"

	"github.com/elloloop/entdb/proto"
)

// MemoryStream is an in-process backend with the same ordering and position
// semantics as the broker backends. Used by the single-process bootstrap and
// tests; it also backs crash-replay tests since records are never dropped.
type MemoryStream struct {
	mu             sync.Mutex
	partitions     []*memoryPartition
	checkpoints    map[string]proto.WalPosition
	maxRecordBytes int
	closed         bool

	// appendFault, when set, is returned by the next Append call. Tests use
	// it to exercise timeout and quorum-loss paths.
	appendFault error
	// ackDropped makes Append fail with Transient after the record is
	// durable, modelling a lost acknowledgment.
	ackDropped bool
}

type memoryPartition struct {
	mu      sync.Mutex
	records []Record
	waiters []chan struct{}
}

func NewMemoryStream(partitions int32, maxRecordBytes int) *MemoryStream {
	if partitions <= 0 {
		partitions = 1
	}
	if maxRecordBytes <= 0 {
		maxRecordBytes = defaultMaxRecordBytes
	}
	stream := &MemoryStream{
		partitions:     make([]*memoryPartition, partitions),
		checkpoints:    make(map[string]proto.WalPosition),
		maxRecordBytes: maxRecordBytes,
	}
	for i := range stream.partitions {
		stream.partitions[i] = &memoryPartition{}
	}
	return stream
}

func (s *MemoryStream) Append(ctx context.Context, key string, value []byte) (proto.WalPosition, error) {
	if err := ctx.Err(); err != nil {
		return proto.WalPosition{}, NewStreamError(Transient, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return proto.WalPosition{}, NewStreamError(Unavailable, errors.New("stream closed"))
	}
	if fault := s.appendFault; fault != nil {
		s.appendFault = nil
		s.mu.Unlock()
		return proto.WalPosition{}, fault
	}
	dropAck := s.ackDropped
	s.ackDropped = false
	s.mu.Unlock()

	if len(value) > s.maxRecordBytes {
		return proto.WalPosition{}, NewStreamError(Permanent,
			errors.New("record exceeds max record bytes"))
	}

	partition := PartitionFor(key, s.Partitions())
	p := s.partitions[partition]
	p.mu.Lock()
	pos := proto.WalPosition{Partition: partition, Offset: int64(len(p.records))}
	stored := make([]byte, len(value))
	copy(stored, value)
	p.records = append(p.records, Record{Key: key, Value: stored, Position: pos})
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}

	if dropAck {
		return proto.WalPosition{}, NewStreamError(Transient, errors.New("ack lost"))
	}
	return pos, nil
}

func (s *MemoryStream) OpenConsumer(ctx context.Context, partition int32, from From) (Consumer, error) {
	if partition < 0 || partition >= s.Partitions() {
		return nil, NewStreamError(Permanent, errors.New("partition out of range"))
	}
	next := int64(0)
	if !from.Earliest {
		next = from.Position.Offset
	}
	return &memoryConsumer{stream: s, partition: partition, next: next}, nil
}

func (s *MemoryStream) CommitCheckpoint(ctx context.Context, group string, pos proto.WalPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[group] = pos
	return nil
}

func (s *MemoryStream) EarliestPosition(ctx context.Context, partition int32) (proto.WalPosition, error) {
	return proto.WalPosition{Partition: partition, Offset: 0}, nil
}

func (s *MemoryStream) LatestPosition(ctx context.Context, partition int32) (proto.WalPosition, error) {
	p := s.partitions[partition]
	p.mu.Lock()
	defer p.mu.Unlock()
	return proto.WalPosition{Partition: partition, Offset: int64(len(p.records))}, nil
}

func (s *MemoryStream) Partitions() int32 {
	return int32(len(s.partitions))
}

func (s *MemoryStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// FailNextAppend arms a one-shot append failure.
func (s *MemoryStream) FailNextAppend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendFault = err
}

// DropNextAck makes the next append durable but unacknowledged.
func (s *MemoryStream) DropNextAck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackDropped = true
}

type memoryConsumer struct {
	stream    *MemoryStream
	partition int32
	next      int64
	closed    bool
}

func (c *memoryConsumer) Next(ctx context.Context) (Record, error) {
	p := c.stream.partitions[c.partition]
	for {
		if c.closed {
			return Record{}, errors.New("consumer closed")
		}
		p.mu.Lock()
		if c.next < int64(len(p.records)) {
			record := p.records[c.next]
			p.mu.Unlock()
			c.next++
			return record, nil
		}
		wait := make(chan struct{})
		p.waiters = append(p.waiters, wait)
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}
}

func (c *memoryConsumer) Close() error {
	c.closed = true
	return nil
}
