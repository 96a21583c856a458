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
	"fmt"
	"hash/fnv"

	"github.com/elloloop/entdb/proto"
)

const (
	BackendKafka   = "kafka"
	BackendKinesis = "kinesis"
	BackendMemory  = "memory"

	defaultPartitions     = 16
	defaultMaxRecordBytes = 1 << 20
	defaultBatchBytes     = 64 << 10
	defaultBatchLingerMs  = 5
	defaultMinInsync      = 2
)

// ErrorClass partitions append failures by the caller's retry contract.
type ErrorClass int

const (
	// Transient failures may be retried with the same idempotency key.
	Transient ErrorClass = iota + 1
	// Permanent failures must not be retried (e.g. record too large).
	Permanent
	// Unavailable means broker quorum is lost; surfaced as SERVICE_UNAVAILABLE.
	Unavailable
)

type StreamError struct {
	Class ErrorClass
	Err   error
}

func (e *StreamError) Error() string {
	switch e.Class {
	case Permanent:
		return fmt.Sprintf("wal permanent: %v", e.Err)
	case Unavailable:
		return fmt.Sprintf("wal unavailable: %v", e.Err)
	default:
		return fmt.Sprintf("wal transient: %v", e.Err)
	}
}

func (e *StreamError) Unwrap() error { return e.Err }

func NewStreamError(class ErrorClass, err error) *StreamError {
	return &StreamError{Class: class, Err: err}
}

func ClassOf(err error) ErrorClass {
	streamErr := &StreamError{}
	if errors.As(err, &streamErr) {
		return streamErr.Class
	}
	return Transient
}

// Record is one WAL entry. Value is opaque to the stream; framing belongs to
// the producer.
type Record struct {
	Key      string
	Value    []byte
	Position proto.WalPosition
}

// From selects where a consumer starts. Zero value means earliest.
type From struct {
	Earliest bool
	Position proto.WalPosition
}

func FromEarliest() From {
	return From{Earliest: true}
}

// FromPosition starts consumption at pos inclusive.
func FromPosition(pos proto.WalPosition) From {
	return From{Position: pos}
}

type Consumer interface {
	// Next blocks until a record is available or ctx is done. Records arrive
	// ordered and gap-free within the partition.
	Next(ctx context.Context) (Record, error)
	Close() error
}

// Stream is the ordered, partitioned, replicated record log. Append blocks
// until the configured acknowledgment policy is satisfied.
type Stream interface {
	Append(ctx context.Context, key string, value []byte) (proto.WalPosition, error)
	OpenConsumer(ctx context.Context, partition int32, from From) (Consumer, error)
	// CommitCheckpoint records apply progress out-of-band. Advisory only: the
	// applier keeps its authoritative checkpoint inside the tenant store.
	CommitCheckpoint(ctx context.Context, group string, pos proto.WalPosition) error
	EarliestPosition(ctx context.Context, partition int32) (proto.WalPosition, error)
	LatestPosition(ctx context.Context, partition int32) (proto.WalPosition, error)
	Partitions() int32
	Close() error
}

type Config struct {
	Backend        string `json:"backend"`
	Topic          string `json:"topic"`
	Partitions     int32  `json:"partitions"`
	Acks           string `json:"acks"`
	MinInsync      int    `json:"min_insync"`
	MaxRecordBytes int    `json:"max_record_bytes"`
	BatchBytes     int    `json:"batch_bytes"`
	BatchLingerMs  int    `json:"batch_linger_ms"`

	Kafka   KafkaConfig   `json:"kafka"`
	Kinesis KinesisConfig `json:"kinesis"`
}

func (cfg *Config) fillDefaults() {
	if cfg.Topic == "" {
		cfg.Topic = "entdb-wal"
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = defaultPartitions
	}
	if cfg.Acks == "" {
		cfg.Acks = "all"
	}
	if cfg.MinInsync <= 0 {
		cfg.MinInsync = defaultMinInsync
	}
	if cfg.MaxRecordBytes <= 0 {
		cfg.MaxRecordBytes = defaultMaxRecordBytes
	}
	if cfg.BatchBytes <= 0 {
		cfg.BatchBytes = defaultBatchBytes
	}
	if cfg.BatchLingerMs <= 0 {
		cfg.BatchLingerMs = defaultBatchLingerMs
	}
}

// NewStream builds the configured backend behind the uniform interface.
func NewStream(ctx context.Context, cfg *Config) (Stream, error) {
	cfg.fillDefaults()
	switch cfg.Backend {
	case BackendKafka:
		return newKafkaStream(ctx, cfg)
	case BackendKinesis:
		return newKinesisStream(ctx, cfg)
	case BackendMemory, "":
		return NewMemoryStream(cfg.Partitions, cfg.MaxRecordBytes), nil
	default:
		return nil, fmt.Errorf("unknown wal backend %q", cfg.Backend)
	}
}

// PartitionFor maps a tenant onto a partition. Same tenant, same partition:
// this is what gives per-tenant total order.
func PartitionFor(tenantID string, partitions int32) int32 {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return int32(h.Sum32() % uint32(partitions))
}
