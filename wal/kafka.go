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
	"time"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/segmentio/kafka-go"

	"github.com/elloloop/entdb/proto"
)

type KafkaConfig struct {
	Brokers []string `json:"brokers"`
}

type kafkaStream struct {
	cfg    *Config
	writer *kafka.Writer
	client *kafka.Client
}

type kafkaAck struct {
	partition int32
	offset    int64
	err       error
}

// tenantBalancer routes every message of a tenant to the same partition.
type tenantBalancer struct {
	partitions int32
}

func (b *tenantBalancer) Balance(msg kafka.Message, partitions ...int) int {
	return int(PartitionFor(string(msg.Key), b.partitions))
}

func newKafkaStream(ctx context.Context, cfg *Config) (Stream, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, errors.New("kafka backend requires brokers")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &tenantBalancer{partitions: cfg.Partitions},
		RequiredAcks: kafka.RequireAll,
		BatchBytes:   int64(cfg.BatchBytes),
		BatchTimeout: time.Duration(cfg.BatchLingerMs) * time.Millisecond,
		Completion:   completeAppend,
	}
	client := &kafka.Client{Addr: kafka.TCP(cfg.Kafka.Brokers...)}
	log.Infof("kafka wal stream on %v topic %s", cfg.Kafka.Brokers, cfg.Topic)
	return &kafkaStream{cfg: cfg, writer: writer, client: client}, nil
}

// completeAppend hands each message's assigned offset back to its waiting
// Append call through the ack channel carried in WriterData.
func completeAppend(messages []kafka.Message, err error) {
	for _, msg := range messages {
		ch, ok := msg.WriterData.(chan kafkaAck)
		if !ok {
			continue
		}
		ch <- kafkaAck{partition: int32(msg.Partition), offset: msg.Offset, err: err}
	}
}

func (s *kafkaStream) Append(ctx context.Context, key string, value []byte) (proto.WalPosition, error) {
	if len(value) > s.cfg.MaxRecordBytes {
		return proto.WalPosition{}, NewStreamError(Permanent, errors.New("record exceeds max record bytes"))
	}
	ack := make(chan kafkaAck, 1)
	err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:        []byte(key),
		Value:      value,
		WriterData: ack,
	})
	if err != nil {
		return proto.WalPosition{}, classifyKafkaError(err)
	}
	select {
	case a := <-ack:
		if a.err != nil {
			return proto.WalPosition{}, classifyKafkaError(a.err)
		}
		return proto.WalPosition{Partition: a.partition, Offset: a.offset}, nil
	case <-ctx.Done():
		return proto.WalPosition{}, NewStreamError(Transient, ctx.Err())
	}
}

func classifyKafkaError(err error) error {
	if errors.Is(err, kafka.MessageSizeTooLarge) {
		return NewStreamError(Permanent, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewStreamError(Transient, err)
	}
	kafkaErr := kafka.Error(0)
	if errors.As(err, &kafkaErr) {
		if kafkaErr.Temporary() {
			return NewStreamError(Transient, err)
		}
		switch kafkaErr {
		case kafka.NotEnoughReplicas, kafka.NotEnoughReplicasAfterAppend,
			kafka.LeaderNotAvailable, kafka.BrokerNotAvailable:
			return NewStreamError(Unavailable, err)
		}
	}
	return NewStreamError(Unavailable, err)
}

func (s *kafkaStream) OpenConsumer(ctx context.Context, partition int32, from From) (Consumer, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   s.cfg.Kafka.Brokers,
		Topic:     s.cfg.Topic,
		Partition: int(partition),
		MinBytes:  1,
		MaxBytes:  s.cfg.MaxRecordBytes * 2,
	})
	offset := int64(kafka.FirstOffset)
	if !from.Earliest {
		offset = from.Position.Offset
	}
	if err := reader.SetOffset(offset); err != nil {
		reader.Close()
		return nil, NewStreamError(Transient, err)
	}
	return &kafkaConsumer{reader: reader, partition: partition}, nil
}

func (s *kafkaStream) CommitCheckpoint(ctx context.Context, group string, pos proto.WalPosition) error {
	_, err := s.client.OffsetCommit(ctx, &kafka.OffsetCommitRequest{
		GroupID: group,
		Topics: map[string][]kafka.OffsetCommit{
			s.cfg.Topic: {{Partition: int(pos.Partition), Offset: pos.Offset}},
		},
	})
	return err
}

func (s *kafkaStream) EarliestPosition(ctx context.Context, partition int32) (proto.WalPosition, error) {
	return s.listOffset(ctx, partition, true)
}

func (s *kafkaStream) LatestPosition(ctx context.Context, partition int32) (proto.WalPosition, error) {
	return s.listOffset(ctx, partition, false)
}

func (s *kafkaStream) listOffset(ctx context.Context, partition int32, earliest bool) (proto.WalPosition, error) {
	req := kafka.OffsetRequest{Partition: int(partition), Timestamp: kafka.LastOffset}
	if earliest {
		req.Timestamp = kafka.FirstOffset
	}
	res, err := s.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{s.cfg.Topic: {req}},
	})
	if err != nil {
		return proto.WalPosition{}, NewStreamError(Unavailable, err)
	}
	for _, partOffsets := range res.Topics[s.cfg.Topic] {
		if partOffsets.Partition != int(partition) {
			continue
		}
		if partOffsets.Error != nil {
			return proto.WalPosition{}, NewStreamError(Unavailable, partOffsets.Error)
		}
		offset := partOffsets.LastOffset
		if earliest {
			offset = partOffsets.FirstOffset
		}
		return proto.WalPosition{Partition: partition, Offset: offset}, nil
	}
	return proto.WalPosition{}, NewStreamError(Transient, errors.New("partition offsets missing from response"))
}

func (s *kafkaStream) Partitions() int32 {
	return s.cfg.Partitions
}

func (s *kafkaStream) Close() error {
	return s.writer.Close()
}

type kafkaConsumer struct {
	reader    *kafka.Reader
	partition int32
}

func (c *kafkaConsumer) Next(ctx context.Context) (Record, error) {
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Key:      string(msg.Key),
		Value:    msg.Value,
		Position: proto.WalPosition{Partition: c.partition, Offset: msg.Offset},
	}, nil
}

func (c *kafkaConsumer) Close() error {
	return c.reader.Close()
}
