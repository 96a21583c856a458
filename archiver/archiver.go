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

package archiver

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/elloloop/entdb/metrics"
	"github.com/elloloop/entdb/objstore"
	"github.com/elloloop/entdb/proto"
	"github.com/elloloop/entdb/util/limiter"
	"github.com/elloloop/entdb/wal"
)

const (
	defaultSegmentBytes   = 256 << 20
	defaultSegmentSeconds = 600
	defaultObjectPrefix   = "archive"

	checkpointPrefix = "_checkpoints"
)

type Config struct {
	SegmentBytes   int64  `json:"segment_bytes"`
	SegmentSeconds int64  `json:"segment_seconds"`
	ObjectPrefix   string `json:"object_prefix"`
	UploadMBPS     int    `json:"upload_mbps"`
}

// Line is one archived event: the envelope decoded to JSON plus its WAL
// position, one per line in WAL order within a segment. The position makes
// deduplication at replay trivial under at-least-once delivery.
type Line struct {
	WalPosition string       `json:"wal_position"`
	TenantID    string       `json:"tenant_id"`
	Event       *proto.Event `json:"event"`
}

// Archiver tails every WAL partition into compressed, checksummed segments
// in object storage. It never blocks writes; failures only show up in health
// and metrics.
type Archiver struct {
	cfg     Config
	stream  wal.Stream
	backend objstore.Backend
	limiter limiter.Limiter

	mu      sync.Mutex
	lastErr error
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg *Config, stream wal.Stream, backend objstore.Backend) *Archiver {
	if cfg.SegmentBytes <= 0 {
		cfg.SegmentBytes = defaultSegmentBytes
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = defaultSegmentSeconds
	}
	if cfg.ObjectPrefix == "" {
		cfg.ObjectPrefix = defaultObjectPrefix
	}
	return &Archiver{
		cfg:     *cfg,
		stream:  stream,
		backend: backend,
		limiter: limiter.New(&limiter.Config{WriteMBPS: cfg.UploadMBPS}),
	}
}

func (a *Archiver) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	for partition := int32(0); partition < a.stream.Partitions(); partition++ {
		partition := partition
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.runPartition(runCtx, partition)
		}()
	}
	log.Infof("archiver started over %d partitions", a.stream.Partitions())
}

func (a *Archiver) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// Healthy reports the most recent error recorded by any partition. The error
// is shared across partitions: a later successful flush on any partition
// clears it.
func (a *Archiver) Healthy() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr == nil, a.lastErr
}

func (a *Archiver) setErr(err error) {
	a.mu.Lock()
	a.lastErr = err
	a.mu.Unlock()
}

// segment accumulates gzip-compressed JSONL plus the checksum of the
// decompressed bytes.
type segment struct {
	buf      bytes.Buffer
	gz       *gzip.Writer
	plainSum [32]byte
	hasher   interface {
		io.Writer
		Sum([]byte) []byte
	}
	firstOffset int64
	lastOffset  int64
	records     int
	openedAt    time.Time
}

func newSegment(firstOffset int64) *segment {
	s := &segment{
		firstOffset: firstOffset,
		lastOffset:  firstOffset - 1,
		openedAt:    time.Now(),
		hasher:      sha256.New(),
	}
	s.gz = gzip.NewWriter(&s.buf)
	return s
}

func (s *segment) add(line []byte) error {
	if _, err := s.hasher.Write(line); err != nil {
		return err
	}
	_, err := s.gz.Write(line)
	return err
}

func (a *Archiver) runPartition(ctx context.Context, partition int32) {
	from := a.loadCheckpoint(ctx, partition)
	consumer, err := a.stream.OpenConsumer(ctx, partition, from)
	for err != nil {
		a.setErr(err)
		log.Errorf("archiver open consumer partition %d: %v", partition, err)
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
		consumer, err = a.stream.OpenConsumer(ctx, partition, from)
	}
	defer consumer.Close()

	var current *segment
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	flush := func() {
		if current == nil || current.records == 0 {
			return
		}
		if err := a.flushSegment(ctx, partition, current); err != nil {
			a.setErr(err)
			log.Errorf("archiver flush partition %d: %v", partition, err)
			// Keep the segment; retry on the next tick.
			return
		}
		a.setErr(nil)
		current = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			if current != nil && time.Since(current.openedAt) >= time.Duration(a.cfg.SegmentSeconds)*time.Second {
				flush()
			}
			continue
		default:
		}

		nextCtx, cancel := context.WithTimeout(ctx, time.Second)
		record, nextErr := consumer.Next(nextCtx)
		cancel()
		if nextErr != nil {
			if ctx.Err() != nil {
				flush()
				return
			}
			if current != nil && time.Since(current.openedAt) >= time.Duration(a.cfg.SegmentSeconds)*time.Second {
				flush()
			}
			continue
		}

		event, decodeErr := proto.DecodeEvent(record.Value)
		if decodeErr != nil {
			log.Errorf("archiver decode at %s: %v", record.Position.String(), decodeErr)
			continue
		}
		line, marshalErr := json.Marshal(&Line{
			WalPosition: record.Position.String(),
			TenantID:    event.TenantID,
			Event:       event,
		})
		if marshalErr != nil {
			log.Errorf("archiver marshal at %s: %v", record.Position.String(), marshalErr)
			continue
		}
		line = append(line, '\n')

		if current == nil {
			current = newSegment(record.Position.Offset)
		}
		if err := current.add(line); err != nil {
			a.setErr(err)
			continue
		}
		current.lastOffset = record.Position.Offset
		current.records++

		if int64(current.buf.Len()) >= a.cfg.SegmentBytes {
			flush()
		}
	}
}

// flushSegment uploads segment data and its checksum, then advances the
// committed position. At-least-once: a crash between uploads re-sends the
// whole segment under the same key.
func (a *Archiver) flushSegment(ctx context.Context, partition int32, s *segment) error {
	if err := s.gz.Close(); err != nil {
		return err
	}
	date := s.openedAt.UTC().Format("2006-01-02")
	base := path.Join(a.cfg.ObjectPrefix, strconv.Itoa(int(partition)), date,
		fmt.Sprintf("%020d.jsonl.gz", s.firstOffset))

	if err := a.putLimited(ctx, base, s.buf.Bytes()); err != nil {
		return err
	}
	checksum := hex.EncodeToString(s.hasher.Sum(nil))
	if err := a.putLimited(ctx, base+".checksum", []byte(checksum)); err != nil {
		return err
	}
	if err := a.storeCheckpoint(ctx, partition, s.lastOffset+1); err != nil {
		return err
	}
	metrics.ArchiveSegments.Inc()
	metrics.ArchiveBytes.Add(float64(s.buf.Len()))
	log.Infof("archived segment %s: %d records, %d compressed bytes", base, s.records, s.buf.Len())
	return nil
}

func (a *Archiver) putLimited(ctx context.Context, key string, data []byte) error {
	if err := a.limiter.AcquireWrite(); err != nil {
		return err
	}
	defer a.limiter.ReleaseWrite()
	reader := a.limiter.Reader(ctx, bytes.NewReader(data))
	return a.backend.PutObject(ctx, key, reader, int64(len(data)))
}

func (a *Archiver) checkpointKey(partition int32) string {
	return path.Join(a.cfg.ObjectPrefix, checkpointPrefix, strconv.Itoa(int(partition)))
}

func (a *Archiver) loadCheckpoint(ctx context.Context, partition int32) wal.From {
	body, err := a.backend.GetObject(ctx, a.checkpointKey(partition))
	if err != nil {
		return wal.FromEarliest()
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return wal.FromEarliest()
	}
	offset, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return wal.FromEarliest()
	}
	return wal.FromPosition(proto.WalPosition{Partition: partition, Offset: offset})
}

func (a *Archiver) storeCheckpoint(ctx context.Context, partition int32, nextOffset int64) error {
	data := []byte(strconv.FormatInt(nextOffset, 10))
	return a.backend.PutObject(ctx, a.checkpointKey(partition), bytes.NewReader(data), int64(len(data)))
}

// ListSegments returns a partition's segment keys in offset order, checksum
// siblings and checkpoints excluded.
func ListSegments(ctx context.Context, backend objstore.Backend, objectPrefix string, partition int32) ([]string, error) {
	if objectPrefix == "" {
		objectPrefix = defaultObjectPrefix
	}
	keys, err := backend.List(ctx, path.Join(objectPrefix, strconv.Itoa(int(partition)))+"/")
	if err != nil {
		return nil, err
	}
	var segments []string
	for _, key := range keys {
		if strings.HasSuffix(key, ".jsonl.gz") {
			segments = append(segments, key)
		}
	}
	return segments, nil
}

// ReadSegment decompresses a segment, verifies its checksum sibling and
// returns the lines in WAL order.
func ReadSegment(ctx context.Context, backend objstore.Backend, key string) ([]Line, error) {
	body, err := backend.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	gz, err := gzip.NewReader(body)
	if err != nil {
		return nil, err
	}
	plain, err := io.ReadAll(gz)
	if err != nil {
		return nil, err
	}
	if err = gz.Close(); err != nil {
		return nil, err
	}

	sumBody, err := backend.GetObject(ctx, key+".checksum")
	if err != nil {
		return nil, err
	}
	defer sumBody.Close()
	want, err := io.ReadAll(sumBody)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(plain)
	if got := hex.EncodeToString(sum[:]); got != strings.TrimSpace(string(want)) {
		return nil, fmt.Errorf("segment %s checksum mismatch", key)
	}

	var lines []Line
	for _, raw := range bytes.Split(plain, []byte{'\n'}) {
		if len(raw) == 0 {
			continue
		}
		line := Line{}
		if err = json.Unmarshal(raw, &line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}
