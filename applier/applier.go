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
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	"github.com/elloloop/entdb/metrics"
	"github.com/elloloop/entdb/proto"
	"github.com/elloloop/entdb/store"
	"github.com/elloloop/entdb/wal"
)

const (
	defaultGroup            = "entdb-applier"
	defaultMaxRetryBackoff  = 5000
	defaultInitialBackoffMs = 50
)

type Config struct {
	Group string `json:"group"`
	// ParallelismPerNode does not change the worker count: New always starts
	// one worker per partition and only logs a warning when this is set below
	// the partition count.
	ParallelismPerNode int    `json:"parallelism_per_node"`
	MaxRetryBackoffMs  int64  `json:"max_retry_backoff_ms"`
	DeadletterDir      string `json:"deadletter_dir"`
}

// Applier drives the WAL into the tenant stores. One serial worker per
// partition: partitions are per-tenant ordered, so per-tenant apply order is
// the WAL append order, and unrelated tenants on different partitions apply
// in parallel. Apply never suspends mid-event.
type Applier struct {
	cfg        Config
	stream     wal.Stream
	stores     *store.Store
	deadletter *DeadLetter
	taskPool   taskpool.TaskPool

	mu        sync.Mutex
	progress  map[string]*tenantProgress
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// tenantProgress publishes the applied position for wait_for_applied.
type tenantProgress struct {
	mu      sync.Mutex
	pos     proto.WalPosition
	has     bool
	changed chan struct{}
}

func New(cfg *Config, stream wal.Stream, stores *store.Store) (*Applier, error) {
	if cfg.Group == "" {
		cfg.Group = defaultGroup
	}
	if cfg.MaxRetryBackoffMs <= 0 {
		cfg.MaxRetryBackoffMs = defaultMaxRetryBackoff
	}
	if cfg.DeadletterDir == "" {
		cfg.DeadletterDir = "./run/deadletter"
	}
	deadletter, err := NewDeadLetter(cfg.DeadletterDir)
	if err != nil {
		return nil, err
	}
	partitions := int(stream.Partitions())
	if cfg.ParallelismPerNode > 0 && cfg.ParallelismPerNode < partitions {
		// A worker owns its partition for the process lifetime; fewer workers
		// than partitions would strand the rest.
		log.Warnf("parallelism_per_node %d below partition count %d, clamping",
			cfg.ParallelismPerNode, partitions)
	}
	return &Applier{
		cfg:        *cfg,
		stream:     stream,
		stores:     stores,
		deadletter: deadletter,
		taskPool:   taskpool.New(partitions, partitions),
		progress:   make(map[string]*tenantProgress),
	}, nil
}

// Start launches one worker per partition. Restarting tenants resume from
// the checkpoint in their own tenant_meta, never from the broker's commit.
func (a *Applier) Start(ctx context.Context) error {
	starts, err := a.partitionStarts(ctx)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	for partition := int32(0); partition < a.stream.Partitions(); partition++ {
		partition := partition
		from := starts[partition]
		a.wg.Add(1)
		a.taskPool.Run(func() {
			defer a.wg.Done()
			a.runPartition(runCtx, partition, from)
		})
	}
	log.Infof("applier started over %d partitions", a.stream.Partitions())
	return nil
}

// Close drains the current records and stops. Safe to call more than once.
func (a *Applier) Close() {
	a.closeOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()
		a.taskPool.Close()
	})
}

// partitionStarts reads every on-disk tenant's checkpoint and picks, per
// partition, the lowest next offset. Records below a tenant's own checkpoint
// are skipped by the replay-safe path.
func (a *Applier) partitionStarts(ctx context.Context) (map[int32]wal.From, error) {
	starts := make(map[int32]wal.From)
	for partition := int32(0); partition < a.stream.Partitions(); partition++ {
		starts[partition] = wal.FromEarliest()
	}

	tenants, err := a.stores.Tenants()
	if err != nil {
		return nil, err
	}
	lowest := make(map[int32]int64)
	counted := make(map[int32]int)
	tenantsPerPartition := make(map[int32]int)
	for _, tenantID := range tenants {
		tenantsPerPartition[wal.PartitionFor(tenantID, a.stream.Partitions())]++
	}
	for _, tenantID := range tenants {
		tenant, tenantErr := a.stores.Tenant(ctx, tenantID)
		if tenantErr != nil {
			return nil, tenantErr
		}
		checkpoint, has, cpErr := tenant.Checkpoint(ctx)
		if cpErr != nil {
			return nil, cpErr
		}
		if !has {
			continue
		}
		a.publishApplied(tenantID, checkpoint)
		partition := checkpoint.Partition
		next := checkpoint.Offset + 1
		if cur, ok := lowest[partition]; !ok || next < cur {
			lowest[partition] = next
		}
		counted[partition]++
	}
	for partition, next := range lowest {
		// A tenant without any checkpoint still needs its history; only trust
		// the lowest checkpoint when every tenant on the partition has one.
		if counted[partition] == tenantsPerPartition[partition] {
			starts[partition] = wal.FromPosition(proto.WalPosition{Partition: partition, Offset: next})
		}
	}
	return starts, nil
}

func (a *Applier) runPartition(ctx context.Context, partition int32, from wal.From) {
	consumer, err := a.stream.OpenConsumer(ctx, partition, from)
	for err != nil {
		log.Errorf("open consumer for partition %d: %v", partition, err)
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
		consumer, err = a.stream.OpenConsumer(ctx, partition, from)
	}
	defer consumer.Close()

	for {
		record, nextErr := consumer.Next(ctx)
		if nextErr != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf("partition %d consumer: %v", partition, nextErr)
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		if !a.processRecord(ctx, record) {
			return
		}
		if latest, latestErr := a.stream.LatestPosition(ctx, partition); latestErr == nil {
			metrics.ApplierLag.WithLabelValues(strconv.Itoa(int(partition))).
				Set(float64(latest.Offset - record.Position.Offset - 1))
		}
	}
}

// processRecord applies one record to completion, retrying transient store
// faults forever with capped backoff. Returns false when ctx is done.
func (a *Applier) processRecord(ctx context.Context, record wal.Record) bool {
	span, sctx := trace.StartSpanFromContext(ctx, "apply")

	event, err := proto.DecodeEvent(record.Value)
	if err != nil {
		// Undecodable bytes can never apply; isolate and move on.
		a.deadletter.Record(record.Key, record.Position, record.Value, "decode: "+err.Error())
		metrics.ApplierApplied.WithLabelValues("dead_letter").Inc()
		return a.advanceDeadLettered(sctx, record.Key, record.Position)
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = defaultInitialBackoffMs * time.Millisecond
	retry.MaxInterval = time.Duration(a.cfg.MaxRetryBackoffMs) * time.Millisecond
	retry.MaxElapsedTime = 0

	for {
		tenant, tenantErr := a.stores.Tenant(sctx, event.TenantID)
		if tenantErr == nil {
			if skip, skipErr := a.alreadyApplied(sctx, tenant, event, record.Position); skipErr == nil && skip {
				metrics.ApplierApplied.WithLabelValues("skipped").Inc()
				a.publishApplied(event.TenantID, record.Position)
				a.commitAdvisory(sctx, record.Position)
				return true
			}
			result, applyErr := tenant.ApplyTransaction(sctx, event, record.Position)
			if applyErr == nil {
				if len(result.Conflicts) > 0 {
					span.Warnf("event %s applied with %d conflicts", event.EventID, len(result.Conflicts))
				}
				metrics.ApplierApplied.WithLabelValues("applied").Inc()
				a.publishApplied(event.TenantID, record.Position)
				a.commitAdvisory(sctx, record.Position)
				return true
			}
			invariant := &store.InvariantError{}
			if errors.As(applyErr, &invariant) {
				a.deadletter.Record(event.TenantID, record.Position, record.Value, invariant.Reason)
				metrics.ApplierApplied.WithLabelValues("dead_letter").Inc()
				return a.advanceDeadLettered(sctx, event.TenantID, record.Position)
			}
			span.Errorf("apply %s for tenant %s: %v", event.EventID, event.TenantID, applyErr)
		} else {
			span.Errorf("open tenant %s: %v", event.TenantID, tenantErr)
		}

		metrics.ApplierRetries.Inc()
		select {
		case <-time.After(retry.NextBackOff()):
		case <-ctx.Done():
			return false
		}
	}
}

// alreadyApplied is the replay-safe path: an applied_events hit or a
// checkpoint at or past the record means only the checkpoint moves.
func (a *Applier) alreadyApplied(ctx context.Context, tenant *store.TenantStore, event *proto.Event, pos proto.WalPosition) (bool, error) {
	checkpoint, has, err := tenant.Checkpoint(ctx)
	if err != nil {
		return false, err
	}
	if has && checkpoint.Partition == pos.Partition && checkpoint.Offset >= pos.Offset {
		return true, nil
	}
	applied, err := tenant.AppliedEvent(ctx, event.IdempotencyKey)
	if err != nil {
		return false, err
	}
	if applied == nil {
		return false, nil
	}
	return true, tenant.SetCheckpoint(ctx, pos)
}

// advanceDeadLettered moves the checkpoint past an isolated event so one
// poisoned record does not block the tenant's stream.
func (a *Applier) advanceDeadLettered(ctx context.Context, tenantID string, pos proto.WalPosition) bool {
	tenant, err := a.stores.Tenant(ctx, tenantID)
	if err != nil {
		log.Errorf("advance dead-lettered for %s: %v", tenantID, err)
		return ctx.Err() == nil
	}
	if err = tenant.SetCheckpoint(ctx, pos); err != nil {
		log.Errorf("advance dead-lettered checkpoint for %s: %v", tenantID, err)
	}
	a.publishApplied(tenantID, pos)
	return ctx.Err() == nil
}

func (a *Applier) commitAdvisory(ctx context.Context, pos proto.WalPosition) {
	if err := a.stream.CommitCheckpoint(ctx, a.cfg.Group, pos); err != nil {
		log.Warnf("advisory checkpoint commit: %v", err)
	}
}

func (a *Applier) tenantProgress(tenantID string) *tenantProgress {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.progress[tenantID]
	if !ok {
		p = &tenantProgress{changed: make(chan struct{})}
		a.progress[tenantID] = p
	}
	return p
}

func (a *Applier) publishApplied(tenantID string, pos proto.WalPosition) {
	p := a.tenantProgress(tenantID)
	p.mu.Lock()
	if !p.has || pos.Offset > p.pos.Offset {
		p.pos = pos
		p.has = true
		close(p.changed)
		p.changed = make(chan struct{})
	}
	p.mu.Unlock()
}

// AppliedPosition reports the tenant's in-memory applied position.
func (a *Applier) AppliedPosition(tenantID string) (proto.WalPosition, bool) {
	p := a.tenantProgress(tenantID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos, p.has
}

// WaitForApplied blocks until the tenant's applied position reaches pos or
// ctx expires. Returns whether the position was reached.
func (a *Applier) WaitForApplied(ctx context.Context, tenantID string, pos proto.WalPosition) bool {
	p := a.tenantProgress(tenantID)
	for {
		p.mu.Lock()
		if p.has && p.pos.Partition == pos.Partition && p.pos.Offset >= pos.Offset {
			p.mu.Unlock()
			return true
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
	}
}
