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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	apierrors "github.com/elloloop/entdb/errors"
	"github.com/elloloop/entdb/metrics"
	"github.com/elloloop/entdb/proto"
	"github.com/elloloop/entdb/schema"
	"github.com/elloloop/entdb/store"
	"github.com/elloloop/entdb/wal"
)

const (
	defaultInflightTTLMs = 10 * 60 * 1000
	defaultDeadlineMs    = 30000
)

type Config struct {
	InflightTTLMs     int64 `json:"inflight_ttl_ms"`
	DeadlineDefaultMs int64 `json:"deadline_default_ms"`
}

// Request is the transport-agnostic atomic execute envelope.
type Request struct {
	TenantID          string            `json:"tenant_id"`
	Actor             string            `json:"actor"`
	IdempotencyKey    string            `json:"idempotency_key,omitempty"`
	SchemaFingerprint string            `json:"schema_fingerprint,omitempty"`
	Operations        []proto.Operation `json:"operations"`
	WaitForApplied    bool              `json:"wait_for_applied,omitempty"`
}

// AppliedWaiter blocks until a tenant's applied position reaches pos or ctx
// expires. Implemented by the applier.
type AppliedWaiter interface {
	WaitForApplied(ctx context.Context, tenantID string, pos proto.WalPosition) bool
}

// Coordinator validates transactions, assigns ids, frames events and appends
// them to the WAL. Instances are stateless and parallel; the only local state
// is the soft inflight cache.
type Coordinator struct {
	cfg      Config
	registry *schema.Registry
	stream   wal.Stream
	stores   *store.Store
	waiter   AppliedWaiter
	ids      IDGenerator
	inflight *inflightCache
}

func New(cfg *Config, registry *schema.Registry, stream wal.Stream, stores *store.Store, waiter AppliedWaiter) *Coordinator {
	if cfg.InflightTTLMs <= 0 {
		cfg.InflightTTLMs = defaultInflightTTLMs
	}
	if cfg.DeadlineDefaultMs <= 0 {
		cfg.DeadlineDefaultMs = defaultDeadlineMs
	}
	return &Coordinator{
		cfg:      *cfg,
		registry: registry,
		stream:   stream,
		stores:   stores,
		waiter:   waiter,
		ids:      NewIDGenerator(),
		inflight: newInflightCache(time.Duration(cfg.InflightTTLMs) * time.Millisecond),
	}
}

// Execute runs the full coordination pipeline and returns a receipt. Retrying
// with the same idempotency key and body returns the same receipt; a reused
// key with a different body is INVALID_REQUEST.
func (c *Coordinator) Execute(ctx context.Context, req *Request) (*proto.Receipt, error) {
	span, ctx := trace.StartSpanFromContext(ctx, "execute")
	correlationID := span.TraceID()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.DeadlineDefaultMs)*time.Millisecond)
		defer cancel()
	}

	if err := c.checkEnvelope(req); err != nil {
		return nil, withCorrelation(err, correlationID)
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	bodyHash := hashBody(req)

	if receipt, err := c.priorReceipt(ctx, req, bodyHash); err != nil || receipt != nil {
		return receipt, withCorrelation(err, correlationID)
	}

	event, aliases, err := c.buildEvent(ctx, req)
	if err != nil {
		return nil, withCorrelation(err, correlationID)
	}

	record, err := proto.EncodeEvent(event)
	if err != nil {
		return nil, withCorrelation(apierrors.New(apierrors.CodeInternal, "encode event: %v", err), correlationID)
	}

	pos, err := c.append(ctx, req.TenantID, record)
	if err != nil {
		span.Errorf("append failed for tenant %s key %s: %v", req.TenantID, req.IdempotencyKey, err)
		return nil, withCorrelation(err, correlationID)
	}
	metrics.CoordinatorAppends.Inc()

	receipt := &proto.Receipt{
		ReceiptID:      uuid.NewString(),
		WalPosition:    pos,
		Applied:        false,
		IdempotencyKey: req.IdempotencyKey,
		ResultAliases:  aliases,
	}
	c.inflight.put(req.TenantID, req.IdempotencyKey, bodyHash, receipt)

	if req.WaitForApplied {
		c.awaitApplied(ctx, req.TenantID, receipt)
	}
	return receipt, nil
}

func (c *Coordinator) checkEnvelope(req *Request) error {
	if req.TenantID == "" || req.Actor == "" {
		return apierrors.New(apierrors.CodeInvalidRequest, "tenant_id and actor are required")
	}
	if len(req.Operations) == 0 {
		return apierrors.New(apierrors.CodeInvalidRequest, "transaction has no operations")
	}
	if req.SchemaFingerprint != "" && req.SchemaFingerprint != c.registry.Fingerprint() {
		return apierrors.New(apierrors.CodeInvalidRequest, "schema fingerprint mismatch").
			WithDetail("server_fingerprint", c.registry.Fingerprint())
	}
	return nil
}

// priorReceipt resolves a retried idempotency key from the inflight cache or
// from the durable applied_events table.
func (c *Coordinator) priorReceipt(ctx context.Context, req *Request, bodyHash string) (*proto.Receipt, error) {
	if receipt, priorHash, ok := c.inflight.get(req.TenantID, req.IdempotencyKey); ok {
		if priorHash != bodyHash {
			return nil, apierrors.New(apierrors.CodeInvalidRequest,
				"idempotency key %s reused with a different body", req.IdempotencyKey)
		}
		c.refreshApplied(ctx, req.TenantID, receipt)
		if req.WaitForApplied && !receipt.Applied {
			c.awaitApplied(ctx, req.TenantID, receipt)
		}
		return receipt, nil
	}

	tenant, err := c.stores.Tenant(ctx, req.TenantID)
	if err != nil {
		return nil, apierrors.New(apierrors.CodeInternal, "open tenant store: %v", err)
	}
	applied, err := tenant.AppliedEvent(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, apierrors.New(apierrors.CodeInternal, "applied event lookup: %v", err)
	}
	if applied == nil {
		return nil, nil
	}
	result := &store.ApplyResult{}
	if err = json.Unmarshal([]byte(applied.ResultJSON), result); err != nil {
		return nil, apierrors.New(apierrors.CodeInternal, "decode applied result: %v", err)
	}
	return &proto.Receipt{
		ReceiptID:      uuid.NewString(),
		WalPosition:    applied.WalPosition,
		Applied:        true,
		IdempotencyKey: req.IdempotencyKey,
		Conflicts:      result.Conflicts,
	}, nil
}

// buildEvent validates and resolves the operation list into a framed event.
func (c *Coordinator) buildEvent(ctx context.Context, req *Request) (*proto.Event, map[string]string, error) {
	tenant, err := c.stores.Tenant(ctx, req.TenantID)
	if err != nil {
		return nil, nil, apierrors.New(apierrors.CodeInternal, "open tenant store: %v", err)
	}

	aliases := make(map[string]string)
	ops := make([]proto.Operation, len(req.Operations))
	copy(ops, req.Operations)

	for i := range ops {
		op := &ops[i]
		switch op.Op {
		case proto.OpCreateNode:
			expanded, expandErr := c.registry.ExpandDefaults(op.TypeID, op.Payload)
			if expandErr != nil {
				return nil, nil, apierrors.New(apierrors.CodeValidationError,
					"op %d: unknown type_id %d", i, op.TypeID)
			}
			if fieldErrors := c.registry.Validate(op.TypeID, expanded); len(fieldErrors) > 0 {
				return nil, nil, validationError(i, fieldErrors)
			}
			for _, principal := range op.Principals {
				if !proto.ValidPrincipal(principal) {
					return nil, nil, apierrors.New(apierrors.CodeInvalidRequest,
						"op %d: invalid principal %q", i, principal)
				}
			}
			op.Payload = expanded
			op.NodeID = c.ids.NextID()
			if op.Alias != "" {
				if _, dup := aliases[op.Alias]; dup {
					return nil, nil, apierrors.New(apierrors.CodeInvalidRequest,
						"op %d: duplicate alias %q", i, op.Alias)
				}
				aliases[op.Alias] = op.NodeID
			}
		case proto.OpUpdateNode:
			if resolveErr := resolveRef(&op.NodeID, aliases, i); resolveErr != nil {
				return nil, nil, resolveErr
			}
			if typeID, known := c.patchType(ctx, tenant, ops, op); known {
				if fieldErrors := c.registry.ValidatePatch(typeID, op.Patch); len(fieldErrors) > 0 {
					return nil, nil, validationError(i, fieldErrors)
				}
			}
			if verifyErr := c.verifyVersion(ctx, tenant, op, aliases, i); verifyErr != nil {
				return nil, nil, verifyErr
			}
		case proto.OpDeleteNode:
			if resolveErr := resolveRef(&op.NodeID, aliases, i); resolveErr != nil {
				return nil, nil, resolveErr
			}
		case proto.OpCreateEdge:
			if resolveErr := resolveRef(&op.From, aliases, i); resolveErr != nil {
				return nil, nil, resolveErr
			}
			if resolveErr := resolveRef(&op.To, aliases, i); resolveErr != nil {
				return nil, nil, resolveErr
			}
			if verifyErr := c.verifyEdge(ctx, tenant, ops, op, i); verifyErr != nil {
				return nil, nil, verifyErr
			}
		case proto.OpDeleteEdge:
			if resolveErr := resolveRef(&op.From, aliases, i); resolveErr != nil {
				return nil, nil, resolveErr
			}
			if resolveErr := resolveRef(&op.To, aliases, i); resolveErr != nil {
				return nil, nil, resolveErr
			}
		case proto.OpSetVisibility:
			if resolveErr := resolveRef(&op.NodeID, aliases, i); resolveErr != nil {
				return nil, nil, resolveErr
			}
			for _, principal := range op.Principals {
				if !proto.ValidPrincipal(principal) {
					return nil, nil, apierrors.New(apierrors.CodeInvalidRequest,
						"op %d: invalid principal %q", i, principal)
				}
			}
		default:
			return nil, nil, apierrors.New(apierrors.CodeInvalidRequest,
				"op %d: unknown operation kind %q", i, op.Op)
		}
	}

	event := &proto.Event{
		EventID:           uuid.NewString(),
		TenantID:          req.TenantID,
		Actor:             req.Actor,
		IdempotencyKey:    req.IdempotencyKey,
		SchemaFingerprint: c.registry.Fingerprint(),
		CreatedAtMs:       time.Now().UnixMilli(),
		Operations:        ops,
	}
	return event, aliases, nil
}

// patchType finds the node type an update patches, from this transaction's
// creates or from the store. Best effort: an update racing the apply of an
// earlier transaction validates at apply time instead.
func (c *Coordinator) patchType(ctx context.Context, tenant *store.TenantStore, ops []proto.Operation, op *proto.Operation) (proto.TypeID, bool) {
	if typeID, ok := typeOfCreated(ops, op.NodeID); ok {
		return typeID, true
	}
	if typeID, ok, err := tenant.NodeType(ctx, op.NodeID); err == nil && ok {
		return typeID, true
	}
	return 0, false
}

func (c *Coordinator) verifyVersion(ctx context.Context, tenant *store.TenantStore, op *proto.Operation, aliases map[string]string, opIndex int) error {
	if op.ExpectedVersion == nil {
		return nil
	}
	for _, id := range aliases {
		if id == op.NodeID {
			// Created in this transaction; version starts at 1 on apply.
			return nil
		}
	}
	version, ok, err := tenant.NodeVersion(ctx, op.NodeID)
	if err != nil || !ok {
		// Best effort only; apply is the authority.
		return nil
	}
	if version != *op.ExpectedVersion {
		return apierrors.New(apierrors.CodeConflict, "op %d: version mismatch on %s", opIndex, op.NodeID).
			WithDetail("expected_version", *op.ExpectedVersion).
			WithDetail("observed_version", version)
	}
	return nil
}

// verifyEdge best-effort checks edge endpoint types, using this transaction's
// creates first and falling back to the store.
func (c *Coordinator) verifyEdge(ctx context.Context, tenant *store.TenantStore, ops []proto.Operation, op *proto.Operation, opIndex int) error {
	edgeType, err := c.registry.GetEdgeType(op.EdgeTypeID)
	if err != nil {
		return apierrors.New(apierrors.CodeValidationError, "op %d: unknown edge_type_id %d", opIndex, op.EdgeTypeID)
	}
	for _, endpoint := range []struct {
		id       string
		wantType proto.TypeID
		role     string
	}{{op.From, edgeType.FromType, "from"}, {op.To, edgeType.ToType, "to"}} {
		typeID, found := typeOfCreated(ops, endpoint.id)
		if !found {
			var ok bool
			var typeErr error
			typeID, ok, typeErr = tenant.NodeType(ctx, endpoint.id)
			if typeErr != nil || !ok {
				continue
			}
		}
		if typeID != endpoint.wantType {
			return apierrors.New(apierrors.CodeValidationError,
				"op %d: %s node %s has type %d, edge %d wants %d",
				opIndex, endpoint.role, endpoint.id, typeID, op.EdgeTypeID, endpoint.wantType)
		}
	}
	return nil
}

func typeOfCreated(ops []proto.Operation, nodeID string) (proto.TypeID, bool) {
	for i := range ops {
		if ops[i].Op == proto.OpCreateNode && ops[i].NodeID == nodeID {
			return ops[i].TypeID, true
		}
	}
	return 0, false
}

func resolveRef(field *string, aliases map[string]string, opIndex int) error {
	alias, isRef := proto.AliasRef(*field)
	if !isRef {
		if *field == "" {
			return apierrors.New(apierrors.CodeInvalidRequest, "op %d: missing node id", opIndex)
		}
		return nil
	}
	id, ok := aliases[alias]
	if !ok {
		return apierrors.New(apierrors.CodeInvalidRequest,
			"op %d: unresolved alias %q", opIndex, alias)
	}
	*field = id
	return nil
}

// append writes the framed record, retrying once internally with jittered
// backoff when the broker is unavailable.
func (c *Coordinator) append(ctx context.Context, tenantID string, record []byte) (proto.WalPosition, error) {
	timer := prometheus.NewTimer(metrics.AppendLatency)
	defer timer.ObserveDuration()

	pos, err := c.stream.Append(ctx, tenantID, record)
	if err == nil {
		return pos, nil
	}
	switch wal.ClassOf(err) {
	case wal.Permanent:
		return proto.WalPosition{}, apierrors.New(apierrors.CodeInvalidRequest, "append rejected: %v", err)
	case wal.Unavailable:
		retry := backoff.NewExponentialBackOff()
		retry.InitialInterval = 50 * time.Millisecond
		retry.RandomizationFactor = 0.5
		select {
		case <-time.After(retry.NextBackOff()):
		case <-ctx.Done():
			return proto.WalPosition{}, apierrors.New(apierrors.CodeTimeout, "append deadline exceeded")
		}
		pos, err = c.stream.Append(ctx, tenantID, record)
		if err == nil {
			return pos, nil
		}
		if wal.ClassOf(err) == wal.Unavailable {
			return proto.WalPosition{}, apierrors.New(apierrors.CodeServiceUnavailable, "wal unavailable: %v", err)
		}
	}
	if ctx.Err() != nil {
		// The record may still become durable; a retry with the same key is
		// deduplicated through applied_events.
		return proto.WalPosition{}, apierrors.New(apierrors.CodeTimeout, "append deadline exceeded")
	}
	return proto.WalPosition{}, apierrors.New(apierrors.CodeServiceUnavailable, "append failed: %v", err)
}

// refreshApplied upgrades a receipt with the durable apply result if present.
func (c *Coordinator) refreshApplied(ctx context.Context, tenantID string, receipt *proto.Receipt) {
	tenant, err := c.stores.Tenant(ctx, tenantID)
	if err != nil {
		return
	}
	applied, err := tenant.AppliedEvent(ctx, receipt.IdempotencyKey)
	if err != nil || applied == nil {
		return
	}
	result := &store.ApplyResult{}
	if json.Unmarshal([]byte(applied.ResultJSON), result) == nil {
		receipt.Applied = true
		receipt.WalPosition = applied.WalPosition
		receipt.Conflicts = result.Conflicts
	}
}

// awaitApplied blocks on the applier's applied-position condition until the
// receipt's position is applied or the deadline passes. Timeout is not an
// error: the receipt just reports applied=false.
func (c *Coordinator) awaitApplied(ctx context.Context, tenantID string, receipt *proto.Receipt) {
	if c.waiter == nil {
		return
	}
	if c.waiter.WaitForApplied(ctx, tenantID, receipt.WalPosition) {
		c.refreshApplied(ctx, tenantID, receipt)
	}
}

func validationError(opIndex int, fieldErrors []schema.FieldError) error {
	err := apierrors.New(apierrors.CodeValidationError, "op %d: payload failed validation", opIndex)
	details := make([]map[string]interface{}, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		detail := map[string]interface{}{
			"field":   fieldError.Field,
			"message": fieldError.Message,
		}
		if fieldError.Expected != "" {
			detail["expected"] = fieldError.Expected
		}
		if fieldError.Actual != "" {
			detail["actual"] = fieldError.Actual
		}
		if len(fieldError.Suggestions) > 0 {
			detail["suggestions"] = fieldError.Suggestions
		}
		details = append(details, detail)
	}
	return err.WithDetail("fields", details)
}

func withCorrelation(err error, correlationID string) error {
	if err == nil {
		return nil
	}
	coded := &apierrors.Error{}
	if asErr, ok := err.(*apierrors.Error); ok {
		coded = asErr
	} else {
		coded = apierrors.New(apierrors.CodeInternal, "%v", err)
	}
	return coded.WithCorrelationID(correlationID)
}

func hashBody(req *Request) string {
	body, _ := json.Marshal(struct {
		TenantID   string            `json:"tenant_id"`
		Actor      string            `json:"actor"`
		Operations []proto.Operation `json:"operations"`
	}{req.TenantID, req.Actor, req.Operations})
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
