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

package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/agnivade/levenshtein"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	apierrors "github.com/elloloop/entdb/errors"
	"github.com/elloloop/entdb/proto"
)

const maxSuggestDistance = 2

// Definitions is the frozen set of node and edge types, the unit of schema
// exchange, fingerprinting and compatibility checking.
type Definitions struct {
	NodeTypes []NodeType `json:"node_types"`
	EdgeTypes []EdgeType `json:"edge_types"`
}

// Registry is the process-wide type authority. It is mutable until Freeze;
// reads take a shared read lock. Updates require a new process.
type Registry struct {
	mu sync.RWMutex

	nodeTypes       map[proto.TypeID]*NodeType
	nodeTypesByName map[string]*NodeType
	edgeTypes       map[proto.EdgeTypeID]*EdgeType

	frozen      bool
	fingerprint string
}

func NewRegistry() *Registry {
	return &Registry{
		nodeTypes:       make(map[proto.TypeID]*NodeType),
		nodeTypesByName: make(map[string]*NodeType),
		edgeTypes:       make(map[proto.EdgeTypeID]*EdgeType),
	}
}

func (r *Registry) Register(nodeType NodeType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return apierrors.ErrRegistryFrozen
	}
	if nodeType.TypeID == 0 || nodeType.Name == "" {
		return errors.New("node type requires a non-zero type_id and a name")
	}
	if existing, ok := r.nodeTypes[nodeType.TypeID]; ok {
		return fmt.Errorf("type_id %d already registered as %q", nodeType.TypeID, existing.Name)
	}
	if existing, ok := r.nodeTypesByName[nodeType.Name]; ok {
		return fmt.Errorf("node type name %q already registered with type_id %d", nodeType.Name, existing.TypeID)
	}

	seenFieldIDs := make(map[proto.FieldID]string, len(nodeType.Fields))
	seenFieldNames := make(map[string]struct{}, len(nodeType.Fields))
	for i := range nodeType.Fields {
		field := &nodeType.Fields[i]
		if field.FieldID == 0 || field.Name == "" {
			return fmt.Errorf("type %q: field requires a non-zero field_id and a name", nodeType.Name)
		}
		if !ValidKind(field.Kind) {
			return fmt.Errorf("type %q field %q: unknown kind %q", nodeType.Name, field.Name, field.Kind)
		}
		if field.Kind == KindEnum && len(field.EnumValues) == 0 {
			return fmt.Errorf("type %q field %q: enum kind requires enum_values", nodeType.Name, field.Name)
		}
		if prev, dup := seenFieldIDs[field.FieldID]; dup {
			return fmt.Errorf("type %q: field_id %d used by both %q and %q", nodeType.Name, field.FieldID, prev, field.Name)
		}
		if _, dup := seenFieldNames[field.Name]; dup {
			return fmt.Errorf("type %q: duplicate field name %q", nodeType.Name, field.Name)
		}
		seenFieldIDs[field.FieldID] = field.Name
		seenFieldNames[field.Name] = struct{}{}
	}

	stored := nodeType
	r.nodeTypes[stored.TypeID] = &stored
	r.nodeTypesByName[stored.Name] = &stored
	log.Debugf("registered node type %s (type_id=%d)", stored.Name, stored.TypeID)
	return nil
}

func (r *Registry) RegisterEdge(edgeType EdgeType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return apierrors.ErrRegistryFrozen
	}
	if edgeType.EdgeID == 0 || edgeType.Name == "" {
		return errors.New("edge type requires a non-zero edge_id and a name")
	}
	if existing, ok := r.edgeTypes[edgeType.EdgeID]; ok {
		return fmt.Errorf("edge_id %d already registered as %q", edgeType.EdgeID, existing.Name)
	}
	if _, ok := r.nodeTypes[edgeType.FromType]; !ok {
		return fmt.Errorf("edge type %q: unknown from_type %d", edgeType.Name, edgeType.FromType)
	}
	if _, ok := r.nodeTypes[edgeType.ToType]; !ok {
		return fmt.Errorf("edge type %q: unknown to_type %d", edgeType.Name, edgeType.ToType)
	}

	stored := edgeType
	r.edgeTypes[stored.EdgeID] = &stored
	log.Debugf("registered edge type %s (edge_id=%d)", stored.Name, stored.EdgeID)
	return nil
}

// Freeze makes the registry immutable and computes the fingerprint. Freeze is
// idempotent.
func (r *Registry) Freeze() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.frozen {
		r.frozen = true
		r.fingerprint = fingerprintOf(r.definitionsLocked())
		log.Infof("schema registry frozen, %d node types, %d edge types, fingerprint %s",
			len(r.nodeTypes), len(r.edgeTypes), r.fingerprint)
	}
	return r.fingerprint
}

func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Fingerprint returns the schema fingerprint, empty until Freeze.
func (r *Registry) Fingerprint() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fingerprint
}

func (r *Registry) GetNodeType(id proto.TypeID) (*NodeType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodeType, ok := r.nodeTypes[id]
	if !ok {
		return nil, apierrors.ErrUnknownNodeType
	}
	return nodeType, nil
}

func (r *Registry) GetNodeTypeByName(name string) (*NodeType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodeType, ok := r.nodeTypesByName[name]
	if !ok {
		return nil, apierrors.ErrUnknownNodeType
	}
	return nodeType, nil
}

func (r *Registry) GetEdgeType(id proto.EdgeTypeID) (*EdgeType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	edgeType, ok := r.edgeTypes[id]
	if !ok {
		return nil, apierrors.ErrUnknownEdgeType
	}
	return edgeType, nil
}

// Definitions returns a deep copy ordered by id, the canonical form used for
// fingerprinting, compatibility checks and the schema read surface.
func (r *Registry) Definitions() *Definitions {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.definitionsLocked()
}

func (r *Registry) definitionsLocked() *Definitions {
	defs := &Definitions{
		NodeTypes: make([]NodeType, 0, len(r.nodeTypes)),
		EdgeTypes: make([]EdgeType, 0, len(r.edgeTypes)),
	}
	for _, nodeType := range r.nodeTypes {
		copied := *nodeType
		copied.Fields = append([]FieldDef(nil), nodeType.Fields...)
		for i := range copied.Fields {
			copied.Fields[i].EnumValues = append([]string(nil), copied.Fields[i].EnumValues...)
		}
		defs.NodeTypes = append(defs.NodeTypes, copied)
	}
	for _, edgeType := range r.edgeTypes {
		defs.EdgeTypes = append(defs.EdgeTypes, *edgeType)
	}
	sort.Slice(defs.NodeTypes, func(i, j int) bool { return defs.NodeTypes[i].TypeID < defs.NodeTypes[j].TypeID })
	for t := range defs.NodeTypes {
		fields := defs.NodeTypes[t].Fields
		sort.Slice(fields, func(i, j int) bool { return fields[i].FieldID < fields[j].FieldID })
	}
	sort.Slice(defs.EdgeTypes, func(i, j int) bool { return defs.EdgeTypes[i].EdgeID < defs.EdgeTypes[j].EdgeID })
	return defs
}

// fingerprintOf hashes the canonical serialization: type_id ascending, within
// each type field_id ascending, enum values sorted.
func fingerprintOf(defs *Definitions) string {
	canonical := *defs
	for t := range canonical.NodeTypes {
		for f := range canonical.NodeTypes[t].Fields {
			values := canonical.NodeTypes[t].Fields[f].EnumValues
			sort.Strings(values)
		}
	}
	data, err := json.Marshal(&canonical)
	if err != nil {
		// Definitions hold only plain JSON-encodable values.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Validate checks a payload against the node type. It returns one FieldError
// per offending field and nil when the payload is valid.
func (r *Registry) Validate(typeID proto.TypeID, payload map[string]interface{}) []FieldError {
	nodeType, err := r.GetNodeType(typeID)
	if err != nil {
		return []FieldError{{Field: "type_id", Message: fmt.Errorf("unknown type_id %d", typeID).Error()}}
	}
	return r.validateFields(nodeType, payload, true)
}

// ValidatePatch checks only the fields present, for update operations.
func (r *Registry) ValidatePatch(typeID proto.TypeID, patch map[string]interface{}) []FieldError {
	nodeType, err := r.GetNodeType(typeID)
	if err != nil {
		return []FieldError{{Field: "type_id", Message: fmt.Errorf("unknown type_id %d", typeID).Error()}}
	}
	return r.validateFields(nodeType, patch, false)
}

func (r *Registry) validateFields(nodeType *NodeType, payload map[string]interface{}, checkRequired bool) []FieldError {
	var fieldErrors []FieldError

	for name, value := range payload {
		field, ok := nodeType.Field(name)
		if !ok {
			fieldErrors = append(fieldErrors, FieldError{
				Field:       name,
				Message:     "unknown field",
				Suggestions: suggestFields(name, nodeType),
			})
			continue
		}
		kindOK, actual := checkKind(field.Kind, value)
		if !kindOK {
			fieldErrors = append(fieldErrors, FieldError{
				Field:    name,
				Message:  "kind mismatch",
				Expected: string(field.Kind),
				Actual:   actual,
			})
			continue
		}
		if field.Kind == KindEnum {
			str := value.(string)
			if !containsString(field.EnumValues, str) {
				fieldErrors = append(fieldErrors, FieldError{
					Field:    name,
					Message:  "value not in enum",
					Expected: "one of " + joinStrings(field.EnumValues),
					Actual:   str,
				})
			}
		}
		if field.Kind == KindRef {
			ref, _ := asRef(value)
			if _, refErr := r.GetNodeType(ref.TypeID); refErr != nil {
				fieldErrors = append(fieldErrors, FieldError{
					Field:   name,
					Message: fmt.Errorf("ref type_id %d does not resolve", ref.TypeID).Error(),
				})
			}
		}
	}

	if checkRequired {
		for i := range nodeType.Fields {
			field := &nodeType.Fields[i]
			if !field.Required {
				continue
			}
			if _, present := payload[field.Name]; !present && field.Default == nil {
				fieldErrors = append(fieldErrors, FieldError{
					Field:   field.Name,
					Message: "missing required field",
				})
			}
		}
	}
	return fieldErrors
}

// ExpandDefaults returns a copy of payload with type defaults filled in for
// absent fields.
func (r *Registry) ExpandDefaults(typeID proto.TypeID, payload map[string]interface{}) (map[string]interface{}, error) {
	nodeType, err := r.GetNodeType(typeID)
	if err != nil {
		return nil, err
	}
	expanded := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		expanded[k] = v
	}
	for i := range nodeType.Fields {
		field := &nodeType.Fields[i]
		if field.Default == nil {
			continue
		}
		if _, present := expanded[field.Name]; !present {
			expanded[field.Name] = field.Default
		}
	}
	return expanded, nil
}

func suggestFields(name string, nodeType *NodeType) []string {
	var suggestions []string
	for _, candidate := range nodeType.FieldNames() {
		if levenshtein.ComputeDistance(name, candidate) <= maxSuggestDistance {
			suggestions = append(suggestions, candidate)
		}
	}
	sort.Strings(suggestions)
	return suggestions
}

func containsString(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

func joinStrings(values []string) string {
	data, _ := json.Marshal(values)
	return string(data)
}

// LoadDefinitions registers every type from a schema definition document and
// freezes the registry.
func LoadDefinitions(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Info(err, "read schema definitions")
	}
	defs := &Definitions{}
	if err = json.Unmarshal(data, defs); err != nil {
		return nil, errors.Info(err, "parse schema definitions")
	}
	registry := NewRegistry()
	for _, nodeType := range defs.NodeTypes {
		if err = registry.Register(nodeType); err != nil {
			return nil, err
		}
	}
	for _, edgeType := range defs.EdgeTypes {
		if err = registry.RegisterEdge(edgeType); err != nil {
			return nil, err
		}
	}
	registry.Freeze()
	return registry, nil
}
