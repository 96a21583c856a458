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
	"fmt"

	"github.com/elloloop/entdb/proto"
)

type ChangeKind string

const (
	ChangeRemovedType      ChangeKind = "removed_type"
	ChangeRemovedField     ChangeKind = "removed_field"
	ChangeRemovedEdgeType  ChangeKind = "removed_edge_type"
	ChangeKindChanged      ChangeKind = "field_kind_changed"
	ChangeEnumValueRemoved ChangeKind = "enum_value_removed"
	ChangeMadeRequired     ChangeKind = "field_made_required"
	ChangeEndpointChanged  ChangeKind = "edge_endpoint_changed"
)

// BreakingChange is one incompatibility of a candidate schema relative to a
// baseline. Candidate schemas with zero breaking changes can validate every
// payload the baseline accepted.
type BreakingChange struct {
	Kind   ChangeKind `json:"kind"`
	Detail string     `json:"detail"`
}

func (c BreakingChange) String() string {
	return fmt.Sprintf("%s: %s", c.Kind, c.Detail)
}

// CheckCompatibility compares candidate against baseline and returns every
// breaking change. Allowed evolutions: adding types, fields and enum values,
// renames that keep the id, deprecation marks, and dropping required from a
// field. Nil result means compatible.
func CheckCompatibility(baseline, candidate *Definitions) []BreakingChange {
	var changes []BreakingChange

	candidateTypes := make(map[proto.TypeID]*NodeType, len(candidate.NodeTypes))
	for i := range candidate.NodeTypes {
		candidateTypes[candidate.NodeTypes[i].TypeID] = &candidate.NodeTypes[i]
	}
	for i := range baseline.NodeTypes {
		baseType := &baseline.NodeTypes[i]
		candType, ok := candidateTypes[baseType.TypeID]
		if !ok {
			changes = append(changes, BreakingChange{
				Kind:   ChangeRemovedType,
				Detail: fmt.Sprintf("node type %q (type_id=%d) removed", baseType.Name, baseType.TypeID),
			})
			continue
		}
		changes = append(changes, checkFields(baseType, candType)...)
	}

	candidateEdges := make(map[proto.EdgeTypeID]*EdgeType, len(candidate.EdgeTypes))
	for i := range candidate.EdgeTypes {
		candidateEdges[candidate.EdgeTypes[i].EdgeID] = &candidate.EdgeTypes[i]
	}
	for i := range baseline.EdgeTypes {
		baseEdge := &baseline.EdgeTypes[i]
		candEdge, ok := candidateEdges[baseEdge.EdgeID]
		if !ok {
			changes = append(changes, BreakingChange{
				Kind:   ChangeRemovedEdgeType,
				Detail: fmt.Sprintf("edge type %q (edge_id=%d) removed", baseEdge.Name, baseEdge.EdgeID),
			})
			continue
		}
		if candEdge.FromType != baseEdge.FromType || candEdge.ToType != baseEdge.ToType {
			changes = append(changes, BreakingChange{
				Kind: ChangeEndpointChanged,
				Detail: fmt.Sprintf("edge type %q (edge_id=%d) endpoints changed from (%d,%d) to (%d,%d)",
					baseEdge.Name, baseEdge.EdgeID, baseEdge.FromType, baseEdge.ToType, candEdge.FromType, candEdge.ToType),
			})
		}
	}
	return changes
}

func checkFields(baseType, candType *NodeType) []BreakingChange {
	var changes []BreakingChange

	candFields := make(map[proto.FieldID]*FieldDef, len(candType.Fields))
	for i := range candType.Fields {
		candFields[candType.Fields[i].FieldID] = &candType.Fields[i]
	}
	for i := range baseType.Fields {
		baseField := &baseType.Fields[i]
		candField, ok := candFields[baseField.FieldID]
		if !ok {
			changes = append(changes, BreakingChange{
				Kind: ChangeRemovedField,
				Detail: fmt.Sprintf("type %q field %q (field_id=%d) removed",
					baseType.Name, baseField.Name, baseField.FieldID),
			})
			continue
		}
		if candField.Kind != baseField.Kind {
			changes = append(changes, BreakingChange{
				Kind: ChangeKindChanged,
				Detail: fmt.Sprintf("type %q field %q (field_id=%d) kind changed from %s to %s",
					baseType.Name, baseField.Name, baseField.FieldID, baseField.Kind, candField.Kind),
			})
		}
		if !baseField.Required && candField.Required {
			changes = append(changes, BreakingChange{
				Kind: ChangeMadeRequired,
				Detail: fmt.Sprintf("type %q field %q (field_id=%d) made required",
					baseType.Name, baseField.Name, baseField.FieldID),
			})
		}
		if baseField.Kind == KindEnum {
			candValues := make(map[string]struct{}, len(candField.EnumValues))
			for _, v := range candField.EnumValues {
				candValues[v] = struct{}{}
			}
			for _, v := range baseField.EnumValues {
				if _, ok := candValues[v]; !ok {
					changes = append(changes, BreakingChange{
						Kind: ChangeEnumValueRemoved,
						Detail: fmt.Sprintf("type %q field %q enum value %q removed",
							baseType.Name, baseField.Name, v),
					})
				}
			}
		}
	}
	return changes
}
