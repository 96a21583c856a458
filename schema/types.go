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
	"math"

	"github.com/elloloop/entdb/proto"
)

type FieldKind string

const (
	KindString      FieldKind = "string"
	KindInt64       FieldKind = "int64"
	KindFloat64     FieldKind = "float64"
	KindBool        FieldKind = "bool"
	KindTimestampMs FieldKind = "timestamp_ms"
	KindEnum        FieldKind = "enum"
	KindListString  FieldKind = "list<string>"
	KindListInt64   FieldKind = "list<int64>"
	KindRef         FieldKind = "ref"
)

var fieldKinds = map[FieldKind]struct{}{
	KindString: {}, KindInt64: {}, KindFloat64: {}, KindBool: {},
	KindTimestampMs: {}, KindEnum: {}, KindListString: {}, KindListInt64: {},
	KindRef: {},
}

func ValidKind(k FieldKind) bool {
	_, ok := fieldKinds[k]
	return ok
}

// FieldDef describes one payload field. (type_id, field_id) is permanent:
// once used it is never removed and never reassigned.
type FieldDef struct {
	FieldID    proto.FieldID `json:"field_id"`
	Name       string        `json:"name"`
	Kind       FieldKind     `json:"kind"`
	Required   bool          `json:"required,omitempty"`
	Default    interface{}   `json:"default,omitempty"`
	EnumValues []string      `json:"enum_values,omitempty"`
	Deprecated bool          `json:"deprecated,omitempty"`
}

type NodeType struct {
	TypeID     proto.TypeID `json:"type_id"`
	Name       string       `json:"name"`
	Fields     []FieldDef   `json:"fields"`
	Deprecated bool         `json:"deprecated,omitempty"`
	DefaultACL []string     `json:"default_acl,omitempty"`
}

func (t *NodeType) Field(name string) (*FieldDef, bool) {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i], true
		}
	}
	return nil, false
}

func (t *NodeType) FieldNames() []string {
	names := make([]string, 0, len(t.Fields))
	for i := range t.Fields {
		names = append(names, t.Fields[i].Name)
	}
	return names
}

type EdgeType struct {
	EdgeID     proto.EdgeTypeID `json:"edge_id"`
	Name       string           `json:"name"`
	FromType   proto.TypeID     `json:"from_type"`
	ToType     proto.TypeID     `json:"to_type"`
	Deprecated bool             `json:"deprecated,omitempty"`
}

// Ref is the wire shape of a ref-kind value.
type Ref struct {
	TypeID proto.TypeID `json:"type_id"`
	ID     string       `json:"id"`
}

// FieldError describes one payload validation failure.
type FieldError struct {
	Field       string   `json:"field"`
	Message     string   `json:"message"`
	Expected    string   `json:"expected,omitempty"`
	Actual      string   `json:"actual,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (e FieldError) String() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Message)
}

// checkKind verifies a decoded JSON value against a field kind. Enum
// membership and ref type resolution are handled by the caller.
func checkKind(kind FieldKind, value interface{}) (ok bool, actual string) {
	switch kind {
	case KindString, KindEnum:
		_, ok = value.(string)
	case KindInt64, KindTimestampMs:
		ok = isIntegral(value)
		if ok && kind == KindTimestampMs {
			ok = asInt64(value) >= 0
		}
	case KindFloat64:
		switch value.(type) {
		case float64, float32, int, int64:
			ok = true
		}
	case KindBool:
		_, ok = value.(bool)
	case KindListString:
		ok = isHomogeneousList(value, func(v interface{}) bool {
			_, isStr := v.(string)
			return isStr
		})
	case KindListInt64:
		ok = isHomogeneousList(value, isIntegral)
	case KindRef:
		_, ok = asRef(value)
	}
	return ok, typeName(value)
}

func isIntegral(v interface{}) bool {
	switch n := v.(type) {
	case int, int32, int64:
		return true
	case float64:
		return n == math.Trunc(n)
	}
	return false
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

func isHomogeneousList(v interface{}, elem func(interface{}) bool) bool {
	switch list := v.(type) {
	case []interface{}:
		for _, e := range list {
			if !elem(e) {
				return false
			}
		}
		return true
	case []string:
		for _, e := range list {
			if !elem(e) {
				return false
			}
		}
		return true
	case []int64:
		for _, e := range list {
			if !elem(e) {
				return false
			}
		}
		return true
	}
	return false
}

func asRef(v interface{}) (Ref, bool) {
	switch r := v.(type) {
	case Ref:
		return r, true
	case map[string]interface{}:
		rawType, hasType := r["type_id"]
		rawID, hasID := r["id"]
		if !hasType || !hasID || !isIntegral(rawType) {
			return Ref{}, false
		}
		id, isStr := rawID.(string)
		if !isStr || id == "" {
			return Ref{}, false
		}
		return Ref{TypeID: proto.TypeID(asInt64(rawType)), ID: id}, true
	}
	return Ref{}, false
}

func typeName(v interface{}) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
