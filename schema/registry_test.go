package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	registry := NewRegistry()
	require.NoError(t, registry.Register(NodeType{
		TypeID: 1,
		Name:   "User",
		Fields: []FieldDef{
			{FieldID: 1, Name: "email", Kind: KindString, Required: true},
			{FieldID: 2, Name: "name", Kind: KindString},
			{FieldID: 3, Name: "age", Kind: KindInt64},
		},
	}))
	require.NoError(t, registry.Register(NodeType{
		TypeID: 2,
		Name:   "Task",
		Fields: []FieldDef{
			{FieldID: 1, Name: "title", Kind: KindString, Required: true},
			{FieldID: 2, Name: "status", Kind: KindEnum, EnumValues: []string{"todo", "doing", "done"}, Default: "todo"},
			{FieldID: 3, Name: "tags", Kind: KindListString},
			{FieldID: 4, Name: "owner", Kind: KindRef},
		},
	}))
	require.NoError(t, registry.RegisterEdge(EdgeType{
		EdgeID:   100,
		Name:     "assigned_to",
		FromType: 2,
		ToType:   1,
	}))
	return registry
}

func TestRegistryRegister(t *testing.T) {
	registry := testRegistry(t)

	err := registry.Register(NodeType{TypeID: 1, Name: "Other"})
	require.Error(t, err)

	err = registry.Register(NodeType{TypeID: 9, Name: "User"})
	require.Error(t, err)

	err = registry.Register(NodeType{
		TypeID: 9,
		Name:   "Dup",
		Fields: []FieldDef{
			{FieldID: 1, Name: "a", Kind: KindString},
			{FieldID: 1, Name: "b", Kind: KindString},
		},
	})
	require.Error(t, err)

	registry.Freeze()
	err = registry.Register(NodeType{TypeID: 10, Name: "Late"})
	require.Error(t, err)
}

func TestRegistryFingerprintDeterministic(t *testing.T) {
	first := testRegistry(t)
	first.Freeze()

	// Same definitions registered in a different order hash identically.
	second := NewRegistry()
	require.NoError(t, second.Register(NodeType{
		TypeID: 2,
		Name:   "Task",
		Fields: []FieldDef{
			{FieldID: 4, Name: "owner", Kind: KindRef},
			{FieldID: 2, Name: "status", Kind: KindEnum, EnumValues: []string{"todo", "doing", "done"}, Default: "todo"},
			{FieldID: 1, Name: "title", Kind: KindString, Required: true},
			{FieldID: 3, Name: "tags", Kind: KindListString},
		},
	}))
	require.NoError(t, second.Register(NodeType{
		TypeID: 1,
		Name:   "User",
		Fields: []FieldDef{
			{FieldID: 1, Name: "email", Kind: KindString, Required: true},
			{FieldID: 2, Name: "name", Kind: KindString},
			{FieldID: 3, Name: "age", Kind: KindInt64},
		},
	}))
	require.NoError(t, second.RegisterEdge(EdgeType{EdgeID: 100, Name: "assigned_to", FromType: 2, ToType: 1}))
	second.Freeze()

	require.NotEmpty(t, first.Fingerprint())
	require.Equal(t, first.Fingerprint(), second.Fingerprint())

	// Any change moves the fingerprint.
	third := testRegistry(t)
	require.NoError(t, third.Register(NodeType{TypeID: 3, Name: "Extra"}))
	third.Freeze()
	require.NotEqual(t, first.Fingerprint(), third.Fingerprint())
}

func TestValidateUnknownFieldSuggestion(t *testing.T) {
	registry := testRegistry(t)

	fieldErrors := registry.Validate(1, map[string]interface{}{"emial": "a@x"})
	require.Len(t, fieldErrors, 2) // unknown field plus missing required email
	var unknown *FieldError
	for i := range fieldErrors {
		if fieldErrors[i].Field == "emial" {
			unknown = &fieldErrors[i]
		}
	}
	require.NotNil(t, unknown)
	require.Equal(t, []string{"email"}, unknown.Suggestions)
}

func TestValidateKinds(t *testing.T) {
	registry := testRegistry(t)

	require.Empty(t, registry.Validate(1, map[string]interface{}{
		"email": "a@x", "name": "Alice", "age": float64(30),
	}))

	fieldErrors := registry.Validate(1, map[string]interface{}{"email": 7})
	require.Len(t, fieldErrors, 1)
	require.Equal(t, "kind mismatch", fieldErrors[0].Message)
	require.Equal(t, "string", fieldErrors[0].Expected)

	fieldErrors = registry.Validate(2, map[string]interface{}{"title": "T", "status": "archived"})
	require.Len(t, fieldErrors, 1)
	require.Equal(t, "value not in enum", fieldErrors[0].Message)

	fieldErrors = registry.Validate(2, map[string]interface{}{
		"title": "T",
		"owner": map[string]interface{}{"type_id": float64(1), "id": "n1"},
	})
	require.Empty(t, fieldErrors)

	fieldErrors = registry.Validate(2, map[string]interface{}{
		"title": "T",
		"owner": map[string]interface{}{"type_id": float64(77), "id": "n1"},
	})
	require.Len(t, fieldErrors, 1)

	fieldErrors = registry.Validate(2, map[string]interface{}{
		"title": "T",
		"tags":  []interface{}{"a", 1},
	})
	require.Len(t, fieldErrors, 1)
}

func TestValidateMissingRequiredAndDefaults(t *testing.T) {
	registry := testRegistry(t)

	fieldErrors := registry.Validate(1, map[string]interface{}{"name": "A"})
	require.Len(t, fieldErrors, 1)
	require.Equal(t, "email", fieldErrors[0].Field)

	// status has a default, so it is not required to be present.
	require.Empty(t, registry.Validate(2, map[string]interface{}{"title": "T"}))

	expanded, err := registry.ExpandDefaults(2, map[string]interface{}{"title": "T"})
	require.NoError(t, err)
	require.Equal(t, "todo", expanded["status"])

	expanded, err = registry.ExpandDefaults(2, map[string]interface{}{"title": "T", "status": "done"})
	require.NoError(t, err)
	require.Equal(t, "done", expanded["status"])
}

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.json")
	doc := `{
		"node_types": [
			{"type_id": 1, "name": "User", "fields": [
				{"field_id": 1, "name": "email", "kind": "string", "required": true}
			]},
			{"type_id": 2, "name": "Task", "fields": [
				{"field_id": 1, "name": "title", "kind": "string", "required": true}
			]}
		],
		"edge_types": [
			{"edge_id": 100, "name": "assigned_to", "from_type": 2, "to_type": 1}
		]
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	registry, err := LoadDefinitions(path)
	require.NoError(t, err)
	require.True(t, registry.Frozen())
	require.NotEmpty(t, registry.Fingerprint())

	nodeType, err := registry.GetNodeTypeByName("User")
	require.NoError(t, err)
	require.EqualValues(t, 1, nodeType.TypeID)

	edgeType, err := registry.GetEdgeType(100)
	require.NoError(t, err)
	require.EqualValues(t, 2, edgeType.FromType)
}
