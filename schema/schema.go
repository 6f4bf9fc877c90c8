// Package schema implements the immutable schema registry and the strict
// document validator.
//
// Schemas are identified by an exact (id, version) pair and are immutable
// once registered. A field declaration compiles to a JSON Schema document
// (additionalProperties disabled, required fields enforced, typed array
// items) which is evaluated with gojsonschema; a second pass enforces the
// constraints JSON Schema leaves open, such as the global null rejection.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// FieldType is a declared document field type.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInt64   FieldType = "int64"
	TypeFloat64 FieldType = "float64"
	TypeBool    FieldType = "bool"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

// Valid reports whether t is a declared field type.
func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeInt64, TypeFloat64, TypeBool, TypeObject, TypeArray:
		return true
	}
	return false
}

// Field declares one document field.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	Indexed  bool      `json:"indexed,omitempty"`
	// Fields declares nested object fields (Type == object).
	Fields []Field `json:"fields,omitempty"`
	// Elem declares the homogeneous array element (Type == array).
	Elem *Field `json:"elem,omitempty"`
}

// Schema is an immutable (id, version, fields) declaration.
type Schema struct {
	ID      string  `json:"id"`
	Version string  `json:"version"`
	Fields  []Field `json:"fields"`

	compiled *gojsonschema.Schema
}

// Key returns the exact lookup key for a schema reference.
func Key(id, version string) string {
	return id + "@" + version
}

// Key returns the schema's own lookup key.
func (s *Schema) Key() string {
	return Key(s.ID, s.Version)
}

// FileName returns the on-disk name for the schema declaration.
func (s *Schema) FileName() string {
	return fmt.Sprintf("%s_%s.json", s.ID, s.Version)
}

// IndexedFields returns the declared top-level indexed field names in
// declaration order. The primary key _id is always index-backed and is not
// repeated here.
func (s *Schema) IndexedFields() []string {
	var fields []string
	for _, f := range s.Fields {
		if f.Indexed && f.Name != "_id" {
			fields = append(fields, f.Name)
		}
	}
	return fields
}

// FieldNamed returns the top-level field declaration with the given name.
func (s *Schema) FieldNamed(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// compile builds and compiles the equivalent JSON Schema document.
func (s *Schema) compile() error {
	doc := objectSchema(s.Fields)
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal schema %s: %w", s.Key(), err)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", s.Key(), err)
	}
	s.compiled = compiled
	return nil
}

// objectSchema renders a field list as a strict JSON Schema object.
func objectSchema(fields []Field) map[string]interface{} {
	props := make(map[string]interface{}, len(fields))
	var required []string
	for _, f := range fields {
		props[f.Name] = fieldSchema(f)
		if f.Required {
			required = append(required, f.Name)
		}
	}
	obj := map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		obj["required"] = required
	}
	return obj
}

func fieldSchema(f Field) map[string]interface{} {
	switch f.Type {
	case TypeString:
		return map[string]interface{}{"type": "string"}
	case TypeInt64:
		return map[string]interface{}{"type": "integer"}
	case TypeFloat64:
		return map[string]interface{}{"type": "number"}
	case TypeBool:
		return map[string]interface{}{"type": "boolean"}
	case TypeObject:
		return objectSchema(f.Fields)
	case TypeArray:
		items := map[string]interface{}{}
		if f.Elem != nil {
			items = fieldSchema(*f.Elem)
		}
		return map[string]interface{}{"type": "array", "items": items}
	default:
		// Unreachable for validated declarations.
		return map[string]interface{}{}
	}
}

// checkDeclaration validates the schema declaration itself.
func (s *Schema) checkDeclaration() error {
	if s.ID == "" || s.Version == "" {
		return fmt.Errorf("schema declaration missing id or version")
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema %s declares no fields", s.Key())
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if err := checkField(f, seen); err != nil {
			return fmt.Errorf("schema %s: %w", s.Key(), err)
		}
	}
	idField, ok := s.FieldNamed("_id")
	if !ok {
		return fmt.Errorf("schema %s does not declare _id", s.Key())
	}
	if idField.Type != TypeString || !idField.Required {
		return fmt.Errorf("schema %s must declare _id as a required string", s.Key())
	}
	return nil
}

func checkField(f Field, seen map[string]bool) error {
	if f.Name == "" {
		return fmt.Errorf("field with empty name")
	}
	if seen != nil {
		if seen[f.Name] {
			return fmt.Errorf("duplicate field %q", f.Name)
		}
		seen[f.Name] = true
	}
	if !f.Type.Valid() {
		return fmt.Errorf("field %q has unknown type %q", f.Name, f.Type)
	}
	if f.Type == TypeObject {
		if len(f.Fields) == 0 {
			return fmt.Errorf("object field %q declares no fields", f.Name)
		}
		nested := make(map[string]bool, len(f.Fields))
		for _, nf := range f.Fields {
			if err := checkField(nf, nested); err != nil {
				return fmt.Errorf("in object %q: %w", f.Name, err)
			}
		}
	}
	if f.Type == TypeArray {
		if f.Elem == nil {
			return fmt.Errorf("array field %q declares no element type", f.Name)
		}
		if err := checkField(Field{Name: f.Name + "[]", Type: f.Elem.Type, Fields: f.Elem.Fields, Elem: f.Elem.Elem}, nil); err != nil {
			return err
		}
	}
	if f.Type != TypeObject && len(f.Fields) > 0 {
		return fmt.Errorf("field %q declares nested fields but is not an object", f.Name)
	}
	if f.Type != TypeArray && f.Elem != nil {
		return fmt.Errorf("field %q declares an element type but is not an array", f.Name)
	}
	return nil
}
