// Package schema validates a decoded addon export against the expected
// structure before the data is trusted by the reconciliation pipeline.
// Validation short-circuits on the first failure and reports a single
// human-readable reason suitable for a user-facing error message.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind is the expected type of a field.
type Kind int

const (
	String Kind = iota
	Number
	Record
	Array
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Number:
		return "number"
	case Record:
		return "record"
	case Array:
		return "array"
	default:
		return "unknown"
	}
}

// Field describes the expected shape of one value. Records carry named
// sub-fields; arrays carry a single homogeneous item shape.
type Field struct {
	Kind     Kind
	Optional bool
	Fields   map[string]Field // Record only
	Item     *Field           // Array only
}

// Error reports the first structural problem found, with the path to the
// offending value.
type Error struct {
	Path   string
	Reason string
}

func (e *Error) Error() string { return e.Reason }

// Export is the schema of a full addon export payload.
var Export = Field{
	Kind: Record,
	Fields: map[string]Field{
		"time":         {Kind: Number},
		"minTimestamp": {Kind: Number},
		"players": {Kind: Array, Item: &Field{
			Kind: Record,
			Fields: map[string]Field{
				"playerName": {Kind: String},
				"classId":    {Kind: Number},
				"points":     {Kind: Number},
			},
		}},
		"pointHistory": {Kind: Array, Item: &Field{
			Kind: Record,
			Fields: map[string]Field{
				"guid":       {Kind: String},
				"timeStamp":  {Kind: Number},
				"playerName": {Kind: String},
				"change":     {Kind: Number},
				"newPoints":  {Kind: Number},
				"type":       {Kind: String},
				"reason":     {Kind: String, Optional: true},
			},
		}},
		"lootHistory": {Kind: Array, Item: &Field{
			Kind: Record,
			Fields: map[string]Field{
				"guid":       {Kind: String},
				"timeStamp":  {Kind: Number},
				"playerName": {Kind: String},
				"itemId":     {Kind: Number},
				"response":   {Kind: String},
			},
		}},
	},
}

// ValidateJSON unmarshals doc and validates it against f. The document is
// walked as generic JSON values, so numbers arrive as float64.
func ValidateJSON(doc []byte, f Field) error {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("parsing document: %w", err)
	}
	return Validate(v, f, "")
}

// Validate checks v against f, using path as the location prefix in error
// messages. The empty path names the top-level value "payload".
func Validate(v any, f Field, path string) error {
	if path == "" {
		path = "payload"
	}

	switch f.Kind {
	case String:
		if _, ok := v.(string); !ok {
			return typeError(path, f.Kind, v)
		}
	case Number:
		if _, ok := v.(float64); !ok {
			return typeError(path, f.Kind, v)
		}
	case Record:
		rec, ok := v.(map[string]any)
		if !ok || len(rec) == 0 {
			return &Error{Path: path, Reason: fmt.Sprintf("%s is not a record!", path)}
		}
		// Walk fields in a fixed order so the same document always reports
		// the same first failure.
		names := make([]string, 0, len(f.Fields))
		for name := range f.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sub := f.Fields[name]
			subPath := path + "." + name
			val, present := rec[name]
			if !present || val == nil {
				if sub.Optional {
					continue
				}
				return &Error{Path: subPath, Reason: fmt.Sprintf("Required field %s is missing", subPath)}
			}
			if err := Validate(val, sub, subPath); err != nil {
				return err
			}
		}
	case Array:
		arr, ok := v.([]any)
		if !ok {
			return &Error{Path: path, Reason: fmt.Sprintf("%s is not an array!", path)}
		}
		for i, item := range arr {
			if err := Validate(item, *f.Item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func typeError(path string, want Kind, got any) *Error {
	return &Error{
		Path:   path,
		Reason: fmt.Sprintf("%s has wrong type! Expected %s but got %s", path, want, kindOf(got)),
	}
}

func kindOf(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "record"
	case []any:
		return "array"
	case nil:
		return "nil"
	default:
		return fmt.Sprintf("%T", v)
	}
}
