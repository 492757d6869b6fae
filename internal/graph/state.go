package graph

import (
	"fmt"
	"reflect"
	"sort"
)

// ErrorField is declared on every schema. Failed nodes write their error here.
const ErrorField = "error"

// FieldPolicy decides how a node's write is merged into the run state.
type FieldPolicy int

const (
	// Overwrite replaces the current value.
	Overwrite FieldPolicy = iota
	// Append concatenates strings or slices in the order completions are merged.
	Append
)

func (p FieldPolicy) String() string {
	switch p {
	case Overwrite:
		return "overwrite"
	case Append:
		return "append"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Field declares one state field and its merge policy.
type Field struct {
	Name   string
	Policy FieldPolicy
}

// Schema is the declared set of state fields.
type Schema struct {
	policies map[string]FieldPolicy
}

// NewSchema declares fields. ErrorField is always present with Overwrite.
func NewSchema(fields ...Field) (*Schema, error) {
	s := &Schema{policies: map[string]FieldPolicy{ErrorField: Overwrite}}
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("schema: field name is required")
		}
		if f.Policy != Overwrite && f.Policy != Append {
			return nil, fmt.Errorf("schema: field %q has unknown policy %d", f.Name, f.Policy)
		}
		if f.Name == ErrorField {
			if f.Policy != Overwrite {
				return nil, fmt.Errorf("schema: field %q must use the overwrite policy", ErrorField)
			}
			continue
		}
		if _, dup := s.policies[f.Name]; dup {
			return nil, fmt.Errorf("schema: field %q declared twice", f.Name)
		}
		s.policies[f.Name] = f.Policy
	}
	return s, nil
}

// Policy returns the merge policy of a declared field.
func (s *Schema) Policy(name string) (FieldPolicy, bool) {
	p, ok := s.policies[name]
	return p, ok
}

// Fields lists the declared fields sorted by name.
func (s *Schema) Fields() []Field {
	out := make([]Field, 0, len(s.policies))
	for name, p := range s.policies {
		out = append(out, Field{Name: name, Policy: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// State is the run state: declared field names mapped to values.
type State map[string]any

// Update is the set of field writes returned by one node execution.
type Update map[string]any

// Clone returns a shallow copy.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Project returns a copy restricted to fields. An empty list copies everything.
func (s State) Project(fields []string) State {
	if len(fields) == 0 {
		return s.Clone()
	}
	out := make(State, len(fields)+1)
	for _, f := range fields {
		if v, ok := s[f]; ok {
			out[f] = v
		}
	}
	if v, ok := s[ErrorField]; ok {
		out[ErrorField] = v
	}
	return out
}

// GetString returns the field as a string, or "" when absent or of another type.
func (s State) GetString(field string) string {
	v, _ := s[field].(string)
	return v
}

// GetBool returns the field as a bool, or false when absent or of another type.
func (s State) GetBool(field string) bool {
	v, _ := s[field].(bool)
	return v
}

// GetStrings returns the field as a string slice. []any elements that are not
// strings are skipped.
func (s State) GetStrings(field string) []string {
	switch v := s[field].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// Err returns the recorded node error message, if any.
func (s State) Err() string {
	return s.GetString(ErrorField)
}

// validateState rejects fields the schema does not declare.
func (s *Schema) validateState(st State) error {
	var unknown []string
	for k := range st {
		if _, ok := s.policies[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("undeclared state fields %v", unknown)
	}
	return nil
}

// merge applies upd to st in place.
func (s *Schema) merge(st State, upd Update) error {
	keys := make([]string, 0, len(upd))
	for k := range upd {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		policy, ok := s.policies[k]
		if !ok {
			return fmt.Errorf("field %q is not declared", k)
		}
		if policy == Overwrite {
			st[k] = upd[k]
			continue
		}
		merged, err := appendValue(st[k], upd[k])
		if err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		st[k] = merged
	}
	return nil
}

// appendValue concatenates strings, appends slices of the same type, and
// appends single elements to a slice of their type. The current value is never
// mutated.
func appendValue(current, incoming any) (any, error) {
	if incoming == nil {
		return current, nil
	}
	if current == nil {
		if rv := reflect.ValueOf(incoming); rv.Kind() == reflect.Slice {
			cp := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
			reflect.Copy(cp, rv)
			return cp.Interface(), nil
		}
		return incoming, nil
	}

	if cs, ok := current.(string); ok {
		is, ok := incoming.(string)
		if !ok {
			return nil, fmt.Errorf("cannot append %T to string", incoming)
		}
		return cs + is, nil
	}

	cv := reflect.ValueOf(current)
	if cv.Kind() != reflect.Slice {
		return nil, fmt.Errorf("cannot append to %T", current)
	}
	iv := reflect.ValueOf(incoming)

	out := reflect.MakeSlice(cv.Type(), cv.Len(), cv.Len()+1)
	reflect.Copy(out, cv)
	switch {
	case iv.Type() == cv.Type():
		return reflect.AppendSlice(out, iv).Interface(), nil
	case iv.Type().AssignableTo(cv.Type().Elem()):
		return reflect.Append(out, iv).Interface(), nil
	default:
		return nil, fmt.Errorf("cannot append %T to %T", incoming, current)
	}
}
