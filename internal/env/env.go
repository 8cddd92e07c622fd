// Package env holds the environment mapping that sessions accumulate across
// script sections. A value is either a single string or a list of strings;
// lists appear when several nodes export the same variable.
package env

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Value is a scalar or multi-valued environment entry.
type Value struct {
	items []string
	list  bool
}

// String returns a scalar value.
func String(s string) Value {
	return Value{items: []string{s}}
}

// List returns a multi-valued entry. An empty list is still a list.
func List(items ...string) Value {
	return Value{items: append([]string{}, items...), list: true}
}

// IsList reports whether v has been promoted to a list.
func (v Value) IsList() bool { return v.list }

// Items returns a copy of the underlying strings.
func (v Value) Items() []string { return append([]string(nil), v.items...) }

// Scalar returns the first item, or "" for an empty value.
func (v Value) Scalar() string {
	if len(v.items) == 0 {
		return ""
	}
	return v.items[0]
}

// Join renders the value for substitution into a selector: list items are
// space separated.
func (v Value) Join() string { return strings.Join(v.items, " ") }

// Equal reports deep equality including the list flag.
func (v Value) Equal(o Value) bool {
	if v.list != o.list || len(v.items) != len(o.items) {
		return false
	}
	for i := range v.items {
		if v.items[i] != o.items[i] {
			return false
		}
	}
	return true
}

func (v Value) String() string {
	if v.list {
		return fmt.Sprintf("%q", v.items)
	}
	return v.Scalar()
}

// MarshalJSON encodes scalars as strings and lists as arrays.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.list {
		if v.items == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.items)
	}
	return json.Marshal(v.Scalar())
}

// UnmarshalJSON accepts a string, a number, a bool or an array of strings.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var items []string
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("env value: %w", err)
		}
		*v = List(items...)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = String(s)
		return nil
	}
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("env value: %w", err)
	}
	if string(raw) == "null" {
		*v = String("")
		return nil
	}
	*v = String(string(raw))
	return nil
}

// Env is an environment mapping.
type Env map[string]Value

// FromStrings builds an Env of scalar values.
func FromStrings(m map[string]string) Env {
	e := make(Env, len(m))
	for k, val := range m {
		e[k] = String(val)
	}
	return e
}

// Clone returns a deep copy.
func (e Env) Clone() Env {
	out := make(Env, len(e))
	for k, v := range e {
		out[k] = Value{items: v.Items(), list: v.list}
	}
	return out
}

// Keys returns the sorted variable names.
func (e Env) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Flatten renders the env as process variables. List values are joined with
// a space.
func (e Env) Flatten() map[string]string {
	out := make(map[string]string, len(e))
	for k, v := range e {
		out[k] = v.Join()
	}
	return out
}

// Merge folds a node's contribution into e. A key seen for the first time is
// copied as-is. A key already present is promoted to a list (if it is not one
// yet) and the new value's items are appended, so contributions from several
// nodes accumulate instead of overwriting each other.
func (e Env) Merge(from Env) {
	for _, k := range from.Keys() {
		incoming := from[k]
		existing, ok := e[k]
		if !ok {
			e[k] = Value{items: incoming.Items(), list: incoming.list}
			continue
		}
		merged := existing.Items()
		merged = append(merged, incoming.items...)
		e[k] = Value{items: merged, list: true}
	}
}

// Set overwrites a key with a scalar value.
func (e Env) Set(key, value string) { e[key] = String(value) }
