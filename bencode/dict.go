package bencode

import "sort"

// Dict is a bencoded dictionary that remembers the order in which keys were
// first set. Decode fills it in wire order; Encode always writes keys
// sorted, regardless of insertion order.
type Dict struct {
	keys []string
	vals map[string]any
}

// NewDict returns an empty dictionary.
func NewDict() *Dict {
	return &Dict{vals: make(map[string]any)}
}

// Set stores v under k and returns d, so calls can be chained. Setting an
// existing key keeps its original position.
func (d *Dict) Set(k string, v any) *Dict {
	if d.vals == nil {
		d.vals = make(map[string]any)
	}
	if _, ok := d.vals[k]; !ok {
		d.keys = append(d.keys, k)
	}
	d.vals[k] = v
	return d
}

// Get returns the raw value under k.
func (d *Dict) Get(k string) (any, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d.vals[k]
	return v, ok
}

// String returns the byte string under k.
func (d *Dict) String(k string) (string, bool) {
	v, ok := d.Get(k)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int returns the integer under k.
func (d *Dict) Int(k string) (int64, bool) {
	v, ok := d.Get(k)
	if !ok {
		return 0, false
	}
	i, ok := v.(int64)
	return i, ok
}

// List returns the list under k.
func (d *Dict) List(k string) ([]any, bool) {
	v, ok := d.Get(k)
	if !ok {
		return nil, false
	}
	l, ok := v.([]any)
	return l, ok
}

// Dict returns the nested dictionary under k.
func (d *Dict) Dict(k string) (*Dict, bool) {
	v, ok := d.Get(k)
	if !ok {
		return nil, false
	}
	n, ok := v.(*Dict)
	return n, ok
}

// Keys returns the keys in insertion order.
func (d *Dict) Keys() []string {
	if d == nil {
		return nil
	}
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Len returns the number of entries.
func (d *Dict) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

func (d *Dict) sortedKeys() []string {
	keys := d.Keys()
	sort.Strings(keys)
	return keys
}
