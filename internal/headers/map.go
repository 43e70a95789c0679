package headers

import (
	"net/http"
	"sort"
	"strings"
)

// Field is one header name bound to one or more values.
type Field struct {
	Name   string   `json:"name" yaml:"name"`
	Values []string `json:"values" yaml:"values"`
}

// Map is an ordered name -> values mapping. Names are exact strings, the
// engine only ever stores canonical names in the maps it builds.
// A Map is not safe for concurrent mutation.
type Map struct {
	fields []Field
	index  map[string]int
}

// NewMap returns a Map holding fields in order. Repeated names have their
// values appended to the first occurrence.
func NewMap(fields ...Field) *Map {
	m := &Map{index: make(map[string]int, len(fields))}
	for _, f := range fields {
		m.Add(f.Name, f.Values...)
	}
	return m
}

// FromHeader converts an http.Header. http.Header is unordered, so names are
// sorted to keep first-occurrence semantics deterministic.
func FromHeader(h http.Header) *Map {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)

	m := &Map{index: make(map[string]int, len(names))}
	for _, k := range names {
		m.Add(k, h[k]...)
	}
	return m
}

// Fields returns a copy of the fields in order.
func (m *Map) Fields() []Field {
	if m == nil {
		return nil
	}
	out := make([]Field, len(m.fields))
	for i, f := range m.fields {
		out[i] = Field{Name: f.Name, Values: append([]string(nil), f.Values...)}
	}
	return out
}

func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.fields)
}

func (m *Map) Names() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.fields))
	for i, f := range m.fields {
		out[i] = f.Name
	}
	return out
}

func (m *Map) Has(name string) bool {
	if m == nil {
		return false
	}
	_, ok := m.index[name]
	return ok
}

// Values returns the values stored under name, nil if absent.
func (m *Map) Values(name string) []string {
	if m == nil {
		return nil
	}
	i, ok := m.index[name]
	if !ok {
		return nil
	}
	return append([]string(nil), m.fields[i].Values...)
}

// Get returns the stored values joined with ", ", or "" if absent.
func (m *Map) Get(name string) string {
	return strings.Join(m.Values(name), ", ")
}

// Set replaces the values for name, keeping its position if present.
func (m *Map) Set(name string, values ...string) {
	m.init()
	vs := append([]string(nil), values...)
	if i, ok := m.index[name]; ok {
		m.fields[i].Values = vs
		return
	}
	m.index[name] = len(m.fields)
	m.fields = append(m.fields, Field{Name: name, Values: vs})
}

// Add appends values to name, inserting it at the end if absent.
func (m *Map) Add(name string, values ...string) {
	m.init()
	if i, ok := m.index[name]; ok {
		m.fields[i].Values = append(m.fields[i].Values, values...)
		return
	}
	m.index[name] = len(m.fields)
	m.fields = append(m.fields, Field{Name: name, Values: append([]string(nil), values...)})
}

// Del removes name, preserving the order of the remaining fields.
func (m *Map) Del(name string) {
	if m == nil {
		return
	}
	i, ok := m.index[name]
	if !ok {
		return
	}
	m.fields = append(m.fields[:i], m.fields[i+1:]...)
	delete(m.index, name)
	for j := i; j < len(m.fields); j++ {
		m.index[m.fields[j].Name] = j
	}
}

func (m *Map) Clone() *Map {
	if m == nil {
		return NewMap()
	}
	return NewMap(m.Fields()...)
}

// Equal reports whether both maps hold the same names, values and order.
func (m *Map) Equal(o *Map) bool {
	if m.Len() != o.Len() {
		return false
	}
	for i := 0; i < m.Len(); i++ {
		a, b := m.fields[i], o.fields[i]
		if a.Name != b.Name || len(a.Values) != len(b.Values) {
			return false
		}
		for j := range a.Values {
			if a.Values[j] != b.Values[j] {
				return false
			}
		}
	}
	return true
}

// Header returns the map as an http.Header. Keys are used verbatim.
func (m *Map) Header() http.Header {
	h := make(http.Header, m.Len())
	m.WriteTo(h)
	return h
}

// WriteTo replaces each name in dst with the stored values, one entry per
// value, so headers like Set-Cookie go out as separate lines.
func (m *Map) WriteTo(dst http.Header) {
	if m == nil {
		return
	}
	for _, f := range m.fields {
		dst[f.Name] = append([]string(nil), f.Values...)
	}
}

func (m *Map) init() {
	if m.index == nil {
		m.index = make(map[string]int)
	}
}
