// Package option provides a concurrent key/value store with independent
// string and integer namespaces.
package option

import (
	"fmt"
	"math"
	"sync"
)

type Map struct {
	strMu sync.RWMutex
	strs  map[string]string

	intMu sync.RWMutex
	ints  map[string]int
}

func New() *Map {
	return &Map{
		strs: make(map[string]string),
		ints: make(map[string]int),
	}
}

func (m *Map) SetString(key, value string) {
	m.strMu.Lock()
	m.strs[key] = value
	m.strMu.Unlock()
}

func (m *Map) SetInt(key string, value int) {
	m.intMu.Lock()
	m.ints[key] = value
	m.intMu.Unlock()
}

func (m *Map) GetString(key string) (string, bool) {
	m.strMu.RLock()
	defer m.strMu.RUnlock()
	v, ok := m.strs[key]
	return v, ok
}

func (m *Map) GetInt(key string) (int, bool) {
	m.intMu.RLock()
	defer m.intMu.RUnlock()
	v, ok := m.ints[key]
	return v, ok
}

// IntOr returns the integer under key or def when unset.
func (m *Map) IntOr(key string, def int) int {
	if v, ok := m.GetInt(key); ok {
		return v
	}
	return def
}

// Bool reports whether key holds a non-zero integer.
func (m *Map) Bool(key string) bool {
	v, ok := m.GetInt(key)
	return ok && v != 0
}

func (m *Map) Delete(key string) {
	m.strMu.Lock()
	delete(m.strs, key)
	m.strMu.Unlock()

	m.intMu.Lock()
	delete(m.ints, key)
	m.intMu.Unlock()
}

// Set stores a loosely typed value as decoded from JSON or YAML. Numbers
// must be integral and booleans map to 0/1.
func (m *Map) Set(key string, value interface{}) error {
	e, err := normalize(key, value)
	if err != nil {
		return err
	}
	m.store(e)
	return nil
}

// Apply stores every entry of opts, or none of them when any value is
// invalid.
func (m *Map) Apply(opts map[string]interface{}) error {
	entries := make([]entry, 0, len(opts))
	for k, v := range opts {
		e, err := normalize(k, v)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}
	for _, e := range entries {
		m.store(e)
	}
	return nil
}

// Clone returns an independent copy of m.
func (m *Map) Clone() *Map {
	c := New()
	m.strMu.RLock()
	for k, v := range m.strs {
		c.strs[k] = v
	}
	m.strMu.RUnlock()

	m.intMu.RLock()
	for k, v := range m.ints {
		c.ints[k] = v
	}
	m.intMu.RUnlock()
	return c
}

type entryKind int

const (
	kindString entryKind = iota
	kindInt
	kindDelete
)

type entry struct {
	key  string
	kind entryKind
	str  string
	num  int
}

func normalize(key string, value interface{}) (entry, error) {
	e := entry{key: key, kind: kindInt}
	switch v := value.(type) {
	case string:
		e.kind, e.str = kindString, v
	case bool:
		if v {
			e.num = 1
		}
	case int:
		e.num = v
	case int32:
		e.num = int(v)
	case int64:
		e.num = int(v)
	case float64:
		if v != math.Trunc(v) {
			return entry{}, fmt.Errorf("option %q: %v is not an integer", key, v)
		}
		e.num = int(v)
	case nil:
		e.kind = kindDelete
	default:
		return entry{}, fmt.Errorf("option %q: unsupported type %T", key, value)
	}
	return e, nil
}

func (m *Map) store(e entry) {
	switch e.kind {
	case kindString:
		m.SetString(e.key, e.str)
	case kindInt:
		m.SetInt(e.key, e.num)
	case kindDelete:
		m.Delete(e.key)
	}
}

// Snapshot copies both namespaces into one map. Integer keys win on
// collision.
func (m *Map) Snapshot() map[string]interface{} {
	out := make(map[string]interface{})

	m.strMu.RLock()
	for k, v := range m.strs {
		out[k] = v
	}
	m.strMu.RUnlock()

	m.intMu.RLock()
	for k, v := range m.ints {
		out[k] = v
	}
	m.intMu.RUnlock()

	return out
}
