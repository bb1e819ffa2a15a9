package klayquery

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

// NotLongTimeAvailable is the name given to fetches that did not choose one.
// Queries under it are never cached: stale time and cache time are zero.
const NotLongTimeAvailable = "notLongTimeAvailable"

// Key identifies a cache entry. Keys are compared part by part, so
// Key{"users"} is a prefix of Key{"users", 42}.
type Key []any

// Name builds a Key from parts, dropping nil, empty strings, zero numbers and
// false values so optional identifiers can be passed without checks.
func Name(parts ...any) Key {
	key := make(Key, 0, len(parts))
	for _, p := range parts {
		if isFalsy(p) {
			continue
		}
		key = append(key, p)
	}
	return key
}

func isFalsy(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.Len() == 0
	case reflect.Bool:
		return !rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() == 0
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

// Hash returns the canonical string form of the key.
func (k Key) Hash() string {
	parts := make([]string, len(k))
	for i, p := range k {
		parts[i] = hashPart(p)
	}
	b, _ := json.Marshal(parts)
	return string(b)
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return k.Hash()
}

// HasPrefix reports whether prefix matches the leading parts of k.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i, p := range prefix {
		if hashPart(p) != hashPart(k[i]) {
			return false
		}
	}
	return true
}

// IsSentinel reports whether k is the uncached default name.
func (k Key) IsSentinel() bool {
	return len(k) > 0 && k[0] == NotLongTimeAvailable
}

// Append returns a new key with parts added; falsy parts are kept so page
// numbers and sizes stay positional.
func (k Key) Append(parts ...any) Key {
	out := make(Key, 0, len(k)+len(parts))
	out = append(out, k...)
	return append(out, parts...)
}

func hashPart(p any) string {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("%v", p)
	}
	return string(b)
}

// sentinelKey gives each unnamed fetch its own entry.
func sentinelKey() Key {
	return Key{NotLongTimeAvailable, uuid.NewString()}
}
