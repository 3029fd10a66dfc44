package bencode

import (
	"bytes"
	"sort"
	"strconv"
)

// Encode returns the bencoding of v. Supported values are Go integers,
// string, []byte, []any, []string, *Dict, Dict, map[string]any and
// map[string]string, nested arbitrarily. Dictionary keys are written in
// lexicographic byte order.
func Encode(v any) ([]byte, error) {
	return Append(nil, v)
}

// Append appends the bencoding of v to dst.
func Append(dst []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case string:
		return appendString(dst, x), nil
	case []byte:
		return appendString(dst, string(x)), nil
	case int:
		return appendInt(dst, int64(x)), nil
	case int8:
		return appendInt(dst, int64(x)), nil
	case int16:
		return appendInt(dst, int64(x)), nil
	case int32:
		return appendInt(dst, int64(x)), nil
	case int64:
		return appendInt(dst, x), nil
	case uint8:
		return appendInt(dst, int64(x)), nil
	case uint16:
		return appendInt(dst, int64(x)), nil
	case uint32:
		return appendInt(dst, int64(x)), nil
	case []any:
		dst = append(dst, 'l')
		for _, e := range x {
			var err error
			if dst, err = Append(dst, e); err != nil {
				return nil, err
			}
		}
		return append(dst, 'e'), nil
	case []string:
		dst = append(dst, 'l')
		for _, e := range x {
			dst = appendString(dst, e)
		}
		return append(dst, 'e'), nil
	case *Dict:
		if x == nil {
			return append(dst, 'd', 'e'), nil
		}
		return appendDict(dst, x.sortedKeys(), func(k string) any { return x.vals[k] })
	case Dict:
		return appendDict(dst, x.sortedKeys(), func(k string) any { return x.vals[k] })
	case map[string]any:
		return appendDict(dst, sortedMapKeys(x), func(k string) any { return x[k] })
	case map[string]string:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return appendDict(dst, keys, func(k string) any { return x[k] })
	default:
		return nil, &UnsupportedTypeError{Value: v}
	}
}

func appendString(dst []byte, s string) []byte {
	dst = strconv.AppendInt(dst, int64(len(s)), 10)
	dst = append(dst, ':')
	return append(dst, s...)
}

func appendInt(dst []byte, i int64) []byte {
	dst = append(dst, 'i')
	dst = strconv.AppendInt(dst, i, 10)
	return append(dst, 'e')
}

func appendDict(dst []byte, keys []string, get func(string) any) ([]byte, error) {
	dst = append(dst, 'd')
	for _, k := range keys {
		dst = appendString(dst, k)
		var err error
		if dst, err = Append(dst, get(k)); err != nil {
			return nil, err
		}
	}
	return append(dst, 'e'), nil
}

func sortedMapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether two decoded or encodable values carry the same
// bencoded content. Dictionaries compare as mappings, so key order is
// ignored; integers compare by value whatever their Go type.
func Equal(a, b any) bool {
	ea, err := Encode(a)
	if err != nil {
		return false
	}
	eb, err := Encode(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}
