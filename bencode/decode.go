package bencode

import (
	"bytes"
	"strconv"
)

// maxDepth bounds container nesting so a hostile datagram can't blow the
// stack.
const maxDepth = 64

// Decode reads the first complete value from b. It returns the value, the
// number of bytes it used and an error matching ErrMalformed if the input
// isn't valid. Bytes after the value are never looked at, so several values
// may be read from the same buffer one after another.
//
// Integers decode to int64, byte strings to string, lists to []any and
// dictionaries to *Dict.
func Decode(b []byte) (v any, n int, err error) {
	return decodeValue(b, 0, 0)
}

// DecodeAll is like Decode but fails if b holds anything after the value.
func DecodeAll(b []byte) (any, error) {
	v, n, err := Decode(b)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, malformed(n, "%d trailing bytes", len(b)-n)
	}
	return v, nil
}

// DecodeString is a convenience wrapper around Decode.
func DecodeString(s string) (any, int, error) {
	return Decode([]byte(s))
}

func decodeValue(b []byte, pos, depth int) (any, int, error) {
	if pos >= len(b) {
		return nil, pos, malformed(pos, "unexpected end of input")
	}
	switch c := b[pos]; {
	case c == 'i':
		return decodeInt(b, pos)
	case c >= '0' && c <= '9':
		return decodeString(b, pos)
	case c == '-':
		return nil, pos, malformed(pos, "negative string length")
	case c == 'l':
		if depth >= maxDepth {
			return nil, pos, malformed(pos, "nesting deeper than %d", maxDepth)
		}
		return decodeList(b, pos, depth)
	case c == 'd':
		if depth >= maxDepth {
			return nil, pos, malformed(pos, "nesting deeper than %d", maxDepth)
		}
		return decodeDict(b, pos, depth)
	default:
		return nil, pos, malformed(pos, "unexpected byte %q", c)
	}
}

func decodeInt(b []byte, pos int) (any, int, error) {
	end := bytes.IndexByte(b[pos+1:], 'e')
	if end < 0 {
		return nil, pos, malformed(pos, "integer without terminator")
	}
	end += pos + 1
	digits := b[pos+1 : end]
	if err := checkIntDigits(digits, pos+1); err != nil {
		return nil, pos, err
	}
	i, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return nil, pos, malformed(pos+1, "integer out of range")
	}
	return i, end + 1, nil
}

func checkIntDigits(d []byte, off int) error {
	if len(d) == 0 {
		return malformed(off, "empty integer")
	}
	neg := d[0] == '-'
	if neg {
		d = d[1:]
		off++
		if len(d) == 0 {
			return malformed(off, "empty integer")
		}
	}
	for i, c := range d {
		if c < '0' || c > '9' {
			return malformed(off+i, "non-numeric byte %q in integer", c)
		}
	}
	if d[0] == '0' && (len(d) > 1 || neg) {
		return malformed(off, "integer with leading zero")
	}
	return nil
}

func decodeString(b []byte, pos int) (any, int, error) {
	i := pos
	for ; i < len(b) && b[i] != ':'; i++ {
		if b[i] < '0' || b[i] > '9' {
			return nil, pos, malformed(i, "non-numeric byte %q in length prefix", b[i])
		}
	}
	if i >= len(b) {
		return nil, pos, malformed(pos, "length prefix without terminator")
	}
	prefix := b[pos:i]
	if len(prefix) > 1 && prefix[0] == '0' {
		return nil, pos, malformed(pos, "length prefix with leading zero")
	}
	// Anything this long can't fit in a datagram anyway.
	if len(prefix) > 9 {
		return nil, pos, malformed(pos, "length prefix too large")
	}
	l, _ := strconv.Atoi(string(prefix))
	start := i + 1
	if remain := len(b) - start; l > remain {
		return nil, pos, malformed(pos, "string claims %d bytes, only %d remain", l, remain)
	}
	return string(b[start : start+l]), start + l, nil
}

func decodeList(b []byte, pos, depth int) (any, int, error) {
	start := pos
	pos++
	list := make([]any, 0)
	for {
		if pos >= len(b) {
			return nil, start, malformed(start, "unterminated list")
		}
		if b[pos] == 'e' {
			return list, pos + 1, nil
		}
		v, next, err := decodeValue(b, pos, depth+1)
		if err != nil {
			return nil, start, err
		}
		list = append(list, v)
		pos = next
	}
}

func decodeDict(b []byte, pos, depth int) (any, int, error) {
	start := pos
	pos++
	d := NewDict()
	for {
		if pos >= len(b) {
			return nil, start, malformed(start, "unterminated dictionary")
		}
		if b[pos] == 'e' {
			return d, pos + 1, nil
		}
		if b[pos] < '0' || b[pos] > '9' {
			return nil, start, malformed(pos, "dictionary key is not a string")
		}
		k, next, err := decodeString(b, pos)
		if err != nil {
			return nil, start, err
		}
		v, next, err := decodeValue(b, next, depth+1)
		if err != nil {
			return nil, start, err
		}
		d.Set(k.(string), v)
		pos = next
	}
}
