package signer

import (
	"sort"
	"strconv"
	"strings"
)

type kind uint8

const (
	kindString kind = iota
	kindInt
	kindBool
)

// Value is a scalar request parameter. It is rendered to text only when a
// request is serialized.
type Value struct {
	kind kind
	s    string
	i    int64
	b    bool
}

// String returns a string-valued parameter.
func String(s string) Value { return Value{kind: kindString, s: s} }

// Int returns an integer-valued parameter.
func Int(i int64) Value { return Value{kind: kindInt, i: i} }

// Bool returns a boolean-valued parameter.
func Bool(b bool) Value { return Value{kind: kindBool, b: b} }

// String renders the value the same way on every call and on every host.
func (v Value) String() string {
	switch v.kind {
	case kindInt:
		return strconv.FormatInt(v.i, 10)
	case kindBool:
		return strconv.FormatBool(v.b)
	default:
		return v.s
	}
}

// Params is the set of named parameters of one request.
type Params map[string]Value

// Keys returns the parameter names in lexicographic order. Every
// serialization of a Params walks this order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy that can be modified without touching p.
func (p Params) Clone() Params {
	out := make(Params, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Encode renders p as "k1=v1&k2=v2" with every value quoted. This is the
// form body of a POST request.
func Encode(p Params) string {
	var b strings.Builder
	for i, k := range p.Keys() {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(Quote(p[k].String()))
	}
	return b.String()
}

// Quote percent-encodes s. Letters, digits, '_', '.', '-' and '/' are left
// alone; every other byte becomes %XX with upper-case hex. Spaces are
// encoded as %20, never '+'.
func Quote(s string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if !unreserved(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}
	const hex = "0123456789ABCDEF"
	buf := make([]byte, 0, len(s)+2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			buf = append(buf, c)
			continue
		}
		buf = append(buf, '%', hex[c>>4], hex[c&0x0f])
	}
	return string(buf)
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '_', c == '.', c == '-', c == '/':
		return true
	}
	return false
}
