// Package signer builds the canonical form of an API request and signs it
// with HMAC-SHA1 under the account's secret key.
//
// The canonical string is
//
//	METHOD&k1=v1&k2=v2...&TIMESTAMP
//
// with parameters in lexicographic key order and values quoted by Quote.
// The timestamp is appended verbatim.
package signer

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"time"
)

// TimestampLayout renders a UTC instant as ISO-8601 with microseconds and
// an explicit +00:00 offset. The layout is fixed width.
const TimestampLayout = "2006-01-02T15:04:05.000000+00:00"

// Timestamp formats t in UTC with TimestampLayout.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// CanonicalString returns the exact string that is signed for a request.
func CanonicalString(method string, params Params, timestamp string) string {
	var b strings.Builder
	b.WriteString(method)
	for _, k := range params.Keys() {
		b.WriteByte('&')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(Quote(params[k].String()))
	}
	b.WriteByte('&')
	b.WriteString(timestamp)
	return b.String()
}

// Sign returns the base64 HMAC-SHA1 of canonical keyed by secretKey.
func Sign(secretKey, canonical string) string {
	mac := hmac.New(sha1.New, []byte(secretKey))
	mac.Write([]byte(canonical))
	return strings.TrimRight(base64.StdEncoding.EncodeToString(mac.Sum(nil)), "\n")
}

// Verify reports whether signature is the signature of canonical under
// secretKey. The comparison is constant time.
func Verify(secretKey, canonical, signature string) bool {
	want := Sign(secretKey, canonical)
	return hmac.Equal([]byte(want), []byte(signature))
}
