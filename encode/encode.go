// Package encode implements the field-key encoding rules from the wire format
// (§6): a logical field name is URL-encoded and then put through a small
// substitution pass so that the result stays legible while still being safe to
// use as a search engine field path.
package encode

import (
	"net/url"
	"strings"
)

var substitutions = []struct {
	from string
	to   string
}{
	{".", "%2E"},
	{"-", "%2D"},
	{"*", "%2A"},
	{"+", "%20"},
}

// Key URL-encodes a logical field name and substitutes the characters that
// would otherwise collide with reserved search-engine field syntax. The colon
// separating a namespace prefix from its local name is left untouched.
func Key(k string) string {
	encoded := url.QueryEscape(k)
	// QueryEscape turns ':' into "%3A" and ' ' into '+'; undo the colon escape
	// since field paths are allowed to contain it, then apply the spec's
	// substitution pass.
	encoded = strings.ReplaceAll(encoded, "%3A", ":")
	for _, sub := range substitutions {
		encoded = strings.ReplaceAll(encoded, sub.from, sub.to)
	}
	return encoded
}

// DecodeKey reverses Key. It undoes the substitution pass first, then the
// standard URL decoding.
func DecodeKey(k string) (string, error) {
	decoded := k
	for _, sub := range substitutions {
		decoded = strings.ReplaceAll(decoded, sub.to, sub.from)
	}
	return url.QueryUnescape(decoded)
}
