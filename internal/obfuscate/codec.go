// Package obfuscate recovers playlist JSON from the upstream's
// reverse/base64/reverse/base64 wrapped blobs.
package obfuscate

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"
)

// Decode runs the three-step reversal pipeline on input and returns the
// candidate plaintext. It never fails loudly: any malformed base64 or
// invalid UTF-8 along the way yields "".
func Decode(input string) string {
	outer, ok := atob(reverseBytes(input))
	if !ok {
		return ""
	}
	inner, ok := atob(reverseBytes(outer))
	if !ok || !utf8.ValidString(inner) {
		return ""
	}
	return reverseRunes(inner)
}

// Encode is the exact inverse of Decode.
func Encode(plain string) string {
	inner := base64.StdEncoding.EncodeToString([]byte(reverseRunes(plain)))
	outer := base64.StdEncoding.EncodeToString([]byte(reverseBytes(inner)))
	return reverseBytes(outer)
}

// atob decodes s with the browser's forgiving-base64 rules: ASCII
// whitespace is ignored, padding is optional, a length of 1 mod 4 is an
// error. The decoded bytes are returned as a byte-for-byte string.
func atob(s string) (string, bool) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\f', '\r':
			return -1
		}
		return r
	}, s)
	if len(s)%4 == 0 {
		s = strings.TrimSuffix(s, "=")
		s = strings.TrimSuffix(s, "=")
	}
	if len(s)%4 == 1 {
		return "", false
	}
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func reverseBytes(s string) string {
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		b[len(s)-1-i] = s[i]
	}
	return string(b)
}

func reverseRunes(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}
