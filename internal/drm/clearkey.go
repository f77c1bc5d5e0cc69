// Package drm serves ClearKey licenses from key bundles carried in
// channel metadata.
package drm

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidBundle is returned when a key bundle cannot be parsed.
var ErrInvalidBundle = errors.New("invalid key bundle")

// Key is one content key in W3C ClearKey JWK form.
type Key struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	K   string `json:"k"`
}

// License is the ClearKey license response body.
type License struct {
	Keys []Key  `json:"keys"`
	Type string `json:"type"`
}

type bundleJSON struct {
	Keys []struct {
		Kid string `json:"kid"`
		K   string `json:"k"`
	} `json:"keys"`
}

// ParseBundle decodes a key bundle into raw (kid, key) byte pairs.
// Accepted forms:
//   - base64 or base64url of {"keys":[{"kid":..,"k":..}]}, each value
//     base64/base64url or 32 hex characters
//   - plain JSON of the same shape
//   - hex pairs "kid:key[,kid:key]"
func ParseBundle(bundle string) ([][2][]byte, error) {
	bundle = strings.TrimSpace(bundle)
	if bundle == "" {
		return nil, fmt.Errorf("empty bundle: %w", ErrInvalidBundle)
	}
	if strings.HasPrefix(bundle, "{") {
		return parseJSONBundle([]byte(bundle))
	}
	if strings.Contains(bundle, ":") {
		return parseHexPairs(bundle)
	}
	raw, err := decodeBase64(bundle)
	if err != nil {
		return nil, fmt.Errorf("bundle is neither hex pairs nor base64: %w", ErrInvalidBundle)
	}
	return parseJSONBundle(raw)
}

func parseJSONBundle(raw []byte) ([][2][]byte, error) {
	var b bundleJSON
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("bundle json: %v: %w", err, ErrInvalidBundle)
	}
	if len(b.Keys) == 0 {
		return nil, fmt.Errorf("bundle has no keys: %w", ErrInvalidBundle)
	}
	out := make([][2][]byte, 0, len(b.Keys))
	for i, k := range b.Keys {
		kid, err := decodeKeyValue(k.Kid)
		if err != nil {
			return nil, fmt.Errorf("key %d kid: %w", i, err)
		}
		key, err := decodeKeyValue(k.K)
		if err != nil {
			return nil, fmt.Errorf("key %d k: %w", i, err)
		}
		out = append(out, [2][]byte{kid, key})
	}
	return out, nil
}

func parseHexPairs(s string) ([][2][]byte, error) {
	var out [][2][]byte
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kidHex, keyHex, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("pair %q has no separator: %w", pair, ErrInvalidBundle)
		}
		kid, err := decodeHex(kidHex)
		if err != nil {
			return nil, err
		}
		key, err := decodeHex(keyHex)
		if err != nil {
			return nil, err
		}
		out = append(out, [2][]byte{kid, key})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no key pairs: %w", ErrInvalidBundle)
	}
	return out, nil
}

// decodeKeyValue accepts 32 hex characters (optionally dashed, as KIDs
// are often written as UUIDs) or base64 in either alphabet.
func decodeKeyValue(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := decodeHex(s); err == nil {
		return b, nil
	}
	b, err := decodeBase64(s)
	if err != nil || len(b) == 0 {
		return nil, fmt.Errorf("value %q is neither hex nor base64: %w", s, ErrInvalidBundle)
	}
	return b, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "-", "")
	if len(s) != 32 {
		return nil, fmt.Errorf("hex value %q is not 16 bytes: %w", s, ErrInvalidBundle)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("hex value %q: %w", s, ErrInvalidBundle)
	}
	return b, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if strings.ContainsAny(s, "-_") {
		return base64.RawURLEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// Translate turns a bundle into a ClearKey license. Every key in the
// bundle is returned; players pick the ones they asked for.
func Translate(bundle string) (License, error) {
	pairs, err := ParseBundle(bundle)
	if err != nil {
		return License{}, err
	}
	lic := License{Type: "temporary", Keys: make([]Key, 0, len(pairs))}
	for _, p := range pairs {
		lic.Keys = append(lic.Keys, Key{
			Kty: "oct",
			Kid: base64.RawURLEncoding.EncodeToString(p[0]),
			K:   base64.RawURLEncoding.EncodeToString(p[1]),
		})
	}
	return lic, nil
}
