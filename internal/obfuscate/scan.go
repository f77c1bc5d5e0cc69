package obfuscate

import (
	"encoding/json"
	"iter"
	"strings"
)

// Defaults for the offset scan. The upstream prefix has been 98 characters
// long for every blob observed so far, so that offset is tried first.
const (
	DefaultMaxOffset       = 1000
	DefaultPreferredOffset = 98
)

// Result is a successful recovery.
type Result struct {
	Offset int
	JSON   string
}

type scanOptions struct {
	maxOffset int
	preferred int
}

// Option tunes Recover.
type Option func(*scanOptions)

// WithMaxOffset bounds the number of offsets tried.
func WithMaxOffset(n int) Option {
	return func(o *scanOptions) {
		if n > 0 {
			o.maxOffset = n
		}
	}
}

// WithPreferredOffset sets the offset tried before the ascending sweep.
// A negative value disables the shortcut.
func WithPreferredOffset(n int) Option {
	return func(o *scanOptions) { o.preferred = n }
}

// Offsets yields preferred first (when it lies inside [0, limit)), then
// every other offset in [0, limit) in ascending order.
func Offsets(limit, preferred int) iter.Seq[int] {
	return func(yield func(int) bool) {
		hasPreferred := preferred >= 0 && preferred < limit
		if hasPreferred && !yield(preferred) {
			return
		}
		for i := 0; i < limit; i++ {
			if hasPreferred && i == preferred {
				continue
			}
			if !yield(i) {
				return
			}
		}
	}
}

// Recover finds the JSON document hidden in blob. Plain playlist JSON is
// returned as-is with offset 0. Otherwise every candidate offset is run
// through Decode until one produces valid JSON; ok is false when the scan
// is exhausted.
func Recover(blob string, opts ...Option) (res Result, ok bool) {
	o := scanOptions{maxOffset: DefaultMaxOffset, preferred: DefaultPreferredOffset}
	for _, opt := range opts {
		opt(&o)
	}

	if LooksLikePlaylist([]byte(blob)) {
		return Result{Offset: 0, JSON: blob}, true
	}

	limit := min(o.maxOffset, len(blob))
	for offset := range Offsets(limit, o.preferred) {
		if candidate, found := tryOffset(blob, offset); found {
			return Result{Offset: offset, JSON: candidate}, true
		}
	}
	return Result{}, false
}

func tryOffset(blob string, offset int) (string, bool) {
	text := strings.TrimSpace(Decode(blob[offset:]))
	if !strings.HasPrefix(text, "{") {
		return "", false
	}
	end := strings.LastIndexByte(text, '}')
	if end < 0 {
		return "", false
	}
	candidate := text[:end+1]
	if !json.Valid([]byte(candidate)) {
		return "", false
	}
	return candidate, true
}

// PlaylistKeys are the top-level object keys that carry the channel array.
var PlaylistKeys = []string{"info", "data", "channels"}

// LooksLikePlaylist reports whether raw is JSON shaped like playlist data:
// either an array, or an object with an array under one of PlaylistKeys.
func LooksLikePlaylist(raw []byte) bool {
	_, ok := ChannelArray(raw)
	return ok
}

// ChannelArray extracts the raw channel records from a playlist document.
func ChannelArray(raw []byte) ([]json.RawMessage, bool) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil && arr != nil {
		return arr, true
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	for _, key := range PlaylistKeys {
		v, present := obj[key]
		if !present {
			continue
		}
		if err := json.Unmarshal(v, &arr); err == nil && arr != nil {
			return arr, true
		}
	}
	return nil, false
}
