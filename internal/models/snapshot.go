package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Snapshot is an immutable batch of channels from one successful fetch.
// It is replaced wholesale, never mutated after construction.
type Snapshot struct {
	Channels  map[string][]Channel
	Version   string
	FetchedAt time.Time
}

// Categories returns the snapshot's categories in sorted order.
func (s *Snapshot) Categories() []string {
	out := make([]string, 0, len(s.Channels))
	for c := range s.Channels {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Count returns the total number of channels across categories.
func (s *Snapshot) Count() int {
	n := 0
	for _, chs := range s.Channels {
		n += len(chs)
	}
	return n
}

// Find looks a channel up by category and id.
func (s *Snapshot) Find(category, id string) (Channel, bool) {
	for _, ch := range s.Channels[category] {
		if ch.ID == id {
			return ch, true
		}
	}
	return Channel{}, false
}

// MarshalJSON renders {<category>: [...], "version": ..., "lastUpdated": epoch-ms}.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Channels)+2)
	for c, chs := range s.Channels {
		if chs == nil {
			chs = []Channel{}
		}
		out[c] = chs
	}
	out["version"] = s.Version
	out["lastUpdated"] = s.FetchedAt.UnixMilli()
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Channels = make(map[string][]Channel)
	for k, v := range raw {
		switch k {
		case "version":
			if err := json.Unmarshal(v, &s.Version); err != nil {
				return fmt.Errorf("snapshot version: %w", err)
			}
		case "lastUpdated":
			var ms int64
			if err := json.Unmarshal(v, &ms); err != nil {
				return fmt.Errorf("snapshot lastUpdated: %w", err)
			}
			s.FetchedAt = time.UnixMilli(ms)
		default:
			var chs []Channel
			if err := json.Unmarshal(v, &chs); err != nil {
				return fmt.Errorf("snapshot category %s: %w", k, err)
			}
			s.Channels[k] = chs
		}
	}
	return nil
}
