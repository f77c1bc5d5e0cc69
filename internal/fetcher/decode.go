package fetcher

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/voyagen/iptvgate/internal/obfuscate"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decode turns a payload body into raw channel records. Plain JSON is
// tried first, then the offset scan; when the scan is exhausted the raw
// body is the last resort. The returned offset is 0 for plain payloads.
func (c *Client) decode(body []byte) ([]json.RawMessage, int, error) {
	body = bytes.TrimSpace(bytes.TrimPrefix(body, utf8BOM))

	// Some mirrors ship the blob as a JSON string literal.
	if len(body) > 0 && body[0] == '"' {
		var s string
		if err := json.Unmarshal(body, &s); err == nil {
			body = []byte(s)
		}
	}

	if records, ok := obfuscate.ChannelArray(body); ok {
		return records, 0, nil
	}

	res, found := obfuscate.Recover(string(body),
		obfuscate.WithMaxOffset(c.cfg.MaxOffset),
		obfuscate.WithPreferredOffset(c.preferredOffset()),
	)
	raw := body
	if found {
		raw = []byte(res.JSON)
	}
	records, ok := obfuscate.ChannelArray(raw)
	if !ok {
		if found {
			return nil, res.Offset, fmt.Errorf("offset %d decoded without a channel array: %w", res.Offset, ErrUndecodable)
		}
		return nil, 0, ErrUndecodable
	}
	return records, res.Offset, nil
}

func (c *Client) preferredOffset() int {
	if c.cfg.PreferredOffset == 0 {
		return obfuscate.DefaultPreferredOffset
	}
	return c.cfg.PreferredOffset
}
