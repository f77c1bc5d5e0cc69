package fetcher

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/voyagen/iptvgate/internal/models"
)

// Field fallback chains, first non-empty wins.
var (
	idKeys            = []string{"id", "channel_id", "tvg_id"}
	nameKeys          = []string{"name", "tvg_name", "title"}
	streamKeys        = []string{"hls", "url", "stream_url", "link"}
	licenseKeys       = []string{"license", "url_license", "license_url", "drm_license"}
	licenseHeaderKeys = []string{"header_license", "license_headers", "headers"}
	kindKeys          = []string{"jenis", "type", "stream_type", "kind"}
	logoKeys          = []string{"logo", "tvg_logo", "image", "icon"}
)

// Normalize converts raw upstream records into canonical channels tagged
// with category. Records that cannot yield a playable stream are dropped.
func Normalize(records []json.RawMessage, category string, logger *zerolog.Logger) []models.Channel {
	out := make([]models.Channel, 0, len(records))
	for i, raw := range records {
		var rec map[string]json.RawMessage
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		ch := models.Channel{
			ID:             firstString(rec, idKeys),
			Name:           firstString(rec, nameKeys),
			StreamURL:      strings.TrimSpace(firstString(rec, streamKeys)),
			LicenseRef:     strings.TrimSpace(firstString(rec, licenseKeys)),
			LicenseHeaders: firstHeaderMap(rec, licenseHeaderKeys),
			StreamKind:     models.ParseStreamKind(firstString(rec, kindKeys)),
			Category:       category,
			Logo:           firstString(rec, logoKeys),
		}
		if ch.ID == "" {
			ch.ID = category + "-" + strconv.Itoa(i)
		}
		if !ch.Resolve() {
			if logger != nil {
				logger.Debug().Str("category", category).Str("id", ch.ID).Msg("dropping record without playable stream")
			}
			continue
		}
		if ch.Name == "" {
			ch.Name = ch.ID
		}
		out = append(out, ch)
	}
	return out
}

// firstString returns the first key whose value is a non-empty string or
// a number.
func firstString(rec map[string]json.RawMessage, keys []string) string {
	for _, k := range keys {
		v, ok := rec[k]
		if !ok {
			continue
		}
		if s := scalarString(v); s != "" {
			return s
		}
	}
	return ""
}

func scalarString(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String()
	}
	return ""
}

// firstHeaderMap returns the license header map as a JSON string. Upstream
// sends either an encoded string or an inline object.
func firstHeaderMap(rec map[string]json.RawMessage, keys []string) string {
	for _, k := range keys {
		v, ok := rec[k]
		if !ok {
			continue
		}
		if s := scalarString(v); s != "" {
			return s
		}
		var obj map[string]any
		if err := json.Unmarshal(v, &obj); err == nil && len(obj) > 0 {
			b, err := json.Marshal(obj)
			if err == nil {
				return string(b)
			}
		}
	}
	return ""
}
