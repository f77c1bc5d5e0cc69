package obfuscate

import (
	"encoding/json"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePlaylist = `{"info":[{"id":"1","name":"RCTI","hls":"https://cdn.example.com/rcti/index.m3u8"},` +
	`{"id":"2","name":"Event A","url":"https://cdn.example.com/a/manifest.mpd","license":"00112233445566778899aabbccddeeff:ffeeddccbbaa99887766554433221100"}]}`

// noise draws from characters outside the standard base64 alphabet so no
// offset inside the prefix can decode.
func noise(r *rand.Rand, n int) string {
	const alphabet = "!#$%&()*,-.:;<>?@[]^_`{|}~"
	var b strings.Builder
	for range n {
		b.WriteByte(alphabet[r.IntN(len(alphabet))])
	}
	return b.String()
}

func TestOffsetsOrder(t *testing.T) {
	got := slices.Collect(Offsets(5, 3))
	assert.Equal(t, []int{3, 0, 1, 2, 4}, got)

	got = slices.Collect(Offsets(3, 98))
	assert.Equal(t, []int{0, 1, 2}, got)

	got = slices.Collect(Offsets(4, -1))
	assert.Equal(t, []int{0, 1, 2, 3}, got)

	assert.Empty(t, slices.Collect(Offsets(0, 98)))
}

func TestOffsetsStopsEarly(t *testing.T) {
	var seen []int
	for off := range Offsets(1000, 98) {
		seen = append(seen, off)
		if len(seen) == 3 {
			break
		}
	}
	assert.Equal(t, []int{98, 0, 1}, seen)
}

func TestRecoverFindsOffset(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	encoded := Encode(samplePlaylist)

	var want any
	require.NoError(t, json.Unmarshal([]byte(samplePlaylist), &want))

	for _, k := range []int{0, 1, 98, 500, 999} {
		blob := noise(r, k) + encoded
		res, ok := Recover(blob)
		require.True(t, ok, "offset %d", k)
		assert.Equal(t, k, res.Offset)

		var got any
		require.NoError(t, json.Unmarshal([]byte(res.JSON), &got))
		assert.Equal(t, want, got)
	}
}

func TestRecoverTrailingGarbage(t *testing.T) {
	blob := noise(rand.New(rand.NewPCG(3, 4)), 98) + Encode(samplePlaylist+"\x00\x01trailer")
	res, ok := Recover(blob)
	require.True(t, ok)
	assert.Equal(t, 98, res.Offset)
	assert.Equal(t, samplePlaylist, res.JSON)
}

func TestRecoverPlainJSON(t *testing.T) {
	res, ok := Recover(samplePlaylist)
	require.True(t, ok)
	assert.Equal(t, 0, res.Offset)
	assert.Equal(t, samplePlaylist, res.JSON)

	arr := `[{"name":"x","url":"https://example.com/x.m3u8"}]`
	res, ok = Recover(arr)
	require.True(t, ok)
	assert.Equal(t, arr, res.JSON)
}

func TestRecoverNoise(t *testing.T) {
	r := rand.New(rand.NewPCG(5, 6))
	var b strings.Builder
	for range 1500 {
		b.WriteByte(byte(r.IntN(256)))
	}
	_, ok := Recover(b.String())
	assert.False(t, ok)

	_, ok = Recover("")
	assert.False(t, ok)
}

func TestRecoverRespectsMaxOffset(t *testing.T) {
	blob := noise(rand.New(rand.NewPCG(7, 8)), 50) + Encode(samplePlaylist)
	_, ok := Recover(blob, WithMaxOffset(40), WithPreferredOffset(-1))
	assert.False(t, ok)

	res, ok := Recover(blob, WithMaxOffset(60))
	require.True(t, ok)
	assert.Equal(t, 50, res.Offset)
}

func TestChannelArrayShapes(t *testing.T) {
	cases := map[string]int{
		`{"info":[{},{}]}`:       2,
		`{"data":[{}]}`:          1,
		`{"channels":[]}`:        0,
		`[{},{},{}]`:             3,
	}
	for doc, n := range cases {
		arr, ok := ChannelArray([]byte(doc))
		require.True(t, ok, doc)
		assert.Len(t, arr, n, doc)
	}

	for _, doc := range []string{`{"info":"nope"}`, `null`, `{"other":[]}`, `not json`} {
		_, ok := ChannelArray([]byte(doc))
		assert.False(t, ok, doc)
	}
}
