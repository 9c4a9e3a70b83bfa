package fetch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) any {
	t.Helper()

	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))

	return v
}

func TestNormalizeImages(t *testing.T) {
	in := decode(t, `{"image":["a.png","b.png"],"nested":{"image":"c.png"}}`)
	before := decode(t, `{"image":["a.png","b.png"],"nested":{"image":"c.png"}}`)

	out := NormalizeImages(in, "http://x")

	assert.Equal(t, decode(t, `{"image":["http://x/a.png","http://x/b.png"],"nested":{"image":"http://x/c.png"}}`), out)
	assert.Equal(t, before, in, "input must not be modified")
}

func TestNormalizeLeavesOtherValuesAlone(t *testing.T) {
	in := decode(t, `{
		"success": true,
		"count": 2,
		"title": "image.png",
		"items": [{"id": 1, "image": "/img/1.png"}, null, "image"],
		"images": ["x.png"]
	}`)

	out := NormalizeImages(in, "http://x/")

	assert.Equal(t, decode(t, `{
		"success": true,
		"count": 2,
		"title": "image.png",
		"items": [{"id": 1, "image": "http://x/img/1.png"}, null, "image"],
		"images": ["x.png"]
	}`), out)
}

func TestNormalizeScalarsAndMixedSequences(t *testing.T) {
	assert.Equal(t, "plain", NormalizeImages("plain", "http://x"))
	assert.Equal(t, float64(3), NormalizeImages(float64(3), "http://x"))
	assert.Nil(t, NormalizeImages(nil, "http://x"))

	out := NormalizeImages(decode(t, `{"image":["a.png",7,null]}`), "http://x")
	assert.Equal(t, decode(t, `{"image":["http://x/a.png",7,null]}`), out)

	out = NormalizeImages(decode(t, `{"image":null}`), "http://x")
	assert.Equal(t, decode(t, `{"image":null}`), out)
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "http://x/a.png", joinURL("http://x", "a.png"))
	assert.Equal(t, "http://x/a.png", joinURL("http://x/", "a.png"))
	assert.Equal(t, "http://x/a.png", joinURL("http://x", "/a.png"))
	assert.Equal(t, "http://x/a.png", joinURL("http://x/", "/a.png"))
	assert.Equal(t, "a.png", joinURL("", "a.png"))
}
