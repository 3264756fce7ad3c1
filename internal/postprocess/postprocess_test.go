package postprocess

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/logging"
	"github.com/dunamismax/reelflow/internal/storage"
)

func pngBase64(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

var target = Target{GenerationID: "gen-1", JobType: domain.JobTypeKeyMoment, TargetID: "moment 3"}

func TestProcessReplacesNestedInlineImages(t *testing.T) {
	store := storage.NewMemoryStore()
	p := New(store, logging.Nop())
	encoded := pngBase64(t, 4, 4)

	in := domain.Result{
		"image_base64": encoded,
		"key_moment": map[string]any{
			"title": "the bridge",
			"image": map[string]any{"image_base64": encoded, "mime_type": "image/png"},
		},
		"scene_images": []any{
			map[string]any{"image": map[string]any{"image_base64": encoded}},
			"not-a-map",
		},
		"images": []any{
			map[string]any{"image_base64": "data:image/jpeg;base64," + encoded},
		},
		"cost_usd": 0.04,
	}

	out, err := p.Process(context.Background(), target, in)
	require.NoError(t, err)
	assert.Empty(t, out.InlineBinaryKeys())
	assert.NotEmpty(t, in.InlineBinaryKeys(), "input must not be mutated")

	assert.Equal(t, "mem://gen-1/key_moment_image/moment_3/image.png", out["image_url"])
	km := out["key_moment"].(map[string]any)
	assert.Equal(t, "the bridge", km["title"])
	assert.Equal(t, "mem://gen-1/key_moment_image/moment_3/key_moment_image.png", km["image"].(map[string]any)["image_url"])

	scene := out["scene_images"].([]any)[0].(map[string]any)["image"].(map[string]any)
	assert.Equal(t, "mem://gen-1/key_moment_image/moment_3/scene_images_0_image.png", scene["image_url"])

	first := out["images"].([]any)[0].(map[string]any)
	assert.Equal(t, "mem://gen-1/key_moment_image/moment_3/images_0.jpg", first["image_url"])
	assert.Equal(t, "image/jpeg", first["mime_type"])

	assert.Len(t, store.Keys(), 4)
	assert.InDelta(t, 0.04, out.Float("cost_usd"), 1e-9)
}

func TestProcessFailsWhenUploadFails(t *testing.T) {
	store := storage.NewMemoryStore()
	store.FailPuts(errors.New("bucket offline"))
	p := New(store, logging.Nop())

	_, err := p.Process(context.Background(), target, domain.Result{"image_base64": pngBase64(t, 2, 2)})
	require.Error(t, err)
}

func TestProcessRejectsUndecodableBinary(t *testing.T) {
	p := New(storage.NewMemoryStore(), logging.Nop())
	_, err := p.Process(context.Background(), target, domain.Result{"video_base64": "%%%"})
	require.Error(t, err)
}

func TestProcessDropsEmptyInlineFields(t *testing.T) {
	store := storage.NewMemoryStore()
	p := New(store, logging.Nop())
	in := domain.Result{
		"image_base64": "",
		"location":     map[string]any{"name": "harbor", "image_base64": "  "},
		"cost_usd":     0.04,
	}

	out, err := p.Process(context.Background(), target, in)
	require.NoError(t, err)
	assert.Empty(t, out.InlineBinaryKeys())
	assert.NotContains(t, out, "image_base64")
	assert.NotContains(t, out, "image_url")
	assert.Equal(t, map[string]any{"name": "harbor"}, out["location"])
	assert.Empty(t, store.Keys())
}

func TestProcessLeavesReferenceOnlyResultsAlone(t *testing.T) {
	store := storage.NewMemoryStore()
	p := New(store, logging.Nop())
	in := domain.Result{"video_url": "https://cdn/clip.mp4", "story": map[string]any{"title": "x"}}

	out, err := p.Process(context.Background(), target, in)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/clip.mp4", out["video_url"])
	assert.Empty(t, store.Keys())
}

func TestProcessWithThumbnails(t *testing.T) {
	store := storage.NewMemoryStore()
	p := New(store, logging.Nop(), WithThumbnails(8))

	out, err := p.Process(context.Background(), Target{GenerationID: "gen-1", JobType: domain.JobTypeCharacter}, domain.Result{
		"image": map[string]any{"image_base64": pngBase64(t, 32, 16)},
	})
	require.NoError(t, err)

	img := out["image"].(map[string]any)
	assert.Equal(t, "mem://gen-1/character_image/default/image_thumb.jpg", img["thumbnail_url"])

	obj, ok := store.Object("gen-1/character_image/default/image_thumb.jpg")
	require.True(t, ok)
	decoded, _, err := image.Decode(bytes.NewReader(obj.Data))
	require.NoError(t, err)
	assert.Equal(t, 8, decoded.Bounds().Dx())
	assert.Equal(t, 4, decoded.Bounds().Dy())
}

func TestThumbnailDoesNotUpscale(t *testing.T) {
	raw, err := base64.StdEncoding.DecodeString(pngBase64(t, 4, 2))
	require.NoError(t, err)
	thumb, err := Thumbnail(raw, 100)
	require.NoError(t, err)
	decoded, _, err := image.Decode(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.Equal(t, 4, decoded.Bounds().Dx())
}
