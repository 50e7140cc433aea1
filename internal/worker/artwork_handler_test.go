package worker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medialib-jobs/internal/config"
	"medialib-jobs/internal/models"
)

func writeTestPNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

type failingUploader struct{}

func (failingUploader) Upload(context.Context, string, []byte, string) (string, error) {
	return "", errors.New("bucket unavailable")
}

func artworkJob(path string, extra map[string]any) models.Job {
	payload := map[string]any{
		"media_id": 42,
		"path":     path,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return models.Job{ID: 1, Type: models.TypeArtworkRegen, Payload: payload}
}

func TestArtworkHandlerResizesAndRecordsKey(t *testing.T) {
	src := filepath.Join(t.TempDir(), "cat.png")
	writeTestPNG(t, src, 64, 64)
	outDir := t.TempDir()

	catalog := newFakeCatalog()
	uploaders := map[string]Uploader{"local": &LocalUploader{BaseDir: outDir}}
	h := NewArtworkHandler(config.Config{ArtworkMaxBytes: 1 << 20}, catalog, uploaders, "local", zerolog.Nop())

	job := artworkJob(src, map[string]any{"width": 32, "height": 32})
	result, err := h.Handle(context.Background(), job, newCheckpoint(newFakeJobStore(), nil, 1, "w", 0))
	require.NoError(t, err)

	assert.Equal(t, 32, result["width"])
	assert.Equal(t, 32, result["height"])
	key := catalog.artwork[42]
	require.NotEmpty(t, key)
	assert.Equal(t, ".png", filepath.Ext(key), "PNG source stays PNG")

	data, err := os.ReadFile(filepath.Join(outDir, key))
	require.NoError(t, err)
	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 32, img.Bounds().Dy())
}

func TestArtworkHandlerHonorsOutputKey(t *testing.T) {
	src := filepath.Join(t.TempDir(), "cat.png")
	writeTestPNG(t, src, 16, 16)
	outDir := t.TempDir()

	catalog := newFakeCatalog()
	uploaders := map[string]Uploader{"local": &LocalUploader{BaseDir: outDir}}
	h := NewArtworkHandler(config.Config{ArtworkDefaultWidth: 8}, catalog, uploaders, "local", zerolog.Nop())

	job := artworkJob(src, map[string]any{"output_key": "covers/custom.png", "grayscale": true})
	_, err := h.Handle(context.Background(), job, newCheckpoint(newFakeJobStore(), nil, 1, "w", 0))
	require.NoError(t, err)

	assert.Equal(t, "covers/custom.png", catalog.artwork[42])
	_, err = os.Stat(filepath.Join(outDir, "covers", "custom.png"))
	require.NoError(t, err)
}

func TestArtworkHandlerMissingSource(t *testing.T) {
	uploaders := map[string]Uploader{"local": &LocalUploader{BaseDir: t.TempDir()}}
	h := NewArtworkHandler(config.Config{}, newFakeCatalog(), uploaders, "local", zerolog.Nop())

	job := artworkJob("/does/not/exist.png", nil)
	_, err := h.Handle(context.Background(), job, newCheckpoint(newFakeJobStore(), nil, 1, "w", 0))
	require.Error(t, err)
	assert.Equal(t, "source_missing", ErrorCode(err))
	assert.False(t, IsRetryable(err))
}

func TestArtworkHandlerSourceTooLarge(t *testing.T) {
	src := filepath.Join(t.TempDir(), "big.png")
	writeTestPNG(t, src, 64, 64)

	uploaders := map[string]Uploader{"local": &LocalUploader{BaseDir: t.TempDir()}}
	h := NewArtworkHandler(config.Config{ArtworkMaxBytes: 10}, newFakeCatalog(), uploaders, "local", zerolog.Nop())

	_, err := h.Handle(context.Background(), artworkJob(src, nil), newCheckpoint(newFakeJobStore(), nil, 1, "w", 0))
	require.Error(t, err)
	assert.Equal(t, "source_too_large", ErrorCode(err))
}

func TestArtworkHandlerUploadFailureIsTransient(t *testing.T) {
	src := filepath.Join(t.TempDir(), "cat.png")
	writeTestPNG(t, src, 16, 16)

	uploaders := map[string]Uploader{"s3": failingUploader{}}
	h := NewArtworkHandler(config.Config{ArtworkDefaultWidth: 8}, newFakeCatalog(), uploaders, "s3", zerolog.Nop())

	_, err := h.Handle(context.Background(), artworkJob(src, nil), newCheckpoint(newFakeJobStore(), nil, 1, "w", 0))
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "upload_failed", ErrorCode(err))
}

func TestArtworkHandlerUnknownDestination(t *testing.T) {
	src := filepath.Join(t.TempDir(), "cat.png")
	writeTestPNG(t, src, 16, 16)

	uploaders := map[string]Uploader{"local": &LocalUploader{BaseDir: t.TempDir()}}
	h := NewArtworkHandler(config.Config{}, newFakeCatalog(), uploaders, "local", zerolog.Nop())

	job := artworkJob(src, map[string]any{"destination": "tape-archive"})
	_, err := h.Handle(context.Background(), job, newCheckpoint(newFakeJobStore(), nil, 1, "w", 0))
	require.Error(t, err)
	assert.Equal(t, "bad_payload", ErrorCode(err))
}
