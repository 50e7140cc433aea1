package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"medialib-jobs/internal/config"
	"medialib-jobs/internal/models"
)

type artworkPayload struct {
	MediaID     int64  `json:"media_id"`
	Path        string `json:"path"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Grayscale   bool   `json:"grayscale"`
	OutputKey   string `json:"output_key"`
	Destination string `json:"destination"`
}

// Uploader stores an encoded artwork blob under a key and returns the
// final key recorded on the media item.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// ArtworkHandler regenerates display artwork for an image item: decode,
// optional grayscale, resize, encode, upload. Uploaders are keyed by the
// payload's destination; defaultDest is used when the payload omits one.
type ArtworkHandler struct {
	cfg         config.Config
	catalog     Catalog
	uploaders   map[string]Uploader
	defaultDest string
	log         zerolog.Logger
}

// NewArtworkHandler builds the artwork executor.
func NewArtworkHandler(cfg config.Config, catalog Catalog, uploaders map[string]Uploader, defaultDest string, log zerolog.Logger) *ArtworkHandler {
	return &ArtworkHandler{cfg: cfg, catalog: catalog, uploaders: uploaders, defaultDest: defaultDest, log: log}
}

// Handle executes one artwork:regen job.
func (h *ArtworkHandler) Handle(ctx context.Context, job models.Job, ckpt *Checkpoint) (map[string]any, error) {
	payload, err := decodeArtworkPayload(job, h.cfg)
	if err != nil {
		return nil, Coded("bad_payload", err)
	}
	dest := payload.Destination
	if dest == "" {
		dest = h.defaultDest
	}
	uploader, ok := h.uploaders[dest]
	if !ok {
		return nil, Coded("bad_payload", fmt.Errorf("unknown destination %q", dest))
	}

	ckpt.Stage("loading")
	if err := ckpt.Beat(ctx, 0, 4); err != nil {
		return nil, err
	}
	data, err := readSource(payload.Path, h.cfg.ArtworkMaxBytes)
	if err != nil {
		return nil, err
	}

	ckpt.Stage("processing")
	if err := ckpt.Beat(ctx, 1, 4); err != nil {
		return nil, err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, Coded("decode_failed", fmt.Errorf("decode image: %w", err))
	}
	if payload.Grayscale {
		img = imaging.Grayscale(img)
	}
	img = imaging.Resize(img, payload.Width, payload.Height, imaging.Lanczos)

	ckpt.Stage("encoding")
	if err := ckpt.Beat(ctx, 2, 4); err != nil {
		return nil, err
	}
	outFormat := chooseFormat(format)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, outFormat); err != nil {
		return nil, Coded("encode_failed", fmt.Errorf("encode image: %w", err))
	}

	ckpt.Stage("uploading")
	if err := ckpt.Beat(ctx, 3, 4); err != nil {
		return nil, err
	}
	key := payload.OutputKey
	if key == "" {
		key = defaultOutputKey(payload.MediaID, outFormat)
	}
	storedKey, err := uploader.Upload(ctx, key, buf.Bytes(), mimeForFormat(outFormat))
	if err != nil {
		return nil, Retryable(Coded("upload_failed", fmt.Errorf("upload artwork: %w", err)))
	}

	if err := h.catalog.SetArtworkKey(ctx, payload.MediaID, storedKey); err != nil {
		return nil, fmt.Errorf("record artwork key: %w", err)
	}
	if err := ckpt.Beat(ctx, 4, 4); err != nil {
		return nil, err
	}
	h.log.Info().Int64("media_id", payload.MediaID).Str("key", storedKey).Msg("artwork regenerated")

	bounds := img.Bounds()
	return map[string]any{
		"artwork_key": storedKey,
		"width":       bounds.Dx(),
		"height":      bounds.Dy(),
		"bytes":       buf.Len(),
	}, nil
}

func decodeArtworkPayload(job models.Job, cfg config.Config) (artworkPayload, error) {
	var payload artworkPayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.MediaID == 0 || payload.Path == "" {
		return payload, errors.New("media_id and path are required")
	}
	if payload.Width <= 0 && payload.Height <= 0 {
		payload.Width = cfg.ArtworkDefaultWidth
		payload.Height = cfg.ArtworkDefaultHeight
	}
	return payload, nil
}

func readSource(path string, maxBytes int64) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, Coded("source_missing", fmt.Errorf("stat source: %w", err))
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return nil, Coded("source_too_large", fmt.Errorf("source is %d bytes, limit %d", info.Size(), maxBytes))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Coded("source_missing", fmt.Errorf("read source: %w", err))
	}
	return data, nil
}

// chooseFormat keeps PNG sources as PNG so transparency survives;
// everything else re-encodes as JPEG.
func chooseFormat(decoded string) imaging.Format {
	if decoded == "png" {
		return imaging.PNG
	}
	return imaging.JPEG
}

func formatExtension(f imaging.Format) string {
	if f == imaging.PNG {
		return ".png"
	}
	return ".jpg"
}

func mimeForFormat(f imaging.Format) string {
	if f == imaging.PNG {
		return "image/png"
	}
	return "image/jpeg"
}

func defaultOutputKey(mediaID int64, f imaging.Format) string {
	return fmt.Sprintf("artwork/%d%s", mediaID, formatExtension(f))
}

// LocalUploader writes artwork files under a base directory.
type LocalUploader struct {
	BaseDir string
}

func (u *LocalUploader) Upload(_ context.Context, key string, data []byte, _ string) (string, error) {
	clean := filepath.Clean(strings.TrimPrefix(key, "/"))
	if strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("key escapes base dir: %s", key)
	}
	dest := filepath.Join(u.BaseDir, clean)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create artwork dir: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("write artwork: %w", err)
	}
	return clean, nil
}
