package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"medialib-jobs/internal/config"
	"medialib-jobs/internal/models"
)

type analyzePayload struct {
	MediaID int64  `json:"media_id"`
	Path    string `json:"path"`
	Kind    string `json:"kind"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// AnalyzeHandler asks a chat-completions endpoint to describe a media item
// and persists the answer as tags or a caption depending on the job type.
type AnalyzeHandler struct {
	cfg     config.Config
	catalog Catalog
	client  *http.Client
	log     zerolog.Logger
}

// NewAnalyzeHandler builds the analysis executor.
func NewAnalyzeHandler(cfg config.Config, catalog Catalog, log zerolog.Logger) *AnalyzeHandler {
	return &AnalyzeHandler{
		cfg:     cfg,
		catalog: catalog,
		client:  &http.Client{Timeout: cfg.AnalysisTimeout},
		log:     log,
	}
}

// Handle executes one analyze:tags or analyze:caption job.
func (h *AnalyzeHandler) Handle(ctx context.Context, job models.Job, ckpt *Checkpoint) (map[string]any, error) {
	payload, err := decodeAnalyzePayload(job)
	if err != nil {
		return nil, Coded("bad_payload", err)
	}

	ckpt.Stage("requesting")
	if err := ckpt.Beat(ctx, 0, 1); err != nil {
		return nil, err
	}

	content, err := h.complete(ctx, analysisPrompt(job.Type, payload))
	if err != nil {
		return nil, err
	}

	ckpt.Stage("saving")
	switch job.Type {
	case models.TypeAnalyzeTags:
		tags := splitTags(content)
		if len(tags) == 0 {
			return nil, Coded("analysis_empty", errors.New("model returned no tags"))
		}
		if err := h.catalog.SetTags(ctx, payload.MediaID, tags); err != nil {
			return nil, fmt.Errorf("save tags: %w", err)
		}
		if err := ckpt.Beat(ctx, 1, 1); err != nil {
			return nil, err
		}
		return map[string]any{"tags": tags}, nil

	case models.TypeAnalyzeCaption:
		caption := strings.TrimSpace(content)
		if caption == "" {
			return nil, Coded("analysis_empty", errors.New("model returned no caption"))
		}
		if err := h.catalog.SetCaption(ctx, payload.MediaID, caption); err != nil {
			return nil, fmt.Errorf("save caption: %w", err)
		}
		if err := ckpt.Beat(ctx, 1, 1); err != nil {
			return nil, err
		}
		return map[string]any{"caption": caption}, nil
	}
	return nil, Coded("bad_payload", fmt.Errorf("unexpected job type %q", job.Type))
}

// complete calls the chat-completions endpoint and returns the first
// choice's content. Transport failures and 429/5xx are transient; other
// status codes are permanent rejections.
func (h *AnalyzeHandler) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    h.cfg.AnalysisModel,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(h.cfg.AnalysisBaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.AnalysisAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.AnalysisAPIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", Retryable(Coded("analysis_unreachable", fmt.Errorf("analysis request: %w", err)))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", Retryable(Coded("analysis_unreachable", fmt.Errorf("read response: %w", err)))
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", Retryable(Coded("analysis_unavailable", fmt.Errorf("analysis returned %d", resp.StatusCode)))
	}
	if resp.StatusCode != http.StatusOK {
		return "", Coded("analysis_rejected", fmt.Errorf("analysis returned %d: %s", resp.StatusCode, truncate(string(raw), 200)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", Coded("analysis_rejected", fmt.Errorf("decode response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return "", Coded("analysis_empty", errors.New("response has no choices"))
	}
	return parsed.Choices[0].Message.Content, nil
}

func decodeAnalyzePayload(job models.Job) (analyzePayload, error) {
	var payload analyzePayload
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
	return payload, nil
}

func analysisPrompt(jobType string, payload analyzePayload) string {
	name := filepath.Base(payload.Path)
	if jobType == models.TypeAnalyzeTags {
		return fmt.Sprintf("List up to 10 short descriptive tags for the %s file %q as a comma-separated list. Reply with the tags only.", payload.Kind, name)
	}
	return fmt.Sprintf("Write a one-sentence caption for the %s file %q. Reply with the caption only.", payload.Kind, name)
}

// splitTags parses a comma-separated model reply into clean tags.
func splitTags(content string) []string {
	var tags []string
	for _, part := range strings.Split(content, ",") {
		tag := strings.ToLower(strings.TrimSpace(part))
		tag = strings.Trim(tag, `".`)
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
