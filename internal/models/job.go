package models

import (
	"strings"
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusQueued    = "queued"
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusDone      = "done"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Job families. Each family has one worker process type and one lease.
const (
	FamilyScan    = "scan"
	FamilyAnalyze = "analyze"
	FamilyArtwork = "artwork"
)

// Job types. The prefix before ':' is the family, the suffix the sub-mode.
const (
	TypeScanLibrary    = "scan:library"
	TypeAnalyzeTags    = "analyze:tags"
	TypeAnalyzeCaption = "analyze:caption"
	TypeArtworkRegen   = "artwork:regen"
)

// KnownTypes enumerates every type the enqueue service accepts.
var KnownTypes = []string{TypeScanLibrary, TypeAnalyzeTags, TypeAnalyzeCaption, TypeArtworkRegen}

// Families enumerates every family the supervisor can run workers for.
var Families = []string{FamilyScan, FamilyAnalyze, FamilyArtwork}

// Job represents one unit of background work persisted in Postgres.
// The row is the single source of truth; only the worker holding
// WorkerOwner may move it out of running.
type Job struct {
	ID            int64          `json:"id"`
	Type          string         `json:"type"`
	SubjectID     *int64         `json:"subject_id,omitempty"`
	Status        string         `json:"status"`
	Payload       map[string]any `json:"payload"`
	Result        map[string]any `json:"result,omitempty"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	LastErrorCode *string        `json:"last_error_code,omitempty"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	NotBefore     time.Time      `json:"not_before"`
	HeartbeatAt   *time.Time     `json:"heartbeat_at,omitempty"`
	ProgressNum   *int           `json:"progress_numerator,omitempty"`
	ProgressDen   *int           `json:"progress_denominator,omitempty"`
	CancelFlag    bool           `json:"cancel_requested"`
	CancelledAt   *time.Time     `json:"cancelled_at,omitempty"`
	WorkerOwner   *string        `json:"worker_owner,omitempty"`
	Stage         *string        `json:"stage,omitempty"`
	StageChanged  *time.Time     `json:"stage_changed_at,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Family returns the job family for a type string ("analyze:tags" -> "analyze").
func Family(jobType string) string {
	if i := strings.IndexByte(jobType, ':'); i > 0 {
		return jobType[:i]
	}
	return jobType
}

// IsTerminal reports whether a status is final.
func IsTerminal(status string) bool {
	switch status {
	case StatusDone, StatusError, StatusCancelled:
		return true
	}
	return false
}

// IsClaimable reports whether a status is eligible for ClaimNext.
func IsClaimable(status string) bool {
	return status == StatusQueued || status == StatusPending
}

// KnownType reports whether the type is one the registry handles.
func KnownType(jobType string) bool {
	for _, t := range KnownTypes {
		if t == jobType {
			return true
		}
	}
	return false
}

// ClampProgress enforces 0 <= num <= den for a positive denominator.
func ClampProgress(num, den int) (int, int) {
	if den < 0 {
		den = 0
	}
	if num < 0 {
		num = 0
	}
	if den > 0 && num > den {
		num = den
	}
	return num, den
}

// MediaItem is a catalog entry produced by library scans. Analysis and
// artwork jobs hang their derived data off it.
type MediaItem struct {
	ID         int64      `json:"id"`
	Path       string     `json:"path"`
	Kind       string     `json:"kind"`
	Tags       []string   `json:"tags,omitempty"`
	Caption    *string    `json:"caption,omitempty"`
	ArtworkKey *string    `json:"artwork_key,omitempty"`
	ScannedAt  *time.Time `json:"scanned_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Media kinds recognized by the scanner.
const (
	KindImage = "image"
	KindVideo = "video"
	KindAudio = "audio"
)
