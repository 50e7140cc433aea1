package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"medialib-jobs/internal/models"
)

const mediaColumns = `id, path, kind, tags, caption, artwork_key, scanned_at, created_at, updated_at`

func scanMediaItem(row rowScanner) (models.MediaItem, error) {
	var (
		item       models.MediaItem
		tagsJSON   []byte
		caption    pgtype.Text
		artworkKey pgtype.Text
		scannedAt  pgtype.Timestamptz
	)
	err := row.Scan(&item.ID, &item.Path, &item.Kind, &tagsJSON, &caption, &artworkKey,
		&scannedAt, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return models.MediaItem{}, err
	}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &item.Tags); err != nil {
			return models.MediaItem{}, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	item.Caption = textPtr(caption)
	item.ArtworkKey = textPtr(artworkKey)
	if scannedAt.Valid {
		item.ScannedAt = &scannedAt.Time
	}
	return item, nil
}

// UpsertMediaItem records a file discovered by a library scan. Returns the
// item and whether the row was newly created.
func (s *Store) UpsertMediaItem(ctx context.Context, path, kind string) (models.MediaItem, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO media_items (path, kind, scanned_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (path) DO UPDATE
		SET kind = EXCLUDED.kind, scanned_at = NOW(), updated_at = NOW()
		RETURNING `+mediaColumns+`, (xmax = 0) AS inserted`, path, kind)

	var (
		item       models.MediaItem
		tagsJSON   []byte
		caption    pgtype.Text
		artworkKey pgtype.Text
		scannedAt  pgtype.Timestamptz
		inserted   bool
	)
	err := row.Scan(&item.ID, &item.Path, &item.Kind, &tagsJSON, &caption, &artworkKey,
		&scannedAt, &item.CreatedAt, &item.UpdatedAt, &inserted)
	if err != nil {
		return models.MediaItem{}, false, fmt.Errorf("upsert media item: %w", err)
	}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &item.Tags); err != nil {
			return models.MediaItem{}, false, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	item.Caption = textPtr(caption)
	item.ArtworkKey = textPtr(artworkKey)
	if scannedAt.Valid {
		item.ScannedAt = &scannedAt.Time
	}
	return item, inserted, nil
}

// GetMediaItem fetches one catalog entry.
func (s *Store) GetMediaItem(ctx context.Context, id int64) (models.MediaItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+mediaColumns+` FROM media_items WHERE id = $1`, id)
	item, err := scanMediaItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MediaItem{}, ErrNotFound
	}
	if err != nil {
		return models.MediaItem{}, fmt.Errorf("get media item: %w", err)
	}
	return item, nil
}

// ListMediaItems returns catalog entries, optionally filtered by kind.
func (s *Store) ListMediaItems(ctx context.Context, kind string, limit int) ([]models.MediaItem, error) {
	if limit <= 0 {
		limit = 1000
	}
	var (
		rows pgx.Rows
		err  error
	)
	if kind == "" {
		rows, err = s.pool.Query(ctx, `SELECT `+mediaColumns+` FROM media_items ORDER BY id LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+mediaColumns+` FROM media_items WHERE kind = $1 ORDER BY id LIMIT $2`, kind, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list media items: %w", err)
	}
	defer rows.Close()

	var items []models.MediaItem
	for rows.Next() {
		item, err := scanMediaItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan media item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetTags stores analysis-produced tags on a media item.
func (s *Store) SetTags(ctx context.Context, id int64, tags []string) error {
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE media_items SET tags = $2, updated_at = NOW() WHERE id = $1
	`, id, tagsJSON)
	if err != nil {
		return fmt.Errorf("set tags: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCaption stores an analysis-produced caption on a media item.
func (s *Store) SetCaption(ctx context.Context, id int64, caption string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE media_items SET caption = $2, updated_at = NOW() WHERE id = $1
	`, id, caption)
	if err != nil {
		return fmt.Errorf("set caption: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetArtworkKey records where regenerated artwork was uploaded.
func (s *Store) SetArtworkKey(ctx context.Context, id int64, key string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE media_items SET artwork_key = $2, updated_at = NOW() WHERE id = $1
	`, id, key)
	if err != nil {
		return fmt.Errorf("set artwork key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// clearDerivedTx removes a family's derived data from a media item.
func clearDerivedTx(ctx context.Context, tx pgx.Tx, subjectID int64, family string) error {
	var query string
	switch family {
	case models.FamilyAnalyze:
		query = `UPDATE media_items SET tags = NULL, caption = NULL, updated_at = NOW() WHERE id = $1`
	case models.FamilyArtwork:
		query = `UPDATE media_items SET artwork_key = NULL, updated_at = NOW() WHERE id = $1`
	default:
		return nil
	}
	if _, err := tx.Exec(ctx, query, subjectID); err != nil {
		return fmt.Errorf("clear derived data: %w", err)
	}
	return nil
}
