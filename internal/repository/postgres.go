package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tagmanager/internal/models"
)

const pgUniqueViolation = "23505"

// Postgres works against the externally managed schema: image, tag,
// "character", tag_images and character_images, with rating as the
// "rating" enum type.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (r *Postgres) ExistsByFingerprint(ctx context.Context, fp models.Fingerprint) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM image WHERE hash = $1)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, fp[:]).Scan(&exists); err != nil {
		return false, fmt.Errorf("check fingerprint %s: %w", fp, err)
	}
	return exists, nil
}

func (r *Postgres) InsertImage(ctx context.Context, fp models.Fingerprint, tags models.TagSet) (models.ImageID, error) {
	const query = `INSERT INTO image (rating, hash) VALUES ($1::rating, $2) RETURNING id`

	var id int64
	if err := r.pool.QueryRow(ctx, query, tags.Rating.String(), fp[:]).Scan(&id); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return 0, ErrDuplicateFingerprint
		}
		return 0, fmt.Errorf("insert image: %w", err)
	}
	imageID := models.ImageID(id)

	for _, name := range normalizeNames(tags.CharacterTags) {
		charID, err := r.resolveName(ctx, characterNames, name)
		if err != nil {
			return imageID, err
		}
		if _, err := r.pool.Exec(ctx,
			`INSERT INTO character_images (image_id, character_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			id, charID,
		); err != nil {
			return imageID, fmt.Errorf("link character %q: %w", name, err)
		}
	}

	for _, name := range normalizeNames(tags.GeneralTags) {
		tagID, err := r.resolveName(ctx, generalNames, name)
		if err != nil {
			return imageID, err
		}
		if _, err := r.pool.Exec(ctx,
			`INSERT INTO tag_images (image_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			id, tagID,
		); err != nil {
			return imageID, fmt.Errorf("link tag %q: %w", name, err)
		}
	}

	return imageID, nil
}

type nameTable struct {
	insertOrFetch string
	fetch         string
}

var (
	generalNames = nameTable{
		insertOrFetch: `
			WITH ins AS (
				INSERT INTO tag (tag) VALUES ($1)
				ON CONFLICT (tag) DO NOTHING
				RETURNING id
			)
			SELECT id FROM ins
			UNION ALL
			SELECT id FROM tag WHERE tag = $1
			LIMIT 1
		`,
		fetch: `SELECT id FROM tag WHERE tag = $1`,
	}
	characterNames = nameTable{
		insertOrFetch: `
			WITH ins AS (
				INSERT INTO "character" (character) VALUES ($1)
				ON CONFLICT (character) DO NOTHING
				RETURNING id
			)
			SELECT id FROM ins
			UNION ALL
			SELECT id FROM "character" WHERE character = $1
			LIMIT 1
		`,
		fetch: `SELECT id FROM "character" WHERE character = $1`,
	}
)

// resolveName returns the id for name, creating the row on first use.
func (r *Postgres) resolveName(ctx context.Context, table nameTable, name string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, table.insertOrFetch, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// A concurrent insert committed after this statement's snapshot was
		// taken; the row is visible to a fresh statement.
		err = r.pool.QueryRow(ctx, table.fetch, name).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("resolve name %q: %w", name, err)
	}
	return id, nil
}

func (r *Postgres) ListUnthumbnailed(ctx context.Context) ([]models.ImageID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM image WHERE thumbnail = false ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list unthumbnailed: %w", err)
	}
	defer rows.Close()

	var ids []models.ImageID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, models.ImageID(id))
	}
	return ids, rows.Err()
}

func (r *Postgres) MarkThumbnailed(ctx context.Context, id models.ImageID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE image SET thumbnail = true WHERE id = $1`, int64(id))
	if err != nil {
		return fmt.Errorf("mark thumbnailed %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrImageNotFound
	}
	return nil
}

func (r *Postgres) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Postgres) Close() {
	r.pool.Close()
}
