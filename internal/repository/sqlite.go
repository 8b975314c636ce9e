package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"tagmanager/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS image (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  rating TEXT NOT NULL CHECK (rating IN ('general', 'sensitive', 'questionable', 'explicit')),
  hash BLOB NOT NULL UNIQUE,
  thumbnail BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_image_thumbnail ON image(thumbnail);

CREATE TABLE IF NOT EXISTS tag (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  tag TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS "character" (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  character TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS tag_images (
  image_id INTEGER NOT NULL REFERENCES image(id) ON DELETE CASCADE,
  tag_id INTEGER NOT NULL REFERENCES tag(id),
  PRIMARY KEY (image_id, tag_id)
);

CREATE TABLE IF NOT EXISTS character_images (
  image_id INTEGER NOT NULL REFERENCES image(id) ON DELETE CASCADE,
  character_id INTEGER NOT NULL REFERENCES "character"(id),
  PRIMARY KEY (image_id, character_id)
);
`

// SQLite is a self-contained gateway that owns its schema. It mirrors the
// Postgres layout so that either can back the pipeline.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(ctx context.Context, db *sql.DB) (*SQLite, error) {
	if err := withSQLiteRetry(func() error {
		_, err := db.ExecContext(ctx, sqliteSchema)
		return err
	}); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (r *SQLite) DB() *sql.DB {
	return r.db
}

func (r *SQLite) ExistsByFingerprint(ctx context.Context, fp models.Fingerprint) (bool, error) {
	var exists bool
	err := withSQLiteRetry(func() error {
		return r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM image WHERE hash = ?)`, fp[:]).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("check fingerprint %s: %w", fp, err)
	}
	return exists, nil
}

func (r *SQLite) InsertImage(ctx context.Context, fp models.Fingerprint, tags models.TagSet) (models.ImageID, error) {
	var id int64
	err := withSQLiteRetry(func() error {
		res, err := r.db.ExecContext(ctx, `INSERT INTO image (rating, hash) VALUES (?, ?)`, tags.Rating.String(), fp[:])
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateFingerprint
		}
		return 0, fmt.Errorf("insert image: %w", err)
	}
	imageID := models.ImageID(id)

	for _, name := range normalizeNames(tags.CharacterTags) {
		charID, err := r.resolveName(ctx, `"character"`, "character", name)
		if err != nil {
			return imageID, err
		}
		if err := r.exec(ctx, `INSERT INTO character_images (image_id, character_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, id, charID); err != nil {
			return imageID, fmt.Errorf("link character %q: %w", name, err)
		}
	}

	for _, name := range normalizeNames(tags.GeneralTags) {
		tagID, err := r.resolveName(ctx, "tag", "tag", name)
		if err != nil {
			return imageID, err
		}
		if err := r.exec(ctx, `INSERT INTO tag_images (image_id, tag_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, id, tagID); err != nil {
			return imageID, fmt.Errorf("link tag %q: %w", name, err)
		}
	}

	return imageID, nil
}

func (r *SQLite) resolveName(ctx context.Context, table, column, name string) (int64, error) {
	insert := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?) ON CONFLICT (%s) DO NOTHING`, table, column, column)
	fetch := fmt.Sprintf(`SELECT id FROM %s WHERE %s = ?`, table, column)

	var id int64
	err := withSQLiteRetry(func() error {
		if _, err := r.db.ExecContext(ctx, insert, name); err != nil {
			return err
		}
		return r.db.QueryRowContext(ctx, fetch, name).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("resolve name %q: %w", name, err)
	}
	return id, nil
}

func (r *SQLite) ListUnthumbnailed(ctx context.Context) ([]models.ImageID, error) {
	var ids []models.ImageID
	err := withSQLiteRetry(func() error {
		ids = ids[:0]
		rows, err := r.db.QueryContext(ctx, `SELECT id FROM image WHERE thumbnail = FALSE ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, models.ImageID(id))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list unthumbnailed: %w", err)
	}
	return ids, nil
}

func (r *SQLite) MarkThumbnailed(ctx context.Context, id models.ImageID) error {
	var affected int64
	err := withSQLiteRetry(func() error {
		res, err := r.db.ExecContext(ctx, `UPDATE image SET thumbnail = TRUE WHERE id = ?`, int64(id))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("mark thumbnailed %d: %w", id, err)
	}
	if affected == 0 {
		return ErrImageNotFound
	}
	return nil
}

// Image loads one record with its tag names, sorted by name.
func (r *SQLite) Image(ctx context.Context, id models.ImageID) (models.Image, models.TagSet, error) {
	var (
		img    models.Image
		tags   models.TagSet
		rating string
		hash   []byte
	)
	err := r.db.QueryRowContext(ctx, `SELECT id, rating, hash, thumbnail FROM image WHERE id = ?`, int64(id)).
		Scan(&img.ID, &rating, &hash, &img.Thumbnail)
	if errors.Is(err, sql.ErrNoRows) {
		return img, tags, ErrImageNotFound
	}
	if err != nil {
		return img, tags, err
	}
	if img.Rating, err = models.ParseRating(rating); err != nil {
		return img, tags, err
	}
	copy(img.Fingerprint[:], hash)
	tags.Rating = img.Rating

	if tags.CharacterTags, err = r.names(ctx,
		`SELECT c.character FROM character_images ci JOIN "character" c ON c.id = ci.character_id WHERE ci.image_id = ? ORDER BY c.character`, id); err != nil {
		return img, tags, err
	}
	if tags.GeneralTags, err = r.names(ctx,
		`SELECT t.tag FROM tag_images ti JOIN tag t ON t.id = ti.tag_id WHERE ti.image_id = ? ORDER BY t.tag`, id); err != nil {
		return img, tags, err
	}
	return img, tags, nil
}

func (r *SQLite) names(ctx context.Context, query string, id models.ImageID) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (r *SQLite) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLite) Close() {
	r.db.Close()
}

func (r *SQLite) exec(ctx context.Context, query string, args ...any) error {
	return withSQLiteRetry(func() error {
		_, err := r.db.ExecContext(ctx, query, args...)
		return err
	})
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isRetryableSQLiteError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database is busy") ||
		strings.Contains(msg, "sqlite_busy")
}

func withSQLiteRetry(op func() error) error {
	var err error
	backoff := 50 * time.Millisecond
	for i := 0; i < 4; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isRetryableSQLiteError(err) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}
