package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tagmanager/internal/config"
	"tagmanager/internal/database"
	"tagmanager/internal/models"
)

var (
	ErrDuplicateFingerprint = errors.New("image with this fingerprint already exists")
	ErrImageNotFound        = errors.New("image not found")
)

// Gateway is the persistence surface of the ingestion pipeline.
type Gateway interface {
	ExistsByFingerprint(ctx context.Context, fp models.Fingerprint) (bool, error)
	// InsertImage stores a new record and links every tag name, creating names
	// on first use. A fingerprint conflict yields ErrDuplicateFingerprint.
	InsertImage(ctx context.Context, fp models.Fingerprint, tags models.TagSet) (models.ImageID, error)
	ListUnthumbnailed(ctx context.Context) ([]models.ImageID, error)
	MarkThumbnailed(ctx context.Context, id models.ImageID) error
	Ping(ctx context.Context) error
	Close()
}

// Open connects the gateway selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Gateway, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := database.NewPostgresPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return NewPostgres(pool), nil
	case "sqlite":
		db, err := database.OpenSQLite(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		gw, err := NewSQLite(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return gw, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// normalizeNames trims names and drops blanks and repeats, keeping order.
func normalizeNames(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
