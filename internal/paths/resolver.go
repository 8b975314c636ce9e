// Package paths maps pipeline entities to locations under the configured roots.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"tagmanager/internal/config"
	"tagmanager/internal/models"
)

type Resolver struct {
	roots config.PathsConfig
}

func NewResolver(roots config.PathsConfig) Resolver {
	return Resolver{roots: roots}
}

func (r Resolver) ImportRoot() string {
	return r.roots.Import
}

func (r Resolver) Import(name string) string {
	return filepath.Join(r.roots.Import, name)
}

func (r Resolver) Storage(id models.ImageID) string {
	return filepath.Join(r.roots.Storage, strconv.FormatInt(int64(id), 10)+".png")
}

func (r Resolver) Thumbnail(id models.ImageID) string {
	return filepath.Join(r.roots.Thumbnails, strconv.FormatInt(int64(id), 10)+"_thumbnail.jpg")
}

func (r Resolver) Discarded(name string) string {
	return filepath.Join(r.roots.Discarded, name+".png")
}

// Video keeps the original extension verbatim; ext may carry a leading dot.
func (r Resolver) Video(name, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return filepath.Join(r.roots.Videos, name)
	}
	return filepath.Join(r.roots.Videos, name+"."+ext)
}

// EnsureRoots creates every output root. The import root must already exist.
func (r Resolver) EnsureRoots() error {
	if info, err := os.Stat(r.roots.Import); err != nil {
		return fmt.Errorf("import root: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("import root %s is not a directory", r.roots.Import)
	}
	for _, dir := range []string{r.roots.Storage, r.roots.Thumbnails, r.roots.Discarded, r.roots.Videos} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
