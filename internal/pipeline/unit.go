package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"tagmanager/internal/fingerprint"
	"tagmanager/internal/ids"
	"tagmanager/internal/media"
	"tagmanager/internal/models"
	"tagmanager/internal/repository"
)

const discardAttempts = 3

// newFileName names discarded files and relocated videos.
var newFileName = ids.FileName

func (p *Pipeline) processImage(ctx context.Context, path string) Outcome {
	out := Outcome{Path: path}
	logger := p.logger.With().Str("file", filepath.Base(path)).Logger()

	img, fp, err := p.decode(ctx, path)
	if err != nil {
		return p.route(logger, out, &Error{Kind: KindDecode, Path: path, Err: err})
	}
	out.Fingerprint = fp.String()
	logger = logger.With().Str("fingerprint", out.Fingerprint).Logger()

	unlock := p.locks.lock(fp)
	defer unlock()

	exists, err := p.store.ExistsByFingerprint(ctx, fp)
	if err != nil {
		return p.route(logger, out, &Error{Kind: KindPersistence, Path: path, Err: err})
	}
	if exists {
		return p.duplicate(logger, out)
	}

	png, err := p.encodePNG(ctx, img)
	if err != nil {
		return p.route(logger, out, &Error{Kind: KindDecode, Path: path, Err: err})
	}

	started := time.Now()
	tags, err := p.classifier.ClassifyPNG(ctx, png)
	p.metrics.ClassifyDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		return p.route(logger, out, &Error{Kind: KindClassification, Path: path, Err: err})
	}

	id, err := p.store.InsertImage(ctx, fp, tags)
	switch {
	case errors.Is(err, repository.ErrDuplicateFingerprint):
		return p.duplicate(logger, out)
	case err != nil && id == 0:
		return p.route(logger, out, &Error{Kind: KindPersistence, Path: path, Err: err})
	case err != nil:
		// The record exists; only some tag links are missing.
		logger.Warn().Err(err).Int64("image_id", int64(id)).Msg("image stored with incomplete tags")
	}
	out.ImageID = id
	logger = logger.With().Int64("image_id", int64(id)).Logger()

	dst := p.paths.Storage(id)
	if err := media.WriteFile(dst, png); err != nil {
		logger.Error().Err(err).Str("dst", dst).Msg("image persisted but storage write failed; record has no file")
		return p.route(logger, out, &Error{Kind: KindRelocation, Path: path, Err: err})
	}
	out.Destination = dst
	p.mirrorOriginal(ctx, logger, id, dst)

	if err := p.thumbnail(ctx, id, img); err != nil {
		out.ThumbnailErr = err
		logger.Warn().Err(err).Msg("thumbnail failed; backfill will retry")
	}

	out.Status = StatusStored
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		out.Err = &Error{Kind: KindFilesystem, Path: path, Err: err}
		logger.Warn().Err(err).Msg("stored image but could not remove import file")
		return out
	}
	logger.Info().Str("rating", tags.Rating.String()).
		Int("characters", len(tags.CharacterTags)).
		Int("tags", len(tags.GeneralTags)).
		Msg("image stored")
	return out
}

func (p *Pipeline) decode(ctx context.Context, path string) (image.Image, models.Fingerprint, error) {
	var fp models.Fingerprint
	if err := p.codec.Acquire(ctx, 1); err != nil {
		return nil, fp, err
	}
	defer p.codec.Release(1)

	img, _, err := media.Decode(path)
	if err != nil {
		return nil, fp, err
	}
	fp, err = fingerprint.Compute(img)
	if err != nil {
		return nil, fp, err
	}
	return img, fp, nil
}

func (p *Pipeline) encodePNG(ctx context.Context, img image.Image) ([]byte, error) {
	if err := p.codec.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.codec.Release(1)
	return media.EncodePNG(img)
}

func (p *Pipeline) duplicate(logger zerolog.Logger, out Outcome) Outcome {
	if err := os.Remove(out.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return p.route(logger, out, &Error{Kind: KindFilesystem, Path: out.Path, Err: err})
	}
	out.Status = StatusDuplicate
	logger.Info().Msg("duplicate removed")
	return out
}

// route settles a failed unit: transient failures stay in the import
// directory, everything else moves to the discard area under a fresh name.
// A unit cut short by cancellation is never discarded.
func (p *Pipeline) route(logger zerolog.Logger, out Outcome, failure *Error) Outcome {
	out.Err = failure
	if errors.Is(failure, context.Canceled) || errors.Is(failure, context.DeadlineExceeded) {
		out.Status = StatusSkipped
		logger.Warn().Err(failure).Str("kind", failure.Kind.String()).Msg("cycle cancelled; file left for next cycle")
		return out
	}
	if failure.Kind.Transient() {
		out.Status = StatusLeftInPlace
		logger.Warn().Err(failure).Msg("classification service unavailable; file left for next cycle")
		return out
	}

	dst, err := p.discard(out.Path)
	if err != nil {
		out.Status = StatusFailed
		out.MoveErr = err
		logger.Error().Err(failure).AnErr("move_error", err).Msg("unit failed and could not be discarded")
		return out
	}
	out.Status = StatusDiscarded
	out.Destination = dst
	logger.Warn().Err(failure).Str("kind", failure.Kind.String()).Str("dst", dst).Msg("file discarded")
	return out
}

func (p *Pipeline) discard(path string) (string, error) {
	var lastErr error
	for i := 0; i < discardAttempts; i++ {
		dst := p.paths.Discarded(newFileName())
		if _, err := os.Lstat(dst); err == nil {
			lastErr = fmt.Errorf("discard name %s taken", dst)
			continue
		}
		if err := moveFile(path, dst); err != nil {
			lastErr = err
			if errors.Is(err, os.ErrNotExist) {
				break
			}
			continue
		}
		return dst, nil
	}
	return "", lastErr
}

func (p *Pipeline) processVideo(path string) Outcome {
	out := Outcome{Path: path}
	logger := p.logger.With().Str("file", filepath.Base(path)).Logger()

	dst := p.paths.Video(newFileName(), filepath.Ext(path))
	if err := moveFile(path, dst); err != nil {
		out.Status = StatusLeftInPlace
		out.Err = &Error{Kind: KindVideo, Path: path, Err: err}
		logger.Error().Err(err).Str("dst", dst).Msg("video move failed; left in place")
		return out
	}
	out.Status = StatusVideoMoved
	out.Destination = dst
	logger.Info().Str("dst", dst).Msg("video moved")
	return out
}

func (p *Pipeline) mirrorOriginal(ctx context.Context, logger zerolog.Logger, id models.ImageID, path string) {
	if p.mirror == nil {
		return
	}
	if err := p.mirror.MirrorOriginal(ctx, id, path); err != nil {
		logger.Warn().Err(err).Msg("mirror original failed")
	}
}
