package pipeline

import (
	"context"
	"fmt"
	"image"
	"sync"

	"golang.org/x/sync/errgroup"

	"tagmanager/internal/media"
	"tagmanager/internal/models"
)

// Backfill thumbnails every stored image whose thumbnail flag is still false.
// It is idempotent and uses the same pool widths as the main sweep.
func (p *Pipeline) Backfill(ctx context.Context) (BackfillReport, error) {
	pending, err := p.store.ListUnthumbnailed(ctx)
	if err != nil {
		return BackfillReport{}, fmt.Errorf("list unthumbnailed: %w", err)
	}
	report := BackfillReport{Attempted: len(pending)}
	if len(pending) == 0 {
		return report, nil
	}
	p.logger.Info().Int("images", len(pending)).Msg("thumbnail backfill started")

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(p.opts.Concurrency)
	for _, id := range pending {
		id := id
		g.Go(func() error {
			err := p.backfillOne(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures = append(report.Failures, BackfillFailure{ImageID: id, Error: err.Error()})
				p.logger.Warn().Err(err).Int64("image_id", int64(id)).Msg("backfill thumbnail failed")
				return nil
			}
			report.Thumbnailed++
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Info().Int("thumbnailed", report.Thumbnailed).Int("failed", len(report.Failures)).Msg("thumbnail backfill finished")
	return report, nil
}

func (p *Pipeline) backfillOne(ctx context.Context, id models.ImageID) error {
	src := p.paths.Storage(id)
	if err := p.codec.Acquire(ctx, 1); err != nil {
		return err
	}
	img, _, err := media.Decode(src)
	p.codec.Release(1)
	if err != nil {
		p.metrics.Thumbnails.WithLabelValues("failed").Inc()
		return &Error{Kind: KindDecode, Path: src, Err: err}
	}
	return p.thumbnail(ctx, id, img)
}

// thumbnail writes the JPEG rendition for id and flags the record.
func (p *Pipeline) thumbnail(ctx context.Context, id models.ImageID, img image.Image) error {
	dst := p.paths.Thumbnail(id)
	if err := p.codec.Acquire(ctx, 1); err != nil {
		return err
	}
	err := media.WriteJPEG(dst, media.Thumbnail(img, p.opts.ThumbnailSize), p.opts.ThumbnailQuality)
	p.codec.Release(1)
	if err != nil {
		p.metrics.Thumbnails.WithLabelValues("failed").Inc()
		return &Error{Kind: KindThumbnail, Path: dst, Err: err}
	}

	if err := p.store.MarkThumbnailed(ctx, id); err != nil {
		p.metrics.Thumbnails.WithLabelValues("failed").Inc()
		return &Error{Kind: KindThumbnail, Path: dst, Err: fmt.Errorf("mark thumbnailed: %w", err)}
	}
	p.metrics.Thumbnails.WithLabelValues("ok").Inc()

	if p.mirror != nil {
		if err := p.mirror.MirrorThumbnail(ctx, id, dst); err != nil {
			p.logger.Warn().Err(err).Int64("image_id", int64(id)).Msg("mirror thumbnail failed")
		}
	}
	return nil
}
