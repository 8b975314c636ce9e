// Package pipeline drives import files through decode, dedup, classification,
// persistence and relocation, and backfills missing thumbnails.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"tagmanager/internal/config"
	"tagmanager/internal/metrics"
	"tagmanager/internal/models"
	"tagmanager/internal/paths"
)

type Store interface {
	ExistsByFingerprint(ctx context.Context, fp models.Fingerprint) (bool, error)
	InsertImage(ctx context.Context, fp models.Fingerprint, tags models.TagSet) (models.ImageID, error)
	ListUnthumbnailed(ctx context.Context) ([]models.ImageID, error)
	MarkThumbnailed(ctx context.Context, id models.ImageID) error
}

// Classifier must return a non-nil error for every service failure.
type Classifier interface {
	ClassifyPNG(ctx context.Context, png []byte) (models.TagSet, error)
}

// Mirror receives copies of written files. Its failures never change an outcome.
type Mirror interface {
	MirrorOriginal(ctx context.Context, id models.ImageID, path string) error
	MirrorThumbnail(ctx context.Context, id models.ImageID, path string) error
}

type Options struct {
	Concurrency      int
	DecodeWorkers    int
	ThumbnailSize    int
	ThumbnailQuality int
	VideoExtensions  []string
}

func OptionsFromConfig(cfg config.IngestConfig) Options {
	return Options{
		Concurrency:      cfg.Concurrency,
		DecodeWorkers:    cfg.DecodeWorkers,
		ThumbnailSize:    cfg.ThumbnailSize,
		ThumbnailQuality: cfg.ThumbnailQuality,
		VideoExtensions:  cfg.VideoExtensions,
	}
}

type Pipeline struct {
	store      Store
	classifier Classifier
	mirror     Mirror
	paths      paths.Resolver
	opts       Options
	videoExt   map[string]struct{}
	codec      *semaphore.Weighted
	locks      *fingerprintLocks
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	inFlightMu sync.Mutex
	inFlight   int
	peak       int
}

func New(store Store, classifier Classifier, resolver paths.Resolver, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Pipeline {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 12
	}
	if opts.DecodeWorkers <= 0 {
		opts.DecodeWorkers = 1
	}
	if opts.ThumbnailSize <= 0 {
		opts.ThumbnailSize = 512
	}
	if opts.ThumbnailQuality <= 0 {
		opts.ThumbnailQuality = 60
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}

	videoExt := make(map[string]struct{}, len(opts.VideoExtensions))
	for _, ext := range opts.VideoExtensions {
		videoExt[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}

	return &Pipeline{
		store:      store,
		classifier: classifier,
		paths:      resolver,
		opts:       opts,
		videoExt:   videoExt,
		codec:      semaphore.NewWeighted(int64(opts.DecodeWorkers)),
		locks:      newFingerprintLocks(),
		metrics:    m,
		logger:     logger.With().Str("component", "pipeline").Logger(),
	}
}

// SetMirror attaches an object mirror. Call before the first Run.
func (p *Pipeline) SetMirror(m Mirror) {
	p.mirror = m
}

func (p *Pipeline) isVideo(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" {
		return false
	}
	_, ok := p.videoExt[ext]
	return ok
}

// Run processes every regular file directly inside importDir, then runs the
// thumbnail backfill once. Unit failures are reported in the outcomes; the
// returned error covers enumeration and backfill listing only.
func (p *Pipeline) Run(ctx context.Context, importDir string) (Report, error) {
	report := Report{Started: time.Now()}

	files, err := p.scan(importDir)
	if err != nil {
		report.Finished = time.Now()
		return report, err
	}
	p.logger.Info().Str("dir", importDir).Int("files", len(files)).Msg("ingestion sweep started")

	p.inFlightMu.Lock()
	p.peak = 0
	p.inFlightMu.Unlock()

	outcomes := make([]Outcome, len(files))
	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i, path := range files {
		i, path := i, path
		g.Go(func() error {
			outcomes[i] = p.runUnit(ctx, path)
			return nil
		})
	}
	_ = g.Wait()

	report.Outcomes = outcomes
	p.inFlightMu.Lock()
	report.PeakInFlight = p.peak
	p.inFlightMu.Unlock()

	counts := report.Counts()
	p.logger.Info().
		Int("stored", counts[StatusStored]).
		Int("duplicate", counts[StatusDuplicate]).
		Int("videos", counts[StatusVideoMoved]).
		Int("discarded", counts[StatusDiscarded]).
		Int("left_in_place", counts[StatusLeftInPlace]).
		Int("failed", counts[StatusFailed]).
		Msg("ingestion sweep finished")

	report.Backfill, err = p.Backfill(ctx)
	report.Finished = time.Now()
	if err != nil {
		return report, fmt.Errorf("backfill: %w", err)
	}
	return report, nil
}

// scan lists the regular files in dir. Entries that cannot be inspected are
// skipped, as are directories.
func (p *Pipeline) scan(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil && len(entries) == 0 {
		return nil, fmt.Errorf("read import dir %s: %w", dir, err)
	}
	if err != nil {
		p.logger.Warn().Err(err).Str("dir", dir).Msg("partial import dir listing")
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.Type()&os.ModeSymlink != 0 {
			info, err := os.Stat(path)
			if err != nil {
				p.logger.Warn().Err(err).Str("file", path).Msg("skipping unreadable entry")
				continue
			}
			if !info.Mode().IsRegular() {
				continue
			}
		} else if !entry.Type().IsRegular() {
			continue
		}
		files = append(files, path)
	}
	return files, nil
}

func (p *Pipeline) runUnit(ctx context.Context, path string) Outcome {
	if err := ctx.Err(); err != nil {
		return Outcome{Path: path, Status: StatusSkipped, Err: err}
	}

	p.enter()
	defer p.leave()

	var out Outcome
	if p.isVideo(path) {
		out = p.processVideo(path)
	} else {
		out = p.processImage(ctx, path)
	}
	p.metrics.UnitOutcomes.WithLabelValues(string(out.Status)).Inc()
	return out
}

func (p *Pipeline) enter() {
	p.metrics.UnitsInFlight.Inc()
	p.inFlightMu.Lock()
	p.inFlight++
	if p.inFlight > p.peak {
		p.peak = p.inFlight
	}
	p.inFlightMu.Unlock()
}

func (p *Pipeline) leave() {
	p.metrics.UnitsInFlight.Dec()
	p.inFlightMu.Lock()
	p.inFlight--
	p.inFlightMu.Unlock()
}
