package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tagmanager/internal/cache"
	"tagmanager/internal/ids"
	"tagmanager/internal/metrics"
	"tagmanager/internal/pipeline"
	"tagmanager/internal/queue"
)

const (
	lastCycleKey = "tagmanager:cycles:last"
	lastCycleTTL = 7 * 24 * time.Hour
)

var ErrCycleRunning = errors.New("an ingestion cycle is already running")

type Runner interface {
	Run(ctx context.Context, importDir string) (pipeline.Report, error)
	Backfill(ctx context.Context) (pipeline.BackfillReport, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, kind string, values map[string]any) error
}

type CycleSummary struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Trigger  string          `json:"trigger"`
	Started  time.Time       `json:"started"`
	Finished time.Time       `json:"finished"`
	Counts   map[string]int  `json:"counts"`
	Report   pipeline.Report `json:"report"`
	Error    string          `json:"error,omitempty"`
}

// CycleService runs at most one ingestion cycle at a time across every
// process sharing the lock, and remembers the outcome of the last one.
type CycleService struct {
	runner    Runner
	importDir string
	lock      cache.Lock
	redis     *redis.Client
	events    EventPublisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu   sync.RWMutex
	last *CycleSummary
}

type CycleServiceOptions struct {
	ImportDir string
	Lock      cache.Lock
	// Redis and Events are optional.
	Redis   *redis.Client
	Events  EventPublisher
	Metrics *metrics.Metrics
}

func NewCycleService(runner Runner, opts CycleServiceOptions, logger zerolog.Logger) *CycleService {
	lock := opts.Lock
	if lock == nil {
		lock = cache.NewLocalLock()
	}
	return &CycleService{
		runner:    runner,
		importDir: opts.ImportDir,
		lock:      lock,
		redis:     opts.Redis,
		events:    opts.Events,
		metrics:   opts.Metrics,
		logger:    logger.With().Str("component", "cycle_service").Logger(),
	}
}

// RunCycle performs one full sweep of the import directory followed by the
// thumbnail backfill.
func (s *CycleService) RunCycle(ctx context.Context, trigger string) (CycleSummary, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return CycleSummary{}, err
	}
	defer release(context.WithoutCancel(ctx))

	summary := CycleSummary{ID: ids.Cycle(), Kind: "ingest", Trigger: trigger, Started: time.Now()}
	logger := s.logger.With().Str("cycle_id", summary.ID).Str("trigger", trigger).Logger()
	logger.Info().Msg("cycle started")

	report, runErr := s.runner.Run(ctx, s.importDir)
	summary.Finished = time.Now()
	summary.Report = report
	summary.Counts = countStatuses(report)
	if runErr != nil {
		summary.Error = runErr.Error()
		logger.Error().Err(runErr).Msg("cycle finished with error")
	} else {
		logger.Info().Dur("took", summary.Finished.Sub(summary.Started)).Interface("counts", summary.Counts).Msg("cycle finished")
	}
	if s.metrics != nil {
		s.metrics.CycleDuration.Observe(summary.Finished.Sub(summary.Started).Seconds())
	}

	s.publishStored(ctx, logger, summary.ID, report)
	s.remember(ctx, logger, summary)
	return summary, runErr
}

// RunBackfill performs only the thumbnail backfill.
func (s *CycleService) RunBackfill(ctx context.Context, trigger string) (pipeline.BackfillReport, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return pipeline.BackfillReport{}, err
	}
	defer release(context.WithoutCancel(ctx))

	s.logger.Info().Str("trigger", trigger).Msg("backfill started")
	report, err := s.runner.Backfill(ctx)
	if err != nil {
		return report, err
	}
	s.logger.Info().Int("thumbnailed", report.Thumbnailed).Int("failed", len(report.Failures)).Msg("backfill finished")
	return report, nil
}

// LastCycle returns the most recent cycle summary, preferring the copy
// shared through redis so that every instance reports the same cycle.
func (s *CycleService) LastCycle(ctx context.Context) (CycleSummary, bool, error) {
	if s.redis != nil {
		var summary CycleSummary
		err := cache.GetJSON(ctx, s.redis, lastCycleKey, &summary)
		if err == nil {
			return summary, true, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			s.logger.Warn().Err(err).Msg("read last cycle from redis failed")
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return CycleSummary{}, false, nil
	}
	return *s.last, true, nil
}

func (s *CycleService) acquire(ctx context.Context) (cache.Release, error) {
	release, err := s.lock.TryAcquire(ctx)
	if errors.Is(err, cache.ErrLockHeld) {
		return nil, ErrCycleRunning
	}
	if err != nil {
		return nil, fmt.Errorf("cycle lock: %w", err)
	}
	return release, nil
}

func (s *CycleService) remember(ctx context.Context, logger zerolog.Logger, summary CycleSummary) {
	s.mu.Lock()
	s.last = &summary
	s.mu.Unlock()

	if s.redis == nil {
		return
	}
	if err := cache.SetJSON(context.WithoutCancel(ctx), s.redis, lastCycleKey, summary, lastCycleTTL); err != nil {
		logger.Warn().Err(err).Msg("store last cycle in redis failed")
	}
}

func (s *CycleService) publishStored(ctx context.Context, logger zerolog.Logger, cycleID string, report pipeline.Report) {
	if s.events == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, o := range report.Stored() {
		if err := s.events.Publish(ctx, queue.EventImageStored, map[string]any{
			"cycle_id":    cycleID,
			"image_id":    strconv.FormatInt(int64(o.ImageID), 10),
			"fingerprint": o.Fingerprint,
			"path":        o.Destination,
		}); err != nil {
			logger.Warn().Err(err).Int64("image_id", int64(o.ImageID)).Msg("publish image event failed")
		}
	}
}

func countStatuses(report pipeline.Report) map[string]int {
	counts := make(map[string]int)
	for status, n := range report.Counts() {
		counts[string(status)] = n
	}
	return counts
}
