package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Trigger starts one ingestion cycle, either directly or by enqueueing it.
type Trigger func(ctx context.Context) error

type Scheduler struct {
	cron    *cron.Cron
	spec    string
	trigger Trigger
	timeout time.Duration
	log     zerolog.Logger
}

func NewScheduler(spec string, trigger Trigger, log zerolog.Logger) *Scheduler {
	c := cron.New(cron.WithSeconds())
	return &Scheduler{
		cron:    c,
		spec:    spec,
		trigger: trigger,
		timeout: time.Hour,
		log:     log.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the cycle job. An empty spec disables scheduling.
func (s *Scheduler) Start() error {
	if s.spec == "" {
		s.log.Info().Msg("no cron spec configured, scheduler disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.spec, s.fire); err != nil {
		return fmt.Errorf("schedule %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.log.Info().Str("spec", s.spec).Msg("scheduler started")
	return nil
}

// RunNow fires the trigger once outside of the schedule.
func (s *Scheduler) RunNow() {
	go s.fire()
}

// Stop halts the schedule. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.trigger(ctx); err != nil {
		s.log.Error().Err(err).Msg("scheduled cycle failed")
	}
}
