package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tagmanager/internal/pipeline"
	"tagmanager/internal/queue"
	"tagmanager/internal/service"
)

type CycleRunner interface {
	RunCycle(ctx context.Context, trigger string) (service.CycleSummary, error)
	RunBackfill(ctx context.Context, trigger string) (pipeline.BackfillReport, error)
}

// Processor turns trigger stream entries into cycle or backfill runs.
type Processor struct {
	runner CycleRunner
	logger zerolog.Logger
}

type TaskPayload struct {
	Type        string `json:"type"`
	RequestedBy string `json:"requested_by"`
	At          string `json:"at"`
}

func NewProcessor(runner CycleRunner, logger zerolog.Logger) *Processor {
	return &Processor{
		runner: runner,
		logger: logger.With().Str("component", "processor").Logger(),
	}
}

func (p *Processor) Handle(ctx context.Context, msg redis.XMessage) error {
	var payload TaskPayload
	if err := decodePayload(msg.Values, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	trigger := "stream"
	if payload.RequestedBy != "" {
		trigger = "stream:" + payload.RequestedBy
	}

	var err error
	switch payload.Type {
	case queue.TaskIngest:
		_, err = p.runner.RunCycle(ctx, trigger)
	case queue.TaskThumbnail:
		_, err = p.runner.RunBackfill(ctx, trigger)
	case queue.EventImageStored:
		return nil
	default:
		p.logger.Warn().Str("type", payload.Type).Str("message_id", msg.ID).Msg("unknown task type")
		return nil
	}

	// Another instance already holds the cycle; this request is satisfied by it.
	if errors.Is(err, service.ErrCycleRunning) {
		p.logger.Info().Str("type", payload.Type).Str("message_id", msg.ID).Msg("cycle already running, dropping request")
		return nil
	}
	return err
}

func decodePayload(values map[string]interface{}, out *TaskPayload) error {
	bytes, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, out)
}
