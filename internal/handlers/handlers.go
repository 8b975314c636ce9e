package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tagmanager/internal/middleware"
	"tagmanager/internal/pipeline"
	"tagmanager/internal/service"
)

type Cycles interface {
	RunCycle(ctx context.Context, trigger string) (service.CycleSummary, error)
	RunBackfill(ctx context.Context, trigger string) (pipeline.BackfillReport, error)
	LastCycle(ctx context.Context) (service.CycleSummary, bool, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, task, requestedBy string) error
}

type HandlerSet struct {
	log         zerolog.Logger
	environment string
	cycles      Cycles
	db          Pinger
	cache       *redis.Client
	queue       Enqueuer
	adminSecret string

	// background runs detached work; tests replace it to run inline.
	background func(func())
}

type Options struct {
	Environment string
	AdminSecret string
	// Cache and Queue are nil when redis is not configured.
	Cache *redis.Client
	Queue Enqueuer
}

func NewHandlerSet(log zerolog.Logger, cycles Cycles, db Pinger, opts Options) HandlerSet {
	return HandlerSet{
		log:         log.With().Str("component", "http").Logger(),
		environment: opts.Environment,
		cycles:      cycles,
		db:          db,
		cache:       opts.Cache,
		queue:       opts.Queue,
		adminSecret: opts.AdminSecret,
		background:  func(f func()) { go f() },
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")
	v1.GET("/cycles/last", h.LastCycle)

	ops := v1.Group("", middleware.OperatorAuth(h.adminSecret))
	{
		ops.POST("/cycles", h.TriggerCycle)
		ops.POST("/backfill", h.TriggerBackfill)
	}
}
