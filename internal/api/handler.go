package api

import (
	"log/slog"

	"github.com/shaiso/Harvester/internal/repo"
	"github.com/shaiso/Harvester/internal/scheduler"
	"github.com/shaiso/Harvester/internal/steps"
)

// Handler - главный обработчик API с зависимостями.
type Handler struct {
	store        repo.RunStore
	advancer     *scheduler.Advancer
	registry     *steps.Registry
	advanceToken string
	logger       *slog.Logger
}

// Config - конфигурация для создания Handler.
type Config struct {
	Store    repo.RunStore
	Advancer *scheduler.Advancer
	Registry *steps.Registry

	// AdvanceToken - bearer-токен для POST /advance. Пустой - без проверки.
	AdvanceToken string

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	advancer := cfg.Advancer
	if advancer == nil {
		advancer = scheduler.New(scheduler.Config{Store: cfg.Store, Logger: logger})
	}
	return &Handler{
		store:        cfg.Store,
		advancer:     advancer,
		registry:     cfg.Registry,
		advanceToken: cfg.AdvanceToken,
		logger:       logger,
	}
}
