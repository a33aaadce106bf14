package prioritizationengine

import (
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	httpadapter "quorum/contexts/workgroup-collaboration/prioritization-engine/adapters/http"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/adapters/memory"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/application/commands"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/application/queries"
	"quorum/contexts/workgroup-collaboration/prioritization-engine/ports"
)

type Module struct {
	Handler httpadapter.Handler
	Store   *memory.Store
}

type Dependencies struct {
	Repo                   ports.RankingRepository
	Cache                  ports.ViewCache
	Outbox                 ports.OutboxWriter
	Clock                  ports.Clock
	IDGen                  ports.IDGenerator
	GracePeriod            time.Duration
	RequireCompleteRanking bool
	Logger                 *slog.Logger
}

func NewModule(deps Dependencies) Module {
	grace := deps.GracePeriod
	if grace <= 0 {
		grace = 7 * 24 * time.Hour
	}
	submitUseCase := commands.SubmitUseCase{
		Repo:            deps.Repo,
		Cache:           deps.Cache,
		Outbox:          deps.Outbox,
		Clock:           deps.Clock,
		IDGen:           deps.IDGen,
		RequireComplete: deps.RequireCompleteRanking,
		Logger:          deps.Logger,
	}
	stageChangeUseCase := commands.StageChangeUseCase{
		Repo:   deps.Repo,
		Cache:  deps.Cache,
		Outbox: deps.Outbox,
		Clock:  deps.Clock,
		IDGen:  deps.IDGen,
		Logger: deps.Logger,
	}
	viewUseCase := queries.ViewUseCase{
		Repo:        deps.Repo,
		Cache:       deps.Cache,
		Clock:       deps.Clock,
		GracePeriod: grace,
		Flights:     &singleflight.Group{},
		Logger:      deps.Logger,
	}
	return Module{
		Handler: httpadapter.Handler{
			Submissions:  submitUseCase,
			StageChanges: stageChangeUseCase,
			Views:        viewUseCase,
			Logger:       deps.Logger,
		},
	}
}

func NewInMemoryModule(logger *slog.Logger) Module {
	store := memory.NewStore()
	module := NewModule(Dependencies{
		Repo:        store,
		Cache:       store,
		Outbox:      store,
		Clock:       store,
		IDGen:       store,
		GracePeriod: 7 * 24 * time.Hour,
		Logger:      logger,
	})
	module.Store = store
	return module
}
