// Package internal wires the Scrub services together: the database, the
// job dispatcher, the retention sweeper and the REST gateway.
package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/scrubmedia/scrub/internal/api"
	"github.com/scrubmedia/scrub/internal/database"
	"github.com/scrubmedia/scrub/internal/dedupe"
	"github.com/scrubmedia/scrub/internal/dispatch"
	"github.com/scrubmedia/scrub/internal/engine"
	"github.com/scrubmedia/scrub/internal/event"
	"github.com/scrubmedia/scrub/internal/job"
	"github.com/scrubmedia/scrub/internal/retention"
	"github.com/scrubmedia/scrub/internal/settings"
	"github.com/scrubmedia/scrub/pkg/logger"
)

var log = logger.Get("Core")

type RunnableService interface {
	Run(context.Context) error
}

// Scrub is the top-level server object, responsible for initialising the
// stores, services and gateway, and for running them to completion.
type Scrub struct {
	config   ScrubConfig
	eventBus event.EventCoordinator

	db            database.Manager
	settingsStore *settings.Store
	deduplicator  *dedupe.Deduplicator

	dispatcher  dispatch.Service
	sweeper     RunnableService
	restGateway RunnableService
}

func New(config ScrubConfig) (*Scrub, error) {
	log.Debugf("Bootstrapping Scrub services using config: %#v\n", config)

	if _, err := engine.ParseMethod(config.DefaultMethod); err != nil {
		return nil, fmt.Errorf("invalid default method: %w", err)
	}
	if _, err := dedupe.ParseMode(config.DedupeMode); err != nil {
		return nil, fmt.Errorf("invalid dedupe mode: %w", err)
	}

	return &Scrub{
		config:   config,
		eventBus: event.New(),
		db:       database.New(),
	}, nil
}

// Run brings up every service and blocks until the context is cancelled or
// an unrecoverable service failure occurs.
func (scrub *Scrub) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	log.Emit(logger.NEW, "Connecting to database...\n")
	if err := scrub.db.Connect(scrub.config.Database); err != nil {
		return err
	}

	if err := scrub.initialiseServices(); err != nil {
		return err
	}

	wg := &sync.WaitGroup{}
	scrub.spawnAsyncService(ctx, wg, scrub.dispatcher, "dispatcher", crashHandler)
	scrub.spawnAsyncService(ctx, wg, scrub.sweeper, "retention-sweeper", crashHandler)
	scrub.spawnAsyncService(ctx, wg, scrub.restGateway, "rest-gateway", crashHandler)
	log.Emit(logger.SUCCESS, "Scrub services spawned!\n")

	wg.Wait()
	return nil
}

func (scrub *Scrub) initialiseServices() error {
	store := job.NewStore(scrub.db.GetSqlxDB())

	method, _ := engine.ParseMethod(scrub.config.DefaultMethod)
	scrub.settingsStore = settings.New(scrub.eventBus, method, scrub.config.DefaultParams)

	mode, _ := dedupe.ParseMode(scrub.config.DedupeMode)
	scrub.deduplicator = dedupe.New(mode, store)

	dispatcher, err := dispatch.New(
		scrub.config.Dispatch,
		scrub.config.Engine,
		store,
		scrub.deduplicator,
		scrub.settingsStore,
		scrub.eventBus,
		scrub.config.downloadDir(),
		scrub.config.outputDir(),
	)
	if err != nil {
		return fmt.Errorf("failed to construct dispatch service: %w", err)
	}

	scrub.dispatcher = dispatcher
	scrub.sweeper = retention.New(scrub.config.Retention, scrub.config.downloadDir(), scrub.config.outputDir())
	scrub.restGateway = api.NewRestGateway(&scrub.config.Rest, dispatcher, scrub.settingsStore, scrub.deduplicator, scrub.eventBus)
	return nil
}

// spawnAsyncService runs the service on its own goroutine, feeding crashes
// (errors and panics alike) into the crash handler.
func (scrub *Scrub) spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				crashHandler(serviceLabel, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(ctx); err != nil {
			crashHandler(serviceLabel, err)
		}
	}()
}
