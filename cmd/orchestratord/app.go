package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/taskmesh/orchestrator/internal/agentruntime"
	"github.com/taskmesh/orchestrator/internal/api"
	"github.com/taskmesh/orchestrator/internal/clock"
	orchconfig "github.com/taskmesh/orchestrator/internal/config"
	"github.com/taskmesh/orchestrator/internal/engine"
	"github.com/taskmesh/orchestrator/internal/engine/inmem"
	"github.com/taskmesh/orchestrator/internal/engine/temporalengine"
	"github.com/taskmesh/orchestrator/internal/eventbus"
	"github.com/taskmesh/orchestrator/internal/kinds"
	"github.com/taskmesh/orchestrator/internal/leasesweeper"
	"github.com/taskmesh/orchestrator/internal/modelclient"
	"github.com/taskmesh/orchestrator/internal/modelclient/anthropicclient"
	"github.com/taskmesh/orchestrator/internal/modelclient/bedrockclient"
	"github.com/taskmesh/orchestrator/internal/modelclient/openaiclient"
	"github.com/taskmesh/orchestrator/internal/outcome"
	"github.com/taskmesh/orchestrator/internal/repotree"
	"github.com/taskmesh/orchestrator/internal/scheduler"
	"github.com/taskmesh/orchestrator/internal/store"
	"github.com/taskmesh/orchestrator/internal/store/hybridstore"
	"github.com/taskmesh/orchestrator/internal/store/memstore"
	"github.com/taskmesh/orchestrator/internal/store/mongostore"
	"github.com/taskmesh/orchestrator/internal/store/pgstore"
	"github.com/taskmesh/orchestrator/internal/task"
	"github.com/taskmesh/orchestrator/internal/taskengine"
	"github.com/taskmesh/orchestrator/internal/telemetry"
	"github.com/taskmesh/orchestrator/internal/toolregistry"
	"github.com/taskmesh/orchestrator/internal/verifier"
)

// pgSchemaVersion is the schema_migrations version this binary requires
// (§6.4); migrations themselves are applied out of band via golang-migrate
// against internal/store/pgstore's migrations.
const pgSchemaVersion = 1

// App wires every module named in the specification into a single running
// process: one State Store backend, one Event Bus transport, one generative
// client, the Agent Runtime, Task Engine, DAG Scheduler, Lease Sweeper, one
// Engine backend, and the Command API, mirroring the shape (if not the
// contents) of semspec's cmd/semspec App.
type App struct {
	log telemetry.Logger

	store store.Store
	bus   eventbus.Bus
	redis *redis.Client

	eng        engine.Engine
	taskEngine *taskengine.Engine
	scheduler  *scheduler.Scheduler
	sweeper    *leasesweeper.Sweeper
	tree       *repotree.Tree

	httpServer *http.Server
}

// NewApp constructs every dependency from cfg but starts nothing.
func NewApp(ctx context.Context, cfg *orchconfig.Config) (*App, error) {
	log := telemetry.NewClueLogger()
	metrics := telemetry.NewPrometheusMetrics(prometheus.DefaultRegisterer)
	clk := clock.Real{}

	st, evLog, err := buildStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("build store: %w", err)
	}

	bus, rdb, err := buildEventBus(cfg.EventBus, evLog, clk)
	if err != nil {
		return nil, fmt.Errorf("build event bus: %w", err)
	}

	model, err := buildModelClient(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("build model client: %w", err)
	}

	registry := toolregistry.New()
	if err := toolregistry.RegisterBuiltins(registry); err != nil {
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}
	exec := verifier.New(cfg.Repo.RegistryRoot, clk)
	runner := agentruntime.New(model, registry, exec, clk)

	teCfg := taskengine.Config{
		TauAuto:   cfg.Scheduling.TauAuto,
		TauReview: cfg.Scheduling.TauReview,
		RFix:      cfg.Scheduling.RFix,
		DMax:      cfg.Scheduling.DMax,
		IMax:      cfg.Scheduling.IMax,
		TBeat:     cfg.Scheduling.TBeat,
	}
	te := taskengine.New(st, bus, runner, clk, teCfg, log, metrics)

	eng, err := buildEngine(cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	if err := eng.Start(ctx, func(ctx context.Context, taskID string) (task.Status, error) {
		res := te.RunToSuspension(ctx, taskID)
		if !res.IsOK() {
			return "", fmt.Errorf("%s", res.Failure().Error())
		}
		return res.Value(), nil
	}); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	sched := scheduler.New(st, bus, durableRunner{eng: eng, taskEngine: te}, clk,
		scheduler.Config{Workers: cfg.Scheduling.Workers}, log, metrics)

	sweeper := leasesweeper.New(st, bus, clk, leasesweeper.Config{
		TBeat:    cfg.Scheduling.TBeat,
		TLease:   cfg.Scheduling.TLease,
		Schedule: cfg.Scheduling.SweepSchedule,
	}, log)
	sweeper.OnReclaim(func(taskID string) { sched.Enqueue(taskID) })

	tree := repotree.New(log, 500*time.Millisecond)

	srv := api.New(st, bus, te, sched, sched, fileTreeAdapter{tree: tree, store: st}, log)
	httpServer := api.NewHTTPServer(cfg.API.ListenAddr, srv)

	return &App{
		log:        log,
		store:      st,
		bus:        bus,
		redis:      rdb,
		eng:        eng,
		taskEngine: te,
		scheduler:  sched,
		sweeper:    sweeper,
		tree:       tree,
		httpServer: httpServer,
	}, nil
}

// durableRunner adapts engine.Engine (which may be the durable Temporal
// backend) into scheduler.TaskRunner. RunToSuspension goes through the
// bound Engine rather than calling taskEngine.RunToSuspension directly, so
// the Scheduler's worker pool drives tasks the way the configured Engine
// backend requires (a Temporal workflow execution, not a bare goroutine)
// while plan-decision methods, which need no durability, delegate straight
// to the Task Engine.
type durableRunner struct {
	eng        engine.Engine
	taskEngine *taskengine.Engine
}

func (r durableRunner) RunToSuspension(ctx context.Context, taskID string) outcome.Result[task.Status] {
	status, err := r.eng.Execute(ctx, taskID)
	if err != nil {
		return outcome.ErrFromCause[task.Status](kinds.KindTransient, "drive task "+taskID, err)
	}
	return outcome.Ok(status)
}

func (r durableRunner) Cancel(ctx context.Context, taskID string) outcome.Result[task.Status] {
	return r.taskEngine.Cancel(ctx, taskID)
}

func (r durableRunner) CancelDescendant(ctx context.Context, taskID string) outcome.Result[task.Status] {
	return r.taskEngine.CancelDescendant(ctx, taskID)
}

// Start runs the Scheduler and Lease Sweeper and serves HTTP until ctx is
// cancelled.
func (a *App) Start(ctx context.Context) error {
	go a.scheduler.Run(ctx)
	if err := a.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start lease sweeper: %w", err)
	}
	return api.Serve(ctx, a.httpServer, a.log)
}

// Shutdown releases every resource NewApp or Start acquired.
func (a *App) Shutdown(ctx context.Context) {
	a.sweeper.Stop()
	a.scheduler.Wait()
	a.tree.Close()
	if err := a.eng.Close(); err != nil {
		a.log.Warn(ctx, "close engine", "error", err.Error())
	}
	if closer, ok := a.store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			a.log.Warn(ctx, "close store", "error", err.Error())
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

// buildStore selects the State Store backend orchestratord runs against.
// "memory" is memstore.Store; "hybrid" composes pgstore.Store (relational)
// and mongostore.Store (document) via internal/store/hybridstore, since
// neither physical adapter alone satisfies store.Store's full surface
// (pgstore has no FileEventStore methods, mongostore has only those).
// "postgres" and "mongo" are valid Config.Store.Driver values for tooling
// that talks to one physical database directly, but orchestratord itself
// needs the full Store interface and so rejects them here with a pointer
// to "hybrid".
func buildStore(ctx context.Context, cfg orchconfig.StoreConfig) (store.Store, eventbus.EventLog, error) {
	switch cfg.Driver {
	case "memory":
		return memstore.New(), memstore.NewEventLog(), nil
	case "hybrid":
		pg, err := pgstore.Open(ctx, cfg.PostgresDSN, pgSchemaVersion)
		if err != nil {
			return nil, nil, err
		}
		mg, err := mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		return hybridstore.New(pg, mg), mongostore.EventLogAdapter{Store: mg}, nil
	case "postgres", "mongo":
		return nil, nil, fmt.Errorf("orchestratord: store driver %q alone does not satisfy the full State Store interface; use \"hybrid\"", cfg.Driver)
	default:
		return nil, nil, fmt.Errorf("orchestratord: unknown store driver %q", cfg.Driver)
	}
}

func buildEventBus(cfg orchconfig.EventBusConfig, evLog eventbus.EventLog, clk clock.Clock) (eventbus.Bus, *redis.Client, error) {
	switch cfg.Driver {
	case "inproc":
		return eventbus.NewInProcess(evLog, clk, 256), nil, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		client := eventbus.NewRedisPulseClient(rdb)
		return eventbus.NewPulseBus(client, evLog, clk, "orchestratord"), rdb, nil
	default:
		return nil, nil, fmt.Errorf("orchestratord: unknown event bus driver %q", cfg.Driver)
	}
}

func buildModelClient(cfg orchconfig.ModelConfig) (modelclient.Client, error) {
	var base modelclient.Client
	var err error
	switch cfg.Provider {
	case "anthropic":
		base, err = anthropicclient.NewFromAPIKey(cfg.APIKey, cfg.DefaultModel)
	case "openai":
		base, err = openaiclient.NewFromAPIKey(cfg.APIKey, cfg.DefaultModel)
	case "bedrock":
		var awsCfg aws.Config
		awsCfg, err = config.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		base, err = bedrockclient.NewFromConfig(bedrockruntime.NewFromConfig(awsCfg), cfg.DefaultModel)
	default:
		return nil, fmt.Errorf("orchestratord: unknown model provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return modelclient.NewRateLimited(base, cfg.RateLimitRPS, cfg.RateLimitBurst), nil
}

func buildEngine(cfg orchconfig.EngineConfig) (engine.Engine, error) {
	switch cfg.Driver {
	case "inmem":
		return inmem.New(), nil
	case "temporal":
		return temporalengine.New(temporalengine.Options{
			ClientOptions: temporalClientOptions(cfg.TemporalHostPort),
			TaskQueue:     cfg.TemporalTaskQueue,
		})
	default:
		return nil, fmt.Errorf("orchestratord: unknown engine driver %q", cfg.Driver)
	}
}

// temporalClientOptions builds client.Options pointed at hostPort, or the
// SDK's default (localhost:7233) when hostPort is empty.
func temporalClientOptions(hostPort string) temporalclient.Options {
	if hostPort == "" {
		return temporalclient.Options{}
	}
	return temporalclient.Options{HostPort: hostPort}
}

// fileTreeAdapter narrows *repotree.Tree to api.FileTree, starting a watch
// lazily on first request for a repository rather than requiring every
// registered repository to be watched from boot.
type fileTreeAdapter struct {
	tree  *repotree.Tree
	store store.Store
}

func (a fileTreeAdapter) Snapshot(repoID string) (any, error) {
	snap, err := a.tree.Snapshot(repoID)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, repotree.ErrNotWatched) {
		return nil, err
	}
	repo, repoErr := a.store.GetRepo(context.Background(), repoID)
	if repoErr != nil {
		return nil, repoErr
	}
	if watchErr := a.tree.Watch(context.Background(), repoID, repo.Path); watchErr != nil {
		return nil, watchErr
	}
	return a.tree.Snapshot(repoID)
}
