// Package config loads the orchestrator's configuration from a YAML file
// (§9 Design Notes: the ambient global config the original relied on is
// replaced by an explicit, loaded-once Config struct threaded through
// cmd/orchestratord's wiring) with environment variable overrides, mirroring
// the layered load/merge/validate shape of C360Studio-semspec's config
// package.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete, validated orchestrator configuration.
type Config struct {
	Scheduling SchedulingConfig `yaml:"scheduling"`
	Store      StoreConfig      `yaml:"store"`
	EventBus   EventBusConfig   `yaml:"event_bus"`
	Model      ModelConfig      `yaml:"model"`
	Engine     EngineConfig     `yaml:"engine"`
	API        APIConfig        `yaml:"api"`
	Repo       RepoConfig       `yaml:"repo"`
}

// SchedulingConfig carries the policy constants named throughout
// §4.1/§4.2/§4.3/§5: the Task Engine's acceptance thresholds and retry/depth
// bounds, the Scheduler's worker pool size, and the Lease Sweeper's
// heartbeat/lease timings.
type SchedulingConfig struct {
	// Workers is the DAG Scheduler's bounded worker pool size (W).
	Workers int `yaml:"workers"`
	// TauAuto is the planner confidence threshold at or above which a plan
	// goes straight to executing; below it the task waits in plan_review.
	TauAuto float64 `yaml:"tau_auto"`
	// TauReview is the confidence threshold below which an AgentRun is
	// flagged ReviewRequired.
	TauReview float64 `yaml:"tau_review"`
	// RFix bounds how many fix-loop child tasks failing tests may trigger
	// before the task is failed.
	RFix int `yaml:"r_fix"`
	// DMax bounds fix-loop/write-tests child task nesting depth.
	DMax int `yaml:"d_max"`
	// IMax bounds agent tool-call iterations within a single phase.
	IMax int `yaml:"i_max"`
	// TBeat is the heartbeat interval a worker is expected to honor.
	TBeat time.Duration `yaml:"t_beat"`
	// TLease is the staleness threshold past which the Lease Sweeper
	// reclaims a task; recommended 3 x TBeat.
	TLease time.Duration `yaml:"t_lease"`
	// SweepSchedule is the cron expression controlling the Lease Sweeper's
	// scan interval.
	SweepSchedule string `yaml:"sweep_schedule"`
	// PhaseTimeout bounds a single RunToSuspension call (one planning,
	// execute-step, testing, or documenting phase).
	PhaseTimeout time.Duration `yaml:"phase_timeout"`
	// ToolTimeout bounds a single tool invocation.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
}

// DefaultSchedulingConfig returns the specification's recommended defaults.
func DefaultSchedulingConfig() SchedulingConfig {
	return SchedulingConfig{
		Workers:       4,
		TauAuto:       0.7,
		TauReview:     0.7,
		RFix:          3,
		DMax:          3,
		IMax:          8,
		TBeat:         15 * time.Second,
		TLease:        45 * time.Second,
		SweepSchedule: "@every 10s",
		PhaseTimeout:  20 * time.Minute,
		ToolTimeout:   2 * time.Minute,
	}
}

// StoreConfig carries the State Store's backend DSNs (§6.4: relational for
// repositories/tasks/agent_runs, document for verified file events and the
// event log).
type StoreConfig struct {
	// Driver selects the State Store backend: "memory" (in-process, local
	// runs and tests), "postgres" or "mongo" alone (only meaningful for
	// components that use a single half of store.Store directly), or
	// "hybrid" (pgstore + mongostore composed via
	// internal/store/hybridstore, the production selection).
	Driver string `yaml:"driver"`
	// PostgresDSN connects internal/store/pgstore.
	PostgresDSN string `yaml:"postgres_dsn"`
	// MongoURI and MongoDatabase connect internal/store/mongostore.
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

// EventBusConfig carries the Event Bus's transport selection (§4 "Event
// Bus"): an in-process channel transport for a single orchestratord
// instance, or Pulse-over-Redis for a multi-instance deployment.
type EventBusConfig struct {
	// Driver selects "inproc" or "redis".
	Driver string `yaml:"driver"`
	// RedisAddr connects the Pulse transport's underlying redis.Client.
	RedisAddr string `yaml:"redis_addr"`
}

// ModelConfig carries the generative client credentials and defaults for
// whichever of the three adapters (internal/modelclient/anthropicclient,
// openaiclient, bedrockclient) is selected, plus the shared rate limit
// applied ahead of transient-error retry.
type ModelConfig struct {
	// Provider selects "anthropic", "openai", or "bedrock".
	Provider string `yaml:"provider"`
	// DefaultModel is the model identifier passed to the selected adapter.
	DefaultModel string `yaml:"default_model"`
	// APIKey authenticates the Anthropic or OpenAI adapter; ignored for
	// bedrock, which uses the ambient AWS credential chain.
	APIKey string `yaml:"api_key"`
	// Temperature and MaxTokens are forwarded to every Generate call.
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	// RateLimitRPS and RateLimitBurst configure the token-bucket limiter
	// internal/modelclient.NewRateLimited wraps the adapter in.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// EngineConfig selects and configures the Engine backend (§9: the ambient
// async runtime is replaced by an explicit, swappable engine abstraction).
type EngineConfig struct {
	// Driver selects "inmem" or "temporal".
	Driver string `yaml:"driver"`
	// TemporalHostPort and TemporalTaskQueue configure
	// internal/engine/temporalengine when Driver is "temporal".
	TemporalHostPort  string `yaml:"temporal_host_port"`
	TemporalTaskQueue string `yaml:"temporal_task_queue"`
}

// APIConfig carries the Command API's listen address.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// RepoConfig carries the repository registry root: the filesystem
// directory under which registered repositories' working copies live.
type RepoConfig struct {
	RegistryRoot string `yaml:"registry_root"`
}

// Default returns a Config with sensible defaults for a single-process,
// in-memory local run: no external stores, no external event bus, the
// in-process Engine backend. Production deployments override every field
// that names an external dependency.
func Default() *Config {
	return &Config{
		Scheduling: DefaultSchedulingConfig(),
		Store:      StoreConfig{Driver: "memory"},
		EventBus:   EventBusConfig{Driver: "inproc"},
		Model: ModelConfig{
			Provider:       "anthropic",
			Temperature:    0.2,
			MaxTokens:      4096,
			RateLimitRPS:   2,
			RateLimitBurst: 4,
		},
		Engine: EngineConfig{Driver: "inmem"},
		API:    APIConfig{ListenAddr: ":8080"},
		Repo:   RepoConfig{RegistryRoot: "."},
	}
}

// Load reads and parses the YAML file at path onto a Default config, applies
// environment variable overrides, and validates the result. A missing file
// is not an error: Load falls back to Default with overrides and validation
// still applied, so a single `orchestratord serve` with no `--config` flag
// still runs.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverrides lists the environment variables Load honors, each paired
// with the setter that applies its (string-typed) value onto cfg. Secrets
// in particular are expected from the environment rather than the config
// file in most deployments.
var envOverrides = []struct {
	key string
	set func(cfg *Config, v string)
}{
	{"ORCHESTRATORD_MODEL_API_KEY", func(c *Config, v string) { c.Model.APIKey = v }},
	{"ORCHESTRATORD_MODEL_PROVIDER", func(c *Config, v string) { c.Model.Provider = v }},
	{"ORCHESTRATORD_STORE_POSTGRES_DSN", func(c *Config, v string) { c.Store.PostgresDSN = v }},
	{"ORCHESTRATORD_STORE_MONGO_URI", func(c *Config, v string) { c.Store.MongoURI = v }},
	{"ORCHESTRATORD_EVENTBUS_REDIS_ADDR", func(c *Config, v string) { c.EventBus.RedisAddr = v }},
	{"ORCHESTRATORD_API_LISTEN_ADDR", func(c *Config, v string) { c.API.ListenAddr = v }},
	{"ORCHESTRATORD_REPO_REGISTRY_ROOT", func(c *Config, v string) { c.Repo.RegistryRoot = v }},
	{"ORCHESTRATORD_SCHEDULING_WORKERS", func(c *Config, v string) {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduling.Workers = n
		}
	}},
}

func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.key); ok && v != "" {
			o.set(cfg, v)
		}
	}
}

// Validate checks that cfg is internally consistent and that every
// dependency its Driver selections imply has the fields it needs.
func (c *Config) Validate() error {
	if c.Scheduling.Workers <= 0 {
		return fmt.Errorf("config: scheduling.workers must be positive")
	}
	if c.Scheduling.TauAuto < 0 || c.Scheduling.TauAuto > 1 {
		return fmt.Errorf("config: scheduling.tau_auto must be between 0 and 1")
	}
	if c.Scheduling.TauReview < 0 || c.Scheduling.TauReview > 1 {
		return fmt.Errorf("config: scheduling.tau_review must be between 0 and 1")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("config: store.postgres_dsn is required when store.driver is postgres")
		}
	case "mongo":
		if c.Store.MongoURI == "" || c.Store.MongoDatabase == "" {
			return fmt.Errorf("config: store.mongo_uri and store.mongo_database are required when store.driver is mongo")
		}
	case "hybrid":
		// hybrid composes pgstore (tasks/agent_runs/repositories) and
		// mongostore (verified file events) into one store.Store, per
		// internal/store/hybridstore; it needs both DSNs.
		if c.Store.PostgresDSN == "" || c.Store.MongoURI == "" || c.Store.MongoDatabase == "" {
			return fmt.Errorf("config: store.postgres_dsn, store.mongo_uri, and store.mongo_database are all required when store.driver is hybrid")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	switch c.EventBus.Driver {
	case "inproc":
	case "redis":
		if c.EventBus.RedisAddr == "" {
			return fmt.Errorf("config: event_bus.redis_addr is required when event_bus.driver is redis")
		}
	default:
		return fmt.Errorf("config: unknown event_bus.driver %q", c.EventBus.Driver)
	}
	switch c.Model.Provider {
	case "anthropic", "openai":
		if c.Model.APIKey == "" {
			return fmt.Errorf("config: model.api_key is required for provider %q", c.Model.Provider)
		}
		if c.Model.DefaultModel == "" {
			return fmt.Errorf("config: model.default_model is required")
		}
	case "bedrock":
		if c.Model.DefaultModel == "" {
			return fmt.Errorf("config: model.default_model is required")
		}
	default:
		return fmt.Errorf("config: unknown model.provider %q", c.Model.Provider)
	}
	switch c.Engine.Driver {
	case "inmem":
	case "temporal":
		if c.Engine.TemporalTaskQueue == "" {
			return fmt.Errorf("config: engine.temporal_task_queue is required when engine.driver is temporal")
		}
	default:
		return fmt.Errorf("config: unknown engine.driver %q", c.Engine.Driver)
	}
	return nil
}
