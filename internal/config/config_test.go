package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	t.Setenv("ORCHESTRATORD_MODEL_PROVIDER", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Store.Driver)
	require.Equal(t, "inproc", cfg.EventBus.Driver)
	require.Equal(t, "inmem", cfg.Engine.Driver)
	require.Equal(t, DefaultSchedulingConfig().Workers, cfg.Scheduling.Workers)
}

func TestLoadMergesYAMLOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduling:
  workers: 9
store:
  driver: postgres
  postgres_dsn: "postgres://localhost/orchestrator"
model:
  provider: anthropic
  api_key: "test-key"
  default_model: "claude-test"
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9, cfg.Scheduling.Workers)
	require.Equal(t, "postgres", cfg.Store.Driver)
	require.Equal(t, "test-key", cfg.Model.APIKey)
	// Untouched defaults still apply.
	require.Equal(t, "inproc", cfg.EventBus.Driver)
	require.Equal(t, DefaultSchedulingConfig().TauAuto, cfg.Scheduling.TauAuto)
}

func TestEnvOverrideWinsOverYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model:
  provider: anthropic
  api_key: "from-yaml"
  default_model: "claude-test"
`), 0644))
	t.Setenv("ORCHESTRATORD_MODEL_API_KEY", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Model.APIKey)
}

func TestValidateRejectsUnknownStoreDriver(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "sqlite"
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresPostgresDSNWhenSelected(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "postgres"
	require.Error(t, cfg.Validate())
	cfg.Store.PostgresDSN = "postgres://localhost/db"
	require.NoError(t, cfg.Validate())
}

func TestValidateRequiresAllDSNsWhenHybridSelected(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "hybrid"
	require.Error(t, cfg.Validate())
	cfg.Store.PostgresDSN = "postgres://localhost/db"
	require.Error(t, cfg.Validate())
	cfg.Store.MongoURI = "mongodb://localhost"
	cfg.Store.MongoDatabase = "orchestrator"
	require.NoError(t, cfg.Validate())
}

func TestValidateRequiresModelAPIKeyForAnthropicAndOpenAI(t *testing.T) {
	cfg := Default()
	cfg.Model.Provider = "openai"
	cfg.Model.DefaultModel = "gpt-test"
	require.Error(t, cfg.Validate())
	cfg.Model.APIKey = "k"
	require.NoError(t, cfg.Validate())
}

func TestValidateAllowsBedrockWithoutAPIKey(t *testing.T) {
	cfg := Default()
	cfg.Model.Provider = "bedrock"
	cfg.Model.DefaultModel = "anthropic.claude-test"
	require.NoError(t, cfg.Validate())
}

func TestValidateRequiresTemporalTaskQueueWhenSelected(t *testing.T) {
	cfg := Default()
	cfg.Engine.Driver = "temporal"
	require.Error(t, cfg.Validate())
	cfg.Engine.TemporalTaskQueue = "orchestrator-tasks"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsOutOfRangeThresholds(t *testing.T) {
	cfg := Default()
	cfg.Scheduling.TauAuto = 1.5
	require.Error(t, cfg.Validate())
}
