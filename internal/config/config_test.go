package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opagent.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"agent": {"contract_name": "Prompt", "model_name": "llama"},
		"timing": {"register_wait_seconds": 5},
		"verify": {"enabled": false}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "base", cfg.Network.Name)
	require.Equal(t, "file", cfg.Checkpoint.Driver)
	require.Equal(t, filepath.Join(dir, "config", "deploy-config.json"), cfg.Checkpoint.Path)
	require.Equal(t, filepath.Join(dir, "artifacts"), cfg.Artifacts.Dir)
	require.Equal(t, "Utils", cfg.Artifacts.Library)
	require.Equal(t, 30*time.Second, cfg.Timing.PostDeployDelay())
	require.Equal(t, 3*time.Second, cfg.Timing.VerifySettle())
	require.Equal(t, 10*time.Second, cfg.Timing.PreRegisterDelay())
	require.Equal(t, 5*time.Second, cfg.Timing.RegisterWait())
	require.False(t, cfg.Verify.IsEnabled())
	require.Equal(t, []string{"log"}, cfg.Events.Drivers)
	require.Equal(t, "Prompt", cfg.Agent.ContractName)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestSecretPrefersExplicitValue(t *testing.T) {
	t.Setenv("OPAGENT_TEST_SECRET", " from-env ")
	require.Equal(t, "explicit", Secret("explicit", "OPAGENT_TEST_SECRET"))
	require.Equal(t, "from-env", Secret("", "OPAGENT_TEST_SECRET"))
	require.Empty(t, Secret("", ""))
}
