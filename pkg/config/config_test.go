package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigYAML = `
server:
  host: "127.0.0.1"
  port: 9000

database:
  host: "db.internal"
  port: 5432
  user: "bridge"
  password: "secret"
  database: "tokenbridge"

evm:
  rpc_url: "http://localhost:8545"
  chain_id: 31337
  token_contract: "0x1111111111111111111111111111111111111111"
  signer_private_key: "0xabc123"
  finality_timeout: "3m"

canton:
  api_url: "http://localhost:7575"
  network_id: "canton-devnet"
  operator_party: "operator::deadbeef01"
  token_manager_cid: "00abc"

bridge:
  max_retries: 5
  sweep_interval: "30s"

logging:
  level: "debug"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, int64(31337), cfg.Evm.ChainID)
	assert.Equal(t, 3*time.Minute, cfg.Evm.FinalityTimeout)
	assert.Equal(t, "canton-devnet", cfg.Canton.NetworkID)
	assert.Equal(t, 5, cfg.Bridge.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Bridge.SweepInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Defaults fill the gaps.
	assert.Equal(t, 18, cfg.Evm.TokenDecimals)
	assert.Equal(t, 10, cfg.Canton.TokenDecimals)
	assert.Equal(t, uint64(12), cfg.Evm.ConfirmationBlocks)
	assert.Equal(t, 10*time.Minute, cfg.Bridge.StalenessThreshold)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadRejectsIncompleteConfig(t *testing.T) {
	missingEvm := `
database:
  host: "db.internal"
canton:
  api_url: "http://localhost:7575"
  operator_party: "operator::deadbeef01"
`
	_, err := Load(writeConfig(t, missingEvm))
	assert.Error(t, err)

	missingOperator := `
database:
  host: "db.internal"
evm:
  rpc_url: "http://localhost:8545"
  token_contract: "0x1111111111111111111111111111111111111111"
canton:
  api_url: "http://localhost:7575"
`
	_, err = Load(writeConfig(t, missingOperator))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
