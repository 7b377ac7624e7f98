package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, DefaultDifficulty, cfg.Difficulty)
	assert.Equal(t, "ledger_db", cfg.LedgerPath)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "http://127.0.0.1:5000", cfg.ScoringURL)
	assert.Equal(t, 10*time.Second, cfg.ScoringTimeout)
	assert.Equal(t, "1.0.0", cfg.ModelVersion)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("MEDCHAIN_LEDGER_DIFFICULTY", "3")
	t.Setenv("MEDCHAIN_SERVER_PORT", "9090")

	cfg, err := loadConfig(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Difficulty)
	assert.Equal(t, 9090, cfg.Port)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medchain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ledger:
  difficulty: 1
  db_path: ""
database:
  driver: postgres
  host: db.internal
scoring:
  timeout: 3s
`), 0o600))

	cfg, err := loadConfig(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Difficulty)
	assert.Equal(t, "", cfg.LedgerPath)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "db.internal", cfg.DBHost)
	assert.Equal(t, 5432, cfg.DBPort)
	assert.Equal(t, 3*time.Second, cfg.ScoringTimeout)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("MEDCHAIN_LEDGER_DIFFICULTY", "-1")
	_, err = loadConfig(viper.New(), "")
	assert.Error(t, err)
}

func TestInitStoreUnknownDriver(t *testing.T) {
	_, err := initStore(Config{DBDriver: "mongo"})
	assert.Error(t, err)
}

func TestInitStoreSqlite(t *testing.T) {
	store, err := initStore(Config{DBDriver: "sqlite", DBPath: filepath.Join(t.TempDir(), "records.db")})
	require.NoError(t, err)
	require.NoError(t, store.Close())
}
