package main

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

////////////////////////////////////////////////////////////////////////////////
// Config
// ----------------------------------------------------------------------------
// config.yaml (선택) + MEDCHAIN_* 환경변수 (예: MEDCHAIN_LEDGER_DIFFICULTY)
////////////////////////////////////////////////////////////////////////////////

type Config struct {
	Port int

	Difficulty int
	LedgerPath string // 비어 있으면 메모리 원장
	Sealers    int

	DBDriver   string
	DBPath     string
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	ScoringURL        string
	ScoringTimeout    time.Duration
	ScoringMaxRetries int

	ModelVersion string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("ledger.difficulty", DefaultDifficulty)
	v.SetDefault("ledger.db_path", "ledger_db")
	v.SetDefault("ledger.sealers", 2)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./medchain.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "medchain")
	v.SetDefault("database.user", "medchain")
	v.SetDefault("database.password", "")
	v.SetDefault("scoring.url", "http://127.0.0.1:5000")
	v.SetDefault("scoring.timeout", 10*time.Second)
	v.SetDefault("scoring.max_retries", 3)
	v.SetDefault("model.version", "1.0.0")
}

// loadConfig : configFile 이 비어 있으면 작업 디렉터리의 config.yaml 을 찾고, 없어도 기본값으로 진행
func loadConfig(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("MEDCHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	} else {
		log.Printf("[CONFIG] Loaded %s", v.ConfigFileUsed())
	}

	cfg := Config{
		Port:              v.GetInt("server.port"),
		Difficulty:        v.GetInt("ledger.difficulty"),
		LedgerPath:        v.GetString("ledger.db_path"),
		Sealers:           v.GetInt("ledger.sealers"),
		DBDriver:          v.GetString("database.driver"),
		DBPath:            v.GetString("database.path"),
		DBHost:            v.GetString("database.host"),
		DBPort:            v.GetInt("database.port"),
		DBName:            v.GetString("database.name"),
		DBUser:            v.GetString("database.user"),
		DBPassword:        v.GetString("database.password"),
		ScoringURL:        v.GetString("scoring.url"),
		ScoringTimeout:    v.GetDuration("scoring.timeout"),
		ScoringMaxRetries: v.GetInt("scoring.max_retries"),
		ModelVersion:      v.GetString("model.version"),
	}
	if cfg.Difficulty < 0 {
		return Config{}, fmt.Errorf("ledger.difficulty must be >= 0, got %d", cfg.Difficulty)
	}
	return cfg, nil
}

// initStore : database.driver 에 맞는 저장소 생성
func initStore(cfg Config) (RecordStore, error) {
	switch cfg.DBDriver {
	case "", "sqlite":
		return NewSqliteStore(cfg.DBPath)

	case "postgres":
		password := cfg.DBPassword
		if p := os.Getenv("MEDCHAIN_DB_PASSWORD"); p != "" {
			password = p
		} else if password != "" {
			log.Println("[CONFIG] WARNING: using database password from config file; prefer MEDCHAIN_DB_PASSWORD env var")
		}
		connURL := &url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.DBUser, password),
			Host:     fmt.Sprintf("%s:%d", cfg.DBHost, cfg.DBPort),
			Path:     cfg.DBName,
			RawQuery: "sslmode=disable",
		}
		return NewPgStore(connURL.String())

	default:
		return nil, fmt.Errorf("unsupported database driver: %s (use 'sqlite' or 'postgres')", cfg.DBDriver)
	}
}
