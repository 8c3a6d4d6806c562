package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации сервера миров.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Worlds    WorldsConfig    `yaml:"worlds"`
	Regen     RegenConfig     `yaml:"regen"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	EventBus  EventBusConfig  `yaml:"eventbus"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Auth      AuthConfig      `yaml:"auth"`
	LogLevel  string          `yaml:"log_level"`
}

type ServerConfig struct {
	RESTPort    int `yaml:"rest_port"`
	MetricsPort int `yaml:"metrics_port"`
}

// WorldsConfig описывает стартовые миры и параметры сборки инстансов
type WorldsConfig struct {
	SchematicsDir        string        `yaml:"schematics_dir"`
	SpawnWorld           string        `yaml:"spawn_world"`
	SpawnTemplate        string        `yaml:"spawn_template"`
	SharedMineWorld      string        `yaml:"shared_mine_world"`
	SharedMineTemplate   string        `yaml:"shared_mine_template"`
	PrivateMineTemplate  string        `yaml:"private_mine_template"`
	BuildTimeout         time.Duration `yaml:"build_timeout"`
	WriteBatchSize       int           `yaml:"write_batch_size"`
	MaxParallelBuilds    int           `yaml:"max_parallel_builds"`
	MigrationParallelism int           `yaml:"migration_parallelism"`
}

type RegenConfig struct {
	Threshold     float64       `yaml:"threshold"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// StorageConfig выбирает хранилище метаданных приватных шахт
type StorageConfig struct {
	Backend       string `yaml:"backend"` // memory | badger | maria | mongo
	BadgerPath    string `yaml:"badger_path"`
	MariaDSN      string `yaml:"maria_dsn"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

type RedisConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type EventBusConfig struct {
	URL       string `yaml:"url"`
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
	Buffer    int    `yaml:"buffer"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

type AuthConfig struct {
	JWTSecret         string `yaml:"jwt_secret"`
	AdminUser         string `yaml:"admin_user"`
	AdminPasswordHash string `yaml:"admin_password_hash"`
}

// Default возвращает конфигурацию, с которой сервер запускается без файла
func Default() *Config {
	return &Config{
		Worlds: WorldsConfig{
			SpawnWorld:           "spawn",
			SpawnTemplate:        "spawn",
			SharedMineWorld:      "mine",
			SharedMineTemplate:   "mine",
			PrivateMineTemplate:  "mine_template",
			BuildTimeout:         30 * time.Second,
			WriteBatchSize:       4096,
			MaxParallelBuilds:    4,
			MigrationParallelism: 8,
		},
		Regen: RegenConfig{
			Threshold:     0.8,
			SweepInterval: 5 * time.Second,
		},
		Storage: StorageConfig{
			Backend:       "memory",
			BadgerPath:    "data",
			MongoDatabase: "mineworlds",
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			KeyPrefix:     "mineworlds:loc:",
			FlushInterval: 100 * time.Millisecond,
		},
		EventBus: EventBusConfig{
			Stream:    "WORLDS",
			Retention: 24,
			Buffer:    1024,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "mineworlds",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		LogLevel: "info",
	}
}

// GetRESTPort возвращает порт REST API: config -> env -> default
func (s *ServerConfig) GetRESTPort() int {
	return getPortWithEnvFallback(s.RESTPort, "MINEWORLDS_REST_PORT", 8088)
}

// GetMetricsPort возвращает порт Prometheus: config -> env -> default
func (s *ServerConfig) GetMetricsPort() int {
	return getPortWithEnvFallback(s.MetricsPort, "MINEWORLDS_METRICS_PORT", 2112)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}

	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}

	return defaultPort
}

// Load читает YAML файл поверх Default().
// Если path == "", пробует ENV MINEWORLDS_CONFIG; без него возвращает Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("MINEWORLDS_CONFIG")
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение конфигурации %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("разбор конфигурации %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет значения, которые нельзя молча исправить
func (c *Config) Validate() error {
	if c.Regen.Threshold <= 0 || c.Regen.Threshold > 1 {
		return fmt.Errorf("regen.threshold должен быть в (0,1], получено %v", c.Regen.Threshold)
	}
	if c.Regen.SweepInterval <= 0 {
		return fmt.Errorf("regen.sweep_interval должен быть положительным")
	}
	if c.Worlds.BuildTimeout <= 0 {
		return fmt.Errorf("worlds.build_timeout должен быть положительным")
	}
	if c.Worlds.WriteBatchSize <= 0 || c.Worlds.MaxParallelBuilds <= 0 || c.Worlds.MigrationParallelism <= 0 {
		return fmt.Errorf("worlds: размеры пакетов и параллелизм должны быть положительными")
	}
	if c.Worlds.SpawnWorld == "" || c.Worlds.PrivateMineTemplate == "" {
		return fmt.Errorf("worlds.spawn_world и worlds.private_mine_template обязательны")
	}
	switch c.Storage.Backend {
	case "memory", "badger", "maria", "mongo":
	default:
		return fmt.Errorf("неизвестный storage.backend %q", c.Storage.Backend)
	}
	return nil
}
