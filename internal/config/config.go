package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Swarm        SwarmConfig        `yaml:"swarm"`
	Lifecycle    LifecycleConfig    `yaml:"lifecycle"`
	Health       HealthConfig       `yaml:"health"`
	Scaler       ScalerConfig       `yaml:"scaler"`
	Evolution    EvolutionConfig    `yaml:"evolution"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Schedules    SchedulesConfig    `yaml:"schedules"`
	NATS         NATSConfig         `yaml:"nats"`
	Store        StoreConfig        `yaml:"store"`
	Vault        VaultConfig        `yaml:"vault"`
	Web          WebConfig          `yaml:"web"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	Provisioner  ProvisionerConfig  `yaml:"provisioner"`
	Log          LogConfig          `yaml:"log"`
}

type SwarmConfig struct {
	ID               string   `yaml:"id"`
	WorkerType       string   `yaml:"worker_type"`
	WorkerCapability []string `yaml:"worker_capabilities"`
}

type LifecycleConfig struct {
	MinAgents       int           `yaml:"min_agents"`
	MaxAgents       int           `yaml:"max_agents"`
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	MemoryThreshold float64       `yaml:"memory_threshold"`
	CPUThreshold    float64       `yaml:"cpu_threshold"`
	MaxConnections  int           `yaml:"max_connections"`
	MaxExperiences  int           `yaml:"max_experiences"`
	// TargetResponseTime is the response time at which a successful task
	// still counts as fully efficient.
	TargetResponseTime time.Duration `yaml:"target_response_time"`
}

type HealthConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MinSuccessRate float64       `yaml:"min_success_rate"`
}

type ScalerConfig struct {
	HighCPU        float64 `yaml:"high_cpu"`
	LowCPU         float64 `yaml:"low_cpu"`
	UpFactor       float64 `yaml:"up_factor"`
	DownFactor     float64 `yaml:"down_factor"`
	AgeDivisor     float64 `yaml:"age_divisor"`
	RetireMinCount int     `yaml:"retire_min_count"`
}

type FitnessWeights struct {
	SuccessRate float64 `yaml:"success_rate"`
	Efficiency  float64 `yaml:"efficiency"`
	Skill       float64 `yaml:"skill"`
	Thrift      float64 `yaml:"thrift"`
}

type EvolutionConfig struct {
	Interval           time.Duration  `yaml:"interval"`
	MinExperiences     int            `yaml:"min_experiences"`
	SuccessRateTrigger float64        `yaml:"success_rate_trigger"`
	SkillExperiences   int            `yaml:"skill_experiences"`
	Weights            FitnessWeights `yaml:"weights"`
}

type EscalationConfig struct {
	Local       time.Duration `yaml:"local"`
	TeamLeader  time.Duration `yaml:"team_leader"`
	Coordinator time.Duration `yaml:"coordinator"`
}

type CoordinationConfig struct {
	QueueCapacity  int              `yaml:"queue_capacity"`
	OverflowPolicy string           `yaml:"overflow_policy"`
	ProtocolTTL    time.Duration    `yaml:"protocol_ttl"`
	BaseLatency    time.Duration    `yaml:"base_latency"`
	Escalation     EscalationConfig `yaml:"escalation"`
}

// SchedulesConfig holds one schedule expression per control loop. An
// expression is either a duration ("30s", "@every 30s") or a cron line.
type SchedulesConfig struct {
	Metrics      string `yaml:"metrics"`
	Health       string `yaml:"health"`
	Scaler       string `yaml:"scaler"`
	Evolution    string `yaml:"evolution"`
	Reaper       string `yaml:"reaper"`
	Coordination string `yaml:"coordination"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type ProvisionerConfig struct {
	Driver   string `yaml:"driver"` // "local" or "docker"
	Capacity int    `yaml:"capacity"`
	Image    string `yaml:"image"`
	Network  string `yaml:"network"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() Config {
	return Config{
		Swarm: SwarmConfig{
			ID:         "default",
			WorkerType: "worker",
		},
		Lifecycle: LifecycleConfig{
			MinAgents:          1,
			MaxAgents:          50,
			DefaultTTL:         24 * time.Hour,
			MemoryThreshold:    0.8,
			CPUThreshold:       0.8,
			MaxConnections:     100,
			MaxExperiences:     1000,
			TargetResponseTime: 5 * time.Second,
		},
		Health: HealthConfig{
			IdleTimeout:    60 * time.Second,
			MinSuccessRate: 0.5,
		},
		Scaler: ScalerConfig{
			HighCPU:    0.9,
			LowCPU:     0.3,
			UpFactor:   10,
			DownFactor: 5,
			AgeDivisor: 1_000_000,
		},
		Evolution: EvolutionConfig{
			Interval:           time.Hour,
			MinExperiences:     10,
			SuccessRateTrigger: 0.7,
			SkillExperiences:   100,
			Weights: FitnessWeights{
				SuccessRate: 0.4,
				Efficiency:  0.3,
				Skill:       0.2,
				Thrift:      0.1,
			},
		},
		Coordination: CoordinationConfig{
			QueueCapacity:  256,
			OverflowPolicy: "drop_oldest",
			ProtocolTTL:    time.Hour,
			BaseLatency:    10 * time.Millisecond,
			Escalation: EscalationConfig{
				Local:       30 * time.Second,
				TeamLeader:  2 * time.Minute,
				Coordinator: 5 * time.Minute,
			},
		},
		Schedules: SchedulesConfig{
			Metrics:      "10s",
			Health:       "30s",
			Scaler:       "30s",
			Evolution:    "5m",
			Reaper:       "*/5 * * * *",
			Coordination: "5s",
		},
		NATS: NATSConfig{
			Enabled: true,
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/hivemind.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Provisioner: ProvisionerConfig{
			Driver:  "local",
			Image:   "hivemind-agent:latest",
			Network: "hivemind-net",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Default returns the built-in configuration.
func Default() Config {
	return defaults()
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("HIVEMIND_CONFIG")
	if path == "" {
		path = "config/hivemind.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HIVEMIND_SWARM_ID"); v != "" {
		cfg.Swarm.ID = v
	}
	if v := os.Getenv("HIVEMIND_MIN_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lifecycle.MinAgents = n
		}
	}
	if v := os.Getenv("HIVEMIND_MAX_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lifecycle.MaxAgents = n
		}
	}
	if v := os.Getenv("HIVEMIND_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lifecycle.DefaultTTL = d
		}
	}
	if v := os.Getenv("HIVEMIND_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("HIVEMIND_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("HIVEMIND_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("HIVEMIND_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HIVEMIND_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("HIVEMIND_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("HIVEMIND_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("HIVEMIND_PROVISIONER"); v != "" {
		cfg.Provisioner.Driver = v
	}
	if v := os.Getenv("HIVEMIND_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate rejects configurations the lifecycle engine cannot honour.
func (c *Config) Validate() error {
	var errs []error

	if c.Lifecycle.MinAgents < 0 {
		errs = append(errs, errors.New("lifecycle.min_agents must not be negative"))
	}
	if c.Lifecycle.MaxAgents <= 0 {
		errs = append(errs, errors.New("lifecycle.max_agents must be positive"))
	}
	if c.Lifecycle.MinAgents > c.Lifecycle.MaxAgents {
		errs = append(errs, fmt.Errorf("lifecycle.min_agents (%d) exceeds max_agents (%d)", c.Lifecycle.MinAgents, c.Lifecycle.MaxAgents))
	}
	if c.Scaler.LowCPU >= c.Scaler.HighCPU {
		errs = append(errs, errors.New("scaler.low_cpu must be below scaler.high_cpu"))
	}
	w := c.Evolution.Weights
	if sum := w.SuccessRate + w.Efficiency + w.Skill + w.Thrift; math.Abs(sum-1) > 1e-6 {
		errs = append(errs, fmt.Errorf("evolution.weights must sum to 1, got %.3f", sum))
	}
	switch c.Coordination.OverflowPolicy {
	case "drop_oldest", "block":
	default:
		errs = append(errs, fmt.Errorf("coordination.overflow_policy %q is not drop_oldest or block", c.Coordination.OverflowPolicy))
	}
	if c.Coordination.QueueCapacity <= 0 {
		errs = append(errs, errors.New("coordination.queue_capacity must be positive"))
	}
	switch c.Provisioner.Driver {
	case "local", "docker":
	default:
		errs = append(errs, fmt.Errorf("provisioner.driver %q is not local or docker", c.Provisioner.Driver))
	}

	return errors.Join(errs...)
}
