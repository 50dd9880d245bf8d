package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sink type names accepted in sink.types
const (
	SinkTensorBoard = "tensorboard"
	SinkMemory      = "memory"
	SinkPrometheus  = "prometheus"
	SinkPostgres    = "postgres"
)

// Config holds all configuration for the application
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Sampler SamplerConfig `mapstructure:"sampler"`
	Tool    ToolConfig    `mapstructure:"tool"`
	Sink    SinkConfig    `mapstructure:"sink"`
}

// AppConfig holds application configuration
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	HTTP HTTPServerConfig `mapstructure:"http"`
	GRPC GRPCServerConfig `mapstructure:"grpc"`
}

// HTTPServerConfig holds HTTP server configuration
type HTTPServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GRPCServerConfig holds gRPC server configuration
type GRPCServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// SamplerConfig holds sampling loop configuration
type SamplerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	FailurePolicy string        `mapstructure:"failure_policy"`
}

// ToolConfig holds diagnostic tool configuration
type ToolConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SinkConfig selects and configures the metrics sinks
type SinkConfig struct {
	Types       []string          `mapstructure:"types"`
	TensorBoard TensorBoardConfig `mapstructure:"tensorboard"`
	Memory      MemoryConfig      `mapstructure:"memory"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
}

// TensorBoardConfig holds event file configuration
type TensorBoardConfig struct {
	LogDir string `mapstructure:"log_dir"`
}

// MemoryConfig holds in-memory history configuration
type MemoryConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// PostgresConfig holds PostgreSQL configuration
type PostgresConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// HasSink reports whether the sink type is enabled.
func (c SinkConfig) HasSink(name string) bool {
	for _, t := range c.Types {
		if t == name {
			return true
		}
	}
	return false
}

// Load loads configuration from file and environment variables.
// If configPath is provided, it will be used to load the configuration from that specific file.
// Otherwise, it will look for config.yaml in standard locations.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set up environment variables
	v.SetEnvPrefix("GPUSTATS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
	}

	// Read the config file if it exists
	if err := v.ReadInConfig(); err != nil {
		// If we have a specific config path and it doesn't exist, return error
		if configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// For default config paths, it's okay if no config file is found
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Sink.Types = normalizeTypes(cfg.Sink.Types)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside the sampler.
func (c *Config) Validate() error {
	if c.Sampler.Interval < time.Second || c.Sampler.Interval%time.Second != 0 {
		return fmt.Errorf("sampler.interval must be a whole number of seconds >= 1s; got %s", c.Sampler.Interval)
	}

	switch c.Sampler.FailurePolicy {
	case "skip", "stop":
	default:
		return fmt.Errorf("sampler.failure_policy must be one of skip, stop; got %q", c.Sampler.FailurePolicy)
	}

	if c.Tool.Timeout < 0 {
		return fmt.Errorf("tool.timeout must be >= 0")
	}

	if len(c.Sink.Types) == 0 {
		return fmt.Errorf("sink.types must name at least one sink")
	}
	for _, t := range c.Sink.Types {
		switch t {
		case SinkTensorBoard, SinkMemory, SinkPrometheus, SinkPostgres:
		default:
			return fmt.Errorf("unknown sink type %q", t)
		}
	}

	if c.Sink.HasSink(SinkTensorBoard) && c.Sink.TensorBoard.LogDir == "" {
		return fmt.Errorf("sink.tensorboard.log_dir is required")
	}

	return nil
}

func normalizeTypes(types []string) []string {
	out := make([]string, 0, len(types))
	seen := make(map[string]struct{}, len(types))
	for _, t := range types {
		for _, part := range strings.Split(t, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	return out
}

// setDefaults sets default values for the configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "gpu-stats")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.version", "0.1.0")

	// Server defaults
	v.SetDefault("server.http.enabled", true)
	v.SetDefault("server.http.port", 8080)
	v.SetDefault("server.http.read_timeout", 30*time.Second)
	v.SetDefault("server.http.write_timeout", 30*time.Second)
	v.SetDefault("server.grpc.enabled", false)
	v.SetDefault("server.grpc.port", 50051)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")

	// Sampler defaults
	v.SetDefault("sampler.interval", 5*time.Minute)
	v.SetDefault("sampler.failure_policy", "skip")

	// Tool defaults
	v.SetDefault("tool.path", "nvidia-smi")
	v.SetDefault("tool.timeout", 30*time.Second)

	// Sink defaults
	v.SetDefault("sink.types", []string{SinkTensorBoard, SinkMemory})
	v.SetDefault("sink.tensorboard.log_dir", "runs/gpu-stats")
	v.SetDefault("sink.memory.capacity", 288)
	v.SetDefault("sink.postgres.host", "localhost")
	v.SetDefault("sink.postgres.port", 5432)
	v.SetDefault("sink.postgres.user", "postgres")
	v.SetDefault("sink.postgres.password", "mysecretpassword")
	v.SetDefault("sink.postgres.dbname", "gpustats")
	v.SetDefault("sink.postgres.sslmode", "disable")
	v.SetDefault("sink.postgres.timeout", 10*time.Second)
}
