// Package config loads labrun settings.
//
// Values are layered: defaults in code, then a YAML file, then environment
// variables with the LABRUN_ prefix. Variables from a .env file are used only
// when the real environment does not define them. Command-line flags are
// applied on top by the caller.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aretw0/labrun/pkg/domain"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "LABRUN_"

// Config holds every setting of the CLI and the facade.
type Config struct {
	LogLevel   string        `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat  string        `yaml:"log_format" env:"LOG_FORMAT"`
	Mode       string        `yaml:"mode" env:"MODE"`
	StaleAfter time.Duration `yaml:"stale_after" env:"STALE_AFTER"`

	Remote    Remote    `yaml:"remote" env:",prefix=REMOTE_"`
	Local     Local     `yaml:"local" env:",prefix=LOCAL_"`
	Store     Store     `yaml:"store" env:",prefix=STORE_"`
	Bus       Bus       `yaml:"bus" env:",prefix=BUS_"`
	Telemetry Telemetry `yaml:"telemetry" env:",prefix=OTEL_"`
	Server    Server    `yaml:"server" env:",prefix=SERVER_"`
}

// Remote configures the remote execution backend client.
type Remote struct {
	BaseURL    string        `yaml:"base_url" env:"BASE_URL"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	MaxRetries uint64        `yaml:"max_retries" env:"MAX_RETRIES"`
}

// Local configures in-process execution.
type Local struct {
	ProtocolDir  string  `yaml:"protocol_dir" env:"PROTOCOL_DIR"`
	TimeScale    float64 `yaml:"time_scale" env:"TIME_SCALE"`
	Interpreters string  `yaml:"interpreters" env:"INTERPRETERS"`
}

// Store selects and configures the durable run store.
type Store struct {
	Driver        string        `yaml:"driver" env:"DRIVER"`
	Path          string        `yaml:"path" env:"PATH"`
	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB"`
	Compression   bool          `yaml:"compression" env:"COMPRESSION"`
	TTL           time.Duration `yaml:"ttl" env:"TTL"`
	DSN           string        `yaml:"dsn" env:"DSN"`
	DistLock      bool          `yaml:"dist_lock" env:"DIST_LOCK"`
	// Redact lists regular expressions of parameter and argument keys whose
	// values are masked before they are persisted.
	Redact []string `yaml:"redact" env:"REDACT"`
}

// Bus configures event publication. An empty URL disables it.
type Bus struct {
	URL       string `yaml:"url" env:"URL"`
	JetStream bool   `yaml:"jetstream" env:"JETSTREAM"`
	Prefix    string `yaml:"prefix" env:"PREFIX"`
}

// Telemetry configures tracing. An empty endpoint disables export.
type Telemetry struct {
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Server configures the simulated backend.
type Server struct {
	Addr      string  `yaml:"addr" env:"ADDR"`
	TimeScale float64 `yaml:"time_scale" env:"TIME_SCALE"`
}

// Store drivers.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreSQL    = "sql"
)

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		Mode:      string(domain.ModeRemote),
		Remote: Remote{
			BaseURL:    "http://localhost:8080",
			Timeout:    30 * time.Second,
			RetryDelay: time.Second,
			MaxRetries: 3,
		},
		Local: Local{
			ProtocolDir: "protocols",
			TimeScale:   1,
		},
		Store: Store{
			Driver:      StoreFile,
			Path:        ".labrun",
			RedisAddr:   "localhost:6379",
			Compression: true,
		},
		Bus: Bus{
			Prefix: "labrun",
		},
		Telemetry: Telemetry{
			ServiceName: "labrun",
		},
		Server: Server{
			Addr:      ":8080",
			TimeScale: 1,
		},
	}
}

// Options controls where Load reads from.
type Options struct {
	// File is a YAML file. It must exist when set.
	File string

	// EnvFile is a dotenv file. A missing file is ignored.
	EnvFile string

	// Lookuper replaces the process environment, mainly in tests.
	Lookuper envconfig.Lookuper
}

// Load builds the configuration from every layer.
func Load(ctx context.Context, opts Options) (Config, error) {
	cfg := Defaults()

	if opts.File != "" {
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", opts.File, err)
		}
	}

	lookuper := opts.Lookuper
	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}
	if opts.EnvFile != "" {
		vars, err := godotenv.Read(opts.EnvFile)
		switch {
		case err == nil:
			lookuper = envconfig.MultiLookuper(lookuper, envconfig.MapLookuper(vars))
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("failed to read env file: %w", err)
		}
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:           &cfg,
		Lookuper:         envconfig.PrefixLookuper(EnvPrefix, lookuper),
		DefaultOverwrite: true,
	}); err != nil {
		return Config{}, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Override applies dotted key=value assignments such as
// "remote.timeout=5s", using the YAML key names.
func (c *Config) Override(assignments []string) error {
	if len(assignments) == 0 {
		return nil
	}
	tree := map[string]any{}
	for _, a := range assignments {
		key, value, ok := strings.Cut(a, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return fmt.Errorf("invalid assignment %q, want key=value", a)
		}
		parts := strings.Split(key, ".")
		node := tree
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           c,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(tree); err != nil {
		return fmt.Errorf("invalid override: %w", err)
	}
	return c.Validate()
}

// Validate checks values that cannot be fixed by defaults.
func (c Config) Validate() error {
	if _, ok := domain.ParseMode(c.Mode); !ok {
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	switch c.Store.Driver {
	case StoreMemory, StoreFile, StoreRedis, StoreSQL:
	default:
		return fmt.Errorf("invalid store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == StoreSQL && c.Store.DSN == "" {
		return errors.New("store dsn is required for the sql driver")
	}
	if c.Local.TimeScale < 0 || c.Server.TimeScale < 0 {
		return errors.New("time scale must not be negative")
	}
	if c.StaleAfter < 0 {
		return errors.New("stale_after must not be negative")
	}
	return nil
}

// DefaultMode returns the parsed default execution mode.
func (c Config) DefaultMode() domain.Mode {
	mode, _ := domain.ParseMode(c.Mode)
	return mode
}
