// Package config loads process settings from defaults, an optional YAML
// file and PAYFLOW_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"payflow/kit/db"
)

const (
	EnvPrefix = "PAYFLOW"
	// EnvConfigFile names the YAML file when --config is not given.
	EnvConfigFile = "PAYFLOW_CONFIG"
)

type Config struct {
	HTTP       HTTP       `mapstructure:"http"`
	Store      Store      `mapstructure:"store"`
	Queue      Queue      `mapstructure:"queue"`
	PSP        PSP        `mapstructure:"psp"`
	Settlement Settlement `mapstructure:"settlement"`
	Audit      Audit      `mapstructure:"audit"`
	DLQ        DLQ        `mapstructure:"dlq"`
	Log        Log        `mapstructure:"log"`
	Consumers  Consumers  `mapstructure:"consumers"`
	Sim        Sim        `mapstructure:"sim"`
}

type HTTP struct {
	Addr string `mapstructure:"addr"`
}

type Store struct {
	// Driver is sqlite or memory.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type Queue struct {
	// Driver is sql or memory. The sql queue shares the store database.
	Driver            string        `mapstructure:"driver"`
	MaxReceives       int           `mapstructure:"max_receives"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	BatchSize         int           `mapstructure:"batch_size"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

type PSP struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Breaker Breaker       `mapstructure:"breaker"`
}

type Breaker struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

type Settlement struct {
	Policy string `mapstructure:"policy"`
}

type Audit struct {
	File string `mapstructure:"file"`
}

type DLQ struct {
	File string `mapstructure:"file"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Consumers struct {
	// Embedded runs the stage pollers inside the web process.
	Embedded bool `mapstructure:"embedded"`
	Workers  int  `mapstructure:"workers"`
}

// Sim configures the local PSP simulator binary.
type Sim struct {
	Addr       string        `mapstructure:"addr"`
	MinLatency time.Duration `mapstructure:"min_latency"`
	MaxLatency time.Duration `mapstructure:"max_latency"`
}

var defaults = map[string]any{
	"http.addr":                     ":8080",
	"store.driver":                  "sqlite",
	"store.dsn":                     "data/payflow.db",
	"queue.driver":                  "sql",
	"queue.max_receives":            5,
	"queue.visibility_timeout":      "60s",
	"queue.batch_size":              10,
	"queue.poll_interval":           "500ms",
	"psp.url":                       "http://localhost:8081",
	"psp.timeout":                   "30s",
	"psp.breaker.failure_threshold": 5,
	"psp.breaker.success_threshold": 1,
	"psp.breaker.open_timeout":      "30s",
	"settlement.policy":             "uniform",
	"audit.file":                    "",
	"dlq.file":                      "data/dlq.jsonl",
	"log.level":                     "info",
	"log.format":                    "text",
	"consumers.embedded":            false,
	"consumers.workers":             1,
	"sim.addr":                      ":8081",
	"sim.min_latency":               "100ms",
	"sim.max_latency":               "500ms",
}

// Load reads path, or $PAYFLOW_CONFIG when path is empty. No file at all is
// fine; a named file that cannot be read is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Join(db.ErrInvalid, fmt.Errorf("read config %s: %w", path, err))
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Join(db.ErrInvalid, fmt.Errorf("decode config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	switch c.Queue.Driver {
	case "sql", "memory":
	default:
		errs = append(errs, fmt.Errorf("queue.driver: unknown driver %q", c.Queue.Driver))
	}
	if c.Queue.Driver == "sql" && c.Store.Driver != "sqlite" {
		errs = append(errs, errors.New("queue.driver: sql requires store.driver sqlite"))
	}
	if c.Store.Driver == "sqlite" && c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn: required for sqlite"))
	}
	if c.Queue.MaxReceives <= 0 {
		errs = append(errs, errors.New("queue.max_receives: must be positive"))
	}
	if c.Consumers.Workers <= 0 {
		errs = append(errs, errors.New("consumers.workers: must be positive"))
	}
	if c.Sim.MaxLatency < c.Sim.MinLatency {
		errs = append(errs, errors.New("sim.max_latency: below sim.min_latency"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{db.ErrInvalid}, errs...)...)
}
