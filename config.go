package neoqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
)

// Connection drivers understood by engine.Open.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ConnectionConfig names a concrete backend.
type ConnectionConfig struct {
	// Driver is one of memory, redis, postgres or sqlite.
	Driver string `json:"driver"`

	// DSN is the driver-specific address: a redis:// URL, a postgres://
	// URL, or a SQLite file path.
	DSN string `json:"dsn,omitempty"`

	// Codec selects the envelope serialization for backends that store
	// envelopes as blobs ("json" or "msgpack").
	Codec string `json:"codec,omitempty"`
}

// WorkerConfig holds the defaults used by `work` when no flag overrides them.
type WorkerConfig struct {
	// Queues are polled in order; earlier queues have priority.
	Queues []string `json:"queues"`

	// Concurrency is the number of goroutines reserving jobs.
	Concurrency int `json:"concurrency"`

	// Sleep is the pause after an empty poll.
	Sleep time.Duration `json:"sleep"`

	// Tries is applied to envelopes that carry no MaxTries. Zero means
	// unbounded.
	Tries int `json:"tries"`

	// Timeout is applied to envelopes that carry no Timeout.
	Timeout time.Duration `json:"timeout"`

	// VisibilityTimeout is the reservation lease. It must exceed the
	// longest job timeout or jobs will be redelivered while still running.
	VisibilityTimeout time.Duration `json:"visibility_timeout"`

	// ShutdownTimeout bounds graceful shutdown before in-flight jobs are
	// cancelled.
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// Config is the top-level configuration for a neoqueue deployment.
type Config struct {
	// Default is the connection used when none is named.
	Default string `json:"default"`

	// Connections maps connection names to backends.
	Connections map[string]ConnectionConfig `json:"connections"`

	// Worker holds worker defaults.
	Worker WorkerConfig `json:"worker"`

	// AMQPURL enables the lifecycle event publisher when set.
	AMQPURL string `json:"amqp_url,omitempty"`

	// MetricsAddr enables the Prometheus endpoint when set.
	MetricsAddr string `json:"metrics_addr,omitempty"`
}

// DefaultConfig returns a Config with an in-memory default connection.
func DefaultConfig() Config {
	return Config{
		Default: "memory",
		Connections: map[string]ConnectionConfig{
			"memory": {Driver: DriverMemory},
		},
		Worker: WorkerConfig{
			Queues:            []string{"default"},
			Concurrency:       1,
			Sleep:             3 * time.Second,
			Timeout:           60 * time.Second,
			VisibilityTimeout: 90 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
	}
}

// Connection returns the named connection, or the default one when name is
// empty.
func (c Config) Connection(name string) (ConnectionConfig, error) {
	if name == "" {
		name = c.Default
	}
	conn, ok := c.Connections[name]
	if !ok {
		return ConnectionConfig{}, fmt.Errorf("neoqueue: connection %q not configured", name)
	}
	return conn, nil
}

// LoadConfig reads a JSON config file on top of DefaultConfig and applies
// NEOQUEUE_* environment overrides. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("neoqueue: read config: %w", err)
		default:
			if err := cfg.decode(data); err != nil {
				return cfg, err
			}
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

type fileWorkerConfig struct {
	Queues            []string `json:"queues"`
	Concurrency       int      `json:"concurrency"`
	Sleep             string   `json:"sleep"`
	Tries             int      `json:"tries"`
	Timeout           string   `json:"timeout"`
	VisibilityTimeout string   `json:"visibility_timeout"`
	ShutdownTimeout   string   `json:"shutdown_timeout"`
}

type fileConfig struct {
	Default     string                      `json:"default"`
	Connections map[string]ConnectionConfig `json:"connections"`
	Worker      *fileWorkerConfig           `json:"worker"`
	AMQPURL     string                      `json:"amqp_url"`
	MetricsAddr string                      `json:"metrics_addr"`
}

// decode merges a JSON document into c. Durations are Go duration strings.
func (c *Config) decode(data []byte) error {
	var f fileConfig
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("neoqueue: parse config: %w", err)
	}
	if f.Default != "" {
		c.Default = f.Default
	}
	for name, conn := range f.Connections {
		c.Connections[name] = conn
	}
	if f.AMQPURL != "" {
		c.AMQPURL = f.AMQPURL
	}
	if f.MetricsAddr != "" {
		c.MetricsAddr = f.MetricsAddr
	}
	if f.Worker == nil {
		return nil
	}
	w := f.Worker
	if len(w.Queues) > 0 {
		c.Worker.Queues = w.Queues
	}
	if w.Concurrency > 0 {
		c.Worker.Concurrency = w.Concurrency
	}
	if w.Tries > 0 {
		c.Worker.Tries = w.Tries
	}
	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{w.Sleep, &c.Worker.Sleep},
		{w.Timeout, &c.Worker.Timeout},
		{w.VisibilityTimeout, &c.Worker.VisibilityTimeout},
		{w.ShutdownTimeout, &c.Worker.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("neoqueue: parse config duration %q: %w", d.raw, err)
		}
		*d.dst = parsed
	}
	return nil
}

// ApplyEnv overlays environment variables read through getenv.
//
//	NEOQUEUE_CONNECTION      default connection name
//	NEOQUEUE_REDIS_URL       adds/overrides the "redis" connection
//	NEOQUEUE_DATABASE_URL    adds/overrides the "postgres" connection
//	NEOQUEUE_SQLITE_PATH     adds/overrides the "sqlite" connection
//	NEOQUEUE_QUEUES          comma-separated queue list
//	NEOQUEUE_CONCURRENCY     worker goroutines
//	NEOQUEUE_AMQP_URL        lifecycle event publisher
//	NEOQUEUE_METRICS_ADDR    Prometheus listen address
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("NEOQUEUE_REDIS_URL"); v != "" {
		c.Connections["redis"] = ConnectionConfig{Driver: DriverRedis, DSN: v}
	}
	if v := getenv("NEOQUEUE_DATABASE_URL"); v != "" {
		c.Connections["postgres"] = ConnectionConfig{Driver: DriverPostgres, DSN: v}
	}
	if v := getenv("NEOQUEUE_SQLITE_PATH"); v != "" {
		c.Connections["sqlite"] = ConnectionConfig{Driver: DriverSQLite, DSN: v}
	}
	if v := getenv("NEOQUEUE_CONNECTION"); v != "" {
		c.Default = v
	}
	if v := getenv("NEOQUEUE_QUEUES"); v != "" {
		c.Worker.Queues = SplitQueues(v)
	}
	if v := getenv("NEOQUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Worker.Concurrency = n
		}
	}
	if v := getenv("NEOQUEUE_AMQP_URL"); v != "" {
		c.AMQPURL = v
	}
	if v := getenv("NEOQUEUE_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
}

// SplitQueues parses a comma-separated queue list, dropping blanks.
func SplitQueues(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
