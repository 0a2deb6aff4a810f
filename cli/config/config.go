package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/chrisbazley/cblibrary/drag"
	"github.com/chrisbazley/cblibrary/entity"
	"github.com/chrisbazley/cblibrary/loader"
	"github.com/chrisbazley/cblibrary/saver"
	"github.com/chrisbazley/cblibrary/sched"
)

// Config represents a cblib.yaml configuration file.
// All values are optional; zero values select the engine defaults.
// CLI flags always override config values.
type Config struct {
	Task      TaskConfig      `yaml:"task"`
	Loader    LoaderConfig    `yaml:"loader"`
	Saver     SaverConfig     `yaml:"saver"`
	Entity    EntityConfig    `yaml:"entity"`
	Drag      DragConfig      `yaml:"drag"`
	Transport TransportConfig `yaml:"transport"`
	Journal   JournalConfig   `yaml:"journal"`
	Notify    NotifyConfig    `yaml:"notify"`
	Log       LogConfig       `yaml:"log"`
}

// TaskConfig names the tasks a demo runs.
type TaskConfig struct {
	Name string `yaml:"name"`
}

// LoaderConfig holds receive settings.
type LoaderConfig struct {
	Watchdog      Duration `yaml:"watchdog"`
	BufferSize    int      `yaml:"buffer_size"`
	MaxBufferSize int      `yaml:"max_buffer_size"`
	ScrapPath     string   `yaml:"scrap_path"`
	NoRAM         bool     `yaml:"no_ram"`
}

// SaverConfig holds send settings.
type SaverConfig struct {
	DefaultEstimate int `yaml:"default_estimate"`
}

// EntityConfig holds entity ownership settings.
type EntityConfig struct {
	ClaimRing int `yaml:"claim_ring"`
}

// DragConfig holds drag settings.
type DragConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
}

// TransportConfig selects the message transport.
type TransportConfig struct {
	// Kind is "bus" (in-process, the default) or "redis".
	Kind          string   `yaml:"kind"`
	RedisURL      string   `yaml:"redis_url"`
	ChannelPrefix string   `yaml:"channel_prefix"`
	Timeout       Duration `yaml:"timeout,omitempty"`
}

// JournalConfig selects where finished transfers are recorded.
type JournalConfig struct {
	// Backend is "none" (the default), "fs", "memory" or "s3".
	Backend     string `yaml:"backend"`
	Dataset     string `yaml:"dataset"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
	// Batch buffers this many entries per write. Zero writes each entry
	// as it finishes.
	Batch int `yaml:"batch"`
}

// NotifyConfig selects where finished transfers are published. Each
// target is enabled by setting its URL.
type NotifyConfig struct {
	WebhookURL     string            `yaml:"webhook_url"`
	WebhookHeaders map[string]string `yaml:"webhook_headers"`
	RedisURL       string            `yaml:"redis_url"`
	RedisChannel   string            `yaml:"redis_channel"`
	Timeout        Duration          `yaml:"timeout,omitempty"`
	Retries        int               `yaml:"retries"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "250ms".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Transport kinds.
const (
	TransportBus   = "bus"
	TransportRedis = "redis"
)

// Journal backends.
const (
	JournalNone   = "none"
	JournalFS     = "fs"
	JournalMemory = "memory"
	JournalS3     = "s3"
)

// Validate reports every problem in the config.
func (c *Config) Validate() error {
	var errs []error
	if c.Loader.Watchdog.Duration < 0 {
		errs = append(errs, errors.New("loader.watchdog must not be negative"))
	}
	if c.Loader.BufferSize < 0 {
		errs = append(errs, errors.New("loader.buffer_size must not be negative"))
	}
	if c.Loader.MaxBufferSize < 0 {
		errs = append(errs, errors.New("loader.max_buffer_size must not be negative"))
	}
	if c.Loader.MaxBufferSize > 0 && c.Loader.BufferSize > c.Loader.MaxBufferSize {
		errs = append(errs, errors.New("loader.buffer_size exceeds loader.max_buffer_size"))
	}
	if c.Saver.DefaultEstimate < 0 {
		errs = append(errs, errors.New("saver.default_estimate must not be negative"))
	}
	if c.Entity.ClaimRing < 0 {
		errs = append(errs, errors.New("entity.claim_ring must not be negative"))
	}
	if c.Drag.PollInterval.Duration < 0 {
		errs = append(errs, errors.New("drag.poll_interval must not be negative"))
	}

	switch c.Transport.Kind {
	case "", TransportBus:
	case TransportRedis:
		if c.Transport.RedisURL == "" {
			errs = append(errs, errors.New("transport.redis_url is required for the redis transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport.kind %q", c.Transport.Kind))
	}

	switch c.Journal.Backend {
	case "", JournalNone, JournalMemory:
	case JournalFS, JournalS3:
		if c.Journal.Path == "" {
			errs = append(errs, fmt.Errorf("journal.path is required for the %s backend", c.Journal.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown journal.backend %q", c.Journal.Backend))
	}
	if c.Journal.Batch < 0 {
		errs = append(errs, errors.New("journal.batch must not be negative"))
	}
	if c.Notify.Retries < 0 {
		errs = append(errs, errors.New("notify.retries must not be negative"))
	}
	if c.Notify.Timeout.Duration < 0 {
		errs = append(errs, errors.New("notify.timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// SaverOptions returns the saver settings.
func (c *Config) SaverOptions() saver.Options {
	return saver.Options{DefaultEstimate: c.Saver.DefaultEstimate}
}

// LoaderOptions returns the loader settings.
func (c *Config) LoaderOptions() loader.Options {
	return loader.Options{
		ScrapPath:     c.Loader.ScrapPath,
		BufferSize:    c.Loader.BufferSize,
		MaxBufferSize: c.Loader.MaxBufferSize,
		Watchdog:      sched.FromDuration(c.Loader.Watchdog.Duration),
		NoRAM:         c.Loader.NoRAM,
	}
}

// EntityOptions returns the entity settings.
func (c *Config) EntityOptions() entity.Options {
	return entity.Options{ClaimRing: c.Entity.ClaimRing}
}

// DragOptions returns the drag settings.
func (c *Config) DragOptions() drag.Options {
	return drag.Options{PollInterval: sched.FromDuration(c.Drag.PollInterval.Duration)}
}
