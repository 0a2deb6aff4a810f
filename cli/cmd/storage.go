package cmd

import (
	"context"
	"fmt"

	"github.com/justapithecus/lode/lode"

	"github.com/chrisbazley/cblibrary/adapter"
	"github.com/chrisbazley/cblibrary/adapter/redis"
	"github.com/chrisbazley/cblibrary/adapter/webhook"
	"github.com/chrisbazley/cblibrary/cli/config"
	"github.com/chrisbazley/cblibrary/journal"
	"github.com/chrisbazley/cblibrary/log"
)

// journalBackend returns the configured backend name, "none" if unset.
func journalBackend(cfg *config.Config) string {
	if cfg.Journal.Backend == "" {
		return config.JournalNone
	}
	return cfg.Journal.Backend
}

func s3Config(cfg *config.Config) journal.S3Config {
	bucket, prefix := journal.ParseS3Path(cfg.Journal.Path)
	return journal.S3Config{
		Bucket:       bucket,
		Prefix:       prefix,
		Region:       cfg.Journal.Region,
		Endpoint:     cfg.Journal.Endpoint,
		UsePathStyle: cfg.Journal.S3PathStyle,
	}
}

// openJournal opens the journal a demo records into, buffered when
// journal.batch is set. Returns nil for the "none" backend.
func openJournal(ctx context.Context, cfg *config.Config, logger *log.Logger) (journal.Journal, error) {
	jcfg := journal.Config{Dataset: cfg.Journal.Dataset}
	var (
		j   *journal.LodeJournal
		err error
	)
	switch journalBackend(cfg) {
	case config.JournalNone:
		return nil, nil
	case config.JournalMemory:
		j, err = journal.NewMemory(jcfg)
	case config.JournalFS:
		j, err = journal.NewFS(jcfg, cfg.Journal.Path)
	case config.JournalS3:
		j, err = journal.NewS3(ctx, jcfg, s3Config(cfg))
	default:
		return nil, fmt.Errorf("unknown journal backend %q", cfg.Journal.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Journal.Batch > 0 {
		return journal.NewBuffered(j, cfg.Journal.Batch, logger), nil
	}
	return j, nil
}

// openNotifiers opens a journal per configured notify target.
func openNotifiers(cfg *config.Config) ([]journal.Journal, error) {
	n := cfg.Notify
	retry := adapter.Retry{Retries: n.Retries}
	var sinks []adapter.Sink
	var names []string
	if n.WebhookURL != "" {
		s, err := webhook.New(webhook.Config{
			URL:     n.WebhookURL,
			Headers: n.WebhookHeaders,
			Timeout: n.Timeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		sinks, names = append(sinks, s), append(names, "webhook")
	}
	if n.RedisURL != "" {
		s, err := redis.New(redis.Config{
			URL:     n.RedisURL,
			Channel: n.RedisChannel,
			Timeout: n.Timeout.Duration,
		})
		if err != nil {
			closeSinks(sinks)
			return nil, err
		}
		sinks, names = append(sinks, s), append(names, "redis")
	}

	out := make([]journal.Journal, 0, len(sinks))
	for i, s := range sinks {
		p, err := adapter.NewPublisher(names[i], s, retry)
		if err != nil {
			closeSinks(sinks)
			return nil, err
		}
		out = append(out, adapter.Journal{Adapter: p})
	}
	return out, nil
}

func closeSinks(sinks []adapter.Sink) {
	for _, s := range sinks {
		_ = s.Close()
	}
}

// openDataset opens a journal dataset for reading. Only the persistent
// backends can be read back.
func openDataset(ctx context.Context, cfg *config.Config) (lode.Dataset, error) {
	dataset := cfg.Journal.Dataset
	if dataset == "" {
		dataset = journal.DefaultDataset
	}
	var factory lode.StoreFactory
	switch backend := journalBackend(cfg); backend {
	case config.JournalFS:
		factory = lode.NewFSFactory(cfg.Journal.Path)
	case config.JournalS3:
		f, err := journal.S3Factory(ctx, s3Config(cfg))
		if err != nil {
			return nil, err
		}
		factory = f
	default:
		return nil, fmt.Errorf("journal backend %q cannot be read back (use fs or s3)", backend)
	}
	ds, err := journal.NewDataset(dataset, factory)
	if err != nil {
		return nil, journal.WrapInitError(err, dataset)
	}
	return ds, nil
}

// loadConfig reads the --config file, or returns a zero config when none
// was given, and applies --log-level.
func loadConfig(c interface{ String(string) string }) (*config.Config, error) {
	cfg := &config.Config{}
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
