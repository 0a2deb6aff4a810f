// Package redis delivers encoded transfer events on a Redis pub/sub
// channel.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/chrisbazley/cblibrary/adapter"
)

// DefaultChannel is where events go when Config.Channel is empty.
const DefaultChannel = "cblib:transfer_finished"

// DefaultTimeout bounds each PUBLISH.
const DefaultTimeout = 5 * time.Second

// Config configures a Sink.
type Config struct {
	// URL is redis://[:password@]host:port[/db].
	URL     string
	Channel string
	Timeout time.Duration
}

// Sink PUBLISHes each payload on one channel.
type Sink struct {
	client  *goredis.Client
	channel string
	timeout time.Duration
}

// New connects lazily to cfg.URL.
func New(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis: no URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	s := &Sink{client: goredis.NewClient(opts), channel: cfg.Channel, timeout: cfg.Timeout}
	if s.channel == "" {
		s.channel = DefaultChannel
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	return s, nil
}

// Channel returns the channel events are published on.
func (s *Sink) Channel() string { return s.channel }

// Deliver publishes payload once. Publishing on a closed client is
// permanent.
func (s *Sink) Deliver(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.client.Publish(ctx, s.channel, payload).Err()
	if errors.Is(err, goredis.ErrClosed) {
		return adapter.Permanent(err)
	}
	return err
}

// Close closes the client.
func (s *Sink) Close() error {
	return s.client.Close()
}

var _ adapter.Sink = (*Sink)(nil)
