// Package mirror keeps a live copy of a session's stats in a Redis hash so
// dashboards can read them while the crawl runs.
package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/alvmarrod/statweaver/internal/signals"
	"github.com/alvmarrod/statweaver/internal/subscriber"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTimeout = 2 * time.Second
	// FinishedTTL is how long the hash of a closed session stays readable
	FinishedTTL = 24 * time.Hour
)

// NewClient connects to the Redis server at url and checks it answers.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Mirror writes raw key_set/key_deleted changes into one hash per spider.
// It needs the session to run on a signalling backend: collector signals
// carry intents, only the raw mapping signals carry resulting values.
type Mirror struct {
	subscriber.Base
	client  redis.Cmdable
	key     string
	timeout time.Duration
}

// New creates a Mirror writing to the hash prefix+spider.
func New(client redis.Cmdable, prefix, spider string) *Mirror {
	return &Mirror{
		client:  client,
		key:     prefix + spider,
		timeout: defaultTimeout,
	}
}

// Key returns the Redis hash the mirror writes to.
func (m *Mirror) Key() string {
	return m.key
}

func (m *Mirror) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.timeout)
}

func (m *Mirror) SessionOpened(signals.SessionOpenedEvent) error {
	ctx, cancel := m.ctx()
	defer cancel()
	if err := m.client.Del(ctx, m.key).Err(); err != nil {
		return fmt.Errorf("failed to reset %s: %w", m.key, err)
	}
	return nil
}

func (m *Mirror) KeySet(e signals.KeySetEvent) error {
	value, err := encode(e.Value)
	if err != nil {
		return err
	}
	ctx, cancel := m.ctx()
	defer cancel()
	if err := m.client.HSet(ctx, m.key, e.Key, value).Err(); err != nil {
		return fmt.Errorf("failed to mirror %s: %w", e.Key, err)
	}
	return nil
}

func (m *Mirror) KeyDeleted(e signals.KeyDeletedEvent) error {
	ctx, cancel := m.ctx()
	defer cancel()
	if err := m.client.HDel(ctx, m.key, e.Key).Err(); err != nil {
		return fmt.Errorf("failed to drop %s: %w", e.Key, err)
	}
	return nil
}

// SessionClosed rewrites the hash from the final snapshot and lets it expire.
func (m *Mirror) SessionClosed(e signals.SessionClosedEvent) error {
	fields := make([]any, 0, 2*len(e.Stats))
	for _, k := range e.Stats.Keys() {
		value, err := encode(e.Stats[k])
		if err != nil {
			return err
		}
		fields = append(fields, k, value)
	}

	ctx, cancel := m.ctx()
	defer cancel()
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, m.key)
		if len(fields) > 0 {
			pipe.HSet(ctx, m.key, fields...)
		}
		pipe.Expire(ctx, m.key, FinishedTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write final stats to %s: %w", m.key, err)
	}
	return nil
}

// encode renders a stat value for a hash field. Strings are stored bare,
// everything else as JSON.
func encode(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	out, err := sonic.MarshalString(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode stat value %T: %w", v, err)
	}
	return out, nil
}
