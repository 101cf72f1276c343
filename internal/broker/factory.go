package broker

import (
	"fmt"
	"net/url"

	"github.com/hsn0918/enterprise-kb/internal/config"
	"github.com/hsn0918/enterprise-kb/internal/redis"
)

// New builds a broker from the configured URL. memory:// gives the
// in-process backend; redis:// requires a Redis client.
func New(cfg config.BrokerConfig, redisClient *redis.Client) (Broker, error) {
	opts := Options{
		TaskTimeLimit:     cfg.TaskTimeLimit,
		TaskSoftTimeLimit: cfg.TaskSoftTimeLimit,
		MaxRetries:        cfg.MaxRetries,
		ResultTTL:         cfg.ResultTTL,
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker url %q: %w", cfg.URL, err)
	}
	switch u.Scheme {
	case "memory", "":
		return NewMemoryBroker(opts), nil
	case "redis", "rediss":
		if redisClient == nil {
			return nil, fmt.Errorf("redis broker requires a redis client")
		}
		return NewRedisBroker(redisClient, opts), nil
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}
