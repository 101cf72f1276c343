package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/rueidis"

	"github.com/hsn0918/enterprise-kb/internal/config"
)

// Client wraps rueidis with the small command surface the core needs:
// string/JSON values, hashes, list queues and NX locks.
type Client struct {
	client rueidis.Client
}

// ClientOptions holds configuration for Redis client creation.
type ClientOptions struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func NewClient(opts ClientOptions) (*Client, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{fmt.Sprintf("%s:%d", opts.Host, opts.Port)},
		Password:    opts.Password,
		SelectDB:    opts.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis client: %w", err)
	}

	return &Client{client: client}, nil
}

func NewClientFromConfig(cfg config.Config) (*Client, error) {
	return NewClient(ClientOptions{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func (c *Client) Close() { c.client.Close() }

func (c *Client) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	var cmd rueidis.Completed
	if expiration > 0 {
		cmd = c.client.B().Set().Key(key).Value(value).ExSeconds(int64(expiration.Seconds())).Build()
	} else {
		cmd = c.client.B().Set().Key(key).Value(value).Build()
	}
	return c.client.Do(ctx, cmd).Error()
}

// SetNX sets key to value only if it does not exist, returning whether
// the key was set. Used for per-document processing locks.
func (c *Client) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	cmd := c.client.B().Set().Key(key).Value(value).Nx().PxMilliseconds(expiration.Milliseconds()).Build()
	result := c.client.Do(ctx, cmd)
	if result.Error() != nil {
		if rueidis.IsRedisNil(result.Error()) {
			return false, nil
		}
		return false, result.Error()
	}
	return true, nil
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	cmd := c.client.B().Get().Key(key).Build()
	result := c.client.Do(ctx, cmd)
	if result.Error() != nil {
		if rueidis.IsRedisNil(result.Error()) {
			return "", nil
		}
		return "", result.Error()
	}
	return result.ToString()
}

func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	cmd := c.client.B().Del().Key(keys...).Build()
	return c.client.Do(ctx, cmd).Error()
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	cmd := c.client.B().Exists().Key(key).Build()
	result := c.client.Do(ctx, cmd)
	if result.Error() != nil {
		return false, result.Error()
	}
	count, err := result.ToInt64()
	return count > 0, err
}

// SetJSON marshals value with sonic and stores it under key.
func (c *Client) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	jsonData, err := marshalJSON(value)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return c.Set(ctx, key, string(jsonData), expiration)
}

// GetJSON loads key and unmarshals it into dest. A missing key leaves
// dest untouched and returns nil.
func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if data == "" {
		return nil
	}
	return unmarshalJSON([]byte(data), dest)
}

// Hash helpers
func (c *Client) SetHash(ctx context.Context, key string, fields map[string]string, expiration time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	for field, value := range fields {
		cmd := c.client.B().Hset().Key(key).FieldValue().FieldValue(field, value).Build()
		if err := c.client.Do(ctx, cmd).Error(); err != nil {
			return err
		}
	}
	if expiration > 0 {
		expireCmd := c.client.B().Expire().Key(key).Seconds(int64(expiration.Seconds())).Build()
		if err := c.client.Do(ctx, expireCmd).Error(); err != nil {
			return fmt.Errorf("failed to set TTL: %w", err)
		}
	}
	return nil
}

func (c *Client) GetHash(ctx context.Context, key string) (map[string]string, error) {
	cmd := c.client.B().Hgetall().Key(key).Build()
	result := c.client.Do(ctx, cmd)
	if result.Error() != nil {
		return nil, result.Error()
	}
	return result.AsStrMap()
}

func (c *Client) GetHashField(ctx context.Context, key, field string) (string, error) {
	cmd := c.client.B().Hget().Key(key).Field(field).Build()
	result := c.client.Do(ctx, cmd)
	if result.Error() != nil {
		if rueidis.IsRedisNil(result.Error()) {
			return "", nil
		}
		return "", result.Error()
	}
	return result.ToString()
}

// List queue helpers used by the redis broker backend.
func (c *Client) LPush(ctx context.Context, key string, values ...string) error {
	cmd := c.client.B().Lpush().Key(key).Element(values...).Build()
	return c.client.Do(ctx, cmd).Error()
}

// LMove atomically pops the tail of source and pushes it onto the head
// of destination, returning the moved element. Returns an empty string
// when source is empty.
func (c *Client) LMove(ctx context.Context, source, destination string) (string, error) {
	cmd := c.client.B().Lmove().Source(source).Destination(destination).Right().Left().Build()
	result := c.client.Do(ctx, cmd)
	if result.Error() != nil {
		if rueidis.IsRedisNil(result.Error()) {
			return "", nil
		}
		return "", result.Error()
	}
	return result.ToString()
}

// LRem removes the first occurrence of value from the list at key.
func (c *Client) LRem(ctx context.Context, key, value string) error {
	cmd := c.client.B().Lrem().Key(key).Count(1).Element(value).Build()
	return c.client.Do(ctx, cmd).Error()
}

// Incr increments the counter at key and returns the new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	cmd := c.client.B().Incr().Key(key).Build()
	result := c.client.Do(ctx, cmd)
	if result.Error() != nil {
		return 0, result.Error()
	}
	return result.ToInt64()
}

// Decr decrements the counter at key and returns the new value.
func (c *Client) Decr(ctx context.Context, key string) (int64, error) {
	cmd := c.client.B().Decr().Key(key).Build()
	result := c.client.Do(ctx, cmd)
	if result.Error() != nil {
		return 0, result.Error()
	}
	return result.ToInt64()
}

// CompareAndDelete deletes key only if it still holds value. Used to
// release fenced locks without stomping a newer owner.
func (c *Client) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	const script = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	cmd := c.client.B().Eval().Script(script).Numkeys(1).Key(key).Arg(value).Build()
	result := c.client.Do(ctx, cmd)
	if result.Error() != nil {
		return false, result.Error()
	}
	n, err := result.ToInt64()
	return n > 0, err
}

func (c *Client) Ping(ctx context.Context) error {
	cmd := c.client.B().Ping().Build()
	return c.client.Do(ctx, cmd).Error()
}
