package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/bizhub-orders/internal/orders"
	"github.com/redis/go-redis/v9"
)

// cmdable is the slice of the go-redis API used here.
type cmdable interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type Options struct {
	Addr        string
	DialTimeout time.Duration
	StatusTTL   time.Duration
	DedupTTL    time.Duration
}

type Client struct {
	store     cmdable
	raw       *redis.Client
	statusTTL time.Duration
	dedupTTL  time.Duration
}

// New connects and pings. The returned client backs the status cache, the
// event dedup keys and the pub/sub broadcaster.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 2 * time.Second
	}
	raw := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.DialTimeout,
		WriteTimeout: opts.DialTimeout,
	})
	if err := raw.Ping(ctx).Err(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	c := newClient(raw, opts)
	c.raw = raw
	return c, nil
}

func newClient(store cmdable, opts Options) *Client {
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = TTLStatusCache
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = TTLDedup
	}
	return &Client{store: store, statusTTL: opts.StatusTTL, dedupTTL: opts.DedupTTL}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.store.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c.raw == nil {
		return nil
	}
	return c.raw.Close()
}

type cachedStatus struct {
	Status    orders.Status `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// OrderStatus returns the cached status; ok is false on a miss.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (orders.Status, bool, error) {
	raw, err := c.store.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var cs cachedStatus
	if err := json.Unmarshal([]byte(raw), &cs); err != nil {
		return "", false, fmt.Errorf("decode cached status: %w", err)
	}
	return cs.Status, true, nil
}

// SetOrderStatus overwrites the cached status. Status transitions write
// through here.
func (c *Client) SetOrderStatus(ctx context.Context, orderID string, status orders.Status, updatedAt time.Time) error {
	b, err := json.Marshal(cachedStatus{Status: status, UpdatedAt: updatedAt})
	if err != nil {
		return err
	}
	return c.store.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), string(b), c.statusTTL).Err()
}

// FillOrderStatus caches a status read from the database only if no entry
// exists, so a slow read never replaces a newer transition.
func (c *Client) FillOrderStatus(ctx context.Context, orderID string, status orders.Status, updatedAt time.Time) (bool, error) {
	b, err := json.Marshal(cachedStatus{Status: status, UpdatedAt: updatedAt})
	if err != nil {
		return false, err
	}
	return c.store.SetNX(ctx, fmt.Sprintf(KeyOrderStatus, orderID), string(b), c.statusTTL).Result()
}

// Claim marks id as processed by service. It reports false when another
// delivery already claimed it.
func (c *Client) Claim(ctx context.Context, service, id string) (bool, error) {
	return c.store.SetNX(ctx, fmt.Sprintf(KeyDedup, service, id), "1", c.dedupTTL).Result()
}

// Release drops a claim so a failed delivery can be retried.
func (c *Client) Release(ctx context.Context, service, id string) error {
	return c.store.Del(ctx, fmt.Sprintf(KeyDedup, service, id)).Err()
}

func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.store.Publish(ctx, channel, payload).Err()
}
