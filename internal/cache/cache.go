// Package cache publishes the latest collateral and basket statuses to redis so that
// issuance and trading services can gate on them without talking to the monitor.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"collateral-monitor/internal/collateral"
)

var ErrNotFound = errors.New("cache: entry not found")

type Config struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
	Channel   string
	TTL       time.Duration
}

// Entry is the published view of one collateral.
type Entry struct {
	ID          string
	Status      collateral.Status
	Low         decimal.Decimal
	High        decimal.Decimal
	RefPerTok   decimal.Decimal
	WhenDefault time.Time
	UpdatedAt   time.Time
}

// StatusCache writes entries as redis hashes and announces status changes on a channel.
type StatusCache struct {
	rdb     *redis.Client
	prefix  string
	channel string
	ttl     time.Duration
}

func New(ctx context.Context, cfg Config) (*StatusCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return NewWithClient(rdb, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, cfg Config) *StatusCache {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "collmon:"
	}
	channel := cfg.Channel
	if channel == "" {
		channel = prefix + "transitions"
	}
	return &StatusCache{rdb: rdb, prefix: prefix, channel: channel, ttl: cfg.TTL}
}

func (c *StatusCache) Close() error {
	return c.rdb.Close()
}

func (c *StatusCache) collateralKey(id string) string {
	return c.prefix + "collateral:" + id
}

func (c *StatusCache) basketKey(name string) string {
	return c.prefix + "basket:" + name
}

// Put stores the entry, replacing any previous one.
func (c *StatusCache) Put(ctx context.Context, e Entry) error {
	key := c.collateralKey(e.ID)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, entryFields(e))
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put %s: %w", e.ID, err)
	}
	return nil
}

func (c *StatusCache) Get(ctx context.Context, id string) (Entry, error) {
	vals, err := c.rdb.HGetAll(ctx, c.collateralKey(id)).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("redis: get %s: %w", id, err)
	}
	if len(vals) == 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return parseEntry(id, vals)
}

// PutBasket stores the aggregate status and readiness of a basket.
func (c *StatusCache) PutBasket(ctx context.Context, name string, status collateral.Status, ready bool, at time.Time) error {
	fields := map[string]interface{}{
		"status": status.String(),
		"ready":  strconv.FormatBool(ready),
		"ts":     strconv.FormatInt(at.UnixNano(), 10),
	}
	if err := c.rdb.HSet(ctx, c.basketKey(name), fields).Err(); err != nil {
		return fmt.Errorf("redis: put basket %s: %w", name, err)
	}
	return nil
}

// Announce publishes a status change as "<id> <from> <to> <unix nanos>".
func (c *StatusCache) Announce(ctx context.Context, id string, from, to collateral.Status, at time.Time) error {
	msg := fmt.Sprintf("%s %s %s %d", id, from, to, at.UnixNano())
	if err := c.rdb.Publish(ctx, c.channel, msg).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", id, err)
	}
	return nil
}

func entryFields(e Entry) map[string]interface{} {
	fields := map[string]interface{}{
		"status":       e.Status.String(),
		"low":          e.Low.String(),
		"high":         e.High.String(),
		"ref_per_tok":  e.RefPerTok.String(),
		"ts":           strconv.FormatInt(e.UpdatedAt.UnixNano(), 10),
		"when_default": "",
	}
	if !e.WhenDefault.IsZero() {
		fields["when_default"] = strconv.FormatInt(e.WhenDefault.UnixNano(), 10)
	}
	return fields
}

func parseEntry(id string, vals map[string]string) (Entry, error) {
	e := Entry{ID: id}
	var err error
	if e.Status, err = collateral.ParseStatus(vals["status"]); err != nil {
		return Entry{}, fmt.Errorf("redis: parse %s: %w", id, err)
	}
	for field, dst := range map[string]*decimal.Decimal{"low": &e.Low, "high": &e.High, "ref_per_tok": &e.RefPerTok} {
		if *dst, err = decimal.NewFromString(vals[field]); err != nil {
			return Entry{}, fmt.Errorf("redis: parse %s %s: %w", id, field, err)
		}
	}
	if e.UpdatedAt, err = parseNanos(vals["ts"]); err != nil {
		return Entry{}, fmt.Errorf("redis: parse %s ts: %w", id, err)
	}
	if v := vals["when_default"]; v != "" {
		if e.WhenDefault, err = parseNanos(v); err != nil {
			return Entry{}, fmt.Errorf("redis: parse %s when_default: %w", id, err)
		}
	}
	return e, nil
}

func parseNanos(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}
