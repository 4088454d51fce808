// Package redis keeps short-lived shared state in Redis: the polled order
// status, the set of processed payment notifications and the API request
// counters.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/soda-storefront/internal/domain/order"
)

const (
	// keyOrderStatus maps an order id to its cached CachedStatus JSON.
	keyOrderStatus = "storefront:order_status:%s"
	// keyCallback marks a checkout request id whose notification was handled.
	keyCallback = "storefront:callback:%s"
)

// Default key lifetimes.
const (
	DefaultStatusTTL   = 5 * time.Minute
	DefaultCallbackTTL = 48 * time.Hour
)

var (
	_ order.StatusCache = (*Store)(nil)
	_ order.CallbackLog = (*Store)(nil)
)

// NewClient parses a redis:// URL or a bare host:port address.
func NewClient(addr string) *redis.Client {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	return redis.NewClient(opts)
}

// Store implements order.StatusCache and order.CallbackLog.
type Store struct {
	rdb         redis.UniversalClient
	statusTTL   time.Duration
	callbackTTL time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithStatusTTL sets how long a cached status is served.
func WithStatusTTL(d time.Duration) Option {
	return func(s *Store) { s.statusTTL = d }
}

// WithCallbackTTL sets how long a processed notification is remembered.
func WithCallbackTTL(d time.Duration) Option {
	return func(s *Store) { s.callbackTTL = d }
}

// New creates a Store over rdb.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, statusTTL: DefaultStatusTTL, callbackTTL: DefaultCallbackTTL}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) GetStatus(ctx context.Context, orderID string) (*order.CachedStatus, bool, error) {
	b, err := s.rdb.Get(ctx, fmt.Sprintf(keyOrderStatus, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "get status")
	}
	var st order.CachedStatus
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, false, errors.Wrap(err, "decode status")
	}
	return &st, true, nil
}

func (s *Store) SetStatus(ctx context.Context, orderID string, st order.CachedStatus) error {
	b, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "encode status")
	}
	if err := s.rdb.Set(ctx, fmt.Sprintf(keyOrderStatus, orderID), b, s.statusTTL).Err(); err != nil {
		return errors.Wrap(err, "set status")
	}
	return nil
}

func (s *Store) Seen(ctx context.Context, checkoutRequestID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, fmt.Sprintf(keyCallback, checkoutRequestID)).Result()
	if err != nil {
		return false, errors.Wrap(err, "check callback")
	}
	return n > 0, nil
}

func (s *Store) MarkSeen(ctx context.Context, checkoutRequestID string) error {
	if err := s.rdb.Set(ctx, fmt.Sprintf(keyCallback, checkoutRequestID), "1", s.callbackTTL).Err(); err != nil {
		return errors.Wrap(err, "mark callback")
	}
	return nil
}

// Ping reports whether Redis answers. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
