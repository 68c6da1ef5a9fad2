/*
Package redisnotify serializes notification creation across sweep processes.

PURPOSE:
  Two sweeps running at once (the daily cron and a manual trigger, or two
  replicas) can both see "no open notification" and both try to create one.
  The storage unique index rejects the loser; this guard stops it earlier
  with a Redis SETNX on the (type, entity) pair, so the loser never reaches
  the database.

KEYS:
  <prefix>:<type>:<entity_id>   value = notification id, TTL = Guard.TTL

  The key is set before the write and deleted when the write fails or the
  notification is resolved. The TTL bounds how long a crashed writer can
  hold a slot.

FAILURE MODE:
  When Redis is unreachable the guard logs and falls through to the wrapped
  store. Uniqueness then rests on the storage index alone.

SEE ALSO:
  - notify/sweeper.go: Lookup-before-create
  - store/sqlstore/notifications.go: Partial unique index
*/
package redisnotify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/medrent/billing-engine/generic"
	"github.com/medrent/billing-engine/notify"
)

const (
	DefaultPrefix = "billing:notif:open"
	DefaultTTL    = 24 * time.Hour
)

// Guard wraps a NotificationStore with a Redis SETNX lock per open slot.
type Guard struct {
	Store  notify.NotificationStore
	Client redis.UniversalClient
	Prefix string
	TTL    time.Duration
	Logger *zap.Logger
}

var _ notify.NotificationStore = (*Guard)(nil)

func NewGuard(store notify.NotificationStore, client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{Store: store, Client: client, Prefix: DefaultPrefix, TTL: ttl, Logger: logger}
}

// Connect opens a client and checks it answers.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Key returns the lock key of an open notification slot.
func (g *Guard) Key(entityID string, t notify.Type) string {
	return fmt.Sprintf("%s:%s:%s", g.Prefix, t, entityID)
}

func (g *Guard) ExistsOpenNotification(ctx context.Context, entityID string, t notify.Type) (bool, error) {
	return g.Store.ExistsOpenNotification(ctx, entityID, t)
}

// CreateNotification claims the slot in Redis, then writes through. A slot
// held by another writer fails with generic.ErrNotificationExists.
func (g *Guard) CreateNotification(ctx context.Context, n notify.Notification) error {
	key := g.Key(n.EntityID, n.Type)

	claimed, err := g.Client.SetNX(ctx, key, string(n.ID), g.TTL).Result()
	if err != nil {
		g.Logger.Warn("notification guard unavailable, relying on storage index",
			zap.String("key", key), zap.Error(err))
		return g.Store.CreateNotification(ctx, n)
	}
	if !claimed {
		return fmt.Errorf("%w: %s %s (claimed in redis)", generic.ErrNotificationExists, n.Type, n.EntityID)
	}

	if err := g.Store.CreateNotification(ctx, n); err != nil {
		g.release(ctx, key)
		return err
	}
	return nil
}

// ResolveOpenNotifications resolves through and frees the slot.
func (g *Guard) ResolveOpenNotifications(ctx context.Context, entityID string, t notify.Type) (int, error) {
	n, err := g.Store.ResolveOpenNotifications(ctx, entityID, t)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		g.release(ctx, g.Key(entityID, t))
	}
	return n, nil
}

func (g *Guard) release(ctx context.Context, key string) {
	if err := g.Client.Del(ctx, key).Err(); err != nil {
		g.Logger.Warn("failed to release notification guard", zap.String("key", key), zap.Error(err))
	}
}
