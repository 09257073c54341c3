package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"classlock/internal/protocol"
)

const (
	sessionsKey     = "relay:sessions"
	labelKeyPrefix  = "relay:label:"
	instanceKeyPrefix = "relay:instance:"
	deliverChannel  = "relay:deliver:"

	instanceTTL       = 15 * time.Second
	heartbeatInterval = 5 * time.Second
)

// releaseLabel deletes a label key only while it still points at the
// given controller.
var releaseLabel = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDirectory shares the session directory between relay replicas.
// Entries owned by a replica whose heartbeat has expired are purged when
// they are next read.
type RedisDirectory struct {
	client   *redis.Client
	instance string
	log      *zap.Logger
}

func NewRedisDirectory(client *redis.Client, instance string, log *zap.Logger) *RedisDirectory {
	return &RedisDirectory{client: client, instance: instance, log: log.Named("directory")}
}

// Heartbeat keeps this replica's entries alive until ctx is done.
func (d *RedisDirectory) Heartbeat(ctx context.Context) error {
	key := instanceKeyPrefix + d.instance
	beat := func() error {
		return d.client.Set(ctx, key, time.Now().Unix(), instanceTTL).Err()
	}
	if err := beat(); err != nil {
		return fmt.Errorf("relay heartbeat: %w", err)
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.client.Del(context.Background(), key)
			return nil
		case <-ticker.C:
			if err := beat(); err != nil {
				d.log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (d *RedisDirectory) Register(ctx context.Context, e protocol.DirectoryEntry) error {
	ok, err := d.client.SetNX(ctx, labelKeyPrefix+e.ClassName, e.SocketID, 0).Result()
	if err != nil {
		return fmt.Errorf("claim class name: %w", err)
	}
	if !ok {
		// the holder may belong to a dead replica
		holder, err := d.client.Get(ctx, labelKeyPrefix+e.ClassName).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read class name owner: %w", err)
		}
		if holder != "" && d.alive(ctx, instanceOf(holder)) {
			return ErrDuplicateLabel
		}
		d.purge(ctx, holder, e.ClassName)
		ok, err = d.client.SetNX(ctx, labelKeyPrefix+e.ClassName, e.SocketID, 0).Result()
		if err != nil {
			return fmt.Errorf("claim class name: %w", err)
		}
		if !ok {
			return ErrDuplicateLabel
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := d.client.HSet(ctx, sessionsKey, e.SocketID, data).Err(); err != nil {
		releaseLabel.Run(ctx, d.client, []string{labelKeyPrefix + e.ClassName}, e.SocketID)
		return fmt.Errorf("store registration: %w", err)
	}
	return nil
}

func (d *RedisDirectory) Remove(ctx context.Context, controllerID string) error {
	e, err := d.get(ctx, controllerID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	d.purge(ctx, controllerID, e.ClassName)
	return nil
}

func (d *RedisDirectory) Get(ctx context.Context, controllerID string) (protocol.DirectoryEntry, error) {
	e, err := d.get(ctx, controllerID)
	if err != nil {
		return protocol.DirectoryEntry{}, err
	}
	if !d.alive(ctx, instanceOf(controllerID)) {
		d.purge(ctx, controllerID, e.ClassName)
		return protocol.DirectoryEntry{}, ErrNotFound
	}
	return e, nil
}

func (d *RedisDirectory) List(ctx context.Context) ([]protocol.DirectoryEntry, error) {
	raw, err := d.client.HGetAll(ctx, sessionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	liveness := make(map[string]bool)
	out := make([]protocol.DirectoryEntry, 0, len(raw))
	for id, data := range raw {
		var e protocol.DirectoryEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			d.log.Warn("dropping unreadable entry", zap.String("id", id), zap.Error(err))
			d.client.HDel(ctx, sessionsKey, id)
			continue
		}
		instance := instanceOf(id)
		alive, seen := liveness[instance]
		if !seen {
			alive = d.alive(ctx, instance)
			liveness[instance] = alive
		}
		if !alive {
			d.purge(ctx, id, e.ClassName)
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (d *RedisDirectory) get(ctx context.Context, controllerID string) (protocol.DirectoryEntry, error) {
	data, err := d.client.HGet(ctx, sessionsKey, controllerID).Result()
	if errors.Is(err, redis.Nil) {
		return protocol.DirectoryEntry{}, ErrNotFound
	}
	if err != nil {
		return protocol.DirectoryEntry{}, fmt.Errorf("get session: %w", err)
	}
	var e protocol.DirectoryEntry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return protocol.DirectoryEntry{}, fmt.Errorf("decode session: %w", err)
	}
	return e, nil
}

func (d *RedisDirectory) alive(ctx context.Context, instance string) bool {
	if instance == d.instance {
		return true
	}
	n, err := d.client.Exists(ctx, instanceKeyPrefix+instance).Result()
	if err != nil {
		// Unknown is treated as alive so a Redis blip cannot purge entries.
		return true
	}
	return n > 0
}

func (d *RedisDirectory) purge(ctx context.Context, controllerID, className string) {
	if controllerID != "" {
		d.client.HDel(ctx, sessionsKey, controllerID)
	}
	if err := releaseLabel.Run(ctx, d.client, []string{labelKeyPrefix + className}, controllerID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		d.log.Warn("release class name", zap.String("class", className), zap.Error(err))
	}
}

// RedisBus routes frames to connections held by other replicas, one
// pub/sub channel per replica.
type RedisBus struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisBus(client *redis.Client, log *zap.Logger) *RedisBus {
	return &RedisBus{client: client, log: log.Named("backplane")}
}

func (b *RedisBus) Publish(ctx context.Context, instance string, d Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, deliverChannel+instance, data).Err()
}

// Run subscribes to this replica's channel and hands every delivery to
// handle until ctx is done.
func (b *RedisBus) Run(ctx context.Context, instance string, handle func(Delivery)) error {
	pubsub := b.client.Subscribe(ctx, deliverChannel+instance)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe backplane: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var d Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				b.log.Warn("bad delivery", zap.Error(err))
				continue
			}
			handle(d)
		}
	}
}
