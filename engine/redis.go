package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisHealthInterval is how often the engine pings the broker.
const redisHealthInterval = time.Second

// RedisConfig holds the broker connection settings.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// RedisEngine fans messages out through a shared Redis broker so
// several nodes can serve the same channels. Presence lives in a hash
// plus a sorted set scored by expiration time, history in a trimmed
// list with an optional TTL.
type RedisEngine struct {
	config  Config
	logger  *slog.Logger
	control ControlHandler
	admin   AdminBroadcaster

	client *redis.Client
	pubsub *redis.PubSub
	ctx    context.Context

	mu            sync.RWMutex
	subscriptions map[string]map[string]Session
	connected     bool

	shutdownCh chan struct{}
	shutdownMu sync.Mutex
	stopped    bool
}

// NewRedisEngine creates a Redis engine. Run must be called before use.
func NewRedisEngine(config Config, rc RedisConfig, control ControlHandler, admin AdminBroadcaster, logger *slog.Logger) *RedisEngine {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Address,
		Password: rc.Password,
		DB:       rc.DB,
	})
	return &RedisEngine{
		config:        config,
		logger:        logger.With("component", "engine"),
		control:       control,
		admin:         admin,
		client:        client,
		ctx:           context.Background(),
		subscriptions: make(map[string]map[string]Session),
		shutdownCh:    make(chan struct{}),
	}
}

// Name implements Engine.
func (e *RedisEngine) Name() string { return "Redis - multi node" }

// Run connects to the broker, subscribes to the reserved channels and
// starts the dispatch and health loops.
func (e *RedisEngine) Run() error {
	if err := e.client.Ping(e.ctx).Err(); err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	e.setConnected(true)

	e.pubsub = e.client.Subscribe(e.ctx, e.controlChannelKey(), e.adminChannelKey())

	go e.dispatch()
	go e.checkConnection()
	return nil
}

// Shutdown stops background work and closes the broker connection.
func (e *RedisEngine) Shutdown() error {
	e.shutdownMu.Lock()
	defer e.shutdownMu.Unlock()
	if e.stopped {
		return nil
	}
	close(e.shutdownCh)
	e.stopped = true
	if e.pubsub != nil {
		_ = e.pubsub.Close()
	}
	return e.client.Close()
}

func (e *RedisEngine) setConnected(ok bool) {
	e.mu.Lock()
	e.connected = ok
	e.mu.Unlock()
}

func (e *RedisEngine) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// dispatch routes broker messages to local subscribers. The reserved
// channels go to the control handler and the admin broadcaster, all
// other channels are subscription keys.
func (e *RedisEngine) dispatch() {
	ch := e.pubsub.Channel()
	for {
		select {
		case <-e.shutdownCh:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			switch msg.Channel {
			case e.controlChannelKey():
				e.handleControl([]byte(msg.Payload))
			case e.adminChannelKey():
				if e.admin != nil {
					if err := e.admin.BroadcastAdmin([]byte(msg.Payload)); err != nil {
						e.logger.Error("admin broadcast failed", "error", err)
					}
				}
			default:
				e.deliver(msg.Channel, []byte(msg.Payload))
			}
		}
	}
}

func (e *RedisEngine) handleControl(payload []byte) {
	if e.control == nil {
		return
	}
	var msg ControlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		e.logger.Error("malformed control message", "error", err)
		return
	}
	if err := e.control.HandleControl(&msg); err != nil {
		e.logger.Error("control message handling failed", "method", msg.Method, "error", err)
	}
}

func (e *RedisEngine) deliver(subKey string, frame []byte) {
	e.mu.RLock()
	sessions := make([]Session, 0, len(e.subscriptions[subKey]))
	for _, s := range e.subscriptions[subKey] {
		sessions = append(sessions, s)
	}
	e.mu.RUnlock()

	for _, s := range sessions {
		if err := s.Send(frame); err != nil {
			e.logger.Debug("session send failed", "uid", s.UID(), "error", err)
		}
	}
}

// checkConnection pings the broker every second and logs transitions.
// The client reconnects and the pubsub resubscribes on its own, the
// loop exists to surface outages and gate publishes.
func (e *RedisEngine) checkConnection() {
	ticker := time.NewTicker(redisHealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.shutdownCh:
			return
		case <-ticker.C:
			err := e.client.Ping(e.ctx).Err()
			if err != nil {
				if e.isConnected() {
					e.logger.Error("lost connection to redis", "error", err)
				}
				e.setConnected(false)
				continue
			}
			if !e.isConnected() {
				e.logger.Info("reconnected to redis")
				e.setConnected(true)
			}
		}
	}
}

// PublishMessage implements Engine. The frame travels through the
// broker so every node with subscribers on the key delivers it.
func (e *RedisEngine) PublishMessage(subKey string, body interface{}, method string) error {
	if !e.isConnected() {
		return ErrNotConnected
	}
	if method == "" {
		method = MethodMessage
	}
	frame, err := json.Marshal(map[string]interface{}{
		"method": method,
		"body":   body,
	})
	if err != nil {
		return fmt.Errorf("marshal publish frame: %w", err)
	}
	return e.client.Publish(e.ctx, subKey, frame).Err()
}

// PublishControlMessage implements Engine. Every node receives the
// message including the sender, which drops its own echo by app id.
func (e *RedisEngine) PublishControlMessage(msg *ControlMessage) error {
	if !e.isConnected() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	return e.client.Publish(e.ctx, e.controlChannelKey(), payload).Err()
}

// PublishAdminMessage implements Engine.
func (e *RedisEngine) PublishAdminMessage(data []byte) error {
	if !e.isConnected() {
		return ErrNotConnected
	}
	return e.client.Publish(e.ctx, e.adminChannelKey(), data).Err()
}

// AddSubscription implements Engine. The first local subscriber on a
// key also subscribes the node to the broker channel.
func (e *RedisEngine) AddSubscription(projectID, channel string, s Session) error {
	key := e.config.SubscriptionKey(projectID, channel)

	e.mu.Lock()
	first := false
	if _, ok := e.subscriptions[key]; !ok {
		e.subscriptions[key] = make(map[string]Session)
		first = true
	}
	e.subscriptions[key][s.UID()] = s
	e.mu.Unlock()

	if first {
		return e.pubsub.Subscribe(e.ctx, key)
	}
	return nil
}

// RemoveSubscription implements Engine. The last local subscriber on a
// key also unsubscribes the node from the broker channel.
func (e *RedisEngine) RemoveSubscription(projectID, channel string, s Session) error {
	key := e.config.SubscriptionKey(projectID, channel)

	e.mu.Lock()
	last := false
	if sessions, ok := e.subscriptions[key]; ok {
		delete(sessions, s.UID())
		if len(sessions) == 0 {
			delete(e.subscriptions, key)
			last = true
		}
	}
	e.mu.Unlock()

	if last {
		return e.pubsub.Unsubscribe(e.ctx, key)
	}
	return nil
}

// Channels implements Engine.
func (e *RedisEngine) Channels() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}

// AddPresence implements Engine. The hash maps uid to info, the sorted
// set scores each uid by its expiration time so reads can purge stale
// entries without a background job.
func (e *RedisEngine) AddPresence(projectID, channel, uid string, info json.RawMessage) error {
	hashKey := e.presenceHashKey(projectID, channel)
	setKey := e.presenceSetKey(projectID, channel)
	expireAt := time.Now().Add(e.config.PresenceExpireInterval)

	pipe := e.client.TxPipeline()
	pipe.ZAdd(e.ctx, setKey, redis.Z{Score: float64(expireAt.Unix()), Member: uid})
	pipe.HSet(e.ctx, hashKey, uid, string(info))
	pipe.Expire(e.ctx, setKey, e.config.PresenceExpireInterval)
	pipe.Expire(e.ctx, hashKey, e.config.PresenceExpireInterval)
	_, err := pipe.Exec(e.ctx)
	return err
}

// RemovePresence implements Engine.
func (e *RedisEngine) RemovePresence(projectID, channel, uid string) error {
	pipe := e.client.TxPipeline()
	pipe.ZRem(e.ctx, e.presenceSetKey(projectID, channel), uid)
	pipe.HDel(e.ctx, e.presenceHashKey(projectID, channel), uid)
	_, err := pipe.Exec(e.ctx)
	return err
}

// Presence implements Engine. Entries whose score fell behind now are
// removed before the hash is read back.
func (e *RedisEngine) Presence(projectID, channel string) (map[string]json.RawMessage, error) {
	hashKey := e.presenceHashKey(projectID, channel)
	setKey := e.presenceSetKey(projectID, channel)
	now := time.Now().Unix()

	expired, err := e.client.ZRangeByScore(e.ctx, setKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		members := make([]interface{}, len(expired))
		fields := make([]string, len(expired))
		for i, uid := range expired {
			members[i] = uid
			fields[i] = uid
		}
		pipe := e.client.TxPipeline()
		pipe.ZRem(e.ctx, setKey, members...)
		pipe.HDel(e.ctx, hashKey, fields...)
		if _, err := pipe.Exec(e.ctx); err != nil {
			return nil, err
		}
	}

	entries, err := e.client.HGetAll(e.ctx, hashKey).Result()
	if err != nil {
		return nil, err
	}
	result := make(map[string]json.RawMessage, len(entries))
	for uid, info := range entries {
		result[uid] = json.RawMessage(info)
	}
	return result, nil
}

// AddHistoryMessage implements Engine.
func (e *RedisEngine) AddHistoryMessage(projectID, channel string, message json.RawMessage, size int, lifetime time.Duration) error {
	if size <= 0 {
		return nil
	}
	key := e.historyKey(projectID, channel)

	pipe := e.client.TxPipeline()
	pipe.LPush(e.ctx, key, string(message))
	pipe.LTrim(e.ctx, key, 0, int64(size-1))
	if lifetime > 0 {
		pipe.Expire(e.ctx, key, lifetime)
	} else {
		pipe.Persist(e.ctx, key)
	}
	_, err := pipe.Exec(e.ctx)
	return err
}

// History implements Engine, newest message first.
func (e *RedisEngine) History(projectID, channel string) ([]json.RawMessage, error) {
	values, err := e.client.LRange(e.ctx, e.historyKey(projectID, channel), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	messages := make([]json.RawMessage, len(values))
	for i, v := range values {
		messages[i] = json.RawMessage(v)
	}
	return messages, nil
}

func (e *RedisEngine) controlChannelKey() string {
	return e.config.Prefix + "." + e.config.ControlChannelName
}

func (e *RedisEngine) adminChannelKey() string {
	return e.config.Prefix + "." + e.config.AdminChannelName
}

func (e *RedisEngine) presenceHashKey(projectID, channel string) string {
	return e.config.Prefix + ":presence:hash:" + projectID + ":" + channel
}

func (e *RedisEngine) presenceSetKey(projectID, channel string) string {
	return e.config.Prefix + ":presence:set:" + projectID + ":" + channel
}

func (e *RedisEngine) historyKey(projectID, channel string) string {
	return e.config.Prefix + ":history:list:" + projectID + ":" + channel
}
