package engine

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// historySweepInterval bounds how long an expired in-memory history can
// outlive its lifetime before the sweeper reclaims it.
const historySweepInterval = time.Minute

type presenceEntry struct {
	info     json.RawMessage
	expireAt time.Time
}

// presenceExpired reports whether an entry is stale at now. The
// boundary is inclusive: an entry expiring exactly at now is gone.
func presenceExpired(entry presenceEntry, now time.Time) bool {
	return !entry.expireAt.After(now)
}

type historyEntry struct {
	messages []json.RawMessage
	expireAt time.Time // zero means no expiry
}

// expireItem tracks a history channel inside the expiration heap.
type expireItem struct {
	key      string
	expireAt time.Time
}

type expireHeap []expireItem

func (h expireHeap) Len() int            { return len(h) }
func (h expireHeap) Less(i, j int) bool  { return h[i].expireAt.Before(h[j].expireAt) }
func (h expireHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expireHeap) Push(x interface{}) { *h = append(*h, x.(expireItem)) }
func (h *expireHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MemoryEngine keeps all state in process memory. Suitable for a single
// node only: publishes reach local sessions and nothing else.
type MemoryEngine struct {
	config  Config
	logger  *slog.Logger
	control ControlHandler
	admin   AdminBroadcaster

	mu            sync.RWMutex
	subscriptions map[string]map[string]Session
	presence      map[string]map[string]presenceEntry
	history       map[string]historyEntry
	expires       expireHeap

	shutdownCh chan struct{}
	shutdownMu sync.Mutex
	stopped    bool
}

// NewMemoryEngine creates a memory engine. control receives control
// messages published through this node, admin receives admin payloads.
func NewMemoryEngine(config Config, control ControlHandler, admin AdminBroadcaster, logger *slog.Logger) *MemoryEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryEngine{
		config:        config,
		logger:        logger.With("component", "engine"),
		control:       control,
		admin:         admin,
		subscriptions: make(map[string]map[string]Session),
		presence:      make(map[string]map[string]presenceEntry),
		history:       make(map[string]historyEntry),
		shutdownCh:    make(chan struct{}),
	}
}

// Name implements Engine.
func (e *MemoryEngine) Name() string { return "In memory - single node only" }

// Run starts the history expiration sweeper.
func (e *MemoryEngine) Run() error {
	go e.sweepHistory()
	return nil
}

// Shutdown stops background work.
func (e *MemoryEngine) Shutdown() error {
	e.shutdownMu.Lock()
	defer e.shutdownMu.Unlock()
	if !e.stopped {
		close(e.shutdownCh)
		e.stopped = true
	}
	return nil
}

// PublishMessage delivers body to every local session on the key. Send
// errors are logged and skipped so one dead session cannot stall the
// fan-out.
func (e *MemoryEngine) PublishMessage(subKey string, body interface{}, method string) error {
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
	return nil
}

// PublishControlMessage loops the message straight back to the local
// handler: a memory engine has no peers.
func (e *MemoryEngine) PublishControlMessage(msg *ControlMessage) error {
	if e.control == nil {
		return nil
	}
	return e.control.HandleControl(msg)
}

// PublishAdminMessage delivers data to local admin sessions.
func (e *MemoryEngine) PublishAdminMessage(data []byte) error {
	if e.admin == nil {
		return nil
	}
	return e.admin.BroadcastAdmin(data)
}

// AddSubscription implements Engine.
func (e *MemoryEngine) AddSubscription(projectID, channel string, s Session) error {
	key := e.config.SubscriptionKey(projectID, channel)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subscriptions[key]; !ok {
		e.subscriptions[key] = make(map[string]Session)
	}
	e.subscriptions[key][s.UID()] = s
	return nil
}

// RemoveSubscription implements Engine.
func (e *MemoryEngine) RemoveSubscription(projectID, channel string, s Session) error {
	key := e.config.SubscriptionKey(projectID, channel)
	e.mu.Lock()
	defer e.mu.Unlock()
	if sessions, ok := e.subscriptions[key]; ok {
		delete(sessions, s.UID())
		if len(sessions) == 0 {
			delete(e.subscriptions, key)
		}
	}
	return nil
}

// Channels implements Engine.
func (e *MemoryEngine) Channels() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}

// AddPresence implements Engine.
func (e *MemoryEngine) AddPresence(projectID, channel, uid string, info json.RawMessage) error {
	key := e.config.SubscriptionKey(projectID, channel)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.presence[key]; !ok {
		e.presence[key] = make(map[string]presenceEntry)
	}
	e.presence[key][uid] = presenceEntry{
		info:     info,
		expireAt: time.Now().Add(e.config.PresenceExpireInterval),
	}
	return nil
}

// RemovePresence implements Engine.
func (e *MemoryEngine) RemovePresence(projectID, channel, uid string) error {
	key := e.config.SubscriptionKey(projectID, channel)
	e.mu.Lock()
	defer e.mu.Unlock()
	if entries, ok := e.presence[key]; ok {
		delete(entries, uid)
		if len(entries) == 0 {
			delete(e.presence, key)
		}
	}
	return nil
}

// Presence implements Engine. Expired entries are dropped on read.
func (e *MemoryEngine) Presence(projectID, channel string) (map[string]json.RawMessage, error) {
	key := e.config.SubscriptionKey(projectID, channel)
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	entries, ok := e.presence[key]
	if !ok {
		return map[string]json.RawMessage{}, nil
	}
	result := make(map[string]json.RawMessage, len(entries))
	for uid, entry := range entries {
		if presenceExpired(entry, now) {
			delete(entries, uid)
			continue
		}
		result[uid] = entry.info
	}
	if len(entries) == 0 {
		delete(e.presence, key)
	}
	return result, nil
}

// AddHistoryMessage implements Engine.
func (e *MemoryEngine) AddHistoryMessage(projectID, channel string, message json.RawMessage, size int, lifetime time.Duration) error {
	if size <= 0 {
		return nil
	}
	key := e.config.SubscriptionKey(projectID, channel)

	e.mu.Lock()
	defer e.mu.Unlock()
	entry := e.history[key]
	entry.messages = append([]json.RawMessage{message}, entry.messages...)
	if len(entry.messages) > size {
		entry.messages = entry.messages[:size]
	}
	if lifetime > 0 {
		entry.expireAt = time.Now().Add(lifetime)
		heap.Push(&e.expires, expireItem{key: key, expireAt: entry.expireAt})
	} else {
		entry.expireAt = time.Time{}
	}
	e.history[key] = entry
	return nil
}

// History implements Engine, newest message first.
func (e *MemoryEngine) History(projectID, channel string) ([]json.RawMessage, error) {
	key := e.config.SubscriptionKey(projectID, channel)

	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.history[key]
	if !ok {
		return []json.RawMessage{}, nil
	}
	if !entry.expireAt.IsZero() && entry.expireAt.Before(time.Now()) {
		delete(e.history, key)
		return []json.RawMessage{}, nil
	}
	messages := make([]json.RawMessage, len(entry.messages))
	copy(messages, entry.messages)
	return messages, nil
}

// sweepHistory periodically reclaims expired channel histories. The heap
// may hold stale items for keys refreshed since they were pushed, the
// sweep re-checks the live entry before deleting.
func (e *MemoryEngine) sweepHistory() {
	ticker := time.NewTicker(historySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.shutdownCh:
			return
		case <-ticker.C:
			e.expireHistory(time.Now())
		}
	}
}

func (e *MemoryEngine) expireHistory(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.expires.Len() > 0 {
		item := e.expires[0]
		if item.expireAt.After(now) {
			return
		}
		heap.Pop(&e.expires)
		entry, ok := e.history[item.key]
		if !ok {
			continue
		}
		if !entry.expireAt.IsZero() && !entry.expireAt.After(now) {
			delete(e.history, item.key)
		}
	}
}
