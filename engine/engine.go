package engine

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Reserved channel names and key layout defaults.
const (
	DefaultPrefix = "centrifuge"

	// PartDelimiter joins parts of a subscription key.
	PartDelimiter = "|"

	// AdminChannel carries events for administrative interfaces.
	AdminChannel = "_admin"

	// ControlChannel carries commands shared between running nodes.
	ControlChannel = "_control"
)

// Presence and history defaults.
const (
	DefaultPresencePingInterval   = 25 * time.Second
	DefaultPresenceExpireInterval = 60 * time.Second
	DefaultHistorySize            = 20
)

// MethodMessage is the default method of published channel messages.
const MethodMessage = "message"

// Engine errors.
var (
	ErrNotConnected = errors.New("engine not connected to broker")
)

// Session is a connected client able to receive raw frames. A failed
// send must tear the session down on the session side; the engine never
// blocks the fan-out loop on one subscriber.
type Session interface {
	UID() string
	Send(data []byte) error
}

// ControlMessage travels on the control channel between nodes.
type ControlMessage struct {
	AppID  string          `json:"app_id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// ControlHandler receives control messages arriving from the broker.
// The handler filters its own echo by AppID.
type ControlHandler interface {
	HandleControl(msg *ControlMessage) error
}

// AdminBroadcaster delivers admin channel payloads to the locally
// connected administrative sessions.
type AdminBroadcaster interface {
	BroadcastAdmin(data []byte) error
}

// Config holds settings shared by all engine variants.
type Config struct {
	Prefix                 string
	AdminChannelName       string
	ControlChannelName     string
	PresencePingInterval   time.Duration
	PresenceExpireInterval time.Duration
	HistorySize            int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:                 DefaultPrefix,
		AdminChannelName:       AdminChannel,
		ControlChannelName:     ControlChannel,
		PresencePingInterval:   DefaultPresencePingInterval,
		PresenceExpireInterval: DefaultPresenceExpireInterval,
		HistorySize:            DefaultHistorySize,
	}
}

// SubscriptionKey builds the fan-out key for a project channel.
func (c Config) SubscriptionKey(projectID, channel string) string {
	return strings.Join([]string{c.Prefix, projectID, channel}, PartDelimiter)
}

// Engine is the pluggable fan-out and state component.
type Engine interface {
	// Name returns a human readable engine name.
	Name() string

	// Run starts the engine and blocks until the initial connection
	// attempt settles. Background reconnect handling continues after
	// Run returns.
	Run() error

	// Shutdown stops background work.
	Shutdown() error

	// PublishMessage delivers body to all local sessions subscribed to
	// the subscription key and, in the broker variant, to peers.
	PublishMessage(subKey string, body interface{}, method string) error

	// PublishControlMessage broadcasts a control message to all nodes.
	PublishControlMessage(msg *ControlMessage) error

	// PublishAdminMessage broadcasts data to admin subscribers.
	PublishAdminMessage(data []byte) error

	// AddSubscription registers a local session on a project channel.
	AddSubscription(projectID, channel string, s Session) error

	// RemoveSubscription removes a local session from a project channel.
	RemoveSubscription(projectID, channel string, s Session) error

	// Channels returns the number of channels with local subscribers.
	Channels() int

	// AddPresence stores or refreshes a presence entry with the
	// configured expiration interval.
	AddPresence(projectID, channel, uid string, info json.RawMessage) error

	// RemovePresence deletes a presence entry.
	RemovePresence(projectID, channel, uid string) error

	// Presence returns uid to user info for all unexpired entries,
	// purging expired ones.
	Presence(projectID, channel string) (map[string]json.RawMessage, error)

	// AddHistoryMessage prepends message, trims the channel history to
	// size and applies lifetime as TTL (zero means no expiry).
	AddHistoryMessage(projectID, channel string, message json.RawMessage, size int, lifetime time.Duration) error

	// History returns the most recent messages, newest first.
	History(projectID, channel string) ([]json.RawMessage, error)
}
