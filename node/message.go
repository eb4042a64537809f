package node

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClientInfo identifies the publisher of a channel message.
type ClientInfo struct {
	User        string          `json:"user"`
	Client      string          `json:"client"`
	DefaultInfo json.RawMessage `json:"default_info,omitempty"`
	ChannelInfo json.RawMessage `json:"channel_info,omitempty"`
}

// Message is the channel message body fanned out to subscribers.
type Message struct {
	UID       string          `json:"uid"`
	Timestamp string          `json:"timestamp"`
	Client    *ClientInfo     `json:"client"`
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
}

func newMessage(channel string, data json.RawMessage, info *ClientInfo) *Message {
	return &Message{
		UID:       strings.ReplaceAll(uuid.NewString(), "-", ""),
		Timestamp: strconv.FormatInt(time.Now().Unix(), 10),
		Client:    info,
		Channel:   channel,
		Data:      data,
	}
}

// channelNamespaceName extracts the namespace part of a channel, empty
// when the channel has no namespace prefix. A private channel prefix
// does not hide the namespace separator.
func channelNamespaceName(channel string) string {
	if !strings.Contains(channel, NamespaceSeparator) {
		return ""
	}
	return strings.SplitN(channel, NamespaceSeparator, 2)[0]
}

// channelUserList extracts the allow-list encoded after the user
// separator, nil when the channel has none.
func channelUserList(channel string) []string {
	if !strings.Contains(channel, UserChannelSeparator) {
		return nil
	}
	list := strings.SplitN(channel, UserChannelSeparator, 2)[1]
	return strings.Split(list, UserListSeparator)
}

// userAllowed reports whether user may subscribe on channel given its
// allow-list. Channels without a list admit everyone.
func userAllowed(channel, user string) bool {
	list := channelUserList(channel)
	if list == nil {
		return true
	}
	for _, allowed := range list {
		if allowed == user {
			return true
		}
	}
	return false
}
