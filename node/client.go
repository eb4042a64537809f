package node

import (
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/centrifuge/auth"
	"github.com/c360/centrifuge/proto"
	"github.com/c360/centrifuge/structure"
)

// closeGrace dampens reconnect storms after protocol errors.
const closeGrace = time.Second

// errTerminate closes the transport after the pending responses have
// been flushed. errDeactivated additionally pushes a disconnect frame.
var (
	errTerminate   = errors.New("terminate session")
	errDeactivated = errors.New("connection deactivated")
)

// Transport is the bidirectional frame connection behind a session.
// Name is an opaque label used for metrics.
type Transport interface {
	Name() string
	Send(data []byte) error
	Close() error
}

// Client is one connected end-user session.
type Client struct {
	node      *Node
	transport Transport
	uid       string

	sendMu sync.Mutex

	mu            sync.Mutex
	authenticated bool
	closed        bool
	project       string
	user          string
	timestamp     int64
	examinedAt    int64
	defaultInfo   json.RawMessage
	channels      map[string]struct{}
	channelInfo   map[string]json.RawMessage

	// expireCh carries the admission verdict for sessions reconnecting
	// with already expired credentials. One slot, one verdict.
	expireCh chan bool
	stopCh   chan struct{}
}

// NewClient creates a session bound to a transport. The session is not
// registered with the node until a successful connect.
func NewClient(n *Node, t Transport) *Client {
	return &Client{
		node:        n,
		transport:   t,
		uid:         strings.ReplaceAll(uuid.NewString(), "-", ""),
		channels:    make(map[string]struct{}),
		channelInfo: make(map[string]json.RawMessage),
		expireCh:    make(chan bool, 1),
		stopCh:      make(chan struct{}),
	}
}

// UID returns the session uid.
func (c *Client) UID() string { return c.uid }

// Send writes one frame to the transport. Writes are serialized; a
// failed write tears the session down before any further frames.
func (c *Client) Send(data []byte) error {
	c.sendMu.Lock()
	err := c.transport.Send(data)
	c.sendMu.Unlock()
	if err != nil {
		c.Close()
	}
	return err
}

// Message handles one inbound frame: a JSON object or a JSON array of
// objects. The response mirrors the request shape. Protocol violations
// flush whatever accumulated and close the transport after a grace
// pause.
func (c *Client) Message(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return c.terminate(nil, false)
	}

	var cmds []proto.ClientCommand
	multi := trimmed[0] == '['
	if multi {
		if err := json.Unmarshal([]byte(trimmed), &cmds); err != nil {
			return c.terminate(nil, false)
		}
	} else {
		var cmd proto.ClientCommand
		if err := json.Unmarshal([]byte(trimmed), &cmd); err != nil {
			return c.terminate(nil, false)
		}
		cmds = []proto.ClientCommand{cmd}
	}

	if len(cmds) > c.node.config.ClientAPIMessageLimit {
		return c.terminate(nil, false)
	}

	var responses proto.MultiResponse
	var fatal error
	for _, cmd := range cmds {
		resp, err := c.handleCommand(cmd)
		responses.Add(resp)
		if err != nil {
			fatal = err
			break
		}
	}

	var frame []byte
	var err error
	if multi {
		frame, err = responses.Marshal()
	} else if responses.Len() > 0 {
		frame, err = responses.First().Marshal()
	}
	if err != nil {
		return c.terminate(nil, false)
	}
	if frame != nil {
		if err := c.Send(frame); err != nil {
			return err
		}
	}

	if fatal != nil {
		return c.terminate(nil, errors.Is(fatal, errDeactivated))
	}
	return nil
}

// terminate optionally flushes a final frame, pauses and closes.
func (c *Client) terminate(frame []byte, deactivated bool) error {
	if frame != nil {
		_ = c.Send(frame)
	}
	if deactivated {
		c.Disconnect("deactivated")
		return nil
	}
	time.Sleep(closeGrace)
	return c.Close()
}

func (c *Client) handleCommand(cmd proto.ClientCommand) (*proto.Response, error) {
	resp := proto.NewResponse(cmd.Method)
	resp.UID = cmd.UID

	if cmd.Method != proto.MethodConnect && !c.isAuthenticated() {
		resp.Err(ErrUnauthorized)
		return resp, errTerminate
	}

	switch cmd.Method {
	case proto.MethodConnect:
		return c.handleConnect(resp, cmd.Params)
	case proto.MethodSubscribe:
		return c.handleSubscribe(resp, cmd.Params)
	case proto.MethodUnsubscribe:
		return c.handleUnsubscribe(resp, cmd.Params)
	case proto.MethodPublish:
		return c.handlePublish(resp, cmd.Params)
	case proto.MethodPresence:
		return c.handlePresence(resp, cmd.Params)
	case proto.MethodHistory:
		return c.handleHistory(resp, cmd.Params)
	case proto.MethodPing:
		resp.Body = "pong"
		return resp, nil
	default:
		resp.Err(ErrMethodNotFound)
		return resp, errTerminate
	}
}

func (c *Client) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

type connectParams struct {
	Token     string `json:"token"`
	User      string `json:"user"`
	Project   string `json:"project"`
	Timestamp string `json:"timestamp"`
	Info      string `json:"info,omitempty"`
}

func (c *Client) handleConnect(resp *proto.Response, params json.RawMessage) (*proto.Response, error) {
	if c.isAuthenticated() {
		resp.Body = c.uid
		return resp, nil
	}

	var p connectParams
	if err := json.Unmarshal(params, &p); err != nil {
		resp.Err(ErrInvalidConnectionParams)
		return resp, errTerminate
	}

	project, err := c.node.structure.ProjectByID(p.Project)
	if err != nil {
		resp.Err(ErrProjectNotFound)
		return resp, errTerminate
	}

	insecure := c.node.config.Insecure
	var ts int64
	if insecure {
		ts = time.Now().Unix()
	} else {
		ts, err = strconv.ParseInt(p.Timestamp, 10, 64)
		if err != nil {
			resp.Err(ErrInvalidTimestamp)
			return resp, errTerminate
		}
		if !auth.CheckClientToken(p.Token, project.SecretKey, p.Project, p.User, p.Timestamp, p.Info) {
			resp.Err(ErrInvalidToken)
			return resp, errTerminate
		}
	}

	c.mu.Lock()
	c.project = p.Project
	c.user = p.User
	c.timestamp = ts
	c.examinedAt = ts
	c.defaultInfo = rawOrString(p.Info)
	c.mu.Unlock()

	if project.ConnectionCheck && !insecure && project.ConnectionLifetime > 0 {
		if ts+int64(project.ConnectionLifetime) < time.Now().Unix() {
			c.node.queueExpiredReconnection(c)
			active := <-c.expireCh
			if !active {
				resp.Err(ErrUnauthorized)
				return resp, errDeactivated
			}
		}
	}

	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
	c.node.addClient(c)

	go c.presenceHeartbeat()

	c.node.collector.Increment("connect")
	c.node.nodeMetrics.ConnectsTotal.WithLabelValues(c.transport.Name()).Inc()

	resp.Body = c.uid
	return resp, nil
}

type channelParams struct {
	Channel string `json:"channel"`
}

func (c *Client) handleSubscribe(resp *proto.Response, params json.RawMessage) (*proto.Response, error) {
	var p channelParams
	if err := json.Unmarshal(params, &p); err != nil {
		resp.Err(ErrInvalidConnectionParams)
		return resp, errTerminate
	}
	if errStr := c.node.validChannel(p.Channel); errStr != "" {
		resp.Err(errStr)
		return resp, nil
	}

	project, err := c.getProject()
	if err != nil {
		resp.Err(ErrProjectNotFound)
		return resp, nil
	}
	ns, err := c.node.namespaceForChannel(project.ID, p.Channel)
	if err != nil {
		resp.Err(ErrNamespaceNotFound)
		return resp, nil
	}

	if !userAllowed(p.Channel, c.user) {
		resp.Err(ErrPermissionDenied)
		return resp, nil
	}
	if !ns.Anonymous && c.user == "" && !c.node.config.Insecure {
		resp.Err(ErrPermissionDenied)
		return resp, nil
	}

	var channelInfo json.RawMessage
	if ns.IsPrivate {
		info, errStr := c.authorize(project, ns, p.Channel)
		if errStr != "" {
			resp.Err(errStr)
			return resp, nil
		}
		channelInfo = info
	}

	if err := c.node.engine.AddSubscription(project.ID, p.Channel, c); err != nil {
		resp.Err(ErrInternalServerError)
		return resp, nil
	}

	// Record the channel only once the engine holds the subscription so
	// the local set always mirrors the engine's table.
	c.mu.Lock()
	c.channels[p.Channel] = struct{}{}
	if channelInfo != nil {
		c.channelInfo[p.Channel] = channelInfo
	}
	c.mu.Unlock()
	if err := c.addPresence(project.ID, p.Channel); err != nil {
		c.node.logger.Error("presence write failed", "channel", p.Channel, "error", err)
	}

	if ns.JoinLeave {
		c.sendJoinLeave(project.ID, p.Channel, proto.MethodJoin)
	}

	resp.Body = true
	return resp, nil
}

func (c *Client) handleUnsubscribe(resp *proto.Response, params json.RawMessage) (*proto.Response, error) {
	var p channelParams
	if err := json.Unmarshal(params, &p); err != nil {
		resp.Err(ErrInvalidConnectionParams)
		return resp, errTerminate
	}
	if errStr := c.node.validChannel(p.Channel); errStr != "" {
		resp.Err(errStr)
		return resp, nil
	}
	c.Unsubscribe(p.Channel)
	resp.Body = true
	return resp, nil
}

type publishParams struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) handlePublish(resp *proto.Response, params json.RawMessage) (*proto.Response, error) {
	var p publishParams
	if err := json.Unmarshal(params, &p); err != nil {
		resp.Err(ErrInvalidConnectionParams)
		return resp, errTerminate
	}
	if errStr := c.node.validChannel(p.Channel); errStr != "" {
		resp.Err(errStr)
		return resp, nil
	}
	if !c.subscribed(p.Channel) {
		resp.Err(ErrPermissionDenied)
		return resp, nil
	}

	project, err := c.getProject()
	if err != nil {
		resp.Err(ErrProjectNotFound)
		return resp, nil
	}
	ns, err := c.node.namespaceForChannel(project.ID, p.Channel)
	if err != nil {
		resp.Err(ErrNamespaceNotFound)
		return resp, nil
	}
	if !ns.Publish && !c.node.config.Insecure {
		resp.Err(ErrPermissionDenied)
		return resp, nil
	}

	if err := c.node.publishMessage(project, ns, p.Channel, p.Data, c.info(p.Channel)); err != nil {
		resp.Err(ErrInternalServerError)
		return resp, nil
	}
	resp.Body = true
	return resp, nil
}

func (c *Client) handlePresence(resp *proto.Response, params json.RawMessage) (*proto.Response, error) {
	var p channelParams
	if err := json.Unmarshal(params, &p); err != nil {
		resp.Err(ErrInvalidConnectionParams)
		return resp, errTerminate
	}
	if !c.subscribed(p.Channel) {
		resp.Err(ErrPermissionDenied)
		return resp, nil
	}
	project, err := c.getProject()
	if err != nil {
		resp.Err(ErrProjectNotFound)
		return resp, nil
	}
	presence, errStr := c.node.Presence(project, p.Channel)
	if errStr != "" {
		resp.Err(errStr)
		return resp, nil
	}
	resp.Body = presence
	return resp, nil
}

func (c *Client) handleHistory(resp *proto.Response, params json.RawMessage) (*proto.Response, error) {
	var p channelParams
	if err := json.Unmarshal(params, &p); err != nil {
		resp.Err(ErrInvalidConnectionParams)
		return resp, errTerminate
	}
	if !c.subscribed(p.Channel) {
		resp.Err(ErrPermissionDenied)
		return resp, nil
	}
	project, err := c.getProject()
	if err != nil {
		resp.Err(ErrProjectNotFound)
		return resp, nil
	}
	history, errStr := c.node.History(project, p.Channel)
	if errStr != "" {
		resp.Err(errStr)
		return resp, nil
	}
	resp.Body = history
	return resp, nil
}

// authorize runs the private channel back-off loop against the
// namespace auth endpoint. An explicit denial returns at once, a
// transport failure advances the shared attempt counter and retries.
func (c *Client) authorize(project *structure.Project, ns *structure.Namespace, channel string) (json.RawMessage, string) {
	address := ns.AuthAddress
	if address == "" {
		return nil, ErrNoAuthAddress
	}
	maxAttempts := project.AuthAttempts()
	interval := project.AuthBackOffInterval()
	maxTimeout := project.AuthBackOffMaxTimeout()

	for {
		attempts := c.node.authAttempts(project.ID)
		if attempts >= maxAttempts {
			return nil, ErrInternalServerError
		}

		delay := interval * rand.Intn(1<<uint(attempts))
		if delay > maxTimeout {
			delay = maxTimeout
		}
		time.Sleep(time.Duration(delay) * time.Millisecond)

		resp, err := c.node.authClient.PostForm(address, url.Values{
			"user":    {c.user},
			"channel": {channel},
		})
		if err != nil {
			c.node.incAuthAttempts(project.ID)
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, ErrPermissionDenied
		}
		c.node.resetAuthAttempts(project.ID)

		if readErr != nil || len(body) == 0 {
			return nil, ""
		}
		var parsed struct {
			Info json.RawMessage `json:"info"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, ""
		}
		return parsed.Info, ""
	}
}

// Unsubscribe removes the session from a channel, or from every
// channel when empty. Used by the client protocol and by control
// messages from peer nodes.
func (c *Client) Unsubscribe(channel string) {
	c.mu.Lock()
	var channels []string
	if channel == "" {
		for ch := range c.channels {
			channels = append(channels, ch)
		}
	} else if _, ok := c.channels[channel]; ok {
		channels = []string{channel}
	}
	project := c.project
	c.mu.Unlock()

	for _, ch := range channels {
		c.leaveChannel(project, ch)
	}
}

func (c *Client) leaveChannel(project, channel string) {
	ns, err := c.node.namespaceForChannel(project, channel)
	if err == nil && ns.JoinLeave {
		c.sendJoinLeave(project, channel, proto.MethodLeave)
	}

	if err := c.node.engine.RemoveSubscription(project, channel, c); err != nil {
		c.node.logger.Error("unsubscribe failed", "channel", channel, "error", err)
	}
	if err := c.node.engine.RemovePresence(project, channel, c.uid); err != nil {
		c.node.logger.Error("presence remove failed", "channel", channel, "error", err)
	}

	c.mu.Lock()
	delete(c.channels, channel)
	delete(c.channelInfo, channel)
	c.mu.Unlock()
}

// Disconnect pushes a disconnect frame with a reason and closes the
// session.
func (c *Client) Disconnect(reason string) {
	frame, err := json.Marshal(map[string]interface{}{
		"method": proto.MethodDisconnect,
		"body":   map[string]string{"reason": reason},
	})
	if err == nil {
		_ = c.Send(frame)
	}
	_ = c.Close()
}

// Close tears the session down: engine subscriptions and presence are
// removed, the heartbeat stops and the transport closes. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	authenticated := c.authenticated
	var channels []string
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	project := c.project
	close(c.stopCh)
	c.mu.Unlock()

	for _, ch := range channels {
		c.leaveChannel(project, ch)
	}
	if authenticated {
		c.node.removeClient(c)
	}
	return c.transport.Close()
}

// presenceHeartbeat refreshes presence for every subscribed channel so
// entries outlive the expiration interval while the session is alive.
func (c *Client) presenceHeartbeat() {
	ticker := time.NewTicker(c.node.config.PresencePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			project := c.project
			channels := make([]string, 0, len(c.channels))
			for ch := range c.channels {
				channels = append(channels, ch)
			}
			c.mu.Unlock()
			for _, ch := range channels {
				if err := c.addPresence(project, ch); err != nil {
					c.node.logger.Debug("presence refresh failed", "channel", ch, "error", err)
				}
			}
		}
	}
}

func (c *Client) addPresence(project, channel string) error {
	raw, err := json.Marshal(c.info(channel))
	if err != nil {
		return err
	}
	return c.node.engine.AddPresence(project, channel, c.uid, raw)
}

func (c *Client) sendJoinLeave(project, channel, method string) {
	body := map[string]interface{}{
		"channel": channel,
		"data":    c.info(channel),
	}
	if err := c.node.engine.PublishMessage(c.node.subKey(project, channel), body, method); err != nil {
		c.node.logger.Debug("join/leave publish failed", "channel", channel, "error", err)
	}
}

// info builds the client info attached to presence entries, join/leave
// events and published messages.
func (c *Client) info(channel string) *ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &ClientInfo{
		User:        c.user,
		Client:      c.uid,
		DefaultInfo: c.defaultInfo,
		ChannelInfo: c.channelInfo[channel],
	}
}

func (c *Client) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

func (c *Client) getProject() (*structure.Project, error) {
	c.mu.Lock()
	project := c.project
	c.mu.Unlock()
	return c.node.structure.ProjectByID(project)
}

func (c *Client) examined() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.examinedAt
}

func (c *Client) setExamined(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.examinedAt = ts
}

// releaseExpired delivers the admission verdict to a session parked in
// the expired reconnection queue. Non-blocking, one slot.
func (c *Client) releaseExpired(active bool) {
	select {
	case c.expireCh <- active:
	default:
	}
}

// rawOrString turns an opaque info string into a JSON value: valid
// JSON passes through, anything else becomes a JSON string.
func rawOrString(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}
