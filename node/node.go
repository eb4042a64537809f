package node

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/centrifuge/engine"
	"github.com/c360/centrifuge/metrics"
	"github.com/c360/centrifuge/structure"
)

// Timeouts for backend HTTP calls.
const (
	authRequestTimeout  = time.Second
	checkRequestTimeout = 5 * time.Second
)

// Control channel methods.
const (
	controlPing            = "ping"
	controlUnsubscribe     = "unsubscribe"
	controlDisconnect      = "disconnect"
	controlUpdateStructure = "update_structure"
)

// NodeInfo is the gossip payload published on the control channel and
// kept per known peer.
type NodeInfo struct {
	UID      string `json:"uid"`
	Name     string `json:"name"`
	Clients  int    `json:"clients"`
	Unique   int    `json:"unique"`
	Channels int    `json:"channels"`
	Started  int64  `json:"started"`

	updatedAt time.Time
}

type unsubscribeParams struct {
	Project string `json:"project"`
	User    string `json:"user"`
	Channel string `json:"channel,omitempty"`
}

type disconnectParams struct {
	Project string `json:"project"`
	User    string `json:"user"`
	Reason  string `json:"reason,omitempty"`
}

// Node is the process-wide broker runtime. It owns the registries of
// client and admin connections, dispatches control messages, runs the
// periodic pipelines and exposes the server-side channel operations.
type Node struct {
	config       Config
	engineConfig engine.Config
	logger       *slog.Logger

	uid     string
	started int64

	engine    engine.Engine
	structure *structure.Structure

	collector   *metrics.Collector
	nodeMetrics *metrics.NodeMetrics
	exporter    *metrics.Exporter

	authClient  *http.Client
	checkClient *http.Client

	mu sync.RWMutex
	// connections[project][user][session uid]
	connections          map[string]map[string]map[string]*Client
	adminConnections     map[string]engine.Session
	nodes                map[string]NodeInfo
	backOff              map[string]int
	expiredConnections   map[string]map[string]struct{}
	expiredReconnections map[string][]*Client

	shutdownCh chan struct{}
	shutdownMu sync.Mutex
	stopped    bool
}

// New creates a Node. SetEngine must be called before Run.
func New(config Config, engineConfig engine.Config, st *structure.Structure, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	name := config.Name
	if name == "" {
		name = "centrifuge"
	}
	config.Name = name
	return &Node{
		config:               config,
		engineConfig:         engineConfig,
		logger:               logger.With("component", "node"),
		uid:                  strings.ReplaceAll(uuid.NewString(), "-", ""),
		started:              time.Now().Unix(),
		structure:            st,
		collector:            metrics.NewCollector(),
		nodeMetrics:          metrics.NewNodeMetrics(),
		authClient:           &http.Client{Timeout: authRequestTimeout},
		checkClient:          &http.Client{Timeout: checkRequestTimeout},
		connections:          make(map[string]map[string]map[string]*Client),
		adminConnections:     make(map[string]engine.Session),
		nodes:                make(map[string]NodeInfo),
		backOff:              make(map[string]int),
		expiredConnections:   make(map[string]map[string]struct{}),
		expiredReconnections: make(map[string][]*Client),
		shutdownCh:           make(chan struct{}),
	}
}

// SetEngine wires the engine. Done after construction because the
// engine needs the node as its control handler and admin broadcaster.
func (n *Node) SetEngine(e engine.Engine) {
	n.engine = e
}

// SetExporter wires an optional UDP metrics sink.
func (n *Node) SetExporter(e *metrics.Exporter) {
	n.exporter = e
}

// UID returns this node's unique id.
func (n *Node) UID() string { return n.uid }

// Config returns the node configuration.
func (n *Node) Config() Config { return n.config }

// Structure returns the configuration snapshot cache.
func (n *Node) Structure() *structure.Structure { return n.structure }

// Metrics returns the Prometheus metrics of this node.
func (n *Node) Metrics() *metrics.NodeMetrics { return n.nodeMetrics }

// Run starts the engine and the periodic pipelines.
func (n *Node) Run() error {
	if n.engine == nil {
		return fmt.Errorf("node: engine not set")
	}
	if err := n.structure.Update(); err != nil {
		return err
	}
	if err := n.engine.Run(); err != nil {
		return err
	}
	n.logger.Info("node started", "uid", n.uid, "name", n.config.Name, "engine", n.engine.Name())

	go n.periodic(n.config.PingInterval, n.sendPing)
	go n.periodic(n.config.PingReviewInterval, n.reviewPing)
	go n.periodic(n.config.ConnectionExpireCollectInterval, n.collectExpiredConnections)
	go n.periodic(n.config.ConnectionExpireCheckInterval, n.checkExpiredConnections)
	go n.periodic(n.config.MetricsExportInterval, n.flushMetrics)
	go n.periodic(n.config.StructureUpdateInterval, n.updateStructure)
	return nil
}

// Shutdown stops the pipelines, closes all sessions and shuts the
// engine down.
func (n *Node) Shutdown() error {
	n.shutdownMu.Lock()
	if n.stopped {
		n.shutdownMu.Unlock()
		return nil
	}
	close(n.shutdownCh)
	n.stopped = true
	n.shutdownMu.Unlock()

	for _, c := range n.clients() {
		c.Close()
	}
	return n.engine.Shutdown()
}

func (n *Node) periodic(interval time.Duration, task func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-n.shutdownCh:
			return
		case <-ticker.C:
			task()
		}
	}
}

// ---- registries ----

func (n *Node) addClient(c *Client) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.connections[c.project] == nil {
		n.connections[c.project] = make(map[string]map[string]*Client)
	}
	if n.connections[c.project][c.user] == nil {
		n.connections[c.project][c.user] = make(map[string]*Client)
	}
	n.connections[c.project][c.user][c.uid] = c
}

func (n *Node) removeClient(c *Client) {
	n.mu.Lock()
	defer n.mu.Unlock()
	users, ok := n.connections[c.project]
	if !ok {
		return
	}
	if sessions, ok := users[c.user]; ok {
		delete(sessions, c.uid)
		if len(sessions) == 0 {
			delete(users, c.user)
		}
	}
	if len(users) == 0 {
		delete(n.connections, c.project)
	}
}

// clients returns a flat snapshot of all registered sessions.
func (n *Node) clients() []*Client {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []*Client
	for _, users := range n.connections {
		for _, sessions := range users {
			for _, c := range sessions {
				out = append(out, c)
			}
		}
	}
	return out
}

func (n *Node) userClients(project, user string) []*Client {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []*Client
	for _, c := range n.connections[project][user] {
		out = append(out, c)
	}
	return out
}

// clientCount returns total and unique connected users.
func (n *Node) clientCount() (clients, unique int) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, users := range n.connections {
		unique += len(users)
		for _, sessions := range users {
			clients += len(sessions)
		}
	}
	return clients, unique
}

// AddAdminConnection registers an administrative session.
func (n *Node) AddAdminConnection(s engine.Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.adminConnections[s.UID()] = s
}

// AdminConnections returns the number of registered admin sessions.
func (n *Node) AdminConnections() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.adminConnections)
}

// RemoveAdminConnection removes an administrative session.
func (n *Node) RemoveAdminConnection(uid string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.adminConnections, uid)
}

// BroadcastAdmin sends data to every local admin session. Sessions
// whose send fails are skipped, the transport layer tears them down.
func (n *Node) BroadcastAdmin(data []byte) error {
	n.mu.RLock()
	sessions := make([]engine.Session, 0, len(n.adminConnections))
	for _, s := range n.adminConnections {
		sessions = append(sessions, s)
	}
	n.mu.RUnlock()

	for _, s := range sessions {
		if err := s.Send(data); err != nil {
			n.logger.Debug("admin send failed", "uid", s.UID(), "error", err)
		}
	}
	return nil
}

// ---- control channel ----

// HandleControl dispatches a control message arriving from the engine.
// The node's own echo is dropped by app id.
func (n *Node) HandleControl(msg *engine.ControlMessage) error {
	if msg.AppID == n.uid {
		return nil
	}
	switch msg.Method {
	case controlPing:
		var info NodeInfo
		if err := json.Unmarshal(msg.Params, &info); err != nil {
			return fmt.Errorf("control ping params: %w", err)
		}
		n.updateNodeInfo(info)
		return nil
	case controlUnsubscribe:
		var params unsubscribeParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return fmt.Errorf("control unsubscribe params: %w", err)
		}
		return n.unsubscribeUser(params.Project, params.User, params.Channel)
	case controlDisconnect:
		var params disconnectParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return fmt.Errorf("control disconnect params: %w", err)
		}
		return n.disconnectUser(params.Project, params.User, params.Reason)
	case controlUpdateStructure:
		return n.structure.Update()
	default:
		return fmt.Errorf("unknown control method %q", msg.Method)
	}
}

func (n *Node) updateNodeInfo(info NodeInfo) {
	info.updatedAt = time.Now()
	n.mu.Lock()
	n.nodes[info.UID] = info
	count := len(n.nodes)
	n.mu.Unlock()
	n.nodeMetrics.NodesKnown.Set(float64(count))
}

// KnownNodes returns the gossip table including this node.
func (n *Node) KnownNodes() []NodeInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]NodeInfo, 0, len(n.nodes))
	for _, info := range n.nodes {
		out = append(out, info)
	}
	return out
}

func (n *Node) publishControl(method string, params interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal control params: %w", err)
	}
	return n.engine.PublishControlMessage(&engine.ControlMessage{
		AppID:  n.uid,
		Method: method,
		Params: raw,
	})
}

func (n *Node) sendPing() {
	clients, unique := n.clientCount()
	info := NodeInfo{
		UID:      n.uid,
		Name:     n.config.Name,
		Clients:  clients,
		Unique:   unique,
		Channels: n.engine.Channels(),
		Started:  n.started,
	}
	n.updateNodeInfo(info)
	if err := n.publishControl(controlPing, info); err != nil {
		n.logger.Error("gossip ping failed", "error", err)
	}
}

func (n *Node) reviewPing() {
	deadline := time.Now().Add(-n.config.PingMaxDelay)
	n.mu.Lock()
	for uid, info := range n.nodes {
		if uid == n.uid {
			continue
		}
		if info.updatedAt.Before(deadline) {
			delete(n.nodes, uid)
		}
	}
	count := len(n.nodes)
	n.mu.Unlock()
	n.nodeMetrics.NodesKnown.Set(float64(count))
}

func (n *Node) updateStructure() {
	if err := n.structure.Update(); err != nil {
		n.logger.Error("structure refresh failed", "error", err)
	}
}

// ---- back-off counters ----

func (n *Node) authAttempts(projectID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.backOff[projectID]
}

func (n *Node) incAuthAttempts(projectID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.backOff[projectID]++
}

func (n *Node) resetAuthAttempts(projectID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.backOff, projectID)
}

// ---- channel operations ----

func (n *Node) subKey(projectID, channel string) string {
	return n.engineConfig.SubscriptionKey(projectID, channel)
}

// namespaceForChannel resolves the policy scope a channel belongs to.
func (n *Node) namespaceForChannel(projectID, channel string) (*structure.Namespace, error) {
	return n.structure.NamespaceByName(projectID, channelNamespaceName(channel))
}

// validChannel checks the channel grammar limits shared by client and
// API paths. Returns one of the stable error literals, empty when ok.
func (n *Node) validChannel(channel string) string {
	if channel == "" {
		return ErrChannelRequired
	}
	if len(channel) > n.config.MaxChannelLength {
		return ErrMaxChannelLength
	}
	return ""
}

// publishMessage fans a message out on a channel, appends it to history
// when the namespace keeps one and mirrors it to the admin channel for
// watched namespaces. Permission checks belong to the callers.
func (n *Node) publishMessage(p *structure.Project, ns *structure.Namespace, channel string, data json.RawMessage, info *ClientInfo) error {
	msg := newMessage(channel, data, info)

	if ns.History && ns.HistorySize > 0 {
		raw, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal history message: %w", err)
		}
		lifetime := time.Duration(ns.HistoryLifetime) * time.Second
		if err := n.engine.AddHistoryMessage(p.ID, channel, raw, ns.HistorySize, lifetime); err != nil {
			n.logger.Error("history append failed", "channel", channel, "error", err)
		}
	}

	if ns.IsWatching {
		adminMsg, err := json.Marshal(map[string]interface{}{
			"method": "message",
			"body": map[string]interface{}{
				"project": p.ID,
				"message": msg,
			},
		})
		if err == nil {
			if err := n.engine.PublishAdminMessage(adminMsg); err != nil {
				n.logger.Error("admin mirror failed", "channel", channel, "error", err)
			}
		}
	}

	timer := n.collector.GetTimer("broadcast")
	err := n.engine.PublishMessage(n.subKey(p.ID, channel), msg, engine.MethodMessage)
	elapsed := timer.Stop()
	n.nodeMetrics.BroadcastDuration.Observe(elapsed / 1000)
	if err != nil {
		return err
	}

	n.collector.Increment("messages")
	n.nodeMetrics.MessagesTotal.Inc()
	return nil
}

// Publish verifies the channel and namespace and publishes data on
// behalf of an API caller or a client session.
func (n *Node) Publish(p *structure.Project, channel string, data json.RawMessage, info *ClientInfo) string {
	if errStr := n.validChannel(channel); errStr != "" {
		return errStr
	}
	ns, err := n.namespaceForChannel(p.ID, channel)
	if err != nil {
		return ErrNamespaceNotFound
	}
	if err := n.publishMessage(p, ns, channel, data, info); err != nil {
		return ErrInternalServerError
	}
	return ""
}

// Presence returns the presence map of a channel, or an error literal.
func (n *Node) Presence(p *structure.Project, channel string) (map[string]json.RawMessage, string) {
	if errStr := n.validChannel(channel); errStr != "" {
		return nil, errStr
	}
	ns, err := n.namespaceForChannel(p.ID, channel)
	if err != nil {
		return nil, ErrNamespaceNotFound
	}
	if !ns.Presence {
		return nil, ErrNotAvailable
	}
	presence, err := n.engine.Presence(p.ID, channel)
	if err != nil {
		return nil, ErrInternalServerError
	}
	return presence, ""
}

// History returns the recent messages of a channel, or an error literal.
func (n *Node) History(p *structure.Project, channel string) ([]json.RawMessage, string) {
	if errStr := n.validChannel(channel); errStr != "" {
		return nil, errStr
	}
	ns, err := n.namespaceForChannel(p.ID, channel)
	if err != nil {
		return nil, ErrNamespaceNotFound
	}
	if !ns.History {
		return nil, ErrNotAvailable
	}
	history, err := n.engine.History(p.ID, channel)
	if err != nil {
		return nil, ErrInternalServerError
	}
	return history, ""
}

// Unsubscribe removes a user from a channel (or all channels when
// empty) across the fleet: locally at once and via the control channel
// on peers.
func (n *Node) Unsubscribe(p *structure.Project, user, channel string) string {
	if user == "" {
		return ErrInvalidConnectionParams
	}
	if channel != "" {
		if errStr := n.validChannel(channel); errStr != "" {
			return errStr
		}
	}
	if err := n.unsubscribeUser(p.ID, user, channel); err != nil {
		return ErrInternalServerError
	}
	if err := n.publishControl(controlUnsubscribe, unsubscribeParams{Project: p.ID, User: user, Channel: channel}); err != nil {
		n.logger.Error("control unsubscribe publish failed", "error", err)
	}
	return ""
}

// Disconnect closes all of a user's sessions across the fleet.
func (n *Node) Disconnect(p *structure.Project, user, reason string) string {
	if user == "" {
		return ErrInvalidConnectionParams
	}
	if reason == "" {
		reason = "default"
	}
	if err := n.disconnectUser(p.ID, user, reason); err != nil {
		return ErrInternalServerError
	}
	if err := n.publishControl(controlDisconnect, disconnectParams{Project: p.ID, User: user, Reason: reason}); err != nil {
		n.logger.Error("control disconnect publish failed", "error", err)
	}
	return ""
}

func (n *Node) unsubscribeUser(project, user, channel string) error {
	for _, c := range n.userClients(project, user) {
		c.Unsubscribe(channel)
	}
	return nil
}

func (n *Node) disconnectUser(project, user, reason string) error {
	if reason == "" {
		reason = "default"
	}
	for _, c := range n.userClients(project, user) {
		c.Disconnect(reason)
	}
	return nil
}

// ---- connection expiration pipeline ----

// collectExpiredConnections scans local sessions of projects with
// connection checks enabled and accumulates users whose credentials
// outlived the connection lifetime.
func (n *Node) collectExpiredConnections() {
	now := time.Now().Unix()
	for _, p := range n.structure.ProjectList() {
		if !p.ConnectionCheck || p.ConnectionLifetime <= 0 {
			continue
		}
		var expired []string
		for _, c := range n.projectClients(p.ID) {
			if c.examined()+int64(p.ConnectionLifetime) < now {
				expired = append(expired, c.user)
			}
		}
		if len(expired) == 0 {
			continue
		}
		n.mu.Lock()
		if n.expiredConnections[p.ID] == nil {
			n.expiredConnections[p.ID] = make(map[string]struct{})
		}
		for _, user := range expired {
			n.expiredConnections[p.ID][user] = struct{}{}
		}
		n.mu.Unlock()
	}
}

func (n *Node) projectClients(project string) []*Client {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []*Client
	for _, sessions := range n.connections[project] {
		for _, c := range sessions {
			out = append(out, c)
		}
	}
	return out
}

// checkExpiredConnections asks each project's backend which collected
// users remain active, disconnects the rest and releases sessions
// waiting for an admission verdict.
func (n *Node) checkExpiredConnections() {
	n.mu.Lock()
	collected := n.expiredConnections
	queued := n.expiredReconnections
	n.expiredConnections = make(map[string]map[string]struct{})
	n.expiredReconnections = make(map[string][]*Client)
	n.mu.Unlock()

	projects := make(map[string]struct{})
	for id := range collected {
		projects[id] = struct{}{}
	}
	for id := range queued {
		projects[id] = struct{}{}
	}

	for projectID := range projects {
		p, err := n.structure.ProjectByID(projectID)
		if err != nil || !p.ConnectionCheck || p.ConnectionCheckAddress == "" {
			for _, c := range queued[projectID] {
				c.releaseExpired(false)
			}
			continue
		}

		userSet := make(map[string]struct{})
		for user := range collected[projectID] {
			userSet[user] = struct{}{}
		}
		for _, c := range queued[projectID] {
			userSet[c.user] = struct{}{}
		}
		users := make([]string, 0, len(userSet))
		for user := range userSet {
			users = append(users, user)
		}

		active, err := n.checkUsers(p, users)
		if err != nil {
			// Leave everything for the next cycle.
			n.logger.Error("connection check failed", "project", projectID, "error", err)
			n.requeueExpired(projectID, collected[projectID], queued[projectID])
			continue
		}
		activeSet := make(map[string]struct{}, len(active))
		for _, user := range active {
			activeSet[user] = struct{}{}
		}

		now := time.Now().Unix()
		for user := range collected[projectID] {
			for _, c := range n.userClients(projectID, user) {
				if _, ok := activeSet[user]; ok {
					c.setExamined(now)
				} else {
					c.Disconnect("deactivated")
				}
			}
		}
		for _, c := range queued[projectID] {
			_, ok := activeSet[c.user]
			if ok {
				c.setExamined(now)
			}
			c.releaseExpired(ok)
		}
	}
}

func (n *Node) requeueExpired(projectID string, users map[string]struct{}, sessions []*Client) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(users) > 0 {
		if n.expiredConnections[projectID] == nil {
			n.expiredConnections[projectID] = make(map[string]struct{})
		}
		for user := range users {
			n.expiredConnections[projectID][user] = struct{}{}
		}
	}
	n.expiredReconnections[projectID] = append(n.expiredReconnections[projectID], sessions...)
}

// queueExpiredReconnection parks a session until the next check cycle
// decides whether its user is still active.
func (n *Node) queueExpiredReconnection(c *Client) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expiredReconnections[c.project] = append(n.expiredReconnections[c.project], c)
}

// checkUsers posts the user list to the project's connection check
// endpoint and returns the subset the backend reports as active.
func (n *Node) checkUsers(p *structure.Project, users []string) ([]string, error) {
	payload, err := json.Marshal(map[string][]string{"users": users})
	if err != nil {
		return nil, err
	}
	resp, err := n.checkClient.Post(p.ConnectionCheckAddress, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("connection check request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("connection check status %d", resp.StatusCode)
	}
	var body struct {
		Users []string `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("connection check decode: %w", err)
	}
	if body.Users == nil {
		body.Users = []string{}
	}
	return body.Users, nil
}

// ---- metrics ----

// flushMetrics drains the collector and ships the snapshot to the log,
// the admin channel, Prometheus gauges and the optional UDP sink.
func (n *Node) flushMetrics() {
	clients, unique := n.clientCount()
	channels := n.engine.Channels()
	n.collector.Gauge("clients", int64(clients))
	n.collector.Gauge("unique_clients", int64(unique))
	n.collector.Gauge("channels", int64(channels))

	n.nodeMetrics.ClientsConnected.Set(float64(clients))
	n.nodeMetrics.UniqueClients.Set(float64(unique))
	n.nodeMetrics.ChannelsActive.Set(float64(channels))

	values := n.collector.Get()
	n.logger.Debug("metrics flush", "values", values)

	if payload, err := json.Marshal(map[string]interface{}{
		"method": "metrics",
		"body":   values,
	}); err == nil {
		if err := n.engine.PublishAdminMessage(payload); err != nil {
			n.logger.Debug("metrics admin publish failed", "error", err)
		}
	}

	if n.exporter != nil {
		if err := n.exporter.Export(values); err != nil {
			n.logger.Error("metrics export failed", "error", err)
		}
	}
}
