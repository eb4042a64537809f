package gateway

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/centrifuge/node"
)

// Transport labels used for metrics.
const (
	clientTransportName = "ws"
	adminTransportName  = "admin-ws"
)

// Handler serves the WebSocket endpoints.
type Handler struct {
	node     *node.Node
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the gateway handler.
func NewHandler(n *node.Node, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		node:   n,
		logger: logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Cross-origin connects are expected, the token carries
			// the actual authentication.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/connection/websocket", h.handleClient)
	mux.HandleFunc("/socket", h.handleAdmin)
}

// wsTransport adapts a gorilla connection to the session transport.
// Writes are serialized, close is idempotent.
type wsTransport struct {
	conn *websocket.Conn
	name string

	mu     sync.Mutex
	closed bool
}

func (t *wsTransport) Name() string { return t.name }

func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

func (h *Handler) handleClient(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("client upgrade failed", "error", err)
		return
	}

	transport := &wsTransport{conn: conn, name: clientTransportName}
	client := node.NewClient(h.node, transport)
	defer client.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := client.Message(data); err != nil {
			return
		}
	}
}

// adminSession is a registered admin channel listener.
type adminSession struct {
	uid       string
	transport *wsTransport
}

func (s *adminSession) UID() string            { return s.uid }
func (s *adminSession) Send(data []byte) error { return s.transport.Send(data) }

func (h *Handler) handleAdmin(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("admin upgrade failed", "error", err)
		return
	}

	transport := &wsTransport{conn: conn, name: adminTransportName}
	session := &adminSession{
		uid:       strings.ReplaceAll(uuid.NewString(), "-", ""),
		transport: transport,
	}
	h.node.AddAdminConnection(session)
	defer func() {
		h.node.RemoveAdminConnection(session.uid)
		_ = transport.Close()
	}()

	// Inbound admin frames carry no commands yet, drain until close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
