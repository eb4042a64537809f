package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/c360/centrifuge/auth"
	"github.com/c360/centrifuge/node"
	"github.com/c360/centrifuge/proto"
	"github.com/c360/centrifuge/structure"
)

// Handler serves POST /api/{project_id}. Requests carry a signature
// over the raw command payload: either form fields "sign" and "data",
// or a JSON body with the signature in the X-API-Sign header. The
// owner project id unlocks the management methods and is signed with
// the node API secret instead of a project key.
type Handler struct {
	node   *node.Node
	logger *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(n *node.Node, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		node:   n,
		logger: logger.With("component", "api"),
	}
}

// Register mounts the handler on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/{project_id}", h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")

	sign, data, ok := h.extract(r)
	if !ok {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	owner := projectID == h.node.Config().OwnerAPIProjectID
	var project *structure.Project
	var secret string
	if owner {
		secret = h.node.Config().APISecret
		if secret == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	} else {
		p, err := h.node.Structure().ProjectByID(projectID)
		if err != nil {
			http.Error(w, "project not found", http.StatusNotFound)
			return
		}
		project = p
		secret = p.SecretKey
	}

	if !auth.CheckApiSign(sign, secret, projectID, data) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var cmds []proto.ClientCommand
	multi := trimmed[0] == '['
	if multi {
		if err := json.Unmarshal([]byte(trimmed), &cmds); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
	} else {
		var cmd proto.ClientCommand
		if err := json.Unmarshal([]byte(trimmed), &cmd); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		cmds = []proto.ClientCommand{cmd}
	}
	if len(cmds) > h.node.Config().AdminAPIMessageLimit {
		http.Error(w, "limit exceeded", http.StatusBadRequest)
		return
	}

	var responses proto.MultiResponse
	for _, cmd := range cmds {
		responses.Add(h.node.APICommand(project, cmd))
	}

	var frame []byte
	var err error
	if multi {
		frame, err = responses.Marshal()
	} else {
		frame, err = responses.First().Marshal()
	}
	if err != nil {
		h.logger.Error("response encode failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(frame)
}

// extract pulls the signature and the raw command payload out of the
// request. The signature must cover data byte for byte, so data is
// never re-encoded here.
func (h *Handler) extract(r *http.Request) (sign string, data []byte, ok bool) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return "", nil, false
		}
		sign = r.Header.Get("X-API-Sign")
		if sign == "" || len(body) == 0 {
			return "", nil, false
		}
		return sign, body, true
	}

	if err := r.ParseForm(); err != nil {
		return "", nil, false
	}
	sign = r.PostFormValue("sign")
	raw := r.PostFormValue("data")
	if sign == "" || raw == "" {
		return "", nil, false
	}
	return sign, []byte(raw), true
}
