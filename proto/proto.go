package proto

import "encoding/json"

// Client method names.
const (
	MethodConnect     = "connect"
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
	MethodPublish     = "publish"
	MethodPresence    = "presence"
	MethodHistory     = "history"
	MethodPing        = "ping"

	// Methods pushed asynchronously by the server.
	MethodMessage    = "message"
	MethodJoin       = "join"
	MethodLeave      = "leave"
	MethodDisconnect = "disconnect"
)

// ClientCommand is a single request object from a client frame.
type ClientCommand struct {
	UID    string          `json:"uid,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response is a single response object. Body and Error are mutually
// exclusive in practice but both always appear on the wire so clients
// can match on either without probing for key presence.
type Response struct {
	UID    string      `json:"uid,omitempty"`
	Method string      `json:"method"`
	Error  *string     `json:"error"`
	Body   interface{} `json:"body"`
}

// NewResponse creates a response for the given method.
func NewResponse(method string) *Response {
	return &Response{Method: method}
}

// Err sets the response error string.
func (r *Response) Err(e string) *Response {
	r.Error = &e
	return r
}

// Marshal encodes the response as one JSON frame.
func (r *Response) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// MultiResponse accumulates responses for a batched client frame.
type MultiResponse struct {
	responses []*Response
}

// Add appends a response preserving request order.
func (m *MultiResponse) Add(r *Response) {
	m.responses = append(m.responses, r)
}

// Len returns the number of accumulated responses.
func (m *MultiResponse) Len() int {
	return len(m.responses)
}

// First returns the first accumulated response, nil when empty. Used
// when a single-object request mirrors back a single-object response.
func (m *MultiResponse) First() *Response {
	if len(m.responses) == 0 {
		return nil
	}
	return m.responses[0]
}

// Marshal encodes the accumulated responses as one JSON array frame.
func (m *MultiResponse) Marshal() ([]byte, error) {
	if m.responses == nil {
		return json.Marshal([]*Response{})
	}
	return json.Marshal(m.responses)
}
