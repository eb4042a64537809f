package node

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/centrifuge/auth"
	"github.com/c360/centrifuge/engine"
	"github.com/c360/centrifuge/structure"
)

func TestConnectSuccessReturnsSessionUID(t *testing.T) {
	n := newTestNode(t, testProjects())
	transport := &fakeTransport{}
	c := connectClient(t, n, transport, "alice")

	resp := transport.lastResponse(t)
	var uid string
	require.NoError(t, json.Unmarshal(resp["body"], &uid))
	assert.Equal(t, c.UID(), uid)
	assert.True(t, c.isAuthenticated())
}

func TestConnectInvalidToken(t *testing.T) {
	n := newTestNode(t, testProjects())
	transport := &fakeTransport{}
	c := NewClient(n, transport)

	frame := `{"method":"connect","params":{"token":"bad","user":"alice","project":"p1","timestamp":"1700000000"}}`
	require.NoError(t, c.Message([]byte(frame)))

	resp := transport.lastResponse(t)
	assert.Equal(t, ErrInvalidToken, respError(t, resp))
	assert.True(t, transport.isClosed())
}

func TestConnectInvalidTimestamp(t *testing.T) {
	n := newTestNode(t, testProjects())
	transport := &fakeTransport{}
	c := NewClient(n, transport)

	token := auth.GenerateClientToken("secret", "p1", "alice", "soon", "")
	frame := `{"method":"connect","params":{"token":"` + token + `","user":"alice","project":"p1","timestamp":"soon"}}`
	require.NoError(t, c.Message([]byte(frame)))

	assert.Equal(t, ErrInvalidTimestamp, respError(t, transport.lastResponse(t)))
}

func TestConnectUnknownProject(t *testing.T) {
	n := newTestNode(t, testProjects())
	transport := &fakeTransport{}
	c := NewClient(n, transport)

	frame := `{"method":"connect","params":{"token":"x","user":"alice","project":"nope","timestamp":"1700000000"}}`
	require.NoError(t, c.Message([]byte(frame)))

	assert.Equal(t, ErrProjectNotFound, respError(t, transport.lastResponse(t)))
}

func TestInsecureConnectSkipsToken(t *testing.T) {
	config := DefaultConfig()
	config.Insecure = true
	n := newTestNode(t, testProjects())
	n.config = config

	transport := &fakeTransport{}
	c := NewClient(n, transport)
	frame := `{"method":"connect","params":{"user":"alice","project":"p1"}}`
	require.NoError(t, c.Message([]byte(frame)))

	assert.Empty(t, respError(t, transport.lastResponse(t)))
	assert.True(t, c.isAuthenticated())
}

func TestMethodsRequireConnect(t *testing.T) {
	n := newTestNode(t, testProjects())
	transport := &fakeTransport{}
	c := NewClient(n, transport)

	require.NoError(t, c.Message([]byte(`{"method":"publish","params":{"channel":"news:world","data":{}}}`)))
	assert.Equal(t, ErrUnauthorized, respError(t, transport.lastResponse(t)))
	assert.True(t, transport.isClosed())
}

func TestPingPong(t *testing.T) {
	n := newTestNode(t, testProjects())
	transport := &fakeTransport{}
	c := connectClient(t, n, transport, "alice")

	require.NoError(t, c.Message([]byte(`{"method":"ping","params":{}}`)))
	resp := transport.lastResponse(t)
	assert.JSONEq(t, `"pong"`, string(resp["body"]))
}

func TestSubscribeAndPublishDeliversMessage(t *testing.T) {
	n := newTestNode(t, testProjects())
	transport := &fakeTransport{}
	c := connectClient(t, n, transport, "alice")

	require.NoError(t, c.Message([]byte(`{"method":"subscribe","params":{"channel":"news:world"}}`)))
	require.Empty(t, respError(t, transport.lastResponse(t)))

	before := len(transport.received())
	require.NoError(t, c.Message([]byte(`{"method":"publish","params":{"channel":"news:world","data":{"m":1}}}`)))

	// Expect the join already happened at subscribe; now one async
	// message frame plus the publish response arrived.
	frames := transport.received()[before:]
	require.Len(t, frames, 2)

	var push struct {
		Method string `json:"method"`
		Body   struct {
			Channel string          `json:"channel"`
			Data    json.RawMessage `json:"data"`
		} `json:"body"`
	}
	require.NoError(t, json.Unmarshal(frames[0], &push))
	assert.Equal(t, "message", push.Method)
	assert.Equal(t, "news:world", push.Body.Channel)
	assert.JSONEq(t, `{"m":1}`, string(push.Body.Data))
}

func TestSubscribeEmitsJoin(t *testing.T) {
	n := newTestNode(t, testProjects())
	transport := &fakeTransport{}
	c := connectClient(t, n, transport, "alice")

	require.NoError(t, c.Message([]byte(`{"method":"subscribe","params":{"channel":"news:world"}}`)))

	var sawJoin bool
	for _, frame := range transport.received() {
		var push struct {
			Method string `json:"method"`
		}
		if json.Unmarshal(frame, &push) == nil && push.Method == "join" {
			sawJoin = true
		}
	}
	assert.True(t, sawJoin)
}

func TestSubscribeAllowList(t *testing.T) {
	n := newTestNode(t, testProjects())

	aliceTransport := &fakeTransport{}
	alice := connectClient(t, n, aliceTransport, "alice")
	require.NoError(t, alice.Message([]byte(`{"method":"subscribe","params":{"channel":"room#bob,carol"}}`)))
	assert.Equal(t, ErrPermissionDenied, respError(t, aliceTransport.lastResponse(t)))

	bobTransport := &fakeTransport{}
	bob := connectClient(t, n, bobTransport, "bob")
	require.NoError(t, bob.Message([]byte(`{"method":"subscribe","params":{"channel":"room#bob,carol"}}`)))
	assert.Empty(t, respError(t, bobTransport.lastResponse(t)))
}

func TestSubscribeAnonymousDenied(t *testing.T) {
	n := newTestNode(t, testProjects())
	transport := &fakeTransport{}
	c := connectClient(t, n, transport, "")

	require.NoError(t, c.Message([]byte(`{"method":"subscribe","params":{"channel":"news:world"}}`)))
	assert.Equal(t, ErrPermissionDenied, respError(t, transport.lastResponse(t)))
}

// brokenSubscriptionEngine rejects every subscription attempt.
type brokenSubscriptionEngine struct {
	engine.Engine
}

func (e *brokenSubscriptionEngine) AddSubscription(projectID, channel string, s engine.Session) error {
	return errors.New("broker unavailable")
}

func TestSubscribeEngineFailureLeavesNoChannel(t *testing.T) {
	n := newTestNode(t, testProjects())
	n.SetEngine(&brokenSubscriptionEngine{Engine: engine.NewMemoryEngine(engine.DefaultConfig(), n, n, nil)})

	transport := &fakeTransport{}
	c := connectClient(t, n, transport, "alice")

	require.NoError(t, c.Message([]byte(`{"method":"subscribe","params":{"channel":"news:world"}}`)))
	assert.Equal(t, ErrInternalServerError, respError(t, transport.lastResponse(t)))

	// The channel set mirrors the engine table, so nothing sticks.
	assert.False(t, c.subscribed("news:world"))
	assert.Nil(t, c.info("news:world").ChannelInfo)
}

func TestSubscribeUnknownNamespace(t *testing.T) {
	n := newTestNode(t, testProjects())
	transport := &fakeTransport{}
	c := connectClient(t, n, transport, "alice")

	require.NoError(t, c.Message([]byte(`{"method":"subscribe","params":{"channel":"nope:world"}}`)))
	assert.Equal(t, ErrNamespaceNotFound, respError(t, transport.lastResponse(t)))
}

func TestPublishRequiresSubscription(t *testing.T) {
	n := newTestNode(t, testProjects())
	transport := &fakeTransport{}
	c := connectClient(t, n, transport, "alice")

	require.NoError(t, c.Message([]byte(`{"method":"publish","params":{"channel":"news:world","data":{}}}`)))
	assert.Equal(t, ErrPermissionDenied, respError(t, transport.lastResponse(t)))
}

func TestPublishRequiresNamespacePermission(t *testing.T) {
	n := newTestNode(t, testProjects())
	transport := &fakeTransport{}
	c := connectClient(t, n, transport, "alice")

	require.NoError(t, c.Message([]byte(`{"method":"subscribe","params":{"channel":"silent:talk"}}`)))
	require.Empty(t, respError(t, transport.lastResponse(t)))

	require.NoError(t, c.Message([]byte(`{"method":"publish","params":{"channel":"silent:talk","data":{}}}`)))
	assert.Equal(t, ErrPermissionDenied, respError(t, transport.lastResponse(t)))
}

func TestHistoryTrimsToSize(t *testing.T) {
	n := newTestNode(t, testProjects())
	transport := &fakeTransport{}
	c := connectClient(t, n, transport, "alice")

	// Project defaults: history_size=2.
	require.NoError(t, c.Message([]byte(`{"method":"subscribe","params":{"channel":"updates"}}`)))
	for _, m := range []string{`{"n":"A"}`, `{"n":"B"}`, `{"n":"C"}`} {
		require.NoError(t, c.Message([]byte(`{"method":"publish","params":{"channel":"updates","data":`+m+`}}`)))
	}

	require.NoError(t, c.Message([]byte(`{"method":"history","params":{"channel":"updates"}}`)))
	resp := transport.lastResponse(t)
	var history []struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp["body"], &history))
	require.Len(t, history, 2)
	assert.JSONEq(t, `{"n":"C"}`, string(history[0].Data))
	assert.JSONEq(t, `{"n":"B"}`, string(history[1].Data))
}

func TestPresenceAfterSubscribe(t *testing.T) {
	n := newTestNode(t, testProjects())
	transport := &fakeTransport{}
	c := connectClient(t, n, transport, "alice")

	require.NoError(t, c.Message([]byte(`{"method":"subscribe","params":{"channel":"news:world"}}`)))
	require.NoError(t, c.Message([]byte(`{"method":"presence","params":{"channel":"news:world"}}`)))

	resp := transport.lastResponse(t)
	var presence map[string]ClientInfo
	require.NoError(t, json.Unmarshal(resp["body"], &presence))
	require.Contains(t, presence, c.UID())
	assert.Equal(t, "alice", presence[c.UID()].User)
}

func TestUnsubscribeRestoresState(t *testing.T) {
	n := newTestNode(t, testProjects())
	transport := &fakeTransport{}
	c := connectClient(t, n, transport, "alice")

	require.NoError(t, c.Message([]byte(`{"method":"subscribe","params":{"channel":"news:world"}}`)))
	require.NoError(t, c.Message([]byte(`{"method":"unsubscribe","params":{"channel":"news:world"}}`)))

	assert.False(t, c.subscribed("news:world"))
	assert.Equal(t, 0, n.engine.Channels())

	presence, errStr := n.Presence(mustProject(t, n, "p1"), "news:world")
	require.Empty(t, errStr)
	assert.Empty(t, presence)
}

func TestBatchResponsesPreserveOrder(t *testing.T) {
	n := newTestNode(t, testProjects())
	transport := &fakeTransport{}
	c := connectClient(t, n, transport, "alice")

	frame := `[{"uid":"1","method":"ping","params":{}},{"uid":"2","method":"subscribe","params":{"channel":"updates"}}]`
	require.NoError(t, c.Message([]byte(frame)))

	frames := transport.received()
	var responses []struct {
		UID    string `json:"uid"`
		Method string `json:"method"`
	}
	require.NoError(t, json.Unmarshal(frames[len(frames)-1], &responses))
	require.Len(t, responses, 2)
	assert.Equal(t, "1", responses[0].UID)
	assert.Equal(t, "ping", responses[0].Method)
	assert.Equal(t, "2", responses[1].UID)
}

func TestBatchLimitBoundary(t *testing.T) {
	n := newTestNode(t, testProjects())
	transport := &fakeTransport{}
	c := connectClient(t, n, transport, "alice")

	cmds := make([]string, DefaultClientAPIMessageLimit)
	for i := range cmds {
		cmds[i] = `{"method":"ping","params":{}}`
	}
	frame := "[" + strings.Join(cmds, ",") + "]"
	require.NoError(t, c.Message([]byte(frame)))
	assert.False(t, transport.isClosed())

	over := "[" + strings.Join(append(cmds, `{"method":"ping","params":{}}`), ",") + "]"
	require.NoError(t, c.Message([]byte(over)))
	assert.True(t, transport.isClosed())
}

func TestMalformedFrameClosesSession(t *testing.T) {
	n := newTestNode(t, testProjects())
	transport := &fakeTransport{}
	c := connectClient(t, n, transport, "alice")

	require.NoError(t, c.Message([]byte(`{nope`)))
	assert.True(t, transport.isClosed())
}

func TestUnknownMethodClosesSession(t *testing.T) {
	n := newTestNode(t, testProjects())
	transport := &fakeTransport{}
	c := connectClient(t, n, transport, "alice")

	require.NoError(t, c.Message([]byte(`{"method":"teleport","params":{}}`)))
	assert.Equal(t, ErrMethodNotFound, respError(t, transport.lastResponse(t)))
	assert.True(t, transport.isClosed())
}

func TestDisconnectFrameAndClose(t *testing.T) {
	n := newTestNode(t, testProjects())
	transport := &fakeTransport{}
	c := connectClient(t, n, transport, "alice")

	c.Disconnect("deactivated")

	frames := transport.received()
	require.NotEmpty(t, frames)
	var frame struct {
		Method string `json:"method"`
		Body   struct {
			Reason string `json:"reason"`
		} `json:"body"`
	}
	require.NoError(t, json.Unmarshal(frames[len(frames)-1], &frame))
	assert.Equal(t, "disconnect", frame.Method)
	assert.Equal(t, "deactivated", frame.Body.Reason)
	assert.True(t, transport.isClosed())
}

func TestCloseIsIdempotent(t *testing.T) {
	n := newTestNode(t, testProjects())
	transport := &fakeTransport{}
	c := connectClient(t, n, transport, "alice")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	clients, _ := n.clientCount()
	assert.Equal(t, 0, clients)
}

func TestPrivateChannelAuthorizationSuccess(t *testing.T) {
	var calls int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			// Tear the connection down to simulate a transport error.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "alice", r.Form.Get("user"))
		assert.Equal(t, "chat:room1", r.Form.Get("channel"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"info":"vip"}`))
	}))
	defer backend.Close()

	projects := testProjects()
	projects[0].Namespaces = append(projects[0].Namespaces, structure.Namespace{
		Name: "chat",
		ChannelOptions: structure.ChannelOptions{
			IsPrivate:   true,
			AuthAddress: backend.URL,
		},
	})
	n := newTestNode(t, projects)

	transport := &fakeTransport{}
	c := connectClient(t, n, transport, "alice")
	require.NoError(t, c.Message([]byte(`{"method":"subscribe","params":{"channel":"chat:room1"}}`)))
	require.Empty(t, respError(t, transport.lastResponse(t)))

	assert.Equal(t, 3, calls)
	assert.Equal(t, 0, n.authAttempts("p1"))

	info := c.info("chat:room1")
	assert.JSONEq(t, `"vip"`, string(info.ChannelInfo))
}

func TestPrivateChannelAuthorizationDenied(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer backend.Close()

	projects := testProjects()
	projects[0].Namespaces = append(projects[0].Namespaces, structure.Namespace{
		Name: "chat",
		ChannelOptions: structure.ChannelOptions{
			IsPrivate:   true,
			AuthAddress: backend.URL,
		},
	})
	n := newTestNode(t, projects)

	transport := &fakeTransport{}
	c := connectClient(t, n, transport, "alice")
	require.NoError(t, c.Message([]byte(`{"method":"subscribe","params":{"channel":"chat:room1"}}`)))
	assert.Equal(t, ErrPermissionDenied, respError(t, transport.lastResponse(t)))
	assert.False(t, transport.isClosed())
}

func TestPrivateChannelNoAuthAddress(t *testing.T) {
	projects := testProjects()
	projects[0].Namespaces = append(projects[0].Namespaces, structure.Namespace{
		Name: "chat",
		ChannelOptions: structure.ChannelOptions{
			IsPrivate: true,
		},
	})
	n := newTestNode(t, projects)

	transport := &fakeTransport{}
	c := connectClient(t, n, transport, "alice")
	require.NoError(t, c.Message([]byte(`{"method":"subscribe","params":{"channel":"chat:room1"}}`)))
	assert.Equal(t, ErrNoAuthAddress, respError(t, transport.lastResponse(t)))
}

func TestExpiredReconnectionAdmission(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Users []string `json:"users"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body.Users, "alice")
		// All users inactive.
		w.Write([]byte(`{"users":[]}`))
	}))
	defer backend.Close()

	projects := testProjects()
	projects[0].ConnectionCheck = true
	projects[0].ConnectionLifetime = 60
	projects[0].ConnectionCheckAddress = backend.URL
	n := newTestNode(t, projects)

	transport := &fakeTransport{}
	c := NewClient(n, transport)
	ts := strconv.FormatInt(time.Now().Unix()-120, 10)
	token := auth.GenerateClientToken("secret", "p1", "alice", ts, "")
	frame := `{"method":"connect","params":{"token":"` + token + `","user":"alice","project":"p1","timestamp":"` + ts + `"}}`

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, c.Message([]byte(frame)))
	}()

	// Wait for the session to park in the reconnection queue, then run
	// a check cycle.
	require.Eventually(t, func() bool {
		n.mu.RLock()
		defer n.mu.RUnlock()
		return len(n.expiredReconnections["p1"]) == 1
	}, time.Second, 5*time.Millisecond)
	n.checkExpiredConnections()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not settle")
	}

	assert.Equal(t, ErrUnauthorized, respError(t, func() map[string]json.RawMessage {
		frames := transport.received()
		var resp map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(frames[0], &resp))
		return resp
	}()))
	assert.True(t, transport.isClosed())
	assert.False(t, c.isAuthenticated())
}

func TestExpiredReconnectionAdmitsActiveUser(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"users":["alice"]}`))
	}))
	defer backend.Close()

	projects := testProjects()
	projects[0].ConnectionCheck = true
	projects[0].ConnectionLifetime = 60
	projects[0].ConnectionCheckAddress = backend.URL
	n := newTestNode(t, projects)

	transport := &fakeTransport{}
	c := NewClient(n, transport)
	ts := strconv.FormatInt(time.Now().Unix()-120, 10)
	token := auth.GenerateClientToken("secret", "p1", "alice", ts, "")
	frame := `{"method":"connect","params":{"token":"` + token + `","user":"alice","project":"p1","timestamp":"` + ts + `"}}`

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, c.Message([]byte(frame)))
	}()

	require.Eventually(t, func() bool {
		n.mu.RLock()
		defer n.mu.RUnlock()
		return len(n.expiredReconnections["p1"]) == 1
	}, time.Second, 5*time.Millisecond)
	n.checkExpiredConnections()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not settle")
	}

	assert.True(t, c.isAuthenticated())
	assert.Greater(t, c.examined(), time.Now().Unix()-int64(10))
}

func mustProject(t *testing.T, n *Node, id string) *structure.Project {
	t.Helper()
	p, err := n.structure.ProjectByID(id)
	require.NoError(t, err)
	return p
}
