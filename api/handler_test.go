package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/centrifuge/auth"
	"github.com/c360/centrifuge/engine"
	"github.com/c360/centrifuge/node"
	"github.com/c360/centrifuge/structure"
)

func testServer(t *testing.T) (*httptest.Server, *node.Node) {
	t.Helper()
	projects := []*structure.Project{
		{
			ID:        "p1",
			Name:      "p1",
			SecretKey: "secret",
			ChannelOptions: structure.ChannelOptions{
				Publish:     true,
				History:     true,
				HistorySize: 5,
			},
		},
	}
	st := structure.New(structure.NewMemoryStorage(projects), nil)
	require.NoError(t, st.Update())

	config := node.DefaultConfig()
	config.APISecret = "owner-secret"
	n := node.New(config, engine.DefaultConfig(), st, nil)
	e := engine.NewMemoryEngine(engine.DefaultConfig(), n, n, nil)
	n.SetEngine(e)

	mux := http.NewServeMux()
	NewHandler(n, nil).Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, n
}

func signedForm(t *testing.T, serverURL, projectID, secret, data string) *http.Response {
	t.Helper()
	sign := auth.GenerateApiSign(secret, projectID, []byte(data))
	resp, err := http.PostForm(serverURL+"/api/"+projectID, url.Values{
		"sign": {sign},
		"data": {data},
	})
	require.NoError(t, err)
	return resp
}

func TestAPIHappyPath(t *testing.T) {
	server, _ := testServer(t)

	data := `{"method":"publish","params":{"channel":"updates","data":{"m":1}}}`
	resp := signedForm(t, server.URL, "p1", "secret", data)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Method string      `json:"method"`
		Error  *string     `json:"error"`
		Body   interface{} `json:"body"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "publish", body.Method)
	assert.Nil(t, body.Error)
	assert.Equal(t, true, body.Body)
}

func TestAPIBatchMirrorsArrayShape(t *testing.T) {
	server, _ := testServer(t)

	data := `[{"method":"publish","params":{"channel":"updates","data":{"m":1}}},{"method":"history","params":{"channel":"updates"}}]`
	resp := signedForm(t, server.URL, "p1", "secret", data)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var responses []struct {
		Method string  `json:"method"`
		Error  *string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&responses))
	require.Len(t, responses, 2)
	assert.Equal(t, "publish", responses[0].Method)
	assert.Equal(t, "history", responses[1].Method)
}

func TestAPIBadSignature(t *testing.T) {
	server, _ := testServer(t)

	resp, err := http.PostForm(server.URL+"/api/p1", url.Values{
		"sign": {"deadbeef"},
		"data": {`{"method":"publish","params":{"channel":"updates","data":{}}}`},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPIUnknownProject(t *testing.T) {
	server, _ := testServer(t)

	resp := signedForm(t, server.URL, "nope", "secret", `{"method":"publish","params":{}}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIMissingFields(t *testing.T) {
	server, _ := testServer(t)

	resp, err := http.PostForm(server.URL+"/api/p1", url.Values{})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIBatchLimit(t *testing.T) {
	server, _ := testServer(t)

	cmds := make([]string, node.DefaultAdminAPIMessageLimit+1)
	for i := range cmds {
		cmds[i] = `{"method":"publish","params":{"channel":"updates","data":{}}}`
	}
	data := "[" + strings.Join(cmds, ",") + "]"
	resp := signedForm(t, server.URL, "p1", "secret", data)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIOwnerMethods(t *testing.T) {
	server, _ := testServer(t)

	data := `{"method":"project_list","params":{}}`
	resp := signedForm(t, server.URL, "_", "owner-secret", data)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Error *string           `json:"error"`
		Body  []json.RawMessage `json:"body"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Nil(t, body.Error)
	assert.Len(t, body.Body, 1)
}

func TestAPIOwnerMethodDeniedForProjectKey(t *testing.T) {
	server, _ := testServer(t)

	data := `{"method":"project_list","params":{}}`
	resp := signedForm(t, server.URL, "p1", "secret", data)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Error *string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Error)
	assert.Equal(t, node.ErrPermissionDenied, *body.Error)
}

func TestAPIJSONBodyWithHeaderSign(t *testing.T) {
	server, _ := testServer(t)

	data := `{"method":"publish","params":{"channel":"updates","data":{"m":2}}}`
	sign := auth.GenerateApiSign("secret", "p1", []byte(data))

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/p1", strings.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Sign", sign)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
