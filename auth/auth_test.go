package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateClientToken(t *testing.T) {
	// Token must equal HMAC-SHA256(secret, project||user||timestamp||info) hex.
	mac := hmac.New(sha256.New, []byte("s"))
	mac.Write([]byte("p"))
	mac.Write([]byte("u"))
	mac.Write([]byte("1700000000"))
	expected := hex.EncodeToString(mac.Sum(nil))

	token := GenerateClientToken("s", "p", "u", "1700000000", "")
	require.Equal(t, expected, token)
	assert.True(t, CheckClientToken(token, "s", "p", "u", "1700000000", ""))
}

func TestCheckClientTokenMismatch(t *testing.T) {
	token := GenerateClientToken("secret", "project", "user", "1700000000", `{"x":1}`)

	assert.False(t, CheckClientToken(token, "other", "project", "user", "1700000000", `{"x":1}`))
	assert.False(t, CheckClientToken(token, "secret", "project2", "user", "1700000000", `{"x":1}`))
	assert.False(t, CheckClientToken(token, "secret", "project", "user2", "1700000000", `{"x":1}`))
	assert.False(t, CheckClientToken(token, "secret", "project", "user", "1700000001", `{"x":1}`))
	assert.False(t, CheckClientToken(token, "secret", "project", "user", "1700000000", ""))
	assert.False(t, CheckClientToken("", "secret", "project", "user", "1700000000", `{"x":1}`))
	assert.False(t, CheckClientToken("not-hex", "secret", "project", "user", "1700000000", `{"x":1}`))
}

func TestApiSignRoundTrip(t *testing.T) {
	data := []byte(`{"method":"publish","params":{"channel":"news"}}`)
	sign := GenerateApiSign("secret", "project", data)

	assert.True(t, CheckApiSign(sign, "secret", "project", data))
	assert.False(t, CheckApiSign(sign, "secret", "project", []byte(`{}`)))
	assert.False(t, CheckApiSign(sign, "wrong", "project", data))
	assert.False(t, CheckApiSign("", "secret", "project", data))
}

func TestChannelSignRoundTrip(t *testing.T) {
	sign := GenerateChannelSign("secret", "client-uid", "$chat:room1", `{"info":"vip"}`)

	// Verifies iff computed with the identical tuple.
	assert.True(t, CheckChannelSign(sign, "secret", "client-uid", "$chat:room1", `{"info":"vip"}`))
	assert.False(t, CheckChannelSign(sign, "secret", "other-uid", "$chat:room1", `{"info":"vip"}`))
	assert.False(t, CheckChannelSign(sign, "secret", "client-uid", "$chat:room2", `{"info":"vip"}`))
	assert.False(t, CheckChannelSign(sign, "secret", "client-uid", "$chat:room1", ""))
	assert.False(t, CheckChannelSign(sign, "other", "client-uid", "$chat:room1", `{"info":"vip"}`))
}
