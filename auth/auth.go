package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// GenerateClientToken builds a connection token for user in project.
// The timestamp is the textual decimal seconds-since-epoch issued by the
// backend, and info is an opaque JSON string (empty when absent).
func GenerateClientToken(secret, projectID, user, timestamp, info string) string {
	sign := hmac.New(sha256.New, []byte(secret))
	sign.Write([]byte(projectID))
	sign.Write([]byte(user))
	sign.Write([]byte(timestamp))
	sign.Write([]byte(info))
	return hex.EncodeToString(sign.Sum(nil))
}

// CheckClientToken reports whether token matches the expected connection
// token for the given parameters.
func CheckClientToken(token, secret, projectID, user, timestamp, info string) bool {
	expected := GenerateClientToken(secret, projectID, user, timestamp, info)
	return hmac.Equal([]byte(token), []byte(expected))
}

// GenerateApiSign builds the signature the backend must provide with
// server HTTP API submissions for a project.
func GenerateApiSign(secret, projectID string, data []byte) string {
	sign := hmac.New(sha256.New, []byte(secret))
	sign.Write([]byte(projectID))
	sign.Write(data)
	return hex.EncodeToString(sign.Sum(nil))
}

// CheckApiSign reports whether sign is a valid signature over the raw
// request data for a project.
func CheckApiSign(sign, secret, projectID string, data []byte) bool {
	expected := GenerateApiSign(secret, projectID, data)
	return hmac.Equal([]byte(sign), []byte(expected))
}

// GenerateChannelSign builds the signature a backend issues out-of-band
// to authorize a client subscription on a private channel.
func GenerateChannelSign(secret, client, channel, channelData string) string {
	sign := hmac.New(sha256.New, []byte(secret))
	sign.Write([]byte(client))
	sign.Write([]byte(channel))
	sign.Write([]byte(channelData))
	return hex.EncodeToString(sign.Sum(nil))
}

// CheckChannelSign reports whether sign authorizes client to subscribe
// on a private channel with the given channel data.
func CheckChannelSign(sign, secret, client, channel, channelData string) bool {
	expected := GenerateChannelSign(secret, client, channel, channelData)
	return hmac.Equal([]byte(sign), []byte(expected))
}
