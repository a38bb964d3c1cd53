package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientMsgUnmarshalTaggedUnion(t *testing.T) {
	var msg ClientMsg
	err := json.Unmarshal([]byte(`{"userJoined":{"userId":"u00001","name":"Ada","color":"#f00"}}`), &msg)
	require.NoError(t, err)

	require.NotNil(t, msg.UserJoined)
	assert.Equal(t, "u00001", msg.UserJoined.UserID)
	assert.Equal(t, "Ada", msg.UserJoined.Name)
	assert.Equal(t, "#f00", msg.UserJoined.Color)
	assert.Nil(t, msg.ApplyPatch)
	assert.Nil(t, msg.CursorMove)
}

func TestClientMsgUnknownEventIgnored(t *testing.T) {
	var msg ClientMsg
	err := json.Unmarshal([]byte(`{"ping":{}}`), &msg)
	require.NoError(t, err)

	assert.Equal(t, ClientMsg{}, msg)
}

func TestClientMsgPatchStaysRaw(t *testing.T) {
	var msg ClientMsg
	err := json.Unmarshal([]byte(`{"applyPatch":{"patch":[{"diffs":[[0,"ab"]],"start1":0,"start2":0,"length1":2,"length2":2}]}}`), &msg)
	require.NoError(t, err)

	require.NotNil(t, msg.ApplyPatch)
	ps, err := ParsePatchSet(msg.ApplyPatch.Patch)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, []Diff{{Op: 0, Text: "ab"}}, ps[0].Diffs)
}

func TestServerMsgMarshalsSingleKey(t *testing.T) {
	tests := []struct {
		name string
		msg  *ServerMsg
		want string
	}{
		{
			"contentAcknowledged is an empty object",
			NewContentAcknowledgedMsg(),
			`{"contentAcknowledged":{}}`,
		},
		{
			"patchRejected carries the reason",
			NewPatchRejectedMsg("document size limit exceeded"),
			`{"patchRejected":{"reason":"document size limit exceeded"}}`,
		},
		{
			"userLeft carries the user id",
			NewUserLeftMsg("u00001"),
			`{"userLeft":{"userId":"u00001"}}`,
		},
		{
			"serverShutdown carries the message",
			NewServerShutdownMsg("server is shutting down"),
			`{"serverShutdown":{"message":"server is shutting down"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.msg)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestInitMsgCarriesUsers(t *testing.T) {
	msg := NewInitMsg("<p>hi</p>", map[string]UserInfo{
		"u00002": {Name: "Bob", Color: "#0f0"},
	})

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"init":{"content":"<p>hi</p>","users":{"u00002":{"name":"Bob","color":"#0f0"}}}}`,
		string(data))
}

func TestCursorBroadcastAnnotatesIdentity(t *testing.T) {
	move := &CursorMoveMsg{X: 12.5, Y: 80, Height: 18, IsImage: true}
	msg := NewCursorMoveMsg("u00001", "Ada", "#f00", move)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"cursorMove":{"userId":"u00001","name":"Ada","color":"#f00","x":12.5,"y":80,"height":18,"isImage":true}}`,
		string(data))
}
