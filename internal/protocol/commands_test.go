package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowList(t *testing.T) {
	for _, c := range []string{"ping", "screenshot", "getAccessibilitySnapshot", "incrementLoopIteration"} {
		assert.True(t, Allowed(c), c)
	}
	for _, c := range []string{"", "pong", "eval", "Screenshot", "deleteCookies"} {
		assert.False(t, Allowed(c), c)
	}
	assert.Len(t, AllowedCommands(), 28)
}

func TestLoopCommands(t *testing.T) {
	assert.True(t, IsLoopCommand(CmdStartLoop))
	assert.True(t, IsLoopCommand(CmdGetLoopState))
	assert.False(t, IsLoopCommand(CmdNavigate))
}

func TestEnvelopeClassification(t *testing.T) {
	var resp Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"id":"1","success":true,"result":{"ok":true}}`), &resp))
	assert.True(t, resp.IsResponse())
	assert.False(t, resp.IsUnsolicited())

	var ping Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"command":"ping"}`), &ping))
	assert.True(t, ping.IsUnsolicited())
	assert.False(t, ping.IsResponse())

	cmd := CommandFrame("2", CmdNavigate, json.RawMessage(`{"url":"about:blank"}`))
	assert.False(t, cmd.IsResponse())
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"2","type":"command","command":"navigate","params":{"url":"about:blank"},"success":false}`, string(data))
}
