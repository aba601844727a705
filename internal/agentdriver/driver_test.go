package agentdriver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_ExactNameMatch(t *testing.T) {
	r := NewRegistry()
	d, err := r.DriverFor("claude", "")
	require.NoError(t, err)
	require.Equal(t, "claude", d.Name())
}

func TestRegistry_CommandMatch(t *testing.T) {
	r := NewRegistry()
	d, err := r.DriverFor("my-custom-claude-wrapper", "cursor-agent")
	require.NoError(t, err)
	require.Equal(t, "cursor", d.Name())
}

func TestRegistry_SubstringMatch(t *testing.T) {
	r := NewRegistry()
	d, err := r.DriverFor("team-codex-v2", "")
	require.NoError(t, err)
	require.Equal(t, "codex", d.Name())
}

func TestRegistry_Unresolvable(t *testing.T) {
	r := NewRegistry()
	_, err := r.DriverFor("totally-unknown-agent", "")
	require.ErrorIs(t, err, ErrDriverNotFound)
}

func TestClaudeDriver_ParsesSessionCostAndError(t *testing.T) {
	d := NewClaudeDriver()
	stdout := []byte(`{"type":"assistant","message":{"model":"claude-sonnet-4"}}
{"type":"result","session_id":"sess-123","total_cost_usd":0.42,"is_error":false}
`)
	out := d.ParseOutput(stdout, nil)
	require.Equal(t, "sess-123", out.SessionID)
	require.Equal(t, "claude-sonnet-4", out.Model)
	require.Equal(t, 0.42, out.CostUSD)
	require.False(t, out.HasError)
}

func TestClaudeDriver_IgnoresNonJSONLines(t *testing.T) {
	d := NewClaudeDriver()
	stdout := []byte("not json\n{\"type\":\"result\",\"session_id\":\"s1\",\"is_error\":true}\n")
	out := d.ParseOutput(stdout, nil)
	require.Equal(t, "s1", out.SessionID)
	require.True(t, out.HasError)
}
