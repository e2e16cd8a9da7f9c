package hooks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func newLoadedManager(t *testing.T, scripts map[string]string) *Manager {
	t.Helper()
	dir := t.TempDir()
	for name, body := range scripts {
		writeScript(t, dir, name, body)
	}
	m := NewManager(zap.NewNop())
	require.NoError(t, m.Load(dir, 0))
	t.Cleanup(m.Close)
	return m
}

func TestInvokeCallsCheckpointFunction(t *testing.T) {
	m := newLoadedManager(t, map[string]string{
		"logon.lua": `
			seen = {}
			function on_logon(user_id, data)
				seen.user = user_id
				seen.room = data.roomId
				return true
			end
		`,
	})

	m.Invoke("logon", "alice", map[string]any{"roomId": "lobby"})

	state := m.state
	seen := state.GetGlobal("seen").(*lua.LTable)
	assert.Equal(t, lua.LString("alice"), seen.RawGetString("user"))
	assert.Equal(t, lua.LString("lobby"), seen.RawGetString("room"))
}

func TestInvokeMissingFunctionIsNoop(t *testing.T) {
	m := newLoadedManager(t, map[string]string{
		"logon.lua": `function on_logon(user_id, data) end`,
	})
	m.Invoke("enter_room", "alice", nil)
}

func TestInvokeOnEmptyManagerIsNoop(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Invoke("logon", "alice", nil)
}

func TestInvokeSurvivesRuntimeError(t *testing.T) {
	m := newLoadedManager(t, map[string]string{
		"bad.lua": `
			function on_logon(user_id, data)
				error("boom")
			end
			function on_enter_room(user_id, data)
				entered = user_id
			end
		`,
	})

	m.Invoke("logon", "alice", nil)
	m.Invoke("enter_room", "alice", nil)

	assert.Equal(t, lua.LString("alice"), m.state.GetGlobal("entered"))
}

func TestInvokeFalseReturnDoesNotAbort(t *testing.T) {
	m := newLoadedManager(t, map[string]string{
		"reject.lua": `
			calls = 0
			function on_logon(user_id, data)
				calls = calls + 1
				return false
			end
		`,
	})

	m.Invoke("logon", "alice", nil)
	m.Invoke("logon", "bob", nil)

	assert.Equal(t, lua.LNumber(2), m.state.GetGlobal("calls"))
}

func TestLoadExecutesScriptsInOrder(t *testing.T) {
	m := newLoadedManager(t, map[string]string{
		"01_first.lua":  `order = "first"`,
		"02_second.lua": `order = order .. ",second"`,
	})
	assert.Equal(t, lua.LString("first,second"), m.state.GetGlobal("order"))
}

func TestLoadRejectsBrokenScript(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "broken.lua", `function on_logon( syntax error`)

	m := NewManager(zap.NewNop())
	assert.Error(t, m.Load(dir, 0))
}

func TestLoadRejectsMissingDir(t *testing.T) {
	m := NewManager(zap.NewNop())
	assert.Error(t, m.Load(filepath.Join(t.TempDir(), "nope"), 0))
}

func TestInstructionLimitTerminatesRunawayScript(t *testing.T) {
	m := newLoadedManager(t, map[string]string{
		"loop.lua": `
			function on_logon(user_id, data)
				while true do end
			end
		`,
	})
	// Terminates via the opcode budget rather than hanging the dispatcher.
	m.Invoke("logon", "alice", nil)
}

func TestSandboxStripsDangerousGlobals(t *testing.T) {
	m := newLoadedManager(t, map[string]string{
		"probe.lua": `
			has_dofile = dofile ~= nil
			has_require = require ~= nil
			has_io = io ~= nil
			has_os = os ~= nil
		`,
	})
	assert.Equal(t, lua.LFalse, m.state.GetGlobal("has_dofile"))
	assert.Equal(t, lua.LFalse, m.state.GetGlobal("has_require"))
	assert.Equal(t, lua.LFalse, m.state.GetGlobal("has_io"))
	assert.Equal(t, lua.LFalse, m.state.GetGlobal("has_os"))
}

func TestNestedDataConversion(t *testing.T) {
	m := newLoadedManager(t, map[string]string{
		"nested.lua": `
			function on_enter_room(user_id, data)
				pos_y = data.pos[2]
				party = data.partyMode
			end
		`,
	})

	m.Invoke("enter_room", "alice", map[string]any{
		"pos":       []any{1.0, 2.5, 3.0},
		"partyMode": true,
	})

	assert.Equal(t, lua.LNumber(2.5), m.state.GetGlobal("pos_y"))
	assert.Equal(t, lua.LTrue, m.state.GetGlobal("party"))
}
