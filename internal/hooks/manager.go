// Package hooks provides a sandboxed GopherLua environment for protocol
// checkpoint scripts. Scripts observe logon and room-change checkpoints; they
// are advisory and can never abort or alter the operation that fired them.
package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// DefaultInstructionLimit is the maximum number of Lua opcodes allowed per
// checkpoint invocation when no override is configured.
const DefaultInstructionLimit = 100_000

// Manager owns one sandboxed LState shared by all checkpoint scripts.
//
// Manager is safe for concurrent Invoke; the LState is single-threaded and
// the mutex serializes calls into it.
type Manager struct {
	mu     sync.Mutex
	state  *lua.LState
	cancel func()
	logger *zap.Logger
}

// NewManager creates a Manager with no scripts loaded. Invoke on an empty
// Manager is a no-op.
//
// Precondition: logger must be non-nil.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Load creates a sandboxed VM and executes every *.lua file in scriptDir in
// lexicographic order. Loading replaces any previously loaded VM.
//
// Precondition: scriptDir must be a readable directory.
// Postcondition: The VM is registered; returns error on Lua load failure.
func (m *Manager) Load(scriptDir string, instLimit int) error {
	L, cancel := newSandboxedState(instLimit)

	entries, err := os.ReadDir(scriptDir)
	if err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("hooks: reading script dir %q: %w", scriptDir, err)
	}

	var luaFiles []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			luaFiles = append(luaFiles, filepath.Join(scriptDir, e.Name()))
		}
	}
	sort.Strings(luaFiles)

	for _, path := range luaFiles {
		if err := L.DoFile(path); err != nil {
			cancel()
			L.Close()
			return fmt.Errorf("hooks: loading %q: %w", path, err)
		}
	}

	m.mu.Lock()
	if m.state != nil {
		if m.cancel != nil {
			m.cancel()
		}
		m.state.Close()
	}
	m.state = L
	m.cancel = cancel
	m.mu.Unlock()

	m.logger.Info("hook scripts loaded",
		zap.String("dir", scriptDir),
		zap.Int("scripts", len(luaFiles)),
	)
	return nil
}

// Invoke calls the Lua global "on_<checkpoint>" with the user id and the
// checkpoint data converted to a table. A missing function is a no-op. Lua
// runtime errors are logged at Warn level and never propagated; a false
// return is logged and otherwise ignored.
func (m *Manager) Invoke(checkpoint, userID string, data map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return
	}
	L := m.state

	fn := L.GetGlobal("on_" + checkpoint)
	if fn == lua.LNil {
		return
	}

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, lua.LString(userID), toLuaValue(L, data)); err != nil {
		m.logger.Warn("hooks: Lua runtime error",
			zap.String("checkpoint", checkpoint),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return
	}

	ret := L.Get(-1)
	L.Pop(1)
	if ret == lua.LFalse {
		m.logger.Warn("hooks: script rejected checkpoint",
			zap.String("checkpoint", checkpoint),
			zap.String("user_id", userID),
		)
	}
}

// Close releases the VM. The Manager is unusable afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != nil {
		if m.cancel != nil {
			m.cancel()
		}
		m.state.Close()
		m.state = nil
	}
}

// toLuaValue converts a decoded JSON value into the corresponding Lua value.
// Maps and slices convert recursively; anything unrecognized becomes nil.
func toLuaValue(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for _, item := range val {
			tbl.Append(toLuaValue(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, toLuaValue(L, item))
		}
		return tbl
	}
	return lua.LNil
}
