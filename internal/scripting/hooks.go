package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// MessageHook is the Lua global called for every chat message.
//
//	function on_room_message(room, author, text)
//	  return text        -- deliver, possibly rewritten
//	  return false       -- drop
//	  return nil         -- deliver unchanged
//	end
const MessageHook = "on_room_message"

// LeaveHook is the Lua global called after a connection leaves a room.
//
//	function on_room_leave(room, conn) end
const LeaveHook = "on_room_leave"

// Hooks owns a single sandboxed VM loaded from a directory of scripts.
//
// Hooks is safe for concurrent use; calls into the VM are serialized.
type Hooks struct {
	mu     sync.Mutex
	L      *lua.LState
	limit  int
	logger *zap.Logger
}

// LoadHooks creates a sandboxed VM, registers the hub module, then executes
// every *.lua file in dir in lexicographic order.
//
// Precondition: dir must be a readable directory.
// Postcondition: Returns a ready Hooks or an error naming the failing file.
func LoadHooks(dir string, limit int, logger *zap.Logger) (*Hooks, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scripting: reading hook dir %q: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	h := &Hooks{L: NewSandboxedState(), limit: limit, logger: logger}
	h.registerModules()

	for _, path := range files {
		err := RunLimited(h.L, h.limit, func() error { return h.L.DoFile(path) })
		if err != nil {
			h.L.Close()
			return nil, fmt.Errorf("scripting: loading %q: %w", path, err)
		}
	}
	logger.Info("lua hooks loaded", zap.String("dir", dir), zap.Int("files", len(files)))
	return h, nil
}

// registerModules installs the hub table. hub.log(msg) writes an info line.
func (h *Hooks) registerModules() {
	hub := h.L.NewTable()
	h.L.SetField(hub, "log", h.L.NewFunction(func(L *lua.LState) int {
		h.logger.Info("lua", zap.String("msg", L.CheckString(1)))
		return 0
	}))
	h.L.SetGlobal("hub", hub)
}

// Call invokes the named global with args under the instruction budget. It
// returns (LNil, nil) when the hook is not defined.
func (h *Hooks) Call(hook string, args ...lua.LValue) (lua.LValue, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fn := h.L.GetGlobal(hook)
	if fn.Type() != lua.LTFunction {
		return lua.LNil, nil
	}

	err := RunLimited(h.L, h.limit, func() error {
		return h.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...)
	})
	if err != nil {
		return lua.LNil, err
	}
	ret := h.L.Get(-1)
	h.L.Pop(1)
	return ret, nil
}

// FilterMessage runs MessageHook for one chat message. Script errors and
// unexpected return types leave the message untouched.
func (h *Hooks) FilterMessage(roomID, author, text string) (string, bool) {
	ret, err := h.Call(MessageHook, lua.LString(roomID), lua.LString(author), lua.LString(text))
	if err != nil {
		h.logger.Warn("lua hook failed",
			zap.String("hook", MessageHook),
			zap.String("room", roomID),
			zap.Error(err),
		)
		return text, true
	}

	switch v := ret.(type) {
	case lua.LString:
		if v == "" {
			return "", false
		}
		return string(v), true
	case lua.LBool:
		if !bool(v) {
			return "", false
		}
		return text, true
	case *lua.LNilType:
		return text, true
	default:
		h.logger.Warn("lua hook returned unexpected type",
			zap.String("hook", MessageHook),
			zap.String("type", ret.Type().String()),
		)
		return text, true
	}
}

// RoomDeparted runs LeaveHook. Its return value is ignored and script errors
// are logged.
func (h *Hooks) RoomDeparted(roomID, connID string) {
	if _, err := h.Call(LeaveHook, lua.LString(roomID), lua.LString(connID)); err != nil {
		h.logger.Warn("lua hook failed",
			zap.String("hook", LeaveHook),
			zap.String("room", roomID),
			zap.Error(err),
		)
	}
}

// Close releases the VM.
func (h *Hooks) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.L.Close()
}
