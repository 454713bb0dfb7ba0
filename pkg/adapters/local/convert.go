package local

import (
	"encoding/json"
	"fmt"

	"github.com/aretw0/labrun/pkg/domain"
	lua "github.com/yuin/gopher-lua"
)

// maxDepth stops conversion of self-referencing tables.
const maxDepth = 32

// toLua converts generic Go values into Lua values.
func toLua(L *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case string:
		return lua.LString(t)
	case float64:
		return lua.LNumber(t)
	case float32:
		return lua.LNumber(t)
	case int:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case json.Number:
		f, _ := t.Float64()
		return lua.LNumber(f)
	case map[string]any:
		tb := L.NewTable()
		for k, val := range t {
			tb.RawSetString(k, toLua(L, val))
		}
		return tb
	case []any:
		tb := L.CreateTable(len(t), 0)
		for _, val := range t {
			tb.Append(toLua(L, val))
		}
		return tb
	default:
		normalized, err := domain.Normalize(v)
		if err != nil {
			return lua.LString(fmt.Sprint(v))
		}
		return toLua(L, normalized)
	}
}

// fromLua converts a Lua value into the generic JSON shape.
// Tables with keys 1..n become []any, other tables map[string]any.
func fromLua(v lua.LValue) any {
	return fromLuaDepth(v, 0)
}

func fromLuaDepth(v lua.LValue, depth int) any {
	switch v.Type() {
	case lua.LTNil:
		return nil
	case lua.LTBool:
		return bool(v.(lua.LBool))
	case lua.LTNumber:
		return float64(v.(lua.LNumber))
	case lua.LTString:
		return string(v.(lua.LString))
	case lua.LTTable:
		if depth >= maxDepth {
			return nil
		}
		tb := v.(*lua.LTable)
		count := 0
		tb.ForEach(func(_, _ lua.LValue) { count++ })

		if n := tb.MaxN(); n > 0 && n == count {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, fromLuaDepth(tb.RawGetInt(i), depth+1))
			}
			return out
		}
		out := make(map[string]any, count)
		tb.ForEach(func(key, val lua.LValue) {
			out[key.String()] = fromLuaDepth(val, depth+1)
		})
		return out
	default:
		return v.String()
	}
}
