package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// OpKind is the kind of a patch operation.
type OpKind string

const (
	OpAdd     OpKind = "add"
	OpRemove  OpKind = "remove"
	OpReplace OpKind = "replace"
)

// Operation is one structural change at a JSON-pointer path.
type Operation struct {
	Op    OpKind `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Patch is an ordered list of operations. Operations must be applied in order.
type Patch []Operation

// Diff calculates the patch that turns prev into cur.
// It returns nil when both are structurally equal.
// If prev is nil, the patch is a single root replace carrying all of cur (full snapshot).
//
// Values are compared in their JSON shape, so a struct and the equivalent map
// are equal, and an int and the equal float64 are equal.
func Diff(prev, cur any) (Patch, error) {
	a, err := Normalize(prev)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize previous state: %w", err)
	}
	b, err := Normalize(cur)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize current state: %w", err)
	}

	if a == nil {
		if b == nil {
			return nil, nil
		}
		return Patch{{Op: OpReplace, Path: "", Value: b}}, nil
	}

	var patch Patch
	diffValue("", a, b, &patch)

	// Optimization: nil lets callers omit the field entirely.
	if len(patch) == 0 {
		return nil, nil
	}
	return patch, nil
}

func diffValue(path string, a, b any, patch *Patch) {
	switch av := a.(type) {
	case map[string]any:
		if bv, ok := b.(map[string]any); ok {
			diffMap(path, av, bv, patch)
			return
		}
	case []any:
		if bv, ok := b.([]any); ok {
			diffSlice(path, av, bv, patch)
			return
		}
	}

	if !scalarEqual(a, b) {
		*patch = append(*patch, Operation{Op: OpReplace, Path: path, Value: b})
	}
}

func scalarEqual(a, b any) bool {
	an, aok := a.(json.Number)
	bn, bok := b.(json.Number)
	if aok && bok {
		ar, ok1 := new(big.Rat).SetString(string(an))
		br, ok2 := new(big.Rat).SetString(string(bn))
		if ok1 && ok2 {
			return ar.Cmp(br) == 0
		}
	}
	return reflect.DeepEqual(a, b)
}

func diffMap(path string, a, b map[string]any, patch *Patch) {
	// Sorted keys keep patches deterministic.
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, exists := a[k]; !exists {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		child := path + "/" + escapeToken(k)
		oldVal, inOld := a[k]
		newVal, inNew := b[k]
		switch {
		case inOld && !inNew:
			*patch = append(*patch, Operation{Op: OpRemove, Path: child})
		case !inOld && inNew:
			*patch = append(*patch, Operation{Op: OpAdd, Path: child, Value: newVal})
		default:
			diffValue(child, oldVal, newVal, patch)
		}
	}
}

func diffSlice(path string, a, b []any, patch *Patch) {
	common := min(len(a), len(b))
	for i := 0; i < common; i++ {
		diffValue(path+"/"+strconv.Itoa(i), a[i], b[i], patch)
	}
	for i := common; i < len(b); i++ {
		*patch = append(*patch, Operation{Op: OpAdd, Path: path + "/" + strconv.Itoa(i), Value: b[i]})
	}
	// Remove from the tail so earlier indices stay valid while applying.
	for i := len(a) - 1; i >= common; i-- {
		*patch = append(*patch, Operation{Op: OpRemove, Path: path + "/" + strconv.Itoa(i)})
	}
}

// Normalize converts v into its generic JSON shape (map[string]any, []any,
// float64, json.Number, string, bool, nil). The result shares no memory with v.
//
// A number is a float64 when float64 prints it back exactly. Anything else,
// such as an integer above 2^53, is kept as a json.Number so no digit is lost.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodeExact(data)
}

// decodeExact decodes JSON into the shape produced by Normalize.
func decodeExact(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return exactNumbers(out), nil
}

func exactNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = exactNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = exactNumbers(e)
		}
		return t
	case json.Number:
		return exactNumber(t)
	default:
		return v
	}
}

func exactNumber(n json.Number) any {
	f, err := n.Float64()
	if err != nil {
		return n
	}
	want, ok := new(big.Rat).SetString(string(n))
	if !ok {
		return n
	}
	got, ok := new(big.Rat).SetString(strconv.FormatFloat(f, 'g', -1, 64))
	if !ok || got.Cmp(want) != 0 {
		return n
	}
	return f
}

func escapeToken(s string) string {
	s = strings.ReplaceAll(s, "~", "~0")
	return strings.ReplaceAll(s, "/", "~1")
}

func unescapeToken(s string) string {
	s = strings.ReplaceAll(s, "~1", "/")
	return strings.ReplaceAll(s, "~0", "~")
}
