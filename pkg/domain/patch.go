package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidPatch is returned when a patch does not fit the document it is applied to.
var ErrInvalidPatch = errors.New("invalid patch")

// Apply returns the result of applying patch to doc. doc is not modified.
// A nil or empty patch returns the (normalized) document unchanged.
func Apply(doc any, patch Patch) (any, error) {
	out, err := Normalize(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize document: %w", err)
	}
	for i, op := range patch {
		value, err := Normalize(op.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: op %d value: %v", ErrInvalidPatch, i, err)
		}
		op.Value = value

		out, err = applyAt(out, splitPath(op.Path), op)
		if err != nil {
			return nil, fmt.Errorf("%w: op %d (%s %q): %v", ErrInvalidPatch, i, op.Op, op.Path, err)
		}
	}
	return out, nil
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, p := range parts {
		parts[i] = unescapeToken(p)
	}
	return parts
}

// applyAt applies op at tokens below node and returns the new node.
func applyAt(node any, tokens []string, op Operation) (any, error) {
	if len(tokens) == 0 {
		switch op.Op {
		case OpAdd, OpReplace:
			return op.Value, nil
		case OpRemove:
			return nil, nil
		default:
			return nil, fmt.Errorf("unknown op %q", op.Op)
		}
	}

	key := tokens[0]
	if len(tokens) > 1 {
		child, err := get(node, key)
		if err != nil {
			return nil, err
		}
		updated, err := applyAt(child, tokens[1:], op)
		if err != nil {
			return nil, err
		}
		return set(node, key, updated)
	}

	switch container := node.(type) {
	case map[string]any:
		_, exists := container[key]
		switch op.Op {
		case OpAdd:
			container[key] = op.Value
		case OpReplace:
			if !exists {
				return nil, fmt.Errorf("replace of missing key %q", key)
			}
			container[key] = op.Value
		case OpRemove:
			if !exists {
				return nil, fmt.Errorf("remove of missing key %q", key)
			}
			delete(container, key)
		default:
			return nil, fmt.Errorf("unknown op %q", op.Op)
		}
		return container, nil

	case []any:
		if op.Op == OpAdd && key == "-" {
			return append(container, op.Value), nil
		}
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("bad array index %q", key)
		}
		switch op.Op {
		case OpAdd:
			if idx > len(container) {
				return nil, fmt.Errorf("index %d out of range", idx)
			}
			container = append(container, nil)
			copy(container[idx+1:], container[idx:])
			container[idx] = op.Value
			return container, nil
		case OpReplace:
			if idx >= len(container) {
				return nil, fmt.Errorf("index %d out of range", idx)
			}
			container[idx] = op.Value
			return container, nil
		case OpRemove:
			if idx >= len(container) {
				return nil, fmt.Errorf("index %d out of range", idx)
			}
			return append(container[:idx], container[idx+1:]...), nil
		default:
			return nil, fmt.Errorf("unknown op %q", op.Op)
		}

	default:
		return nil, fmt.Errorf("cannot address %q inside %T", key, node)
	}
}

func get(node any, key string) (any, error) {
	switch container := node.(type) {
	case map[string]any:
		child, ok := container[key]
		if !ok {
			return nil, fmt.Errorf("missing key %q", key)
		}
		return child, nil
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(container) {
			return nil, fmt.Errorf("bad array index %q", key)
		}
		return container[idx], nil
	default:
		return nil, fmt.Errorf("cannot address %q inside %T", key, node)
	}
}

func set(node any, key string, value any) (any, error) {
	switch container := node.(type) {
	case map[string]any:
		container[key] = value
		return container, nil
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(container) {
			return nil, fmt.Errorf("bad array index %q", key)
		}
		container[idx] = value
		return container, nil
	default:
		return nil, fmt.Errorf("cannot address %q inside %T", key, node)
	}
}
