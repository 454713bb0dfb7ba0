package middleware

import (
	"context"
	"fmt"
	"regexp"

	"github.com/aretw0/labrun/pkg/domain"
	"github.com/aretw0/labrun/pkg/ports"
)

// Masked replaces the value of every redacted key.
const Masked = "***"

type redactMiddleware struct {
	ports.RunStore
	patterns []*regexp.Regexp
}

// NewRedaction creates a middleware that masks the values of parameter and
// argument keys matching any of the patterns before they are persisted.
// Deck states are left untouched so that replay stays exact.
func NewRedaction(patternStrings []string) (Middleware, error) {
	patterns := make([]*regexp.Regexp, 0, len(patternStrings))
	for _, p := range patternStrings {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	return func(next ports.RunStore) ports.RunStore {
		if len(patterns) == 0 {
			return next
		}
		return &redactMiddleware{RunStore: next, patterns: patterns}
	}, nil
}

func (m *redactMiddleware) CreateRun(ctx context.Context, record domain.RunRecord) error {
	if record.Parameters != nil {
		record.Parameters = m.maskMap(record.Parameters)
	}
	return m.RunStore.CreateRun(ctx, record)
}

func (m *redactMiddleware) CreateFunctionCallLog(ctx context.Context, entry domain.FunctionCallLogEntry) error {
	entry.Args = m.mask(entry.Args)
	return m.RunStore.CreateFunctionCallLog(ctx, entry)
}

// mask returns a copy of v with matching keys masked. The input is never
// modified; the coordinator still holds it.
func (m *redactMiddleware) mask(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return m.maskMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = m.mask(e)
		}
		return out
	default:
		return v
	}
}

func (m *redactMiddleware) maskMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if m.matches(k) {
			out[k] = Masked
			continue
		}
		out[k] = m.mask(v)
	}
	return out
}

func (m *redactMiddleware) matches(key string) bool {
	for _, p := range m.patterns {
		if p.MatchString(key) {
			return true
		}
	}
	return false
}
