// Package codegen synthesizes human-readable order and return codes.
package codegen

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

type Generator interface {
	Next(ctx context.Context, prefix string) (string, error)
}

// LocalGenerator is unique per process: a second-resolution timestamp plus a
// counter that never repeats while the process lives.
type LocalGenerator struct {
	counter atomic.Uint64
	now     func() time.Time
}

func NewLocalGenerator() *LocalGenerator {
	return &LocalGenerator{now: time.Now}
}

func (g *LocalGenerator) Next(_ context.Context, prefix string) (string, error) {
	seq := g.counter.Add(1)
	return fmt.Sprintf("%s%s-%04d", normalizePrefix(prefix), g.now().UTC().Format("20060102150405"), seq), nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		return "ORD"
	}
	return prefix
}
