// Package stack maps raw stack frames back to original source through the
// batch's sourcemaps and marks the frame that best identifies the failure.
package stack

import (
	"context"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/issuehunter/internal/sourcemap"
	"github.com/kiranshivaraju/issuehunter/pkg/models"
)

// kindHandlerNotFound errors never carry a useful stack.
const kindHandlerNotFound = "Runtime.HandlerNotFound"

// Resolver resolves stacks and reports sourcemap mismatches.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver returns a Resolver logging to logger.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// Resolve returns a copy of err whose frames are mapped to original source
// where a sourcemap applies. Frames that cannot be mapped keep their raw text.
// At most one frame, the first in user source, is marked important.
func (r *Resolver) Resolve(ctx context.Context, cache *sourcemap.Cache, at time.Time, err models.ExtractedError) models.ExtractedError {
	out := err
	out.Stack = append([]models.StackFrame(nil), err.Stack...)
	if cache == nil || len(out.Stack) == 0 {
		return out
	}

	bundle, bErr := cache.Get(ctx)
	if bErr != nil || bundle.Len() == 0 {
		return out
	}

	var (
		withContext bool
		important   bool
	)
	for i, frame := range out.Stack {
		resolved, ok := resolveFrame(ctx, bundle, at, frame)
		if !ok {
			continue
		}
		if len(resolved.Context) > 0 {
			withContext = true
		}
		if !important && IsUserSource(resolved.File) {
			resolved.Important = true
			important = true
		}
		out.Stack[i] = resolved
	}

	if !withContext && err.Kind != kindHandlerNotFound {
		r.logger.Warn("failed to apply sourcemap",
			"key", cache.Key(),
			"error_kind", err.Kind,
			"frames", len(out.Stack),
			"artifacts", cache.Meta(ctx),
		)
	}
	return out
}

func resolveFrame(ctx context.Context, bundle *sourcemap.Bundle, at time.Time, frame models.StackFrame) (models.StackFrame, bool) {
	c, ok := ParseFrame(frame.Raw)
	if !ok || !mappable(c.File) {
		return frame, false
	}
	m := bundle.Lookup(ctx, c.File, at)
	if m == nil {
		return frame, false
	}
	pos, ok := m.Source(c.Line, c.Column)
	if !ok {
		return frame, false
	}

	fn := pos.Name
	if fn == "" {
		fn = c.Function
	}
	return models.StackFrame{
		File:     pos.File,
		Line:     pos.Line,
		Column:   pos.Column,
		Function: fn,
		Context:  m.Context(pos),
	}, true
}
