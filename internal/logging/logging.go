// Package logging adapts a *zerolog.Logger through a context.Context, the
// way tzrikka-timpani/internal/logger adapts *slog.Logger: a small
// FromContext/WithContext pair so library code never imports a global
// logger. The default, returned by FromContext when none was attached, is
// zerolog.Nop() so the core connection stays silent unless a caller opts in.
package logging

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

var ctxLoggerKey = ctxKey{}

// WithContext attaches l to ctx, returning the derived context.
func WithContext(ctx context.Context, l *zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey, l)
}

// FromContext returns the logger attached to ctx, or a no-op logger if none
// was attached.
func FromContext(ctx context.Context) *zerolog.Logger {
	if l, ok := ctx.Value(ctxLoggerKey).(*zerolog.Logger); ok && l != nil {
		return l
	}
	nop := zerolog.Nop()
	return &nop
}
