package storage

import (
	"context"
	"time"
)

// DefaultQueryTimeout bounds every database round trip that arrives without a deadline.
const DefaultQueryTimeout = 5 * time.Second

// withQueryTimeout keeps the caller's deadline when there is one and applies
// DefaultQueryTimeout otherwise.
func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultQueryTimeout)
}
