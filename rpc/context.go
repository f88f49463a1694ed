package rpc

import "context"

type currentServiceKey struct{}

// WithCurrentService stamps ctx with the zone id of the service currently
// handling a call, so a nested call handler that re-enters the same zone
// synchronously can detect it. This replaces the reference implementation's
// thread-local "current service" (§9) -- Go has no goroutine-local
// storage, but a context value threaded through Send/Post falls out of the
// same call chain and is automatically saved/restored across every
// suspension point for free.
func WithCurrentService(ctx context.Context, zoneID Zone) context.Context {
	return context.WithValue(ctx, currentServiceKey{}, zoneID)
}

// CurrentService returns the zone id stamped by the nearest enclosing
// WithCurrentService, if any.
func CurrentService(ctx context.Context) (Zone, bool) {
	z, ok := ctx.Value(currentServiceKey{}).(Zone)
	return z, ok
}

// IsReentrant reports whether ctx's current service already matches zoneID,
// meaning a call handler is about to re-enter its own zone synchronously.
func IsReentrant(ctx context.Context, zoneID Zone) bool {
	z, ok := CurrentService(ctx)
	return ok && z == zoneID
}
