package binder

import "context"

type callerIDKey struct{}

// WithCallerID attaches id to ctx so that Session.Transact and friends can
// recognize which logical "thread" is calling, for the reentrancy checks
// spec §4.C/§4.E require. Callers that never nest calls can ignore this
// entirely: a context with no CallerID gets a fresh one allocated and
// cached for the lifetime of that context value's goroutine tree is not
// possible in Go, so Session allocates a per-call anonymous id instead
// (see Session.callerIDFor) when none is present — which is always safe, just
// never reentrant.
func WithCallerID(ctx context.Context, id CallerID) context.Context {
	return context.WithValue(ctx, callerIDKey{}, id)
}

// CallerIDFromContext recovers a CallerID attached by WithCallerID.
func CallerIDFromContext(ctx context.Context) (CallerID, bool) {
	id, ok := ctx.Value(callerIDKey{}).(CallerID)
	return id, ok
}
