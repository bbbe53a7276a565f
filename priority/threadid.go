package priority

import "context"

// ctxKey is an unexported context key type so priority IDs in context
// never collide with another package's keys.
type ctxKey struct{}

// WithPriority returns a context carrying p as the calling goroutine's
// priority for any Mutex.Lock call downstream. Go has no native
// goroutine-local storage, so — matching how the original's actor/MCTS
// worker loops pass an explicit searchState rather than relying on
// thread-local storage — the priority is threaded explicitly through
// context.Context instead of an implicit thread-id registry.
func WithPriority(ctx context.Context, p int) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PriorityFrom reads the priority WithPriority stored in ctx, or
// fallback if none was set.
func PriorityFrom(ctx context.Context, fallback int) int {
	if p, ok := ctx.Value(ctxKey{}).(int); ok {
		return p
	}
	return fallback
}

// LockCtx is a convenience wrapper calling m.Lock with the priority
// carried by ctx, falling back to the lowest urgency (largest number)
// when the caller never set one.
func (m *Mutex) LockCtx(ctx context.Context) {
	m.Lock(PriorityFrom(ctx, DefaultPriority))
}

// DefaultPriority is used for callers that never established an
// explicit priority, e.g. an actor's single-evaluate path.
const DefaultPriority = 1 << 30
