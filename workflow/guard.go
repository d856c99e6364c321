package workflow

import "context"

// CycleGuard bounds the number of automatic hops in one call chain.
// It is not safe for concurrent use; each chain runs on one goroutine.
type CycleGuard struct {
	max    int
	hops   int
	warned bool
}

func NewCycleGuard(max int) *CycleGuard {
	return &CycleGuard{max: max}
}

// Hop records one automatic advance.
func (g *CycleGuard) Hop() { g.hops++ }

func (g *CycleGuard) Hops() int { return g.hops }

// Exhausted reports whether the ceiling has been reached.
func (g *CycleGuard) Exhausted() bool { return g.hops >= g.max }

// shouldWarn returns true the first time it is called on an exhausted guard.
func (g *CycleGuard) shouldWarn() bool {
	if !g.Exhausted() || g.warned {
		return false
	}
	g.warned = true
	return true
}

type (
	guardKey        struct{}
	continuationKey struct{}
	syncKey         struct{}
)

// withGuard returns ctx carrying a CycleGuard, reusing the one already in ctx.
func withGuard(ctx context.Context, max int) (context.Context, *CycleGuard) {
	if g, ok := ctx.Value(guardKey{}).(*CycleGuard); ok {
		return ctx, g
	}
	g := NewCycleGuard(max)
	return context.WithValue(ctx, guardKey{}, g), g
}

// Synchronous marks ctx so ProcessActions runs inline even when the engine is
// configured for asynchronous actions.
func Synchronous(ctx context.Context) context.Context {
	return context.WithValue(ctx, syncKey{}, true)
}

func isSynchronous(ctx context.Context) bool {
	v, _ := ctx.Value(syncKey{}).(bool)
	return v
}

func asContinuation(ctx context.Context) context.Context {
	return context.WithValue(ctx, continuationKey{}, true)
}

func isContinuation(ctx context.Context) bool {
	v, _ := ctx.Value(continuationKey{}).(bool)
	return v
}
