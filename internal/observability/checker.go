package observability

import "context"

// Checker is a component that reports its health to the readiness probe:
// the synchronizer (snapshot installed) and the persistence backends.
// Implementations must be safe for concurrent use and honor ctx.
type Checker interface {
	// Name identifies the component in the health output (e.g. "syncer", "redis").
	Name() string
	// Check returns nil when healthy.
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc struct {
	ComponentName string
	Fn            func(ctx context.Context) error
}

// Name implements Checker.
func (c CheckerFunc) Name() string { return c.ComponentName }

// Check implements Checker.
func (c CheckerFunc) Check(ctx context.Context) error { return c.Fn(ctx) }
