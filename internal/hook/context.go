package hook

import "context"

type ctxKey struct{}

// WithHook returns a context carrying the hook. The driver installs it
// before invoking the scenario body; everything spawned under that
// context inherits the same hook, so concurrent runs in one process stay
// isolated.
func WithHook(ctx context.Context, h *Hook) context.Context {
	return context.WithValue(ctx, ctxKey{}, h)
}

// FromContext returns the active hook, if any. Transactions called
// outside a scenario see ok == false and record nothing.
func FromContext(ctx context.Context) (*Hook, bool) {
	h, ok := ctx.Value(ctxKey{}).(*Hook)
	return h, ok
}
