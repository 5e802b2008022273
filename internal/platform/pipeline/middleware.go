package pipeline

import "context"

// Next invokes the remainder of the middleware chain beneath the current
// middleware. A middleware that doesn't call Next short-circuits the chain
// (spec §4.8 behavior 3).
type Next func(ctx context.Context, rc *RequestContext) (*RequestContext, error)

// Middleware is the unit of the pipeline: it may compute a response and
// optionally delegate to next with a substate (behavior 1), delegate
// without computing (behavior 2), or short-circuit by never calling next
// (behavior 3). next is nil only when a middleware is called directly with
// no continuation; inside a Chain every middleware receives a non-nil next.
type Middleware func(ctx context.Context, rc *RequestContext, next Next) (*RequestContext, error)

// Chain composes middlewares into a single Middleware, each one's next
// bound to the following middleware in the slice; the last middleware
// receives a next that forwards to the Chain's own next argument (or
// returns rc unchanged when that is nil), letting a route's composed
// handler still be nested under an outer chain if needed.
func Chain(mws ...Middleware) Middleware {
	if len(mws) == 0 {
		return func(ctx context.Context, rc *RequestContext, next Next) (*RequestContext, error) {
			if next != nil {
				return next(ctx, rc)
			}
			return rc, nil
		}
	}
	return func(ctx context.Context, rc *RequestContext, next Next) (*RequestContext, error) {
		var invoke func(i int, ctx context.Context, rc *RequestContext) (*RequestContext, error)
		invoke = func(i int, ctx context.Context, rc *RequestContext) (*RequestContext, error) {
			if i == len(mws) {
				if next != nil {
					return next(ctx, rc)
				}
				return rc, nil
			}
			return mws[i](ctx, rc, func(ctx context.Context, rc *RequestContext) (*RequestContext, error) {
				return invoke(i+1, ctx, rc)
			})
		}
		return invoke(0, ctx, rc)
	}
}
