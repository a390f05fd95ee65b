package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	logx "rentwatch/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] sees the request first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for _, mw := range slices.Backward(m) {
		h = mw(h)
	}
	return h
}

// slowRequest promotes a successful request's log line from debug to info.
const slowRequest = 750 * time.Millisecond

// withDeadline bounds the handler. /fetch carries a longer one than the
// wizard steps.
func withDeadline(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// ownerOnly answers "Not allowed." to anyone outside owners. An empty
// owner list lets everyone through.
func (b *Bot) ownerOnly(owners []int64) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if len(owners) == 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			if !slices.Contains(owners, req.FromID) {
				req.Logger.Info("command refused", logx.Int64("from_id", req.FromID))
				b.reply(ctx, req, "Not allowed.")
				return nil
			}
			return next(ctx, req)
		}
	}
}

// recovered keeps a handler panic inside the request: it is logged, the
// chat gets an apology and the error goes back to the worker.
func (b *Bot) recovered() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				req.Logger.Error("command panic",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				b.reply(context.WithoutCancel(ctx), req, "Something went wrong, please try again.")
				err = fmt.Errorf("%s: panic: %v", req.Command, r)
			}()
			return next(ctx, req)
		}
	}
}

func logged() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)
			fields := []logx.Field{logx.Int64("from_id", req.FromID), logx.Duration("took", took)}
			switch {
			case err != nil:
				req.Logger.Warn("command failed", append(fields, logx.Err(err))...)
			case took >= slowRequest:
				req.Logger.Info("command handled", fields...)
			default:
				req.Logger.Debug("command handled", fields...)
			}
			return err
		}
	}
}
