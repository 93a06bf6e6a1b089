package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/brokerrpc/internal/runtime/logging"
	"github.com/drblury/brokerrpc/internal/runtime/rpcerr"
)

// DispatchEvent describes a request passing through a Serve loop.
type DispatchEvent struct {
	Topic       string
	Group       string
	MessageUUID string
	// Method and ID are empty in OnDispatchStart; the envelope is decoded later.
	Method string
	ID     string
	// Code is the protocol error code of the outcome, 0 on success.
	Code      int
	Context   context.Context
	StartedAt time.Time
	// Duration is only set in OnDispatchDone and OnDispatchError.
	Duration time.Duration
}

// Oneway reports whether the request expected no response.
func (e DispatchEvent) Oneway() bool { return e.ID == "" }

// DispatchHooks defines callbacks for the request lifecycle. Nil hooks are skipped.
type DispatchHooks struct {
	// OnDispatchStart is called before the request envelope is decoded.
	OnDispatchStart func(ev DispatchEvent)

	// OnDispatchDone is called when the method returned a result.
	OnDispatchDone func(ev DispatchEvent)

	// OnDispatchError is called when the request was answered with an error or the
	// chain itself failed. err is a *rpcerr.Error for protocol failures.
	OnDispatchError func(ev DispatchEvent, err error)
}

// Merge combines two DispatchHooks. The hooks from other run after those of h.
func (h DispatchHooks) Merge(other DispatchHooks) DispatchHooks {
	return DispatchHooks{
		OnDispatchStart: chainEventHooks(h.OnDispatchStart, other.OnDispatchStart),
		OnDispatchDone:  chainEventHooks(h.OnDispatchDone, other.OnDispatchDone),
		OnDispatchError: chainErrorHooks(h.OnDispatchError, other.OnDispatchError),
	}
}

func chainEventHooks(a, b func(DispatchEvent)) func(DispatchEvent) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ev DispatchEvent) {
		a(ev)
		b(ev)
	}
}

func chainErrorHooks(a, b func(DispatchEvent, error)) func(DispatchEvent, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ev DispatchEvent, err error) {
		a(ev, err)
		b(ev, err)
	}
}

// DispatchHooksMiddleware invokes hooks around every dispatched request.
func DispatchHooksMiddleware(hooks DispatchHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "dispatch_hooks",
		Middleware: dispatchHooksMiddleware(hooks),
	}
}

func dispatchHooksMiddleware(hooks DispatchHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ev := DispatchEvent{
				MessageUUID: msg.UUID,
				Context:     msg.Context(),
				StartedAt:   time.Now(),
			}
			if info, ok := DispatchInfoFromContext(msg.Context()); ok {
				ev.Topic = info.Topic
				ev.Group = info.Group
			}

			if hooks.OnDispatchStart != nil {
				hooks.OnDispatchStart(ev)
			}

			out, err := h(msg)

			ev.Duration = time.Since(ev.StartedAt)
			if info, ok := DispatchInfoFromContext(msg.Context()); ok {
				ev.Method = info.Method
				ev.ID = info.ID
				ev.Code = info.Code
			}

			switch {
			case err != nil:
				ev.Code = rpcerr.CodeInternalError
				if hooks.OnDispatchError != nil {
					hooks.OnDispatchError(ev, err)
				}
			case ev.Code != 0:
				if hooks.OnDispatchError != nil {
					hooks.OnDispatchError(ev, rpcerr.New(ev.Code))
				}
			default:
				if hooks.OnDispatchDone != nil {
					hooks.OnDispatchDone(ev)
				}
			}
			return out, err
		}
	}
}

// LoggingHooks returns hooks that log the request lifecycle at info level.
func LoggingHooks(logger loggingpkg.ServiceLogger) DispatchHooks {
	return DispatchHooks{
		OnDispatchStart: func(ev DispatchEvent) {
			logger.Info("Request received", loggingpkg.LogFields{
				"topic":        ev.Topic,
				"group":        ev.Group,
				"message_uuid": ev.MessageUUID,
			})
		},
		OnDispatchDone: func(ev DispatchEvent) {
			logger.Info("Request answered", loggingpkg.LogFields{
				"topic":       ev.Topic,
				"method":      ev.Method,
				"rpc_id":      ev.ID,
				"oneway":      ev.Oneway(),
				"duration_ms": ev.Duration.Milliseconds(),
			})
		},
		OnDispatchError: func(ev DispatchEvent, err error) {
			logger.Error("Request failed", err, loggingpkg.LogFields{
				"topic":       ev.Topic,
				"method":      ev.Method,
				"rpc_id":      ev.ID,
				"code":        ev.Code,
				"duration_ms": ev.Duration.Milliseconds(),
			})
		},
	}
}

// CountingHooks returns hooks that report outcomes per topic and method, for example
// to feed custom counters.
func CountingHooks(onDone, onError func(topic, method string)) DispatchHooks {
	return DispatchHooks{
		OnDispatchDone: func(ev DispatchEvent) {
			if onDone != nil {
				onDone(ev.Topic, ev.Method)
			}
		},
		OnDispatchError: func(ev DispatchEvent, err error) {
			if onError != nil {
				onError(ev.Topic, ev.Method)
			}
		},
	}
}

// AlertingHooks returns hooks that only fire on failed requests.
func AlertingHooks(alertFunc func(ev DispatchEvent, err error)) DispatchHooks {
	return DispatchHooks{
		OnDispatchError: alertFunc,
	}
}
