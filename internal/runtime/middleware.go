package runtime

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	idspkg "github.com/drblury/brokerrpc/internal/runtime/ids"
	loggingpkg "github.com/drblury/brokerrpc/internal/runtime/logging"
	"github.com/drblury/brokerrpc/internal/runtime/rpcerr"
)

// MetadataKeyCorrelationID tags every dispatched request so its log lines can be
// grouped, including oneway requests that carry no rpc id.
const MetadataKeyCorrelationID = "correlation_id"

// MiddlewareBuilder constructs a dispatch middleware using the provided broker.
// Returning a nil middleware skips the registration.
type MiddlewareBuilder func(*Broker) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be added to the dispatch chain.
// Middlewares run in registration order, the first one outermost.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard dispatch chain used by the Broker constructor.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogRequestsMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware ensures each dispatched request carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Builder: func(b *Broker) (message.HandlerMiddleware, error) {
			return correlationIDMiddleware, nil
		},
	}
}

// LogRequestsMiddleware logs every request before and after dispatch at debug level.
func LogRequestsMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_requests",
		Builder: func(b *Broker) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = b.Logger
			}
			if l == nil {
				return nil, errors.New("log requests middleware requires a logger")
			}
			return logRequestsMiddleware(l), nil
		},
	}
}

// TracerMiddleware continues the caller's trace and wraps dispatch in a server span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(b *Broker) (message.HandlerMiddleware, error) {
			return tracerMiddleware, nil
		},
	}
}

// MetricsMiddleware records dispatch counts and durations. It is skipped unless
// metrics are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(b *Broker) (message.HandlerMiddleware, error) {
			if !b.Conf.MetricsEnabled {
				return nil, nil
			}
			return b.metricsMiddleware(), nil
		},
	}
}

// RecovererMiddleware converts panics raised by middlewares into dispatch errors, which
// are answered with an internal error.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware appends the supplied middleware to the dispatch chain. It affects
// Serve loops started afterwards.
func (b *Broker) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(b)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	b.middlewares = append(b.middlewares, mw)
	return nil
}

func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(MetadataKeyCorrelationID) == "" {
			msg.Metadata.Set(MetadataKeyCorrelationID, idspkg.CreateULID())
		}
		return h(msg)
	}
}

func logRequestsMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			fields := loggingpkg.LogFields{
				"message_uuid":   msg.UUID,
				"correlation_id": msg.Metadata.Get(MetadataKeyCorrelationID),
				"payload_bytes":  len(msg.Payload),
			}
			logger.Debug("Dispatching request", fields)

			out, err := h(msg)

			if info, ok := DispatchInfoFromContext(msg.Context()); ok {
				fields["topic"] = info.Topic
				fields["method"] = info.Method
				fields["rpc_id"] = info.ID
				fields["code"] = info.Code
				fields["elapsed"] = info.Elapsed.String()
			}
			fields["responses"] = len(out)
			logger.Debug("Request dispatched", fields)
			return out, err
		}
	}
}

func tracerMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx := otel.GetTextMapPropagator().Extract(msg.Context(), propagation.MapCarrier(msg.Metadata))
		ctx, span := otel.Tracer(tracerName).Start(ctx, "dispatch",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("rpc.system", "brokerrpc"),
				attribute.String("messaging.message.id", msg.UUID),
			),
		)
		defer span.End()
		msg.SetContext(ctx)

		out, err := h(msg)

		if info, ok := DispatchInfoFromContext(ctx); ok {
			if info.Method != "" {
				span.SetName("dispatch " + info.Method)
			}
			span.SetAttributes(
				attribute.String("rpc.service", info.Topic),
				attribute.String("rpc.method", info.Method),
				attribute.String("rpc.correlation_id", info.ID),
				attribute.Int("rpc.error_code", info.Code),
			)
			if info.Code != 0 {
				span.SetStatus(codes.Error, rpcerr.Message(info.Code))
			}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return out, err
	}
}

func (b *Broker) metricsMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			start := time.Now()
			out, err := h(msg)

			info, ok := DispatchInfoFromContext(msg.Context())
			if !ok {
				return out, err
			}
			code := info.Code
			if err != nil {
				code = rpcerr.CodeInternalError
			}
			method := info.Method
			if code == rpcerr.CodeMethodNotFound || code == rpcerr.CodeParseError || code == rpcerr.CodeInvalidRequest {
				// Unknown names would otherwise create one series per typo.
				method = "unknown"
			}
			elapsed := info.Elapsed
			if elapsed == 0 {
				elapsed = time.Since(start)
			}
			b.metrics.recordDispatch(info.Topic, method, strconv.Itoa(code), elapsed)
			return out, err
		}
	}
}

func injectTraceContext(ctx context.Context, msg *message.Message) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Metadata))
}
