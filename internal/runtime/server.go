package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/brokerrpc/internal/runtime/config"
	"github.com/drblury/brokerrpc/internal/runtime/envelope"
	errspkg "github.com/drblury/brokerrpc/internal/runtime/errors"
	idspkg "github.com/drblury/brokerrpc/internal/runtime/ids"
	loggingpkg "github.com/drblury/brokerrpc/internal/runtime/logging"
	"github.com/drblury/brokerrpc/internal/runtime/rpcerr"
	"github.com/drblury/brokerrpc/transport"
)

// DispatchInfo describes the request being dispatched. The dispatch loop fills it in
// while the middleware chain runs, so middlewares read it after calling next.
type DispatchInfo struct {
	Topic   string
	Group   string
	Method  string
	ID      string
	Code    int // 0 on success
	Elapsed time.Duration
}

type dispatchInfoKey struct{}

// DispatchInfoFromContext returns the dispatch details stored in ctx.
func DispatchInfoFromContext(ctx context.Context) (*DispatchInfo, bool) {
	info, ok := ctx.Value(dispatchInfoKey{}).(*DispatchInfo)
	return info, ok && info != nil
}

// Serve answers requests for the methods of table published to topic, reading as a
// member of group. Requests are handled one at a time. Serve returns ctx.Err() once ctx
// is done, or an error when the subscription ends or a response cannot be published.
func (b *Broker) Serve(ctx context.Context, table *MethodTable, topic, group string) error {
	if table == nil {
		return errspkg.ErrMethodTableNil
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if group == "" {
		group = configpkg.DefaultGroup
	}

	requestTopic := b.Conf.RequestTopic(topic)
	handle, err := b.registry.ensureOnDemand(requestTopic, group)
	if err != nil {
		return err
	}
	defer b.trackServed(topic, group, table)()

	handler := b.buildHandler(table)
	logger := b.Logger.With(loggingpkg.LogFields{"topic": requestTopic, "consumer_group": group})
	logger.Info("Serving methods", loggingpkg.LogFields{"methods": table.Names()})

	for {
		msg, err := handle.next(ctx, "")
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		if err := b.serveOne(ctx, handler, topic, group, msg, logger); err != nil {
			return err
		}
	}
}

func (b *Broker) buildHandler(table *MethodTable) message.HandlerFunc {
	handler := b.dispatchHandler(table)
	for i := len(b.middlewares) - 1; i >= 0; i-- {
		handler = b.middlewares[i](handler)
	}
	return handler
}

// serveOne runs the chain for msg and publishes the response, if any. Only a publish
// failure is returned; every other failure becomes an error response.
func (b *Broker) serveOne(ctx context.Context, handler message.HandlerFunc, topic, group string, msg *message.Message, logger loggingpkg.ServiceLogger) error {
	info := &DispatchInfo{Topic: topic, Group: group}
	msg.SetContext(context.WithValue(ctx, dispatchInfoKey{}, info))

	responses, err := handler(msg)
	if err != nil {
		logger.Error("Dispatch failed", err, loggingpkg.LogFields{
			"message_uuid": msg.UUID,
			"method":       info.Method,
			"rpc_id":       info.ID,
		})
		responses = nil
		if info.ID != "" {
			resp, buildErr := b.errorResponse(ctx, info, rpcerr.New(rpcerr.CodeInternalError))
			if buildErr != nil {
				return buildErr
			}
			responses = append(responses, resp)
		}
	}

	for _, resp := range responses {
		if err := b.publishMessage(b.Conf.ResultsTopic, resp); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) dispatchHandler(table *MethodTable) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx := msg.Context()
		info, ok := DispatchInfoFromContext(ctx)
		if !ok {
			info = &DispatchInfo{}
		}
		fields := loggingpkg.LogFields{"message_uuid": msg.UUID, "topic": info.Topic}

		req, err := envelope.DecodeRequest(msg.Payload)
		info.ID = req.ID
		info.Method = req.Method
		if err != nil {
			code := rpcerr.CodeInvalidRequest
			if errors.Is(err, envelope.ErrMalformed) {
				code = rpcerr.CodeParseError
			}
			b.Logger.Error("Rejected request envelope", err, fields)
			return b.respond(ctx, info, nil, rpcerr.New(code))
		}

		fields["method"] = req.Method
		fields["rpc_id"] = req.ID

		fn, ok := table.Lookup(req.Method)
		if !ok {
			b.Logger.Debug("Method not found", fields)
			return b.respond(ctx, info, nil, rpcerr.New(rpcerr.CodeMethodNotFound))
		}

		start := time.Now()
		value, err := invoke(ctx, fn, req.Params)
		info.Elapsed = time.Since(start)
		if err != nil {
			var panicked *panicError
			if errors.As(err, &panicked) {
				fields["stack"] = string(panicked.stack)
			}
			b.Logger.Error("Method failed", err, fields)
			return b.respond(ctx, info, nil, toRPCError(err))
		}
		return b.respond(ctx, info, value, nil)
	}
}

// respond records the outcome and builds the result envelope. Oneway requests get none.
func (b *Broker) respond(ctx context.Context, info *DispatchInfo, value any, rpcErr *rpcerr.Error) ([]*message.Message, error) {
	if rpcErr != nil {
		info.Code = rpcErr.Code
	}
	if info.ID == "" {
		return nil, nil
	}

	if rpcErr != nil {
		resp, err := b.errorResponse(ctx, info, rpcErr)
		if err != nil {
			return nil, err
		}
		return []*message.Message{resp}, nil
	}

	payload, err := envelope.EncodeResult(info.ID, value)
	if err != nil {
		b.Logger.Error("Failed to encode result", err, loggingpkg.LogFields{"method": info.Method, "rpc_id": info.ID})
		resp, err := b.errorResponse(ctx, info, rpcerr.New(rpcerr.CodeInternalError))
		if err != nil {
			return nil, err
		}
		return []*message.Message{resp}, nil
	}
	return []*message.Message{b.newEnvelopeMessage(ctx, payload, info.ID)}, nil
}

func (b *Broker) errorResponse(ctx context.Context, info *DispatchInfo, rpcErr *rpcerr.Error) (*message.Message, error) {
	info.Code = rpcErr.Code
	payload, err := envelope.EncodeError(info.ID, rpcErr)
	if err != nil {
		return nil, fmt.Errorf("encode error response: %w", err)
	}
	return b.newEnvelopeMessage(ctx, payload, info.ID), nil
}

// newEnvelopeMessage wraps an encoded envelope. key becomes the correlation metadata.
func (b *Broker) newEnvelopeMessage(ctx context.Context, payload []byte, key string) *message.Message {
	msg := message.NewMessage(idspkg.CreateULID(), payload)
	if key != "" {
		msg.Metadata.Set(transport.MetadataKeyCorrelation, key)
	}
	injectTraceContext(ctx, msg)
	msg.SetContext(ctx)
	return msg
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

func invoke(ctx context.Context, fn MethodFunc, params envelope.Params) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return fn(ctx, params)
}

// toRPCError keeps protocol errors raised by a method and hides everything else
// behind an internal error.
func toRPCError(err error) *rpcerr.Error {
	var rpcErr *rpcerr.Error
	if errors.As(err, &rpcErr) && rpcErr != nil {
		return rpcErr
	}
	return rpcerr.New(rpcerr.CodeInternalError)
}
