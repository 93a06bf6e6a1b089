package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/brokerrpc/internal/runtime/envelope"
	errspkg "github.com/drblury/brokerrpc/internal/runtime/errors"
	"github.com/drblury/brokerrpc/internal/runtime/jsoncodec"
	"github.com/drblury/brokerrpc/internal/runtime/rpcerr"
)

const tracerName = "github.com/drblury/brokerrpc"

// Params are the arguments of a call. Set either Positional or Named.
type Params struct {
	Positional []any
	Named      map[string]any
}

// Args builds positional parameters.
func Args(values ...any) Params {
	return Params{Positional: values}
}

// Kwargs builds keyword parameters.
func Kwargs(values map[string]any) Params {
	return Params{Named: values}
}

func (p Params) encode() (msgpack.RawMessage, error) {
	if len(p.Positional) > 0 && len(p.Named) > 0 {
		return nil, errspkg.ErrInvalidUsage
	}
	var (
		raw msgpack.RawMessage
		err error
	)
	if len(p.Positional) > 0 {
		raw, err = envelope.EncodeParams(p.Positional, nil)
	} else {
		raw, err = envelope.EncodeParams(nil, p.Named)
	}
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return raw, nil
}

// Result is the value a method returned, still msgpack encoded.
type Result struct {
	value envelope.Value
}

// Decode unmarshals the result into v.
func (r Result) Decode(v any) error {
	return r.value.Decode(v)
}

// Value decodes the result into its generic form.
func (r Result) Value() (any, error) {
	return r.value.Interface()
}

// IsNil reports whether the method returned nothing.
func (r Result) IsNil() bool {
	return r.value.IsNil()
}

// Raw returns the msgpack encoding of the result.
func (r Result) Raw() []byte {
	return r.value
}

// Call invokes method on the servers of topic and waits for its result. A protocol
// error returned by the server is an *rpcerr.Error. There is no implicit timeout
// beyond Config.CallTimeout; cancel ctx to give up.
func (b *Broker) Call(ctx context.Context, topic, method string, params Params) (Result, error) {
	start := time.Now()
	res, outcome, err := b.call(ctx, topic, method, params)
	if outcome != "" {
		b.metrics.recordCall(topic, method, outcome, time.Since(start))
	}
	return res, err
}

func (b *Broker) call(ctx context.Context, topic, method string, params Params) (Result, string, error) {
	encoded, err := b.prepareCall(topic, method, params)
	if err != nil {
		return Result{}, "", err
	}

	if b.Conf.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Conf.CallTimeout)
		defer cancel()
	}

	id := b.ids.Next()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "call "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "brokerrpc"),
			attribute.String("rpc.service", topic),
			attribute.String("rpc.method", method),
			attribute.String("rpc.correlation_id", id),
		),
	)
	defer span.End()

	res, outcome, err := b.roundTrip(ctx, topic, method, encoded, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	return res, outcome, err
}

func (b *Broker) roundTrip(ctx context.Context, topic, method string, encoded msgpack.RawMessage, id string) (Result, string, error) {
	// The results handle must exist before the request is out, otherwise a fast
	// reply could precede the subscription.
	handle, err := b.registry.ensure(b.Conf.ResultsTopic, b.Conf.ResultsGroup)
	if err != nil {
		return Result{}, outcomeTransport, err
	}

	payload, err := envelope.EncodeRequest(method, encoded, id)
	if err != nil {
		return Result{}, outcomeMalformed, fmt.Errorf("encode request: %w", err)
	}
	if err := b.publish(ctx, b.Conf.RequestTopic(topic), payload, ""); err != nil {
		return Result{}, outcomeTransport, err
	}

	msg, err := handle.next(ctx, id)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, outcomeCancelled, ctxErr
		}
		return Result{}, outcomeTransport, errspkg.TransportError("await result", err)
	}

	res, err := envelope.DecodeResult(msg.Payload)
	if err != nil {
		return Result{}, outcomeMalformed, fmt.Errorf("%w: %v", errspkg.ErrMalformedResponse, err)
	}
	if res.Error != nil {
		return Result{}, outcomeError, res.Error
	}
	return Result{value: res.Value}, outcomeOK, nil
}

// CallOneway publishes a request without a correlation identifier and returns once the
// transport accepted it. The server never answers.
func (b *Broker) CallOneway(ctx context.Context, topic, method string, params Params) error {
	encoded, err := b.prepareCall(topic, method, params)
	if err != nil {
		return err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "call_oneway "+method,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("rpc.system", "brokerrpc"),
			attribute.String("rpc.service", topic),
			attribute.String("rpc.method", method),
		),
	)
	defer span.End()

	payload, err := envelope.EncodeRequest(method, encoded, "")
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := b.publish(ctx, b.Conf.RequestTopic(topic), payload, ""); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcomeTransport)
		b.metrics.recordCall(topic, method, outcomeTransport, 0)
		return err
	}
	b.metrics.recordCall(topic, method, outcomeOneway, 0)
	return nil
}

// CallAndPrint calls method and writes the result to w as indented JSON.
func (b *Broker) CallAndPrint(ctx context.Context, w io.Writer, topic, method string, params Params) error {
	res, err := b.Call(ctx, topic, method, params)
	if err != nil {
		return err
	}
	value, err := res.Value()
	if err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	out, err := jsoncodec.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("render result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// prepareCall rejects invalid usage before any I/O happens.
func (b *Broker) prepareCall(topic, method string, params Params) (msgpack.RawMessage, error) {
	if b.closed.Load() {
		return nil, errspkg.ErrBrokerClosed
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if method == "" {
		return nil, errspkg.ErrMethodRequired
	}
	return params.encode()
}

// publish sends payload to topic. key is stored as the correlation metadata and, on
// Kafka, becomes the record key.
func (b *Broker) publish(ctx context.Context, topic string, payload []byte, key string) error {
	return b.publishMessage(topic, b.newEnvelopeMessage(ctx, payload, key))
}

func (b *Broker) publishMessage(topic string, msg *message.Message) error {
	if b.closed.Load() {
		return errspkg.ErrBrokerClosed
	}
	if err := b.publisher.Publish(topic, msg); err != nil {
		return errspkg.TransportError("publish to "+topic, err)
	}
	return nil
}

// IsTransportError reports whether err was caused by the pub/sub system.
func IsTransportError(err error) bool {
	return errors.Is(err, errspkg.ErrTransport)
}

// ErrorCode returns the protocol code carried by err, if any.
func ErrorCode(err error) (int, bool) {
	return rpcerr.CodeOf(err)
}
