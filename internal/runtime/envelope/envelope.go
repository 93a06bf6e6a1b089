// Package envelope encodes and decodes the msgpack request and result envelopes
// exchanged over the pub/sub transport.
package envelope

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"github.com/drblury/brokerrpc/internal/runtime/rpcerr"
)

// ProtocolVersion is written into every envelope.
const ProtocolVersion = "2.0"

const (
	fieldProtocol       = "protocol"
	fieldLegacyProtocol = "jsonrpc"
	fieldMethod         = "method"
	fieldParams         = "params"
	fieldID             = "id"
	fieldResult         = "result"
	fieldError          = "error"
)

var (
	// ErrMalformed reports bytes that are not a msgpack map.
	ErrMalformed = errors.New("envelope: malformed payload")
	// ErrInvalid reports a well-formed map that violates the envelope structure.
	ErrInvalid = errors.New("envelope: invalid structure")
)

// Value is an undecoded msgpack value such as a method result or a single parameter.
type Value msgpack.RawMessage

// NewValue encodes v.
func NewValue(v any) (Value, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Value(b), nil
}

// Decode unmarshals the value into dst.
func (v Value) Decode(dst any) error {
	if len(v) == 0 {
		return msgpack.Unmarshal([]byte{msgpcode.Nil}, dst)
	}
	return msgpack.Unmarshal(v, dst)
}

// Interface decodes the value into its generic Go form (maps decode to map[string]any).
func (v Value) Interface() (any, error) {
	var out any
	if err := v.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// IsNil reports whether the value is absent or an explicit msgpack nil.
func (v Value) IsNil() bool {
	return len(v) == 0 || (len(v) == 1 && v[0] == msgpcode.Nil)
}

// Request is a method call. An empty ID marks a oneway call.
type Request struct {
	Protocol string
	Method   string
	Params   Params
	ID       string
}

// Oneway reports whether no response is expected.
func (r Request) Oneway() bool {
	return r.ID == ""
}

// Params holds either positional or keyword parameters, never both.
type Params struct {
	Positional []Value
	Named      map[string]Value
}

// IsNamed reports whether the parameters were sent as a map.
func (p Params) IsNamed() bool {
	return p.Named != nil
}

// Len returns the number of parameters.
func (p Params) Len() int {
	if p.IsNamed() {
		return len(p.Named)
	}
	return len(p.Positional)
}

// Result is the response to a non-oneway request. Exactly one of Value or Error is set
// on a well-formed result.
type Result struct {
	Protocol  string
	ID        string
	Value     Value
	HasResult bool
	Error     *rpcerr.Error
}

type wireRequest struct {
	Protocol string             `msgpack:"protocol"`
	Method   string             `msgpack:"method"`
	Params   msgpack.RawMessage `msgpack:"params"`
	ID       string             `msgpack:"id,omitempty"`
}

type wireResult struct {
	Protocol string             `msgpack:"protocol"`
	ID       string             `msgpack:"id"`
	Result   msgpack.RawMessage `msgpack:"result,omitempty"`
	Error    *rpcerr.Error      `msgpack:"error,omitempty"`
}

// EncodeParams encodes client-side parameters. Supplying both forms is rejected by
// the caller before this point; named wins when both are present.
func EncodeParams(positional []any, named map[string]any) (msgpack.RawMessage, error) {
	if named != nil {
		return msgpack.Marshal(named)
	}
	if positional == nil {
		positional = []any{}
	}
	return msgpack.Marshal(positional)
}

// EncodeRequest serialises a request whose params are already encoded.
func EncodeRequest(method string, params msgpack.RawMessage, id string) ([]byte, error) {
	if len(params) == 0 {
		params = msgpack.RawMessage{msgpcode.FixedArrayLow}
	}
	return msgpack.Marshal(&wireRequest{
		Protocol: ProtocolVersion,
		Method:   method,
		Params:   params,
		ID:       id,
	})
}

// EncodeResult serialises a successful result. A nil value is encoded as an explicit nil
// so the envelope still carries a result field.
func EncodeResult(id string, value any) ([]byte, error) {
	raw, err := msgpack.Marshal(value)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(&wireResult{Protocol: ProtocolVersion, ID: id, Result: raw})
}

// EncodeError serialises an error result.
func EncodeError(id string, rpcErr *rpcerr.Error) ([]byte, error) {
	if rpcErr == nil {
		rpcErr = rpcerr.New(rpcerr.CodeInternalError)
	}
	return msgpack.Marshal(&wireResult{Protocol: ProtocolVersion, ID: id, Error: rpcErr})
}

// DecodeRequest parses a request envelope. Errors wrap ErrMalformed for undecodable
// bytes and ErrInvalid for structural violations; the returned Request still carries
// whatever ID could be recovered so the server can answer.
func DecodeRequest(data []byte) (Request, error) {
	fields, err := decodeFields(data)
	if err != nil {
		return Request{}, err
	}

	var req Request
	if raw, ok := fields[fieldID]; ok {
		if err := decodeOptionalString(raw, &req.ID); err != nil {
			return req, fmt.Errorf("%w: id: %v", ErrInvalid, err)
		}
	}

	protoRaw, ok := fields[fieldProtocol]
	if !ok {
		protoRaw, ok = fields[fieldLegacyProtocol]
	}
	if ok {
		if err := decodeOptionalString(protoRaw, &req.Protocol); err != nil {
			return req, fmt.Errorf("%w: protocol: %v", ErrInvalid, err)
		}
	}
	if req.Protocol != ProtocolVersion {
		return req, fmt.Errorf("%w: unsupported protocol %q", ErrInvalid, req.Protocol)
	}

	methodRaw, ok := fields[fieldMethod]
	if !ok {
		return req, fmt.Errorf("%w: method is missing", ErrInvalid)
	}
	if err := decodeOptionalString(methodRaw, &req.Method); err != nil || req.Method == "" {
		return req, fmt.Errorf("%w: method must be a non-empty string", ErrInvalid)
	}

	params, err := DecodeParams(fields[fieldParams])
	if err != nil {
		return req, err
	}
	req.Params = params
	return req, nil
}

// DecodeParams splits an encoded params value into positional or keyword form.
// Absent or nil params decode to an empty positional list.
func DecodeParams(raw msgpack.RawMessage) (Params, error) {
	if Value(raw).IsNil() {
		return Params{Positional: []Value{}}, nil
	}

	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	code, err := dec.PeekCode()
	if err != nil {
		return Params{}, fmt.Errorf("%w: params: %v", ErrInvalid, err)
	}

	switch {
	case msgpcode.IsFixedArray(code) || code == msgpcode.Array16 || code == msgpcode.Array32:
		var items []msgpack.RawMessage
		if err := dec.Decode(&items); err != nil {
			return Params{}, fmt.Errorf("%w: params: %v", ErrInvalid, err)
		}
		positional := make([]Value, len(items))
		for i, item := range items {
			positional[i] = Value(item)
		}
		return Params{Positional: positional}, nil
	case msgpcode.IsFixedMap(code) || code == msgpcode.Map16 || code == msgpcode.Map32:
		var items map[string]msgpack.RawMessage
		if err := dec.Decode(&items); err != nil {
			return Params{}, fmt.Errorf("%w: params: %v", ErrInvalid, err)
		}
		named := make(map[string]Value, len(items))
		for k, item := range items {
			named[k] = Value(item)
		}
		return Params{Named: named}, nil
	default:
		return Params{}, fmt.Errorf("%w: params must be an array or a map", ErrInvalid)
	}
}

// DecodeResult parses a result envelope. A result carrying both or neither of
// result/error is returned together with an ErrInvalid error.
func DecodeResult(data []byte) (Result, error) {
	fields, err := decodeFields(data)
	if err != nil {
		return Result{}, err
	}

	var res Result
	if raw, ok := fields[fieldProtocol]; ok {
		_ = decodeOptionalString(raw, &res.Protocol)
	}
	if raw, ok := fields[fieldID]; ok {
		if err := decodeOptionalString(raw, &res.ID); err != nil {
			return res, fmt.Errorf("%w: id: %v", ErrInvalid, err)
		}
	}

	if raw, ok := fields[fieldResult]; ok {
		res.HasResult = true
		res.Value = Value(raw)
	}
	if raw, ok := fields[fieldError]; ok && !Value(raw).IsNil() {
		var rpcErr rpcerr.Error
		if err := msgpack.Unmarshal(raw, &rpcErr); err != nil {
			return res, fmt.Errorf("%w: error object: %v", ErrInvalid, err)
		}
		if rpcErr.Message == "" {
			rpcErr.Message = rpcerr.Message(rpcErr.Code)
		}
		res.Error = &rpcErr
	}

	switch {
	case res.HasResult && res.Error != nil:
		return res, fmt.Errorf("%w: result and error are both set", ErrInvalid)
	case !res.HasResult && res.Error == nil:
		return res, fmt.Errorf("%w: neither result nor error is set", ErrInvalid)
	}
	return res, nil
}

func decodeFields(data []byte) (map[string]msgpack.RawMessage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	var fields map[string]msgpack.RawMessage
	if err := msgpack.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: payload is not a map", ErrMalformed)
	}
	return fields, nil
}

func decodeOptionalString(raw msgpack.RawMessage, dst *string) error {
	if Value(raw).IsNil() {
		*dst = ""
		return nil
	}
	return msgpack.Unmarshal(raw, dst)
}
