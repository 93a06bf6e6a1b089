package brokerrpc

import (
	runtimepkg "github.com/drblury/brokerrpc/internal/runtime"
	configpkg "github.com/drblury/brokerrpc/internal/runtime/config"
	"github.com/drblury/brokerrpc/internal/runtime/envelope"
	errspkg "github.com/drblury/brokerrpc/internal/runtime/errors"
	idspkg "github.com/drblury/brokerrpc/internal/runtime/ids"
	jsoncodec "github.com/drblury/brokerrpc/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/brokerrpc/internal/runtime/logging"
	"github.com/drblury/brokerrpc/internal/runtime/rpcerr"
	"github.com/drblury/brokerrpc/transport"
)

type (
	Config             = configpkg.Config
	Broker             = runtimepkg.Broker
	BrokerDependencies = runtimepkg.BrokerDependencies

	Params       = runtimepkg.Params
	Result       = runtimepkg.Result
	MethodTable  = runtimepkg.MethodTable
	MethodFunc   = runtimepkg.MethodFunc
	MethodParams = envelope.Params
	Value        = envelope.Value

	DispatchInfo  = runtimepkg.DispatchInfo
	ConsumerInfo  = runtimepkg.ConsumerInfo
	ServedMethods = runtimepkg.ServedMethods

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	DispatchHooks          = runtimepkg.DispatchHooks
	DispatchEvent          = runtimepkg.DispatchEvent

	// Error is the protocol error returned by Call when the server answered with one.
	Error                 = rpcerr.Error
	ConfigValidationError = errspkg.ConfigValidationError

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	IDGenerator = idspkg.Generator

	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewBroker      = runtimepkg.NewBroker
	TryNewBroker   = runtimepkg.TryNewBroker
	NewMethodTable = runtimepkg.NewMethodTable
	Args           = runtimepkg.Args
	Kwargs         = runtimepkg.Kwargs

	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	DispatchInfoFromContext = runtimepkg.DispatchInfoFromContext
	IsTransportError        = runtimepkg.IsTransportError
	ErrorCode               = runtimepkg.ErrorCode
	NewError                = rpcerr.New
	ErrorMessage            = rpcerr.Message

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogRequestsMiddleware   = runtimepkg.LogRequestsMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware
	DispatchHooksMiddleware = runtimepkg.DispatchHooksMiddleware
	LoggingHooks            = runtimepkg.LoggingHooks
	CountingHooks           = runtimepkg.CountingHooks
	AlertingHooks           = runtimepkg.AlertingHooks

	// Transport registry. Import individual transports for registration, for example
	// _ "github.com/drblury/brokerrpc/transport/kafka", or all of them via transport/transports.
	DefaultTransportRegistry = transport.DefaultRegistry
	NewTransportRegistry     = transport.NewRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrTopicRequired      = errspkg.ErrTopicRequired
	ErrMethodRequired     = errspkg.ErrMethodRequired
	ErrMethodTableNil     = errspkg.ErrMethodTableNil
	ErrHandlerRequired    = errspkg.ErrHandlerRequired
	ErrDuplicateMethod    = errspkg.ErrDuplicateMethod
	ErrInvalidHandler     = errspkg.ErrInvalidHandler
	ErrInvalidUsage       = errspkg.ErrInvalidUsage
	ErrMalformedResponse  = errspkg.ErrMalformedResponse
	ErrTransport          = errspkg.ErrTransport
	ErrBrokerClosed       = errspkg.ErrBrokerClosed
	ErrSubscriptionClosed = errspkg.ErrSubscriptionClosed

	// Protocol errors, matched by code with errors.Is.
	ErrParse          = rpcerr.ErrParse
	ErrInvalidRequest = rpcerr.ErrInvalidRequest
	ErrMethodNotFound = rpcerr.ErrMethodNotFound
	ErrInvalidParams  = rpcerr.ErrInvalidParams
	ErrInternal       = rpcerr.ErrInternal

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger       = loggingpkg.NewZapServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	NewIDGenerator = idspkg.NewGenerator
	CreateULID     = idspkg.CreateULID
)

// Protocol error codes.
const (
	CodeParseError     = rpcerr.CodeParseError
	CodeInvalidRequest = rpcerr.CodeInvalidRequest
	CodeMethodNotFound = rpcerr.CodeMethodNotFound
	CodeInvalidParams  = rpcerr.CodeInvalidParams
	CodeInternalError  = rpcerr.CodeInternalError
)

// Subscription layout and offsets accepted by Config.
const (
	SubscriptionPartition = configpkg.SubscriptionPartition
	SubscriptionGroup     = configpkg.SubscriptionGroup
	OffsetOldest          = configpkg.OffsetOldest
	OffsetNewest          = configpkg.OffsetNewest
)

// MetadataKeyCorrelation is the message metadata key carrying the correlation
// identifier of a request's result.
const MetadataKeyCorrelation = transport.MetadataKeyCorrelation

// MetadataKeyCorrelationID tags dispatched requests for log correlation.
const MetadataKeyCorrelationID = runtimepkg.MetadataKeyCorrelationID
