package meshrpc

import (
	"context"

	runtimepkg "github.com/arcstep/meshrpc/internal/runtime"
	configpkg "github.com/arcstep/meshrpc/internal/runtime/config"
	errspkg "github.com/arcstep/meshrpc/internal/runtime/errors"
	handlerpkg "github.com/arcstep/meshrpc/internal/runtime/handlers"
	idspkg "github.com/arcstep/meshrpc/internal/runtime/ids"
	jsoncodec "github.com/arcstep/meshrpc/internal/runtime/jsoncodec"
	loggingpkg "github.com/arcstep/meshrpc/internal/runtime/logging"
	registrypkg "github.com/arcstep/meshrpc/internal/runtime/registry"
	wirepkg "github.com/arcstep/meshrpc/internal/runtime/wire"
	newtransport "github.com/arcstep/meshrpc/transport"
	"google.golang.org/protobuf/proto"
)

type (
	Config = configpkg.Config

	Router             = runtimepkg.Router
	RouterDependencies = runtimepkg.RouterDependencies
	Dealer             = runtimepkg.Dealer
	DealerDependencies = runtimepkg.DealerDependencies
	Client             = runtimepkg.Client
	ClientDependencies = runtimepkg.ClientDependencies

	CallOption = runtimepkg.CallOption
	Result     = runtimepkg.Result
	Stream     = runtimepkg.Stream
	CallError  = runtimepkg.CallError

	Request       = runtimepkg.Request
	UnaryHandler  = runtimepkg.UnaryHandler
	StreamHandler = runtimepkg.StreamHandler
	StreamWriter  = runtimepkg.StreamWriter
	HandlerOption = runtimepkg.HandlerOption

	// Generic aliases of the handlers types need Go 1.24+; these are defined
	// types with the same underlying signatures, converted back in
	// NewUnaryHandler and NewStreamHandler.
	UnaryFunc[In any, Out any]  handlerpkg.UnaryFunc[In, Out]
	StreamFunc[In any, Out any] handlerpkg.StreamFunc[In, Out]

	// Dealer lifecycle and introspection
	DealerState      = runtimepkg.DealerState
	HandlerInfo      = runtimepkg.HandlerInfo
	HandlerStats     = runtimepkg.HandlerStats
	LatencyMetrics   = runtimepkg.LatencyMetrics
	ErrorBreakdown   = runtimepkg.ErrorBreakdown
	ResourceUsage    = runtimepkg.ResourceUsage
	InvalidArgsError = runtimepkg.InvalidArgsError

	// Middleware
	Invoker                = runtimepkg.Invoker
	Middleware             = runtimepkg.Middleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	// Call lifecycle hooks
	CallContext = runtimepkg.CallContext
	CallHooks   = runtimepkg.CallHooks

	// Error classification for the stats breakdown
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// Registry introspection served by Router.Services and the status API
	MethodInfo    = wirepkg.MethodInfo
	ServiceRecord = registrypkg.Record
	ServiceState  = registrypkg.State

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError

	// Transport plumbing
	Transport             = newtransport.Transport
	TransportBroker       = newtransport.Broker
	TransportPeer         = newtransport.Peer
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

var (
	NewRouter = runtimepkg.NewRouter
	NewDealer = runtimepkg.NewDealer
	NewClient = runtimepkg.NewClient

	ValidateConfig = configpkg.ValidateConfig

	// Call options
	WithArgs    = runtimepkg.WithArgs
	WithKwargs  = runtimepkg.WithKwargs
	WithTimeout = runtimepkg.WithTimeout

	// Handler registration options
	WithDescription = runtimepkg.WithDescription

	// Dealer middleware chain
	DefaultMiddlewares  = runtimepkg.DefaultMiddlewares
	RecovererMiddleware = runtimepkg.RecovererMiddleware
	LogCallsMiddleware  = runtimepkg.LogCallsMiddleware
	TracerMiddleware    = runtimepkg.TracerMiddleware
	RateLimitMiddleware = runtimepkg.RateLimitMiddleware

	// Call lifecycle hooks, attached via CallHooksMiddleware
	CallHooksMiddleware = runtimepkg.CallHooksMiddleware
	LoggingHooks        = runtimepkg.LoggingHooks
	MetricsHooks        = runtimepkg.MetricsHooks
	AlertingHooks       = runtimepkg.AlertingHooks

	// Typed handler request context
	ContextWithRequest = handlerpkg.NewContext
	RequestFromContext = handlerpkg.FromContext

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrEndpointRequired     = errspkg.ErrEndpointRequired
	ErrGroupRequired        = errspkg.ErrGroupRequired
	ErrMethodRequired       = errspkg.ErrMethodRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrTransportRequired    = errspkg.ErrTransportRequired
	ErrInputTypeRequired    = errspkg.ErrInputTypeRequired
	ErrInputPointerRequired = errspkg.ErrInputPointerRequired
	ErrAlreadyRunning       = errspkg.ErrAlreadyRunning
	ErrNotRunning           = errspkg.ErrNotRunning
	ErrStopped              = errspkg.ErrStopped
	ErrNotConnected         = errspkg.ErrNotConnected

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.Nop

	CreateULID  = idspkg.CreateULID
	NewIdentity = idspkg.NewIdentity

	// Transport registry. Individual transports self-register on import:
	// _ "github.com/arcstep/meshrpc/transport/zmq"
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build
	TransportCapabilitiesFor = newtransport.GetCapabilities
)

// Dealer lifecycle states reported by Dealer.State.
const (
	DealerInit     = runtimepkg.DealerInit
	DealerRunning  = runtimepkg.DealerRunning
	DealerStopping = runtimepkg.DealerStopping
	DealerStopped  = runtimepkg.DealerStopped
)

// Registry states carried in ServiceRecord.State.
const (
	StateActive   = registrypkg.StateActive
	StateOverload = registrypkg.StateOverload
	StateInactive = registrypkg.StateInactive
	StateShutdown = registrypkg.StateShutdown
)

// Error categories recognized by the per-method stats breakdown.
const (
	ErrorCategoryNone        = runtimepkg.ErrorCategoryNone
	ErrorCategoryInvalidArgs = runtimepkg.ErrorCategoryInvalidArgs
	ErrorCategoryHandler     = runtimepkg.ErrorCategoryHandler
	ErrorCategoryTransport   = runtimepkg.ErrorCategoryTransport
	ErrorCategoryPanic       = runtimepkg.ErrorCategoryPanic
	ErrorCategoryOther       = runtimepkg.ErrorCategoryOther
)

// NewUnaryHandler adapts a typed function to the UnaryHandler signature. The
// request's first positional argument, or its keyword arguments when none
// were sent positionally, is decoded into a fresh In per call.
func NewUnaryHandler[In any, Out any](fn UnaryFunc[In, Out]) (UnaryHandler, error) {
	return handlerpkg.Unary(handlerpkg.UnaryFunc[In, Out](fn))
}

// NewStreamHandler adapts a typed function to the StreamHandler signature;
// emit ships one typed chunk per call.
func NewStreamHandler[In any, Out any](fn StreamFunc[In, Out]) (StreamHandler, error) {
	return handlerpkg.Stream(handlerpkg.StreamFunc[In, Out](fn))
}

// NewProtoUnaryHandler adapts a function over protobuf messages. The single
// positional argument is decoded with protojson.
func NewProtoUnaryHandler[In proto.Message, Out proto.Message](fn func(ctx context.Context, in In) (Out, error)) (UnaryHandler, error) {
	return handlerpkg.ProtoUnary(fn)
}

// NewProtoStreamHandler adapts a streaming function over protobuf messages.
func NewProtoStreamHandler[In proto.Message, Out proto.Message](fn func(ctx context.Context, in In, emit func(Out) error) error) (StreamHandler, error) {
	return handlerpkg.ProtoStream(fn)
}
