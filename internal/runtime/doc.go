/*
Package runtime provides the request/response machinery of brokerrpc.

# Architecture Overview

A Broker turns a pub/sub system into an RPC transport. Callers publish request
envelopes to "<topic>_method_requests" and wait on a shared results topic; servers
read the request topic, dispatch to a MethodTable, and publish result envelopes that
carry the request's correlation identifier. Envelopes are msgpack maps, see the
envelope package.

# Package Structure

## Broker (broker.go)

The Broker struct owns:
  - The transport publisher and the subscriber factory
  - One consumer handle per (topic, group), created on first use
  - The correlation identifier generator
  - The dispatch middleware chain
  - HTTP servers for metrics and introspection

## Consumer handles (consumer.go, registry.go)

A consumer handle runs a single reader goroutine. Every envelope is acknowledged on
receipt and handed to the waiter registered for its correlation key, or kept in a
bounded backlog until someone asks for it. When the backlog is full the oldest
envelope is dropped.

## Client (client.go)

Call, CallOneway and CallAndPrint. The results handle is subscribed before the
request is published so a fast reply is never missed.

## Server (server.go, methods.go)

Serve answers requests one at a time. Method failures become protocol errors and
never stop the loop; only a failed response publish does.

## Middleware (middleware.go)

Dispatch middlewares are Watermill handler middlewares:
  - CorrelationID: Tags every request for log correlation
  - LogRequests: Debug logging around dispatch
  - Tracer: OpenTelemetry server spans continued from the caller
  - Metrics: Prometheus dispatch counters and durations
  - Recoverer: Panic recovery for the middlewares themselves

DispatchHooksMiddleware (hooks.go) turns start, done and error callbacks into a
middleware for callers that only want to observe requests.

## WebUI (webui.go)

HTTP API exposing consumer handles, served method tables and transport capabilities.

# Sub-packages

  - config/: Broker configuration with validation and viper loading
  - envelope/: Wire format of requests and results
  - errors/: Sentinel errors and error types
  - ids/: ULID generation for correlation identifiers
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - rpcerr/: Protocol error codes
*/
package runtime
