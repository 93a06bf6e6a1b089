// Package brokerrpc runs remote procedure calls over a pub/sub system. A caller
// publishes a request envelope to "<topic>_method_requests" and waits on a shared
// results topic for the envelope carrying its correlation identifier; a server reads
// the request topic, dispatches each request to a MethodTable, and publishes the
// result. Envelopes are msgpack maps with a "protocol" of "2.0", so brokerrpc
// interoperates with any implementation that speaks the same format.
//
// The pub/sub system is selected by Config.PubSubSystem (Kafka, RabbitMQ, NATS,
// NATS JetStream, SQLite, PostgreSQL, or Go Channels). Each transport lives in its
// own package under transport/ and registers itself on import; import
// transport/transports to get all of them.
//
// A Broker is the unit of ownership: it holds the publisher, the consumer handles of
// every (topic, group) it reads, and the generator of correlation identifiers. Brokers
// share nothing, so a process can run several against different systems.
//
// # Calling
//
//	res, err := broker.Call(ctx, "math", "add", brokerrpc.Args(2, 3))
//	var sum int
//	err = res.Decode(&sum)
//
// Protocol errors come back as *brokerrpc.Error and match the Err* protocol
// sentinels with errors.Is. Transport failures match ErrTransport. CallOneway
// publishes without waiting and the server never answers it.
//
// # Serving
//
//	table := brokerrpc.NewMethodTable()
//	_ = table.RegisterFunc("add", func(a, b int) int { return a + b })
//	err := broker.Serve(ctx, table, "math", "")
//
// Serve handles one request at a time. Method errors and panics become protocol
// errors; the loop only stops when ctx is done, the subscription ends, or a
// response cannot be published.
//
// # Middleware
//
// The dispatch chain includes correlation ID tagging, debug request logging,
// OpenTelemetry tracing, Prometheus metrics (when enabled), and panic recovery.
// Custom middleware can be added via BrokerDependencies.Middlewares, and
// DispatchHooksMiddleware adapts plain callbacks:
//
//	hooks := brokerrpc.LoggingHooks(logger).Merge(brokerrpc.AlertingHooks(page))
//	deps := brokerrpc.BrokerDependencies{
//		Middlewares: []brokerrpc.MiddlewareRegistration{brokerrpc.DispatchHooksMiddleware(hooks)},
//	}
package brokerrpc
