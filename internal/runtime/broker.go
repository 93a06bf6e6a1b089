package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/brokerrpc/internal/runtime/config"
	errspkg "github.com/drblury/brokerrpc/internal/runtime/errors"
	idspkg "github.com/drblury/brokerrpc/internal/runtime/ids"
	loggingpkg "github.com/drblury/brokerrpc/internal/runtime/logging"
	"github.com/drblury/brokerrpc/transport"
)

const httpShutdownTimeout = 5 * time.Second

// BrokerDependencies holds the optional collaborators that the Broker can use.
// Leave fields nil to use the defaults.
type BrokerDependencies struct {
	// Transport is used as-is instead of building one from the configuration. The
	// caller keeps ownership: Close does not close it.
	Transport *transport.Transport
	// TransportRegistry resolves Config.PubSubSystem. Defaults to transport.DefaultRegistry.
	TransportRegistry *transport.Registry

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.

	// Registerer receives the Prometheus collectors when metrics are enabled.
	Registerer prometheus.Registerer
	// IDs generates correlation identifiers. Every broker gets its own by default.
	IDs *idspkg.Generator
}

// Broker owns a publisher, the consumer handles of every (topic, group) it reads,
// and the generator of correlation identifiers. Brokers share no state.
type Broker struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport     transport.Transport
	ownsTransport bool
	publisher     message.Publisher
	registry      *consumerRegistry
	ids           *idspkg.Generator
	metrics       *brokerMetrics
	registerer    prometheus.Registerer

	middlewares []message.HandlerMiddleware

	served   []servedTable
	servedMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type servedTable struct {
	topic string
	group string
	table *MethodTable
}

// NewBroker constructs a Broker for the supplied configuration and panics when that
// is not possible. Use TryNewBroker to handle the error instead.
func NewBroker(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps BrokerDependencies) *Broker {
	b, err := TryNewBroker(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return b
}

// TryNewBroker constructs a Broker, returning an error instead of panicking.
func TryNewBroker(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps BrokerDependencies) (*Broker, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if ctx == nil {
		ctx = context.Background()
	}

	withDefaults := conf.WithDefaults()
	conf = &withDefaults
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating broker", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	b := &Broker{
		Conf:       conf,
		Logger:     log,
		ids:        deps.IDs,
		registerer: deps.Registerer,
	}
	if b.ids == nil {
		b.ids = idspkg.NewGenerator()
	}
	if b.registerer == nil {
		b.registerer = prometheus.DefaultRegisterer
	}
	b.metrics = newBrokerMetrics(b.registerer)

	caps := transport.GetCapabilities(conf.PubSubSystem)
	if deps.Transport != nil {
		if err := deps.Transport.Validate(); err != nil {
			return nil, err
		}
		b.transport = *deps.Transport
	} else {
		registry := deps.TransportRegistry
		if registry == nil {
			registry = transport.DefaultRegistry
		}
		built, err := registry.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log))
		if err != nil {
			return nil, errspkg.TransportError("build transport", err)
		}
		b.transport = built
		b.ownsTransport = true
		caps = registry.GetCapabilities(conf.PubSubSystem)
	}

	mode := caps.EffectiveMode(conf.SubscriptionMode)
	if mode != conf.SubscriptionMode {
		log.Info("Transport cannot pin a partition, consumer handles subscribe group-wide", loggingpkg.LogFields{
			"pubsub_system":     conf.PubSubSystem,
			"subscription_mode": mode,
		})
	}
	if conf.ResultsGroup == "" {
		conf.ResultsGroup = resultsGroup(mode, b.ids)
		log.Info("Reading results", loggingpkg.LogFields{
			"results_topic": conf.ResultsTopic,
			"results_group": conf.ResultsGroup,
		})
	}

	b.publisher = b.transport.Publisher
	b.registry = newConsumerRegistry(b.transport.Subscribers, conf.BacklogLimit, log, b.metrics)

	if err := b.registerConfiguredMiddlewares(deps); err != nil {
		_ = b.Close()
		return nil, err
	}

	if conf.MetricsEnabled {
		if err := b.metrics.register(); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if conf.MetricsPort > 0 {
			b.RegisterHTTPHandler(conf.MetricsPort, "/metrics", metricsHandler(b.registerer))
		}
	}
	if conf.WebUIEnabled {
		b.registerWebUI()
	}

	return b, nil
}

// resultsGroup picks the group callers read results with when none is configured. A
// group-wide subscription would balance results across every caller process, so each
// broker then reads with a group of its own.
func resultsGroup(mode string, ids *idspkg.Generator) string {
	if mode == transport.ModeGroup {
		return configpkg.DefaultGroup + "-" + strings.ToLower(ids.Next())
	}
	return configpkg.DefaultGroup
}

func (b *Broker) registerConfiguredMiddlewares(deps BrokerDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := b.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Capabilities reports what the configured pub/sub system supports.
func (b *Broker) Capabilities() transport.Capabilities {
	return transport.GetCapabilities(b.Conf.PubSubSystem)
}

// Consumers lists the consumer handles opened so far.
func (b *Broker) Consumers() []ConsumerInfo {
	return b.registry.snapshot()
}

// Close closes every consumer handle and, unless the transport was supplied by the
// caller, the publisher and the transport. Safe to call multiple times.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		var errs []error
		if err := b.registry.close(); err != nil {
			errs = append(errs, err)
		}
		if b.ownsTransport {
			if err := b.transport.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		b.closeErr = errors.Join(errs...)
		b.Logger.Info("Broker closed", nil)
	})
	return b.closeErr
}

func (b *Broker) trackServed(topic, group string, table *MethodTable) func() {
	entry := servedTable{topic: topic, group: group, table: table}

	b.servedMu.Lock()
	b.served = append(b.served, entry)
	b.servedMu.Unlock()

	return func() {
		b.servedMu.Lock()
		defer b.servedMu.Unlock()
		for i, s := range b.served {
			if s == entry {
				b.served = append(b.served[:i], b.served[i+1:]...)
				return
			}
		}
	}
}

// RegisterHTTPHandler mounts handler on the HTTP server listening on port. Servers are
// started by ListenAndServe.
func (b *Broker) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	if b.httpServers == nil {
		b.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := b.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		b.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

// ListenAndServe runs the metrics and introspection HTTP servers until ctx is done. It
// returns immediately when none are configured.
func (b *Broker) ListenAndServe(ctx context.Context) error {
	b.httpServersMu.Lock()
	ports := make([]int, 0, len(b.httpServers))
	for port := range b.httpServers {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	servers := make([]*http.Server, 0, len(ports))
	for _, port := range ports {
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           b.httpServers[port],
			ReadHeaderTimeout: 10 * time.Second,
		})
	}
	b.httpServersMu.Unlock()

	if len(servers) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			b.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}
