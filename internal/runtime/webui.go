package runtime

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/brokerrpc/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/brokerrpc/internal/runtime/logging"
)

// ServedMethods describes a running Serve loop.
type ServedMethods struct {
	Topic   string   `json:"topic"`
	Group   string   `json:"group"`
	Methods []string `json:"methods"`
}

// Served lists the Serve loops currently running on this broker.
func (b *Broker) Served() []ServedMethods {
	b.servedMu.RLock()
	defer b.servedMu.RUnlock()

	out := make([]ServedMethods, 0, len(b.served))
	for _, s := range b.served {
		out = append(out, ServedMethods{Topic: s.topic, Group: s.group, Methods: s.table.Names()})
	}
	return out
}

func (b *Broker) registerWebUI() {
	port := b.Conf.WebUIPort
	if port == 0 {
		port = 8081
	}

	b.RegisterHTTPHandler(port, "/api/consumers", b.jsonHandler(func() any { return b.Consumers() }))
	b.RegisterHTTPHandler(port, "/api/methods", b.jsonHandler(func() any { return b.Served() }))
	b.RegisterHTTPHandler(port, "/api/capabilities", b.jsonHandler(func() any { return b.Capabilities() }))
}

func (b *Broker) jsonHandler(snapshot func() any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if b.Conf != nil && len(b.Conf.WebUICORSAllowedOrigins) > 0 {
			origin := r.Header.Get("Origin")
			allowedOrigin := b.getAllowedCORSOrigin(origin)
			if allowedOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := jsoncodec.Encode(w, snapshot()); err != nil {
			b.Logger.Error("Failed to encode introspection response", err, loggingpkg.LogFields{"path": r.URL.Path})
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	})
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (b *Broker) getAllowedCORSOrigin(requestOrigin string) string {
	if b.Conf == nil {
		return ""
	}
	for _, allowed := range b.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

func metricsHandler(registerer prometheus.Registerer) http.Handler {
	if gatherer, ok := registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
