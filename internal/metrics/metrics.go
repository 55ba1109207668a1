// Package metrics is the admin HTTP surface: Prometheus scrape endpoint,
// pprof, and a liveness probe, served on their own listener (packetd's
// server.Server shape, gorilla/mux routed).
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/bytebufferpool"

	"github.com/longztian/socketloop/internal/wsio"
)

// Registry is the subset of wsconn.Registry the collector needs. Defined
// here, not imported, so this package never depends on wsconn.
type Registry interface {
	PoolMetrics() wsio.PoolMetrics
}

var (
	connectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "socketloop",
		Name:      "connections_accepted_total",
		Help:      "Total number of accepted TCP connections.",
	})
	connectionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "socketloop",
		Name:      "connections_closed_total",
		Help:      "Total number of connections that reached CLOSED.",
	})
	messagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "socketloop",
		Name:      "messages_received_total",
		Help:      "Total number of complete text/binary messages delivered to the application.",
	})
	protocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "socketloop",
		Name:      "protocol_errors_total",
		Help:      "Total number of handler ERROR results: failed handshakes, protocol violations, and close frames received from the peer.",
	})
)

// AcceptedConnection is called by cmd/socketloopd's accept loop,
// ReceivedMessage by app.Echo, and ClosedConnection and ProtocolError by
// wsconn.Registry's close path and its on-recv ERROR branch.
func AcceptedConnection() { connectionsAccepted.Inc() }
func ClosedConnection()   { connectionsClosed.Inc() }
func ReceivedMessage()    { messagesReceived.Inc() }
func ProtocolError()      { protocolErrors.Inc() }

// poolCollector exposes a wsio.Pool's hit/miss/discard counters and its
// current length through the default registry, following the
// Collect-on-scrape pattern.
type poolCollector struct {
	reg Registry

	hits     *prometheus.Desc
	misses   *prometheus.Desc
	discards *prometheus.Desc
}

func newPoolCollector(reg Registry) *poolCollector {
	return &poolCollector{
		reg:      reg,
		hits:     prometheus.NewDesc("socketloop_buffer_pool_hits_total", "Buffer pool acquire calls served from the free list.", nil, nil),
		misses:   prometheus.NewDesc("socketloop_buffer_pool_misses_total", "Buffer pool acquire calls that allocated fresh.", nil, nil),
		discards: prometheus.NewDesc("socketloop_buffer_pool_discards_total", "Buffer pool release calls discarded because the free list was full.", nil, nil),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.discards
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.reg.PoolMetrics()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(m.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(m.Misses))
	ch <- prometheus.MustNewConstMetric(c.discards, prometheus.CounterValue, float64(m.Discards))
}

// Server is the admin HTTP server: /metrics, /healthz, and optionally pprof.
type Server struct {
	router *mux.Router
	server *http.Server
}

// New builds a Server bound to addr, registering reg's pool metrics.
func New(addr string, reg Registry, pprofEnabled bool) *Server {
	prometheus.MustRegister(newPoolCollector(reg))

	router := mux.NewRouter()
	s := &Server{
		router: router,
		server: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
	}

	router.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())
	router.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Methods(http.MethodGet).Path("/summary").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSummary(w, reg)
	})
	if pprofEnabled {
		s.registerPprofRoutes()
	}
	return s
}

// writeSummary renders a short plain-text status line, building it in a
// pooled buffer since this handler may be scraped frequently.
func writeSummary(w http.ResponseWriter, reg Registry) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	m := reg.PoolMetrics()
	fmt.Fprintf(buf, "buffer_pool hits=%d misses=%d discards=%d\n", m.Hits, m.Misses, m.Discards)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(buf.Bytes())
}

func (s *Server) registerPprofRoutes() {
	s.router.Methods(http.MethodGet).Path("/debug/pprof/cmdline").HandlerFunc(pprof.Cmdline)
	s.router.Methods(http.MethodGet).Path("/debug/pprof/profile").HandlerFunc(pprof.Profile)
	s.router.Methods(http.MethodGet).Path("/debug/pprof/symbol").HandlerFunc(pprof.Symbol)
	s.router.Methods(http.MethodGet).Path("/debug/pprof/trace").HandlerFunc(pprof.Trace)
	s.router.Methods(http.MethodGet).Path("/debug/pprof/{other}").HandlerFunc(pprof.Index)
}

// ListenAndServe blocks serving the admin routes until Shutdown is called.
func (s *Server) ListenAndServe() error {
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
