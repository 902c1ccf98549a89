package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusSink implements Sink on a dedicated Prometheus registry.
// Metric names arrive fully formed from the engine (for example
// "checkout_success" or "balter_checkout_goal_tps"), so collectors are
// registered lazily the first time a name is seen.
//
// Thread Safety: Safe for concurrent use by multiple goroutines.
type PrometheusSink struct {
	mu sync.Mutex

	config   PrometheusSinkConfig
	registry *prometheus.Registry

	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
	gauges     map[string]prometheus.Gauge

	server  *http.Server
	ln      net.Listener
	running bool
}

// PrometheusSinkConfig holds configuration for the Prometheus sink.
type PrometheusSinkConfig struct {
	// Port is the HTTP port for the metrics endpoint. Default: 9090.
	Port int

	// Path is the URL path for the metrics endpoint. Default: /metrics.
	Path string

	// HistogramBuckets are the latency histogram buckets in seconds.
	// Default: prometheus.DefBuckets.
	HistogramBuckets []float64
}

// DefaultPrometheusSinkConfig returns default configuration.
func DefaultPrometheusSinkConfig() PrometheusSinkConfig {
	return PrometheusSinkConfig{
		Port:             9090,
		Path:             "/metrics",
		HistogramBuckets: prometheus.DefBuckets,
	}
}

// NewPrometheusSink creates a new Prometheus sink.
func NewPrometheusSink(config PrometheusSinkConfig) *PrometheusSink {
	if config.Port == 0 {
		config.Port = 9090
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if len(config.HistogramBuckets) == 0 {
		config.HistogramBuckets = prometheus.DefBuckets
	}

	// Dedicated registry to avoid conflicts with default process metrics.
	return &PrometheusSink{
		config:     config,
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]prometheus.Counter),
		histograms: make(map[string]prometheus.Histogram),
		gauges:     make(map[string]prometheus.Gauge),
	}
}

// Registry returns the underlying registry, for embedding the sink into
// an existing exposition surface.
func (s *PrometheusSink) Registry() *prometheus.Registry {
	return s.registry
}

// IncCounter implements Sink.
func (s *PrometheusSink) IncCounter(name string, delta uint64) {
	s.mu.Lock()
	c, ok := s.counters[name]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{
			Name: name,
			Help: fmt.Sprintf("Total %s events observed by the engine.", name),
		})
		s.registry.MustRegister(c)
		s.counters[name] = c
	}
	s.mu.Unlock()

	c.Add(float64(delta))
}

// ObserveLatency implements Sink. Latencies are recorded in seconds.
func (s *PrometheusSink) ObserveLatency(name string, latency time.Duration) {
	s.mu.Lock()
	h, ok := s.histograms[name]
	if !ok {
		h = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    name,
			Help:    fmt.Sprintf("Latency distribution for %s in seconds.", name),
			Buckets: s.config.HistogramBuckets,
		})
		s.registry.MustRegister(h)
		s.histograms[name] = h
	}
	s.mu.Unlock()

	h.Observe(latency.Seconds())
}

// SetGauge implements Sink.
func (s *PrometheusSink) SetGauge(name string, value float64) {
	s.mu.Lock()
	g, ok := s.gauges[name]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: name,
			Help: fmt.Sprintf("Current value of %s.", name),
		})
		s.registry.MustRegister(g)
		s.gauges[name] = g
	}
	s.mu.Unlock()

	g.Set(value)
}

// Start starts the HTTP server for the metrics endpoint.
func (s *PrometheusSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	addr := fmt.Sprintf(":%d", s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("starting Prometheus sink: %w", err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.Handle(s.config.Path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.running = true

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	return nil
}

// Stop shuts down the metrics endpoint.
func (s *PrometheusSink) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	return s.server.Shutdown(ctx)
}

// Addr returns the listen address of the metrics endpoint, or empty if
// the server is not running.
func (s *PrometheusSink) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
