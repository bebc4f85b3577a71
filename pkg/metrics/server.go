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

const (
	HealthPath  = "/health"
	MetricsPath = "/metrics"

	// DefaultRequestTimeout applies when NewServer is given a non-positive timeout.
	DefaultRequestTimeout = 30 * time.Second
)

// Server serves the health probe and Prometheus metrics over HTTP on one or
// more pre-opened listeners.
type Server struct {
	httpServer *http.Server
	timeout    time.Duration
}

// NewServer creates a new metrics HTTP server. Each request is bounded by
// timeout. m may be nil, in which case requests are not counted.
func NewServer(gatherer prometheus.Gatherer, m *Metrics, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	mux := http.NewServeMux()
	mux.Handle(MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc(HealthPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck // best-effort health response
	})

	handler := http.TimeoutHandler(countRequests(mux, m), timeout, "request timeout")

	return &Server{
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: timeout,
			ReadTimeout:       timeout,
			WriteTimeout:      timeout + time.Second,
		},
		timeout: timeout,
	}
}

// Start begins serving on every listener. This is non-blocking.
// Returns a channel that receives the first serve error and is closed once
// every listener has stopped.
func (s *Server) Start(listeners []net.Listener) <-chan error {
	errCh := make(chan error, len(listeners))
	var wg sync.WaitGroup
	for _, ln := range listeners {
		wg.Add(1)
		go func(ln net.Listener) {
			defer wg.Done()
			if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server on %s: %w", ln.Addr(), err)
			}
		}(ln)
	}
	go func() {
		wg.Wait()
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully stops the server, waiting for active connections
// to complete or until the context is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func countRequests(next http.Handler, m *Metrics) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.RecordHTTPRequest(r.URL.Path, rec.code)
	})
}
