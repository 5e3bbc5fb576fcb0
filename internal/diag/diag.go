// Package diag serves the optional diagnostics endpoint: Prometheus
// metrics under /metrics and the runtime profiler under /debug/pprof/.
package diag

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"
)

var ErrPublicBind = errors.New("diag: address must be loopback unless remote access is allowed")

type Options struct {
	Addr        string
	AllowRemote bool
	Gatherer    prometheus.Gatherer
	Logger      *logging.Logger
}

// Server is a bound but not yet serving diagnostics endpoint.
type Server struct {
	ln  net.Listener
	srv *http.Server
	log *logging.Logger
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func Listen(opts Options) (*Server, error) {
	if !opts.AllowRemote && !isLoopbackBind(opts.Addr) {
		return nil, fmt.Errorf("%w: %s", ErrPublicBind, opts.Addr)
	}
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("diag: listen failed: %w", err)
	}
	mux := http.NewServeMux()
	if opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return &Server{
		ln: ln,
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: opts.Logger,
	}, nil
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve runs until ctx ends, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	if s.log != nil {
		s.log.Noticef("diagnostics on http://%s/metrics and /debug/pprof/", s.ln.Addr())
	}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(sctx)
	})
	defer stop()
	err := s.srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
