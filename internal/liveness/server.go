// Package liveness serves the keep-alive HTTP endpoint that hosting platforms poll.
package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "pagerelay/pkg/logx"
)

type Config struct {
	Addr    string
	Body    string
	Metrics bool
	// Pprof mounts the runtime profiler under /debug/pprof. Keep it off on public addresses.
	Pprof bool
}

// Probes feed the diagnostic endpoints. Either may be nil.
type Probes struct {
	// Health returning an error turns /healthz into a 503.
	Health func() error
	// Status is rendered as JSON at /status.
	Status func() any
}

type Server struct {
	cfg    Config
	probes Probes
	log    logx.Logger

	mu    sync.Mutex
	bound string
	ready chan struct{}
	once  sync.Once
}

func New(cfg Config, probes Probes, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Body == "" {
		cfg.Body = "Bot is running"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, probes: probes, log: log, ready: make(chan struct{})}
}

// Handler builds the router. It is exported for tests and for embedding.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(s.cfg.Body))
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if s.probes.Health != nil {
			if err := s.probes.Health(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(err.Error()))
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	})
	if s.probes.Status != nil {
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			_ = enc.Encode(s.probes.Status())
		})
	}
	if s.cfg.Metrics {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// Addr is the bound listen address once Serve is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Ready is closed the first time the listener is up.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Serve listens and serves until ctx is done. It is meant to run under a restart loop:
// a listen or serve failure is returned, a clean shutdown returns context.Canceled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.mu.Lock()
	s.bound = ln.Addr().String()
	s.mu.Unlock()
	s.once.Do(func() { close(s.ready) })

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.log.Info("liveness server started", logx.String("addr", s.bound), logx.String("url", publicURL(ln.Addr())))
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
		s.log.Info("liveness server stopped")
		return context.Canceled
	}
	return err
}

// publicURL guesses a reachable URL for the log line: the host's outbound IP when the
// listener is bound to all interfaces.
func publicURL(a net.Addr) string {
	tcp, ok := a.(*net.TCPAddr)
	if !ok {
		return "http://" + a.String()
	}
	host := tcp.IP.String()
	if tcp.IP.IsUnspecified() {
		host = outboundIP()
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprint(tcp.Port)))
}

func outboundIP() string {
	// UDP dial sends nothing; it only picks the route's source address.
	c, err := net.Dial("udp", "192.0.2.1:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer c.Close()
	if ua, ok := c.LocalAddr().(*net.UDPAddr); ok {
		return ua.IP.String()
	}
	return "127.0.0.1"
}
