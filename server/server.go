// Package server implements the HTTP listener: request classification via
// internal/router, dispatch into FileHandler, and the teacher's internal
// routes (health probes, pprof, metrics, version) served on a separate
// localhost-only mux. Grounded on the teacher's server/server.go
// HTTPServer/newServeMux/localMatcher split, with buildMiddlewareChain's
// config-driven http.RoundTripper chain replaced by server/middleware's
// fixed http.HandlerFunc Chain since FileHandler serves directly rather
// than through a RoundTripper.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/cloudflare/tableflip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sigtrap/olah/conf"
	"github.com/sigtrap/olah/contrib/transport"
	"github.com/sigtrap/olah/internal/filehandler"
	"github.com/sigtrap/olah/internal/logutil"
	"github.com/sigtrap/olah/internal/router"
	"github.com/sigtrap/olah/metrics"
	"github.com/sigtrap/olah/pkg/x/runtime"
	"github.com/sigtrap/olah/server/middleware"
	"github.com/sigtrap/olah/server/middleware/recovery"
	"github.com/sigtrap/olah/server/mod"
)

var localMatcher = map[string]struct{}{
	"localhost": {},
	"127.1":     {},
	"127.0.0.1": {},
}

// HTTPServer is the main listener: one mux for internal operational routes
// gated by localMatcher, and the mirror's main request flow for everything
// else.
type HTTPServer struct {
	*http.Server

	flip         *tableflip.Upgrader
	config       *conf.Bootstrap
	serverConfig *conf.Server
	listener     net.Listener
	handler      *filehandler.Handler
	logger       *logutil.Helper
}

// NewServer wires handler's ServeFile/ServeMeta/ServeRaw behind
// internal/router.Classify, wraps the main flow in recovery and
// access-log, and mounts the internal operational mux.
func NewServer(flip *tableflip.Upgrader, config *conf.Bootstrap, handler *filehandler.Handler) transport.Server {
	servConfig := config.Server

	s := &HTTPServer{
		Server: &http.Server{
			Addr:              servConfig.Addr,
			ReadTimeout:       servConfig.ReadTimeout,
			WriteTimeout:      servConfig.WriteTimeout,
			IdleTimeout:       servConfig.IdleTimeout,
			ReadHeaderTimeout: servConfig.ReadHeaderTimeout,
			MaxHeaderBytes:    servConfig.MaxHeaderBytes,
		},
		flip:         flip,
		config:       config,
		serverConfig: servConfig,
		handler:      handler,
		logger:       logutil.NewHelper(nil),
	}

	for _, host := range servConfig.LocalApiAllowHosts {
		localMatcher[host] = struct{}{}
	}

	mux := s.newServeMux()

	chain := middleware.Chain(recovery.Middleware)
	main := chain(s.buildHandler())
	main = mod.HandleAccessLog(servConfig.AccessLog, main)

	s.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := localMatcher[hostOnly(r.Host)]; ok {
			mux.ServeHTTP(w, r)
			return
		}
		main(w, r)
	})

	return s
}

func hostOnly(addr string) string {
	if i := strings.IndexByte(addr, ':'); i >= 0 {
		return addr[:i]
	}
	return addr
}

func (s *HTTPServer) Start(ctx context.Context) error {
	s.BaseContext = func(net.Listener) context.Context { return ctx }

	if err := s.listen(); err != nil {
		return err
	}

	s.logger.Infof("olah listening on %s", s.config.Server.Addr)

	if err := s.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.Shutdown(ctx)
}

// listen binds through tableflip so a SIGHUP-triggered re-exec hands the
// listening socket to the new process without dropping connections.
func (s *HTTPServer) listen() error {
	network := "tcp"
	addr := s.serverConfig.Addr
	if strings.HasSuffix(addr, ".sock") {
		network = "unix"
	}

	ln, err := s.flip.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("server: listen %s %s: %w", network, addr, err)
	}
	s.listener = ln
	return nil
}

func (s *HTTPServer) newServeMux() *http.ServeMux {
	mux := http.NewServeMux()

	if s.serverConfig.PProf != nil {
		mod.HandlePProf(s.serverConfig.PProf, mux)
	}

	mux.Handle("/favicon.ico", http.NotFoundHandler())

	mux.Handle("/version", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := json.Marshal(runtime.BuildInfo)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))

	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	mux.Handle("/healthz/startup-probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := []byte("ok")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))
	mux.Handle("/healthz/liveness-probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mux.Handle("/healthz/readiness-probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.handler.Offline.IsOffline() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	return mux
}

// buildHandler is the main-flow entry point: classify the request, dispatch
// to the matching FileHandler method, and count the response by proto and
// status the way the teacher's buildHandler counted _metricRequestsTotal.
func (s *HTTPServer) buildHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			metrics.RequestsTotal.WithLabelValues(r.Proto, strconv.Itoa(rw.status)).Inc()
		}()

		rt := router.Classify(r.URL.Path)

		if s.serveMirrorFile(rw, r, rt) {
			return
		}

		switch rt.Kind {
		case router.KindFile, router.KindRawFile:
			s.handler.ServeFile(rw, r, rt)
		case router.KindRepoMeta, router.KindRevisionMeta:
			s.handler.ServeMeta(rw, r, rt)
		case router.KindLFS, router.KindProxyPassthrough:
			s.handler.ServeRaw(rw, r, rt)
		default:
			http.NotFound(rw, r)
		}
	}
}

// serveMirrorFile implements the mirrors-path precedence rule: a static
// mirror of this exact revisioned file already resident under
// Storage.MirrorsPath is served directly off disk, bypassing ChunkCache and
// upstream entirely.
func (s *HTTPServer) serveMirrorFile(w http.ResponseWriter, r *http.Request, rt router.Route) bool {
	mirrorsPath := s.config.Storage.MirrorsPath
	if mirrorsPath == "" || (rt.Kind != router.KindFile && rt.Kind != router.KindRawFile) {
		return false
	}

	local := strings.Join([]string{mirrorsPath, rt.RepoType.Plural(), rt.Org, rt.Name, rt.Revision, rt.Path}, "/")
	f, err := os.Open(local)
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return false
	}

	http.ServeContent(w, r, rt.Path, info.ModTime(), f)
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
