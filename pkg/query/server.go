package query

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/bakdata/quick-sub003/pkg/httputil"
	"github.com/bakdata/quick-sub003/pkg/httputil/middleware"
	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"go.uber.org/zap"
)

const (
	healthPath        = "/healthz"
	readHeaderTimeout = 5 * time.Second
)

// ServerOptions configures the query transport.
type ServerOptions struct {
	// Path is the first path segment of every query route, e.g. "mirror".
	Path string
	// Ready reports whether the instance can serve. Nil means always ready.
	Ready   func() error
	TLSCert string
	TLSKey  string
	Logger  *zap.Logger
	// RetryAfter is sent with 503 responses.
	RetryAfter time.Duration
}

// Server exposes a Service over HTTP.
type Server struct {
	svc    *Service
	opts   ServerOptions
	router *httputil.Router
	logger *zap.Logger
}

func NewServer(svc *Service, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = time.Second
	}
	routerOpts := []httputil.RouterOptions{
		httputil.WithLogger(logger),
		httputil.WithServerOptions(func(srv *http.Server) {
			srv.ReadHeaderTimeout = readHeaderTimeout
		}),
	}
	if opts.TLSCert != "" {
		routerOpts = append(routerOpts, httputil.WithTLS(opts.TLSCert, opts.TLSKey))
	}
	s := &Server{
		svc:    svc,
		opts:   opts,
		router: httputil.NewRouter(routerOpts...),
		logger: logger,
	}

	s.router.Use(middleware.RequestID, middleware.LoggerWithOptions(&middleware.LoggerOptions{
		Logger: logger,
		Skip:   func(r *http.Request) bool { return r.URL.Path == healthPath },
	}))
	s.router.HandleFunc("GET "+healthPath, s.handleHealth)

	path := strings.Trim(opts.Path, "/")
	if path == "" {
		s.router.HandleFunc("GET /{$}", s.handleAll)
	} else {
		s.router.HandleFunc("GET /"+path, s.handleAll)
	}
	g := s.router.Group(strings.TrimSuffix("/"+path, "/"))
	g.HandleFunc("GET /keys", s.handleKeys)
	g.HandleFunc("GET /range/{key}", s.handleRange)
	g.HandleFunc("GET /{key}", s.handleGet)
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) ListenAndServe(addr string) error {
	return s.router.ListenAndServe(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.router.Shutdown(ctx)
}

func isLocal(r *http.Request) bool {
	return r.URL.Query().Get(localParam) == "true"
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := mirrorerr.HTTPStatus(err)
	if status == http.StatusServiceUnavailable {
		httputil.RetryAfter(w, s.opts.RetryAfter)
	}
	if status == http.StatusInternalServerError {
		middleware.RequestLogger(r.Context()).Error("query failed", zap.Error(err))
	}
	httputil.Error(w, status, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(); err != nil {
			httputil.RetryAfter(w, s.opts.RetryAfter)
			httputil.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": err.Error()})
			return
		}
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.Get(r.Context(), r.PathValue("key"), isLocal(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, v)
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ids")
	if raw == "" {
		httputil.Error(w, http.StatusBadRequest, "ids is required")
		return
	}
	values, err := s.svc.GetMany(r.Context(), strings.Split(raw, ","), isLocal(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, values)
}

func (s *Server) handleAll(w http.ResponseWriter, r *http.Request) {
	svc := s.svc.AllCluster
	if isLocal(r) {
		svc = s.svc.All
	}
	values, err := svc(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, values)
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	values, err := s.svc.Range(r.Context(), r.PathValue("key"), q.Get("from"), q.Get("to"), isLocal(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, values)
}
