package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bakdata/quick-sub003/pkg/httputil"
	"github.com/bakdata/quick-sub003/pkg/httputil/middleware"
	"github.com/bakdata/quick-sub003/pkg/metrics"
	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"go.uber.org/zap"
)

// RemoteClient fetches a query result from another member.
type RemoteClient interface {
	Fetch(ctx context.Context, target string) (json.RawMessage, error)
}

// RemoteOptions configures forwarding.
type RemoteOptions struct {
	// Timeout bounds a forwarded query including retries.
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Client         *http.Client
	Logger         *zap.Logger
}

// HTTPRemote forwards queries over HTTP with retries.
type HTTPRemote struct {
	opts   RemoteOptions
	logger *zap.Logger
}

func NewHTTPRemote(opts RemoteOptions) *HTTPRemote {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 50 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPRemote{opts: opts, logger: logger.Named("remote")}
}

// Fetch GETs target. A 404 maps to not found and a 400 to a mismatch; every
// other failure is reported as unavailable.
func (c *HTTPRemote) Fetch(ctx context.Context, target string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	rc := httputil.DefaultRequestConfig(http.MethodGet, target)
	rc.Client = c.opts.Client
	rc.Timeout = c.opts.Timeout
	rc.MaxRetries = c.opts.MaxRetries
	rc.RetryEnabled = c.opts.MaxRetries > 0
	rc.InitialBackoff = c.opts.InitialBackoff
	rc.MaxBackoff = c.opts.MaxBackoff
	rc.Logger = zap.NewStdLog(c.logger.With(zap.String("target", target)))
	rc.Headers = map[string][]string{"Accept": {"application/json"}}
	if id, ok := middleware.RequestIDFrom(ctx); ok {
		rc.Headers[middleware.RequestIDHeader] = []string{id}
	}

	resp, err := httputil.Request(ctx, rc, nil)
	if err == nil {
		return json.RawMessage(resp.Body), nil
	}

	var statusErr *httputil.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusNotFound:
			return nil, &mirrorerr.Error{Class: mirrorerr.ClassNotFound, Op: "forward", Err: mirrorerr.ErrNotFound}
		case http.StatusBadRequest:
			return nil, mirrorerr.Mismatch("forward", errors.New(remoteMessage(statusErr.Body)))
		}
	}
	metrics.ForwardErrors.WithLabelValues(hostOf(target)).Inc()
	return nil, mirrorerr.Unavailable("forward to "+hostOf(target), fmt.Errorf("%w: %v", mirrorerr.ErrUnavailable, err))
}

func remoteMessage(body []byte) string {
	var e httputil.ErrorResponse
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(body))
}

func hostOf(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "unknown"
	}
	return u.Host
}

// forwarded marks target as forwarded so the receiver answers locally.
func forwarded(target string) string {
	if strings.Contains(target, "?") {
		return target + "&" + localParam + "=true"
	}
	return target + "?" + localParam + "=true"
}

const localParam = "local"
