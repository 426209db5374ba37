package query

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bakdata/quick-sub003/pkg/httputil"
	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRemoteFetchTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	remote := NewHTTPRemote(RemoteOptions{Timeout: 200 * time.Millisecond, Logger: zaptest.NewLogger(t)})
	start := time.Now()
	_, err := remote.Fetch(context.Background(), srv.URL+"/mirror/k")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 2*time.Second)
	assert.True(t, mirrorerr.IsRetryable(err))
	assert.Equal(t, http.StatusServiceUnavailable, mirrorerr.HTTPStatus(err))
}

func TestRemoteFetchDeadPeer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL + "/mirror/k"
	srv.Close()

	remote := NewHTTPRemote(RemoteOptions{Timeout: time.Second, MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	_, err := remote.Fetch(context.Background(), target)
	require.Error(t, err)
	assert.True(t, mirrorerr.IsRetryable(err))
	assert.Equal(t, http.StatusServiceUnavailable, mirrorerr.HTTPStatus(err))
}

func TestRemoteFetchStatusMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mirror/missing":
			httputil.Error(w, http.StatusNotFound, "not found")
		case "/mirror/bad":
			httputil.Error(w, http.StatusBadRequest, "field timestamp not found")
		default:
			httputil.JSON(w, http.StatusOK, map[string]int{"timestamp": 1})
		}
	}))
	defer srv.Close()
	remote := NewHTTPRemote(RemoteOptions{Timeout: time.Second})
	ctx := context.Background()

	body, err := remote.Fetch(ctx, srv.URL+"/mirror/ok")
	require.NoError(t, err)
	assert.JSONEq(t, `{"timestamp":1}`, string(body))

	_, err = remote.Fetch(ctx, srv.URL+"/mirror/missing")
	assert.True(t, mirrorerr.IsNotFound(err))

	_, err = remote.Fetch(ctx, srv.URL+"/mirror/bad")
	assert.Equal(t, http.StatusBadRequest, mirrorerr.HTTPStatus(err))
	assert.Contains(t, err.Error(), "field timestamp not found")
}
