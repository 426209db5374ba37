package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bakdata/quick-sub003/pkg/httputil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRequestID(t *testing.T) {
	t.Run("should generate a new request ID if none exists", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID, ok := RequestIDFrom(r.Context())
			assert.True(t, ok)
			_, err := uuid.Parse(reqID)
			assert.NoError(t, err, "Request ID should be a valid UUID")
		})

		w := httptest.NewRecorder()
		RequestID(handler).ServeHTTP(w, httptest.NewRequest("GET", "http://example.com/foo", nil))

		_, err := uuid.Parse(w.Result().Header.Get(RequestIDHeader))
		assert.NoError(t, err, "Response header X-Request-Id should be a valid UUID")
	})

	t.Run("should preserve existing request ID", func(t *testing.T) {
		existingReqID := uuid.New().String()

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Context().Value(httputil.RequestIDCtxKey).(string)
			assert.Equal(t, existingReqID, reqID, "Request ID should match the existing ID")
		})

		ctx := context.WithValue(context.Background(), httputil.RequestIDCtxKey, existingReqID)
		req := httptest.NewRequest("GET", "http://example.com/foo", nil).WithContext(ctx)
		w := httptest.NewRecorder()

		RequestID(handler).ServeHTTP(w, req)

		assert.Equal(t, existingReqID, w.Result().Header.Get(RequestIDHeader))
	})

	t.Run("should adopt the ID of a forwarded request", func(t *testing.T) {
		forwarded := uuid.New().String()
		req := httptest.NewRequest("GET", "http://example.com/foo", nil)
		req.Header.Set(RequestIDHeader, forwarded)
		w := httptest.NewRecorder()

		RequestID(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(w, req)

		assert.Equal(t, forwarded, w.Result().Header.Get(RequestIDHeader))
	})

	t.Run("should replace a malformed header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "http://example.com/foo", nil)
		req.Header.Set(RequestIDHeader, "not a uuid")
		w := httptest.NewRecorder()

		RequestID(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(w, req)

		got := w.Result().Header.Get(RequestIDHeader)
		assert.NotEqual(t, "not a uuid", got)
		_, err := uuid.Parse(got)
		assert.NoError(t, err)
	})

	t.Run("should handle multiple requests independently", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID, _ := RequestIDFrom(r.Context())
			w.Write([]byte(reqID))
		})

		w1 := httptest.NewRecorder()
		RequestID(handler).ServeHTTP(w1, httptest.NewRequest("GET", "http://example.com/foo1", nil))
		w2 := httptest.NewRecorder()
		RequestID(handler).ServeHTTP(w2, httptest.NewRequest("GET", "http://example.com/foo2", nil))

		assert.NotEqual(t, w1.Body.String(), w2.Body.String(), "Request IDs should be different for different requests")
	})
}
