package ipqualityscore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geogate/internal/geoblock/models"
	"geogate/internal/geoblock/providers"
)

func newServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestCheck(t *testing.T) {
	t.Run("requests key and ip as path segments", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/json/ip/secret/203.0.113.7", r.URL.Path)
			_, _ = w.Write([]byte(`{"success":true,"vpn":true,"proxy":true,"tor":false,"fraud_score":88}`))
		}))
		defer srv.Close()

		signal, err := New("secret", WithBaseURL(srv.URL+"/json/ip/")).Check(context.Background(), "203.0.113.7")
		require.NoError(t, err)
		assert.Equal(t, models.FraudSignal{IsVPN: true, IsProxy: true}, signal)
		assert.True(t, signal.Suspicious())
	})

	t.Run("clean address", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success":true,"vpn":false,"proxy":false,"tor":false}`))
		}))
		defer srv.Close()

		signal, err := New("k", WithBaseURL(srv.URL)).Check(context.Background(), "198.51.100.1")
		require.NoError(t, err)
		assert.False(t, signal.Suspicious())
	})

	t.Run("missing key is not configured and makes no request", func(t *testing.T) {
		srv, calls := newServer(t, func(w http.ResponseWriter, r *http.Request) {})

		_, err := New("", WithBaseURL(srv.URL)).Check(context.Background(), "1.2.3.4")
		assert.True(t, providers.IsNotConfigured(err))
		assert.Equal(t, int32(0), calls.Load())
	})

	t.Run("unusable ip is malformed and makes no request", func(t *testing.T) {
		srv, calls := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success":true,"vpn":false,"proxy":false,"tor":false}`))
		})
		client := New("k", WithBaseURL(srv.URL))

		for _, ip := range []string{"", "unknown", "::ffff:zz"} {
			_, err := client.Check(context.Background(), ip)
			assert.Equal(t, providers.ErrorMalformedResponse, providers.GetCategory(err), "ip %q", ip)
		}
		assert.Equal(t, int32(0), calls.Load())
	})

	t.Run("unsuccessful body is unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success":false,"message":"Invalid or unauthorized key."}`))
		}))
		defer srv.Close()

		_, err := New("k", WithBaseURL(srv.URL)).Check(context.Background(), "1.2.3.4")
		assert.Equal(t, providers.ErrorUpstreamUnavailable, providers.GetCategory(err))
		assert.Contains(t, err.Error(), "Invalid or unauthorized key.")
	})

	t.Run("server error is unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := New("k", WithBaseURL(srv.URL)).Check(context.Background(), "1.2.3.4")
		assert.True(t, providers.IsUnavailable(err))
	})

	t.Run("garbage body is malformed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>oops</html>`))
		}))
		defer srv.Close()

		_, err := New("k", WithBaseURL(srv.URL)).Check(context.Background(), "1.2.3.4")
		assert.Equal(t, providers.ErrorMalformedResponse, providers.GetCategory(err))
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer srv.Close()

		_, err := New("k", WithBaseURL(srv.URL), WithTimeout(30*time.Millisecond)).Check(context.Background(), "1.2.3.4")
		assert.Equal(t, providers.ErrorTimeout, providers.GetCategory(err))
	})
}
