package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/zoff-tech/go-remedy/pkg/config"
)

func invokerFor(url string, retries int) *HTTPInvoker {
	return NewHTTPInvoker(config.ToolSettings{
		BaseURL:       url,
		Timeout:       2 * time.Second,
		RetryAttempts: retries,
	})
}

func restartRequest() Request {
	return Request{
		TenantID:    "tenant-a",
		ExceptionID: "exc-1",
		Tool:        "restart-service",
		Params:      map[string]string{"service": "settlement"},
	}
}

func TestHTTPInvoker_SucceededOn2xx(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/restart-service", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"restarted":true}`))
	}))
	defer srv.Close()

	res, err := invokerFor(srv.URL, 0).Invoke(context.Background(), restartRequest())
	assert.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Contains(t, res.Output, "restarted")
	assert.Equal(t, "tenant-a", got.TenantID)
	assert.Equal(t, "settlement", got.Params["service"])
}

func TestHTTPInvoker_FailedOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"service not found"}`))
	}))
	defer srv.Close()

	// The tool rejected the request: a recorded outcome, not an error
	res, err := invokerFor(srv.URL, 0).Invoke(context.Background(), restartRequest())
	assert.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Output, "service not found")
}

func TestHTTPInvoker_ErrorOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := invokerFor(srv.URL, 0).Invoke(context.Background(), restartRequest())
	assert.Error(t, err)
}

func TestHTTPInvoker_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res, err := invokerFor(srv.URL, 2).Invoke(context.Background(), restartRequest())
	assert.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPInvoker_EndpointOverrideWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/custom/restart", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(config.ToolSettings{
		BaseURL:   "http://unused.invalid",
		Endpoints: map[string]string{"restart-service": srv.URL + "/custom/restart"},
		Timeout:   2 * time.Second,
	})
	res, err := inv.Invoke(context.Background(), restartRequest())
	assert.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
}

func TestHTTPInvoker_NoEndpointConfigured(t *testing.T) {
	inv := NewHTTPInvoker(config.ToolSettings{Timeout: time.Second})
	_, err := inv.Invoke(context.Background(), restartRequest())
	assert.ErrorContains(t, err, "no endpoint configured")
}
