package inference

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/histoseg/platform/internal/domain"
)

func TestRun_StreamsProgressThenResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/segment", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"progress","stage":"preprocessing","progress":10}`)
		fmt.Fprintln(w, `{"type":"progress","stage":"inference","progress":60}`)
		fmt.Fprintln(w, `{"type":"progress","stage":"saving","progress":95}`)
		fmt.Fprintln(w, `{"type":"result","polygons":[{"id":"p1","type":"external","points":[{"x":1,"y":1},{"x":2,"y":1},{"x":2,"y":2}]}],"duration_ms":1200}`)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Minute)
	var seen []domain.InferenceProgress
	res, err := c.Run(context.Background(), domain.InferenceRequest{ImageID: "i1", Model: "resunet"}, func(p domain.InferenceProgress) {
		seen = append(seen, p)
	})
	require.NoError(t, err)
	require.Len(t, res.Polygons, 1)
	assert.Equal(t, 1200*time.Millisecond, res.Duration)
	require.Len(t, seen, 3)
	assert.Equal(t, domain.StagePreprocessing, seen[0].Stage)
	assert.Equal(t, 95.0, seen[2].Progress)
}

func TestRun_ClampsRegressingProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"type":"progress","stage":"inference","progress":50}`)
		fmt.Fprintln(w, `{"type":"progress","stage":"inference","progress":40}`)
		fmt.Fprintln(w, `{"type":"result","polygons":[],"duration_ms":1}`)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Minute)
	var seen []float64
	_, err := c.Run(context.Background(), domain.InferenceRequest{ImageID: "i1"}, func(p domain.InferenceProgress) {
		seen = append(seen, p.Progress)
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{50, 50}, seen)
}

func TestRun_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, `{"type":"result","polygons":[],"duration_ms":5}`)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Minute)
	_, err := c.Run(context.Background(), domain.InferenceRequest{ImageID: "i1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRun_ServiceErrorLineIsTerminal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprintln(w, `{"type":"progress","stage":"inference","progress":30}`)
		fmt.Fprintln(w, `{"type":"error","message":"model crashed"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Minute)
	_, err := c.Run(context.Background(), domain.InferenceRequest{ImageID: "i1"}, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "model crashed")
	// Mid-stream failures must not be re-run by the client.
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRun_BadRequestIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Minute)
	_, err := c.Run(context.Background(), domain.InferenceRequest{ImageID: "i1"}, nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Minute)
	require.NoError(t, c.Health(context.Background()))
}
