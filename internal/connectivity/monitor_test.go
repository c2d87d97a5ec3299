package connectivity_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/connectivity"
)

type recordingSink struct {
	mu     sync.Mutex
	states []bool
}

func (r *recordingSink) SetOnline(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, online)
}

func (r *recordingSink) last() (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return false, false
	}
	return r.states[len(r.states)-1], true
}

func TestMonitorReportsOnline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sink := &recordingSink{}
	monitor, err := connectivity.NewMonitor(server.URL, time.Hour, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go monitor.Run(ctx)

	assert.Eventually(t, func() bool {
		state, ok := sink.last()
		return ok && state
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
}

func TestMonitorReportsOfflineOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sink := &recordingSink{}
	monitor, err := connectivity.NewMonitor(server.URL, time.Hour, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go monitor.Run(ctx)

	assert.Eventually(t, func() bool {
		state, ok := sink.last()
		return ok && !state
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
}

func TestMonitorReportsOfflineOnUnreachableHost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	sink := &recordingSink{}
	monitor, err := connectivity.NewMonitor(url, time.Hour, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go monitor.Run(ctx)

	assert.Eventually(t, func() bool {
		state, ok := sink.last()
		return ok && !state
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
}

func TestNewMonitorValidation(t *testing.T) {
	sink := &recordingSink{}

	_, err := connectivity.NewMonitor("", time.Second, sink)
	require.Error(t, err)

	_, err = connectivity.NewMonitor("https://example.com", time.Second, nil)
	require.Error(t, err)
}
