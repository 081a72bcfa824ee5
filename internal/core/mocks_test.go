package core

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"tollgate/internal/config"
	"tollgate/internal/types"
)

// mockAuthenticator returns a fixed Actor or error and records tokens.
type mockAuthenticator struct {
	actor *types.Actor
	err   error

	mu    sync.Mutex
	calls []string
}

func (m *mockAuthenticator) ResolveToken(_ context.Context, token string) (*types.Actor, error) {
	m.mu.Lock()
	m.calls = append(m.calls, token)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.actor, nil
}

type recordedRequest struct {
	method, route, status string
}

type mockMetrics struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (m *mockMetrics) RecordRequest(method, route, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, recordedRequest{method, route, status})
}

type stubProbe struct {
	name  string
	err   error
	delay time.Duration
	panic bool
}

func (p stubProbe) Name() string { return p.name }

func (p stubProbe) Check(ctx context.Context) error {
	if p.panic {
		panic("boom")
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{Environment: "local"}
	cfg.Server.RequestTimeout = 5 * time.Second
	cfg.Build.Version = "test"
	srv, err := NewServer(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}
