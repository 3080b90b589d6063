package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/config"
)

func TestNewApp_ServesHealth(t *testing.T) {
	// GIVEN: the default configuration on an in-memory database
	// WHEN: the process is wired
	// THEN: the router answers /healthz

	cfg := config.Default()
	cfg.DBPath = ":memory:"
	cfg.VerifySchedule = "@every 5m"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := newApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer a.close()

	assert.Equal(t, ":8080", a.server.Addr)
	a.handler.Scheduler.Start()
	defer a.handler.Scheduler.Stop()

	rec := httptest.NewRecorder()
	a.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewApp_BadDatabasePath(t *testing.T) {
	cfg := config.Default()
	cfg.DBPath = "/nonexistent-dir/settlement.db"

	_, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.Error(t, err)
}
