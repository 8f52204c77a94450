package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHealthHandler_Healthy(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := healthHandler(
		func(context.Context) error { return nil },
		func() *PoolStats { return &PoolStats{TotalConns: 2, MaxConns: 10, Healthy: true} },
	)
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Status string    `json:"status"`
		Pool   PoolStats `json:"pool"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" || body.Pool.TotalConns != 2 {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestHealthHandler_PingFails(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := healthHandler(
		func(context.Context) error { return errors.New("connection refused") },
		func() *PoolStats { return &PoolStats{TotalConns: 1, Healthy: true} },
	)
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}

	var body struct {
		Status string    `json:"status"`
		Error  string    `json:"error"`
		Pool   PoolStats `json:"pool"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Status != "unhealthy" || body.Error != "connection refused" {
		t.Errorf("unexpected body: %+v", body)
	}
	if body.Pool.Healthy {
		t.Error("expected pool to be reported unhealthy when ping fails")
	}
}
