package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"courier/internal/services"

	"github.com/gofiber/fiber/v2"
)

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]HealthCheck
		wantCode   int
		wantStatus string
	}{
		{
			name:       "no checks",
			checks:     nil,
			wantCode:   fiber.StatusOK,
			wantStatus: "healthy",
		},
		{
			name: "all healthy",
			checks: map[string]HealthCheck{
				"store": func(ctx context.Context) error { return nil },
				"queue": func(ctx context.Context) error { return nil },
			},
			wantCode:   fiber.StatusOK,
			wantStatus: "healthy",
		},
		{
			name: "one failing",
			checks: map[string]HealthCheck{
				"store": func(ctx context.Context) error { return nil },
				"queue": func(ctx context.Context) error { return errors.New("redis down") },
			},
			wantCode:   fiber.StatusServiceUnavailable,
			wantStatus: "degraded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(services.NewConnectionManager(nil), "instance-1")
			for name, check := range tt.checks {
				h.AddCheck(name, check)
			}

			app := fiber.New()
			app.Get("/health", h.Handle)

			resp, err := app.Test(httptest.NewRequest("GET", "/health", nil), -1)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantCode {
				t.Errorf("Expected %d, got %d", tt.wantCode, resp.StatusCode)
			}

			var body struct {
				Status     string            `json:"status"`
				Instance   string            `json:"instance"`
				Components map[string]string `json:"components"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("Invalid response: %v", err)
			}
			if body.Status != tt.wantStatus || body.Instance != "instance-1" {
				t.Errorf("Unexpected body: %+v", body)
			}
			if tt.wantStatus == "degraded" && body.Components["queue"] != "redis down" {
				t.Errorf("Expected the failure reason, got %v", body.Components)
			}
		})
	}
}
