package handler

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

type staticReadiness bool

func (r staticReadiness) Ready() bool { return bool(r) }

func TestHealthHandler_Health(t *testing.T) {
	app := fiber.New()
	handler := NewHealthHandler(staticReadiness(false), "1.2.3")
	app.Get("/health", handler.Health)

	req := httptest.NewRequest("GET", "/health", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Failed to test: %v", err)
	}

	if resp.StatusCode != 200 {
		t.Errorf("Status = %d, want 200", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var result HealthResponse
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if result.Status != "ok" {
		t.Errorf("Status = %s, want ok", result.Status)
	}

	if result.Version != "1.2.3" {
		t.Errorf("Version = %s, want 1.2.3", result.Version)
	}
}

func TestHealthHandler_Ready(t *testing.T) {
	tests := []struct {
		name       string
		ready      bool
		wantCode   int
		wantStatus string
	}{
		{name: "model loaded", ready: true, wantCode: 200, wantStatus: "ready"},
		{name: "no model", ready: false, wantCode: 503, wantStatus: "model_not_loaded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			handler := NewHealthHandler(staticReadiness(tt.ready), "")
			app.Get("/ready", handler.Ready)

			resp, err := app.Test(httptest.NewRequest("GET", "/ready", nil))
			if err != nil {
				t.Fatalf("Failed to test: %v", err)
			}

			if resp.StatusCode != tt.wantCode {
				t.Errorf("Status = %d, want %d", resp.StatusCode, tt.wantCode)
			}

			body, _ := io.ReadAll(resp.Body)
			var result HealthResponse
			if err := json.Unmarshal(body, &result); err != nil {
				t.Fatalf("Failed to parse response: %v", err)
			}

			if result.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", result.Status, tt.wantStatus)
			}
		})
	}
}
