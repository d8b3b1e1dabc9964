package handler

import (
	"github.com/gofiber/fiber/v2"
)

// ReadinessChecker reports whether a model is loaded.
type ReadinessChecker interface {
	Ready() bool
}

type HealthHandler struct {
	checker ReadinessChecker
	version string
}

func NewHealthHandler(checker ReadinessChecker, version string) *HealthHandler {
	return &HealthHandler{checker: checker, version: version}
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:  "ok",
		Version: h.version,
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	if h.checker == nil || !h.checker.Ready() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(HealthResponse{
			Status: "model_not_loaded",
		})
	}
	return c.JSON(HealthResponse{
		Status: "ready",
	})
}
