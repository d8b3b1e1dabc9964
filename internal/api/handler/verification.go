package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
	"github.com/saturnino-fabrica-de-software/netra/internal/nn"
	"github.com/saturnino-fabrica-de-software/netra/internal/service"
)

const (
	maxImageSize = 10 * 1024 * 1024 // 10MB
)

var validImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/bmp":  true,
	"image/gif":  true,
}

// VerificationService is implemented by *service.VerificationService.
type VerificationService interface {
	Decode(data []byte) (*nn.Tensor, error)
	Embed(ctx context.Context, x *nn.Tensor) (domain.Embedding, error)
	Compare(a, b domain.Embedding) (domain.Comparison, error)
	Verify(ctx context.Context, a, b *nn.Tensor, override *float64) (domain.Verification, error)
	Reload(checkpointPath, thresholdPath string) (service.Status, error)
	Status() service.Status
}

// ModelPaths are the files a reload reads.
type ModelPaths struct {
	Checkpoint string
	Threshold  string
}

type VerificationHandler struct {
	service VerificationService
	paths   ModelPaths
	logger  *slog.Logger
}

func NewVerificationHandler(service VerificationService, paths ModelPaths, logger *slog.Logger) *VerificationHandler {
	return &VerificationHandler{
		service: service,
		paths:   paths,
		logger:  logger,
	}
}

type EmbedResponse struct {
	Embedding domain.Embedding `json:"embedding"`
	Dimension int              `json:"dimension"`
}

type CompareRequest struct {
	Embedding1 domain.Embedding `json:"embedding1"`
	Embedding2 domain.Embedding `json:"embedding2"`
}

// Embed POST /v1/embed - embedding of one face image
func (h *VerificationHandler) Embed(c *fiber.Ctx) error {
	x, err := h.decodeImage(c, "image")
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}

	e, err := h.service.Embed(c.Context(), x)
	if err != nil {
		return err
	}

	return c.JSON(EmbedResponse{
		Embedding: e,
		Dimension: len(e),
	})
}

// Compare POST /v1/compare - similarity of two embeddings
func (h *VerificationHandler) Compare(c *fiber.Ctx) error {
	var req CompareRequest
	if err := c.BodyParser(&req); err != nil {
		return domain.ErrValidationFailed.WithError(err)
	}
	if len(req.Embedding1) == 0 || len(req.Embedding2) == 0 {
		return domain.ErrValidationFailed.WithError(errors.New("embedding1 and embedding2 are required"))
	}

	cmp, err := h.service.Compare(req.Embedding1, req.Embedding2)
	if err != nil {
		return err
	}
	return c.JSON(cmp)
}

// Verify POST /v1/verify - 1:1 decision for two face images
func (h *VerificationHandler) Verify(c *fiber.Ctx) error {
	var override *float64
	if raw := strings.TrimSpace(c.FormValue("threshold")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return domain.ErrValidationFailed.WithDetails(map[string]any{"field": "threshold"}).WithError(err)
		}
		override = &v
	}

	a, err := h.decodeImage(c, "image1")
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	b, err := h.decodeImage(c, "image2")
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	v, err := h.service.Verify(c.Context(), a, b, override)
	if err != nil {
		return err
	}
	return c.JSON(v)
}

// Model GET /v1/model - active checkpoint and threshold
func (h *VerificationHandler) Model(c *fiber.Ctx) error {
	return c.JSON(h.service.Status())
}

// Reload POST /v1/model/reload - re-read checkpoint and threshold from disk
func (h *VerificationHandler) Reload(c *fiber.Ctx) error {
	st, err := h.service.Reload(h.paths.Checkpoint, h.paths.Threshold)
	if err != nil {
		return err
	}
	h.logger.Info("model reloaded via api", "checkpoint_id", st.CheckpointID)
	return c.JSON(st)
}

func (h *VerificationHandler) decodeImage(c *fiber.Ctx, field string) (*nn.Tensor, error) {
	data, err := extractAndValidateImage(c, field)
	if err != nil {
		return nil, err
	}
	return h.service.Decode(data)
}

func extractAndValidateImage(c *fiber.Ctx, field string) ([]byte, error) {
	file, err := c.FormFile(field)
	if err != nil {
		return nil, domain.ErrValidationFailed.WithDetails(map[string]any{"field": field}).WithError(err)
	}

	if file.Size == 0 || file.Size > maxImageSize {
		return nil, domain.ErrInvalidImage.WithDetails(map[string]any{"field": field, "size": file.Size})
	}

	contentType := file.Header.Get("Content-Type")
	if !validImageTypes[contentType] {
		return nil, domain.ErrInvalidImage.WithDetails(map[string]any{"field": field, "content_type": contentType})
	}

	f, err := file.Open()
	if err != nil {
		return nil, domain.ErrInvalidImage.WithError(err)
	}
	defer func() {
		_ = f.Close()
	}()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, domain.ErrInvalidImage.WithError(err)
	}
	return data, nil
}
