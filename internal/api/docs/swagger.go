package docs

import (
	"github.com/go-swagno/swagno"
	"github.com/go-swagno/swagno/components/endpoint"
	"github.com/go-swagno/swagno/components/http/response"
	"github.com/go-swagno/swagno/components/mime"
	"github.com/go-swagno/swagno/components/parameter"
)

// EmbedResponse represents the embedding of one face image
type EmbedResponse struct {
	Embedding []float64 `json:"embedding" example:"[0.12,-0.03,0.41]"`
	Dimension int       `json:"dimension" example:"128"`
}

// CompareRequest carries two embeddings of equal length
type CompareRequest struct {
	Embedding1 []float64 `json:"embedding1" example:"[0.6,0.8]"`
	Embedding2 []float64 `json:"embedding2" example:"[0.8,0.6]"`
}

// CompareResponse represents both similarity views of two embeddings
type CompareResponse struct {
	CosineSimilarity     float64 `json:"cosine_similarity" example:"0.96"`
	EuclideanDistance    float64 `json:"euclidean_distance" example:"0.2828"`
	NormalizedSimilarity float64 `json:"normalized_similarity" example:"0.98"`
}

// VerifyResponse represents a 1:1 verification decision
type VerifyResponse struct {
	IsMatch          bool    `json:"is_match" example:"true"`
	Distance         float64 `json:"distance" example:"0.61"`
	CosineSimilarity float64 `json:"cosine_similarity" example:"0.81"`
	Threshold        float64 `json:"threshold" example:"0.83"`
	CheckpointID     string  `json:"checkpoint_id" example:"550e8400-e29b-41d4-a716-446655440000"`
}

// ModelStatusResponse describes the active checkpoint
type ModelStatusResponse struct {
	Loaded       bool     `json:"loaded" example:"true"`
	CheckpointID string   `json:"checkpoint_id" example:"550e8400-e29b-41d4-a716-446655440000"`
	Backbone     string   `json:"backbone" example:"light"`
	EmbeddingDim int      `json:"embedding_dim" example:"128"`
	Epoch        int      `json:"epoch" example:"42"`
	Threshold    *float64 `json:"threshold,omitempty" example:"0.83"`
	LoadedAt     string   `json:"loaded_at" example:"2026-01-01T00:00:00Z"`
}

// HealthResponse represents liveness and readiness probes
type HealthResponse struct {
	Status  string `json:"status" example:"ok"`
	Version string `json:"version,omitempty" example:"0.1.0"`
}

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Code    string         `json:"code" example:"VALIDATION_FAILED"`
	Message string         `json:"message" example:"Request validation failed"`
	Details map[string]any `json:"details,omitempty"`
}

func NewSwagger() *swagno.Swagger {
	sw := swagno.New(swagno.Config{
		Title:       "Netra Face Verification API",
		Version:     "v1.0.0",
		Description: "Embedding, comparison and 1:1 verification of pre-cropped face images against a trained checkpoint",
		Host:        "localhost:3000",
		Path:        "/",
	})

	internalErr := response.New(ErrorResponse{Code: "INTERNAL_ERROR", Message: "An unexpected error occurred"}, "500", "Internal Server Error")
	rateLimited := response.New(ErrorResponse{Code: "RATE_LIMIT_EXCEEDED", Message: "Rate limit exceeded"}, "429", "Too Many Requests")
	notLoaded := response.New(ErrorResponse{Code: "MODEL_NOT_LOADED", Message: "No checkpoint is loaded"}, "503", "Service Unavailable")

	endpoints := []*endpoint.EndPoint{
		// GET /health
		endpoint.New(
			endpoint.GET,
			"/health",
			endpoint.WithTags("Health"),
			endpoint.WithSummary("Liveness probe"),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(HealthResponse{}, "200", "Service is running"),
			}),
		),

		// GET /ready
		endpoint.New(
			endpoint.GET,
			"/ready",
			endpoint.WithTags("Health"),
			endpoint.WithSummary("Readiness probe"),
			endpoint.WithDescription("Ready once a checkpoint has been loaded"),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(HealthResponse{Status: "ready"}, "200", "Model loaded"),
			}),
			endpoint.WithErrors([]response.Response{
				response.New(HealthResponse{Status: "model_not_loaded"}, "503", "No model loaded"),
			}),
		),

		// POST /v1/embed
		endpoint.New(
			endpoint.POST,
			"/v1/embed",
			endpoint.WithTags("Verification"),
			endpoint.WithSummary("Embed a face image"),
			endpoint.WithDescription("Resizes and normalises the image, then returns its unit-norm embedding. The image is expected to be cropped to the face."),
			endpoint.WithConsume([]mime.MIME{mime.MIME("multipart/form-data")}),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithParams(
				parameter.FileParam("image", parameter.WithRequired(), parameter.WithDescription("Face image (jpeg, png, webp, bmp, gif; max 10MB)")),
			),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(EmbedResponse{}, "200", "Embedding computed"),
			}),
			endpoint.WithErrors([]response.Response{
				response.New(ErrorResponse{Code: "INVALID_IMAGE", Message: "Invalid or corrupted image"}, "422", "Unprocessable Entity"),
				rateLimited,
				notLoaded,
				internalErr,
			}),
		),

		// POST /v1/compare
		endpoint.New(
			endpoint.POST,
			"/v1/compare",
			endpoint.WithTags("Verification"),
			endpoint.WithSummary("Compare two embeddings"),
			endpoint.WithDescription("Cosine similarity, euclidean distance sqrt(2-2cos) and (cos+1)/2. Symmetric in its arguments."),
			endpoint.WithConsume([]mime.MIME{mime.JSON}),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithBody(CompareRequest{}),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(CompareResponse{}, "200", "Comparison computed"),
			}),
			endpoint.WithErrors([]response.Response{
				response.New(ErrorResponse{Code: "INVALID_INPUT", Message: "Invalid input"}, "422", "Unprocessable Entity"),
				rateLimited,
				internalErr,
			}),
		),

		// POST /v1/verify
		endpoint.New(
			endpoint.POST,
			"/v1/verify",
			endpoint.WithTags("Verification"),
			endpoint.WithSummary("Verify two face images (1:1)"),
			endpoint.WithDescription("Match when the embedding distance is at most the threshold. The calibrated threshold of the active checkpoint applies unless one is given."),
			endpoint.WithConsume([]mime.MIME{mime.MIME("multipart/form-data")}),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithParams(
				parameter.FileParam("image1", parameter.WithRequired(), parameter.WithDescription("First face image")),
				parameter.FileParam("image2", parameter.WithRequired(), parameter.WithDescription("Second face image")),
				parameter.StrParam("threshold", parameter.Form, parameter.WithDescription("Distance threshold override (>= 0)")),
			),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(VerifyResponse{}, "200", "Verification completed"),
			}),
			endpoint.WithErrors([]response.Response{
				response.New(ErrorResponse{Code: "INVALID_INPUT", Message: "Invalid input"}, "422", "Unprocessable Entity"),
				rateLimited,
				notLoaded,
				response.New(ErrorResponse{Code: "THRESHOLD_NOT_CALIBRATED", Message: "No calibrated threshold for the active checkpoint"}, "503", "Service Unavailable"),
				internalErr,
			}),
		),

		// GET /v1/model
		endpoint.New(
			endpoint.GET,
			"/v1/model",
			endpoint.WithTags("Model"),
			endpoint.WithSummary("Active checkpoint"),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(ModelStatusResponse{}, "200", "Model status"),
			}),
		),

		// POST /v1/model/reload
		endpoint.New(
			endpoint.POST,
			"/v1/model/reload",
			endpoint.WithTags("Model"),
			endpoint.WithSummary("Reload checkpoint and threshold"),
			endpoint.WithDescription("Re-reads the configured files. On failure the previous checkpoint keeps serving."),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(ModelStatusResponse{}, "200", "Model reloaded"),
			}),
			endpoint.WithErrors([]response.Response{
				response.New(ErrorResponse{Code: "CHECKPOINT_MISMATCH", Message: "Checkpoint does not match the configured model"}, "409", "Conflict"),
				response.New(ErrorResponse{Code: "CHECKPOINT_CORRUPT", Message: "Checkpoint file is corrupt"}, "500", "Internal Server Error"),
			}),
		),
	}

	sw.AddEndpoints(endpoints)

	return sw
}
