package domain

import (
	"fmt"
	"maps"
)

type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	StatusCode int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"`
}

func (e *AppError) Error() string {
	msg := e.Message
	if len(e.Details) > 0 {
		msg = fmt.Sprintf("%s %v", msg, e.Details)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches on Code so errors derived through WithError/WithDetails still
// satisfy errors.Is against the package sentinels.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *AppError) WithError(err error) *AppError {
	return &AppError{
		Code:       e.Code,
		Message:    e.Message,
		StatusCode: e.StatusCode,
		Details:    maps.Clone(e.Details),
		Err:        err,
	}
}

// WithDetails returns a copy carrying the given diagnostic fields merged over
// any existing ones.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	maps.Copy(merged, e.Details)
	maps.Copy(merged, details)
	return &AppError{
		Code:       e.Code,
		Message:    e.Message,
		StatusCode: e.StatusCode,
		Details:    merged,
		Err:        e.Err,
	}
}

// Pre-defined errors
var (
	ErrInternal = &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    "An unexpected error occurred",
		StatusCode: 500,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: 400,
	}

	ErrValidationFailed = &AppError{
		Code:       "VALIDATION_FAILED",
		Message:    "Request validation failed",
		StatusCode: 422,
	}

	ErrInvalidImage = &AppError{
		Code:       "INVALID_IMAGE",
		Message:    "Invalid image format or corrupted file",
		StatusCode: 422,
	}

	ErrRateLimitExceeded = &AppError{
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "Rate limit exceeded, please try again later",
		StatusCode: 429,
	}

	// Engine errors

	ErrInvalidInput = &AppError{
		Code:       "INVALID_INPUT",
		Message:    "Input is not valid for this operation",
		StatusCode: 422,
	}

	ErrCheckpointMismatch = &AppError{
		Code:       "CHECKPOINT_MISMATCH",
		Message:    "Checkpoint metadata conflicts with the configured model",
		StatusCode: 409,
	}

	ErrCheckpointCorrupt = &AppError{
		Code:       "CHECKPOINT_CORRUPT",
		Message:    "Checkpoint file is unreadable",
		StatusCode: 500,
	}

	ErrModelNotLoaded = &AppError{
		Code:       "MODEL_NOT_LOADED",
		Message:    "No checkpoint has been loaded",
		StatusCode: 503,
	}

	ErrThresholdNotCalibrated = &AppError{
		Code:       "THRESHOLD_NOT_CALIBRATED",
		Message:    "No calibrated threshold is installed and none was supplied",
		StatusCode: 503,
	}

	ErrThresholdMismatch = &AppError{
		Code:       "THRESHOLD_MISMATCH",
		Message:    "Threshold was calibrated for a different checkpoint",
		StatusCode: 409,
	}

	ErrCalibrationDegenerate = &AppError{
		Code:       "CALIBRATION_DEGENERATE",
		Message:    "Validation set must contain both same and different identity pairs",
		StatusCode: 422,
	}

	ErrInsufficientIdentityImages = &AppError{
		Code:       "INSUFFICIENT_IDENTITY_IMAGES",
		Message:    "Identity has fewer than two images and cannot form a positive pair",
		StatusCode: 422,
	}

	ErrDatasetTooSmall = &AppError{
		Code:       "DATASET_TOO_SMALL",
		Message:    "Dataset cannot produce both positive and negative pairs",
		StatusCode: 422,
	}

	ErrNonFiniteLoss = &AppError{
		Code:       "NON_FINITE_LOSS",
		Message:    "Training produced a non-finite loss",
		StatusCode: 500,
	}

	ErrInvalidConfig = &AppError{
		Code:       "INVALID_CONFIG",
		Message:    "Invalid configuration",
		StatusCode: 500,
	}
)
