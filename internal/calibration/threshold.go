package calibration

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/google/renameio"

	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
)

// SaveThreshold writes th as indented JSON, replacing path atomically.
func SaveThreshold(path string, th domain.Threshold) error {
	if err := validateThreshold(th); err != nil {
		return err
	}
	data, err := json.MarshalIndent(th, "", "  ")
	if err != nil {
		return fmt.Errorf("encode threshold: %w", err)
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write threshold %s: %w", path, err)
	}
	return nil
}

func LoadThreshold(path string) (domain.Threshold, error) {
	var th domain.Threshold
	data, err := os.ReadFile(path)
	if err != nil {
		return th, fmt.Errorf("read threshold %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &th); err != nil {
		return th, domain.ErrInvalidConfig.WithDetails(map[string]any{"path": path}).WithError(err)
	}
	if err := validateThreshold(th); err != nil {
		return domain.Threshold{}, err
	}
	return th, nil
}

func validateThreshold(th domain.Threshold) error {
	switch {
	case math.IsNaN(th.Value) || math.IsInf(th.Value, 0) || th.Value < 0:
		return domain.ErrInvalidConfig.WithDetails(map[string]any{"field": "value", "value": fmt.Sprint(th.Value)})
	case th.Metric != domain.MetricEuclidean:
		return domain.ErrInvalidConfig.WithDetails(map[string]any{"field": "metric", "value": th.Metric})
	case th.CheckpointID == "":
		return domain.ErrInvalidConfig.WithDetails(map[string]any{"field": "checkpoint_id", "value": ""})
	}
	return nil
}
