package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "netra.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		envVars map[string]string
		wantErr bool
		check   func(*Config) bool
	}{
		{
			name:    "defaults without file or env",
			wantErr: false,
			check: func(c *Config) bool {
				return c.Model.Backbone == "light" &&
					c.Model.EmbeddingDim == 128 &&
					c.Model.InputSize == 160 &&
					c.Training.Margin == 1.0 &&
					c.Training.BatchSize == 32 &&
					c.Calibration.Steps == 1000 &&
					c.Server.Port == 3000
			},
		},
		{
			name: "yaml overrides defaults",
			yaml: `
model:
  backbone: heavy
  embedding_dim: 256
training:
  margin: 1.5
  seed: 42
`,
			wantErr: false,
			check: func(c *Config) bool {
				return c.Model.Backbone == "heavy" &&
					c.Model.EmbeddingDim == 256 &&
					c.Model.HiddenDim == 256 &&
					c.Training.Margin == 1.5 &&
					c.Training.Seed == 42
			},
		},
		{
			name: "env overrides yaml",
			yaml: `
model:
  backbone: heavy
server:
  port: 8080
`,
			envVars: map[string]string{
				"NETRA_MODEL_BACKBONE":  "light",
				"NETRA_TRAINING_EPOCHS": "5",
				"NETRA_MODEL_MEAN":      "0.5,0.5,0.5",
			},
			wantErr: false,
			check: func(c *Config) bool {
				return c.Model.Backbone == "light" &&
					c.Training.Epochs == 5 &&
					c.Server.Port == 8080 &&
					c.Model.Mean[0] == 0.5 && c.Model.Mean[2] == 0.5
			},
		},
		{
			name:    "unknown yaml field",
			yaml:    "model:\n  colour: blue\n",
			wantErr: true,
		},
		{
			name:    "margin out of range",
			envVars: map[string]string{"NETRA_TRAINING_MARGIN": "2.5"},
			wantErr: true,
		},
		{
			name:    "accelerator device rejected",
			envVars: map[string]string{"NETRA_APP_DEVICE": "cuda"},
			wantErr: true,
		},
		{
			name:    "malformed env value",
			envVars: map[string]string{"NETRA_SERVER_PORT": "eighty"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = writeConfig(t, tt.yaml)
			}

			cfg, err := Load(path)

			if tt.wantErr {
				if err == nil {
					t.Errorf("Load() expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Errorf("Load() unexpected error: %v", err)
				return
			}

			if tt.check != nil && !tt.check(cfg) {
				t.Errorf("Load() config check failed, got: %+v", cfg)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want not-exist", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*Config)
		field string
	}{
		{"backbone", func(c *Config) { c.Model.Backbone = "vgg" }, "model.backbone"},
		{"std length", func(c *Config) { c.Model.Std = []float64{1, 1} }, "model.std"},
		{"std zero", func(c *Config) { c.Model.Std = []float64{1, 0, 1} }, "model.std"},
		{"batch size", func(c *Config) { c.Training.BatchSize = 0 }, "training.batch_size"},
		{"zero margin", func(c *Config) { c.Training.Margin = 0 }, "training.margin"},
		{"lr factor", func(c *Config) { c.Training.LRFactor = 1 }, "training.lr_factor"},
		{"calibration range", func(c *Config) { c.Calibration.Range = "wide" }, "calibration.range"},
		{"log level", func(c *Config) { c.App.LogLevel = "verbose" }, "app.log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mod(cfg)

			err := cfg.Validate()
			var appErr *domain.AppError
			if !errors.As(err, &appErr) || !errors.Is(err, domain.ErrInvalidConfig) {
				t.Fatalf("Validate() error = %v, want INVALID_CONFIG", err)
			}
			if got := appErr.Details["field"]; got != tt.field {
				t.Errorf("Validate() field = %v, want %v", got, tt.field)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestResolveDevice(t *testing.T) {
	tests := []struct {
		name    string
		app     AppConfig
		want    string
		workers int
		wantErr bool
	}{
		{"auto", AppConfig{Device: "auto", Workers: 3}, DeviceCPU, 3, false},
		{"cpu upper case", AppConfig{Device: "CPU", Workers: 1}, DeviceCPU, 1, false},
		{"empty", AppConfig{Workers: 2}, DeviceCPU, 2, false},
		{"mps", AppConfig{Device: "mps"}, "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec, err := ResolveDevice(tt.app)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidConfig) {
					t.Errorf("ResolveDevice() error = %v, want INVALID_CONFIG", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveDevice() unexpected error: %v", err)
			}
			if ec.Device != tt.want || ec.Workers != tt.workers {
				t.Errorf("ResolveDevice() = %+v", ec)
			}
		})
	}

	ec, err := ResolveDevice(AppConfig{})
	if err != nil || ec.Workers <= 0 {
		t.Errorf("ResolveDevice() default workers = %d, err = %v", ec.Workers, err)
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want bool
	}{
		{"development", "development", true},
		{"production", "production", false},
		{"test", "test", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{App: AppConfig{Environment: tt.env}}
			if got := c.IsDevelopment(); got != tt.want {
				t.Errorf("IsDevelopment() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestModelSpec(t *testing.T) {
	spec := Default().ModelSpec()
	if err := spec.Validate(); err != nil {
		t.Errorf("ModelSpec().Validate() = %v", err)
	}
	if spec.EmbeddingDim != 128 || spec.Dropout != 0.5 {
		t.Errorf("ModelSpec() = %+v", spec)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		env       string
		level     string
		debugSeen bool
		json      bool
	}{
		{"production defaults to info json", "production", "", false, true},
		{"development defaults to debug text", "development", "", true, false},
		{"explicit level wins", "development", "warn", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerTo(&buf, tt.env, tt.level)
			logger.Debug("probe")
			if got := strings.Contains(buf.String(), "probe"); got != tt.debugSeen {
				t.Errorf("debug visible = %v, want %v", got, tt.debugSeen)
			}

			buf.Reset()
			logger.Error("boom")
			if got := strings.HasPrefix(buf.String(), "{"); got != tt.json {
				t.Errorf("json output = %v, want %v: %s", got, tt.json, buf.String())
			}
		})
	}

	if NewLogger("production", "info").Enabled(t.Context(), slog.LevelDebug) {
		t.Errorf("production logger should not log debug")
	}
}
