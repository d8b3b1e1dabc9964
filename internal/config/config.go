package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
	"github.com/saturnino-fabrica-de-software/netra/internal/model"
)

// EnvPrefix namespaces every environment override, e.g. NETRA_MODEL_BACKBONE.
const EnvPrefix = "NETRA"

type Config struct {
	App         AppConfig         `yaml:"app" envconfig:"APP"`
	Model       ModelConfig       `yaml:"model" envconfig:"MODEL"`
	Training    TrainingConfig    `yaml:"training" envconfig:"TRAINING"`
	Data        DataConfig        `yaml:"data" envconfig:"DATA"`
	Calibration CalibrationConfig `yaml:"calibration" envconfig:"CALIBRATION"`
	Server      ServerConfig      `yaml:"server" envconfig:"SERVER"`
}

type AppConfig struct {
	Environment string `yaml:"environment" envconfig:"ENV"`
	LogLevel    string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	Device      string `yaml:"device" envconfig:"DEVICE"`
	Workers     int    `yaml:"workers" envconfig:"WORKERS"`
}

type ModelConfig struct {
	Backbone     string    `yaml:"backbone" envconfig:"BACKBONE"`
	EmbeddingDim int       `yaml:"embedding_dim" envconfig:"EMBEDDING_DIM"`
	HiddenDim    int       `yaml:"hidden_dim" envconfig:"HIDDEN_DIM"`
	InputSize    int       `yaml:"input_size" envconfig:"INPUT_SIZE"`
	Dropout      float64   `yaml:"dropout" envconfig:"DROPOUT"`
	Mean         []float64 `yaml:"mean" envconfig:"MEAN"`
	Std          []float64 `yaml:"std" envconfig:"STD"`
}

type TrainingConfig struct {
	Epochs          int     `yaml:"epochs" envconfig:"EPOCHS"`
	BatchSize       int     `yaml:"batch_size" envconfig:"BATCH_SIZE"`
	LearningRate    float64 `yaml:"learning_rate" envconfig:"LEARNING_RATE"`
	WeightDecay     float64 `yaml:"weight_decay" envconfig:"WEIGHT_DECAY"`
	Margin          float64 `yaml:"margin" envconfig:"MARGIN"`
	LRFactor        float64 `yaml:"lr_factor" envconfig:"LR_FACTOR"`
	LRPatience      int     `yaml:"lr_patience" envconfig:"LR_PATIENCE"`
	StopPatience    int     `yaml:"stop_patience" envconfig:"STOP_PATIENCE"`
	CheckpointEvery int     `yaml:"checkpoint_every" envconfig:"CHECKPOINT_EVERY"`
	CheckpointDir   string  `yaml:"checkpoint_dir" envconfig:"CHECKPOINT_DIR"`
	Augment         bool    `yaml:"augment" envconfig:"AUGMENT"`
	Seed            uint64  `yaml:"seed" envconfig:"SEED"`
}

type DataConfig struct {
	TrainDir        string `yaml:"train_dir" envconfig:"TRAIN_DIR"`
	ValDir          string `yaml:"val_dir" envconfig:"VAL_DIR"`
	PairsPerEpoch   int    `yaml:"pairs_per_epoch" envconfig:"PAIRS_PER_EPOCH"`
	ValidationPairs int    `yaml:"validation_pairs" envconfig:"VALIDATION_PAIRS"`
	NegativeRetries int    `yaml:"negative_retries" envconfig:"NEGATIVE_RETRIES"`
}

type CalibrationConfig struct {
	Steps         int    `yaml:"steps" envconfig:"STEPS"`
	Range         string `yaml:"range" envconfig:"RANGE"`
	ThresholdPath string `yaml:"threshold_path" envconfig:"THRESHOLD_PATH"`
}

type ServerConfig struct {
	Port           int           `yaml:"port" envconfig:"PORT"`
	CheckpointPath string        `yaml:"checkpoint_path" envconfig:"CHECKPOINT_PATH"`
	ThresholdPath  string        `yaml:"threshold_path" envconfig:"THRESHOLD_PATH"`
	BodyLimitMB    int           `yaml:"body_limit_mb" envconfig:"BODY_LIMIT_MB"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps" envconfig:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST"`
	WatchInterval  time.Duration `yaml:"watch_interval" envconfig:"WATCH_INTERVAL"` // 0 disables polling
}

// Default returns the built-in configuration every other source overrides.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Environment: "development",
			LogLevel:    "info",
			Device:      DeviceAuto,
		},
		Model: ModelConfig{
			Backbone:     model.BackboneLight,
			EmbeddingDim: 128,
			HiddenDim:    256,
			InputSize:    160,
			Dropout:      0.5,
			Mean:         []float64{0.485, 0.456, 0.406},
			Std:          []float64{0.229, 0.224, 0.225},
		},
		Training: TrainingConfig{
			Epochs:          100,
			BatchSize:       32,
			LearningRate:    1e-3,
			WeightDecay:     1e-4,
			Margin:          1.0,
			LRFactor:        0.5,
			LRPatience:      10,
			StopPatience:    20,
			CheckpointEvery: 10,
			CheckpointDir:   "checkpoints",
			Augment:         true,
		},
		Data: DataConfig{
			TrainDir:        "data/train",
			ValDir:          "data/val",
			ValidationPairs: 1000,
			NegativeRetries: 10,
		},
		Calibration: CalibrationConfig{
			Steps:         1000,
			Range:         "observed",
			ThresholdPath: "checkpoints/threshold.json",
		},
		Server: ServerConfig{
			Port:           3000,
			CheckpointPath: "checkpoints/best.ckpt",
			ThresholdPath:  "checkpoints/threshold.json",
			BodyLimitMB:    10,
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			WatchInterval:  30 * time.Second,
		},
	}
}

// Load layers the optional YAML file at path, a .env file in the working
// directory and NETRA_* environment variables over the defaults, then
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports the first invalid setting as INVALID_CONFIG.
func (c *Config) Validate() error {
	invalid := func(field string, value any) error {
		return domain.ErrInvalidConfig.WithDetails(map[string]any{"field": field, "value": value})
	}

	switch {
	case !slices.Contains([]string{"development", "production", "test"}, c.App.Environment):
		return invalid("app.environment", c.App.Environment)
	case !slices.Contains([]string{"debug", "info", "warn", "error"}, c.App.LogLevel):
		return invalid("app.log_level", c.App.LogLevel)
	case c.App.Workers < 0:
		return invalid("app.workers", c.App.Workers)

	case !slices.Contains(model.Backbones(), c.Model.Backbone):
		return invalid("model.backbone", c.Model.Backbone)
	case c.Model.EmbeddingDim <= 0:
		return invalid("model.embedding_dim", c.Model.EmbeddingDim)
	case c.Model.HiddenDim <= 0:
		return invalid("model.hidden_dim", c.Model.HiddenDim)
	case c.Model.InputSize < 4:
		return invalid("model.input_size", c.Model.InputSize)
	case c.Model.Dropout < 0 || c.Model.Dropout >= 1:
		return invalid("model.dropout", c.Model.Dropout)
	case len(c.Model.Mean) != 3:
		return invalid("model.mean", c.Model.Mean)
	case len(c.Model.Std) != 3 || slices.ContainsFunc(c.Model.Std, func(v float64) bool { return v <= 0 }):
		return invalid("model.std", c.Model.Std)

	case c.Training.Epochs <= 0:
		return invalid("training.epochs", c.Training.Epochs)
	case c.Training.BatchSize <= 0:
		return invalid("training.batch_size", c.Training.BatchSize)
	case c.Training.LearningRate <= 0:
		return invalid("training.learning_rate", c.Training.LearningRate)
	case c.Training.WeightDecay < 0:
		return invalid("training.weight_decay", c.Training.WeightDecay)
	case !(c.Training.Margin > 0 && c.Training.Margin <= 2):
		return invalid("training.margin", c.Training.Margin)
	case c.Training.LRFactor <= 0 || c.Training.LRFactor >= 1:
		return invalid("training.lr_factor", c.Training.LRFactor)
	case c.Training.LRPatience <= 0:
		return invalid("training.lr_patience", c.Training.LRPatience)
	case c.Training.StopPatience <= 0:
		return invalid("training.stop_patience", c.Training.StopPatience)
	case c.Training.CheckpointEvery < 0:
		return invalid("training.checkpoint_every", c.Training.CheckpointEvery)

	case c.Data.PairsPerEpoch < 0:
		return invalid("data.pairs_per_epoch", c.Data.PairsPerEpoch)
	case c.Data.ValidationPairs <= 0:
		return invalid("data.validation_pairs", c.Data.ValidationPairs)
	case c.Data.NegativeRetries < 0:
		return invalid("data.negative_retries", c.Data.NegativeRetries)

	case c.Calibration.Steps < 2:
		return invalid("calibration.steps", c.Calibration.Steps)
	case !slices.Contains([]string{"observed", "theoretical"}, c.Calibration.Range):
		return invalid("calibration.range", c.Calibration.Range)

	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return invalid("server.port", c.Server.Port)
	case c.Server.BodyLimitMB <= 0:
		return invalid("server.body_limit_mb", c.Server.BodyLimitMB)
	case c.Server.RateLimitRPS < 0:
		return invalid("server.rate_limit_rps", c.Server.RateLimitRPS)
	case c.Server.WatchInterval < 0:
		return invalid("server.watch_interval", c.Server.WatchInterval.String())
	}

	if _, err := ParseDevice(c.App.Device); err != nil {
		return err
	}
	return nil
}

// ModelSpec is the architecture the configuration describes.
func (c *Config) ModelSpec() model.Spec {
	return model.Spec{
		Backbone:     c.Model.Backbone,
		EmbeddingDim: c.Model.EmbeddingDim,
		HiddenDim:    c.Model.HiddenDim,
		InputSize:    c.Model.InputSize,
		Dropout:      c.Model.Dropout,
	}
}

func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}
