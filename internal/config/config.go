package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime knobs for training, evaluation and prediction.
type Config struct {
	Data       DataConfig       `yaml:"data"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Augment    AugmentConfig    `yaml:"augment"`
	Model      ModelConfig      `yaml:"model"`
	Train      TrainConfig      `yaml:"train"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DataConfig locates the dataset and controls partitioning.
type DataConfig struct {
	Root            string   `yaml:"root"`
	Labels          string   `yaml:"labels"`
	Extensions      []string `yaml:"extensions"`
	ExpectedCount   int      `yaml:"expected_count"`
	ValFraction     float64  `yaml:"val_fraction"`
	TestFraction    float64  `yaml:"test_fraction"`
	MaxSkipFraction float64  `yaml:"max_skip_fraction"`
}

// PreprocessConfig mirrors preprocess.Options.
type PreprocessConfig struct {
	ImageSize     int     `yaml:"image_size"`
	GrayTolerance int     `yaml:"gray_tolerance"`
	CropBorders   bool    `yaml:"crop_borders"`
	CircleCrop    bool    `yaml:"circle_crop"`
	BlurSigma     float64 `yaml:"blur_sigma"`
}

// AugmentConfig mirrors augment.Options.
type AugmentConfig struct {
	Enabled        bool    `yaml:"enabled"`
	FlipHorizontal bool    `yaml:"flip_horizontal"`
	FlipVertical   bool    `yaml:"flip_vertical"`
	Rotate90       bool    `yaml:"rotate90"`
	Brightness     float64 `yaml:"brightness"`
	Contrast       float64 `yaml:"contrast"`
}

// ModelConfig selects the architecture and optimizer settings.
type ModelConfig struct {
	Version        string  `yaml:"version"`
	Grid           int     `yaml:"grid"`
	Hidden         int     `yaml:"hidden"`
	LearningRate   float64 `yaml:"learning_rate"`
	WeightDecay    float64 `yaml:"weight_decay"`
	ClassWeighting string  `yaml:"class_weighting"`
}

// TrainConfig drives the training loop.
type TrainConfig struct {
	Epochs          int     `yaml:"epochs"`
	BatchSize       int     `yaml:"batch_size"`
	NumWorkers      int     `yaml:"num_workers"`
	QueueCapacity   int     `yaml:"queue_capacity"`
	Patience        int     `yaml:"patience"`
	MinDelta        float64 `yaml:"min_delta"`
	CheckpointDir   string  `yaml:"checkpoint_dir"`
	CheckpointEvery int     `yaml:"checkpoint_every"`
	MetricLog       string  `yaml:"metric_log"`
	Resume          string  `yaml:"resume"`
	Seed            int64   `yaml:"seed"`
	LogEvery        int     `yaml:"log_every"`
}

// MetricsConfig enables the optional metric sinks.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
	RunStore string `yaml:"run_store"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Class weighting modes.
const (
	WeightingNone             = "none"
	WeightingInverseFrequency = "inverse_frequency"
)

// Default returns a Config populated with the pipeline defaults.
func Default() *Config {
	return &Config{
		Data: DataConfig{
			Labels:          "trainLabels.csv",
			Extensions:      []string{".jpeg", ".jpg", ".png"},
			ValFraction:     0.1,
			TestFraction:    0.1,
			MaxSkipFraction: 0.01,
		},
		Preprocess: PreprocessConfig{
			ImageSize:     224,
			GrayTolerance: 7,
			CropBorders:   true,
			CircleCrop:    true,
			BlurSigma:     10,
		},
		Augment: AugmentConfig{
			Enabled:        true,
			FlipHorizontal: true,
			FlipVertical:   true,
			Rotate90:       true,
			Brightness:     0.1,
			Contrast:       0.1,
		},
		Model: ModelConfig{
			Version:        "v1",
			Grid:           16,
			Hidden:         64,
			LearningRate:   0.05,
			ClassWeighting: WeightingInverseFrequency,
		},
		Train: TrainConfig{
			Epochs:          10,
			BatchSize:       32,
			NumWorkers:      4,
			QueueCapacity:   8,
			Patience:        3,
			MinDelta:        0.001,
			CheckpointDir:   "checkpoints",
			CheckpointEvery: 1,
			MetricLog:       "metrics.jsonl",
			Seed:            42,
			LogEvery:        50,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// Overrides captures CLI supplied values.
type Overrides struct {
	DataRoot     string
	Labels       string
	Checkpoint   string
	Epochs       int
	BatchSize    int
	NumWorkers   int
	LearningRate float64
	Seed         int64
	LogEvery     int
	LogLevel     string
}

// Load reads a Config from YAML on top of Default. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataRoot != "" {
		c.Data.Root = o.DataRoot
	}
	if o.Labels != "" {
		c.Data.Labels = o.Labels
	}
	if o.Checkpoint != "" {
		c.Train.Resume = o.Checkpoint
	}
	if o.Epochs > 0 {
		c.Train.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.Train.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.Train.NumWorkers = o.NumWorkers
	}
	if o.LearningRate > 0 {
		c.Model.LearningRate = o.LearningRate
	}
	if o.Seed != 0 {
		c.Train.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.Train.LogEvery = o.LogEvery
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Data.Root == "" {
		return errors.New("data.root must be set")
	}
	if len(c.Data.Extensions) == 0 {
		return errors.New("data.extensions must not be empty")
	}
	if c.Data.ValFraction < 0 || c.Data.TestFraction < 0 || c.Data.ValFraction+c.Data.TestFraction >= 1 {
		return fmt.Errorf("val_fraction + test_fraction must be in [0, 1) (got %.3f + %.3f)",
			c.Data.ValFraction, c.Data.TestFraction)
	}
	if c.Data.MaxSkipFraction < 0 || c.Data.MaxSkipFraction > 1 {
		return fmt.Errorf("max_skip_fraction must be in [0, 1] (got %.3f)", c.Data.MaxSkipFraction)
	}
	if c.Preprocess.ImageSize <= 0 {
		return fmt.Errorf("image_size must be > 0 (got %d)", c.Preprocess.ImageSize)
	}
	if c.Preprocess.BlurSigma < 0 {
		return fmt.Errorf("blur_sigma must be >= 0 (got %.2f)", c.Preprocess.BlurSigma)
	}
	if c.Model.Version == "" {
		return errors.New("model.version must be set")
	}
	if c.Model.Grid <= 0 || c.Model.Grid > c.Preprocess.ImageSize {
		return fmt.Errorf("grid must be in [1, image_size] (got %d)", c.Model.Grid)
	}
	if c.Model.Hidden <= 0 {
		return fmt.Errorf("hidden must be > 0 (got %d)", c.Model.Hidden)
	}
	if c.Model.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %g)", c.Model.LearningRate)
	}
	switch c.Model.ClassWeighting {
	case "":
		c.Model.ClassWeighting = WeightingNone
	case WeightingNone, WeightingInverseFrequency:
	default:
		return fmt.Errorf("unknown class_weighting %q", c.Model.ClassWeighting)
	}
	if c.Train.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Train.Epochs)
	}
	if c.Train.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.Train.BatchSize)
	}
	if c.Train.NumWorkers <= 0 {
		return fmt.Errorf("num_workers must be > 0 (got %d)", c.Train.NumWorkers)
	}
	if c.Train.CheckpointDir == "" {
		return errors.New("checkpoint_dir must be set")
	}
	if c.Train.QueueCapacity <= 0 {
		c.Train.QueueCapacity = 2 * c.Train.NumWorkers
	}
	if c.Train.CheckpointEvery <= 0 {
		c.Train.CheckpointEvery = 1
	}
	if c.Train.LogEvery <= 0 {
		c.Train.LogEvery = 50
	}
	return nil
}
