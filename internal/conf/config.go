// Package conf loads tracknet settings from defaults, an optional YAML
// file and TRACKNET_ environment variables, in increasing precedence.
package conf

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tracklab/tracknet/classifier"
	"github.com/tracklab/tracknet/inference"
	"github.com/tracklab/tracknet/internal/errors"
	"github.com/tracklab/tracknet/internal/logger"
	"github.com/tracklab/tracknet/training"
)

// Config file lookup
const (
	EnvPrefix      = "TRACKNET"
	ConfigName     = "tracknet"
	DefaultFile    = ConfigName + ".yaml"
	DefaultLogFmt  = "text"
	DefaultLogLvl  = "info"
	DefaultEvalDir = "evaluation_results"
)

// Settings is the complete tracknet configuration.
type Settings struct {
	Log        LogSettings                   `yaml:"log" mapstructure:"log"`
	Metrics    MetricsSettings               `yaml:"metrics" mapstructure:"metrics"`
	Data       DataSettings                  `yaml:"data" mapstructure:"data"`
	Model      classifier.ArchitectureConfig `yaml:"model" mapstructure:"model"`
	Training   training.Config               `yaml:"training" mapstructure:"training"`
	Evaluation EvaluationSettings            `yaml:"evaluation" mapstructure:"evaluation"`
	Inference  inference.Config              `yaml:"inference" mapstructure:"inference"`
}

// LogSettings configures the central logger.
type LogSettings struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // text or json
}

// MetricsSettings configures the prometheus endpoint. An empty address
// disables it.
type MetricsSettings struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// DataSettings locates the training and test arrays.
type DataSettings struct {
	TrainDir string `yaml:"train_dir" mapstructure:"train_dir"`
	TestDir  string `yaml:"test_dir" mapstructure:"test_dir"`
}

// EvaluationSettings controls test-set scoring.
type EvaluationSettings struct {
	OutputDir string `yaml:"output_dir" mapstructure:"output_dir"`
	BatchSize int    `yaml:"batch_size" mapstructure:"batch_size"`
	Workers   int    `yaml:"workers" mapstructure:"workers"`
}

// Default returns the built-in settings.
func Default() *Settings {
	return &Settings{
		Log:        LogSettings{Level: DefaultLogLvl, Format: DefaultLogFmt},
		Data:       DataSettings{TrainDir: "data", TestDir: "data"},
		Model:      classifier.ArchitectureConfig{Name: classifier.ResNet18CBAM}.WithDefaults(),
		Training:   training.DefaultConfig(),
		Evaluation: EvaluationSettings{OutputDir: DefaultEvalDir, BatchSize: 32, Workers: 4},
		Inference:  inference.DefaultConfig(),
	}
}

// setDefaultConfig registers a default for every key so that environment
// overrides apply to all of them.
func setDefaultConfig(v *viper.Viper) {
	d := Default()

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("data.train_dir", d.Data.TrainDir)
	v.SetDefault("data.test_dir", d.Data.TestDir)

	setArchitectureDefaults(v, "model", d.Model)

	t := d.Training
	v.SetDefault("training.epochs", t.Epochs)
	v.SetDefault("training.patience", t.Patience)
	v.SetDefault("training.batch_size", t.BatchSize)
	v.SetDefault("training.learning_rate", t.LearningRate)
	v.SetDefault("training.optimizer", t.Optimizer)
	v.SetDefault("training.momentum", t.Momentum)
	v.SetDefault("training.weight_decay", t.WeightDecay)
	v.SetDefault("training.val_fraction", t.ValFraction)
	v.SetDefault("training.seed", t.Seed)
	v.SetDefault("training.num_workers", t.NumWorkers)
	v.SetDefault("training.prefetch", t.Prefetch)
	v.SetDefault("training.cache_size", t.CacheSize)
	v.SetDefault("training.plateau_factor", t.PlateauFactor)
	v.SetDefault("training.plateau_patience", t.PlateauPatience)
	v.SetDefault("training.plateau_threshold", t.PlateauThreshold)
	v.SetDefault("training.checkpoint_path", t.CheckpointPath)
	v.SetDefault("training.history_path", t.HistoryPath)
	v.SetDefault("training.init_weights", t.InitWeights)
	v.SetDefault("training.init_rename_rules", t.InitRenameRules)
	v.SetDefault("training.init_prefixes", t.InitPrefixes)
	v.SetDefault("training.init_key_prefix", t.InitKeyPrefix)

	v.SetDefault("evaluation.output_dir", d.Evaluation.OutputDir)
	v.SetDefault("evaluation.batch_size", d.Evaluation.BatchSize)
	v.SetDefault("evaluation.workers", d.Evaluation.Workers)

	in := d.Inference
	v.SetDefault("inference.checkpoint_path", in.CheckpointPath)
	v.SetDefault("inference.mapping_path", in.MappingPath)
	setArchitectureDefaults(v, "inference.architecture", in.Architecture)
	v.SetDefault("inference.rename_rules", in.RenameRules)
	v.SetDefault("inference.strip_uniform_prefix", in.StripUniformPrefix)
	v.SetDefault("inference.cache_ttl", in.CacheTTL)
	v.SetDefault("inference.batch_size", in.BatchSize)
	v.SetDefault("inference.workers", in.Workers)
}

func setArchitectureDefaults(v *viper.Viper, prefix string, a classifier.ArchitectureConfig) {
	v.SetDefault(prefix+".name", a.Name)
	v.SetDefault(prefix+".num_classes", a.NumClasses)
	v.SetDefault(prefix+".width_multiplier", a.WidthMultiplier)
	v.SetDefault(prefix+".image_size", a.ImageSize)
	v.SetDefault(prefix+".reduction", a.Reduction)
	v.SetDefault(prefix+".seed", a.Seed)
}

// New returns a viper instance with defaults and environment binding but
// no config file.
func New() *viper.Viper {
	v := viper.New()
	setDefaultConfig(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile merges the config at path into v. An empty path searches the
// working directory for tracknet.yaml. A file that does not exist is not
// an error; one that does not parse is.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		GetLogger().Debug("config file loaded", fileField(v.ConfigFileUsed()))
		return nil
	case errors.As(err, &notFound), errors.Is(err, fs.ErrNotExist):
		GetLogger().Debug("no config file, using defaults", fileField(path))
		return nil
	default:
		return errors.New(fmt.Errorf("failed to read config: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			FileContext(path).
			Build()
	}
}

// Decode unmarshals v into validated Settings.
func Decode(v *viper.Viper) (*Settings, error) {
	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.New(fmt.Errorf("failed to decode config: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads defaults, the file at path and the environment.
func Load(path string) (*Settings, error) {
	v := New()
	if err := ReadFile(v, path); err != nil {
		return nil, err
	}
	return Decode(v)
}

// Validate reports the first unusable setting.
func (s *Settings) Validate() error {
	if _, err := logger.ParseLevel(s.Log.Level); err != nil {
		return configError(fmt.Sprintf("log.level: %v", err))
	}
	switch s.Log.Format {
	case "text", "json":
	default:
		return configError(fmt.Sprintf("log.format must be text or json, got %q", s.Log.Format))
	}
	if !slices.Contains(classifier.Registered(), s.Model.Name) {
		return configError(fmt.Sprintf("model.name %q is not one of %v", s.Model.Name, classifier.Registered()))
	}
	if s.Model.NumClasses < 0 {
		return configError(fmt.Sprintf("model.num_classes must not be negative, got %d", s.Model.NumClasses))
	}
	if err := s.Training.Validate(); err != nil {
		return errors.New(fmt.Errorf("training: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if s.Evaluation.BatchSize <= 0 {
		return configError(fmt.Sprintf("evaluation.batch_size must be positive, got %d", s.Evaluation.BatchSize))
	}
	if s.Inference.CacheTTL < 0 {
		return configError("inference.cache_ttl must not be negative")
	}
	return nil
}

func configError(msg string) error {
	return errors.New(errors.NewStd(msg)).
		Component("conf").
		Category(errors.CategoryConfiguration).
		Build()
}

// WriteDefault writes the built-in settings as YAML. An existing file is
// left alone unless overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return errors.New(fmt.Errorf("config file already exists: %s", path)).
				Component("conf").
				Category(errors.CategoryConfiguration).
				FileContext(path).
				Build()
		}
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.FileError(err, dir)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.FileError(fmt.Errorf("failed to write config: %w", err), path)
	}
	return nil
}
