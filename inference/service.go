// Package inference classifies track photographs with a trained
// checkpoint. A Service builds its classifier once, on first use, and then
// serves concurrent predictions from the read-only model.
package inference

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tracklab/tracknet/checkpoints"
	"github.com/tracklab/tracknet/classifier"
	"github.com/tracklab/tracknet/internal/errors"
	"github.com/tracklab/tracknet/internal/logger"
	"github.com/tracklab/tracknet/internal/observability/metrics"
	"github.com/tracklab/tracknet/layers"
	"github.com/tracklab/tracknet/tensor"
	"github.com/tracklab/tracknet/vision/preprocessing"
)

// ErrDecode is matched by every failure to decode an input image.
var ErrDecode = errors.NewStd("image decode failed")

// Config holds the inference settings.
type Config struct {
	CheckpointPath string `json:"checkpoint_path" yaml:"checkpoint_path" mapstructure:"checkpoint_path"`
	MappingPath    string `json:"mapping_path" yaml:"mapping_path" mapstructure:"mapping_path"`
	// Architecture is used when the checkpoint is absent or carries no
	// tag. NumClasses defaults to the number of labels.
	Architecture       classifier.ArchitectureConfig `json:"architecture" yaml:"architecture" mapstructure:"architecture"`
	RenameRules        []checkpoints.RenameRule      `json:"rename_rules" yaml:"rename_rules" mapstructure:"rename_rules"`
	StripUniformPrefix bool                          `json:"strip_uniform_prefix" yaml:"strip_uniform_prefix" mapstructure:"strip_uniform_prefix"`
	CacheTTL           time.Duration                 `json:"cache_ttl" yaml:"cache_ttl" mapstructure:"cache_ttl"`
	BatchSize          int                           `json:"batch_size" yaml:"batch_size" mapstructure:"batch_size"`
	Workers            int                           `json:"workers" yaml:"workers" mapstructure:"workers"`
}

// DefaultConfig returns the settings of the published service.
func DefaultConfig() Config {
	return Config{
		CheckpointPath:     checkpoints.DefaultFileName,
		Architecture:       classifier.ArchitectureConfig{Name: classifier.ResNet18CBAM},
		RenameRules:        append([]checkpoints.RenameRule(nil), checkpoints.DefaultRenameRules...),
		StripUniformPrefix: true,
		BatchSize:          16,
		Workers:            4,
	}
}

// Prediction is the outcome of classifying one image.
type Prediction struct {
	Label      string  `json:"label"`
	Index      int     `json:"index"`
	Confidence float64 `json:"confidence"`
	Detail     string  `json:"detail,omitempty"`
	// Degraded is set when the classifier runs without fitted weights.
	Degraded bool `json:"degraded,omitempty"`
}

// ModelInfo describes the classifier a Service built.
type ModelInfo struct {
	Architecture classifier.ArchitectureConfig
	Labels       []string
	LabelSource  string
	Degraded     bool
	Report       layers.LoadReport
}

type loadedModel struct {
	ModelInfo
	model     classifier.Classifier
	transform preprocessing.Transform
}

// Service classifies images. It is safe for concurrent use.
type Service struct {
	cfg        Config
	metrics    *metrics.InferenceMetrics
	cache      *cache.Cache
	processors sync.Pool
	load       func() (*loadedModel, error)
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records predictions and model loads on m.
func WithMetrics(m *metrics.InferenceMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates a Service. Nothing is read until the first prediction or an
// explicit Load.
func New(cfg Config, opts ...Option) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.CacheTTL > 0 {
		s.cache = cache.New(cfg.CacheTTL, cfg.CacheTTL*2)
	}
	s.load = sync.OnceValues(s.build)
	return s
}

// Load builds the classifier if it has not been built yet and describes
// it. A missing or unusable checkpoint is not an error: the model is
// reported as degraded instead.
func (s *Service) Load() (ModelInfo, error) {
	lm, err := s.load()
	if err != nil {
		return ModelInfo{}, err
	}
	return lm.ModelInfo, nil
}

func (s *Service) build() (*loadedModel, error) {
	log := GetLogger()
	start := time.Now()

	var lm *loadedModel
	if ckpt := s.readCheckpoint(); ckpt != nil {
		var err error
		if lm, err = s.fromCheckpoint(ckpt); err != nil {
			log.Error("checkpoint incompatible, using initial weights",
				logger.String("path", s.cfg.CheckpointPath),
				logger.Error(err))
			lm = nil
		}
	}
	if lm == nil {
		var err error
		if lm, err = s.unfitted(); err != nil {
			return nil, err
		}
	}

	lm.model.Eval()
	layers.DisableGrad(lm.model)

	arch := lm.Architecture
	s.metrics.RecordModelLoad(arch.Name, lm.Degraded)
	log.Info("classifier ready",
		logger.String("architecture", arch.Name),
		logger.Int("classes", arch.NumClasses),
		logger.String("labels", lm.LabelSource),
		logger.Bool("degraded", lm.Degraded),
		logger.Duration("duration", time.Since(start)))
	return lm, nil
}

// readCheckpoint returns nil when no usable checkpoint file exists.
func (s *Service) readCheckpoint() *checkpoints.Checkpoint {
	if s.cfg.CheckpointPath == "" {
		return nil
	}
	log := GetLogger()
	ckpt, err := checkpoints.Load(s.cfg.CheckpointPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Warn("checkpoint not found, using initial weights",
			logger.String("path", s.cfg.CheckpointPath))
		return nil
	case err != nil:
		log.Error("checkpoint unreadable, using initial weights",
			logger.String("path", s.cfg.CheckpointPath),
			logger.Error(err))
		return nil
	}
	return ckpt
}

// fromCheckpoint builds the fitted classifier. Any error means the
// checkpoint cannot serve and the caller falls back to an unfitted model.
func (s *Service) fromCheckpoint(ckpt *checkpoints.Checkpoint) (*loadedModel, error) {
	arch := s.cfg.Architecture
	if ckpt.Architecture.Name != "" {
		arch = ckpt.Architecture
	}
	labels, source, err := resolveLabels(ckpt.ClassNames, s.cfg.MappingPath)
	if err != nil {
		return nil, err
	}
	if arch.NumClasses == 0 {
		arch.NumClasses = len(labels)
	}
	if arch.NumClasses != len(labels) {
		return nil, checkpointError(fmt.Errorf("%d labels from %s for a %d-class checkpoint", len(labels), source, arch.NumClasses))
	}
	model, err := classifier.New(arch)
	if err != nil {
		return nil, checkpointError(err)
	}

	norm := checkpoints.Normalizer{Rules: s.cfg.RenameRules, StripUniformPrefix: s.cfg.StripUniformPrefix}
	report, err := checkpoints.LoadInto(model, ckpt, norm, layers.ModePartial)
	if err != nil {
		return nil, err
	}
	if len(report.Loaded) == 0 {
		return nil, checkpointError(fmt.Errorf("no checkpoint key matches the model (unmatched: %v)", checkpoints.UnmatchedKeys(report, 10)))
	}
	if !report.Complete() {
		GetLogger().Warn("checkpoint partially loaded",
			logger.Int("loaded", len(report.Loaded)),
			logger.Int("missing", len(report.Missing)),
			logger.Int("unexpected", len(report.Unexpected)),
			logger.Any("unmatched", checkpoints.UnmatchedKeys(report, 10)))
	}

	arch = model.Architecture()
	return &loadedModel{
		ModelInfo: ModelInfo{Architecture: arch, Labels: labels, LabelSource: source, Report: report},
		model:     model,
		transform: preprocessing.NewTransform(arch.ImageSize),
	}, nil
}

// unfitted builds the seeded classifier from the configured architecture
// and the mapping or builtin labels. Errors here come from the operator's
// own settings and are returned.
func (s *Service) unfitted() (*loadedModel, error) {
	arch := s.cfg.Architecture
	labels, source, err := resolveLabels(nil, s.cfg.MappingPath)
	if err != nil {
		return nil, err
	}
	if arch.NumClasses == 0 {
		arch.NumClasses = len(labels)
	}
	if arch.NumClasses != len(labels) {
		return nil, errors.New(fmt.Errorf("%d labels from %s for a %d-class model", len(labels), source, arch.NumClasses)).
			Component("inference").
			Category(errors.CategoryConfiguration).
			Build()
	}
	model, err := classifier.New(arch)
	if err != nil {
		return nil, errors.New(err).Component("inference").Category(errors.CategoryModelInit).Build()
	}
	arch = model.Architecture()
	return &loadedModel{
		ModelInfo: ModelInfo{Architecture: arch, Labels: labels, LabelSource: source, Degraded: true},
		model:     model,
		transform: preprocessing.NewTransform(arch.ImageSize),
	}, nil
}

func checkpointError(err error) error {
	return errors.New(err).Component("inference").Category(errors.CategoryCheckpointLoad).Build()
}

// Predict classifies the image read from r.
func (s *Service) Predict(ctx context.Context, r io.Reader) (Prediction, error) {
	start := time.Now()
	p, err := s.predict(ctx, r)
	s.metrics.RecordPrediction(s.archName(), time.Since(start).Seconds(), err)
	return p, err
}

func (s *Service) predict(ctx context.Context, r io.Reader) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, canceled(err)
	}
	lm, err := s.load()
	if err != nil {
		return Prediction{}, err
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return Prediction{}, errors.New(fmt.Errorf("failed to read image: %w", err)).
			Component("inference").
			Category(errors.CategoryFileIO).
			Build()
	}

	var key string
	if s.cache != nil {
		sum := sha256.Sum256(raw)
		key = hex.EncodeToString(sum[:])
		if cached, ok := s.cache.Get(key); ok {
			s.metrics.RecordCacheHit()
			return cached.(Prediction), nil
		}
	}

	proc := s.processor(lm)
	img, err := proc.DecodeAndPreprocess(bytes.NewReader(raw))
	s.processors.Put(proc)
	if err != nil {
		return Prediction{}, decodeError(err)
	}
	preds, err := lm.classify([][]float32{img.Data})
	if err != nil {
		return Prediction{}, err
	}

	if s.cache != nil {
		s.cache.Set(key, preds[0], cache.DefaultExpiration)
	}
	return preds[0], nil
}

// PredictFile classifies the image at path.
func (s *Service) PredictFile(ctx context.Context, path string) (Prediction, error) {
	f, err := os.Open(path)
	if err != nil {
		err = errors.FileError(err, path)
		s.metrics.RecordPrediction(s.archName(), 0, err)
		return Prediction{}, err
	}
	defer f.Close()
	return s.Predict(ctx, f)
}

// PredictFiles classifies many images, decoding them in parallel and
// running the model in batches. Results keep the order of paths; the first
// failure aborts the call.
func (s *Service) PredictFiles(ctx context.Context, paths []string) ([]Prediction, error) {
	lm, err := s.load()
	if err != nil {
		return nil, err
	}
	images, err := preprocessing.PreprocessBatch(ctx, paths, lm.transform, s.cfg.Workers)
	if err != nil {
		if ctx.Err() != nil {
			return nil, canceled(ctx.Err())
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.New(err).Component("inference").Category(errors.CategoryFileIO).Build()
		}
		return nil, decodeError(err)
	}

	out := make([]Prediction, 0, len(paths))
	for start := 0; start < len(images); start += s.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, canceled(err)
		}
		end := min(start+s.cfg.BatchSize, len(images))
		inputs := make([][]float32, 0, end-start)
		for _, img := range images[start:end] {
			inputs = append(inputs, img.Data)
		}
		preds, err := lm.classify(inputs)
		if err != nil {
			return nil, err
		}
		out = append(out, preds...)
	}
	return out, nil
}

// PredictOrUnknown always answers. Any failure becomes the unknown label
// with zero confidence and the error text as detail.
func (s *Service) PredictOrUnknown(ctx context.Context, r io.Reader) Prediction {
	p, err := s.Predict(ctx, r)
	if err != nil {
		return Unknown(err)
	}
	return p
}

// Unknown is the prediction reported in place of err.
func Unknown(err error) Prediction {
	return Prediction{Label: UnknownLabel, Index: -1, Confidence: 0, Detail: err.Error()}
}

// processor takes a pooled image processor; the caller returns it.
func (s *Service) processor(lm *loadedModel) *preprocessing.ImageProcessor {
	if p, ok := s.processors.Get().(*preprocessing.ImageProcessor); ok {
		return p
	}
	return preprocessing.NewImageProcessorWith(lm.transform)
}

func (s *Service) archName() string {
	if lm, err := s.load(); err == nil {
		return lm.Architecture.Name
	}
	return s.cfg.Architecture.Name
}

// classify runs one forward pass over CHW inputs.
func (lm *loadedModel) classify(inputs [][]float32) ([]Prediction, error) {
	size := lm.transform.OutputSize()
	per := 3 * size * size
	data := make([]float32, 0, per*len(inputs))
	for _, in := range inputs {
		if len(in) != per {
			return nil, errors.ValidationError(fmt.Sprintf("input has %d values, expected %d", len(in), per))
		}
		data = append(data, in...)
	}
	batch, err := tensor.New([]int{len(inputs), 3, size, size}, data)
	if err != nil {
		return nil, err
	}

	logits, err := lm.model.Forward(batch)
	if err != nil {
		return nil, errors.New(fmt.Errorf("forward pass: %w", err)).Component("inference").Build()
	}
	probs, err := tensor.Softmax(logits)
	if err != nil {
		return nil, err
	}
	idx, err := tensor.Argmax(probs)
	if err != nil {
		return nil, err
	}

	k := probs.Shape[1]
	preds := make([]Prediction, len(idx))
	for i, c := range idx {
		preds[i] = Prediction{
			Label:      lm.Labels[c],
			Index:      c,
			Confidence: float64(probs.Data[i*k+c]),
			Degraded:   lm.Degraded,
		}
	}
	return preds, nil
}

func decodeError(err error) error {
	return errors.New(fmt.Errorf("%w: %w", ErrDecode, err)).
		Component("inference").
		Category(errors.CategoryDecode).
		Build()
}

func canceled(err error) error {
	return errors.New(fmt.Errorf("prediction canceled: %w", err)).
		Component("inference").
		Category(errors.CategoryCanceled).
		Build()
}
