// Package classifier assembles the attention-augmented track classifiers.
//
// Every variant is a backbone feature extractor followed by CBAM, global
// average pooling and a feed-forward head. Variants are selected by a tag
// that is stored with each checkpoint; the tag, never the tensor shapes,
// decides which network a checkpoint is loaded into.
package classifier

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/tracklab/tracknet/attention"
	"github.com/tracklab/tracknet/layers"
	"github.com/tracklab/tracknet/tensor"
)

// Architecture tags
const (
	ResNet18CBAM       = "resnet18-cbam"
	EfficientNetB0CBAM = "efficientnet-b0-cbam"
	EfficientNetB3CBAM = "efficientnet-b3-cbam"
)

// Top-level parameter namespaces
const (
	BackbonePrefix  = "backbone"
	AttentionPrefix = "cbam"
	HeadPrefix      = "head"
)

const (
	DefaultImageSize = 224
	DefaultSeed      = 1
)

// ArchitectureConfig fully determines the shape of a classifier and is
// recorded alongside its weights.
type ArchitectureConfig struct {
	Name            string  `json:"name" yaml:"name" mapstructure:"name"`
	NumClasses      int     `json:"num_classes" yaml:"num_classes" mapstructure:"num_classes"`
	WidthMultiplier float64 `json:"width_multiplier" yaml:"width_multiplier" mapstructure:"width_multiplier"`
	ImageSize       int     `json:"image_size" yaml:"image_size" mapstructure:"image_size"`
	Reduction       int     `json:"reduction" yaml:"reduction" mapstructure:"reduction"`
	Seed            int64   `json:"seed" yaml:"seed" mapstructure:"seed"`
}

// WithDefaults fills unset fields.
func (c ArchitectureConfig) WithDefaults() ArchitectureConfig {
	if c.Name == "" {
		c.Name = ResNet18CBAM
	}
	if c.WidthMultiplier == 0 {
		c.WidthMultiplier = 1
	}
	if c.ImageSize == 0 {
		c.ImageSize = DefaultImageSize
	}
	if c.Reduction == 0 {
		c.Reduction = attention.DefaultReduction
	}
	if c.Seed == 0 {
		c.Seed = DefaultSeed
	}
	return c
}

func (c ArchitectureConfig) Validate() error {
	if _, ok := registry[c.Name]; !ok {
		return fmt.Errorf("unknown architecture %q (known: %v)", c.Name, Registered())
	}
	if c.NumClasses < 2 {
		return fmt.Errorf("num_classes must be at least 2, got %d", c.NumClasses)
	}
	if c.WidthMultiplier <= 0 || c.WidthMultiplier > 4 {
		return fmt.Errorf("width_multiplier must be in (0, 4], got %v", c.WidthMultiplier)
	}
	if c.ImageSize < 32 {
		return fmt.Errorf("image_size must be at least 32, got %d", c.ImageSize)
	}
	return nil
}

// Classifier maps a batch of normalized images [N,3,S,S] to logits [N,K].
type Classifier interface {
	layers.Module
	Architecture() ArchitectureConfig
	// TrainablePrefixes names the parameter subtrees left unfrozen.
	TrainablePrefixes() []string
}

type builder func(cfg ArchitectureConfig, rng *rand.Rand) (*Model, error)

var registry = map[string]builder{
	ResNet18CBAM:       buildResNet18,
	EfficientNetB0CBAM: buildEfficientNet(efficientNetB0),
	EfficientNetB3CBAM: buildEfficientNet(efficientNetB3),
}

// Registered lists the known architecture tags.
func Registered() []string {
	tags := make([]string, 0, len(registry))
	for tag := range registry {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// New builds the variant named by cfg, initialized deterministically from
// cfg.Seed, with the freeze policy applied.
func New(cfg ArchitectureConfig) (Classifier, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m, err := registry[cfg.Name](cfg, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s: %w", cfg.Name, err)
	}
	layers.Freeze(m, m.trainable)
	return m, nil
}

// Model is the shared composition used by every variant.
type Model struct {
	layers.Composite
	cfg       ArchitectureConfig
	trainable []string

	backbone layers.Module
	cbam     layers.Module
	pool     *layers.GlobalAvgPool
	flatten  *layers.Flatten
	head     layers.Module
}

func newModel(cfg ArchitectureConfig, backbone layers.Module, features int, head layers.Module,
	trainable []string, rng *rand.Rand) (*Model, error) {

	cbam, err := attention.NewCBAM(features, cfg.Reduction, rng)
	if err != nil {
		return nil, err
	}

	m := &Model{
		cfg:       cfg,
		trainable: append(trainable, AttentionPrefix, HeadPrefix),
		pool:      layers.NewGlobalAvgPool(),
		flatten:   layers.NewFlatten(),
	}
	m.backbone = m.Register(BackbonePrefix, backbone)
	m.cbam = m.Register(AttentionPrefix, cbam)
	m.head = m.Register(HeadPrefix, head)
	return m, nil
}

func (m *Model) Architecture() ArchitectureConfig {
	return m.cfg
}

func (m *Model) TrainablePrefixes() []string {
	return append([]string(nil), m.trainable...)
}

func (m *Model) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.Dim() != 4 || input.Shape[1] != 3 {
		return nil, fmt.Errorf("classifier expects [N,3,H,W] input, got %v", input.Shape)
	}

	features, err := m.backbone.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("backbone: %w", err)
	}
	if features, err = m.cbam.Forward(features); err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}
	pooled, err := m.pool.Forward(features)
	if err != nil {
		return nil, err
	}
	x, err := m.flatten.Forward(pooled)
	if err != nil {
		return nil, err
	}
	logits, err := m.head.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	return logits, nil
}

// scaled applies the width multiplier to a channel count.
func scaled(channels int, width float64) int {
	n := int(math.Round(float64(channels) * width))
	if n < 1 {
		n = 1
	}
	return n
}
