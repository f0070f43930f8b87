// Package checkpoints saves and restores classifier weights together with
// the architecture tag, class names and training progress.
//
// Two formats are supported: indented JSON for inspection and an ONNX
// ModelProto whose graph initializers carry the weights. The format is
// chosen by file extension. Every save is atomic.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tracklab/tracknet/classifier"
	"github.com/tracklab/tracknet/internal/errors"
	"github.com/tracklab/tracknet/layers"
	"github.com/tracklab/tracknet/tensor"
)

// ErrCheckpointLoad is matched by every failure to read, decode or apply a
// checkpoint.
var ErrCheckpointLoad = errors.NewStd("checkpoint load failed")

const (
	Framework     = "tracknet"
	FormatVersion = "1.0.0"

	// DefaultFileName is the best-model artifact written by training.
	DefaultFileName = "best_model.onnx"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// FormatForPath picks the format from the file extension: ".json" is JSON,
// anything else (".onnx", ".pb") is ONNX.
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatONNX
}

// Checkpoint is a complete, self-describing model state.
type Checkpoint struct {
	Architecture  classifier.ArchitectureConfig `json:"architecture"`
	ClassNames    []string                      `json:"class_names,omitempty"`
	Weights       []WeightTensor                `json:"weights"`
	TrainingState TrainingState                 `json:"training_state"`
	Metadata      CheckpointMetadata            `json:"metadata"`
}

// Tensor kinds
const (
	KindParameter = "parameter"
	KindBuffer    = "buffer"
)

// WeightTensor is one named parameter or buffer.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Kind  string    `json:"kind,omitempty"`
}

// TrainingState captures training progress at the time of the save.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	BestEpoch    int     `json:"best_epoch"`
	LearningRate float64 `json:"learning_rate"`
	BestLoss     float64 `json:"best_loss"`
	BestAccuracy float64 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// FromModel snapshots the current parameters and buffers of m. The weight
// data is copied, so later training steps do not alter the checkpoint.
func FromModel(m classifier.Classifier, classNames []string, state TrainingState) *Checkpoint {
	ckpt := &Checkpoint{
		Architecture:  m.Architecture(),
		ClassNames:    append([]string(nil), classNames...),
		TrainingState: state,
	}
	appendWeights := func(params []layers.Parameter, kind string) {
		for _, p := range params {
			ckpt.Weights = append(ckpt.Weights, WeightTensor{
				Name:  p.Name,
				Shape: append([]int(nil), p.Value.Shape...),
				Data:  append([]float32(nil), p.Value.Data...),
				Kind:  kind,
			})
		}
	}
	appendWeights(m.Parameters(), KindParameter)
	appendWeights(m.Buffers(), KindBuffer)
	return ckpt
}

// StateDict converts the weights into tensors keyed by name.
func (c *Checkpoint) StateDict() (layers.StateDict, error) {
	sd := make(layers.StateDict, len(c.Weights))
	for _, w := range c.Weights {
		if _, dup := sd[w.Name]; dup {
			return nil, fmt.Errorf("duplicate weight %q", w.Name)
		}
		t, err := tensor.New(append([]int(nil), w.Shape...), w.Data)
		if err != nil {
			return nil, fmt.Errorf("weight %q: %w", w.Name, err)
		}
		sd[w.Name] = t
	}
	return sd, nil
}

// Keys returns the weight names in file order.
func (c *Checkpoint) Keys() []string {
	keys := make([]string, len(c.Weights))
	for i, w := range c.Weights {
		keys[i] = w.Name
	}
	return keys
}

// ensureMetadata fills unset metadata fields before a save.
func (c *Checkpoint) ensureMetadata() {
	if c.Metadata.Framework == "" {
		c.Metadata.Framework = Framework
	}
	if c.Metadata.Version == "" {
		c.Metadata.Version = FormatVersion
	}
	if c.Metadata.CreatedAt.IsZero() {
		c.Metadata.CreatedAt = time.Now().UTC()
	}
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// SaveCheckpoint atomically writes checkpoint to path.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	checkpoint.ensureMetadata()

	var encode func(io.Writer) error
	switch cs.format {
	case FormatJSON:
		encode = func(w io.Writer) error { return cs.saveJSON(checkpoint, w) }
	case FormatONNX:
		encode = func(w io.Writer) error { return NewONNXExporter().ExportToONNX(checkpoint, w) }
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}

	if err := WriteFileAtomic(path, encode); err != nil {
		return errors.New(fmt.Errorf("failed to save checkpoint: %w", err)).
			Component("checkpoints").
			Category(errors.CategoryCheckpointSave).
			FileContext(path).
			Context("format", cs.format.String()).
			Build()
	}
	return nil
}

// LoadCheckpoint reads a checkpoint from path. Every failure matches
// ErrCheckpointLoad; a missing file also matches fs.ErrNotExist.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, loadError(path, fmt.Errorf("failed to open checkpoint file: %w", err))
	}
	defer file.Close()

	var checkpoint *Checkpoint
	switch cs.format {
	case FormatJSON:
		checkpoint, err = cs.loadJSON(file)
	case FormatONNX:
		checkpoint, err = NewONNXImporter().ImportFromONNX(file)
	default:
		err = fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return nil, loadError(path, err)
	}
	return checkpoint, nil
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return nil
}

func (cs *CheckpointSaver) loadJSON(r io.Reader) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := json.NewDecoder(r).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &checkpoint, nil
}

func loadError(path string, err error) error {
	return errors.New(fmt.Errorf("%w: %w", ErrCheckpointLoad, err)).
		Component("checkpoints").
		Category(errors.CategoryCheckpointLoad).
		FileContext(path).
		Build()
}

// Save writes checkpoint in the format implied by path.
func Save(checkpoint *Checkpoint, path string) error {
	return NewCheckpointSaver(FormatForPath(path)).SaveCheckpoint(checkpoint, path)
}

// Load reads the checkpoint at path in the format implied by its extension.
func Load(path string) (*Checkpoint, error) {
	return NewCheckpointSaver(FormatForPath(path)).LoadCheckpoint(path)
}
