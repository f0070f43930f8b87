package evaluation

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracklab/tracknet/classifier"
	"github.com/tracklab/tracknet/internal/errors"
	"github.com/tracklab/tracknet/tensor"
)

// 3 classes; class 2 never occurs as a true label.
func sampleMatrix(t *testing.T) *ConfusionMatrix {
	t.Helper()
	cm := NewConfusionMatrix(3)
	require.NoError(t, cm.Update(
		[]int{0, 0, 0, 0, 1, 1},
		[]int{0, 0, 0, 1, 1, 2},
	))
	return cm
}

func TestConfusionMatrix(t *testing.T) {
	cm := sampleMatrix(t)
	assert.Equal(t, [][]int{{3, 1, 0}, {0, 1, 1}, {0, 0, 0}}, cm.Matrix)
	assert.Equal(t, 6, cm.TotalSamples)
	assert.InDelta(t, 4.0/6, cm.Accuracy(), 1e-12)
	assert.Equal(t, 4, cm.Support(0))
	assert.Equal(t, 2, cm.Predicted(1))

	assert.Error(t, cm.Add(3, 0))
	assert.Error(t, cm.Add(0, -1))
	assert.Error(t, cm.Update([]int{0}, nil))

	cm.Reset()
	assert.Zero(t, cm.TotalSamples)
	assert.Zero(t, cm.Accuracy())
}

func TestNormalizedHandlesEmptyRows(t *testing.T) {
	cm := sampleMatrix(t)
	n := cm.Normalized()

	want := [][]float64{{0.75, 0.25, 0}, {0, 0.5, 0.5}, {0, 0, 0}}
	for i := range want {
		for j := range want[i] {
			v := n.At(i, j)
			assert.False(t, math.IsNaN(v), "NaN at %d,%d", i, j)
			assert.InDelta(t, want[i][j], v, 1e-12)
		}
	}
	// The counts are untouched.
	assert.Equal(t, 3, cm.Matrix[0][0])

	empty := NewConfusionMatrix(2).Normalized()
	for i := range 2 {
		for j := range 2 {
			assert.Zero(t, empty.At(i, j))
		}
	}
}

func TestNewResultScores(t *testing.T) {
	r, err := NewResult(sampleMatrix(t), []string{"fox", "deer", "lynx"})
	require.NoError(t, err)

	fox, deer, lynx := r.Classes[0], r.Classes[1], r.Classes[2]
	assert.InDelta(t, 1.0, fox.Precision, 1e-12)
	assert.InDelta(t, 0.75, fox.Recall, 1e-12)
	assert.InDelta(t, 6.0/7, fox.F1, 1e-12)
	assert.Equal(t, 4, fox.Support)

	assert.InDelta(t, 0.5, deer.Precision, 1e-12)
	assert.InDelta(t, 0.5, deer.Recall, 1e-12)
	assert.InDelta(t, 0.5, deer.F1, 1e-12)

	// Predicted once, never true: every score is 0, not NaN.
	assert.Zero(t, lynx.Precision)
	assert.Zero(t, lynx.Recall)
	assert.Zero(t, lynx.F1)
	assert.Zero(t, lynx.Support)

	assert.InDelta(t, 1.5/3, r.MacroAvg.Precision, 1e-12)
	assert.InDelta(t, (4*1.0+2*0.5)/6, r.WeightedAvg.Precision, 1e-12)
	assert.InDelta(t, (4*0.75+2*0.5)/6, r.WeightedAvg.Recall, 1e-12)
	assert.Equal(t, 6, r.WeightedAvg.Support)

	_, err = NewResult(sampleMatrix(t), []string{"fox"})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	unnamed, err := NewResult(sampleMatrix(t), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1", "2"}, unnamed.ClassNames)
}

func TestReport(t *testing.T) {
	r, err := NewResult(sampleMatrix(t), []string{"fox", "deer", "lynx"})
	require.NoError(t, err)

	report := r.Report()
	for _, want := range []string{"precision", "recall", "f1-score", "support", "fox", "accuracy", "macro avg", "weighted avg", "0.6667"} {
		assert.Contains(t, report, want)
	}
	lines := strings.Split(strings.TrimRight(report, "\n"), "\n")
	assert.Len(t, lines, 1+1+3+1+3)
}

func TestWriteArtifacts(t *testing.T) {
	r, err := NewResult(sampleMatrix(t), []string{"fox", "deer", "lynx"})
	require.NoError(t, err)
	dir := filepath.Join(t.TempDir(), "eval")
	require.NoError(t, r.WriteArtifacts(dir))

	raw, err := os.ReadFile(filepath.Join(dir, MetricsFile))
	require.NoError(t, err)
	var decoded struct {
		Accuracy   float64     `json:"accuracy"`
		Confusion  [][]int     `json:"confusion_matrix"`
		Normalized [][]float64 `json:"confusion_matrix_normalized"`
		Classes    []ClassMetrics
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.InDelta(t, 4.0/6, decoded.Accuracy, 1e-12)
	assert.Equal(t, r.Confusion.Matrix, decoded.Confusion)
	assert.Equal(t, []float64{0, 0, 0}, decoded.Normalized[2])
	assert.Len(t, decoded.Classes, 3)

	f, err := os.Open(filepath.Join(dir, ConfusionFile))
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"true\\pred", "fox", "deer", "lynx"},
		{"fox", "3", "1", "0"},
		{"deer", "0", "1", "1"},
		{"lynx", "0", "0", "0"},
	}, records)

	norm, err := os.ReadFile(filepath.Join(dir, NormalizedConfusionFile))
	require.NoError(t, err)
	assert.Contains(t, string(norm), "fox,0.750000,0.250000,0.000000")
}

type fixedDataset struct {
	images []*tensor.Tensor
	labels []int
}

func (d *fixedDataset) Len() int { return len(d.labels) }

func (d *fixedDataset) Get(i int) (*tensor.Tensor, int, error) {
	return d.images[i].Clone(), d.labels[i], nil
}

func TestEvaluateIsDeterministic(t *testing.T) {
	model, err := classifier.New(classifier.ArchitectureConfig{
		Name: classifier.ResNet18CBAM, NumClasses: 3, WidthMultiplier: 0.125, ImageSize: 32, Seed: 5,
	})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(9))
	ds := &fixedDataset{}
	for i := range 7 {
		img, err := tensor.RandomNormal([]int{3, 32, 32}, 0, 1, rng)
		require.NoError(t, err)
		ds.images = append(ds.images, img)
		ds.labels = append(ds.labels, i%3)
	}

	model.Train()
	first, err := Evaluate(context.Background(), model, ds, []string{"a", "b", "c"}, WithBatchSize(3), WithWorkers(2))
	require.NoError(t, err)
	assert.True(t, model.IsTraining(), "training mode is restored")

	second, err := Evaluate(context.Background(), model, ds, []string{"a", "b", "c"}, WithBatchSize(5))
	require.NoError(t, err)

	assert.Equal(t, 7, first.Samples)
	assert.Equal(t, first.Confusion.Matrix, second.Confusion.Matrix)
	assert.Equal(t, first.Classes, second.Classes)
	for _, p := range model.Parameters() {
		assert.Nil(t, p.Value.Grad(), "%s accumulated a gradient", p.Name)
	}
}

func TestEvaluateCanceled(t *testing.T) {
	model, err := classifier.New(classifier.ArchitectureConfig{
		Name: classifier.ResNet18CBAM, NumClasses: 2, WidthMultiplier: 0.125, ImageSize: 32,
	})
	require.NoError(t, err)
	img, err := tensor.Zeros([]int{3, 32, 32})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Evaluate(ctx, model, &fixedDataset{images: []*tensor.Tensor{img}, labels: []int{0}}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryCanceled))
}
