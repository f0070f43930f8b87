package inference

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tracklab/tracknet/checkpoints"
	"github.com/tracklab/tracknet/classifier"
	"github.com/tracklab/tracknet/internal/errors"
	"github.com/tracklab/tracknet/internal/observability/metrics"
	"github.com/tracklab/tracknet/layers"
	"github.com/tracklab/tracknet/tensor"
	"github.com/tracklab/tracknet/vision/preprocessing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"))
}

var tinyArch = classifier.ArchitectureConfig{
	Name:            classifier.ResNet18CBAM,
	NumClasses:      3,
	WidthMultiplier: 0.125,
	ImageSize:       32,
	Seed:            21,
}

var trackNames = []string{"lynx", "ours", "renard"}

// writeCheckpoint saves a tiny model, optionally renaming every key.
func writeCheckpoint(t *testing.T, path string, rename func(string) string) classifier.Classifier {
	t.Helper()
	m, err := classifier.New(tinyArch)
	require.NoError(t, err)
	// Move weights away from their seeded values so a fitted load is observable.
	for _, p := range m.Parameters() {
		for i := range p.Value.Data {
			p.Value.Data[i] += 0.01 * float32(i%7)
		}
	}
	ckpt := checkpoints.FromModel(m, trackNames, checkpoints.TrainingState{Epoch: 3, BestEpoch: 3})
	if rename != nil {
		for i := range ckpt.Weights {
			ckpt.Weights[i].Name = rename(ckpt.Weights[i].Name)
		}
	}
	require.NoError(t, checkpoints.Save(ckpt, path))
	return m
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := range 30 {
		for x := range 40 {
			if (x+y)%5 == 0 {
				img.Set(x, y, color.Black)
			} else {
				img.Set(x, y, c)
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// reference runs the model directly on the preprocessed image.
func reference(t *testing.T, m classifier.Classifier, raw []byte) (int, float64) {
	t.Helper()
	img, err := preprocessing.NewImageProcessor(tinyArch.ImageSize).DecodeAndPreprocess(bytes.NewReader(raw))
	require.NoError(t, err)
	x, err := tensor.New([]int{1, 3, 32, 32}, img.Data)
	require.NoError(t, err)

	m.Eval()
	restore := layers.DisableGrad(m)
	defer restore()
	logits, err := m.Forward(x)
	require.NoError(t, err)
	probs, err := tensor.Softmax(logits)
	require.NoError(t, err)
	idx, err := tensor.Argmax(probs)
	require.NoError(t, err)
	return idx[0], float64(probs.Data[idx[0]])
}

func testConfig(checkpoint string) Config {
	cfg := DefaultConfig()
	cfg.CheckpointPath = checkpoint
	cfg.Architecture = tinyArch
	cfg.Architecture.NumClasses = 0
	return cfg
}

func TestPredictMatchesModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "best_model.onnx")
	trained := writeCheckpoint(t, path, nil)
	raw := pngBytes(t, color.RGBA{R: 180, G: 120, B: 60, A: 255})
	wantIdx, wantConf := reference(t, trained, raw)

	svc := New(testConfig(path))
	p, err := svc.Predict(context.Background(), bytes.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, wantIdx, p.Index)
	assert.Equal(t, trackNames[wantIdx], p.Label)
	assert.InDelta(t, wantConf, p.Confidence, 1e-6)
	assert.False(t, p.Degraded)
	assert.Greater(t, p.Confidence, 0.0)
	assert.LessOrEqual(t, p.Confidence, 1.0)

	info, err := svc.Load()
	require.NoError(t, err)
	assert.Equal(t, LabelsFromCheckpoint, info.LabelSource)
	assert.True(t, info.Report.Complete())
}

func TestPredictStripsWrapperPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wrapped.json")
	trained := writeCheckpoint(t, path, func(k string) string { return "module." + k })
	raw := pngBytes(t, color.RGBA{R: 20, G: 200, B: 90, A: 255})
	wantIdx, wantConf := reference(t, trained, raw)

	svc := New(testConfig(path))
	p, err := svc.Predict(context.Background(), bytes.NewReader(raw))
	require.NoError(t, err)
	assert.False(t, p.Degraded)
	assert.Equal(t, wantIdx, p.Index)
	assert.InDelta(t, wantConf, p.Confidence, 1e-6)
}

func TestPredictFileShardPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sharded.json")
	writeCheckpoint(t, path, func(k string) string { return "shard." + k })
	imgPath := filepath.Join(dir, "track.png")
	require.NoError(t, os.WriteFile(imgPath, pngBytes(t, color.White), 0o644))

	svc := New(testConfig(path))
	p, err := svc.PredictFile(context.Background(), imgPath)
	require.NoError(t, err)
	assert.False(t, p.Degraded)

	info, err := svc.Load()
	require.NoError(t, err)
	assert.Empty(t, info.Report.Missing)
	assert.Empty(t, info.Report.Unexpected)
}

func TestMissingCheckpointIsDegraded(t *testing.T) {
	reg := prometheus.NewRegistry()
	im, err := metrics.NewInferenceMetrics(reg)
	require.NoError(t, err)

	svc := New(testConfig(filepath.Join(t.TempDir(), "absent.onnx")), WithMetrics(im))
	p, err := svc.Predict(context.Background(), bytes.NewReader(pngBytes(t, color.White)))
	require.NoError(t, err)

	assert.True(t, p.Degraded)
	assert.Contains(t, DefaultClassNames, p.Label)
	info, err := svc.Load()
	require.NoError(t, err)
	assert.Equal(t, LabelsBuiltin, info.LabelSource)
	assert.Equal(t, len(DefaultClassNames), info.Architecture.NumClasses)
	assert.Equal(t, 1.0, testutil.ToFloat64(im.ModelDegradedGauge))
}

func TestCorruptCheckpointIsDegraded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "best_model.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	mapping := filepath.Join(dir, "species_mapping.txt")
	require.NoError(t, os.WriteFile(mapping, []byte("lynx: 0\nours: 1\n"), 0o644))

	cfg := testConfig(path)
	cfg.MappingPath = mapping
	svc := New(cfg)
	p, err := svc.Predict(context.Background(), bytes.NewReader(pngBytes(t, color.White)))
	require.NoError(t, err)
	assert.True(t, p.Degraded)
	assert.Contains(t, []string{"lynx", "ours"}, p.Label)

	info, err := svc.Load()
	require.NoError(t, err)
	assert.Equal(t, LabelsFromMapping, info.LabelSource)
}

func TestIncompatibleCheckpointIsDegraded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "other.json")
	writeCheckpoint(t, path, nil)

	// An EfficientNet config cannot take ResNet weights; force the tag.
	ckpt, err := checkpoints.Load(path)
	require.NoError(t, err)
	ckpt.Architecture.Name = classifier.EfficientNetB0CBAM
	require.NoError(t, checkpoints.Save(ckpt, path))

	svc := New(testConfig(path))
	p, err := svc.Predict(context.Background(), bytes.NewReader(pngBytes(t, color.White)))
	require.NoError(t, err)
	assert.True(t, p.Degraded)
}

func TestUnknownArchitectureIsDegraded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.json")
	writeCheckpoint(t, path, nil)
	ckpt, err := checkpoints.Load(path)
	require.NoError(t, err)
	ckpt.Architecture.Name = "efficientnet-b7-cbam"
	require.NoError(t, checkpoints.Save(ckpt, path))

	svc := New(testConfig(path))
	for range 2 {
		p, err := svc.Predict(context.Background(), bytes.NewReader(pngBytes(t, color.White)))
		require.NoError(t, err)
		assert.True(t, p.Degraded)
		assert.Contains(t, DefaultClassNames, p.Label)
	}
	info, err := svc.Load()
	require.NoError(t, err)
	assert.True(t, info.Degraded)
	assert.Equal(t, classifier.ResNet18CBAM, info.Architecture.Name)
	assert.Equal(t, LabelsBuiltin, info.LabelSource)
}

func TestCheckpointLabelCountMismatchIsDegraded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relabelled.json")
	writeCheckpoint(t, path, nil)
	ckpt, err := checkpoints.Load(path)
	require.NoError(t, err)
	ckpt.ClassNames = trackNames[:2]
	require.NoError(t, checkpoints.Save(ckpt, path))

	svc := New(testConfig(path))
	p, err := svc.Predict(context.Background(), bytes.NewReader(pngBytes(t, color.White)))
	require.NoError(t, err)
	assert.True(t, p.Degraded)

	info, err := svc.Load()
	require.NoError(t, err)
	assert.True(t, info.Degraded)
	assert.Equal(t, len(DefaultClassNames), info.Architecture.NumClasses)
}

func TestConfiguredLabelMismatchFails(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "absent.onnx"))
	cfg.Architecture.NumClasses = 3
	svc := New(cfg)
	_, err := svc.Load()
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestDecodeFailure(t *testing.T) {
	svc := New(testConfig(filepath.Join(t.TempDir(), "absent.onnx")))
	_, err := svc.Predict(context.Background(), strings.NewReader("definitely not an image"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
	assert.True(t, errors.IsCategory(err, errors.CategoryDecode))

	p := svc.PredictOrUnknown(context.Background(), strings.NewReader("garbage"))
	assert.Equal(t, UnknownLabel, p.Label)
	assert.Equal(t, -1, p.Index)
	assert.Zero(t, p.Confidence)
	assert.NotEmpty(t, p.Detail)
}

func TestPredictFileMissing(t *testing.T) {
	svc := New(testConfig(filepath.Join(t.TempDir(), "absent.onnx")))
	_, err := svc.PredictFile(context.Background(), filepath.Join(t.TempDir(), "nope.jpg"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))
}

func TestPredictCanceled(t *testing.T) {
	svc := New(testConfig(filepath.Join(t.TempDir(), "absent.onnx")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Predict(ctx, bytes.NewReader(pngBytes(t, color.White)))
	assert.True(t, errors.IsCategory(err, errors.CategoryCanceled))
}

func TestConcurrentFirstCallsBuildOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "best_model.onnx")
	writeCheckpoint(t, path, nil)
	reg := prometheus.NewRegistry()
	im, err := metrics.NewInferenceMetrics(reg)
	require.NoError(t, err)

	svc := New(testConfig(path), WithMetrics(im))
	raw := pngBytes(t, color.RGBA{R: 90, G: 90, B: 200, A: 255})

	const callers = 8
	results := make([]Prediction, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Go(func() {
			results[i], errs[i] = svc.Predict(context.Background(), bytes.NewReader(raw))
		})
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(im.ModelLoadTotal.WithLabelValues(tinyArch.Name, "success")))
	assert.Equal(t, float64(callers), testutil.ToFloat64(im.PredictionTotal.WithLabelValues(tinyArch.Name, "success")))
}

func TestCacheHit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "best_model.onnx")
	writeCheckpoint(t, path, nil)
	reg := prometheus.NewRegistry()
	im, err := metrics.NewInferenceMetrics(reg)
	require.NoError(t, err)

	cfg := testConfig(path)
	cfg.CacheTTL = time.Minute
	svc := New(cfg, WithMetrics(im))
	raw := pngBytes(t, color.RGBA{R: 250, G: 10, B: 10, A: 255})

	first, err := svc.Predict(context.Background(), bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Zero(t, testutil.ToFloat64(im.CacheHits))

	second, err := svc.Predict(context.Background(), bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1.0, testutil.ToFloat64(im.CacheHits))

	_, err = svc.Predict(context.Background(), bytes.NewReader(pngBytes(t, color.White)))
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(im.CacheHits))
}

func TestPredictFilesKeepsOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "best_model.onnx")
	trained := writeCheckpoint(t, path, nil)

	colors := []color.Color{color.White, color.RGBA{R: 200, A: 255}, color.RGBA{G: 200, A: 255}, color.RGBA{B: 200, A: 255}, color.Black}
	var paths []string
	var want []int
	for i, c := range colors {
		raw := pngBytes(t, c)
		p := filepath.Join(dir, "img"+string(rune('a'+i))+".png")
		require.NoError(t, os.WriteFile(p, raw, 0o644))
		paths = append(paths, p)
		idx, _ := reference(t, trained, raw)
		want = append(want, idx)
	}

	cfg := testConfig(path)
	cfg.BatchSize = 2
	preds, err := New(cfg).PredictFiles(context.Background(), paths)
	require.NoError(t, err)
	require.Len(t, preds, len(paths))
	for i, p := range preds {
		assert.Equal(t, want[i], p.Index, "image %d", i)
	}

	_, err = New(cfg).PredictFiles(context.Background(), append(paths, filepath.Join(dir, "missing.png")))
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))
}
