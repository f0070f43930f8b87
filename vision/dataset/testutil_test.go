package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeImages writes n HxW RGB uint8 images where every byte of image i
// equals i*10.
func writeImages(t *testing.T, path string, n, h, w int) {
	t.Helper()
	data := make([]uint8, n*h*w*3)
	for i := 0; i < n; i++ {
		for j := 0; j < h*w*3; j++ {
			data[i*h*w*3+j] = uint8(i * 10)
		}
	}
	if err := WriteArray(path, []int{n, h, w, 3}, data); err != nil {
		t.Fatalf("WriteArray failed: %v", err)
	}
}

func writeLabels(t *testing.T, path string, labels ...int64) {
	t.Helper()
	if err := WriteArray(path, []int{len(labels)}, labels); err != nil {
		t.Fatalf("WriteArray failed: %v", err)
	}
}

func writeMapping(t *testing.T, path string, names ...string) {
	t.Helper()
	var sb strings.Builder
	for i, n := range names {
		sb.WriteString(n + ": " + string(rune('0'+i)) + "\n")
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

// identityTransform keeps the input size and skips normalization.
type identityTransform struct{ size int }

func (it identityTransform) OutputSize() int { return it.size }

func (it identityTransform) ApplyHWC(hwc []float32, h, w int) ([]float32, error) {
	out := make([]float32, 3*h*w)
	for i := 0; i < h*w; i++ {
		for c := 0; c < 3; c++ {
			out[c*h*w+i] = hwc[3*i+c]
		}
	}
	return out, nil
}

// createDatasetDirs lays out a complete dataset with canonical files only.
func createDatasetDirs(t *testing.T) (trainDir, testDir string) {
	t.Helper()
	root := t.TempDir()
	trainDir = filepath.Join(root, "train")
	testDir = filepath.Join(root, "test")
	for _, d := range []string{trainDir, testDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	writeImages(t, filepath.Join(trainDir, TrainImagesFile), 4, 2, 2)
	writeLabels(t, filepath.Join(trainDir, TrainLabelsFile), 0, 1, 0, 1)
	writeImages(t, filepath.Join(testDir, TestImagesFile), 2, 2, 2)
	writeLabels(t, filepath.Join(testDir, TestLabelsFile), 1, 0)
	writeMapping(t, filepath.Join(testDir, MappingFile), "fox", "deer")
	return trainDir, testDir
}
