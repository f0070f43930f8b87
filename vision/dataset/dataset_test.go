package dataset

import (
	"math"
	"path/filepath"
	"sort"
	"testing"

	"github.com/tracklab/tracknet/internal/errors"
	"github.com/tracklab/tracknet/tensor"
	"github.com/tracklab/tracknet/vision/preprocessing"
)

func TestOpenArraysGet(t *testing.T) {
	dir := t.TempDir()
	writeImages(t, filepath.Join(dir, "x.npy"), 3, 2, 2)
	writeLabels(t, filepath.Join(dir, "y.npy"), 2, 0, 1)

	ds, err := OpenArrays(filepath.Join(dir, "x.npy"), filepath.Join(dir, "y.npy"), 3, identityTransform{size: 2})
	if err != nil {
		t.Fatalf("OpenArrays failed: %v", err)
	}
	defer ds.Close()

	if ds.Len() != 3 {
		t.Fatalf("Expected 3 samples, got %d", ds.Len())
	}
	img, label, err := ds.Get(2)
	if err != nil {
		t.Fatal(err)
	}
	if label != 1 {
		t.Errorf("Expected label 1, got %d", label)
	}
	if len(img.Shape) != 3 || img.Shape[0] != 3 || img.Shape[1] != 2 || img.Shape[2] != 2 {
		t.Fatalf("Expected shape [3 2 2], got %v", img.Shape)
	}
	for _, v := range img.Data {
		if math.Abs(float64(v)-20.0/255) > 1e-6 {
			t.Fatalf("Expected %f, got %f", 20.0/255, v)
		}
	}

	s, err := ds.Sample(1)
	if err != nil {
		t.Fatal(err)
	}
	if s.Height != 2 || s.Width != 2 || s.Label != 0 || len(s.Pixels) != 12 || s.Descr != "|u1" {
		t.Errorf("unexpected sample %+v", s)
	}

	counts := ds.ClassCounts()
	if counts[0] != 1 || counts[1] != 1 || counts[2] != 1 {
		t.Errorf("unexpected class counts %v", counts)
	}
	if _, _, err := ds.Get(3); err == nil {
		t.Error("Expected out of range error")
	}
}

func TestOpenArraysWithTransform(t *testing.T) {
	dir := t.TempDir()
	writeImages(t, filepath.Join(dir, "x.npy"), 2, 5, 7)
	writeLabels(t, filepath.Join(dir, "y.npy"), 0, 1)

	ds, err := OpenArrays(filepath.Join(dir, "x.npy"), filepath.Join(dir, "y.npy"), 2, preprocessing.NewTransform(4))
	if err != nil {
		t.Fatal(err)
	}
	defer ds.Close()

	img, _, err := ds.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	// Image 0 is all zeros, which normalizes to -mean/std everywhere.
	want := -preprocessing.DefaultMean[1] / preprocessing.DefaultStd[1]
	if img.Shape[1] != 4 || math.Abs(float64(img.Data[16]-want)) > 1e-3 {
		t.Errorf("unexpected transformed sample: shape %v, value %f want %f", img.Shape, img.Data[16], want)
	}
}

func TestOpenArraysValidation(t *testing.T) {
	dir := t.TempDir()
	images := filepath.Join(dir, "x.npy")
	writeImages(t, images, 3, 2, 2)

	tests := []struct {
		name   string
		labels func(path string)
		k      int
	}{
		{"label out of range", func(p string) { writeLabels(t, p, 0, 1, 2) }, 2},
		{"negative label", func(p string) { writeLabels(t, p, 0, -1, 1) }, 2},
		{"count mismatch", func(p string) { writeLabels(t, p, 0, 1) }, 2},
		{"2-D labels", func(p string) { WriteArray(p, []int{3, 1}, []int64{0, 1, 0}) }, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels := filepath.Join(t.TempDir(), "y.npy")
			tt.labels(labels)
			_, err := OpenArrays(images, labels, tt.k, identityTransform{size: 2})
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !errors.IsCategory(err, errors.CategoryValidation) {
				t.Errorf("Expected validation category, got %s: %v", errors.CategoryOf(err), err)
			}
		})
	}

	flat := filepath.Join(dir, "flat.npy")
	WriteArray(flat, []int{3, 4}, make([]uint8, 12))
	labels := filepath.Join(dir, "y.npy")
	writeLabels(t, labels, 0, 1, 0)
	if _, err := OpenArrays(flat, labels, 2, identityTransform{size: 2}); err == nil {
		t.Error("Expected shape error for 2-D images")
	}
}

func TestSplitDeterministic(t *testing.T) {
	dir := t.TempDir()
	writeImages(t, filepath.Join(dir, "x.npy"), 10, 1, 1)
	writeLabels(t, filepath.Join(dir, "y.npy"), 0, 1, 0, 1, 0, 1, 0, 1, 0, 1)
	ds, err := OpenArrays(filepath.Join(dir, "x.npy"), filepath.Join(dir, "y.npy"), 2, identityTransform{size: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer ds.Close()

	train, val, err := Split(ds, DefaultValFraction, 42)
	if err != nil {
		t.Fatal(err)
	}
	if train.Len() != 8 || val.Len() != 2 {
		t.Fatalf("Expected 8/2 split, got %d/%d", train.Len(), val.Len())
	}

	train2, val2, _ := Split(ds, DefaultValFraction, 42)
	for i, idx := range train.Indices() {
		if train2.Indices()[i] != idx {
			t.Fatal("Split is not deterministic for a fixed seed")
		}
	}

	all := append(train.Indices(), val2.Indices()...)
	sort.Ints(all)
	for i, idx := range all {
		if idx != i {
			t.Fatalf("Split does not partition the dataset: %v", all)
		}
	}

	if l, err := val.Label(0); err != nil || l != ds.Label(val.Indices()[0]) {
		t.Errorf("Subset label does not match parent: %d, %v", l, err)
	}
	if _, err := val.Label(val.Len()); err == nil {
		t.Error("Expected error for out-of-range label")
	}
	unlabeled := NewSubset(&unlabeledDataset{n: 3}, []int{2, 0})
	if _, err := unlabeled.Label(0); err == nil {
		t.Error("Expected error for a parent without labels")
	}
	if _, _, err := Split(ds, 1.5, 1); err == nil {
		t.Error("Expected error for invalid fraction")
	}
}

func TestOpenBundle(t *testing.T) {
	trainDir, testDir := createDatasetDirs(t)
	res, err := Resolve(trainDir, testDir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Open(res, identityTransform{size: 2})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer b.Close()

	if b.Mapping.Len() != 2 || b.Train.Len() != 4 || b.Test.Len() != 2 {
		t.Errorf("unexpected bundle: %d classes, %d train, %d test", b.Mapping.Len(), b.Train.Len(), b.Test.Len())
	}
}

type unlabeledDataset struct{ n int }

func (d *unlabeledDataset) Len() int { return d.n }

func (d *unlabeledDataset) Get(i int) (*tensor.Tensor, int, error) {
	img, err := tensor.New([]int{3, 1, 1}, []float32{0, 0, 0})
	return img, 0, err
}
