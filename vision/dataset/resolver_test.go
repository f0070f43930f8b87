package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tracklab/tracknet/internal/errors"
)

func TestResolveCanonical(t *testing.T) {
	trainDir, testDir := createDatasetDirs(t)

	res, err := Resolve(trainDir, testDir)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.TrainImages != filepath.Join(trainDir, TrainImagesFile) {
		t.Errorf("unexpected train images %s", res.TrainImages)
	}
	if res.Mapping != filepath.Join(testDir, MappingFile) {
		t.Errorf("unexpected mapping %s", res.Mapping)
	}
	if res.TrainVariant() != VariantCanonical {
		t.Errorf("Expected canonical variant, got %s", res.TrainVariant())
	}
}

func TestResolvePrefersBalanced(t *testing.T) {
	trainDir, testDir := createDatasetDirs(t)
	writeImages(t, filepath.Join(trainDir, TrainImagesBalancedFile), 6, 2, 2)
	writeLabels(t, filepath.Join(trainDir, TrainLabelsBalancedFile), 0, 0, 0, 1, 1, 1)

	res, err := Resolve(trainDir, testDir)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.TrainImages != filepath.Join(trainDir, TrainImagesBalancedFile) {
		t.Errorf("Expected balanced images, got %s", res.TrainImages)
	}
	if res.TrainLabels != filepath.Join(trainDir, TrainLabelsBalancedFile) {
		t.Errorf("Expected balanced labels, got %s", res.TrainLabels)
	}
	if res.TrainVariant() != VariantBalanced {
		t.Errorf("Expected balanced variant, got %s", res.TrainVariant())
	}
}

func TestResolveMixedVariant(t *testing.T) {
	trainDir, testDir := createDatasetDirs(t)
	writeLabels(t, filepath.Join(trainDir, TrainLabelsBalancedFile), 0, 1, 0, 1)

	res, err := Resolve(trainDir, testDir)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.TrainImagesVariant != VariantCanonical || res.TrainLabelsVariant != VariantBalanced {
		t.Errorf("unexpected variants %s/%s", res.TrainImagesVariant, res.TrainLabelsVariant)
	}
	if res.TrainVariant() != VariantMixed {
		t.Errorf("Expected mixed variant, got %s", res.TrainVariant())
	}
}

func TestResolveMissingData(t *testing.T) {
	tests := []struct {
		name    string
		missing func(trainDir, testDir string) string
	}{
		{"train images", func(tr, _ string) string { return filepath.Join(tr, TrainImagesFile) }},
		{"train labels", func(tr, _ string) string { return filepath.Join(tr, TrainLabelsFile) }},
		{"test images", func(_, te string) string { return filepath.Join(te, TestImagesFile) }},
		{"test labels", func(_, te string) string { return filepath.Join(te, TestLabelsFile) }},
		{"mapping", func(_, te string) string { return filepath.Join(te, MappingFile) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trainDir, testDir := createDatasetDirs(t)
			path := tt.missing(trainDir, testDir)
			if err := os.Remove(path); err != nil {
				t.Fatal(err)
			}

			_, err := Resolve(trainDir, testDir)
			if !errors.Is(err, ErrMissingData) {
				t.Fatalf("Expected ErrMissingData, got %v", err)
			}
			if !errors.IsCategory(err, errors.CategoryMissingData) {
				t.Errorf("Expected missing-data category, got %s", errors.CategoryOf(err))
			}
			var ee *errors.EnhancedError
			if !errors.As(err, &ee) || ee.GetContext()["path"] != path {
				t.Errorf("Expected path %s in error context, got %v", path, err)
			}
		})
	}
}
