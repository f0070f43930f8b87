// Package dataset locates and opens the track image arrays used for
// training and evaluation.
//
// A dataset is four NumPy arrays and a class mapping. Training artifacts
// may be superseded by "balanced" variants written by an offline
// rebalancing step; Resolve prefers them and records which was used.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tracklab/tracknet/internal/errors"
)

// ErrMissingData is matched when a required dataset file does not exist.
var ErrMissingData = errors.NewStd("missing dataset file")

// Canonical file names
const (
	TrainImagesFile         = "X_train.npy"
	TrainLabelsFile         = "y_train.npy"
	TrainImagesBalancedFile = "X_train_balanced.npy"
	TrainLabelsBalancedFile = "y_train_balanced.npy"
	TestImagesFile          = "X_test.npy"
	TestLabelsFile          = "y_test.npy"
	MappingFile             = "species_mapping.txt"
)

// Variant names
const (
	VariantBalanced  = "balanced"
	VariantCanonical = "canonical"
	VariantMixed     = "mixed"
)

// Resolution holds the resolved dataset paths.
type Resolution struct {
	TrainImages string
	TrainLabels string
	TestImages  string
	TestLabels  string
	Mapping     string

	TrainImagesVariant string
	TrainLabelsVariant string
}

// TrainVariant is "balanced" or "canonical" when both training artifacts
// agree, and "mixed" otherwise.
func (r *Resolution) TrainVariant() string {
	if r.TrainImagesVariant == r.TrainLabelsVariant {
		return r.TrainImagesVariant
	}
	return VariantMixed
}

// Resolve locates the five dataset products. A missing product fails with
// ErrMissingData and the exact path that was checked.
func Resolve(trainDir, testDir string) (*Resolution, error) {
	r := &Resolution{}
	var err error

	if r.TrainImages, r.TrainImagesVariant, err = resolveTraining(trainDir, TrainImagesFile, TrainImagesBalancedFile); err != nil {
		return nil, err
	}
	if r.TrainLabels, r.TrainLabelsVariant, err = resolveTraining(trainDir, TrainLabelsFile, TrainLabelsBalancedFile); err != nil {
		return nil, err
	}
	for _, p := range []struct {
		dst  *string
		name string
	}{
		{&r.TestImages, TestImagesFile},
		{&r.TestLabels, TestLabelsFile},
		{&r.Mapping, MappingFile},
	} {
		path := filepath.Join(testDir, p.name)
		if err := requireFile(path); err != nil {
			return nil, err
		}
		*p.dst = path
	}

	GetLogger().Info("dataset resolved",
		logResolution(r)...)
	return r, nil
}

func resolveTraining(dir, canonical, balanced string) (string, string, error) {
	balancedPath := filepath.Join(dir, balanced)
	if fileExists(balancedPath) {
		return balancedPath, VariantBalanced, nil
	}
	path := filepath.Join(dir, canonical)
	if err := requireFile(path); err != nil {
		return "", "", err
	}
	return path, VariantCanonical, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func requireFile(path string) error {
	if fileExists(path) {
		return nil
	}
	return errors.New(fmt.Errorf("%w: %s", ErrMissingData, path)).
		Component("dataset").
		Category(errors.CategoryMissingData).
		FileContext(path).
		Build()
}
