package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tracklab/tracknet/internal/errors"
	"github.com/tracklab/tracknet/tensor"
	"github.com/tracklab/tracknet/vision/preprocessing"
)

// DefaultExtensions are the photo suffixes picked up by NewImageFolder.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tif", ".tiff", ".webp"}

// ImageFolder is a dataset of photographs laid out one directory per
// class, such as a field survey sorted by hand. Images are decoded on
// access.
type ImageFolder struct {
	imagePaths []string
	labels     []int
	mapping    *ClassMapping
	transform  preprocessing.Transform
}

// NewImageFolder scans root. When mapping is nil the classes are the
// sorted subdirectory names; otherwise every subdirectory must name a
// class in mapping, so labels line up with a trained model.
func NewImageFolder(root string, mapping *ClassMapping, t preprocessing.Transform, extensions []string) (*ImageFolder, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.FileError(fmt.Errorf("failed to list classes: %w", err), root)
	}

	var classDirs []string
	for _, e := range entries {
		if e.IsDir() {
			classDirs = append(classDirs, e.Name())
		}
	}
	sort.Strings(classDirs)

	if mapping == nil {
		if mapping, err = NewClassMapping(classDirs); err != nil {
			return nil, err
		}
	}

	d := &ImageFolder{mapping: mapping, transform: t}
	for _, className := range classDirs {
		classIdx, ok := mapping.Index(className)
		if !ok {
			return nil, errors.New(fmt.Errorf("directory %q is not a known class", className)).
				Component("dataset").
				Category(errors.CategoryValidation).
				FileContext(filepath.Join(root, className)).
				Build()
		}

		files, err := os.ReadDir(filepath.Join(root, className))
		if err != nil {
			return nil, errors.FileError(err, filepath.Join(root, className))
		}
		for _, f := range files {
			if f.IsDir() || !hasExtension(f.Name(), extensions) {
				continue
			}
			d.imagePaths = append(d.imagePaths, filepath.Join(root, className, f.Name()))
			d.labels = append(d.labels, classIdx)
		}
	}

	if len(d.imagePaths) == 0 {
		return nil, errors.New(fmt.Errorf("%w: no images found in %s", ErrMissingData, root)).
			Component("dataset").
			Category(errors.CategoryMissingData).
			FileContext(root).
			Build()
	}
	return d, nil
}

func hasExtension(name string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Len returns the number of items in the dataset
func (d *ImageFolder) Len() int {
	return len(d.imagePaths)
}

func (d *ImageFolder) Label(i int) int {
	return d.labels[i]
}

// Path returns the file behind sample i.
func (d *ImageFolder) Path(i int) string {
	return d.imagePaths[i]
}

// Mapping returns the class mapping used for labels.
func (d *ImageFolder) Mapping() *ClassMapping {
	return d.mapping
}

func (d *ImageFolder) Get(i int) (*tensor.Tensor, int, error) {
	if i < 0 || i >= len(d.imagePaths) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", i, len(d.imagePaths))
	}
	f, err := os.Open(d.imagePaths[i])
	if err != nil {
		return nil, 0, errors.FileError(err, d.imagePaths[i])
	}
	defer f.Close()

	img, _, err := preprocessing.Decode(f)
	if err != nil {
		return nil, 0, errors.New(err).
			Component("dataset").
			Category(errors.CategoryDecode).
			FileContext(d.imagePaths[i]).
			Build()
	}
	chw, err := d.transform.ApplyImage(img)
	if err != nil {
		return nil, 0, err
	}
	s := d.transform.OutputSize()
	t, err := tensor.New([]int{3, s, s}, chw)
	if err != nil {
		return nil, 0, err
	}
	return t, d.labels[i], nil
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolder) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		name, _ := d.mapping.Name(label)
		dist[name]++
	}
	return dist
}

// String returns a string representation of the dataset
func (d *ImageFolder) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ImageFolder: %d samples, %d classes\n", len(d.imagePaths), d.mapping.Len())
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	for _, className := range d.mapping.Names() {
		if count, ok := dist[className]; ok {
			fmt.Fprintf(&sb, "  %s: %d samples\n", className, count)
		}
	}
	return sb.String()
}
