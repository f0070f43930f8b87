package dataset

import (
	"fmt"
	"math/rand"

	"github.com/tracklab/tracknet/internal/errors"
	"github.com/tracklab/tracknet/internal/logger"
	"github.com/tracklab/tracknet/tensor"
)

// DefaultValFraction is the share of training samples held out for
// validation.
const DefaultValFraction = 0.2

// Transform turns an HWC image with values in [0,1] into normalized CHW
// data of side OutputSize.
type Transform interface {
	ApplyHWC(hwc []float32, height, width int) ([]float32, error)
	OutputSize() int
}

// Dataset is an indexed collection of labelled images. Get must be safe
// for concurrent use.
type Dataset interface {
	Len() int
	// Get returns the transformed image [3,S,S] and its label.
	Get(i int) (*tensor.Tensor, int, error)
}

// Labeled datasets expose labels without decoding images.
type Labeled interface {
	Label(i int) int
}

// Sample is an untransformed view into a mapped image array. Pixels
// aliases the mapping and is valid until the dataset is closed.
type Sample struct {
	Pixels []byte
	Descr  string
	Height int
	Width  int
	Label  int
}

// ArrayDataset pairs an (N,H,W,3) image array with an (N,) label array.
// Images stay memory-mapped and are transformed on access.
type ArrayDataset struct {
	images     *Array
	labels     []int
	numClasses int
	transform  Transform
}

// OpenArrays maps the image and label arrays and validates their shapes
// and label range against numClasses.
func OpenArrays(imagesPath, labelsPath string, numClasses int, t Transform) (*ArrayDataset, error) {
	images, err := OpenArray(imagesPath)
	if err != nil {
		return nil, errors.FileError(fmt.Errorf("failed to open image array: %w", err), imagesPath)
	}
	ds, err := newArrayDataset(images, labelsPath, numClasses, t)
	if err != nil {
		images.Close()
		return nil, err
	}
	GetLogger().Debug("arrays opened",
		logger.String("images", imagesPath),
		logger.Int("samples", ds.Len()),
		logger.Int("height", images.Shape[1]),
		logger.Int("width", images.Shape[2]))
	return ds, nil
}

func newArrayDataset(images *Array, labelsPath string, numClasses int, t Transform) (*ArrayDataset, error) {
	if len(images.Shape) != 4 || images.Shape[3] != 3 {
		return nil, invalidArray(images.Path, fmt.Sprintf("expected image shape (N,H,W,3), got %v", images.Shape))
	}
	if images.Descr != "|u1" && images.Descr != "<f4" {
		return nil, invalidArray(images.Path, fmt.Sprintf("image dtype %s is not |u1 or <f4", images.Descr))
	}

	labelArr, err := OpenArray(labelsPath)
	if err != nil {
		return nil, errors.FileError(fmt.Errorf("failed to open label array: %w", err), labelsPath)
	}
	defer labelArr.Close()

	if len(labelArr.Shape) != 1 {
		return nil, invalidArray(labelsPath, fmt.Sprintf("expected label shape (N,), got %v", labelArr.Shape))
	}
	if labelArr.Len() != images.Len() {
		return nil, invalidArray(labelsPath, fmt.Sprintf("%d labels for %d images", labelArr.Len(), images.Len()))
	}

	labels := make([]int, labelArr.Len())
	for i := range labels {
		v, err := labelArr.Int(i)
		if err != nil {
			return nil, invalidArray(labelsPath, err.Error())
		}
		if v < 0 || v >= int64(numClasses) {
			return nil, invalidArray(labelsPath, fmt.Sprintf("label %d at index %d outside [0, %d)", v, i, numClasses))
		}
		labels[i] = int(v)
	}

	return &ArrayDataset{images: images, labels: labels, numClasses: numClasses, transform: t}, nil
}

func invalidArray(path, msg string) error {
	return errors.New(fmt.Errorf("%s: %s", path, msg)).
		Component("dataset").
		Category(errors.CategoryValidation).
		FileContext(path).
		Build()
}

func (d *ArrayDataset) Len() int {
	return len(d.labels)
}

func (d *ArrayDataset) Label(i int) int {
	return d.labels[i]
}

// NumClasses is the class count the labels were validated against.
func (d *ArrayDataset) NumClasses() int {
	return d.numClasses
}

// Sample returns the raw view of entry i.
func (d *ArrayDataset) Sample(i int) (Sample, error) {
	if i < 0 || i >= d.Len() {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", i, d.Len())
	}
	return Sample{
		Pixels: d.images.Row(i),
		Descr:  d.images.Descr,
		Height: d.images.Shape[1],
		Width:  d.images.Shape[2],
		Label:  d.labels[i],
	}, nil
}

func (d *ArrayDataset) Get(i int) (*tensor.Tensor, int, error) {
	if i < 0 || i >= d.Len() {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", i, d.Len())
	}
	hwc, err := d.images.Float32s(i, nil)
	if err != nil {
		return nil, 0, err
	}
	chw, err := d.transform.ApplyHWC(hwc, d.images.Shape[1], d.images.Shape[2])
	if err != nil {
		return nil, 0, fmt.Errorf("sample %d: %w", i, err)
	}
	s := d.transform.OutputSize()
	img, err := tensor.New([]int{3, s, s}, chw)
	if err != nil {
		return nil, 0, err
	}
	return img, d.labels[i], nil
}

// ClassCounts returns the number of samples per label.
func (d *ArrayDataset) ClassCounts() []int {
	counts := make([]int, d.numClasses)
	for _, l := range d.labels {
		counts[l]++
	}
	return counts
}

// Close unmaps the image array.
func (d *ArrayDataset) Close() error {
	return d.images.Close()
}

// Subset is a view over selected indices of a parent dataset.
type Subset struct {
	parent  Dataset
	indices []int
}

// NewSubset returns the view of parent restricted to indices.
func NewSubset(parent Dataset, indices []int) *Subset {
	return &Subset{parent: parent, indices: append([]int(nil), indices...)}
}

func (s *Subset) Len() int {
	return len(s.indices)
}

func (s *Subset) Get(i int) (*tensor.Tensor, int, error) {
	if i < 0 || i >= len(s.indices) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", i, len(s.indices))
	}
	return s.parent.Get(s.indices[i])
}

// Label returns the label of item i without decoding it. The parent must
// be Labeled.
func (s *Subset) Label(i int) (int, error) {
	if i < 0 || i >= len(s.indices) {
		return 0, fmt.Errorf("index %d out of range [0, %d)", i, len(s.indices))
	}
	l, ok := s.parent.(Labeled)
	if !ok {
		return 0, fmt.Errorf("%T does not expose labels", s.parent)
	}
	return l.Label(s.indices[i]), nil
}

// Indices returns the parent indices in view order.
func (s *Subset) Indices() []int {
	return append([]int(nil), s.indices...)
}

// Split shuffles indices with seed and holds out valFraction of them. The
// same seed always gives the same partition.
func Split(ds Dataset, valFraction float64, seed int64) (train, val *Subset, err error) {
	if valFraction <= 0 || valFraction >= 1 {
		return nil, nil, errors.ValidationError(fmt.Sprintf("validation fraction must be in (0, 1), got %v", valFraction))
	}
	n := ds.Len()
	nVal := int(float64(n) * valFraction)
	if nVal == 0 && n > 1 {
		nVal = 1
	}
	if n-nVal < 1 {
		return nil, nil, errors.ValidationError(fmt.Sprintf("cannot split %d samples with validation fraction %v", n, valFraction))
	}

	indices := rand.New(rand.NewSource(seed)).Perm(n)
	return NewSubset(ds, indices[nVal:]), NewSubset(ds, indices[:nVal]), nil
}

// Bundle is an opened dataset resolution.
type Bundle struct {
	Resolution *Resolution
	Mapping    *ClassMapping
	Train      *ArrayDataset
	Test       *ArrayDataset
}

// Open loads the mapping and maps the training and test arrays.
func Open(res *Resolution, t Transform) (*Bundle, error) {
	mapping, err := LoadMapping(res.Mapping)
	if err != nil {
		return nil, err
	}
	train, err := OpenArrays(res.TrainImages, res.TrainLabels, mapping.Len(), t)
	if err != nil {
		return nil, err
	}
	test, err := OpenArrays(res.TestImages, res.TestLabels, mapping.Len(), t)
	if err != nil {
		train.Close()
		return nil, err
	}
	return &Bundle{Resolution: res, Mapping: mapping, Train: train, Test: test}, nil
}

// Close releases both arrays.
func (b *Bundle) Close() error {
	return errors.Join(b.Train.Close(), b.Test.Close())
}
