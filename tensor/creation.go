package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// New wraps data in a tensor of the given shape. The slice is used as-is.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		Data:     data,
		NumElems: numElems,
	}, nil
}

// MustNew is New for shapes and data known to be valid.
func MustNew(shape []int, data []float32) *Tensor {
	t, err := New(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

func Zeros(shape []int) (*Tensor, error) {
	return New(shape, nil)
}

func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1)
}

func Full(shape []int, value float32) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// FromScalar builds a one-element tensor of shape [1].
func FromScalar(value float32) *Tensor {
	return MustNew([]int{1}, []float32{value})
}

// RandomNormal fills a tensor with N(mean, std^2) samples drawn from rng.
func RandomNormal(shape []int, mean, std float64, rng *rand.Rand) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()*std + mean)
	}
	return t, nil
}

// RandomUniform fills a tensor with U(low, high) samples drawn from rng.
func RandomUniform(shape []int, low, high float64, rng *rand.Rand) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = float32(low + rng.Float64()*(high-low))
	}
	return t, nil
}

// KaimingNormal initializes a weight for a ReLU network given its fan-out.
func KaimingNormal(shape []int, fanOut int, rng *rand.Rand) (*Tensor, error) {
	std := math.Sqrt(2.0 / float64(fanOut))
	return RandomNormal(shape, 0, std, rng)
}
