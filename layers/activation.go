package layers

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tracklab/tracknet/tensor"
)

// ReLU activation layer
type ReLU struct{ stateless }

func NewReLU() *ReLU { return &ReLU{} }

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLU(input)
}

// SiLU activation layer (swish)
type SiLU struct{ stateless }

func NewSiLU() *SiLU { return &SiLU{} }

func (s *SiLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.SiLU(input)
}

// Sigmoid activation layer
type Sigmoid struct{ stateless }

func NewSigmoid() *Sigmoid { return &Sigmoid{} }

func (s *Sigmoid) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Sigmoid(input)
}

// Dropout zeroes activations with probability P while training and is the
// identity in eval mode.
type Dropout struct {
	stateless
	P   float64
	mu  sync.Mutex
	rng *rand.Rand
}

func NewDropout(p float64, seed int64) (*Dropout, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout probability must be in [0, 1), got %v", p)
	}
	return &Dropout{P: p, rng: rand.New(rand.NewSource(seed))}, nil
}

func (d *Dropout) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training || d.P == 0 {
		return input, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return tensor.Dropout(input, d.P, d.rng)
}

// MaxPool2D implements 2D max pooling
type MaxPool2D struct {
	stateless
	Kernel  int
	Stride  int
	Padding int
}

func NewMaxPool2D(kernelSize, stride, padding int) *MaxPool2D {
	return &MaxPool2D{Kernel: kernelSize, Stride: stride, Padding: padding}
}

func (m *MaxPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.MaxPool2D(input, m.Kernel, m.Stride, m.Padding)
}

// GlobalAvgPool reduces each feature map to its mean, giving [N,C,1,1].
type GlobalAvgPool struct{ stateless }

func NewGlobalAvgPool() *GlobalAvgPool { return &GlobalAvgPool{} }

func (g *GlobalAvgPool) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.GlobalAvgPool2D(input)
}

// Flatten reshapes [N, ...] to [N, features]
type Flatten struct{ stateless }

func NewFlatten() *Flatten { return &Flatten{} }

func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Flatten(input)
}
