package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tracklab/tracknet/tensor"
)

// Linear implements a fully connected (dense) layer: y = xW^T + b
type Linear struct {
	mode
	Weight *tensor.Tensor // [out, in]
	Bias   *tensor.Tensor // [out], nil when disabled
}

// NewLinear initializes weights and bias from U(-1/sqrt(in), 1/sqrt(in)).
func NewLinear(inputSize, outputSize int, bias bool, rng *rand.Rand) (*Linear, error) {
	bound := 1 / math.Sqrt(float64(inputSize))
	weight, err := tensor.RandomUniform([]int{outputSize, inputSize}, -bound, bound, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	l := &Linear{Weight: weight}
	if bias {
		b, err := tensor.RandomUniform([]int{outputSize}, -bound, bound, rng)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		b.SetRequiresGrad(true)
		l.Bias = b
	}
	return l, nil
}

func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Linear(input, l.Weight, l.Bias)
}

func (l *Linear) Parameters() []Parameter {
	params := []Parameter{{Name: "weight", Value: l.Weight}}
	if l.Bias != nil {
		params = append(params, Parameter{Name: "bias", Value: l.Bias})
	}
	return params
}

func (l *Linear) Buffers() []Parameter { return nil }
