package layers

import (
	"fmt"
	"math/rand"

	"github.com/tracklab/tracknet/tensor"
)

// Conv2D implements 2D convolution layer
type Conv2D struct {
	mode
	Weight *tensor.Tensor // [out, in/groups, k, k]
	Bias   *tensor.Tensor // [out], nil when disabled
	Params tensor.ConvParams
}

// ConvConfig configures NewConv2D. Zero Stride and Groups mean 1.
type ConvConfig struct {
	In, Out int
	Kernel  int
	Stride  int
	Padding int
	Groups  int
	Bias    bool
}

// NewConv2D creates a convolution with Kaiming-normal (fan-out) weights and
// zero bias.
func NewConv2D(cfg ConvConfig, rng *rand.Rand) (*Conv2D, error) {
	if cfg.Groups <= 0 {
		cfg.Groups = 1
	}
	if cfg.Stride <= 0 {
		cfg.Stride = 1
	}
	if cfg.In%cfg.Groups != 0 || cfg.Out%cfg.Groups != 0 {
		return nil, fmt.Errorf("conv channels in=%d out=%d not divisible by groups=%d", cfg.In, cfg.Out, cfg.Groups)
	}

	shape := []int{cfg.Out, cfg.In / cfg.Groups, cfg.Kernel, cfg.Kernel}
	fanOut := cfg.Out * cfg.Kernel * cfg.Kernel / cfg.Groups
	weight, err := tensor.KaimingNormal(shape, fanOut, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	c := &Conv2D{
		Weight: weight,
		Params: tensor.ConvParams{Stride: cfg.Stride, Padding: cfg.Padding, Groups: cfg.Groups},
	}
	if cfg.Bias {
		b, err := tensor.Zeros([]int{cfg.Out})
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		b.SetRequiresGrad(true)
		c.Bias = b
	}
	return c, nil
}

func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv2D(input, c.Weight, c.Bias, c.Params)
}

func (c *Conv2D) Parameters() []Parameter {
	params := []Parameter{{Name: "weight", Value: c.Weight}}
	if c.Bias != nil {
		params = append(params, Parameter{Name: "bias", Value: c.Bias})
	}
	return params
}

func (c *Conv2D) Buffers() []Parameter { return nil }
