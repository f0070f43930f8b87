// Package attention implements the convolutional block attention module
// (CBAM): a channel gate followed by a spatial gate.
package attention

import (
	"fmt"
	"math/rand"

	"github.com/tracklab/tracknet/layers"
	"github.com/tracklab/tracknet/tensor"
)

// DefaultReduction is the bottleneck ratio of the channel gate.
const DefaultReduction = 16

// SpatialKernel is the kernel size of the spatial gate convolution.
const SpatialKernel = 7

// ChannelAttention gates each channel by a sigmoid of a shared bottleneck
// applied to the average- and max-pooled descriptors.
type ChannelAttention struct {
	layers.Composite
	fc1 layers.Module
	fc2 layers.Module
}

// NewChannelAttention creates a channel gate whose bottleneck has
// channels/reduction units, at least one. A non-positive reduction means
// DefaultReduction.
func NewChannelAttention(channels, reduction int, rng *rand.Rand) (*ChannelAttention, error) {
	if reduction <= 0 {
		reduction = DefaultReduction
	}
	hidden := channels / reduction
	if hidden < 1 {
		hidden = 1
	}

	fc1, err := layers.NewConv2D(layers.ConvConfig{In: channels, Out: hidden, Kernel: 1, Bias: true}, rng)
	if err != nil {
		return nil, fmt.Errorf("channel attention fc1: %w", err)
	}
	fc2, err := layers.NewConv2D(layers.ConvConfig{In: hidden, Out: channels, Kernel: 1, Bias: true}, rng)
	if err != nil {
		return nil, fmt.Errorf("channel attention fc2: %w", err)
	}

	ca := &ChannelAttention{}
	ca.fc1 = ca.Register("fc1", fc1)
	ca.fc2 = ca.Register("fc2", fc2)
	return ca, nil
}

func (ca *ChannelAttention) bottleneck(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := ca.fc1.Forward(x)
	if err != nil {
		return nil, err
	}
	if h, err = tensor.ReLU(h); err != nil {
		return nil, err
	}
	return ca.fc2.Forward(h)
}

// Gate returns the per-channel gate of shape [N,C,1,1].
func (ca *ChannelAttention) Gate(x *tensor.Tensor) (*tensor.Tensor, error) {
	avg, err := tensor.GlobalAvgPool2D(x)
	if err != nil {
		return nil, err
	}
	mx, err := tensor.GlobalMaxPool2D(x)
	if err != nil {
		return nil, err
	}
	a, err := ca.bottleneck(avg)
	if err != nil {
		return nil, err
	}
	m, err := ca.bottleneck(mx)
	if err != nil {
		return nil, err
	}
	sum, err := tensor.Add(a, m)
	if err != nil {
		return nil, err
	}
	return tensor.Sigmoid(sum)
}

// Forward scales each channel of x by its gate.
func (ca *ChannelAttention) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	gate, err := ca.Gate(x)
	if err != nil {
		return nil, fmt.Errorf("channel attention: %w", err)
	}
	return tensor.Mul(x, gate)
}

// SpatialAttention gates each pixel by a sigmoid of a 7x7 convolution over
// the channel-wise max and mean planes.
type SpatialAttention struct {
	layers.Composite
	conv layers.Module
}

// NewSpatialAttention creates a spatial gate.
func NewSpatialAttention(rng *rand.Rand) (*SpatialAttention, error) {
	conv, err := layers.NewConv2D(layers.ConvConfig{
		In: 2, Out: 1, Kernel: SpatialKernel, Padding: SpatialKernel / 2, Bias: true,
	}, rng)
	if err != nil {
		return nil, fmt.Errorf("spatial attention conv: %w", err)
	}
	sa := &SpatialAttention{}
	sa.conv = sa.Register("conv", conv)
	return sa, nil
}

// Gate returns the per-pixel gate of shape [N,1,H,W].
func (sa *SpatialAttention) Gate(x *tensor.Tensor) (*tensor.Tensor, error) {
	mx, err := tensor.ChannelMax(x)
	if err != nil {
		return nil, err
	}
	mean, err := tensor.ChannelMean(x)
	if err != nil {
		return nil, err
	}
	planes, err := tensor.Concat(mx, mean)
	if err != nil {
		return nil, err
	}
	logits, err := sa.conv.Forward(planes)
	if err != nil {
		return nil, err
	}
	return tensor.Sigmoid(logits)
}

// Forward scales each pixel of x by its gate.
func (sa *SpatialAttention) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	gate, err := sa.Gate(x)
	if err != nil {
		return nil, fmt.Errorf("spatial attention: %w", err)
	}
	return tensor.Mul(x, gate)
}

// CBAM applies channel attention and then spatial attention. The output has
// the input's shape.
type CBAM struct {
	layers.Composite
	Channel *ChannelAttention
	Spatial *SpatialAttention
}

// NewCBAM creates a CBAM block for feature maps with the given channel count.
func NewCBAM(channels, reduction int, rng *rand.Rand) (*CBAM, error) {
	ca, err := NewChannelAttention(channels, reduction, rng)
	if err != nil {
		return nil, err
	}
	sa, err := NewSpatialAttention(rng)
	if err != nil {
		return nil, err
	}
	c := &CBAM{Channel: ca, Spatial: sa}
	c.Register("channel", ca)
	c.Register("spatial", sa)
	return c, nil
}

// Forward applies both gates to a [N,C,H,W] input.
func (c *CBAM) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dim() != 4 {
		return nil, fmt.Errorf("cbam requires a 4D [N,C,H,W] input, got %v", x.Shape)
	}
	gated, err := c.Channel.Forward(x)
	if err != nil {
		return nil, err
	}
	return c.Spatial.Forward(gated)
}
