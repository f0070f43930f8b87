package classifier

import (
	"fmt"
	"math/rand"

	"github.com/tracklab/tracknet/layers"
	"github.com/tracklab/tracknet/tensor"
)

// basicBlock is the two-convolution residual block of ResNet-18.
type basicBlock struct {
	layers.Composite
	conv1, bn1, conv2, bn2 layers.Module
	downsample             layers.Module
}

func newBasicBlock(in, out, stride int, rng *rand.Rand) (*basicBlock, error) {
	b := &basicBlock{}
	conv1, err := layers.NewConv2D(layers.ConvConfig{In: in, Out: out, Kernel: 3, Stride: stride, Padding: 1}, rng)
	if err != nil {
		return nil, err
	}
	bn1, err := layers.NewBatchNorm2D(out)
	if err != nil {
		return nil, err
	}
	conv2, err := layers.NewConv2D(layers.ConvConfig{In: out, Out: out, Kernel: 3, Padding: 1}, rng)
	if err != nil {
		return nil, err
	}
	bn2, err := layers.NewBatchNorm2D(out)
	if err != nil {
		return nil, err
	}
	b.conv1 = b.Register("conv1", conv1)
	b.bn1 = b.Register("bn1", bn1)
	b.conv2 = b.Register("conv2", conv2)
	b.bn2 = b.Register("bn2", bn2)

	if stride != 1 || in != out {
		proj, err := layers.NewConv2D(layers.ConvConfig{In: in, Out: out, Kernel: 1, Stride: stride}, rng)
		if err != nil {
			return nil, err
		}
		projBN, err := layers.NewBatchNorm2D(out)
		if err != nil {
			return nil, err
		}
		b.downsample = b.Register("downsample", layers.NewSequential(proj, projBN))
	}
	return b, nil
}

func (b *basicBlock) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := b.conv1.Forward(x)
	if err != nil {
		return nil, err
	}
	if out, err = b.bn1.Forward(out); err != nil {
		return nil, err
	}
	if out, err = tensor.ReLU(out); err != nil {
		return nil, err
	}
	if out, err = b.conv2.Forward(out); err != nil {
		return nil, err
	}
	if out, err = b.bn2.Forward(out); err != nil {
		return nil, err
	}

	identity := x
	if b.downsample != nil {
		if identity, err = b.downsample.Forward(x); err != nil {
			return nil, err
		}
	}
	if out, err = tensor.Add(out, identity); err != nil {
		return nil, err
	}
	return tensor.ReLU(out)
}

// resNetBackbone is ResNet-18 without its pooling and classification layer.
type resNetBackbone struct {
	layers.Composite
	stem   *layers.Sequential
	stages []layers.Module
}

func newResNet18Backbone(width float64, rng *rand.Rand) (*resNetBackbone, int, error) {
	r := &resNetBackbone{}

	stemOut := scaled(64, width)
	conv1, err := layers.NewConv2D(layers.ConvConfig{In: 3, Out: stemOut, Kernel: 7, Stride: 2, Padding: 3}, rng)
	if err != nil {
		return nil, 0, err
	}
	bn1, err := layers.NewBatchNorm2D(stemOut)
	if err != nil {
		return nil, 0, err
	}
	// The stem layers are registered flat so their names match the usual
	// conv1/bn1 layout.
	r.Register("conv1", conv1)
	r.Register("bn1", bn1)
	r.stem = layers.NewSequential(conv1, bn1, layers.NewReLU(), layers.NewMaxPool2D(3, 2, 1))

	in := stemOut
	for i, base := range []int{64, 128, 256, 512} {
		out := scaled(base, width)
		stride := 2
		if i == 0 {
			stride = 1
		}
		stage := layers.NewSequential()
		for j := 0; j < 2; j++ {
			s := 1
			if j == 0 {
				s = stride
			}
			block, err := newBasicBlock(in, out, s, rng)
			if err != nil {
				return nil, 0, fmt.Errorf("layer%d.%d: %w", i+1, j, err)
			}
			stage.Add(block)
			in = out
		}
		r.stages = append(r.stages, r.Register(fmt.Sprintf("layer%d", i+1), stage))
	}
	return r, in, nil
}

func (r *resNetBackbone) Train() {
	r.Composite.Train()
	r.stem.Train()
}

func (r *resNetBackbone) Eval() {
	r.Composite.Eval()
	r.stem.Eval()
}

func (r *resNetBackbone) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := r.stem.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("stem: %w", err)
	}
	for i, stage := range r.stages {
		if out, err = stage.Forward(out); err != nil {
			return nil, fmt.Errorf("layer%d: %w", i+1, err)
		}
	}
	return out, nil
}

// buildResNet18 mirrors the serving model: ResNet-18 features, CBAM and a
// single linear layer. Only the last residual stage of the backbone trains.
func buildResNet18(cfg ArchitectureConfig, rng *rand.Rand) (*Model, error) {
	backbone, features, err := newResNet18Backbone(cfg.WidthMultiplier, rng)
	if err != nil {
		return nil, err
	}
	head, err := layers.NewLinear(features, cfg.NumClasses, true, rng)
	if err != nil {
		return nil, err
	}
	return newModel(cfg, backbone, features, head, []string{BackbonePrefix + ".layer4"}, rng)
}
