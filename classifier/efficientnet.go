package classifier

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tracklab/tracknet/layers"
	"github.com/tracklab/tracknet/tensor"
)

// stageSpec describes one stage of MBConv blocks at width and depth 1.
type stageSpec struct {
	expand  int
	kernel  int
	stride  int
	out     int
	repeats int
}

var efficientNetStages = []stageSpec{
	{1, 3, 1, 16, 1},
	{6, 3, 2, 24, 2},
	{6, 5, 2, 40, 2},
	{6, 3, 2, 80, 3},
	{6, 5, 1, 112, 3},
	{6, 5, 2, 192, 4},
	{6, 3, 1, 320, 1},
}

type efficientNetVariant struct {
	width float64
	depth float64
}

var (
	efficientNetB0 = efficientNetVariant{width: 1.0, depth: 1.0}
	efficientNetB3 = efficientNetVariant{width: 1.2, depth: 1.4}
)

const seRatio = 0.25

// roundFilters scales a channel count and snaps it to a multiple of 8
// without dropping more than 10%.
func roundFilters(filters int, width float64) int {
	const divisor = 8
	f := float64(filters) * width
	n := int(f+divisor/2) / divisor * divisor
	if n < divisor {
		n = divisor
	}
	if float64(n) < 0.9*f {
		n += divisor
	}
	return n
}

func roundRepeats(repeats int, depth float64) int {
	return int(math.Ceil(float64(repeats) * depth))
}

// mbConv is an inverted residual block with depthwise convolution and
// squeeze-and-excitation.
type mbConv struct {
	layers.Composite
	expandConv, bn0 layers.Module // nil when expand ratio is 1
	depthwise, bn1  layers.Module
	seReduce        layers.Module
	seExpand        layers.Module
	project, bn2    layers.Module
	act             *layers.SiLU
	gate            *layers.Sigmoid
	residual        bool
}

func newMBConv(in, out int, spec stageSpec, stride int, rng *rand.Rand) (*mbConv, error) {
	b := &mbConv{act: layers.NewSiLU(), gate: layers.NewSigmoid(), residual: stride == 1 && in == out}
	hidden := in * spec.expand

	if spec.expand != 1 {
		conv, err := layers.NewConv2D(layers.ConvConfig{In: in, Out: hidden, Kernel: 1}, rng)
		if err != nil {
			return nil, err
		}
		bn, err := layers.NewBatchNorm2D(hidden)
		if err != nil {
			return nil, err
		}
		b.expandConv = b.Register("expand_conv", conv)
		b.bn0 = b.Register("bn0", bn)
	}

	dw, err := layers.NewConv2D(layers.ConvConfig{
		In: hidden, Out: hidden, Kernel: spec.kernel, Stride: stride, Padding: spec.kernel / 2, Groups: hidden,
	}, rng)
	if err != nil {
		return nil, err
	}
	bn1, err := layers.NewBatchNorm2D(hidden)
	if err != nil {
		return nil, err
	}
	b.depthwise = b.Register("depthwise_conv", dw)
	b.bn1 = b.Register("bn1", bn1)

	squeezed := int(float64(in) * seRatio)
	if squeezed < 1 {
		squeezed = 1
	}
	seReduce, err := layers.NewConv2D(layers.ConvConfig{In: hidden, Out: squeezed, Kernel: 1, Bias: true}, rng)
	if err != nil {
		return nil, err
	}
	seExpand, err := layers.NewConv2D(layers.ConvConfig{In: squeezed, Out: hidden, Kernel: 1, Bias: true}, rng)
	if err != nil {
		return nil, err
	}
	b.seReduce = b.Register("se_reduce", seReduce)
	b.seExpand = b.Register("se_expand", seExpand)

	project, err := layers.NewConv2D(layers.ConvConfig{In: hidden, Out: out, Kernel: 1}, rng)
	if err != nil {
		return nil, err
	}
	bn2, err := layers.NewBatchNorm2D(out)
	if err != nil {
		return nil, err
	}
	b.project = b.Register("project_conv", project)
	b.bn2 = b.Register("bn2", bn2)
	return b, nil
}

// convBNAct applies conv, batch norm and then act unless act is nil.
func convBNAct(x *tensor.Tensor, conv, bn, act layers.Module) (*tensor.Tensor, error) {
	out, err := conv.Forward(x)
	if err != nil {
		return nil, err
	}
	if out, err = bn.Forward(out); err != nil {
		return nil, err
	}
	if act == nil {
		return out, nil
	}
	return act.Forward(out)
}

func (b *mbConv) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x
	var err error
	if b.expandConv != nil {
		if out, err = convBNAct(out, b.expandConv, b.bn0, b.act); err != nil {
			return nil, fmt.Errorf("expand: %w", err)
		}
	}
	if out, err = convBNAct(out, b.depthwise, b.bn1, b.act); err != nil {
		return nil, fmt.Errorf("depthwise: %w", err)
	}

	squeezed, err := tensor.GlobalAvgPool2D(out)
	if err != nil {
		return nil, err
	}
	if squeezed, err = b.seReduce.Forward(squeezed); err != nil {
		return nil, err
	}
	if squeezed, err = b.act.Forward(squeezed); err != nil {
		return nil, err
	}
	if squeezed, err = b.seExpand.Forward(squeezed); err != nil {
		return nil, err
	}
	gate, err := b.gate.Forward(squeezed)
	if err != nil {
		return nil, err
	}
	if out, err = tensor.Mul(out, gate); err != nil {
		return nil, err
	}

	if out, err = convBNAct(out, b.project, b.bn2, nil); err != nil {
		return nil, fmt.Errorf("project: %w", err)
	}
	if b.residual {
		return tensor.Add(out, x)
	}
	return out, nil
}

// efficientNetBackbone is EfficientNet's feature extractor up to and
// including the 1x1 head convolution.
type efficientNetBackbone struct {
	layers.Composite
	convStem, bn0    layers.Module
	blocks           *layers.Sequential
	convHead, bnHead layers.Module
	act              *layers.SiLU
}

func newEfficientNetBackbone(v efficientNetVariant, width float64, rng *rand.Rand) (*efficientNetBackbone, int, error) {
	w := v.width * width
	e := &efficientNetBackbone{act: layers.NewSiLU()}

	stemOut := roundFilters(32, w)
	stem, err := layers.NewConv2D(layers.ConvConfig{In: 3, Out: stemOut, Kernel: 3, Stride: 2, Padding: 1}, rng)
	if err != nil {
		return nil, 0, err
	}
	bn0, err := layers.NewBatchNorm2D(stemOut)
	if err != nil {
		return nil, 0, err
	}
	e.convStem = e.Register("conv_stem", stem)
	e.bn0 = e.Register("bn0", bn0)

	blocks := layers.NewSequential()
	in := stemOut
	for _, spec := range efficientNetStages {
		out := roundFilters(spec.out, w)
		for r := 0; r < roundRepeats(spec.repeats, v.depth); r++ {
			stride := 1
			if r == 0 {
				stride = spec.stride
			}
			block, err := newMBConv(in, out, spec, stride, rng)
			if err != nil {
				return nil, 0, fmt.Errorf("block %d: %w", blocks.Len(), err)
			}
			blocks.Add(block)
			in = out
		}
	}
	e.blocks = e.Register("blocks", blocks).(*layers.Sequential)

	headOut := roundFilters(1280, w)
	head, err := layers.NewConv2D(layers.ConvConfig{In: in, Out: headOut, Kernel: 1}, rng)
	if err != nil {
		return nil, 0, err
	}
	bnHead, err := layers.NewBatchNorm2D(headOut)
	if err != nil {
		return nil, 0, err
	}
	e.convHead = e.Register("conv_head", head)
	e.bnHead = e.Register("bn_head", bnHead)
	return e, headOut, nil
}

func (e *efficientNetBackbone) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := convBNAct(x, e.convStem, e.bn0, e.act)
	if err != nil {
		return nil, fmt.Errorf("stem: %w", err)
	}
	if out, err = e.blocks.Forward(out); err != nil {
		return nil, err
	}
	return convBNAct(out, e.convHead, e.bnHead, e.act)
}

// newMLPHead is Linear -> BatchNorm1D -> ReLU -> Dropout(0.5) -> Linear.
func newMLPHead(features, hidden, classes int, seed int64, rng *rand.Rand) (*layers.Sequential, error) {
	fc1, err := layers.NewLinear(features, hidden, true, rng)
	if err != nil {
		return nil, err
	}
	bn, err := layers.NewBatchNorm1D(hidden)
	if err != nil {
		return nil, err
	}
	drop, err := layers.NewDropout(0.5, seed+2)
	if err != nil {
		return nil, err
	}
	fc2, err := layers.NewLinear(hidden, classes, true, rng)
	if err != nil {
		return nil, err
	}
	return layers.NewSequential(fc1, bn, layers.NewReLU(), drop, fc2), nil
}

// buildEfficientNet trains the head convolution and its normalization of the
// backbone, together with the attention gate and the MLP head.
func buildEfficientNet(v efficientNetVariant) builder {
	return func(cfg ArchitectureConfig, rng *rand.Rand) (*Model, error) {
		backbone, features, err := newEfficientNetBackbone(v, cfg.WidthMultiplier, rng)
		if err != nil {
			return nil, err
		}
		head, err := newMLPHead(features, 512, cfg.NumClasses, cfg.Seed, rng)
		if err != nil {
			return nil, err
		}
		trainable := []string{BackbonePrefix + ".conv_head", BackbonePrefix + ".bn_head"}
		return newModel(cfg, backbone, features, head, trainable, rng)
	}
}
