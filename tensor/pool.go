package tensor

import (
	"fmt"
	"math"
)

// Gather ops route each output element from one input element, so a single
// type serves every max-style reduction.
type gatherOp struct {
	in    *Tensor
	index []int // flat input index per output element
}

func (op *gatherOp) Inputs() []*Tensor { return []*Tensor{op.in} }

func (op *gatherOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := make([]float32, op.in.NumElems)
	for i, src := range op.index {
		g[src] += gradOut.Data[i]
	}
	return []*Tensor{MustNew(op.in.Shape, g)}, nil
}

func require4D(name string, x *Tensor) error {
	if x.Dim() != 4 {
		return fmt.Errorf("%s requires a 4D [N,C,H,W] tensor, got %v", name, x.Shape)
	}
	return nil
}

// MaxPool2D applies a square max pool. Padded positions never win.
func MaxPool2D(x *Tensor, kernel, stride, padding int) (*Tensor, error) {
	if err := require4D("maxpool2d", x); err != nil {
		return nil, err
	}
	if stride <= 0 {
		stride = kernel
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	ho := (h+2*padding-kernel)/stride + 1
	wo := (w+2*padding-kernel)/stride + 1
	if ho <= 0 || wo <= 0 {
		return nil, fmt.Errorf("maxpool2d kernel %d too large for input %dx%d", kernel, h, w)
	}

	out := make([]float32, n*c*ho*wo)
	index := make([]int, len(out))
	i := 0
	for p := 0; p < n*c; p++ {
		base := p * h * w
		for oy := 0; oy < ho; oy++ {
			for ox := 0; ox < wo; ox++ {
				best := float32(math.Inf(-1))
				bestIdx := -1
				for ky := 0; ky < kernel; ky++ {
					iy := oy*stride - padding + ky
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < kernel; kx++ {
						ix := ox*stride - padding + kx
						if ix < 0 || ix >= w {
							continue
						}
						if v := x.Data[base+iy*w+ix]; bestIdx < 0 || v > best {
							best, bestIdx = v, base+iy*w+ix
						}
					}
				}
				out[i] = best
				index[i] = bestIdx
				i++
			}
		}
	}
	return attach(MustNew([]int{n, c, ho, wo}, out), &gatherOp{in: x, index: index}), nil
}

// GlobalMaxPool2D reduces [N,C,H,W] to [N,C,1,1] by maximum.
func GlobalMaxPool2D(x *Tensor) (*Tensor, error) {
	if err := require4D("global max pool", x); err != nil {
		return nil, err
	}
	n, c, plane := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	out := make([]float32, n*c)
	index := make([]int, n*c)
	for p := 0; p < n*c; p++ {
		base := p * plane
		best := base
		for j := base + 1; j < base+plane; j++ {
			if x.Data[j] > x.Data[best] {
				best = j
			}
		}
		out[p] = x.Data[best]
		index[p] = best
	}
	return attach(MustNew([]int{n, c, 1, 1}, out), &gatherOp{in: x, index: index}), nil
}

type globalAvgPoolOp struct {
	in *Tensor
}

func (op *globalAvgPoolOp) Inputs() []*Tensor { return []*Tensor{op.in} }

func (op *globalAvgPoolOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	plane := op.in.Shape[2] * op.in.Shape[3]
	scale := 1 / float32(plane)
	g := make([]float32, op.in.NumElems)
	for p, v := range gradOut.Data {
		fill := v * scale
		for j := p * plane; j < (p+1)*plane; j++ {
			g[j] = fill
		}
	}
	return []*Tensor{MustNew(op.in.Shape, g)}, nil
}

// GlobalAvgPool2D reduces [N,C,H,W] to [N,C,1,1] by mean.
func GlobalAvgPool2D(x *Tensor) (*Tensor, error) {
	if err := require4D("global average pool", x); err != nil {
		return nil, err
	}
	n, c, plane := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	out := make([]float32, n*c)
	for p := range out {
		var s float64
		for _, v := range x.Data[p*plane : (p+1)*plane] {
			s += float64(v)
		}
		out[p] = float32(s / float64(plane))
	}
	return attach(MustNew([]int{n, c, 1, 1}, out), &globalAvgPoolOp{in: x}), nil
}

// ChannelMax reduces [N,C,H,W] to [N,1,H,W] by maximum across channels.
func ChannelMax(x *Tensor) (*Tensor, error) {
	if err := require4D("channel max", x); err != nil {
		return nil, err
	}
	n, c, plane := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	out := make([]float32, n*plane)
	index := make([]int, n*plane)
	for s := 0; s < n; s++ {
		for j := 0; j < plane; j++ {
			best := s*c*plane + j
			for ch := 1; ch < c; ch++ {
				k := (s*c+ch)*plane + j
				if x.Data[k] > x.Data[best] {
					best = k
				}
			}
			out[s*plane+j] = x.Data[best]
			index[s*plane+j] = best
		}
	}
	return attach(MustNew([]int{n, 1, x.Shape[2], x.Shape[3]}, out), &gatherOp{in: x, index: index}), nil
}

type channelMeanOp struct {
	in *Tensor
}

func (op *channelMeanOp) Inputs() []*Tensor { return []*Tensor{op.in} }

func (op *channelMeanOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	n, c, plane := op.in.Shape[0], op.in.Shape[1], op.in.Shape[2]*op.in.Shape[3]
	scale := 1 / float32(c)
	g := make([]float32, op.in.NumElems)
	for s := 0; s < n; s++ {
		for ch := 0; ch < c; ch++ {
			dst := g[(s*c+ch)*plane : (s*c+ch+1)*plane]
			src := gradOut.Data[s*plane : (s+1)*plane]
			for j := range dst {
				dst[j] = src[j] * scale
			}
		}
	}
	return []*Tensor{MustNew(op.in.Shape, g)}, nil
}

// ChannelMean reduces [N,C,H,W] to [N,1,H,W] by mean across channels.
func ChannelMean(x *Tensor) (*Tensor, error) {
	if err := require4D("channel mean", x); err != nil {
		return nil, err
	}
	n, c, plane := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	out := make([]float32, n*plane)
	for s := 0; s < n; s++ {
		dst := out[s*plane : (s+1)*plane]
		for ch := 0; ch < c; ch++ {
			for j, v := range x.Data[(s*c+ch)*plane : (s*c+ch+1)*plane] {
				dst[j] += v
			}
		}
		for j := range dst {
			dst[j] /= float32(c)
		}
	}
	return attach(MustNew([]int{n, 1, x.Shape[2], x.Shape[3]}, out), &channelMeanOp{in: x}), nil
}

type concatOp struct {
	inputs []*Tensor
}

func (op *concatOp) Inputs() []*Tensor { return op.inputs }

func (op *concatOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	n := gradOut.Shape[0]
	outRow := gradOut.NumElems / n
	grads := make([]*Tensor, len(op.inputs))
	offset := 0
	for k, in := range op.inputs {
		row := in.NumElems / n
		if in.requiresGrad {
			g := make([]float32, in.NumElems)
			for s := 0; s < n; s++ {
				copy(g[s*row:(s+1)*row], gradOut.Data[s*outRow+offset:s*outRow+offset+row])
			}
			grads[k] = MustNew(in.Shape, g)
		}
		offset += row
	}
	return grads, nil
}

// Concat joins tensors along dimension 1. All other dimensions must agree.
func Concat(tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("concat requires at least one tensor")
	}
	first := tensors[0]
	if first.Dim() < 2 {
		return nil, fmt.Errorf("concat requires at least 2 dimensions, got %v", first.Shape)
	}

	shape := append([]int(nil), first.Shape...)
	shape[1] = 0
	for _, t := range tensors {
		if t.Dim() != first.Dim() || t.Shape[0] != first.Shape[0] || !sameShape(t.Shape[2:], first.Shape[2:]) {
			return nil, fmt.Errorf("concat shape mismatch: %v vs %v", t.Shape, first.Shape)
		}
		shape[1] += t.Shape[1]
	}

	n := first.Shape[0]
	out := make([]float32, calculateNumElements(shape))
	outRow := len(out) / n
	offset := 0
	for _, t := range tensors {
		row := t.NumElems / n
		for s := 0; s < n; s++ {
			copy(out[s*outRow+offset:s*outRow+offset+row], t.Data[s*row:(s+1)*row])
		}
		offset += row
	}
	return attach(MustNew(shape, out), &concatOp{inputs: tensors}), nil
}
