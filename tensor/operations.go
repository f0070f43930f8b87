package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// Binary elementwise ops

type binaryOp struct {
	a, b   *Tensor
	out    []int
	isMul  bool
	factor float32 // sign applied to b's gradient for subtraction
}

func (op *binaryOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *binaryOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	var ga, gb []float32
	if op.a.requiresGrad {
		ga = make([]float32, op.a.NumElems)
	}
	if op.b.requiresGrad {
		gb = make([]float32, op.b.NumElems)
	}

	g := gradOut.Data
	walkBroadcast(op.out, op.a.Shape, op.b.Shape, func(i, ia, ib int) {
		if op.isMul {
			if ga != nil {
				ga[ia] += g[i] * op.b.Data[ib]
			}
			if gb != nil {
				gb[ib] += g[i] * op.a.Data[ia]
			}
			return
		}
		if ga != nil {
			ga[ia] += g[i]
		}
		if gb != nil {
			gb[ib] += op.factor * g[i]
		}
	})

	grads := make([]*Tensor, 2)
	if ga != nil {
		grads[0] = MustNew(op.a.Shape, ga)
	}
	if gb != nil {
		grads[1] = MustNew(op.b.Shape, gb)
	}
	return grads, nil
}

func binary(a, b *Tensor, isMul bool, factor float32) (*Tensor, error) {
	outShape, err := BroadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, err
	}
	result, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	out := result.Data
	walkBroadcast(outShape, a.Shape, b.Shape, func(i, ia, ib int) {
		if isMul {
			out[i] = a.Data[ia] * b.Data[ib]
		} else {
			out[i] = a.Data[ia] + factor*b.Data[ib]
		}
	})
	return attach(result, &binaryOp{a: a, b: b, out: outShape, isMul: isMul, factor: factor}), nil
}

// Add returns a + b with broadcasting.
func Add(a, b *Tensor) (*Tensor, error) {
	return binary(a, b, false, 1)
}

// Sub returns a - b with broadcasting.
func Sub(a, b *Tensor) (*Tensor, error) {
	return binary(a, b, false, -1)
}

// Mul returns the elementwise product a * b with broadcasting.
func Mul(a, b *Tensor) (*Tensor, error) {
	return binary(a, b, true, 1)
}

// Unary elementwise ops

type unaryOp struct {
	in    *Tensor
	deriv []float32 // d out / d in, per element
}

func (op *unaryOp) Inputs() []*Tensor { return []*Tensor{op.in} }

func (op *unaryOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := make([]float32, op.in.NumElems)
	for i := range g {
		g[i] = gradOut.Data[i] * op.deriv[i]
	}
	return []*Tensor{MustNew(op.in.Shape, g)}, nil
}

func unary(x *Tensor, f func(v float32) (out, deriv float32)) *Tensor {
	out := make([]float32, x.NumElems)
	var deriv []float32
	if x.requiresGrad {
		deriv = make([]float32, x.NumElems)
	}
	for i, v := range x.Data {
		o, d := f(v)
		out[i] = o
		if deriv != nil {
			deriv[i] = d
		}
	}
	return attach(MustNew(x.Shape, out), &unaryOp{in: x, deriv: deriv})
}

func ReLU(x *Tensor) (*Tensor, error) {
	return unary(x, func(v float32) (float32, float32) {
		if v > 0 {
			return v, 1
		}
		return 0, 0
	}), nil
}

func sigmoid(v float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(v))))
}

func Sigmoid(x *Tensor) (*Tensor, error) {
	return unary(x, func(v float32) (float32, float32) {
		s := sigmoid(v)
		return s, s * (1 - s)
	}), nil
}

// SiLU computes x * sigmoid(x), the swish activation.
func SiLU(x *Tensor) (*Tensor, error) {
	return unary(x, func(v float32) (float32, float32) {
		s := sigmoid(v)
		return v * s, s * (1 + v*(1-s))
	}), nil
}

// Dropout zeroes each element with probability p and scales survivors by
// 1/(1-p). It is the identity when p is zero.
func Dropout(x *Tensor, p float64, rng *rand.Rand) (*Tensor, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout probability must be in [0, 1), got %v", p)
	}
	if p == 0 {
		return x, nil
	}
	scale := float32(1.0 / (1.0 - p))
	return unary(x, func(v float32) (float32, float32) {
		if rng.Float64() < p {
			return 0, 0
		}
		return v * scale, scale
	}), nil
}

// Shape ops

type reshapeOp struct {
	in *Tensor
}

func (op *reshapeOp) Inputs() []*Tensor { return []*Tensor{op.in} }

func (op *reshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	return []*Tensor{MustNew(op.in.Shape, gradOut.Data)}, nil
}

// Reshape returns a tensor sharing t's data under a new shape. One dimension
// may be -1 and is inferred.
func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	shape := append([]int(nil), newShape...)
	known, infer := 1, -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			infer = i
		case dim <= 0:
			return nil, fmt.Errorf("invalid dimension %d at index %d", dim, i)
		default:
			known *= dim
		}
	}
	if infer >= 0 {
		if t.NumElems%known != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", t.NumElems, newShape)
		}
		shape[infer] = t.NumElems / known
		known *= shape[infer]
	}
	if known != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, newShape, known)
	}

	result := MustNew(shape, t.Data)
	return attach(result, &reshapeOp{in: t}), nil
}

// Flatten collapses every dimension after the first.
func Flatten(t *Tensor) (*Tensor, error) {
	if t.Dim() < 2 {
		return nil, fmt.Errorf("flatten requires at least 2 dimensions, got %v", t.Shape)
	}
	return Reshape(t, []int{t.Shape[0], -1})
}
