package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

type matMulOp struct {
	a, b *Tensor
}

func (op *matMulOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *matMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	m, k, n := op.a.Shape[0], op.a.Shape[1], op.b.Shape[1]
	g := general(m, n, gradOut.Data)
	grads := make([]*Tensor, 2)

	if op.a.requiresGrad {
		ga := make([]float32, m*k)
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, g, general(k, n, op.b.Data), 0, general(m, k, ga))
		grads[0] = MustNew(op.a.Shape, ga)
	}
	if op.b.requiresGrad {
		gb := make([]float32, k*n)
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(m, k, op.a.Data), g, 0, general(k, n, gb))
		grads[1] = MustNew(op.b.Shape, gb)
	}
	return grads, nil
}

// MatMul multiplies a [M,K] by b [K,N].
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.Dim() != 2 || b.Dim() != 2 {
		return nil, fmt.Errorf("matmul requires 2D tensors, got %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[1] != b.Shape[0] {
		return nil, fmt.Errorf("matmul inner dimensions differ: %v x %v", a.Shape, b.Shape)
	}

	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	out := make([]float32, m*n)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(m, k, a.Data), general(k, n, b.Data), 0, general(m, n, out))
	return attach(MustNew([]int{m, n}, out), &matMulOp{a: a, b: b}), nil
}

type linearOp struct {
	x, w, b *Tensor
}

func (op *linearOp) Inputs() []*Tensor { return []*Tensor{op.x, op.w, op.b} }

func (op *linearOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	n, in, out := op.x.Shape[0], op.x.Shape[1], op.w.Shape[0]
	g := general(n, out, gradOut.Data)
	grads := make([]*Tensor, 3)

	if op.x.requiresGrad {
		gx := make([]float32, n*in)
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, g, general(out, in, op.w.Data), 0, general(n, in, gx))
		grads[0] = MustNew(op.x.Shape, gx)
	}
	if op.w.requiresGrad {
		gw := make([]float32, out*in)
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, g, general(n, in, op.x.Data), 0, general(out, in, gw))
		grads[1] = MustNew(op.w.Shape, gw)
	}
	if op.b != nil && op.b.requiresGrad {
		gb := make([]float32, out)
		for r := 0; r < n; r++ {
			row := gradOut.Data[r*out : (r+1)*out]
			for j, v := range row {
				gb[j] += v
			}
		}
		grads[2] = MustNew(op.b.Shape, gb)
	}
	return grads, nil
}

// Linear computes x·wᵀ + b for x [N,in], w [out,in] and an optional b [out].
func Linear(x, w, b *Tensor) (*Tensor, error) {
	if x.Dim() != 2 || w.Dim() != 2 {
		return nil, fmt.Errorf("linear requires 2D input and weight, got %v and %v", x.Shape, w.Shape)
	}
	if x.Shape[1] != w.Shape[1] {
		return nil, fmt.Errorf("linear input features %d do not match weight %v", x.Shape[1], w.Shape)
	}
	n, in, out := x.Shape[0], x.Shape[1], w.Shape[0]
	if b != nil && (b.Dim() != 1 || b.Shape[0] != out) {
		return nil, fmt.Errorf("linear bias shape %v does not match %d outputs", b.Shape, out)
	}

	y := make([]float32, n*out)
	if b != nil {
		for r := 0; r < n; r++ {
			copy(y[r*out:(r+1)*out], b.Data)
		}
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(n, in, x.Data), general(out, in, w.Data), 1, general(n, out, y))

	op := &linearOp{x: x, w: w, b: b}
	result := MustNew([]int{n, out}, y)
	if anyRequiresGrad(x, w, b) {
		result.requiresGrad = true
		result.creator = op
	}
	return result, nil
}
