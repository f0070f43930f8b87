package tensor

import (
	"fmt"
	"math"
)

// Clone returns a detached deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return MustNew(t.Shape, data)
}

// Detach returns a tensor sharing t's data but cut from the graph.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  calculateStrides(t.Shape),
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item requires a single-element tensor, got %d elements", t.NumElems)
	}
	return t.Data[0], nil
}

// ZeroGrad clears the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	t.grad = nil
}

// ZeroGrad clears the gradient of every tensor in the list.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t != nil {
			t.ZeroGrad()
		}
	}
}

// CopyFrom overwrites t's values in place with src's values.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !sameShape(t.Shape, src.Shape) {
		return fmt.Errorf("copy shape mismatch: %v vs %v", t.Shape, src.Shape)
	}
	copy(t.Data, src.Data)
	return nil
}

// Equal reports whether two tensors have identical shape and values.
func Equal(a, b *Tensor) bool {
	if !sameShape(a.Shape, b.Shape) {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}

// AllClose reports whether two tensors match within an absolute tolerance.
func AllClose(a, b *Tensor, tol float64) bool {
	if !sameShape(a.Shape, b.Shape) {
		return false
	}
	for i := range a.Data {
		if math.Abs(float64(a.Data[i]-b.Data[i])) > tol {
			return false
		}
	}
	return true
}

// Sum returns the sum of all elements in float64.
func (t *Tensor) Sum() float64 {
	var s float64
	for _, v := range t.Data {
		s += float64(v)
	}
	return s
}
