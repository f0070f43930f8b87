// Package tensor implements dense float32 CPU tensors with reverse-mode
// automatic differentiation.
//
// Every op returns a new tensor. When at least one input requires a
// gradient the result records the op that created it, and Backward walks
// that graph from a scalar loss back to the leaves.
package tensor

import (
	"fmt"
)

// Operation is a node of the autograd graph.
type Operation interface {
	// Inputs returns the tensors the op consumed, in the order Backward
	// returns their gradients.
	Inputs() []*Tensor
	// Backward maps the gradient of the op output to one gradient per input.
	// A nil entry means the input receives no gradient.
	Backward(gradOut *Tensor) ([]*Tensor, error)
}

type Tensor struct {
	Shape        []int
	Strides      []int
	Data         []float32
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d, requires_grad=%t)",
		t.Shape, t.NumElems, t.requiresGrad)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad marks a leaf tensor as a gradient target. Turning it off
// also drops any accumulated gradient.
func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
	if !requires {
		t.grad = nil
	}
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// IsLeaf reports whether the tensor was created by the user rather than by an op.
func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

// Dim returns the number of dimensions.
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// anyRequiresGrad reports whether a result built from inputs must join the graph.
func anyRequiresGrad(inputs ...*Tensor) bool {
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			return true
		}
	}
	return false
}

// attach wires op as the creator of result when any input is tracked.
func attach(result *Tensor, op Operation) *Tensor {
	if anyRequiresGrad(op.Inputs()...) {
		result.requiresGrad = true
		result.creator = op
	}
	return result
}
