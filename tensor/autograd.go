package tensor

import (
	"fmt"
)

// Backward computes gradients of the scalar t with respect to every leaf
// tensor that requires a gradient. Gradients accumulate into the leaves
// until ZeroGrad is called; intermediate gradients are discarded.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a scalar output, got shape %v", t.Shape)
	}
	if !t.requiresGrad {
		return fmt.Errorf("backward called on a tensor that does not require gradients")
	}

	order := topoSort(t)
	grads := map[*Tensor]*Tensor{t: MustNew(t.Shape, []float32{1})}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g, ok := grads[node]
		if !ok {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			if err := node.accumulateGrad(g); err != nil {
				return err
			}
			continue
		}

		inGrads, err := node.creator.Backward(g)
		if err != nil {
			return fmt.Errorf("%T backward failed: %v", node.creator, err)
		}

		for j, in := range node.creator.Inputs() {
			if in == nil || !in.requiresGrad || j >= len(inGrads) || inGrads[j] == nil {
				continue
			}
			ig := inGrads[j]
			if !sameShape(ig.Shape, in.Shape) {
				return fmt.Errorf("%T produced gradient of shape %v for input of shape %v",
					node.creator, ig.Shape, in.Shape)
			}
			if prev, seen := grads[in]; seen {
				grads[in] = addFresh(prev, ig)
			} else {
				grads[in] = ig
			}
		}
	}
	return nil
}

// accumulateGrad adds g into the leaf gradient. The stored gradient is always
// owned by the leaf so later ops cannot alias it.
func (t *Tensor) accumulateGrad(g *Tensor) error {
	if !sameShape(g.Shape, t.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", g.Shape, t.Shape)
	}
	if t.grad == nil {
		t.grad = g.Clone()
		return nil
	}
	for i, v := range g.Data {
		t.grad.Data[i] += v
	}
	return nil
}

// topoSort orders the tracked subgraph rooted at t so that every tensor
// appears after all of its inputs.
func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	type frame struct {
		node *Tensor
		next int
	}
	stack := []frame{{node: root}}
	visited[root] = true

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		var inputs []*Tensor
		if top.node.creator != nil {
			inputs = top.node.creator.Inputs()
		}

		pushed := false
		for top.next < len(inputs) {
			in := inputs[top.next]
			top.next++
			if in == nil || !in.requiresGrad || visited[in] {
				continue
			}
			visited[in] = true
			stack = append(stack, frame{node: in})
			pushed = true
			break
		}
		if pushed {
			continue
		}

		order = append(order, top.node)
		stack = stack[:len(stack)-1]
	}
	return order
}

func addFresh(a, b *Tensor) *Tensor {
	out := make([]float32, len(a.Data))
	for i := range out {
		out[i] = a.Data[i] + b.Data[i]
	}
	return MustNew(a.Shape, out)
}
