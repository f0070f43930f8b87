// Package layers provides the neural network building blocks used by the
// classifiers: parameterized layers, composites with hierarchical names, and
// state dictionary import and export.
package layers

import (
	"fmt"

	"github.com/tracklab/tracknet/tensor"
)

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []Parameter // Learnable tensors, frozen or not
	Buffers() []Parameter    // Non-learnable state such as running statistics
	Train()                  // Sets module to training mode
	Eval()                   // Sets module to evaluation mode
	IsTraining() bool        // Returns true if in training mode
}

// Parameter is a named tensor. Names are dotted paths such as
// "backbone.layer4.0.conv1.weight" and double as checkpoint keys.
type Parameter struct {
	Name  string
	Value *tensor.Tensor
}

// Trainable reports whether the optimizer may update the parameter.
func (p Parameter) Trainable() bool {
	return p.Value.RequiresGrad()
}

func prefixed(prefix string, params []Parameter) []Parameter {
	out := make([]Parameter, len(params))
	for i, p := range params {
		out[i] = Parameter{Name: prefix + "." + p.Name, Value: p.Value}
	}
	return out
}

// mode carries the train/eval flag of a leaf layer.
type mode struct {
	training bool
}

func (m *mode) Train()           { m.training = true }
func (m *mode) Eval()            { m.training = false }
func (m *mode) IsTraining() bool { return m.training }

// stateless is embedded by layers without parameters or buffers.
type stateless struct {
	mode
}

func (stateless) Parameters() []Parameter { return nil }
func (stateless) Buffers() []Parameter    { return nil }

// Child is a named submodule of a Composite.
type Child struct {
	Name   string
	Module Module
}

// Composite groups named submodules and prefixes their parameter names.
// Types embedding it supply Forward.
type Composite struct {
	children []Child
	training bool
}

// Register adds a named child and returns it for chaining into struct fields.
func (c *Composite) Register(name string, m Module) Module {
	for _, ch := range c.children {
		if ch.Name == name {
			panic(fmt.Sprintf("layers: duplicate child name %q", name))
		}
	}
	c.children = append(c.children, Child{Name: name, Module: m})
	if c.training {
		m.Train()
	} else {
		m.Eval()
	}
	return m
}

func (c *Composite) Children() []Child {
	return c.children
}

func (c *Composite) Parameters() []Parameter {
	var params []Parameter
	for _, ch := range c.children {
		params = append(params, prefixed(ch.Name, ch.Module.Parameters())...)
	}
	return params
}

func (c *Composite) Buffers() []Parameter {
	var buffers []Parameter
	for _, ch := range c.children {
		buffers = append(buffers, prefixed(ch.Name, ch.Module.Buffers())...)
	}
	return buffers
}

func (c *Composite) Train() {
	c.training = true
	for _, ch := range c.children {
		ch.Module.Train()
	}
}

func (c *Composite) Eval() {
	c.training = false
	for _, ch := range c.children {
		ch.Module.Eval()
	}
}

func (c *Composite) IsTraining() bool {
	return c.training
}

// Sequential applies its children in order. Children are named by position.
type Sequential struct {
	Composite
}

func NewSequential(modules ...Module) *Sequential {
	s := &Sequential{}
	for _, m := range modules {
		s.Add(m)
	}
	return s
}

// Add appends a module under the next positional name.
func (s *Sequential) Add(m Module) {
	s.Register(fmt.Sprintf("%d", len(s.children)), m)
}

func (s *Sequential) Len() int {
	return len(s.children)
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out := input
	for _, ch := range s.children {
		var err error
		out, err = ch.Module.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("sequential layer %s: %w", ch.Name, err)
		}
	}
	return out, nil
}
