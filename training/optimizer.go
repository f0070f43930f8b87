package training

import (
	"fmt"
	"math"
	"sync"

	"github.com/tracklab/tracknet/layers"
	"github.com/tracklab/tracknet/tensor"
)

// Optimizer names accepted by NewOptimizer
const (
	OptimizerAdam    = "adam"
	OptimizerSGD     = "sgd"
	OptimizerRMSProp = "rmsprop"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
}

// NewOptimizer builds the named optimizer over the trainable parameters
// of params. Frozen parameters are never handed to the optimizer.
func NewOptimizer(name string, params []layers.Parameter, lr, momentum, weightDecay float64) (Optimizer, error) {
	var trainable []*tensor.Tensor
	for _, p := range params {
		if p.Trainable() {
			trainable = append(trainable, p.Value)
		}
	}
	if len(trainable) == 0 {
		return nil, fmt.Errorf("no trainable parameters")
	}
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", lr)
	}

	switch name {
	case OptimizerAdam, "":
		return NewAdam(trainable, lr, 0.9, 0.999, 1e-8, weightDecay), nil
	case OptimizerSGD:
		return NewSGD(trainable, lr, momentum, weightDecay), nil
	case OptimizerRMSProp:
		return NewRMSProp(trainable, lr, 0.99, 1e-8, momentum, weightDecay, false), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

// SGD implements Stochastic Gradient Descent optimizer
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	velocities   map[*tensor.Tensor][]float32
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*tensor.Tensor, lr, momentum, weightDecay float64) *SGD {
	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		velocities:   make(map[*tensor.Tensor][]float32),
	}

	// Initialize velocity buffers for momentum
	if momentum > 0 {
		for _, param := range parameters {
			sgd.velocities[param] = make([]float32, param.NumElems)
		}
	}
	return sgd
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	lr := float32(sgd.learningRate)
	mu := float32(sgd.momentum)
	wd := float32(sgd.weightDecay)

	for _, param := range sgd.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		grad := param.Grad().Data
		if len(grad) != len(param.Data) {
			return fmt.Errorf("gradient has %d elements for parameter of %d", len(grad), len(param.Data))
		}
		vel := sgd.velocities[param]

		for i, g := range grad {
			if wd > 0 {
				g += wd * param.Data[i]
			}
			if vel != nil {
				vel[i] = mu*vel[i] + g
				g = vel[i]
			}
			param.Data[i] -= lr * g
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

// Adam implements the Adam optimizer
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           map[*tensor.Tensor][]float32 // First moment estimates
	v           map[*tensor.Tensor][]float32 // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	adam := &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make(map[*tensor.Tensor][]float32),
		v:           make(map[*tensor.Tensor][]float32),
	}

	// Initialize moment estimates
	for _, param := range parameters {
		adam.m[param] = make([]float32, param.NumElems)
		adam.v[param] = make([]float32, param.NumElems)
	}
	return adam
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))
	stepSize := adam.lr / bias1

	for _, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		grad := param.Grad().Data
		if len(grad) != len(param.Data) {
			return fmt.Errorf("gradient has %d elements for parameter of %d", len(grad), len(param.Data))
		}
		m, v := adam.m[param], adam.v[param]

		for i, g := range grad {
			gv := float64(g)
			if adam.weightDecay > 0 {
				gv += adam.weightDecay * float64(param.Data[i])
			}
			mi := adam.beta1*float64(m[i]) + (1-adam.beta1)*gv
			vi := adam.beta2*float64(v[i]) + (1-adam.beta2)*gv*gv
			m[i], v[i] = float32(mi), float32(vi)

			// param -= lr * m_hat / (sqrt(v_hat) + eps)
			denom := math.Sqrt(vi/bias2) + adam.eps
			param.Data[i] -= float32(stepSize * mi / denom)
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

// RMSProp scales each step by a running average of squared gradients.
// Centered RMSProp also subtracts the running mean of the gradient from
// that average.
type RMSProp struct {
	parameters  []*tensor.Tensor
	lr          float64
	alpha       float64
	eps         float64
	momentum    float64
	weightDecay float64
	centered    bool
	sqAvg       map[*tensor.Tensor][]float32
	gradAvg     map[*tensor.Tensor][]float32 // centered only
	buf         map[*tensor.Tensor][]float32 // momentum only
	mutex       sync.RWMutex
}

// NewRMSProp creates a new RMSProp optimizer
func NewRMSProp(parameters []*tensor.Tensor, lr, alpha, eps, momentum, weightDecay float64, centered bool) *RMSProp {
	r := &RMSProp{
		parameters:  parameters,
		lr:          lr,
		alpha:       alpha,
		eps:         eps,
		momentum:    momentum,
		weightDecay: weightDecay,
		centered:    centered,
		sqAvg:       make(map[*tensor.Tensor][]float32),
		gradAvg:     make(map[*tensor.Tensor][]float32),
		buf:         make(map[*tensor.Tensor][]float32),
	}
	for _, param := range parameters {
		r.sqAvg[param] = make([]float32, param.NumElems)
		if centered {
			r.gradAvg[param] = make([]float32, param.NumElems)
		}
		if momentum > 0 {
			r.buf[param] = make([]float32, param.NumElems)
		}
	}
	return r
}

// Step performs a single optimization step
func (r *RMSProp) Step() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, param := range r.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		grad := param.Grad().Data
		if len(grad) != len(param.Data) {
			return fmt.Errorf("gradient has %d elements for parameter of %d", len(grad), len(param.Data))
		}
		sq, avg, buf := r.sqAvg[param], r.gradAvg[param], r.buf[param]

		for i, g := range grad {
			gv := float64(g)
			if r.weightDecay > 0 {
				gv += r.weightDecay * float64(param.Data[i])
			}
			si := r.alpha*float64(sq[i]) + (1-r.alpha)*gv*gv
			sq[i] = float32(si)
			if avg != nil {
				ai := r.alpha*float64(avg[i]) + (1-r.alpha)*gv
				avg[i] = float32(ai)
				si -= ai * ai
			}
			update := gv / (math.Sqrt(max(si, 0)) + r.eps)
			if buf != nil {
				bi := r.momentum*float64(buf[i]) + update
				buf[i] = float32(bi)
				update = bi
			}
			param.Data[i] -= float32(r.lr * update)
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (r *RMSProp) ZeroGrad() {
	tensor.ZeroGrad(r.parameters)
}

// GetLR returns the current learning rate
func (r *RMSProp) GetLR() float64 {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.lr
}

// SetLR sets the learning rate
func (r *RMSProp) SetLR(lr float64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.lr = lr
}
