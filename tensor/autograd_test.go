package tensor

import (
	"math"
	"math/rand"
	"testing"
)

// scalarize reduces out to a scalar with a fixed random projection so every
// output element contributes a distinct weight to the gradient.
func scalarize(out *Tensor, probe *Tensor) (*Tensor, error) {
	flat, err := Reshape(out, []int{1, -1})
	if err != nil {
		return nil, err
	}
	return Linear(flat, probe, nil)
}

func randomTensor(rng *rand.Rand, shape ...int) *Tensor {
	t, _ := RandomNormal(shape, 0, 1, rng)
	return t
}

// gradCheck compares analytic gradients of the inputs with central finite
// differences on up to maxProbe elements of each input.
func gradCheck(t *testing.T, name string, f func() (*Tensor, error), inputs []*Tensor) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))

	out, err := f()
	if err != nil {
		t.Fatalf("%s forward failed: %v", name, err)
	}
	probe := randomTensor(rng, 1, out.NumElems)

	for _, in := range inputs {
		in.SetRequiresGrad(true)
	}
	out, _ = f()
	loss, err := scalarize(out, probe)
	if err != nil {
		t.Fatalf("%s scalarize failed: %v", name, err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("%s backward failed: %v", name, err)
	}

	eval := func() float64 {
		o, err := f()
		if err != nil {
			t.Fatalf("%s forward failed: %v", name, err)
		}
		s, _ := scalarize(o, probe)
		return float64(s.Data[0])
	}

	const h = 1e-2
	const maxProbe = 24
	for k, in := range inputs {
		if in.Grad() == nil {
			t.Fatalf("%s input %d has no gradient", name, k)
		}
		step := 1
		if in.NumElems > maxProbe {
			step = in.NumElems / maxProbe
		}
		for i := 0; i < in.NumElems; i += step {
			orig := in.Data[i]
			in.Data[i] = orig + h
			plus := eval()
			in.Data[i] = orig - h
			minus := eval()
			in.Data[i] = orig

			numeric := (plus - minus) / (2 * h)
			analytic := float64(in.Grad().Data[i])
			if math.Abs(numeric-analytic) > 1e-2+5e-2*math.Abs(numeric) {
				t.Errorf("%s input %d element %d: expected gradient %f, got %f", name, k, i, numeric, analytic)
			}
		}
	}
}

func TestAutogradBackward(t *testing.T) {
	t.Run("Simple addition backward", func(t *testing.T) {
		x1 := MustNew([]int{1}, []float32{3.0})
		x2 := MustNew([]int{1}, []float32{4.0})
		x1.SetRequiresGrad(true)
		x2.SetRequiresGrad(true)

		y, err := Add(x1, x2)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if err := y.Backward(); err != nil {
			t.Fatalf("Backward pass failed: %v", err)
		}

		if got := x1.Grad().Data[0]; got != 1.0 {
			t.Errorf("Expected x1 gradient to be 1.0, got %f", got)
		}
		if got := x2.Grad().Data[0]; got != 1.0 {
			t.Errorf("Expected x2 gradient to be 1.0, got %f", got)
		}
	})

	t.Run("Reused tensor accumulates", func(t *testing.T) {
		x := MustNew([]int{1}, []float32{3.0})
		x.SetRequiresGrad(true)

		y, _ := Mul(x, x)
		z, _ := Add(y, x)
		if err := z.Backward(); err != nil {
			t.Fatalf("Backward pass failed: %v", err)
		}
		// d/dx (x^2 + x) = 2x + 1
		if got := x.Grad().Data[0]; got != 7.0 {
			t.Errorf("Expected gradient 7.0, got %f", got)
		}
	})

	t.Run("Gradients accumulate across calls", func(t *testing.T) {
		x := MustNew([]int{1}, []float32{2.0})
		x.SetRequiresGrad(true)
		for i := 0; i < 2; i++ {
			y, _ := Mul(x, FromScalar(3))
			if err := y.Backward(); err != nil {
				t.Fatalf("Backward pass failed: %v", err)
			}
		}
		if got := x.Grad().Data[0]; got != 6.0 {
			t.Errorf("Expected accumulated gradient 6.0, got %f", got)
		}
		x.ZeroGrad()
		if x.Grad() != nil {
			t.Error("Expected gradient to be cleared")
		}
	})

	t.Run("Untracked tensors get no gradient", func(t *testing.T) {
		x := MustNew([]int{1}, []float32{2.0})
		frozen := MustNew([]int{1}, []float32{5.0})
		x.SetRequiresGrad(true)

		y, _ := Mul(x, frozen)
		if err := y.Backward(); err != nil {
			t.Fatalf("Backward pass failed: %v", err)
		}
		if frozen.Grad() != nil {
			t.Error("Frozen tensor should not receive a gradient")
		}
	})

	t.Run("Non-scalar backward fails", func(t *testing.T) {
		x := MustNew([]int{2}, []float32{1, 2})
		x.SetRequiresGrad(true)
		y, _ := ReLU(x)
		if err := y.Backward(); err == nil {
			t.Error("Expected error for non-scalar backward")
		}
	})

	t.Run("No graph without tracked inputs", func(t *testing.T) {
		x := MustNew([]int{2}, []float32{1, 2})
		y, _ := Sigmoid(x)
		if y.RequiresGrad() || !y.IsLeaf() {
			t.Error("Result of untracked inputs should not join the graph")
		}
	})
}

func TestGradientChecks(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	t.Run("broadcast multiply", func(t *testing.T) {
		x := randomTensor(rng, 2, 3, 4, 4)
		gate := randomTensor(rng, 2, 3, 1, 1)
		plane := randomTensor(rng, 2, 1, 4, 4)
		gradCheck(t, "mul", func() (*Tensor, error) {
			y, err := Mul(x, gate)
			if err != nil {
				return nil, err
			}
			return Mul(y, plane)
		}, []*Tensor{x, gate, plane})
	})

	t.Run("linear", func(t *testing.T) {
		x := randomTensor(rng, 3, 5)
		w := randomTensor(rng, 4, 5)
		b := randomTensor(rng, 4)
		gradCheck(t, "linear", func() (*Tensor, error) { return Linear(x, w, b) }, []*Tensor{x, w, b})
	})

	t.Run("matmul", func(t *testing.T) {
		a := randomTensor(rng, 3, 4)
		b := randomTensor(rng, 4, 2)
		gradCheck(t, "matmul", func() (*Tensor, error) { return MatMul(a, b) }, []*Tensor{a, b})
	})

	convCases := []struct {
		name   string
		x, w   []int
		params ConvParams
	}{
		{"dense strided", []int{2, 4, 5, 5}, []int{6, 4, 3, 3}, ConvParams{Stride: 2, Padding: 1}},
		{"grouped", []int{2, 4, 5, 5}, []int{6, 2, 3, 3}, ConvParams{Stride: 1, Padding: 1, Groups: 2}},
		{"depthwise", []int{1, 3, 6, 6}, []int{3, 1, 5, 5}, ConvParams{Stride: 2, Padding: 2, Groups: 3}},
		{"pointwise", []int{2, 3, 4, 4}, []int{5, 3, 1, 1}, ConvParams{Stride: 1}},
	}
	for _, tc := range convCases {
		t.Run("conv2d "+tc.name, func(t *testing.T) {
			x := randomTensor(rng, tc.x...)
			w := randomTensor(rng, tc.w...)
			b := randomTensor(rng, tc.w[0])
			gradCheck(t, tc.name, func() (*Tensor, error) { return Conv2D(x, w, b, tc.params) }, []*Tensor{x, w, b})
		})
	}

	for _, training := range []bool{true, false} {
		name := "batchnorm eval"
		if training {
			name = "batchnorm train"
		}
		t.Run(name, func(t *testing.T) {
			x := randomTensor(rng, 3, 2, 3, 3)
			gamma := randomTensor(rng, 2)
			beta := randomTensor(rng, 2)
			rm := MustNew([]int{2}, []float32{0.1, -0.2})
			rv := MustNew([]int{2}, []float32{1.5, 0.7})
			gradCheck(t, name, func() (*Tensor, error) {
				return BatchNorm(x, gamma, beta, BatchNormParams{
					RunningMean: rm, RunningVar: rv, Training: training, Momentum: 0.1,
				})
			}, []*Tensor{x, gamma, beta})
		})
	}

	t.Run("sigmoid and silu", func(t *testing.T) {
		x := randomTensor(rng, 2, 6)
		gradCheck(t, "activations", func() (*Tensor, error) {
			s, err := Sigmoid(x)
			if err != nil {
				return nil, err
			}
			return SiLU(s)
		}, []*Tensor{x})
	})

	t.Run("pools and concat", func(t *testing.T) {
		// Distinct values keep the maxima stable under the finite-difference step.
		data := make([]float32, 2*3*4*4)
		for i, p := range rng.Perm(len(data)) {
			data[i] = float32(p) * 0.1
		}
		x := MustNew([]int{2, 3, 4, 4}, data)
		gradCheck(t, "pools", func() (*Tensor, error) {
			mx, err := ChannelMax(x)
			if err != nil {
				return nil, err
			}
			mean, err := ChannelMean(x)
			if err != nil {
				return nil, err
			}
			pooled, err := MaxPool2D(x, 3, 2, 1)
			if err != nil {
				return nil, err
			}
			avg, err := GlobalAvgPool2D(pooled)
			if err != nil {
				return nil, err
			}
			gmax, err := GlobalMaxPool2D(x)
			if err != nil {
				return nil, err
			}
			both, err := Concat(mx, mean)
			if err != nil {
				return nil, err
			}
			flat, err := Flatten(both)
			if err != nil {
				return nil, err
			}
			f2, _ := Flatten(avg)
			f3, _ := Flatten(gmax)
			return Concat(flat, f2, f3)
		}, []*Tensor{x})
	})

	t.Run("cross entropy", func(t *testing.T) {
		logits := randomTensor(rng, 4, 3)
		labels := []int{0, 2, 1, 2}
		gradCheck(t, "cross entropy", func() (*Tensor, error) {
			return SoftmaxCrossEntropy(logits, labels)
		}, []*Tensor{logits})
	})
}
