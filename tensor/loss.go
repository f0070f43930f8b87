package tensor

import (
	"fmt"
	"math"
)

// Softmax returns row-wise probabilities of logits [N,K]. The result is
// detached from the graph.
func Softmax(logits *Tensor) (*Tensor, error) {
	if logits.Dim() != 2 {
		return nil, fmt.Errorf("softmax requires 2D logits, got %v", logits.Shape)
	}
	n, k := logits.Shape[0], logits.Shape[1]
	out := make([]float32, n*k)
	for i := 0; i < n; i++ {
		softmaxRow(logits.Data[i*k:(i+1)*k], out[i*k:(i+1)*k])
	}
	return MustNew(logits.Shape, out), nil
}

// softmaxRow writes a numerically stable softmax of src into dst.
func softmaxRow(src, dst []float32) {
	maxVal := src[0]
	for _, v := range src[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for j, v := range src {
		e := math.Exp(float64(v - maxVal))
		dst[j] = float32(e)
		sum += e
	}
	for j := range dst {
		dst[j] = float32(float64(dst[j]) / sum)
	}
}

// Argmax returns the index of the largest value in each row of x [N,K].
func Argmax(x *Tensor) ([]int, error) {
	if x.Dim() != 2 {
		return nil, fmt.Errorf("argmax requires a 2D tensor, got %v", x.Shape)
	}
	n, k := x.Shape[0], x.Shape[1]
	idx := make([]int, n)
	for i := 0; i < n; i++ {
		row := x.Data[i*k : (i+1)*k]
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		idx[i] = best
	}
	return idx, nil
}

type crossEntropyOp struct {
	logits *Tensor
	probs  []float32
	labels []int
}

func (op *crossEntropyOp) Inputs() []*Tensor { return []*Tensor{op.logits} }

func (op *crossEntropyOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	n, k := op.logits.Shape[0], op.logits.Shape[1]
	scale := gradOut.Data[0] / float32(n)
	g := make([]float32, n*k)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			v := op.probs[i*k+j]
			if j == op.labels[i] {
				v--
			}
			g[i*k+j] = v * scale
		}
	}
	return []*Tensor{MustNew(op.logits.Shape, g)}, nil
}

// SoftmaxCrossEntropy returns the mean negative log-likelihood of labels
// under softmax(logits) as a one-element tensor.
func SoftmaxCrossEntropy(logits *Tensor, labels []int) (*Tensor, error) {
	if logits.Dim() != 2 {
		return nil, fmt.Errorf("cross entropy requires 2D logits, got %v", logits.Shape)
	}
	n, k := logits.Shape[0], logits.Shape[1]
	if len(labels) != n {
		return nil, fmt.Errorf("cross entropy got %d labels for batch of %d", len(labels), n)
	}

	probs := make([]float32, n*k)
	var loss float64
	for i := 0; i < n; i++ {
		if labels[i] < 0 || labels[i] >= k {
			return nil, fmt.Errorf("label %d at index %d out of range [0, %d)", labels[i], i, k)
		}
		row := probs[i*k : (i+1)*k]
		softmaxRow(logits.Data[i*k:(i+1)*k], row)
		loss -= math.Log(math.Max(float64(row[labels[i]]), 1e-10))
	}
	loss /= float64(n)

	result := MustNew([]int{1}, []float32{float32(loss)})
	return attach(result, &crossEntropyOp{logits: logits, probs: probs, labels: labels}), nil
}
