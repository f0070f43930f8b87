package training

import (
	"fmt"

	"github.com/tracklab/tracknet/tensor"
)

// CrossEntropyLoss is the mean softmax cross-entropy of integer labels.
type CrossEntropyLoss struct{}

func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

// Forward returns the scalar loss for a batch of logits [N,K].
func (ce *CrossEntropyLoss) Forward(logits *tensor.Tensor, labels []int) (*tensor.Tensor, error) {
	return tensor.SoftmaxCrossEntropy(logits, labels)
}

// correctPredictions counts rows of logits whose argmax equals the label.
func correctPredictions(logits *tensor.Tensor, labels []int) (int, error) {
	pred, err := tensor.Argmax(logits)
	if err != nil {
		return 0, err
	}
	if len(pred) != len(labels) {
		return 0, fmt.Errorf("got %d predictions for %d labels", len(pred), len(labels))
	}
	correct := 0
	for i, p := range pred {
		if p == labels[i] {
			correct++
		}
	}
	return correct, nil
}

// runningMean accumulates a sample-weighted loss and accuracy.
type runningMean struct {
	lossSum float64
	correct int
	samples int
}

func (r *runningMean) add(batchLoss float64, correct, n int) {
	r.lossSum += batchLoss * float64(n)
	r.correct += correct
	r.samples += n
}

func (r *runningMean) loss() float64 {
	if r.samples == 0 {
		return 0
	}
	return r.lossSum / float64(r.samples)
}

func (r *runningMean) accuracy() float64 {
	if r.samples == 0 {
		return 0
	}
	return float64(r.correct) / float64(r.samples)
}
