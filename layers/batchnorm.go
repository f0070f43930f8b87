package layers

import (
	"fmt"

	"github.com/tracklab/tracknet/tensor"
)

// BatchNorm normalizes per channel. The same type serves [N,C] and
// [N,C,H,W] inputs; the constructors only record which one is expected.
type BatchNorm struct {
	mode
	Weight      *tensor.Tensor
	Bias        *tensor.Tensor
	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor
	Momentum    float64
	Eps         float64
	inputRank   int
}

func newBatchNorm(numFeatures, rank int) (*BatchNorm, error) {
	weight, err := tensor.Ones([]int{numFeatures})
	if err != nil {
		return nil, fmt.Errorf("failed to create batchnorm weight: %v", err)
	}
	bias, _ := tensor.Zeros([]int{numFeatures})
	runningMean, _ := tensor.Zeros([]int{numFeatures})
	runningVar, _ := tensor.Ones([]int{numFeatures})
	weight.SetRequiresGrad(true)
	bias.SetRequiresGrad(true)

	return &BatchNorm{
		Weight:      weight,
		Bias:        bias,
		RunningMean: runningMean,
		RunningVar:  runningVar,
		Momentum:    0.1,
		Eps:         1e-5,
		inputRank:   rank,
	}, nil
}

// NewBatchNorm1D normalizes [N,C] feature vectors.
func NewBatchNorm1D(numFeatures int) (*BatchNorm, error) {
	return newBatchNorm(numFeatures, 2)
}

// NewBatchNorm2D normalizes [N,C,H,W] feature maps.
func NewBatchNorm2D(numFeatures int) (*BatchNorm, error) {
	return newBatchNorm(numFeatures, 4)
}

func (bn *BatchNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.Dim() != bn.inputRank {
		return nil, fmt.Errorf("batchnorm expects %dD input, got %v", bn.inputRank, input.Shape)
	}
	return tensor.BatchNorm(input, bn.Weight, bn.Bias, tensor.BatchNormParams{
		RunningMean: bn.RunningMean,
		RunningVar:  bn.RunningVar,
		Training:    bn.training,
		Momentum:    bn.Momentum,
		Eps:         bn.Eps,
	})
}

func (bn *BatchNorm) Parameters() []Parameter {
	return []Parameter{
		{Name: "weight", Value: bn.Weight},
		{Name: "bias", Value: bn.Bias},
	}
}

func (bn *BatchNorm) Buffers() []Parameter {
	return []Parameter{
		{Name: "running_mean", Value: bn.RunningMean},
		{Name: "running_var", Value: bn.RunningVar},
	}
}
