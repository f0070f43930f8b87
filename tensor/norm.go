package tensor

import (
	"fmt"
	"math"
)

// BatchNormParams configures a batch normalization call. RunningMean and
// RunningVar are updated in place when Training is set.
type BatchNormParams struct {
	RunningMean *Tensor
	RunningVar  *Tensor
	Training    bool
	Momentum    float64
	Eps         float64
}

type batchNormOp struct {
	x, gamma, beta *Tensor
	xhat           []float32
	invStd         []float32
	training       bool
	channels       int
	spatial        int
}

func (op *batchNormOp) Inputs() []*Tensor { return []*Tensor{op.x, op.gamma, op.beta} }

func (op *batchNormOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	n, c, s := op.x.Shape[0], op.channels, op.spatial
	m := float32(n * s)
	dy := gradOut.Data

	sumDy := make([]float32, c)
	sumDyXhat := make([]float32, c)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			base := (b*c + ch) * s
			for j := base; j < base+s; j++ {
				sumDy[ch] += dy[j]
				sumDyXhat[ch] += dy[j] * op.xhat[j]
			}
		}
	}

	grads := make([]*Tensor, 3)
	if op.x.requiresGrad {
		gx := make([]float32, op.x.NumElems)
		for b := 0; b < n; b++ {
			for ch := 0; ch < c; ch++ {
				base := (b*c + ch) * s
				k := op.gamma.Data[ch] * op.invStd[ch]
				for j := base; j < base+s; j++ {
					if op.training {
						gx[j] = k / m * (m*dy[j] - sumDy[ch] - op.xhat[j]*sumDyXhat[ch])
					} else {
						gx[j] = k * dy[j]
					}
				}
			}
		}
		grads[0] = MustNew(op.x.Shape, gx)
	}
	if op.gamma.requiresGrad {
		grads[1] = MustNew(op.gamma.Shape, sumDyXhat)
	}
	if op.beta.requiresGrad {
		grads[2] = MustNew(op.beta.Shape, sumDy)
	}
	return grads, nil
}

// BatchNorm normalizes x [N,C] or [N,C,H,W] per channel. In training mode it
// uses batch statistics and folds them into the running estimates; otherwise
// it reads the running estimates only.
func BatchNorm(x, gamma, beta *Tensor, p BatchNormParams) (*Tensor, error) {
	if x.Dim() != 2 && x.Dim() != 4 {
		return nil, fmt.Errorf("batchnorm requires a 2D or 4D input, got %v", x.Shape)
	}
	n, c := x.Shape[0], x.Shape[1]
	s := x.NumElems / (n * c)
	for name, t := range map[string]*Tensor{"weight": gamma, "bias": beta, "running_mean": p.RunningMean, "running_var": p.RunningVar} {
		if t == nil || t.NumElems != c {
			return nil, fmt.Errorf("batchnorm %s must have %d elements", name, c)
		}
	}
	if p.Eps == 0 {
		p.Eps = 1e-5
	}

	mean := make([]float64, c)
	variance := make([]float64, c)
	if p.Training {
		count := float64(n * s)
		for b := 0; b < n; b++ {
			for ch := 0; ch < c; ch++ {
				for _, v := range x.Data[(b*c+ch)*s : (b*c+ch+1)*s] {
					mean[ch] += float64(v)
				}
			}
		}
		for ch := range mean {
			mean[ch] /= count
		}
		for b := 0; b < n; b++ {
			for ch := 0; ch < c; ch++ {
				for _, v := range x.Data[(b*c+ch)*s : (b*c+ch+1)*s] {
					d := float64(v) - mean[ch]
					variance[ch] += d * d
				}
			}
		}
		for ch := range variance {
			unbiased := variance[ch]
			if count > 1 {
				unbiased /= count - 1
			}
			variance[ch] /= count
			rm, rv := p.RunningMean.Data, p.RunningVar.Data
			rm[ch] = float32((1-p.Momentum)*float64(rm[ch]) + p.Momentum*mean[ch])
			rv[ch] = float32((1-p.Momentum)*float64(rv[ch]) + p.Momentum*unbiased)
		}
	} else {
		for ch := 0; ch < c; ch++ {
			mean[ch] = float64(p.RunningMean.Data[ch])
			variance[ch] = float64(p.RunningVar.Data[ch])
		}
	}

	invStd := make([]float32, c)
	for ch := range invStd {
		invStd[ch] = float32(1 / math.Sqrt(variance[ch]+p.Eps))
	}

	out := make([]float32, x.NumElems)
	xhat := make([]float32, x.NumElems)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			base := (b*c + ch) * s
			for j := base; j < base+s; j++ {
				xhat[j] = (x.Data[j] - float32(mean[ch])) * invStd[ch]
				out[j] = gamma.Data[ch]*xhat[j] + beta.Data[ch]
			}
		}
	}

	op := &batchNormOp{x: x, gamma: gamma, beta: beta, xhat: xhat, invStd: invStd,
		training: p.Training, channels: c, spatial: s}
	return attach(MustNew(x.Shape, out), op), nil
}
