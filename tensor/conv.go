package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// ConvParams describes a square-kernel 2D convolution.
type ConvParams struct {
	Stride  int
	Padding int
	Groups  int
}

type convGeometry struct {
	n, c, h, w     int
	o, kh, kw      int
	ho, wo         int
	stride, pad    int
	groups, cg, og int
}

func (g convGeometry) colRows() int { return g.cg * g.kh * g.kw }
func (g convGeometry) colCols() int { return g.ho * g.wo }

// pointwise convolutions read the input plane directly without im2col.
func (g convGeometry) pointwise() bool {
	return g.kh == 1 && g.kw == 1 && g.stride == 1 && g.pad == 0
}

func newConvGeometry(x, w *Tensor, p ConvParams) (convGeometry, error) {
	if x.Dim() != 4 || w.Dim() != 4 {
		return convGeometry{}, fmt.Errorf("conv2d requires 4D input and weight, got %v and %v", x.Shape, w.Shape)
	}
	if p.Stride <= 0 {
		p.Stride = 1
	}
	if p.Groups <= 0 {
		p.Groups = 1
	}

	g := convGeometry{
		n: x.Shape[0], c: x.Shape[1], h: x.Shape[2], w: x.Shape[3],
		o: w.Shape[0], kh: w.Shape[2], kw: w.Shape[3],
		stride: p.Stride, pad: p.Padding, groups: p.Groups,
	}
	if g.c%g.groups != 0 || g.o%g.groups != 0 {
		return g, fmt.Errorf("conv2d channels in=%d out=%d not divisible by groups=%d", g.c, g.o, g.groups)
	}
	g.cg = g.c / g.groups
	g.og = g.o / g.groups
	if w.Shape[1] != g.cg {
		return g, fmt.Errorf("conv2d weight %v expects %d input channels per group, input has %d", w.Shape, w.Shape[1], g.cg)
	}

	g.ho = (g.h+2*g.pad-g.kh)/g.stride + 1
	g.wo = (g.w+2*g.pad-g.kw)/g.stride + 1
	if g.ho <= 0 || g.wo <= 0 {
		return g, fmt.Errorf("conv2d kernel %dx%d too large for input %dx%d with padding %d", g.kh, g.kw, g.h, g.w, g.pad)
	}
	return g, nil
}

// im2col unrolls the channels of one group of one sample into a
// [cg*kh*kw, ho*wo] matrix.
func im2col(src []float32, g convGeometry, col []float32) {
	cols := g.colCols()
	for c := 0; c < g.cg; c++ {
		plane := src[c*g.h*g.w : (c+1)*g.h*g.w]
		for ki := 0; ki < g.kh; ki++ {
			for kj := 0; kj < g.kw; kj++ {
				row := col[((c*g.kh+ki)*g.kw+kj)*cols:]
				for oy := 0; oy < g.ho; oy++ {
					iy := oy*g.stride - g.pad + ki
					dst := row[oy*g.wo : (oy+1)*g.wo]
					if iy < 0 || iy >= g.h {
						for i := range dst {
							dst[i] = 0
						}
						continue
					}
					for ox := 0; ox < g.wo; ox++ {
						ix := ox*g.stride - g.pad + kj
						if ix < 0 || ix >= g.w {
							dst[ox] = 0
						} else {
							dst[ox] = plane[iy*g.w+ix]
						}
					}
				}
			}
		}
	}
}

// col2im scatters a column matrix back onto one group of one sample, adding
// into dst.
func col2im(col []float32, g convGeometry, dst []float32) {
	cols := g.colCols()
	for c := 0; c < g.cg; c++ {
		plane := dst[c*g.h*g.w : (c+1)*g.h*g.w]
		for ki := 0; ki < g.kh; ki++ {
			for kj := 0; kj < g.kw; kj++ {
				row := col[((c*g.kh+ki)*g.kw+kj)*cols:]
				for oy := 0; oy < g.ho; oy++ {
					iy := oy*g.stride - g.pad + ki
					if iy < 0 || iy >= g.h {
						continue
					}
					for ox := 0; ox < g.wo; ox++ {
						ix := ox*g.stride - g.pad + kj
						if ix >= 0 && ix < g.w {
							plane[iy*g.w+ix] += row[oy*g.wo+ox]
						}
					}
				}
			}
		}
	}
}

// groupInput returns the input planes of group gi of sample n.
func (g convGeometry) groupInput(data []float32, n, gi int) []float32 {
	start := (n*g.c + gi*g.cg) * g.h * g.w
	return data[start : start+g.cg*g.h*g.w]
}

// groupOutput returns the output planes of group gi of sample n.
func (g convGeometry) groupOutput(data []float32, n, gi int) []float32 {
	start := (n*g.o + gi*g.og) * g.ho * g.wo
	return data[start : start+g.og*g.ho*g.wo]
}

func (g convGeometry) groupWeight(data []float32, gi int) []float32 {
	size := g.og * g.colRows()
	return data[gi*size : (gi+1)*size]
}

type conv2DOp struct {
	x, w, b *Tensor
	geom    convGeometry
}

func (op *conv2DOp) Inputs() []*Tensor { return []*Tensor{op.x, op.w, op.b} }

func (op *conv2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := op.geom
	rows, cols := g.colRows(), g.colCols()
	grads := make([]*Tensor, 3)

	var gx, gw []float32
	if op.x.requiresGrad {
		gx = make([]float32, op.x.NumElems)
	}
	if op.w.requiresGrad {
		gw = make([]float32, op.w.NumElems)
	}

	var col, dcol []float32
	if !g.pointwise() {
		col = make([]float32, rows*cols)
		dcol = make([]float32, rows*cols)
	}

	for n := 0; n < g.n; n++ {
		for gi := 0; gi < g.groups; gi++ {
			dOut := general(g.og, cols, g.groupOutput(gradOut.Data, n, gi))
			wg := general(g.og, rows, g.groupWeight(op.w.Data, gi))

			if gw != nil {
				src := g.groupInput(op.x.Data, n, gi)
				if !g.pointwise() {
					im2col(src, g, col)
					src = col
				}
				blas32.Gemm(blas.NoTrans, blas.Trans, 1, dOut, general(rows, cols, src), 1,
					general(g.og, rows, g.groupWeight(gw, gi)))
			}

			if gx != nil {
				dst := g.groupInput(gx, n, gi)
				if g.pointwise() {
					blas32.Gemm(blas.Trans, blas.NoTrans, 1, wg, dOut, 1, general(rows, cols, dst))
				} else {
					blas32.Gemm(blas.Trans, blas.NoTrans, 1, wg, dOut, 0, general(rows, cols, dcol))
					col2im(dcol, g, dst)
				}
			}
		}
	}

	if gx != nil {
		grads[0] = MustNew(op.x.Shape, gx)
	}
	if gw != nil {
		grads[1] = MustNew(op.w.Shape, gw)
	}
	if op.b != nil && op.b.requiresGrad {
		gb := make([]float32, g.o)
		plane := g.ho * g.wo
		for n := 0; n < g.n; n++ {
			for o := 0; o < g.o; o++ {
				var s float32
				for _, v := range gradOut.Data[(n*g.o+o)*plane : (n*g.o+o+1)*plane] {
					s += v
				}
				gb[o] += s
			}
		}
		grads[2] = MustNew(op.b.Shape, gb)
	}
	return grads, nil
}

// Conv2D convolves x [N,C,H,W] with w [O,C/groups,kh,kw] and adds the
// optional bias b [O].
func Conv2D(x, w, b *Tensor, p ConvParams) (*Tensor, error) {
	g, err := newConvGeometry(x, w, p)
	if err != nil {
		return nil, err
	}
	if b != nil && (b.Dim() != 1 || b.Shape[0] != g.o) {
		return nil, fmt.Errorf("conv2d bias shape %v does not match %d output channels", b.Shape, g.o)
	}

	rows, cols := g.colRows(), g.colCols()
	out := make([]float32, g.n*g.o*cols)
	var col []float32
	if !g.pointwise() {
		col = make([]float32, rows*cols)
	}

	for n := 0; n < g.n; n++ {
		for gi := 0; gi < g.groups; gi++ {
			src := g.groupInput(x.Data, n, gi)
			if !g.pointwise() {
				im2col(src, g, col)
				src = col
			}
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
				general(g.og, rows, g.groupWeight(w.Data, gi)),
				general(rows, cols, src), 0,
				general(g.og, cols, g.groupOutput(out, n, gi)))
		}
		if b != nil {
			for o := 0; o < g.o; o++ {
				plane := out[(n*g.o+o)*cols : (n*g.o+o+1)*cols]
				for i := range plane {
					plane[i] += b.Data[o]
				}
			}
		}
	}

	result := MustNew([]int{g.n, g.o, g.ho, g.wo}, out)
	op := &conv2DOp{x: x, w: w, b: b, geom: g}
	if anyRequiresGrad(x, w, b) {
		result.requiresGrad = true
		result.creator = op
	}
	return result, nil
}
