package tensor

import (
	"fmt"
)

// BroadcastShapes determines if two shapes are broadcastable and returns the resulting shape
// Follows NumPy/PyTorch broadcasting rules:
// 1. Start from trailing dimensions and work backwards
// 2. Dimensions are compatible if they are equal, or one of them is 1, or one is missing
// 3. Result shape is the maximum of each dimension
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	rank := len(shape1)
	if len(shape2) > rank {
		rank = len(shape2)
	}

	result := make([]int, rank)
	for i := 0; i < rank; i++ {
		d1, d2 := 1, 1
		if j := len(shape1) - rank + i; j >= 0 {
			d1 = shape1[j]
		}
		if j := len(shape2) - rank + i; j >= 0 {
			d2 = shape2[j]
		}

		switch {
		case d1 == d2:
			result[i] = d1
		case d1 == 1:
			result[i] = d2
		case d2 == 1:
			result[i] = d1
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcastable at dimension %d", shape1, shape2, i)
		}
	}
	return result, nil
}

// broadcastStrides returns strides of shape viewed at outShape's rank, with
// zero stride for every broadcast dimension.
func broadcastStrides(shape, outShape []int) []int {
	strides := make([]int, len(outShape))
	own := calculateStrides(shape)
	offset := len(outShape) - len(shape)
	for i := range outShape {
		j := i - offset
		if j < 0 || shape[j] == 1 {
			continue
		}
		strides[i] = own[j]
	}
	return strides
}

// walkBroadcast visits every element of outShape, handing fn the flat output
// index together with the matching flat offsets into a and b.
func walkBroadcast(outShape, aShape, bShape []int, fn func(i, ia, ib int)) {
	n := calculateNumElements(outShape)
	if sameShape(aShape, outShape) && sameShape(bShape, outShape) {
		for i := 0; i < n; i++ {
			fn(i, i, i)
		}
		return
	}

	rank := len(outShape)
	sa := broadcastStrides(aShape, outShape)
	sb := broadcastStrides(bShape, outShape)
	coords := make([]int, rank)
	ia, ib := 0, 0

	for i := 0; i < n; i++ {
		fn(i, ia, ib)
		for d := rank - 1; d >= 0; d-- {
			coords[d]++
			ia += sa[d]
			ib += sb[d]
			if coords[d] < outShape[d] {
				break
			}
			ia -= sa[d] * coords[d]
			ib -= sb[d] * coords[d]
			coords[d] = 0
		}
	}
}
