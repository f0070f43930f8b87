package tensor

import (
	"reflect"
	"testing"
)

func TestBroadcastShapes(t *testing.T) {
	tests := []struct {
		name    string
		a, b    []int
		want    []int
		wantErr bool
	}{
		{"same", []int{2, 3}, []int{2, 3}, []int{2, 3}, false},
		{"channel gate", []int{4, 8, 7, 7}, []int{4, 8, 1, 1}, []int{4, 8, 7, 7}, false},
		{"spatial gate", []int{4, 8, 7, 7}, []int{4, 1, 7, 7}, []int{4, 8, 7, 7}, false},
		{"rank padding", []int{3}, []int{2, 3}, []int{2, 3}, false},
		{"incompatible", []int{2, 3}, []int{2, 4}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BroadcastShapes(tt.a, tt.b)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestBroadcastMul(t *testing.T) {
	x := MustNew([]int{1, 2, 2, 2}, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	gate := MustNew([]int{1, 2, 1, 1}, []float32{10, 0.5})
	y, err := Mul(x, gate)
	if err != nil {
		t.Fatalf("Mul failed: %v", err)
	}
	expected := []float32{10, 20, 30, 40, 2.5, 3, 3.5, 4}
	if !reflect.DeepEqual(y.Data, expected) {
		t.Errorf("Expected %v, got %v", expected, y.Data)
	}
}

func TestConv2DForward(t *testing.T) {
	// 3x3 input, 2x2 kernel of ones, no padding: each output sums a window.
	x := MustNew([]int{1, 1, 3, 3}, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9})
	w, _ := Ones([]int{1, 1, 2, 2})
	b := MustNew([]int{1}, []float32{1})

	y, err := Conv2D(x, w, b, ConvParams{Stride: 1})
	if err != nil {
		t.Fatalf("Conv2D failed: %v", err)
	}
	if !reflect.DeepEqual(y.Shape, []int{1, 1, 2, 2}) {
		t.Fatalf("Expected shape [1 1 2 2], got %v", y.Shape)
	}
	expected := []float32{13, 17, 25, 29}
	if !reflect.DeepEqual(y.Data, expected) {
		t.Errorf("Expected %v, got %v", expected, y.Data)
	}

	t.Run("padding keeps size", func(t *testing.T) {
		k, _ := Ones([]int{1, 1, 3, 3})
		y, err := Conv2D(x, k, nil, ConvParams{Padding: 1})
		if err != nil {
			t.Fatalf("Conv2D failed: %v", err)
		}
		if !reflect.DeepEqual(y.Shape, []int{1, 1, 3, 3}) {
			t.Errorf("Expected shape [1 1 3 3], got %v", y.Shape)
		}
		if y.Data[4] != 45 {
			t.Errorf("Expected centre value 45, got %f", y.Data[4])
		}
		if y.Data[0] != 12 {
			t.Errorf("Expected corner value 12, got %f", y.Data[0])
		}
	})

	t.Run("group mismatch", func(t *testing.T) {
		k, _ := Ones([]int{2, 1, 1, 1})
		x3, _ := Ones([]int{1, 3, 2, 2})
		if _, err := Conv2D(x3, k, nil, ConvParams{Groups: 2}); err == nil {
			t.Error("Expected error for channels not divisible by groups")
		}
	})
}

func TestMaxPool2DShape(t *testing.T) {
	x, _ := Ones([]int{2, 3, 8, 8})
	y, err := MaxPool2D(x, 3, 2, 1)
	if err != nil {
		t.Fatalf("MaxPool2D failed: %v", err)
	}
	if !reflect.DeepEqual(y.Shape, []int{2, 3, 4, 4}) {
		t.Errorf("Expected shape [2 3 4 4], got %v", y.Shape)
	}
}

func TestReshape(t *testing.T) {
	x, _ := Zeros([]int{2, 3, 4})
	tests := []struct {
		name    string
		shape   []int
		want    []int
		wantErr bool
	}{
		{"infer", []int{2, -1}, []int{2, 12}, false},
		{"exact", []int{6, 4}, []int{6, 4}, false},
		{"two infers", []int{-1, -1}, nil, true},
		{"size mismatch", []int{5, 5}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			y, err := Reshape(x, tt.shape)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(y.Shape, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, y.Shape)
			}
		})
	}
}

func TestBatchNormRunningStats(t *testing.T) {
	x := MustNew([]int{2, 1}, []float32{1, 3})
	gamma, _ := Ones([]int{1})
	beta, _ := Zeros([]int{1})
	rm, _ := Zeros([]int{1})
	rv, _ := Ones([]int{1})

	y, err := BatchNorm(x, gamma, beta, BatchNormParams{RunningMean: rm, RunningVar: rv, Training: true, Momentum: 0.1})
	if err != nil {
		t.Fatalf("BatchNorm failed: %v", err)
	}
	if y.Data[0] >= 0 || y.Data[1] <= 0 {
		t.Errorf("Expected normalized outputs of opposite sign, got %v", y.Data)
	}
	// mean 2, unbiased variance 2
	if got := rm.Data[0]; got < 0.1999 || got > 0.2001 {
		t.Errorf("Expected running mean 0.2, got %f", got)
	}
	if got := rv.Data[0]; got < 1.0999 || got > 1.1001 {
		t.Errorf("Expected running var 1.1, got %f", got)
	}

	before := rm.Clone()
	if _, err := BatchNorm(x, gamma, beta, BatchNormParams{RunningMean: rm, RunningVar: rv}); err != nil {
		t.Fatalf("BatchNorm eval failed: %v", err)
	}
	if !Equal(before, rm) {
		t.Error("Eval mode must not update running statistics")
	}
}
