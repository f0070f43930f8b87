package training

import (
	"math"
	"testing"

	"github.com/tracklab/tracknet/tensor"
)

func TestCrossEntropyLoss(t *testing.T) {
	t.Run("Uniform logits", func(t *testing.T) {
		logits := tensor.MustNew([]int{2, 4}, make([]float32, 8))
		loss, err := NewCrossEntropyLoss().Forward(logits, []int{0, 3})
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		v, err := loss.Item()
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(float64(v)-math.Log(4)) > 1e-5 {
			t.Errorf("expected ln(4), got %v", v)
		}
	})

	t.Run("Confident correct logits", func(t *testing.T) {
		logits := tensor.MustNew([]int{1, 3}, []float32{20, 0, 0})
		loss, err := NewCrossEntropyLoss().Forward(logits, []int{0})
		if err != nil {
			t.Fatal(err)
		}
		v, _ := loss.Item()
		if v > 1e-6 {
			t.Errorf("expected near-zero loss, got %v", v)
		}
	})

	t.Run("Label out of range", func(t *testing.T) {
		logits := tensor.MustNew([]int{1, 3}, []float32{1, 2, 3})
		if _, err := NewCrossEntropyLoss().Forward(logits, []int{3}); err == nil {
			t.Error("expected error for label 3 with 3 classes")
		}
	})
}

func TestCorrectPredictions(t *testing.T) {
	logits := tensor.MustNew([]int{3, 2}, []float32{
		1, 0,
		0, 1,
		2, 1,
	})
	correct, err := correctPredictions(logits, []int{0, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if correct != 2 {
		t.Errorf("expected 2 correct, got %d", correct)
	}
	if _, err := correctPredictions(logits, []int{0}); err == nil {
		t.Error("expected error for label count mismatch")
	}
}

func TestRunningMeanWeightsBySamples(t *testing.T) {
	var r runningMean
	if r.loss() != 0 || r.accuracy() != 0 {
		t.Fatal("empty mean should be zero")
	}
	r.add(1.0, 3, 4)
	r.add(4.0, 0, 1)
	if math.Abs(r.loss()-1.6) > 1e-12 {
		t.Errorf("expected loss 1.6, got %v", r.loss())
	}
	if math.Abs(r.accuracy()-0.6) > 1e-12 {
		t.Errorf("expected accuracy 0.6, got %v", r.accuracy())
	}
}
