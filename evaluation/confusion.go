// Package evaluation scores a classifier on a labelled dataset and renders
// the confusion matrix and classification report.
package evaluation

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ConfusionMatrix counts predictions with rows as the true class and
// columns as the predicted class.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		clear(cm.Matrix[i])
	}
	cm.TotalSamples = 0
}

// Add records one prediction.
func (cm *ConfusionMatrix) Add(trueClass, predClass int) error {
	if trueClass < 0 || trueClass >= cm.NumClasses {
		return fmt.Errorf("true class %d outside [0, %d)", trueClass, cm.NumClasses)
	}
	if predClass < 0 || predClass >= cm.NumClasses {
		return fmt.Errorf("predicted class %d outside [0, %d)", predClass, cm.NumClasses)
	}
	cm.Matrix[trueClass][predClass]++
	cm.TotalSamples++
	return nil
}

// Update records a batch of predictions.
func (cm *ConfusionMatrix) Update(trueLabels, predictions []int) error {
	if len(trueLabels) != len(predictions) {
		return fmt.Errorf("labels length mismatch: %d labels, %d predictions", len(trueLabels), len(predictions))
	}
	for i := range trueLabels {
		if err := cm.Add(trueLabels[i], predictions[i]); err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
	}
	return nil
}

// Support is the number of samples whose true class is class.
func (cm *ConfusionMatrix) Support(class int) int {
	n := 0
	for _, v := range cm.Matrix[class] {
		n += v
	}
	return n
}

// Predicted is the number of samples assigned to class.
func (cm *ConfusionMatrix) Predicted(class int) int {
	n := 0
	for _, row := range cm.Matrix {
		n += row[class]
	}
	return n
}

// Accuracy is the trace over the total, or 0 when empty.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := range cm.Matrix {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// Dense returns the counts as a matrix.
func (cm *ConfusionMatrix) Dense() *mat.Dense {
	d := mat.NewDense(max(cm.NumClasses, 1), max(cm.NumClasses, 1), nil)
	for i, row := range cm.Matrix {
		for j, v := range row {
			d.Set(i, j, float64(v))
		}
	}
	return d
}

// Normalized divides every row by its sum. Rows with no samples stay zero,
// so the result never holds NaN.
func (cm *ConfusionMatrix) Normalized() *mat.Dense {
	d := cm.Dense()
	for i := range cm.Matrix {
		total := cm.Support(i)
		if total == 0 {
			continue
		}
		row := d.RawRowView(i)
		for j := range row {
			row[j] /= float64(total)
		}
	}
	return d
}
