package evaluation

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/tracklab/tracknet/checkpoints"
	"github.com/tracklab/tracknet/internal/errors"
)

// Artifact file names written by WriteArtifacts.
const (
	MetricsFile             = "metrics.json"
	ConfusionFile           = "confusion_matrix.csv"
	NormalizedConfusionFile = "confusion_matrix_normalized.csv"
)

// ClassMetrics holds the scores of one class.
type ClassMetrics struct {
	Name      string  `json:"name"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Average is a macro or support-weighted mean of the class scores.
type Average struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Result is the outcome of an evaluation.
type Result struct {
	ClassNames  []string         `json:"class_names"`
	Confusion   *ConfusionMatrix `json:"-"`
	Classes     []ClassMetrics   `json:"classes"`
	Accuracy    float64          `json:"accuracy"`
	MacroAvg    Average          `json:"macro_avg"`
	WeightedAvg Average          `json:"weighted_avg"`
	Samples     int              `json:"samples"`
}

// NewResult scores cm. classNames may be nil, in which case classes are
// named by index.
func NewResult(cm *ConfusionMatrix, classNames []string) (*Result, error) {
	if classNames == nil {
		classNames = make([]string, cm.NumClasses)
		for i := range classNames {
			classNames[i] = strconv.Itoa(i)
		}
	}
	if len(classNames) != cm.NumClasses {
		return nil, errors.ValidationError(fmt.Sprintf("%d class names for %d classes", len(classNames), cm.NumClasses))
	}

	r := &Result{
		ClassNames: append([]string(nil), classNames...),
		Confusion:  cm,
		Accuracy:   cm.Accuracy(),
		Samples:    cm.TotalSamples,
	}
	for i := range cm.NumClasses {
		tp := cm.Matrix[i][i]
		c := ClassMetrics{
			Name:      classNames[i],
			Precision: ratio(tp, cm.Predicted(i)),
			Recall:    ratio(tp, cm.Support(i)),
			Support:   cm.Support(i),
		}
		if c.Precision+c.Recall > 0 {
			c.F1 = 2 * c.Precision * c.Recall / (c.Precision + c.Recall)
		}
		r.Classes = append(r.Classes, c)

		r.MacroAvg.Precision += c.Precision
		r.MacroAvg.Recall += c.Recall
		r.MacroAvg.F1 += c.F1
		w := float64(c.Support)
		r.WeightedAvg.Precision += w * c.Precision
		r.WeightedAvg.Recall += w * c.Recall
		r.WeightedAvg.F1 += w * c.F1
	}

	if k := float64(cm.NumClasses); k > 0 {
		r.MacroAvg.Precision /= k
		r.MacroAvg.Recall /= k
		r.MacroAvg.F1 /= k
	}
	if n := float64(cm.TotalSamples); n > 0 {
		r.WeightedAvg.Precision /= n
		r.WeightedAvg.Recall /= n
		r.WeightedAvg.F1 /= n
	}
	r.MacroAvg.Support = cm.TotalSamples
	r.WeightedAvg.Support = cm.TotalSamples
	return r, nil
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Report renders the per-class table followed by accuracy and averages.
func (r *Result) Report() string {
	width := len("weighted avg")
	for _, name := range r.ClassNames {
		width = max(width, len(name))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%*s %9s %9s %9s %9s\n\n", width, "", "precision", "recall", "f1-score", "support")
	for _, c := range r.Classes {
		fmt.Fprintf(&sb, "%*s %9.4f %9.4f %9.4f %9d\n", width, c.Name, c.Precision, c.Recall, c.F1, c.Support)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "%*s %9s %9s %9.4f %9d\n", width, "accuracy", "", "", r.Accuracy, r.Samples)
	fmt.Fprintf(&sb, "%*s %9.4f %9.4f %9.4f %9d\n", width, "macro avg",
		r.MacroAvg.Precision, r.MacroAvg.Recall, r.MacroAvg.F1, r.MacroAvg.Support)
	fmt.Fprintf(&sb, "%*s %9.4f %9.4f %9.4f %9d\n", width, "weighted avg",
		r.WeightedAvg.Precision, r.WeightedAvg.Recall, r.WeightedAvg.F1, r.WeightedAvg.Support)
	return sb.String()
}

// MarshalJSON includes the raw and normalized matrices.
func (r *Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		*plain
		Confusion  [][]int     `json:"confusion_matrix"`
		Normalized [][]float64 `json:"confusion_matrix_normalized"`
	}{
		plain:      (*plain)(r),
		Confusion:  r.Confusion.Matrix,
		Normalized: rows(r.Confusion.Normalized(), r.Confusion.NumClasses),
	})
}

func rows(d *mat.Dense, k int) [][]float64 {
	out := make([][]float64, k)
	for i := range out {
		out[i] = mat.Row(nil, i, d)
	}
	return out
}

// WriteArtifacts writes metrics.json and both confusion matrices as CSV
// into dir, creating it if needed. Each file is replaced atomically.
func (r *Result) WriteArtifacts(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.FileError(err, dir)
	}

	if err := checkpoints.WriteFileAtomic(filepath.Join(dir, MetricsFile), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}); err != nil {
		return err
	}

	counts := r.Confusion.Dense()
	if err := r.writeMatrix(filepath.Join(dir, ConfusionFile), counts, "%.0f"); err != nil {
		return err
	}
	return r.writeMatrix(filepath.Join(dir, NormalizedConfusionFile), r.Confusion.Normalized(), "%.6f")
}

// writeMatrix writes d as CSV with the class names as header row and
// first column.
func (r *Result) writeMatrix(path string, d *mat.Dense, format string) error {
	return checkpoints.WriteFileAtomic(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(append([]string{"true\\pred"}, r.ClassNames...)); err != nil {
			return err
		}
		for i, name := range r.ClassNames {
			record := []string{name}
			for j := range r.ClassNames {
				record = append(record, fmt.Sprintf(format, d.At(i, j)))
			}
			if err := cw.Write(record); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}
