package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tracklab/tracknet/classifier"
	"github.com/tracklab/tracknet/layers"
)

// ProgressBar renders a single-line batch progress bar to a terminal.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40, // Character width of progress bar
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

// render draws the progress bar
func (pb *ProgressBar) render() {
	percentage := 0.0
	if pb.total > 0 {
		percentage = min(float64(pb.current)/float64(pb.total), 1)
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 && percentage > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description, percentage*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(max(eta, 0)))
	if rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.3f", key, value)
		}
	}
	fmt.Fprint(pb.out, line+"]")
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// PrintModelSummary writes parameter counts per top-level namespace and the
// trainable/frozen split.
func PrintModelSummary(w io.Writer, m classifier.Classifier) {
	cfg := m.Architecture()
	fmt.Fprintf(w, "Model: %s (%d classes, width %.3g, input %dx%d)\n",
		cfg.Name, cfg.NumClasses, cfg.WidthMultiplier, cfg.ImageSize, cfg.ImageSize)

	params := m.Parameters()
	byRoot := map[string][2]int{}
	var roots []string
	for _, p := range params {
		root, _, _ := strings.Cut(p.Name, ".")
		counts, seen := byRoot[root]
		if !seen {
			roots = append(roots, root)
		}
		if p.Trainable() {
			counts[0] += p.Value.NumElems
		} else {
			counts[1] += p.Value.NumElems
		}
		byRoot[root] = counts
	}
	for _, root := range roots {
		c := byRoot[root]
		fmt.Fprintf(w, "  %-10s trainable=%-8s frozen=%s\n", root, formatParameterCount(c[0]), formatParameterCount(c[1]))
	}

	total := layers.CountElements(params)
	trainable := layers.CountElements(layers.TrainableParameters(m))
	fmt.Fprintf(w, "Total parameters: %s\n", formatParameterCount(total))
	fmt.Fprintf(w, "Trainable parameters: %s\n", formatParameterCount(trainable))
	fmt.Fprintf(w, "Non-trainable parameters: %s\n", formatParameterCount(total-trainable))
	fmt.Fprintf(w, "Params size (MB): %.3f\n", float64(total*4)/1024/1024) // 4 bytes per float32
}
