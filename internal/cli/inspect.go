package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tracklab/tracknet/checkpoints"
	"github.com/tracklab/tracknet/classifier"
	"github.com/tracklab/tracknet/layers"
	"github.com/tracklab/tracknet/training"
)

func (a *app) inspectCommand() *cobra.Command {
	var showKeys, showSummary bool
	cmd := &cobra.Command{
		Use:   "inspect CHECKPOINT",
		Short: "Describe a checkpoint",
		Long: `Prints the architecture tag, class names, training state and metadata
of a checkpoint. With --keys every stored tensor is listed with its
shape; with --summary the model is rebuilt, the weights are loaded and the
layer summary is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ckpt, err := checkpoints.Load(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			describeCheckpoint(w, args[0], ckpt, showKeys)
			if !showSummary {
				return nil
			}
			model, err := classifier.New(ckpt.Architecture)
			if err != nil {
				return err
			}
			report, err := checkpoints.LoadInto(model, ckpt, checkpoints.DefaultNormalizer(), layers.ModePartial)
			if err != nil {
				return err
			}
			fmt.Fprintln(w)
			training.PrintModelSummary(w, model)
			if !report.Complete() {
				fmt.Fprintf(w, "\nUnmatched keys: %s\n", strings.Join(checkpoints.UnmatchedKeys(report, 20), ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showKeys, "keys", false, "list every stored tensor")
	cmd.Flags().BoolVar(&showSummary, "summary", false, "rebuild the model and print its summary")
	return cmd
}

func describeCheckpoint(out io.Writer, path string, ckpt *checkpoints.Checkpoint, showKeys bool) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	arch := ckpt.Architecture
	st := ckpt.TrainingState
	md := ckpt.Metadata
	fmt.Fprintf(w, "File:\t%s (%s)\n", path, checkpoints.FormatForPath(path))
	fmt.Fprintf(w, "Architecture:\t%s\n", arch.Name)
	fmt.Fprintf(w, "Classes:\t%d\n", arch.NumClasses)
	fmt.Fprintf(w, "Image size:\t%d\n", arch.ImageSize)
	fmt.Fprintf(w, "Width multiplier:\t%g\n", arch.WidthMultiplier)
	if len(ckpt.ClassNames) > 0 {
		fmt.Fprintf(w, "Class names:\t%s\n", strings.Join(ckpt.ClassNames, ", "))
	}
	fmt.Fprintf(w, "Epoch:\t%d (best %d)\n", st.Epoch, st.BestEpoch)
	fmt.Fprintf(w, "Best val loss:\t%.4f\n", st.BestLoss)
	fmt.Fprintf(w, "Best val accuracy:\t%.4f\n", st.BestAccuracy)
	fmt.Fprintf(w, "Learning rate:\t%g\n", st.LearningRate)
	fmt.Fprintf(w, "Steps:\t%d\n", st.TotalSteps)
	fmt.Fprintf(w, "Version:\t%s\n", md.Version)
	fmt.Fprintf(w, "Framework:\t%s\n", md.Framework)
	if md.RunID != "" {
		fmt.Fprintf(w, "Run:\t%s\n", md.RunID)
	}
	if !md.CreatedAt.IsZero() {
		fmt.Fprintf(w, "Created:\t%s\n", md.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	}
	if len(md.Tags) > 0 {
		fmt.Fprintf(w, "Tags:\t%s\n", strings.Join(md.Tags, ", "))
	}

	var elems int
	for _, t := range ckpt.Weights {
		elems += len(t.Data)
	}
	fmt.Fprintf(w, "Tensors:\t%d (%d values)\n", len(ckpt.Weights), elems)
	if showKeys {
		for _, t := range ckpt.Weights {
			fmt.Fprintf(w, "  %s\t%v\t%s\n", t.Name, t.Shape, t.Kind)
		}
	}
}
