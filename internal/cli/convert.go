package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tracklab/tracknet/checkpoints"
	"github.com/tracklab/tracknet/internal/logger"
)

func (a *app) convertCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "convert SRC DST",
		Short: "Rewrite a checkpoint in another format",
		Long: `Reads a checkpoint and writes it to DST. The format of each file follows
its extension: .json for JSON, anything else for ONNX. Weights, class
names, training state and metadata are carried over unchanged.`,
		Example: `  tracknet convert best_model.onnx best_model.json`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, dst := args[0], args[1]
			ckpt, err := checkpoints.Load(src)
			if err != nil {
				return err
			}
			if err := checkpoints.Save(ckpt, dst); err != nil {
				return err
			}
			GetLogger().Info("checkpoint converted",
				logger.String("from", src),
				logger.String("to", dst),
				logger.String("format", checkpoints.FormatForPath(dst).String()))
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%d tensors)\n", src, dst, len(ckpt.Weights))
			return nil
		},
	}
}
