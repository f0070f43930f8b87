package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tracklab/tracknet/internal/conf"
)

func (a *app) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:         "init [PATH]",
		Short:       "Write the default configuration",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{skipSettings: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := conf.DefaultFile
			if len(args) == 1 {
				path = args[0]
			}
			if err := conf.WriteDefault(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}
