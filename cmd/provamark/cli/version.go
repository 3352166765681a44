package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := root.newHost(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = h.Close(context.Background()) }()

			v, err := h.GetVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
}
