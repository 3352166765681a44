package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newReadCmd(root *rootOptions) *cobra.Command {
	var (
		detailed bool
		mimeType string
	)

	cmd := &cobra.Command{
		Use:   "read ASSET",
		Short: "Read and verify the manifest embedded in an asset.",
		Example: `  provamark read photo.jpg
  provamark read --detailed --mime image/jpeg download.bin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asset, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if mimeType == "" {
				mimeType = mimeFromPath(args[0])
			}

			h, err := root.newHost(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = h.Close(context.Background()) }()

			report, err := h.ReadManifest(cmd.Context(), asset, mimeType, detailed)
			if err != nil {
				return err
			}
			if report == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no manifest")
				return nil
			}

			var buf bytes.Buffer
			if err := json.Indent(&buf, report, "", "  "); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), buf.String())
			return nil
		},
	}

	cmd.Flags().BoolVar(&detailed, "detailed", false, "include the full manifest definition in the report")
	cmd.Flags().StringVar(&mimeType, "mime", "", "asset MIME type (default: inferred from the file extension)")
	return cmd
}
