package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/provamark-dev/provamark-host-sdk/signer"
)

func newArchiveCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Export a signing session and sign from it later.",
		Long: `Archive splits manifest preparation from signing. "export" builds a
session from a manifest definition and serializes it; "sign" restores
the session, possibly on another machine or at another time, and signs
an asset with it.`,
	}
	cmd.AddCommand(newArchiveExportCmd(root))
	cmd.AddCommand(newArchiveSignCmd(root))
	return cmd
}

func newArchiveExportCmd(root *rootOptions) *cobra.Command {
	var f signFlags

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Build a session from a manifest and write its archive.",
		Example: `  provamark archive export --manifest manifest.json \
      --intent created -o session.archive`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			manifest, err := os.ReadFile(f.manifestPath)
			if err != nil {
				return err
			}

			h, err := root.newHost(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = h.Close(context.Background()) }()

			handle, err := h.CreateSession(cmd.Context(), manifest)
			if err != nil {
				return err
			}
			if err := applySessionFlags(cmd.Context(), h, handle, &f); err != nil {
				return err
			}

			archive, err := h.ToArchive(cmd.Context(), handle)
			if err != nil {
				return err
			}
			if err := os.WriteFile(f.outPath, archive, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", f.outPath, len(archive))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.manifestPath, "manifest", "", "manifest definition JSON file (required)")
	flags.StringVar(&f.intent, "intent", "", "asset intent: created, edited, ...")
	flags.StringVar(&f.sourceType, "source-type", "", "IPTC digital source type URI")
	flags.StringArrayVar(&f.actions, "action", nil, "action assertion JSON (repeatable)")
	flags.BoolVar(&f.noEmbed, "no-embed", false, "do not embed the manifest into the asset")
	flags.StringVar(&f.remoteURL, "remote-url", "", "URL where the manifest will be hosted")
	flags.StringVarP(&f.outPath, "out", "o", "", "archive output path (required)")
	_ = cmd.MarkFlagRequired("manifest")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newArchiveSignCmd(root *rootOptions) *cobra.Command {
	var (
		archivePath string
		f           signFlags
	)

	cmd := &cobra.Command{
		Use:   "sign ASSET",
		Short: "Restore a session from an archive and sign an asset.",
		Example: `  provamark archive sign photo.jpg --archive session.archive \
      --signer dev-signer.json -o photo.signed.jpg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asset, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			archive, err := os.ReadFile(archivePath)
			if err != nil {
				return err
			}
			signerDoc, err := os.ReadFile(f.signerPath)
			if err != nil {
				return err
			}
			cfg, err := signer.ParseConfig(signerDoc)
			if err != nil {
				return fmt.Errorf("signer config %s: %w", f.signerPath, err)
			}
			if f.mimeType == "" {
				f.mimeType = mimeFromPath(args[0])
			}

			h, err := root.newHost(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = h.Close(context.Background()) }()

			handle, err := h.CreateSessionFromArchive(cmd.Context(), archive)
			if err != nil {
				return err
			}

			out, err := h.Sign(cmd.Context(), handle, asset, f.mimeType, cfg)
			if err != nil {
				return err
			}

			outPath := f.outPath
			if outPath == "" {
				outPath = args[0] + ".signed"
			}
			if err := os.WriteFile(outPath, out.SignedAsset, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (manifest %d bytes)\n", outPath, out.ManifestSize)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&archivePath, "archive", "", "session archive file (required)")
	flags.StringVar(&f.signerPath, "signer", "", "signer config JSON file (required)")
	flags.StringVar(&f.mimeType, "mime", "", "asset MIME type (default: inferred from the file extension)")
	flags.StringVarP(&f.outPath, "out", "o", "", "signed asset output path (default: ASSET.signed)")
	_ = cmd.MarkFlagRequired("archive")
	_ = cmd.MarkFlagRequired("signer")
	return cmd
}
