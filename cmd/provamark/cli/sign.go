package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	hostsdk "github.com/provamark-dev/provamark-host-sdk"
	"github.com/provamark-dev/provamark-host-sdk/session"
	"github.com/provamark-dev/provamark-host-sdk/signer"
)

type signFlags struct {
	manifestPath string
	signerPath   string
	intent       string
	sourceType   string
	actions      []string
	noEmbed      bool
	remoteURL    string
	mimeType     string
	outPath      string
	manifestOut  string
}

func newSignCmd(root *rootOptions) *cobra.Command {
	var f signFlags

	cmd := &cobra.Command{
		Use:   "sign ASSET",
		Short: "Sign an asset with a new manifest.",
		Long: `Sign builds a manifest from the definition in --manifest, applies the
intent and action flags, signs it with the signer described by the
--signer config document, and writes the signed asset.

The signer config is the same JSON document the SDK accepts: a "type"
of embedded, platform_key, hardware_key, or remote_service, plus the
fields of that variant.`,
		Example: `  provamark sign photo.jpg --manifest manifest.json --signer dev-signer.json
  provamark sign photo.jpg --manifest manifest.json --signer hsm.json \
      --intent created --action '{"action":"c2pa.created"}' -o photo.signed.jpg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(cmd, root, &f, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.manifestPath, "manifest", "", "manifest definition JSON file (required)")
	flags.StringVar(&f.signerPath, "signer", "", "signer config JSON file (required)")
	flags.StringVar(&f.intent, "intent", "", "asset intent: created, edited, ...")
	flags.StringVar(&f.sourceType, "source-type", "", "IPTC digital source type URI")
	flags.StringArrayVar(&f.actions, "action", nil, "action assertion JSON (repeatable)")
	flags.BoolVar(&f.noEmbed, "no-embed", false, "do not embed the manifest into the asset")
	flags.StringVar(&f.remoteURL, "remote-url", "", "URL where the manifest will be hosted")
	flags.StringVar(&f.mimeType, "mime", "", "asset MIME type (default: inferred from the file extension)")
	flags.StringVarP(&f.outPath, "out", "o", "", "signed asset output path (default: ASSET.signed)")
	flags.StringVar(&f.manifestOut, "manifest-out", "", "also write the manifest store bytes to this path")
	_ = cmd.MarkFlagRequired("manifest")
	_ = cmd.MarkFlagRequired("signer")
	return cmd
}

func runSign(cmd *cobra.Command, root *rootOptions, f *signFlags, assetPath string) error {
	asset, err := os.ReadFile(assetPath)
	if err != nil {
		return err
	}
	manifest, err := os.ReadFile(f.manifestPath)
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
		f.mimeType = mimeFromPath(assetPath)
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
	if err := applySessionFlags(cmd.Context(), h, handle, f); err != nil {
		return err
	}

	out, err := h.Sign(cmd.Context(), handle, asset, f.mimeType, cfg)
	if err != nil {
		return err
	}

	outPath := f.outPath
	if outPath == "" {
		outPath = assetPath + ".signed"
	}
	if err := os.WriteFile(outPath, out.SignedAsset, 0o644); err != nil {
		return err
	}
	if f.manifestOut != "" {
		if err := os.WriteFile(f.manifestOut, out.Manifest, 0o644); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (manifest %d bytes)\n", outPath, out.ManifestSize)
	return nil
}

func applySessionFlags(ctx context.Context, h *hostsdk.Host, handle session.Handle, f *signFlags) error {
	if f.intent != "" {
		if err := h.SetIntent(ctx, handle, f.intent, f.sourceType); err != nil {
			return err
		}
	}
	for _, action := range f.actions {
		if err := h.AddAction(ctx, handle, []byte(action)); err != nil {
			return err
		}
	}
	if f.noEmbed {
		if err := h.SetNoEmbed(ctx, handle); err != nil {
			return err
		}
	}
	if f.remoteURL != "" {
		if err := h.SetRemoteURL(ctx, handle, f.remoteURL); err != nil {
			return err
		}
	}
	return nil
}
