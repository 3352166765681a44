// Package cli implements the provamark command line interface, a thin
// veneer over hostsdk.Host for working with assets on disk.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// rootOptions carries the persistent flags every subcommand shares.
type rootOptions struct {
	engineRef string
	logLevel  string
	settings  string
}

// New builds the provamark command tree.
func New() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "provamark",
		Short:         "Inspect and sign content provenance manifests.",
		Long: `provamark reads, creates, and signs C2PA-style provenance manifests
in media assets, using a provamark engine WASM module.

The engine is located through --engine (or PROVAMARK_ENGINE): either a
local .wasm file or an OCI reference such as
registry.example.com/provamark/engine:1.4.0, which is pulled once and
cached under the user cache directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return setupLogging(opts.logLevel)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.engineRef, "engine", os.Getenv("PROVAMARK_ENGINE"),
		"engine WASM file or OCI reference (env PROVAMARK_ENGINE)")
	flags.StringVar(&opts.logLevel, "log-level", "warn",
		"log level: debug, info, warn, error")
	flags.StringVar(&opts.settings, "settings", "",
		"engine settings document applied first (format by extension: .json, .yaml)")

	cmd.AddCommand(newVersionCmd(opts))
	cmd.AddCommand(newReadCmd(opts))
	cmd.AddCommand(newSignCmd(opts))
	cmd.AddCommand(newArchiveCmd(opts))
	return cmd
}

func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("unknown log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}
