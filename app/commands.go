// Package app provides the racemerge command line.
package app

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X github.com/cantart/racemerge/app.Version=...".
var Version = "dev"

// NewRootCmd creates the racemerge command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "racemerge",
		Short:         "Formula 1 ingestion with idempotent partitioned upserts",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `racemerge loads the raw Formula 1 files of one file date into the processed
layer and rebuilds presentation tables from it. Every write goes through the
upsert coordinator, so a file date can be rerun without duplicating rows.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().String("config", "", "Path to configuration file (YAML format)")

	root.AddCommand(newIngestCmd())
	root.AddCommand(newTransformCmd())
	root.AddCommand(newStateCmd())
	root.AddCommand(newVersionCmd())
	return root
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func getVersionInfo() versionInfo {
	info := versionInfo{
		Version:   Version,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				info.Commit = s.Value
			}
		}
	}
	return info
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := getVersionInfo()
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return err
			}
			if format == "json" {
				output, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("format version info: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(output))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "racemerge %s (commit %s, %s, %s)\n",
				info.Version, info.Commit, info.GoVersion, info.Platform)
			return nil
		},
	}
	cmd.Flags().String("format", "", "Output format (json)")
	return cmd
}
