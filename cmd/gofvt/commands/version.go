package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/dantte-lp/gofvt/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print gofvt build information",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			out, err := formatVersion(appversion.Get("gofvt"), outputFormat)
			if err != nil {
				return fmt.Errorf("format version: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}
