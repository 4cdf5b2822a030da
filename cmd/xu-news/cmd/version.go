package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rubyxyr/XU-News-AI-RAG/pkg/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
