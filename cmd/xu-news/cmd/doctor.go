package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/preflight"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check data directories, disk space, and model endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			checker := preflight.New(cfg, cmd.OutOrStdout())
			results := checker.RunAll(cmd.Context())
			checker.PrintResults(results)

			if checker.HasCriticalFailures(results) {
				return fmt.Errorf("system check failed")
			}
			return nil
		},
	}
}
