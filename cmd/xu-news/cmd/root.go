// Package cmd provides the CLI commands for the xu-news service.
package cmd

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/config"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/logging"
	"github.com/rubyxyr/XU-News-AI-RAG/pkg/version"
)

var (
	configPath     string
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "xu-news",
		Short: "Personal news knowledge base with semantic search",
		Long: `xu-news ingests news from RSS feeds, web pages, file uploads, and
manual entry into a per-user knowledge base, then answers semantic
queries against it, falling back to web search with AI summaries
when local coverage is thin.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.SetVersionTemplate("xu-news version {{.Version}}\n")

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	root.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	root.PersistentPreRunE = setupLogging
	root.PersistentPostRun = func(*cobra.Command, []string) {
		if loggingCleanup != nil {
			loggingCleanup()
		}
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newCrawlCmd())
	root.AddCommand(newCompactCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	// Secrets like the Google Search credentials usually live in .env.
	_ = godotenv.Load()

	level := ""
	if debugMode {
		level = "debug"
	}
	cleanup, err := logging.SetupDefault(level)
	if err != nil {
		return err
	}
	loggingCleanup = cleanup
	return nil
}

// loadConfig reads the --config file (or defaults) and applies env
// overrides. The default logger is re-created at the configured level
// once it is known; --debug wins over config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if !debugMode && cfg.Logging.Level != "info" {
		if loggingCleanup != nil {
			loggingCleanup()
		}
		cleanup, err := logging.SetupDefault(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		loggingCleanup = cleanup
	}
	return cfg, nil
}
