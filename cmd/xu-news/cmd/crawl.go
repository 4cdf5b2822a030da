package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/config"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/model"
)

func newCrawlCmd() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Poll every active source once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runCrawl(cmd.Context(), cfg, kind)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Only poll sources of this kind (rss or web)")
	return cmd
}

func runCrawl(ctx context.Context, cfg *config.Config, kindFlag string) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	kinds := []model.SourceKind{model.SourceKindRSS, model.SourceKindWeb}
	if kindFlag != "" {
		k := model.SourceKind(kindFlag)
		if k != model.SourceKindRSS && k != model.SourceKindWeb {
			return fmt.Errorf("unknown source kind %q", kindFlag)
		}
		kinds = []model.SourceKind{k}
	}

	var polled, failed int
	for _, kind := range kinds {
		sources, err := a.store.ListActiveSources(ctx, kind)
		if err != nil {
			return err
		}
		for _, src := range sources {
			if err := a.sched.PollSource(ctx, src); err != nil {
				a.logger.Warn("poll failed", "source", src.Name, "url", src.URL, "error", err)
				failed++
				continue
			}
			polled++
		}
	}

	a.logger.Info("crawl finished", "polled", polled, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d sources failed", failed, polled+failed)
	}
	return nil
}
