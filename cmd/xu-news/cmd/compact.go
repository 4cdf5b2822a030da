package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/config"
)

func newCompactCmd() *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Rewrite vector indices to reclaim space from deletions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runCompact(cmd.Context(), cfg, userID)
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "Compact only this user's index (default: all)")
	return cmd
}

func runCompact(ctx context.Context, cfg *config.Config, userID int64) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	userIDs := []int64{userID}
	if userID == 0 {
		userIDs, err = a.store.ListUserIDs(ctx)
		if err != nil {
			return err
		}
	}

	for _, id := range userIDs {
		before, err := a.vectors.Stats(ctx, id)
		if err != nil {
			a.logger.Warn("skipping user, no readable index", "user_id", id, "error", err)
			continue
		}
		if err := a.vectors.Compact(ctx, id); err != nil {
			return err
		}
		a.logger.Info("compacted",
			"user_id", id,
			"vectors", before.VectorCount,
			"reclaimed", before.DeletedCount)
	}
	return nil
}
