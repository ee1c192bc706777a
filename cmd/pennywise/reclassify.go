package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pennywise-app/pennywise/internal/reclassify"
)

func (a *app) reclassifyCmd() *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "reclassify",
		Short: "Apply the current rules to stored transactions",
		Long: "Reclassify runs every stored transaction, or those dated on or after --since,\n" +
			"through the current rule set and writes the results in one database transaction.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			scope := reclassify.Scope{}
			if since != "" {
				t, err := reclassify.ParseSince(since)
				if err != nil {
					return err
				}
				scope.Since = &t
			}

			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			svc := reclassify.New(store, store, a.logger.With("component", "reclassify"),
				reclassify.WithWorkers(a.cfg.ClassifyWorkers))
			report, err := svc.Run(ctx, scope)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("writing report: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "only transactions dated on or after this date (YYYY-MM-DD or RFC3339)")
	return cmd
}
