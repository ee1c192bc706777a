package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pennywise-app/pennywise/internal/reclassify"
	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/classify"
	"github.com/pennywise-app/pennywise/pkg/rulesfile"
)

func (a *app) rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage classification rules",
	}
	cmd.AddCommand(
		a.rulesListCmd(),
		a.rulesImportCmd(),
		a.rulesExportCmd(),
		a.rulesTestCmd(),
	)
	return cmd
}

func (a *app) rulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			rules, err := store.ListRules(ctx)
			if err != nil {
				return err
			}
			return printRules(cmd.OutOrStdout(), rules)
		},
	}
}

func printRules(w io.Writer, rules []api.Rule) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tID\tMATCH\tPATTERN\tCATEGORY\tENABLED")
	for _, r := range rules {
		match := string(r.MatchType)
		if match == "" {
			match = string(api.MatchContains)
		}
		if r.Field == api.FieldMerchant {
			match += "(merchant)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.Priority, r.ID, match, strconv.Quote(r.Pattern), r.TargetCategory, strconv.FormatBool(r.Enabled))
	}
	return tw.Flush()
}

func (a *app) rulesImportCmd() *cobra.Command {
	var (
		dryRun        bool
		noBackfill    bool
		reclassifyAll bool
	)
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Upsert rules from a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := rulesfile.Load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if dryRun {
				fmt.Fprintf(out, "%d rules are valid\n", len(rules))
				return printRules(out, rules)
			}

			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.ImportRules(ctx, rules)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Imported %d rules\n", n)

			svc := reclassify.New(store, store, a.logger.With("component", "reclassify"),
				reclassify.WithWorkers(a.cfg.ClassifyWorkers))
			if !noBackfill {
				renamed := 0
				for _, rule := range rules {
					n, err := svc.RenameMerchants(ctx, rule)
					if err != nil {
						return fmt.Errorf("rules imported but merchant backfill failed: %w", err)
					}
					renamed += n
				}
				fmt.Fprintf(out, "Renamed merchants on %d transactions\n", renamed)
			}
			if !reclassifyAll {
				return nil
			}

			report, err := svc.Run(ctx, reclassify.Scope{})
			if err != nil {
				return fmt.Errorf("rules imported but reclassify failed: %w", err)
			}
			fmt.Fprintf(out, "Reclassified %d transactions (%d changed, %d unclassified)\n",
				report.Total, report.Changed, report.Unclassified)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the file without writing")
	cmd.Flags().BoolVar(&noBackfill, "no-backfill", false, "skip applying merchant renames to stored transactions")
	cmd.Flags().BoolVar(&reclassifyAll, "reclassify", false, "run a full reclassify after importing")
	return cmd
}

func (a *app) rulesExportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the stored rules as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			rules, err := store.ListRules(ctx)
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				return rulesfile.Encode(cmd.OutOrStdout(), rules)
			}
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating %s: %w", output, err)
			}
			if err := rulesfile.Encode(f, rules); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

// rulesTestCmd classifies a sample description without storing anything.
func (a *app) rulesTestCmd() *cobra.Command {
	var (
		merchant string
		file     string
	)
	cmd := &cobra.Command{
		Use:   "test DESCRIPTION",
		Short: "Show which rule a bank description would match",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var src api.RuleSource
			if file != "" {
				rules, err := rulesfile.Load(file)
				if err != nil {
					return err
				}
				src = rulesfile.Static(rules)
			} else {
				store, err := a.openStore(ctx)
				if err != nil {
					return err
				}
				defer store.Close()
				src = store
			}

			engine, err := classify.Load(ctx, src, classify.WithLogger(a.logger))
			if err != nil {
				return err
			}
			return explain(cmd.OutOrStdout(), engine, args[0], merchant)
		},
	}
	cmd.Flags().StringVar(&merchant, "merchant", "", "merchant name, when it differs from the description")
	cmd.Flags().StringVarP(&file, "file", "f", "", "test against a rules file instead of the database")
	return cmd
}

func explain(w io.Writer, engine *classify.Engine, description, merchant string) error {
	txn, match, err := engine.Classify(api.Transaction{
		ID:             "sample",
		RawDescription: description,
		Merchant:       merchant,
	})
	if err != nil {
		return err
	}
	if match == nil {
		fmt.Fprintf(w, "No rule matched %q (%d active rules)\n", description, engine.Len())
		return nil
	}
	fmt.Fprintf(w, "Rule:     %s (priority %d)\n", match.RuleID, match.Priority)
	fmt.Fprintf(w, "Category: %s\n", match.Category)
	if txn.Subcategory != "" {
		fmt.Fprintf(w, "Sub:      %s\n", txn.Subcategory)
	}
	fmt.Fprintf(w, "Merchant: %s\n", txn.Merchant)
	return nil
}
