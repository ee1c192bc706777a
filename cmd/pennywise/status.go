package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/pennywise-app/pennywise/pkg/classify"
	"github.com/pennywise-app/pennywise/pkg/client"
)

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check configuration, authentication and the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !a.runStatus(cmd.Context(), cmd.OutOrStdout()) {
				return fmt.Errorf("configuration issues detected")
			}
			return nil
		},
	}
}

func (a *app) runStatus(ctx context.Context, out io.Writer) bool {
	fmt.Fprintln(out, "=== Pennywise Status ===")
	fmt.Fprintln(out)

	allGood := true
	oauth := a.cfg.OAuth

	fmt.Fprintf(out, "Reader: %s\n", a.cfg.ReaderPlugin)
	for _, exp := range a.cfg.Exporters {
		fmt.Fprintf(out, "Exporter: %s\n", exp.Plugin)
	}

	fmt.Fprintf(out, "Credentials file (%s): ", oauth.ClientSecretFile)
	if _, err := os.Stat(oauth.ClientSecretFile); err != nil {
		fmt.Fprintln(out, "✗ Not found")
		allGood = false
	} else {
		fmt.Fprintln(out, "✓ Found")
	}

	creds := client.Credentials{SecretFile: oauth.ClientSecretFile, TokenFile: oauth.TokenFile}
	fmt.Fprintf(out, "OAuth token (%s): ", oauth.TokenFile)
	tok, err := creds.Token()
	switch {
	case err != nil:
		fmt.Fprintf(out, "✗ %v\n", err)
		allGood = false
	case tok.Expiry.Before(time.Now()):
		fmt.Fprintln(out, "⚠ Expired (will refresh on next run)")
	default:
		fmt.Fprintf(out, "✓ Valid (expires: %s)\n", tok.Expiry.Format(time.RFC3339))
	}

	fmt.Fprint(out, "Database: ")
	store, err := a.openStore(ctx)
	if err != nil {
		fmt.Fprintf(out, "✗ %v\n", err)
		allGood = false
	} else {
		defer store.Close()
		stats, err := store.Stats(ctx)
		if err != nil {
			fmt.Fprintf(out, "✗ %v\n", err)
			allGood = false
		} else {
			fmt.Fprintf(out, "✓ %d transactions (%d unclassified)\n", stats.Transactions, stats.Unclassified)
			for source, at := range stats.Cursors {
				fmt.Fprintf(out, "  %s cursor: %s\n", source, at.Format(time.RFC3339))
			}
		}

		fmt.Fprint(out, "Rules: ")
		engine, err := classify.Load(ctx, store, classify.WithLogger(a.logger))
		if err != nil {
			fmt.Fprintf(out, "✗ %v\n", err)
			allGood = false
		} else {
			fmt.Fprintf(out, "✓ %d active\n", engine.Len())
			for _, w := range engine.Warnings() {
				fmt.Fprintf(out, "  ⚠ skipped %v\n", w)
			}
		}
	}

	if tok != nil && a.cfg.ReaderPlugin == "gmail" {
		fmt.Fprint(out, "Gmail API: ")
		if err := checkGmail(ctx, creds); err != nil {
			fmt.Fprintf(out, "✗ %v\n", err)
			allGood = false
		} else {
			fmt.Fprintln(out, "✓ Connected")
		}
	}

	fmt.Fprintln(out)
	if allGood {
		fmt.Fprintln(out, "Status: ✓ Ready to run")
	} else {
		fmt.Fprintln(out, "Status: ✗ Configuration issues detected")
		fmt.Fprintln(out, "Fix the issues above, then run 'pennywise status' again.")
	}
	return allGood
}

func checkGmail(ctx context.Context, creds client.Credentials) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	httpClient, err := creds.HTTPClient(ctx)
	if err != nil {
		return err
	}
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}
	if _, err := svc.Users.Labels.List("me").Context(ctx).Do(); err != nil {
		return fmt.Errorf("API call failed: %w", err)
	}
	return nil
}
