package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/pennywise-app/pennywise/internal/daemon"
	"github.com/pennywise-app/pennywise/internal/plugins"
	"github.com/pennywise-app/pennywise/pkg/client"
)

func (a *app) setupCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Authorize pennywise to read bank emails",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runSetup(cmd, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-authenticate even if a token exists")
	return cmd
}

func (a *app) runSetup(cmd *cobra.Command, force bool) error {
	out := cmd.OutOrStdout()
	oauth := a.cfg.OAuth

	fmt.Fprintln(out, "=== Pennywise Setup ===")
	fmt.Fprintln(out)

	if _, err := os.Stat(oauth.ClientSecretFile); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("credentials file not found: %s\n\nTo get your credentials:\n"+
			"1. Go to https://console.cloud.google.com/apis/credentials\n"+
			"2. Create an OAuth 2.0 Client ID (Desktop application)\n"+
			"3. Download the JSON file and save it as '%s'", oauth.ClientSecretFile, oauth.ClientSecretFile)
	}

	if !force {
		if _, err := os.Stat(oauth.TokenFile); err == nil {
			fmt.Fprintf(out, "Already authenticated! Token file exists: %s\n\n", oauth.TokenFile)
			fmt.Fprintln(out, "To re-authenticate, run: pennywise setup --force")
			return nil
		}
	}

	registry, err := plugins.NewDefaultRegistry()
	if err != nil {
		return err
	}
	reader := a.cfg.ReaderPlugin
	if reader == daemon.ReaderNone {
		reader = ""
	}
	exporters := make([]string, 0, len(a.cfg.Exporters))
	for _, exp := range a.cfg.Exporters {
		exporters = append(exporters, exp.Plugin)
	}
	scopes, err := registry.Scopes(reader, exporters...)
	if err != nil {
		return err
	}
	if len(scopes) == 0 {
		fmt.Fprintln(out, "The configured reader and exporters need no Google access. Nothing to do.")
		return nil
	}

	fmt.Fprintln(out, "Requested permissions:")
	for _, s := range scopes {
		fmt.Fprintf(out, "  - %s\n", s)
	}

	creds := client.Credentials{
		SecretFile: oauth.ClientSecretFile,
		TokenFile:  oauth.TokenFile,
		Scopes:     scopes,
	}
	if err := creds.AuthorizeLocal(cmd.Context(), out, a.logger); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "=== Setup Complete ===")
	fmt.Fprintf(out, "Token saved to: %s\n\n", oauth.TokenFile)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Import rules: pennywise rules import rules.yaml")
	fmt.Fprintln(out, "  2. Start the server: go run ./cmd/server")
	return nil
}
