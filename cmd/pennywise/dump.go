package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/pennywise-app/pennywise/pkg/client"
	"github.com/pennywise-app/pennywise/pkg/extract"
	"github.com/pennywise-app/pennywise/pkg/plugins/readers"
	gmailreader "github.com/pennywise-app/pennywise/pkg/reader/gmail"
)

// dumpCmd saves recent notification emails for each parser so they can be
// used as parser test fixtures.
func (a *app) dumpCmd() *cobra.Command {
	var (
		dir string
		limit int64
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Save matching Gmail messages as parser fixtures",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var pc readers.ParserConfig
			if len(a.cfg.ReaderConfig) > 0 {
				if err := json.Unmarshal(a.cfg.ReaderConfig, &pc); err != nil {
					return fmt.Errorf("parsing reader config: %w", err)
				}
			}
			parsers, err := pc.Compile()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			creds := client.Credentials{
				SecretFile: a.cfg.OAuth.ClientSecretFile,
				TokenFile:  a.cfg.OAuth.TokenFile,
				Scopes:     []string{gmail.GmailReadonlyScope},
			}
			httpClient, err := creds.HTTPClient(ctx)
			if err != nil {
				return err
			}
			svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
			if err != nil {
				return fmt.Errorf("creating gmail service: %w", err)
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating dump directory: %w", err)
			}

			d := &dumper{svc: svc, dir: dir, max: limit, logger: a.logger}
			total := 0
			for _, p := range parsers {
				if !p.Enabled || p.Query == "" {
					continue
				}
				n, err := d.dumpParser(ctx, p)
				if err != nil {
					a.logger.Error("failed to dump messages for parser", "parser", p.Name, "error", err)
					continue
				}
				a.logger.Info("dumped messages for parser", "parser", p.Name, "count", n)
				total += n
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dumped %d emails to %s\n", total, dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "testdata/dump", "output directory")
	cmd.Flags().Int64Var(&limit, "max", 10, "messages per parser")
	return cmd
}

type dumper struct {
	svc    *gmail.Service
	dir    string
	max    int64
	logger *slog.Logger
}

func (d *dumper) dumpParser(ctx context.Context, p *extract.Parser) (int, error) {
	resp, err := d.svc.Users.Messages.List("me").Q(p.Query).MaxResults(d.max).Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("listing messages: %w", err)
	}

	count := 0
	for _, m := range resp.Messages {
		if err := d.dumpMessage(ctx, m.Id, p); err != nil {
			d.logger.Warn("failed to dump message", "message_id", m.Id, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

func (d *dumper) dumpMessage(ctx context.Context, id string, p *extract.Parser) error {
	msg, err := d.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("getting message: %w", err)
	}
	email := gmailreader.ToEmail(msg)
	if email.Body == "" {
		return fmt.Errorf("empty message body")
	}

	name := fixtureName(p.Source, email)
	path := filepath.Join(d.dir, name)
	if _, err := os.Stat(path); err == nil {
		d.logger.Debug("file already exists, skipping", "file", name)
		return nil
	}
	if err := os.WriteFile(path, []byte(email.Body), 0o644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}

	// Report whether the parser still extracts from this message.
	if _, err := p.Extract(email); err != nil {
		d.logger.Warn("parser does not extract from dumped email", "file", name, "error", err)
	} else {
		d.logger.Info("dumped email", "file", name, "subject", email.Subject)
	}
	return nil
}

var (
	unsafeChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f\s]`)
	underscores = regexp.MustCompile(`_+`)
)

// fixtureName builds source_date_subject.txt with filesystem-safe characters.
func fixtureName(source string, e extract.Email) string {
	name := fmt.Sprintf("%s_%s_%s", source, e.Received.Format("2006-01-02_150405"), e.Subject)
	name = unsafeChars.ReplaceAllString(name, "_")
	name = underscores.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if len(name) > 200 {
		name = name[:200]
	}
	return name + ".txt"
}
