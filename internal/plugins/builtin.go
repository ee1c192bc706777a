package plugins

import (
	"fmt"

	gmailplugin "github.com/pennywise-app/pennywise/pkg/plugins/readers/gmail"
	mboxplugin "github.com/pennywise-app/pennywise/pkg/plugins/readers/mbox"
	bigqueryplugin "github.com/pennywise-app/pennywise/pkg/plugins/writers/bigquery"
	csvplugin "github.com/pennywise-app/pennywise/pkg/plugins/writers/csv"
	gcsplugin "github.com/pennywise-app/pennywise/pkg/plugins/writers/gcs"
	jsonplugin "github.com/pennywise-app/pennywise/pkg/plugins/writers/json"
	postgresplugin "github.com/pennywise-app/pennywise/pkg/plugins/writers/postgres"
	sheetsplugin "github.com/pennywise-app/pennywise/pkg/plugins/writers/sheets"
)

// NewDefaultRegistry returns a registry holding every built-in plugin.
func NewDefaultRegistry() (*Registry, error) {
	r := NewRegistry()

	for _, p := range []ReaderPlugin{
		&gmailplugin.Plugin{},
		&mboxplugin.Plugin{},
	} {
		if err := r.RegisterReader(p); err != nil {
			return nil, fmt.Errorf("registering %s plugin: %w", p.Name(), err)
		}
	}

	for _, p := range []WriterPlugin{
		&csvplugin.Plugin{},
		&jsonplugin.Plugin{},
		&sheetsplugin.Plugin{},
		&gcsplugin.Plugin{},
		&bigqueryplugin.Plugin{},
		&postgresplugin.Plugin{},
	} {
		if err := r.RegisterWriter(p); err != nil {
			return nil, fmt.Errorf("registering %s plugin: %w", p.Name(), err)
		}
	}

	return r, nil
}
