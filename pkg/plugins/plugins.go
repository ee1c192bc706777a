// Package plugins holds what reader and writer plugins receive when they are
// instantiated. The plugins themselves live in the readers and writers
// subpackages.
package plugins

import (
	"log/slog"
	"net/http"

	"github.com/pennywise-app/pennywise/pkg/api"
)

// Deps are the shared collaborators handed to every plugin.
type Deps struct {
	// HTTPClient is authorized for the scopes the selected plugins require.
	// It is nil when no OAuth token is stored.
	HTTPClient *http.Client
	// Cursors persists reader positions. Optional.
	Cursors api.CursorStore
	Logger  *slog.Logger
}

// Log returns the logger or slog.Default.
func (d Deps) Log() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}
