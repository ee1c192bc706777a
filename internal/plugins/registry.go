// Package plugins provides a plugin registry for readers and writers.
package plugins

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/plugins"
)

// ReaderPlugin defines the interface for transaction reader plugins.
type ReaderPlugin interface {
	// Name returns the plugin name (e.g., "gmail", "mbox").
	Name() string
	// Description returns a human-readable description.
	Description() string
	// RequiredScopes returns the OAuth scopes needed by this plugin.
	RequiredScopes() []string
	// ConfigSchema returns a JSON schema describing the plugin's configuration.
	ConfigSchema() map[string]any
	// NewReader creates a new reader instance with the given config.
	NewReader(ctx context.Context, config json.RawMessage, deps plugins.Deps) (api.Reader, error)
}

// WriterPlugin defines the interface for transaction writer plugins.
type WriterPlugin interface {
	Name() string
	Description() string
	RequiredScopes() []string
	ConfigSchema() map[string]any
	// NewWriter creates a new writer instance with the given config.
	NewWriter(ctx context.Context, config json.RawMessage, deps plugins.Deps) (api.Writer, error)
}

// Registry manages available reader and writer plugins.
type Registry struct {
	readers map[string]ReaderPlugin
	writers map[string]WriterPlugin
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		readers: make(map[string]ReaderPlugin),
		writers: make(map[string]WriterPlugin),
	}
}

// RegisterReader registers a reader plugin.
func (r *Registry) RegisterReader(plugin ReaderPlugin) error {
	name := plugin.Name()
	if _, exists := r.readers[name]; exists {
		return fmt.Errorf("reader plugin %q already registered", name)
	}
	r.readers[name] = plugin
	return nil
}

// RegisterWriter registers a writer plugin.
func (r *Registry) RegisterWriter(plugin WriterPlugin) error {
	name := plugin.Name()
	if _, exists := r.writers[name]; exists {
		return fmt.Errorf("writer plugin %q already registered", name)
	}
	r.writers[name] = plugin
	return nil
}

// GetReader returns a reader plugin by name.
func (r *Registry) GetReader(name string) (ReaderPlugin, error) {
	plugin, exists := r.readers[name]
	if !exists {
		return nil, fmt.Errorf("reader plugin %q not found", name)
	}
	return plugin, nil
}

// GetWriter returns a writer plugin by name.
func (r *Registry) GetWriter(name string) (WriterPlugin, error) {
	plugin, exists := r.writers[name]
	if !exists {
		return nil, fmt.Errorf("writer plugin %q not found", name)
	}
	return plugin, nil
}

// ListReaders returns all registered reader plugins sorted by name.
func (r *Registry) ListReaders() []ReaderPlugin {
	list := make([]ReaderPlugin, 0, len(r.readers))
	for _, plugin := range r.readers {
		list = append(list, plugin)
	}
	slices.SortFunc(list, func(a, b ReaderPlugin) int { return cmp.Compare(a.Name(), b.Name()) })
	return list
}

// ListWriters returns all registered writer plugins sorted by name.
func (r *Registry) ListWriters() []WriterPlugin {
	list := make([]WriterPlugin, 0, len(r.writers))
	for _, plugin := range r.writers {
		list = append(list, plugin)
	}
	slices.SortFunc(list, func(a, b WriterPlugin) int { return cmp.Compare(a.Name(), b.Name()) })
	return list
}

// Scopes returns the deduplicated OAuth scopes required by a reader and a set
// of writers. An empty reader name means no reader.
func (r *Registry) Scopes(readerName string, writerNames ...string) ([]string, error) {
	var scopes []string
	if readerName != "" {
		reader, err := r.GetReader(readerName)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, reader.RequiredScopes()...)
	}
	for _, name := range writerNames {
		writer, err := r.GetWriter(name)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, writer.RequiredScopes()...)
	}

	slices.Sort(scopes)
	return slices.Compact(scopes), nil
}

// CreateReader creates a reader instance from a plugin.
func (r *Registry) CreateReader(ctx context.Context, name string, config json.RawMessage, deps plugins.Deps) (api.Reader, error) {
	plugin, err := r.GetReader(name)
	if err != nil {
		return nil, err
	}
	return plugin.NewReader(ctx, config, deps)
}

// CreateWriter creates a writer instance from a plugin.
func (r *Registry) CreateWriter(ctx context.Context, name string, config json.RawMessage, deps plugins.Deps) (api.Writer, error) {
	plugin, err := r.GetWriter(name)
	if err != nil {
		return nil, err
	}
	return plugin.NewWriter(ctx, config, deps)
}
