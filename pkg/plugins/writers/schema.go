// Package writers holds configuration shared by the writer plugins.
package writers

// Batching is the buffering configuration common to every writer.
type Batching struct {
	BatchSize     int `json:"batchSize,omitempty"`
	FlushInterval int `json:"flushInterval,omitempty"` // in seconds
}

// BatchingSchema returns the JSON schema properties for Batching merged into props.
func BatchingSchema(props map[string]any) map[string]any {
	props["batchSize"] = map[string]any{
		"type":        "integer",
		"description": "Number of transactions to buffer before writing (default: 10)",
		"default":     10,
	}
	props["flushInterval"] = map[string]any{
		"type":        "integer",
		"description": "Interval in seconds between automatic flushes (default: 30)",
		"default":     30,
	}
	return props
}
