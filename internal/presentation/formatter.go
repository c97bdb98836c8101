// Package presentation renders command results for the caller.
package presentation

import (
	"encoding/json"
	"io"
)

// Formatter handles output formatting
type Formatter struct {
	writer io.Writer
	indent bool
}

// NewFormatter creates a new formatter
func NewFormatter(writer io.Writer) *Formatter {
	return &Formatter{
		writer: writer,
	}
}

// Indented switches to two-space indented output.
func (f *Formatter) Indented(on bool) *Formatter {
	f.indent = on
	return f
}

// FormatResponse writes result as a single JSON object followed by a newline.
// HTML characters are not escaped so installer output stays readable.
func (f *Formatter) FormatResponse(result any) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetEscapeHTML(false)
	if f.indent {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(result)
}
