// Package output provides adapters for writing application output.
package output

import (
	"encoding/json"
	"io"
	"os"
)

// Writer writes command results as JSON to the configured output destination.
// By default, it writes to stdout.
type Writer struct {
	out io.Writer
}

// NewWriter creates a new Writer that writes to stdout.
func NewWriter() *Writer {
	return &Writer{out: os.Stdout}
}

// NewWriterWithOutput creates a new Writer with a custom output destination.
// This is useful for testing.
func NewWriterWithOutput(out io.Writer) *Writer {
	return &Writer{out: out}
}

// WriteJSON writes v as a two-space indented JSON document followed by a newline.
// HTML characters are not escaped, so schematic text such as "<" stays readable.
func (w *Writer) WriteJSON(v any) error {
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
