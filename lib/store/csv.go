// Package store persists finished sweeps: as CSV or XLSX files, as objects
// in an S3-compatible bucket, and as rows in a postgres run ledger. Every
// store is a specsweep.Sink.
package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gotmc/specsweep"
)

// WriteTable writes r.Table as CSV.
func WriteTable(w io.Writer, r *specsweep.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(r.Table()); err != nil {
		return fmt.Errorf("writing table: %w", err)
	}
	return nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName names r's output: the run name, the mode and the first block of
// the run id, so repeated runs of one recipe never collide.
func FileName(r *specsweep.Result, ext string) string {
	name := strings.Trim(unsafeName.ReplaceAllString(r.Name, "_"), "_")
	if name == "" {
		name = "sweep"
	}
	id := r.RunID.String()
	if i := strings.IndexByte(id, '-'); i > 0 {
		id = id[:i]
	}
	return fmt.Sprintf("%s-%s-%s%s", name, r.Mode, id, ext)
}

// CSVSink writes each result to its own file in Dir.
type CSVSink struct {
	Dir string
}

var _ specsweep.Sink = CSVSink{}

// Save writes the table, replacing nothing: the file name is unique per
// run.
func (s CSVSink) Save(_ context.Context, r *specsweep.Result) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("csv sink: %w", err)
	}
	path := filepath.Join(s.Dir, FileName(r, ".csv"))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("csv sink: %w", err)
	}
	if err := WriteTable(f, r); err != nil {
		f.Close()
		return fmt.Errorf("csv sink %s: %w", path, err)
	}
	return f.Close()
}
