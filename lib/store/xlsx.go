package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gotmc/specsweep"
	"github.com/xuri/excelize/v2"
)

const (
	sweepSheet  = "Sweep"
	opticsSheet = "Optics"
)

// WriteWorkbook writes r as an XLSX workbook. The Sweep sheet holds the
// same table as the CSV output with numeric cells; ranged runs get an
// Optics sheet with the per-step temperature, lock-in readings and
// quality.
func WriteWorkbook(w io.Writer, r *specsweep.Result) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sweepSheet); err != nil {
		return err
	}
	for i, row := range r.Table() {
		if err := setRow(f, sweepSheet, i, cells(row)); err != nil {
			return err
		}
	}
	if r.Ranged {
		if _, err := f.NewSheet(opticsSheet); err != nil {
			return err
		}
		head := []any{"Wavelength", "Temperature", "Frequency", "Magnitude", "Phase", "Quality"}
		if err := setRow(f, opticsSheet, 0, head); err != nil {
			return err
		}
		for i, s := range r.Steps {
			row := []any{s.Wavelength, s.Temperature, s.LockIn.Frequency, s.LockIn.Magnitude, s.LockIn.Phase, s.Quality.String()}
			if err := setRow(f, opticsSheet, i+1, row); err != nil {
				return err
			}
		}
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, i int, row []any) error {
	cell, err := excelize.CoordinatesToCellName(1, i+1)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &row)
}

// cells turns table text back into numbers where it parses; blanks stay
// empty.
func cells(row []string) []any {
	out := make([]any, len(row))
	for i, s := range row {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			out[i] = v
		} else if s != "" {
			out[i] = s
		}
	}
	return out
}

// XLSXSink writes each result to its own workbook in Dir.
type XLSXSink struct {
	Dir string
}

var _ specsweep.Sink = XLSXSink{}

func (s XLSXSink) Save(_ context.Context, r *specsweep.Result) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("xlsx sink: %w", err)
	}
	path := filepath.Join(s.Dir, FileName(r, ".xlsx"))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("xlsx sink: %w", err)
	}
	if err := WriteWorkbook(f, r); err != nil {
		f.Close()
		return fmt.Errorf("xlsx sink %s: %w", path, err)
	}
	return f.Close()
}
