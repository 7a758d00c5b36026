package specsweep

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gotmc/specsweep/lib/session"
	"github.com/montanaflynn/stats"
)

// Quality flags a step that was not measured cleanly. The zero value means
// every reading succeeded.
type Quality uint8

const QualityOK Quality = 0

const (
	// QualityTemperatureMissing is set when a temperature reading failed.
	QualityTemperatureMissing Quality = 1 << iota
	// QualityLockInMissing is set when a lock-in reading failed.
	QualityLockInMissing
	// QualityPartialData is set when some repetitions could not be parsed.
	QualityPartialData
	// QualityNoData is set when no repetition produced data.
	QualityNoData
)

var qualityNames = []struct {
	q    Quality
	name string
}{
	{QualityTemperatureMissing, "temperature-missing"},
	{QualityLockInMissing, "lockin-missing"},
	{QualityPartialData, "partial-data"},
	{QualityNoData, "no-data"},
}

func (q Quality) String() string {
	if q == QualityOK {
		return "ok"
	}
	var names []string
	for _, n := range qualityNames {
		if q&n.q != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// Has reports whether every flag in f is set.
func (q Quality) Has(f Quality) bool { return q&f == f }

// Step is one outer-loop point with its averaged readings.
type Step struct {
	Index int
	// Wavelength is the grating position in tenths of a nanometre, or the
	// step index when no wavelength range is swept.
	Wavelength float64
	Primary    []float64
	Secondary  []float64
	// Raw holds the primary vector of every repetition that parsed.
	Raw         [][]float64
	Temperature float64
	LockIn      session.LockInReading
	Quality     Quality
	Errors      []error
}

// Axis names the electrical x-axis.
type Axis int

const (
	AxisNone Axis = iota
	AxisVoltage
	AxisFrequency
)

func (a Axis) String() string {
	switch a {
	case AxisVoltage:
		return "Voltage"
	case AxisFrequency:
		return "Frequency"
	}
	return "X"
}

// Result is a whole sweep in sweep order. The orchestrator only appends;
// sinks receive it complete.
type Result struct {
	RunID    uuid.UUID
	Name     string
	Mode     Mode
	Started  time.Time
	Finished time.Time
	Axis     Axis
	X        []float64
	Steps    []Step
	// Ranged is set when a wavelength range was swept.
	Ranged bool
}

// Append adds s as the next step.
func (r *Result) Append(s Step) {
	s.Index = len(r.Steps)
	r.Steps = append(r.Steps, s)
}

func (r *Result) column(f func(Step) float64) []float64 {
	out := make([]float64, len(r.Steps))
	for i, s := range r.Steps {
		out[i] = f(s)
	}
	return out
}

// Wavelengths returns the wavelength of each step.
func (r *Result) Wavelengths() []float64 {
	return r.column(func(s Step) float64 { return s.Wavelength })
}

// Temperatures returns the averaged temperature of each step.
func (r *Result) Temperatures() []float64 {
	return r.column(func(s Step) float64 { return s.Temperature })
}

// Magnitudes returns the averaged lock-in magnitude of each step.
func (r *Result) Magnitudes() []float64 {
	return r.column(func(s Step) float64 { return s.LockIn.Magnitude })
}

// Phases returns the averaged lock-in phase of each step.
func (r *Result) Phases() []float64 {
	return r.column(func(s Step) float64 { return s.LockIn.Phase })
}

// Frequencies returns the averaged lock-in frequency of each step.
func (r *Result) Frequencies() []float64 {
	return r.column(func(s Step) float64 { return s.LockIn.Frequency })
}

// PrimaryMatrix returns the averaged primary vector of each step.
func (r *Result) PrimaryMatrix() [][]float64 {
	out := make([][]float64, len(r.Steps))
	for i, s := range r.Steps {
		out[i] = s.Primary
	}
	return out
}

// Qualities returns the quality of each step.
func (r *Result) Qualities() []Quality {
	out := make([]Quality, len(r.Steps))
	for i, s := range r.Steps {
		out[i] = s.Quality
	}
	return out
}

// Table renders the result for a file or plot. A wavelength sweep gives one
// row per step: wavelength, one column per x value, temperature. Otherwise
// the first step is written as X, Y and, when present, Y2 columns.
func (r *Result) Table() [][]string {
	if r.Ranged {
		return r.rangedTable()
	}
	header := []string{"X", "Y"}
	var s Step
	if len(r.Steps) > 0 {
		s = r.Steps[0]
	}
	withY2 := len(s.Secondary) == len(s.Primary) && len(s.Secondary) > 0
	if withY2 {
		header = append(header, "Y2")
	}
	rows := [][]string{header}
	for i, y := range s.Primary {
		row := []string{cell(r.xAt(i)), cell(y)}
		if withY2 {
			row = append(row, cell(s.Secondary[i]))
		}
		rows = append(rows, row)
	}
	return rows
}

func (r *Result) rangedTable() [][]string {
	n := 0
	for _, s := range r.Steps {
		n = max(n, len(s.Primary))
	}
	header := make([]string, 0, n+2)
	header = append(header, "Wavelength")
	for i := 0; i < n; i++ {
		header = append(header, cell(r.xAt(i)))
	}
	header = append(header, "Temperature")
	rows := [][]string{header}
	for _, s := range r.Steps {
		row := make([]string, 0, n+2)
		row = append(row, cell(s.Wavelength))
		for i := 0; i < n; i++ {
			if i < len(s.Primary) {
				row = append(row, cell(s.Primary[i]))
			} else {
				row = append(row, "")
			}
		}
		rows = append(rows, append(row, cell(s.Temperature)))
	}
	return rows
}

// xAt is the x value for column i, or its one-based index when the axis was
// not read back.
func (r *Result) xAt(i int) float64 {
	if i < len(r.X) {
		return r.X[i]
	}
	return float64(i + 1)
}

func cell(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// errRepetitionLength is returned by mean when repetitions disagree on
// length.
var errRepetitionLength = errors.New("repetitions differ in length")

// mean averages repetitions elementwise.
func mean(reps [][]float64) ([]float64, error) {
	if len(reps) == 0 {
		return nil, nil
	}
	n := len(reps[0])
	for _, r := range reps[1:] {
		if len(r) != n {
			return nil, fmt.Errorf("%w: %d and %d", errRepetitionLength, n, len(r))
		}
	}
	out := make([]float64, n)
	col := make(stats.Float64Data, len(reps))
	for j := range out {
		for i, r := range reps {
			col[i] = r[j]
		}
		m, err := stats.Mean(col)
		if err != nil {
			return nil, err
		}
		out[j] = m
	}
	return out, nil
}

// meanScalar averages the samples, returning 0 for none.
func meanScalar(xs []float64) float64 {
	m, err := stats.Mean(xs)
	if err != nil {
		return 0
	}
	return m
}
