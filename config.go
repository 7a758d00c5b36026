// Copyright (c) 2020–2026 The specsweep developers. All rights reserved.
// Project site: https://github.com/gotmc/specsweep
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package specsweep

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrInvalidConfig is wrapped by every TestConfiguration validation
	// failure.
	ErrInvalidConfig = errors.New("invalid test configuration")
	// ErrRange is wrapped when a start/end/step range cannot be walked.
	ErrRange = errors.New("invalid range")
)

// Mode selects the electrical measurement.
type Mode int

const (
	ModeCV Mode = iota + 1 // capacitance-voltage
	ModeCF                 // capacitance-frequency
	ModeIV                 // current-voltage
)

// ParseMode accepts "cv", "cf" or "iv" in any case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cv":
		return ModeCV, nil
	case "cf":
		return ModeCF, nil
	case "iv":
		return ModeIV, nil
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, s)
}

func (m Mode) String() string {
	switch m {
	case ModeCV:
		return "CV"
	case ModeCF:
		return "CF"
	case ModeIV:
		return "IV"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Range is an inclusive start/end/step walk.
type Range struct {
	Start float64 `yaml:"start"`
	End   float64 `yaml:"end"`
	Step  float64 `yaml:"step"`
}

// Normalize returns r with the step sign matched to the direction of travel.
// A step larger than the span, or a zero step over a non-empty span, is an
// ErrRange. Start == End with a zero step is a single point.
func (r Range) Normalize() (Range, error) {
	span := r.End - r.Start
	if span == 0 && r.Step == 0 {
		return r, nil
	}
	if r.Step == 0 {
		return r, fmt.Errorf("%w: zero step from %g to %g", ErrRange, r.Start, r.End)
	}
	if math.Abs(r.Step) > math.Abs(span) {
		return r, fmt.Errorf("%w: step %g exceeds span %g to %g", ErrRange, r.Step, r.Start, r.End)
	}
	if (span > 0) != (r.Step > 0) {
		r.Step = -r.Step
	}
	return r, nil
}

// Len returns the number of points of a normalized range.
func (r Range) Len() int {
	if r.Step == 0 {
		return 1
	}
	// tolerate the last point landing a hair past End
	n := (r.End - r.Start) / r.Step
	return int(math.Floor(n+1e-9)) + 1
}

// Points lists the points of a normalized range. Each point is computed
// from its index so rounding does not accumulate.
func (r Range) Points() []float64 {
	n := r.Len()
	pts := make([]float64, n)
	for i := range pts {
		pts[i] = r.Start + float64(i)*r.Step
	}
	return pts
}

func (r Range) String() string {
	return fmt.Sprintf("%g:%g:%g", r.Start, r.End, r.Step)
}

// ShutterPolicy says when the shutter brackets a grating move.
type ShutterPolicy int

const (
	// ShutterAuto closes the shutter around moves whose settle time exceeds
	// ShutterSettleThreshold.
	ShutterAuto ShutterPolicy = iota
	ShutterAlways
	ShutterNever
)

// ShutterSettleThreshold is the settle time above which ShutterAuto closes
// the shutter during a move.
const ShutterSettleThreshold = 500 * time.Millisecond

// ParseShutterPolicy accepts "auto", "always" or "never".
func ParseShutterPolicy(s string) (ShutterPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ShutterAuto, nil
	case "always":
		return ShutterAlways, nil
	case "never":
		return ShutterNever, nil
	}
	return 0, fmt.Errorf("%w: unknown shutter policy %q", ErrInvalidConfig, s)
}

func (p ShutterPolicy) String() string {
	switch p {
	case ShutterAuto:
		return "auto"
	case ShutterAlways:
		return "always"
	case ShutterNever:
		return "never"
	}
	return fmt.Sprintf("ShutterPolicy(%d)", int(p))
}

// Brackets reports whether the shutter is closed for a move followed by
// settle.
func (p ShutterPolicy) Brackets(settle time.Duration) bool {
	switch p {
	case ShutterAlways:
		return true
	case ShutterNever:
		return false
	}
	return settle > ShutterSettleThreshold
}

// Compensation selects the open, short and load corrections.
type Compensation struct {
	Open  bool `yaml:"open"`
	Short bool `yaml:"short"`
	Load  bool `yaml:"load"`
}

// Impedance models, in analyzer order.
var models = []string{"z-theta", "r+jx", "cp-gp", "cs-rs", "cp-d", "cs-d"}

var (
	aczRanges    = []string{"0", "1E-6", "30E-6", "1E-3"}
	cableLengths = []string{"0", "1.5", "3"}
)

// Defaults.
const (
	DefaultRepetitions = 3
	DefaultModel       = 2 // cp-gp
	DefaultFrequency   = 1e6
)

// TestConfiguration describes one run. Build it with DefaultConfiguration,
// adjust it, and hand it to New, which keeps the validated copy.
type TestConfiguration struct {
	Name string `yaml:"name"`
	Mode Mode   `yaml:"mode"`

	// Electrical axis. Voltage is the CV or IV sweep; a CV run without it
	// measures a single point at BiasVoltage. CF sweeps FrequencyRange (the
	// step is ignored by the analyzer) at BiasVoltage.
	Voltage        *Range  `yaml:"voltage,omitempty"`
	BiasVoltage    float64 `yaml:"bias_voltage"`
	Frequency      float64 `yaml:"frequency"`
	FrequencyRange *Range  `yaml:"frequency_range,omitempty"`

	// Impedance settings.
	ACVoltage    float64       `yaml:"ac_voltage"`
	ACZRange     string        `yaml:"acz_range"`
	Model        int           `yaml:"model"`
	Speed        int           `yaml:"speed"`
	CableLength  string        `yaml:"cable_length"`
	Compensation Compensation  `yaml:"compensation"`
	DCSoak       float64       `yaml:"dc_soak"`
	SweepDelay   time.Duration `yaml:"sweep_delay"`

	// Source-measure settings.
	Compliance       float64 `yaml:"compliance"`
	IntegrationSpeed int     `yaml:"integration_speed"`

	Repetitions int           `yaml:"repetitions"`
	Settle      time.Duration `yaml:"settle"`

	// Optics, in tenths of a nanometre.
	Wavelength       *Range        `yaml:"wavelength,omitempty"`
	SingleWavelength int           `yaml:"single_wavelength"`
	Shutter          ShutterPolicy `yaml:"shutter"`

	// TriggerTimeout bounds each measurement trigger; zero waits forever.
	TriggerTimeout time.Duration `yaml:"trigger_timeout"`
	// RPM switches the 4225-RPM pre-amplifiers during analyzer init.
	RPM bool `yaml:"rpm"`
}

// DefaultConfiguration returns a CV configuration with the analyzer's usual
// settings.
func DefaultConfiguration() TestConfiguration {
	return TestConfiguration{
		Mode:             ModeCV,
		Frequency:        DefaultFrequency,
		ACVoltage:        0.03,
		ACZRange:         "0",
		Model:            DefaultModel,
		Speed:            1,
		CableLength:      "1.5",
		Compliance:       0.01,
		IntegrationSpeed: 2,
		Repetitions:      DefaultRepetitions,
		TriggerTimeout:   time.Minute,
	}
}

// SweepsVoltage reports whether the analyzer runs a voltage sweep.
func (c TestConfiguration) SweepsVoltage() bool {
	return (c.Mode == ModeCV || c.Mode == ModeIV) && c.Voltage != nil
}

// Optics reports whether the monochromator and shutter are used.
func (c TestConfiguration) Optics() bool {
	return c.Wavelength != nil || c.SingleWavelength > 0
}

// Validate checks c and returns a normalized copy. A zero Repetitions takes
// the default.
func (c TestConfiguration) Validate() (TestConfiguration, error) {
	v := c
	v.Voltage = copyRange(c.Voltage)
	v.FrequencyRange = copyRange(c.FrequencyRange)
	v.Wavelength = copyRange(c.Wavelength)

	invalid := func(format string, a ...any) (TestConfiguration, error) {
		return c, fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, a...))
	}

	switch v.Mode {
	case ModeCV:
		if v.Frequency <= 0 {
			return invalid("CV frequency %g", v.Frequency)
		}
	case ModeCF:
		f := v.FrequencyRange
		if f == nil {
			return invalid("CF needs a frequency range")
		}
		if f.Start <= 0 || f.End <= 0 || f.Start == f.End {
			return invalid("CF frequency range %s", f)
		}
	case ModeIV:
		if v.Voltage == nil {
			return invalid("IV needs a voltage range")
		}
		if v.Compliance <= 0 {
			return invalid("IV compliance %g", v.Compliance)
		}
		if v.IntegrationSpeed < 1 || v.IntegrationSpeed > 3 {
			return invalid("integration speed %d", v.IntegrationSpeed)
		}
	default:
		return invalid("mode %s", v.Mode)
	}

	if v.Mode != ModeIV {
		if v.ACVoltage < 0 || v.ACVoltage > 0.1 {
			return invalid("AC voltage %g outside 0 to 0.1", v.ACVoltage)
		}
		if !oneOf(v.ACZRange, aczRanges) {
			return invalid("ACZ range %q", v.ACZRange)
		}
		if v.Model < 0 || v.Model >= len(models) {
			return invalid("model %d", v.Model)
		}
		if v.Speed < 0 || v.Speed > 2 {
			return invalid("speed %d", v.Speed)
		}
		if !oneOf(v.CableLength, cableLengths) {
			return invalid("cable length %q", v.CableLength)
		}
	}

	if v.Voltage != nil {
		r, err := v.Voltage.Normalize()
		if err != nil {
			return c, fmt.Errorf("%w: voltage: %w", ErrInvalidConfig, err)
		}
		*v.Voltage = r
	}

	switch {
	case v.Repetitions == 0:
		v.Repetitions = DefaultRepetitions
	case v.Repetitions < 0:
		return invalid("repetitions %d", v.Repetitions)
	}
	if v.Settle < 0 || v.SweepDelay < 0 || v.TriggerTimeout < 0 {
		return invalid("negative delay")
	}

	if v.Wavelength != nil {
		if v.SingleWavelength != 0 {
			return invalid("both a wavelength range and a single wavelength")
		}
		r, err := v.Wavelength.Normalize()
		if err != nil {
			return c, fmt.Errorf("%w: wavelength: %w", ErrInvalidConfig, err)
		}
		lo, hi := math.Min(r.Start, r.End), math.Max(r.Start, r.End)
		if lo < 0 || hi > math.MaxUint16 {
			return invalid("wavelength range %s outside 0 to %d", r, math.MaxUint16)
		}
		*v.Wavelength = r
	}
	if v.SingleWavelength < 0 || v.SingleWavelength > math.MaxUint16 {
		return invalid("wavelength %d", v.SingleWavelength)
	}
	if v.Shutter < ShutterAuto || v.Shutter > ShutterNever {
		return invalid("shutter policy %d", v.Shutter)
	}
	return v, nil
}

func copyRange(r *Range) *Range {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

func oneOf(s string, set []string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
