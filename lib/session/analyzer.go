package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RPM modes for the 4225-RPM pre-amplifiers.
const (
	RPMPulse = iota
	RPMCVU2Wire
	RPMCVU4Wire
	RPMSMU
)

// Axis readbacks on the impedance side.
const (
	AxisVolts     = ":CVU:DATA:VOLT?"
	AxisFrequency = ":CVU:DATA:FREQ?"
	AxisStatus    = ":CVU:DATA:STATUS?"
	AxisTime      = ":CVU:DATA:TSTAMP?"

	// AxisSourceVolts reads the source-measure voltage channel.
	AxisSourceVolts = "DO 'VA'"
)

// Analyzer is a 4200-SCS in KXCI mode. The impedance (CVU) and
// source-measure dialects share the session.
type Analyzer struct {
	*Session
}

// NewAnalyzer wraps a verified session.
func NewAnalyzer(s *Session) *Analyzer { return &Analyzer{Session: s} }

// Init clears the instrument, turns on completion signalling and, when rpm is
// set, switches both pre-amplifier channels to mode before clearing the
// buffer.
func (a *Analyzer) Init(ctx context.Context, rpm bool, mode int) error {
	if err := a.Clear(); err != nil {
		return &ConfigError{Instrument: a.Name(), Op: "clear", Err: err}
	}
	if err := a.Command("DR1"); err != nil {
		return &ConfigError{Instrument: a.Name(), Op: "DR1", Err: err}
	}
	if rpm {
		if err := a.Command("UL"); err != nil {
			return &ConfigError{Instrument: a.Name(), Op: "UL", Err: err}
		}
		for ch := 1; ch <= 2; ch++ {
			if err := a.CommandRetry(ctx, fmt.Sprintf("EX pmuulib kxci_rpm_switch(%d,%d)", ch, mode)); err != nil {
				return err
			}
		}
	}
	if err := a.Command("BC"); err != nil {
		return &ConfigError{Instrument: a.Name(), Op: "BC", Err: err}
	}
	return nil
}

// Configure pushes a mode command list in order.
func (a *Analyzer) Configure(cmds []string) error {
	for _, c := range cmds {
		if err := a.Command(c); err != nil {
			return &ConfigError{Instrument: a.Name(), Op: c, Err: err}
		}
	}
	return nil
}

// RunSweep starts the configured impedance sweep and waits for it.
func (a *Analyzer) RunSweep(ctx context.Context, timeout time.Duration) error {
	return a.Trigger(ctx, ":CVU:TEST:RUN", timeout)
}

// ReadImpedance reads the last sweep as primary/secondary pairs.
func (a *Analyzer) ReadImpedance() (primary, secondary []float64, err error) {
	const cmd = ":CVU:DATA:Z?"
	reply, err := a.Read(cmd)
	if err != nil {
		return nil, nil, err
	}
	primary, secondary, err = ParseImpedance(reply)
	return primary, secondary, tagCmd(err, cmd)
}

// MeasureImpedance takes one impedance reading at the present DC level
// without running a sweep.
func (a *Analyzer) MeasureImpedance() (primary, secondary float64, err error) {
	const cmd = ":CVU:MEASZ?"
	reply, err := a.Read(cmd)
	if err != nil {
		return 0, 0, err
	}
	p, s, err := ParseImpedance(reply)
	if err != nil {
		return 0, 0, tagCmd(err, cmd)
	}
	return p[0], s[0], nil
}

// ReadAxis reads one of the Axis* vectors.
func (a *Analyzer) ReadAxis(cmd string) ([]float64, error) {
	reply, err := a.Read(cmd)
	if err != nil {
		return nil, err
	}
	var x []float64
	if cmd == AxisSourceVolts {
		x, err = ParseSourceMeasure(reply)
	} else {
		x, err = ParseList(reply)
	}
	return x, tagCmd(err, cmd)
}

// RunIV runs the configured source-measure sweep and waits for it.
func (a *Analyzer) RunIV(ctx context.Context, timeout time.Duration) error {
	return a.Trigger(ctx, "ME1", timeout)
}

// ReadCurrent reads the source-measure current channel.
func (a *Analyzer) ReadCurrent() ([]float64, error) {
	const cmd = "DO 'IA'"
	reply, err := a.Read(cmd)
	if err != nil {
		return nil, err
	}
	i, err := ParseSourceMeasure(reply)
	return i, tagCmd(err, cmd)
}

func tagCmd(err error, cmd string) error {
	var de *DataError
	if errors.As(err, &de) {
		de.Cmd = cmd
	}
	return err
}
