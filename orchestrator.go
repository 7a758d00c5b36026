// Copyright (c) 2020–2026 The specsweep developers. All rights reserved.
// Project site: https://github.com/gotmc/specsweep
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package specsweep runs spectrally resolved CV, CF and IV sweeps: a
// 4200-SCS parameter analyzer measures at every wavelength a CM110
// monochromator is stepped through, with an Arduino shutter guarding the
// sample during grating moves and a temperature controller and lock-in
// amplifier sampled alongside.
//
// An Orchestrator owns every instrument for one run. It is strictly
// sequential: configuration finishes before the first grating move, and
// each repetition blocks on the analyzer.
package specsweep

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/gotmc/specsweep/lib/session"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// ErrAlreadyRun is returned by a second call to Run.
var ErrAlreadyRun = errors.New("orchestrator already ran")

// Analyzer is the parameter analyzer as the orchestrator drives it.
// *session.Analyzer satisfies it.
type Analyzer interface {
	Init(ctx context.Context, rpm bool, rpmMode int) error
	Configure(cmds []string) error
	RunSweep(ctx context.Context, timeout time.Duration) error
	ReadImpedance() (primary, secondary []float64, err error)
	MeasureImpedance() (primary, secondary float64, err error)
	ReadAxis(cmd string) ([]float64, error)
	RunIV(ctx context.Context, timeout time.Duration) error
	ReadCurrent() ([]float64, error)
	Close() error
}

// Thermometer reads the sample temperature.
type Thermometer interface {
	Temperature() (float64, error)
	Close() error
}

// LockIn reads the lock-in outputs.
type LockIn interface {
	Sample() (session.LockInReading, error)
	Close() error
}

// Monochromator moves the grating. Positions are tenths of a nanometre.
type Monochromator interface {
	Goto(tenths int) error
	Close() error
}

// Shutter passes or blocks light.
type Shutter interface {
	Open() error
	Close() error
	Shutdown() error
}

// Station opens the instruments of one bench. Each call returns a fresh,
// verified handle that the caller owns.
type Station interface {
	OpenAnalyzer() (Analyzer, error)
	OpenThermometer() (Thermometer, error)
	OpenLockIn() (LockIn, error)
	OpenMonochromator() (Monochromator, error)
	OpenShutter() (Shutter, error)
}

// Sink receives the completed result.
type Sink interface {
	Save(ctx context.Context, r *Result) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r *Result) error

func (f SinkFunc) Save(ctx context.Context, r *Result) error { return f(ctx, r) }

// Monitor is told about every step as it completes, for live plots.
type Monitor interface {
	StepDone(r *Result, s Step)
}

// MonitorFunc adapts a function to Monitor.
type MonitorFunc func(r *Result, s Step)

func (f MonitorFunc) StepDone(r *Result, s Step) { f(r, s) }

// State is the orchestrator's position in a run.
type State int

const (
	StateIdle State = iota
	StateConfiguring
	StateWavelengthLoop
	StateRepetitionLoop
	StateMeasuring
	StateFinalizing
	StateDone
	StateFatal
)

var stateNames = [...]string{
	"idle", "configuring", "wavelength-loop", "repetition-loop",
	"measuring", "finalizing", "done", "fatal",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Orchestrator runs one sweep.
type Orchestrator struct {
	cfg      TestConfiguration
	station  Station
	sinks    []Sink
	monitors []Monitor
	log      zerolog.Logger
	sleep    func(time.Duration)
	now      func() time.Time

	state State
	ran   bool

	analyzer Analyzer
	thermo   Thermometer
	lockin   LockIn
	mono     Monochromator
	shutter  Shutter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithSink adds a result sink. Sinks run in the order added.
func WithSink(s Sink) Option { return func(o *Orchestrator) { o.sinks = append(o.sinks, s) } }

// WithMonitor adds a step monitor.
func WithMonitor(m Monitor) Option {
	return func(o *Orchestrator) { o.monitors = append(o.monitors, m) }
}

// New validates cfg and returns an orchestrator that will run it on st.
func New(cfg TestConfiguration, st Station, opts ...Option) (*Orchestrator, error) {
	v, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:     v,
		station: st,
		log:     zerolog.Nop(),
		sleep:   time.Sleep,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Config returns the validated configuration.
func (o *Orchestrator) Config() TestConfiguration { return o.cfg }

// State returns the current state.
func (o *Orchestrator) State() State { return o.state }

func (o *Orchestrator) enter(s State) {
	if o.state != s {
		o.log.Debug().Stringer("from", o.state).Stringer("to", s).Msg("state")
	}
	o.state = s
}

// Run performs the sweep. On a fatal error every instrument opened so far is
// closed and the error returned with any close failures attached. When the
// sweep completes but a sink fails, the result is returned together with the
// sink errors.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	if o.ran {
		return nil, ErrAlreadyRun
	}
	o.ran = true

	res := &Result{
		RunID:   uuid.New(),
		Name:    o.cfg.Name,
		Mode:    o.cfg.Mode,
		Started: o.now(),
		Ranged:  o.cfg.Wavelength != nil,
	}
	o.log = o.log.With().Str("run", res.RunID.String()).Logger()
	o.log.Info().Stringer("mode", o.cfg.Mode).Str("name", o.cfg.Name).Msg("starting sweep")

	o.enter(StateConfiguring)
	if err := o.configure(ctx); err != nil {
		return nil, o.fail(err)
	}

	positions := []float64{float64(o.cfg.SingleWavelength)}
	if o.cfg.Wavelength != nil {
		positions = o.cfg.Wavelength.Points()
	}
	for i, wl := range positions {
		if err := ctx.Err(); err != nil {
			return nil, o.fail(err)
		}
		o.enter(StateWavelengthLoop)
		if o.cfg.Wavelength != nil {
			if err := o.move(wl); err != nil {
				return nil, o.fail(err)
			}
		} else if o.cfg.SingleWavelength == 0 {
			wl = float64(i)
		}
		step, err := o.repeat(ctx)
		if err != nil {
			return nil, o.fail(err)
		}
		step.Wavelength = wl
		res.Append(step)
		o.notify(res, res.Steps[len(res.Steps)-1])
	}

	o.enter(StateFinalizing)
	if err := o.closeOptics(); err != nil {
		o.log.Warn().Err(err).Msg("closing optics")
	}
	o.readAxis(res)
	if err := o.closeAll(); err != nil {
		o.log.Warn().Err(err).Msg("closing instruments")
	}
	res.Finished = o.now()

	var sinkErr error
	for _, s := range o.sinks {
		sinkErr = multierr.Append(sinkErr, s.Save(ctx, res))
	}
	o.enter(StateDone)
	o.log.Info().Int("steps", len(res.Steps)).Dur("took", res.Finished.Sub(res.Started)).Msg("sweep done")
	return res, sinkErr
}

func (o *Orchestrator) configure(ctx context.Context) error {
	a, err := o.station.OpenAnalyzer()
	if err != nil {
		return err
	}
	o.analyzer = a

	mode := session.RPMCVU2Wire
	if o.cfg.Mode == ModeIV {
		mode = session.RPMSMU
	}
	if err := a.Init(ctx, o.cfg.RPM, mode); err != nil {
		return err
	}
	if err := a.Configure(Commands(o.cfg)); err != nil {
		return err
	}

	if o.cfg.Wavelength != nil {
		th, err := o.station.OpenThermometer()
		if err != nil {
			return err
		}
		o.thermo = th
		li, err := o.station.OpenLockIn()
		if err != nil {
			return err
		}
		o.lockin = li
	}
	if !o.cfg.Optics() {
		return nil
	}
	m, err := o.station.OpenMonochromator()
	if err != nil {
		return err
	}
	o.mono = m
	sh, err := o.station.OpenShutter()
	if err != nil {
		return err
	}
	o.shutter = sh
	if o.cfg.SingleWavelength > 0 {
		if err := o.mono.Goto(o.cfg.SingleWavelength); err != nil {
			return err
		}
		o.sleep(o.cfg.Settle)
	}
	return o.shutter.Open()
}

// move steps the grating, bracketing the move with the shutter when the
// policy asks for it. The monochromator gives no arrival feedback; the
// settle time is all there is.
func (o *Orchestrator) move(wl float64) error {
	bracket := o.cfg.Shutter.Brackets(o.cfg.Settle)
	if bracket {
		if err := o.shutter.Close(); err != nil {
			return err
		}
	}
	if err := o.mono.Goto(int(math.Round(wl))); err != nil {
		return err
	}
	o.sleep(o.cfg.Settle)
	if bracket {
		if err := o.shutter.Open(); err != nil {
			return err
		}
	}
	o.log.Debug().Float64("wavelength", wl).Bool("bracketed", bracket).Msg("moved")
	return nil
}

// repeat runs the repetition loop for one wavelength and averages it.
func (o *Orchestrator) repeat(ctx context.Context) (Step, error) {
	var (
		step       Step
		secondary  [][]float64
		temps      []float64
		readings   []session.LockInReading
		dataErrors int
	)
	for rep := 0; rep < o.cfg.Repetitions; rep++ {
		o.enter(StateRepetitionLoop)
		if o.thermo != nil {
			t, err := o.thermo.Temperature()
			if err != nil {
				step.Quality |= QualityTemperatureMissing
				o.log.Warn().Err(err).Int("rep", rep).Msg("temperature unavailable")
			} else {
				temps = append(temps, t)
			}
		}
		if o.lockin != nil {
			r, err := o.lockin.Sample()
			if err != nil {
				step.Quality |= QualityLockInMissing
				o.log.Warn().Err(err).Int("rep", rep).Msg("lock-in unavailable")
			} else {
				readings = append(readings, r)
			}
		}

		o.enter(StateMeasuring)
		p, s, err := o.measure(ctx)
		var de *session.DataError
		switch {
		case errors.As(err, &de):
			dataErrors++
			step.Errors = append(step.Errors, err)
			o.log.Warn().Err(err).Int("rep", rep).Msg("dropping repetition")
			continue
		case err != nil:
			return step, err
		}
		step.Raw = append(step.Raw, p)
		if s != nil {
			secondary = append(secondary, s)
		}
	}

	switch {
	case dataErrors == o.cfg.Repetitions:
		step.Quality |= QualityNoData
	case dataErrors > 0:
		step.Quality |= QualityPartialData
	}
	var err error
	if step.Primary, err = mean(step.Raw); err != nil {
		step.Quality |= QualityNoData
		step.Errors = append(step.Errors, err)
	}
	if len(secondary) > 0 {
		if step.Secondary, err = mean(secondary); err != nil {
			step.Errors = append(step.Errors, err)
		}
	}

	if o.thermo != nil {
		step.Temperature = meanScalar(temps)
	}
	if o.lockin != nil {
		var f, m, p []float64
		for _, r := range readings {
			f = append(f, r.Frequency)
			m = append(m, r.Magnitude)
			p = append(p, r.Phase)
		}
		step.LockIn = session.LockInReading{Frequency: meanScalar(f), Magnitude: meanScalar(m), Phase: meanScalar(p)}
	}
	return step, nil
}

// measure performs one trigger and readback for the configured mode.
func (o *Orchestrator) measure(ctx context.Context) (primary, secondary []float64, err error) {
	a := o.analyzer
	switch {
	case o.cfg.Mode == ModeIV:
		if err := a.RunIV(ctx, o.cfg.TriggerTimeout); err != nil {
			return nil, nil, err
		}
		i, err := a.ReadCurrent()
		return i, nil, err
	case o.cfg.Mode == ModeCV && o.cfg.Voltage == nil:
		p, s, err := a.MeasureImpedance()
		if err != nil {
			return nil, nil, err
		}
		return []float64{p}, []float64{s}, nil
	default:
		if err := a.RunSweep(ctx, o.cfg.TriggerTimeout); err != nil {
			return nil, nil, err
		}
		return a.ReadImpedance()
	}
}

// readAxis reads the electrical x-axis once. A failed readback falls back to
// the configured points.
func (o *Orchestrator) readAxis(res *Result) {
	var cmd string
	switch {
	case o.cfg.Mode == ModeCF:
		res.Axis, cmd = AxisFrequency, session.AxisFrequency
	case o.cfg.Mode == ModeIV:
		res.Axis, cmd = AxisVoltage, session.AxisSourceVolts
	case o.cfg.Voltage != nil:
		res.Axis, cmd = AxisVoltage, session.AxisVolts
	default:
		res.Axis, res.X = AxisVoltage, []float64{o.cfg.BiasVoltage}
		return
	}
	x, err := o.analyzer.ReadAxis(cmd)
	if err == nil {
		res.X = x
		return
	}
	o.log.Warn().Err(err).Str("cmd", cmd).Msg("axis readback failed")
	if o.cfg.Voltage != nil {
		res.X = o.cfg.Voltage.Points()
	}
}

func (o *Orchestrator) notify(res *Result, s Step) {
	for _, m := range o.monitors {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.log.Error().Interface("panic", r).Int("step", s.Index).Msg("monitor")
				}
			}()
			m.StepDone(res, s)
		}()
	}
}

// fail closes everything and enters the fatal state.
func (o *Orchestrator) fail(err error) error {
	o.log.Error().Err(err).Stringer("state", o.state).Msg("sweep aborted")
	err = multierr.Append(err, o.closeAll())
	o.enter(StateFatal)
	return err
}

// closeOptics releases the shutter and monochromator ports. Both stay where
// they were last put.
func (o *Orchestrator) closeOptics() error {
	var err error
	if o.shutter != nil {
		err = multierr.Append(err, o.shutter.Shutdown())
		o.shutter = nil
	}
	if o.mono != nil {
		err = multierr.Append(err, o.mono.Close())
		o.mono = nil
	}
	return err
}

// closeAll releases every open handle, optics first.
func (o *Orchestrator) closeAll() error {
	err := o.closeOptics()
	if o.lockin != nil {
		err = multierr.Append(err, o.lockin.Close())
		o.lockin = nil
	}
	if o.thermo != nil {
		err = multierr.Append(err, o.thermo.Close())
		o.thermo = nil
	}
	if o.analyzer != nil {
		err = multierr.Append(err, o.analyzer.Close())
		o.analyzer = nil
	}
	return err
}
