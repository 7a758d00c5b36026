package connutil

import (
	"fmt"
	"time"

	"github.com/gotmc/specsweep"
	"github.com/gotmc/specsweep/lib/cm110"
	"github.com/gotmc/specsweep/lib/find"
	"github.com/gotmc/specsweep/lib/gpib"
	"github.com/gotmc/specsweep/lib/session"
	"github.com/gotmc/specsweep/lib/shutter"
	"github.com/rs/zerolog"
	"go.bug.st/serial"
	"go.uber.org/multierr"
)

// OpenFunc opens a serial port. serial.Open is the default.
type OpenFunc func(name string, mode *serial.Mode) (serial.Port, error)

// Station opens the instruments described by a Config. The GPIB adapter
// port is opened once, on first use, and shared by every GPIB instrument.
type Station struct {
	cfg   *Config
	log   zerolog.Logger
	open  OpenFunc
	find  func(find.FilterFn) (string, error)
	sleep func(time.Duration)

	gpibPort serial.Port
	ctrl     *gpib.Controller
}

var _ specsweep.Station = (*Station)(nil)

// StationOption configures a Station.
type StationOption func(*Station)

// WithLogger sets the logger handed to every instrument.
func WithLogger(l zerolog.Logger) StationOption { return func(s *Station) { s.log = l } }

// WithOpener replaces serial.Open.
func WithOpener(f OpenFunc) StationOption { return func(s *Station) { s.open = f } }

// NewStation returns a station; nothing is opened yet.
func NewStation(cfg *Config, opts ...StationOption) *Station {
	s := &Station{
		cfg:   cfg,
		log:   zerolog.Nop(),
		open:  serial.Open,
		find:  find.Find,
		sleep: time.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Station) controller(addr int) (*gpib.Controller, error) {
	if s.ctrl != nil {
		return s.ctrl.At(addr)
	}
	c := s.cfg.GPIB
	port, err := s.open(c.Port, &serial.Mode{BaudRate: c.Baud})
	if err != nil {
		return nil, fmt.Errorf("opening GPIB adapter %s: %w", c.Port, err)
	}
	opts := []gpib.ControllerOption{
		gpib.WithLogger(s.log),
		gpib.WithReadTimeout(c.ReadTimeout),
		gpib.WithWriteDelay(c.WriteDelay),
		gpib.WithSRQPollInterval(c.SRQPoll),
	}
	if c.AR488 {
		opts = append(opts, gpib.WithAR488())
	}
	// The adapter's own read_tmo_ms bounds each GPIB read; the port timeout
	// only has to outlast it.
	if err := port.SetReadTimeout(c.ReadTimeout + time.Second); err != nil {
		return nil, multierr.Append(fmt.Errorf("GPIB adapter read timeout: %w", err), port.Close())
	}
	ctrl, err := gpib.NewController(port, addr, false, opts...)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("configuring GPIB adapter: %w", err), port.Close())
	}
	s.gpibPort, s.ctrl = port, ctrl
	s.log.Info().Str("port", c.Port).Bool("ar488", c.AR488).Msg("GPIB adapter ready")
	return ctrl, nil
}

func (s *Station) session(addr int, id session.Identity) (*session.Session, error) {
	ctrl, err := s.controller(addr)
	if err != nil {
		return nil, &session.ConfigError{Instrument: id.Name, Op: "connect", Err: err}
	}
	return session.Open(ctrl, id,
		session.WithLogger(s.log),
		session.WithSRQTimeout(s.cfg.Session.SRQTimeout),
		session.WithRetries(s.cfg.Session.Retries),
	)
}

// OpenAnalyzer verifies the 4200-SCS.
func (s *Station) OpenAnalyzer() (specsweep.Analyzer, error) {
	sess, err := s.session(s.cfg.GPIB.Analyzer, session.KI4200)
	if err != nil {
		return nil, err
	}
	return session.NewAnalyzer(sess), nil
}

// OpenThermometer verifies the LS331.
func (s *Station) OpenThermometer() (specsweep.Thermometer, error) {
	sess, err := s.session(s.cfg.GPIB.Thermometer, session.LS331)
	if err != nil {
		return nil, err
	}
	t := session.NewThermometer(sess)
	if in := s.cfg.GPIB.ThermometerInput; in != "" {
		t = t.WithInput(in)
	}
	return t, nil
}

// OpenLockIn verifies the 5302.
func (s *Station) OpenLockIn() (specsweep.LockIn, error) {
	sess, err := s.session(s.cfg.GPIB.LockIn, session.EGG5302)
	if err != nil {
		return nil, err
	}
	return session.NewLockIn(sess), nil
}

// OpenMonochromator opens the CM110 at 8N1. Without a configured port the
// first FTDI adapter is used.
func (s *Station) OpenMonochromator() (specsweep.Monochromator, error) {
	port, err := s.serialPort("CM110", s.cfg.Mono, find.FTDIFilter)
	if err != nil {
		return nil, err
	}
	return cm110.New(port,
		cm110.WithByteDelay(s.cfg.ByteDelay),
		cm110.WithSettle(s.cfg.Mono.Settle),
		cm110.WithLogger(s.log),
	), nil
}

// OpenShutter opens the Arduino shutter. Opening the port resets the
// board, so the boot time is waited out and whatever the sketch printed
// while starting is discarded before it is asked to identify itself.
func (s *Station) OpenShutter() (specsweep.Shutter, error) {
	port, err := s.serialPort("shutter", s.cfg.Shutter, find.ArduinoFilter)
	if err != nil {
		return nil, err
	}
	s.sleep(s.cfg.Boot)
	if err := port.ResetInputBuffer(); err != nil {
		s.log.Warn().Err(err).Msg("shutter: flushing boot output")
	}
	sh := shutter.New(port, shutter.WithSettle(s.cfg.Shutter.Settle), shutter.WithLogger(s.log))
	if !sh.Identify() {
		s.log.Warn().Msg("shutter did not identify itself; continuing")
	}
	return sh, nil
}

func (s *Station) serialPort(name string, dev SerialDevice, filter find.FilterFn) (serial.Port, error) {
	path := dev.Port
	if path == "" {
		p, err := s.find(filter)
		if err != nil {
			return nil, &session.ConfigError{Instrument: name, Op: "locate", Err: err}
		}
		path = p
		s.log.Info().Str("instrument", name).Str("port", path).Msg("port located")
	}
	port, err := s.open(path, &serial.Mode{
		BaudRate: dev.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, &session.ConfigError{Instrument: name, Op: "open " + path, Err: err}
	}
	if err := port.SetReadTimeout(time.Second); err != nil {
		return nil, &session.ConfigError{Instrument: name, Op: "open " + path, Err: multierr.Append(err, port.Close())}
	}
	return port, nil
}

// Close releases the GPIB adapter. Instrument handles are closed by their
// owners first.
func (s *Station) Close() error {
	if s.gpibPort == nil {
		return nil
	}
	err := s.gpibPort.ResetOutputBuffer()
	err = multierr.Append(err, s.gpibPort.Close())
	s.gpibPort, s.ctrl = nil, nil
	return err
}
