// Package shutter drives the Arduino shutter: '0' opens, '1' closes and 'q'
// asks the sketch to identify itself.
package shutter

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Wire commands.
const (
	cmdOpen     = '0'
	cmdClose    = '1'
	cmdIdentify = 'q'
)

// State is the last commanded shutter position.
type State int

const (
	Unknown State = iota
	Opened
	Closed
)

func (s State) String() string {
	switch s {
	case Opened:
		return "open"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Shutter is a two-state actuator on a serial port. There is no position
// feedback: each move blocks for the settle time and is assumed complete.
type Shutter struct {
	port   io.ReadWriter
	settle time.Duration
	state  State
	log    zerolog.Logger
	sleep  func(time.Duration)
}

// Option configures a Shutter.
type Option func(*Shutter)

// WithSettle sets the travel time waited after each move. The default is 1s.
func WithSettle(d time.Duration) Option { return func(s *Shutter) { s.settle = d } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Shutter) { s.log = l } }

// New wraps an open port.
func New(port io.ReadWriter, opts ...Option) *Shutter {
	s := &Shutter{
		port:   port,
		settle: time.Second,
		log:    zerolog.Nop(),
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open passes light.
func (s *Shutter) Open() error {
	return s.move(cmdOpen, Opened)
}

// Close blocks light.
func (s *Shutter) Close() error {
	return s.move(cmdClose, Closed)
}

func (s *Shutter) move(cmd byte, to State) error {
	if _, err := s.port.Write([]byte{cmd}); err != nil {
		return fmt.Errorf("shutter: writing %q: %w", cmd, err)
	}
	s.sleep(s.settle)
	s.state = to
	s.log.Debug().Stringer("state", to).Msg("shutter")
	return nil
}

// State reports the last commanded position.
func (s *Shutter) State() State { return s.state }

// Identify sends 'q' and reports whether the reply mentions "Shutter". The
// sketch may not answer at all; that is reported as false, not as an error.
func (s *Shutter) Identify() bool {
	if _, err := s.port.Write([]byte{cmdIdentify}); err != nil {
		s.log.Warn().Err(err).Msg("shutter identify")
		return false
	}
	buf := make([]byte, 64)
	n, err := s.port.Read(buf)
	if n == 0 {
		if err != nil && err != io.EOF {
			s.log.Debug().Err(err).Msg("shutter identify")
		}
		return false
	}
	ok := bytes.Contains(buf[:n], []byte("Shutter"))
	s.log.Debug().Bytes("reply", bytes.TrimSpace(buf[:n])).Bool("ok", ok).Msg("shutter identify")
	return ok
}

// Shutdown releases the port. The shutter stays where it was last put.
func (s *Shutter) Shutdown() error {
	if c, ok := s.port.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
