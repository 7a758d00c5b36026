// Copyright (c) 2020–2026 The specsweep developers. All rights reserved.
// Project site: https://github.com/gotmc/specsweep
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package gpib drives instruments through a Prologix-compatible USB/serial
// GPIB controller. Several instruments can share one adapter; each
// Controller re-addresses the bus before it talks.
package gpib

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrSRQTimeout is returned by WaitForSRQ when the service request line was
// not asserted before the timeout elapsed.
var ErrSRQTimeout = errors.New("gpib: service request timed out")

// ErrReadTimeout is returned when the adapter's port read timeout expires
// before the reply terminator arrives.
var ErrReadTimeout = errors.New("gpib: read timed out")

// timeoutReader reports a read that returned neither data nor an error as
// ErrReadTimeout. Serial ports with a read timeout return (0, nil) when it
// expires.
type timeoutReader struct{ r io.Reader }

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, ErrReadTimeout
	}
	return n, err
}

// bus is the adapter shared by every Controller created with At.
type bus struct {
	rw      io.ReadWriter
	rd      *bufio.Reader
	current string // last ++addr sent
}

func newBus(rw io.ReadWriter) *bus {
	return &bus{rw: rw, rd: bufio.NewReader(timeoutReader{rw})}
}

// readLine reads up to and including delim. On failure whatever is buffered
// or still pending on the port is dropped, so a late reply cannot be taken
// for the answer to the next query.
func (b *bus) readLine(delim byte) (string, error) {
	s, err := b.rd.ReadString(delim)
	if err == nil || errors.Is(err, io.EOF) {
		return s, nil
	}
	b.rd.Reset(timeoutReader{b.rw})
	if f, ok := b.rw.(interface{ ResetInputBuffer() error }); ok {
		err = errors.Join(err, f.ResetInputBuffer())
	}
	return s, err
}

// Controller models a GPIB controller-in-charge talking to one address.
type Controller struct {
	bus              *bus
	primaryAddr      int
	hasSecondaryAddr bool
	secondaryAddr    int
	auto             bool
	term             GpibTerm
	usbTerm          byte
	eotChar          byte
	readTimeout      time.Duration
	writeDelay       time.Duration
	srqPoll          time.Duration
	ar488            bool // compatibility with Arduino AR488 - see WithAR488 documentation for details.
	log              zerolog.Logger
	sleep            func(time.Duration)
}

// ControllerOption applies an option to the controller.
type ControllerOption func(*Controller)

// NewController creates a GPIB controller-in-charge at the given address
// using the adapter behind rw. Enable clear to send the Selected Device Clear
// (SDC) message to the GPIB address.
func NewController(
	rw io.ReadWriter,
	addr int,
	clear bool,
	opts ...ControllerOption,
) (*Controller, error) {
	c := Controller{
		bus:         newBus(rw),
		primaryAddr: addr,
		auto:        false,
		term:        AppendCRLF,
		usbTerm:     '\n',
		eotChar:     '\n',
		readTimeout: 500 * time.Millisecond,
		srqPoll:     50 * time.Millisecond,
		log:         zerolog.Nop(),
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	cmds := []string{}
	if !c.ar488 {
		cmds = append(cmds,
			"verbose 0", // turn off verbosity if on
			"savecfg 0", // Disable saving of configuration parameters in EPROM
		)
	}
	cmds = append(cmds,
		c.addrCmd(),
		"mode 1", // Switch to controller mode.
		"auto 0", // Turn off read-after-write and address instrument to listen.
		"eoi 1",  // Enable EOI assertion with last character.
		fmt.Sprintf("eos %d", c.term),
		fmt.Sprintf("read_tmo_ms %d", c.readTimeout.Milliseconds()),
		fmt.Sprintf("eot_char %d", c.eotChar),
		"eot_enable 1", // Append character when EOI detected.
	)
	if clear {
		cmds = append(cmds, "clr")
	}
	for _, cmd := range cmds {
		if err := c.CommandController(cmd); err != nil {
			return nil, err
		}
	}
	c.bus.current = c.addrCmd()
	return &c, nil
}

// At returns a controller for another instrument on the same adapter. The
// adapter configuration is not re-sent.
func (c *Controller) At(addr int, opts ...ControllerOption) (*Controller, error) {
	d := *c
	d.primaryAddr = addr
	d.hasSecondaryAddr = false
	for _, opt := range opts {
		opt(&d)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// WithSecondaryAddress sets a secondary address, which must be in the range of
// 96 and 126, inclusive.
func WithSecondaryAddress(addr int) ControllerOption {
	return func(c *Controller) {
		c.hasSecondaryAddr = true
		c.secondaryAddr = addr
	}
}

// WithLogger logs every controller command and instrument reply at debug
// level.
func WithLogger(l zerolog.Logger) ControllerOption { return func(c *Controller) { c.log = l } }

// WithAR488 slightly alters the init commands, for compatiblity with the
// Arduino-based AR488. Specifically, we do not emit 'verbose 0', nor do
// we toggle savecfg.
func WithAR488() ControllerOption { return func(c *Controller) { c.ar488 = true } }

// WithWriteDelay waits d before every write to the adapter. Some older
// instruments drop commands that arrive back to back.
func WithWriteDelay(d time.Duration) ControllerOption {
	return func(c *Controller) { c.writeDelay = d }
}

// WithReadTimeout sets the adapter's GPIB read timeout.
func WithReadTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) { c.readTimeout = d }
}

// WithSRQPollInterval sets how often WaitForSRQ samples the SRQ line.
func WithSRQPollInterval(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.srqPoll = d
		}
	}
}

// WithTermination sets the terminator the adapter appends to instrument
// commands.
func WithTermination(term GpibTerm) ControllerOption {
	return func(c *Controller) { c.term = term }
}

// Address returns the primary and secondary address. The secondary address
// is zero when none is set.
func (c *Controller) Address() (int, int) {
	if !c.hasSecondaryAddr {
		return c.primaryAddr, 0
	}
	return c.primaryAddr, c.secondaryAddr
}

// Write writes the given data to the instrument at the controller's address.
func (c *Controller) Write(p []byte) (n int, err error) {
	if err := c.selectAddr(); err != nil {
		return 0, err
	}
	return c.write(p)
}

// Read reads from the adapter into the given byte slice.
func (c *Controller) Read(p []byte) (n int, err error) {
	return c.bus.rd.Read(p)
}

// Command formats according to a format specifier if provided and sends a
// SCPI/ASCII command to the instrument. All leading and trailing whitespace
// is removed before appending the USB terminator.
func (c *Controller) Command(format string, a ...any) error {
	cmd := format
	if a != nil {
		cmd = fmt.Sprintf(format, a...)
	}
	if err := c.selectAddr(); err != nil {
		return err
	}
	cmd = strings.TrimSpace(cmd)
	c.log.Debug().Int("addr", c.primaryAddr).Str("cmd", cmd).Msg("command")
	_, err := c.write([]byte(fmt.Sprintf("%s%c", cmd, c.usbTerm)))
	return err
}

// Query sends cmd to the instrument and returns its reply, terminator
// included. When read-after-write is disabled the adapter is told to read
// until EOI.
func (c *Controller) Query(cmd string) (string, error) {
	if err := c.selectAddr(); err != nil {
		return "", err
	}
	cmd = strings.TrimSpace(cmd)
	c.log.Debug().Int("addr", c.primaryAddr).Str("cmd", cmd).Msg("query")
	if _, err := c.write([]byte(fmt.Sprintf("%s%c", cmd, c.usbTerm))); err != nil {
		return "", fmt.Errorf("error writing command: %w", err)
	}
	if !c.auto {
		readCmd := "++read eoi"
		if _, err := c.write([]byte(fmt.Sprintf("%s%c", readCmd, c.usbTerm))); err != nil {
			return "", fmt.Errorf("error sending `%s` command: %w", readCmd, err)
		}
	}
	s, err := c.bus.readLine(c.eotChar)
	if err != nil {
		c.log.Debug().Int("addr", c.primaryAddr).Err(err).Str("reply", s).Msg("reply")
		return "", fmt.Errorf("reading reply to %q: %w", cmd, err)
	}
	c.log.Debug().Int("addr", c.primaryAddr).Str("reply", s).Msg("reply")
	return s, nil
}

// QueryController sends the given command to the adapter itself and returns
// its response.
func (c *Controller) QueryController(cmd string) (string, error) {
	if err := c.CommandController(cmd); err != nil {
		return "", err
	}
	s, err := c.bus.readLine(c.eotChar)
	if err != nil {
		return "", fmt.Errorf("reading ++%s reply: %w", cmd, err)
	}
	c.log.Debug().Str("reply", s).Msg("controller reply")
	return s, nil
}

// CommandController sends the given command to the adapter. Two plus signs
// are prepended so the command is not transmitted over GPIB.
func (c *Controller) CommandController(cmd string) error {
	cmd = fmt.Sprintf("++%s", strings.ToLower(strings.TrimSpace(cmd)))
	c.log.Debug().Str("cmd", cmd).Msg("controller")
	_, err := c.write([]byte(fmt.Sprintf("%s%c", cmd, c.usbTerm)))
	return err
}

// ServiceRequest reports whether any device on the bus asserts SRQ.
func (c *Controller) ServiceRequest() (bool, error) {
	s, err := c.QueryController("srq")
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(s) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	}
	return false, fmt.Errorf("gpib: unexpected srq reply %q", s)
}

// SerialPoll serial polls the instrument, which also releases its service
// request, and returns the status byte.
func (c *Controller) SerialPoll() (byte, error) {
	cmd := fmt.Sprintf("spoll %d", c.primaryAddr)
	if c.hasSecondaryAddr {
		cmd = fmt.Sprintf("spoll %d %d", c.primaryAddr, c.secondaryAddr)
	}
	s, err := c.QueryController(cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || v < 0 || v > 255 {
		return 0, fmt.Errorf("gpib: bad serial poll reply %q", s)
	}
	return byte(v), nil
}

// WaitForSRQ blocks until SRQ is asserted or timeout elapses. A timeout of
// zero or less waits until ctx is done. The request is released with a
// serial poll before returning.
func (c *Controller) WaitForSRQ(ctx context.Context, timeout time.Duration) error {
	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for {
		srq, err := c.ServiceRequest()
		if err != nil {
			return err
		}
		if srq {
			stb, err := c.SerialPoll()
			if err != nil {
				return err
			}
			c.log.Debug().Int("addr", c.primaryAddr).Uint8("stb", stb).Msg("srq")
			return nil
		}
		select {
		case <-ctx.Done():
			if parent.Err() != nil {
				return parent.Err()
			}
			return fmt.Errorf("%w after %s", ErrSRQTimeout, timeout)
		case <-time.After(c.srqPoll):
		}
	}
}

// ClearDevice sends the Selected Device Clear (SDC) message.
func (c *Controller) ClearDevice() error {
	if err := c.selectAddr(); err != nil {
		return err
	}
	return c.CommandController("clr")
}

// FrontPanel returns the instrument to local control when local is true,
// otherwise it locks out the front panel.
func (c *Controller) FrontPanel(local bool) error {
	if err := c.selectAddr(); err != nil {
		return err
	}
	if local {
		return c.CommandController("loc")
	}
	return c.CommandController("llo")
}

// Close returns the instrument to local control. The serial port belongs to
// whoever opened it and stays open.
func (c *Controller) Close() error {
	return c.FrontPanel(true)
}

func (c *Controller) write(p []byte) (int, error) {
	if c.writeDelay > 0 {
		c.sleep(c.writeDelay)
	}
	return c.bus.rw.Write(p)
}

func (c *Controller) selectAddr() error {
	cmd := c.addrCmd()
	if c.bus.current == cmd {
		return nil
	}
	if err := c.CommandController(cmd); err != nil {
		return err
	}
	c.bus.current = cmd
	return nil
}

func (c *Controller) addrCmd() string {
	if c.hasSecondaryAddr {
		return fmt.Sprintf("addr %d %d", c.primaryAddr, c.secondaryAddr)
	}
	return fmt.Sprintf("addr %d", c.primaryAddr)
}

func (c *Controller) validate() error {
	if !isPrimaryAddressValid(c.primaryAddr) {
		return fmt.Errorf("invalid primary address %d (must by 0-30)", c.primaryAddr)
	}
	if c.hasSecondaryAddr && !isSecondaryAddressValid(c.secondaryAddr) {
		return fmt.Errorf("invalid secondary address %d (must be 96-126)", c.secondaryAddr)
	}
	return nil
}

// GpibTerm provides the type for the available GPIB terminators.
type GpibTerm int

// Available GPIB terminators for the Prologix Controller.
const (
	AppendCRLF GpibTerm = iota
	AppendCR
	AppendLF
	AppendNothing
)

var gpibTermDesc = map[GpibTerm]string{
	AppendCRLF:    `Append CR+LF (\r\n) to instrument commands`,
	AppendCR:      `Append CR (\r) to instrument commands`,
	AppendLF:      `Append LF (\n) to instrument commands`,
	AppendNothing: `Do not append anything to instrument commands`,
}

func (term GpibTerm) String() string {
	return gpibTermDesc[term]
}

// isPrimaryAddressValid checks that the primary GPIB address is between 0 and
// 30, inclusive.
func isPrimaryAddressValid(addr int) bool {
	return addr >= 0 && addr <= 30
}

// isSecondaryAddressValid checks that the secondary GPIB address is between 96
// and 126, inclusive.
func isSecondaryAddressValid(addr int) bool {
	return addr >= 96 && addr <= 126
}
