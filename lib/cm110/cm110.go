// Package cm110 speaks the single-byte command protocol of the CVI/Spectral
// Products CM110 monochromator.
//
// Every command is an opcode byte followed by zero, one or two operand
// bytes. The device drops bytes that arrive back to back, so each byte is
// written on its own with a short pause in between.
package cm110

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Op is a CM110 opcode.
type Op byte

// Opcodes.
const (
	Dec       Op = 1
	Inc       Op = 7
	Scan      Op = 12
	Speed     Op = 13
	Goto      Op = 16
	Calibrate Op = 18
	Select    Op = 26
	Echo      Op = 27
	Units     Op = 50
	Order     Op = 51
	Zero      Op = 52
	Step      Op = 54
	Size      Op = 55
	Query     Op = 56
	Reset     Op = 255
)

var opNames = map[string]Op{
	"calibrate": Calibrate,
	"dec":       Dec,
	"echo":      Echo,
	"goto":      Goto,
	"inc":       Inc,
	"order":     Order,
	"query":     Query,
	"reset":     Reset,
	"scan":      Scan,
	"select":    Select,
	"size":      Size,
	"speed":     Speed,
	"step":      Step,
	"units":     Units,
	"zero":      Zero,
}

// Query specifiers.
const (
	QueryPosition byte = 0
	QueryType     byte = 1
	QueryGrooves  byte = 2
	QueryBlaze    byte = 3
	QueryGrating  byte = 4
	QuerySpeed    byte = 5
	QuerySize     byte = 6
	QueryGratings byte = 13
	QueryUnits    byte = 14
	QuerySerial   byte = 19
)

// messageByte terminates every CM110 reply.
const messageByte = 24

var (
	// ErrOperand is returned when an operand does not fit its byte or word.
	ErrOperand = errors.New("cm110: operand out of range")
	// ErrMalformed is returned when a reply does not end with the message byte.
	ErrMalformed = errors.New("cm110: malformed reply")
	// ErrUnknownOp is returned by ParseOp for names outside the command set.
	ErrUnknownOp = errors.New("cm110: unknown operation")
	// ErrTimeout is returned when the port's read timeout expires before a
	// whole reply arrived.
	ErrTimeout = errors.New("cm110: read timed out")
)

// ParseOp looks an operation up by name, ignoring case.
func ParseOp(name string) (Op, error) {
	op, ok := opNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUnknownOp, name)
	}
	return op, nil
}

func (op Op) String() string {
	for name, o := range opNames {
		if o == op {
			return name
		}
	}
	return fmt.Sprintf("op(%d)", byte(op))
}

// Encode returns the bytes for op with its operands, in wire order.
func Encode(op Op, args ...int) ([]byte, error) {
	switch op {
	case Order, Query, Select, Size, Units:
		if err := nargs(op, args, 1); err != nil {
			return nil, err
		}
		if args[0] < 0 || args[0] > 0xff {
			return nil, fmt.Errorf("%w: %s %d", ErrOperand, op, args[0])
		}
		return []byte{byte(op), byte(args[0])}, nil
	case Calibrate, Goto, Speed:
		if err := nargs(op, args, 1); err != nil {
			return nil, err
		}
		hi, lo, err := split(op, args[0])
		if err != nil {
			return nil, err
		}
		return []byte{byte(op), hi, lo}, nil
	case Dec, Echo, Inc, Step:
		if err := nargs(op, args, 0); err != nil {
			return nil, err
		}
		return []byte{byte(op)}, nil
	case Reset:
		if err := nargs(op, args, 0); err != nil {
			return nil, err
		}
		// legacy units only latch a reset sent three times
		return []byte{byte(op), byte(op), byte(op)}, nil
	case Scan:
		if err := nargs(op, args, 2); err != nil {
			return nil, err
		}
		shi, slo, err := split(op, args[0])
		if err != nil {
			return nil, err
		}
		ehi, elo, err := split(op, args[1])
		if err != nil {
			return nil, err
		}
		return []byte{byte(op), shi, slo, ehi, elo}, nil
	}
	return nil, fmt.Errorf("%w %d", ErrUnknownOp, byte(op))
}

func nargs(op Op, args []int, n int) error {
	if len(args) != n {
		return fmt.Errorf("cm110: %s takes %d operand(s), got %d", op, n, len(args))
	}
	return nil
}

func split(op Op, v int) (hi, lo byte, err error) {
	if v < 0 || v > 0xffff {
		return 0, 0, fmt.Errorf("%w: %s %d", ErrOperand, op, v)
	}
	return byte(v / 256), byte(v % 256), nil
}

// Mono is a CM110 on a serial port opened at 9600 8N1.
type Mono struct {
	port      io.ReadWriter
	byteDelay time.Duration
	settle    time.Duration
	debug     bool
	log       zerolog.Logger
	sleep     func(time.Duration)
}

// Option configures a Mono.
type Option func(*Mono)

// WithByteDelay sets the pause between bytes. The default is 50ms.
func WithByteDelay(d time.Duration) Option { return func(m *Mono) { m.byteDelay = d } }

// WithSettle sets how long Goto waits after the command. The default is
// 500ms, enough for a 100 nm move; larger moves need the caller to wait
// longer.
func WithSettle(d time.Duration) Option { return func(m *Mono) { m.settle = d } }

// WithDebug makes Goto read back and log the status byte.
func WithDebug() Option { return func(m *Mono) { m.debug = true } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(m *Mono) { m.log = l } }

// New wraps an open port.
func New(port io.ReadWriter, opts ...Option) *Mono {
	m := &Mono{
		port:      port,
		byteDelay: 50 * time.Millisecond,
		settle:    500 * time.Millisecond,
		log:       zerolog.Nop(),
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Command encodes op and writes it one byte at a time. Reply bytes left
// unread by earlier commands are discarded first.
func (m *Mono) Command(op Op, args ...int) error {
	b, err := Encode(op, args...)
	if err != nil {
		return err
	}
	if err := m.flush(); err != nil {
		return fmt.Errorf("cm110: flushing input: %w", err)
	}
	m.log.Debug().Str("op", op.String()).Ints("args", args).Hex("bytes", b).Msg("cm110")
	for i := range b {
		if i > 0 {
			m.sleep(m.byteDelay)
		}
		if _, err := m.port.Write(b[i : i+1]); err != nil {
			return fmt.Errorf("cm110: writing %s: %w", op, err)
		}
	}
	return nil
}

// Goto moves the grating to the given wavelength in tenths of a nanometre
// (5500 is 550.0 nm) and waits the fixed settle time. The device gives no
// feedback that the grating arrived.
func (m *Mono) Goto(tenths int) error {
	if err := m.Command(Goto, tenths); err != nil {
		return err
	}
	m.sleep(m.settle)
	if m.debug {
		st, err := m.ReadStatus()
		if err != nil {
			m.log.Warn().Err(err).Int("wavelength", tenths).Msg("cm110 status")
			return nil
		}
		m.log.Debug().Int("wavelength", tenths).Stringer("status", st).Msg("cm110 goto")
	}
	return nil
}

// Reset returns the grating to its home position.
func (m *Mono) Reset() error {
	return m.Command(Reset)
}

// ReadStatus reads the status and message bytes that follow a command.
func (m *Mono) ReadStatus() (Status, error) {
	var buf [2]byte
	if err := m.readFull(buf[:]); err != nil {
		return 0, fmt.Errorf("cm110: reading status: %w", err)
	}
	if buf[1] != messageByte {
		return Status(buf[0]), fmt.Errorf("%w: message byte %d", ErrMalformed, buf[1])
	}
	return Status(buf[0]), nil
}

// Query asks for a device parameter. The reply is a high byte, a low byte,
// the status byte and the message byte.
func (m *Mono) Query(specifier byte) (int, Status, error) {
	if err := m.Command(Query, int(specifier)); err != nil {
		return 0, 0, err
	}
	var buf [4]byte
	if err := m.readFull(buf[:]); err != nil {
		return 0, 0, fmt.Errorf("cm110: reading query %d: %w", specifier, err)
	}
	v, st, err := decodeReply(buf[:])
	if err != nil {
		return 0, st, err
	}
	return v, st, nil
}

// Position returns the current wavelength in the device's units.
func (m *Mono) Position() (int, error) {
	v, _, err := m.Query(QueryPosition)
	return v, err
}

// readFull fills buf. A read that returns neither data nor an error means
// the port's read timeout expired.
func (m *Mono) readFull(buf []byte) error {
	for n := 0; n < len(buf); {
		k, err := m.port.Read(buf[n:])
		n += k
		switch {
		case n == len(buf):
			return nil
		case err == io.EOF:
			return io.ErrUnexpectedEOF
		case err != nil:
			return err
		case k == 0:
			return fmt.Errorf("%w after %d of %d bytes", ErrTimeout, n, len(buf))
		}
	}
	return nil
}

func (m *Mono) flush() error {
	if f, ok := m.port.(interface{ ResetInputBuffer() error }); ok {
		return f.ResetInputBuffer()
	}
	return nil
}

// Close releases the port when it can be closed.
func (m *Mono) Close() error {
	if c, ok := m.port.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// decodeReply unpacks hi, lo, status, message.
func decodeReply(b []byte) (int, Status, error) {
	if len(b) != 4 {
		return 0, 0, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	st := Status(b[2])
	if b[3] != messageByte {
		return 0, st, fmt.Errorf("%w: message byte %d", ErrMalformed, b[3])
	}
	return int(b[0])*256 + int(b[1]), st, nil
}
