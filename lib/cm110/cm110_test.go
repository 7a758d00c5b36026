package cm110

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// port records each write separately and serves canned reply bytes.
type port struct {
	writes [][]byte
	reply  *bytes.Reader
	closed bool
}

func (p *port) Write(b []byte) (int, error) {
	p.writes = append(p.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (p *port) Read(b []byte) (int, error) {
	if p.reply == nil {
		return 0, errors.New("no reply")
	}
	return p.reply.Read(b)
}

func (p *port) Close() error { p.closed = true; return nil }

func (p *port) flat() []byte {
	var out []byte
	for _, w := range p.writes {
		out = append(out, w...)
	}
	return out
}

func newMono(p *port, slept *[]time.Duration, opts ...Option) *Mono {
	m := New(p, opts...)
	m.sleep = func(d time.Duration) { *slept = append(*slept, d) }
	return m
}

func TestEncode(t *testing.T) {
	tests := []struct {
		op   Op
		args []int
		want []byte
	}{
		{Goto, []int{5500}, []byte{16, 21, 124}},
		{Calibrate, []int{256}, []byte{18, 1, 0}},
		{Speed, []int{100}, []byte{13, 0, 100}},
		{Units, []int{1}, []byte{50, 1}},
		{Query, []int{0}, []byte{56, 0}},
		{Select, []int{2}, []byte{26, 2}},
		{Dec, nil, []byte{1}},
		{Echo, nil, []byte{27}},
		{Inc, nil, []byte{7}},
		{Step, nil, []byte{54}},
		{Reset, nil, []byte{255, 255, 255}},
		{Scan, []int{4000, 7000}, []byte{12, 15, 160, 27, 88}},
	}
	for _, tt := range tests {
		got, err := Encode(tt.op, tt.args...)
		require.NoError(t, err, tt.op.String())
		assert.Equal(t, tt.want, got, tt.op.String())
	}
}

func TestEncodeRejects(t *testing.T) {
	_, err := Encode(Goto, 70000)
	assert.ErrorIs(t, err, ErrOperand)
	_, err = Encode(Units, 256)
	assert.ErrorIs(t, err, ErrOperand)
	_, err = Encode(Goto)
	assert.Error(t, err)
	_, err = Encode(Op(99))
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestParseOp(t *testing.T) {
	op, err := ParseOp("GoTo")
	require.NoError(t, err)
	assert.Equal(t, Goto, op)
	_, err = ParseOp("jump")
	assert.ErrorIs(t, err, ErrUnknownOp)
	assert.Equal(t, "reset", Reset.String())
}

func TestGotoWritesBytesSeparately(t *testing.T) {
	p := &port{}
	var slept []time.Duration
	m := newMono(p, &slept, WithByteDelay(30*time.Millisecond), WithSettle(time.Second))

	require.NoError(t, m.Goto(5500))
	assert.Equal(t, [][]byte{{16}, {21}, {124}}, p.writes)
	assert.Equal(t, []time.Duration{30 * time.Millisecond, 30 * time.Millisecond, time.Second}, slept)
}

func TestGotoDebugReadsStatus(t *testing.T) {
	p := &port{reply: bytes.NewReader([]byte{0x01, 24})}
	var slept []time.Duration
	m := newMono(p, &slept, WithDebug())

	require.NoError(t, m.Goto(4000))
	assert.Equal(t, 0, p.reply.Len())
}

func TestResetSendsThreeBytes(t *testing.T) {
	p := &port{}
	var slept []time.Duration
	m := newMono(p, &slept)

	require.NoError(t, m.Reset())
	assert.Equal(t, []byte{255, 255, 255}, p.flat())
	assert.Len(t, p.writes, 3)
}

func TestQueryPosition(t *testing.T) {
	p := &port{reply: bytes.NewReader([]byte{21, 124, 0x01, 24})}
	var slept []time.Duration
	m := newMono(p, &slept)

	v, st, err := m.Query(QueryPosition)
	require.NoError(t, err)
	assert.Equal(t, 5500, v)
	assert.True(t, st.Accepted())
	assert.Equal(t, []byte{56, 0}, p.flat())
}

func TestQueryMalformed(t *testing.T) {
	p := &port{reply: bytes.NewReader([]byte{21, 124, 0x01, 23})}
	var slept []time.Duration
	m := newMono(p, &slept)

	_, _, err := m.Query(QueryPosition)
	assert.ErrorIs(t, err, ErrMalformed)
}

// serialPort mimics a port with a read timeout: stale bytes are served
// before the reply, and an exhausted reply reads as (0, nil).
type serialPort struct {
	port
	stale []byte
	reads int
}

func (p *serialPort) Read(b []byte) (int, error) {
	p.reads++
	if len(p.stale) > 0 {
		n := copy(b, p.stale)
		p.stale = p.stale[n:]
		return n, nil
	}
	if p.reply == nil || p.reply.Len() == 0 {
		return 0, nil
	}
	return p.reply.Read(b)
}

func (p *serialPort) ResetInputBuffer() error {
	p.stale = nil
	return nil
}

func TestQuerySilentPort(t *testing.T) {
	p := &serialPort{}
	var slept []time.Duration
	m := New(p)
	m.sleep = func(d time.Duration) { slept = append(slept, d) }

	_, err := m.Position()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, p.reads)

	m.debug = true
	require.NoError(t, m.Goto(4000), "a missing status byte is only logged")
	assert.Equal(t, 2, p.reads)
}

func TestQueryShortReply(t *testing.T) {
	p := &serialPort{}
	p.reply = bytes.NewReader([]byte{21, 124})
	m := New(p)
	m.sleep = func(time.Duration) {}

	_, _, err := m.Query(QueryPosition)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorContains(t, err, "after 2 of 4 bytes")
}

func TestQueryDiscardsStaleStatus(t *testing.T) {
	p := &serialPort{stale: []byte{0x01, 24, 0x01, 24}}
	p.reply = bytes.NewReader([]byte{27, 88, 0x01, 24})
	m := New(p)
	m.sleep = func(time.Duration) {}

	pos, err := m.Position()
	require.NoError(t, err)
	assert.Equal(t, 7000, pos)
	assert.Equal(t, []byte{56, 0}, p.flat())
}

func TestStatusDecode(t *testing.T) {
	st := Status(0b10010101)
	assert.False(t, st.Accepted())
	assert.Equal(t, "Command not accepted", st.Lines()[0])
	assert.True(t, st.NegativeScan())
	assert.False(t, st.NegativeOrder())

	u, err := st.Units()
	assert.ErrorIs(t, err, ErrUnits)
	assert.Equal(t, Unit(5), u)
	assert.Contains(t, st.String(), "Undefined units (5)")

	u, err = Status(0x01).Units()
	require.NoError(t, err)
	assert.Equal(t, Nanometers, u)
	assert.Equal(t, "Command accepted", Status(0x01).Lines()[0])
}

func TestClose(t *testing.T) {
	p := &port{}
	var slept []time.Duration
	require.NoError(t, newMono(p, &slept).Close())
	assert.True(t, p.closed)
}
