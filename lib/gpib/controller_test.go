package gpib

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// adapter records writes and serves canned replies.
type adapter struct {
	out     bytes.Buffer
	replies strings.Reader
}

func newAdapter(replies string) *adapter {
	a := &adapter{}
	a.replies.Reset(replies)
	return a
}

func (a *adapter) Write(p []byte) (int, error) { return a.out.Write(p) }
func (a *adapter) Read(p []byte) (int, error)  { return a.replies.Read(p) }

func (a *adapter) lines() []string {
	s := strings.TrimSuffix(a.out.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestNewControllerConfiguresAdapter(t *testing.T) {
	a := newAdapter("")
	c, err := NewController(a, 17, true)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"++verbose 0",
		"++savecfg 0",
		"++addr 17",
		"++mode 1",
		"++auto 0",
		"++eoi 1",
		"++eos 0",
		"++read_tmo_ms 500",
		"++eot_char 10",
		"++eot_enable 1",
		"++clr",
	}, a.lines())
	pad, sad := c.Address()
	assert.Equal(t, 17, pad)
	assert.Equal(t, 0, sad)
}

func TestNewControllerAR488(t *testing.T) {
	a := newAdapter("")
	_, err := NewController(a, 4, false, WithAR488(), WithSecondaryAddress(101), WithTermination(AppendNothing))
	require.NoError(t, err)
	lines := a.lines()
	assert.NotContains(t, lines, "++verbose 0")
	assert.Equal(t, "++addr 4 101", lines[0])
	assert.Contains(t, lines, "++eos 3")
}

func TestInvalidAddresses(t *testing.T) {
	_, err := NewController(newAdapter(""), 31, false)
	assert.Error(t, err)
	_, err = NewController(newAdapter(""), 3, false, WithSecondaryAddress(90))
	assert.Error(t, err)

	c, err := NewController(newAdapter(""), 3, false)
	require.NoError(t, err)
	_, err = c.At(-1)
	assert.Error(t, err)
}

func TestQueryReadsUntilEOT(t *testing.T) {
	a := newAdapter("KI4200 KXCI\n")
	c, err := NewController(a, 17, false)
	require.NoError(t, err)
	a.out.Reset()

	s, err := c.Query("ID")
	require.NoError(t, err)
	assert.Equal(t, "KI4200 KXCI\n", s)
	assert.Equal(t, []string{"ID", "++read eoi"}, a.lines())
}

// slowPort behaves like a serial port with a read timeout: once its chunks
// run out every Read returns (0, nil).
type slowPort struct {
	out     bytes.Buffer
	chunks  []string
	reads   int
	flushes int
}

func (p *slowPort) Write(b []byte) (int, error) { return p.out.Write(b) }

func (p *slowPort) Read(b []byte) (int, error) {
	p.reads++
	if len(p.chunks) == 0 {
		return 0, nil
	}
	n := copy(b, p.chunks[0])
	p.chunks = p.chunks[1:]
	return n, nil
}

func (p *slowPort) ResetInputBuffer() error {
	p.flushes++
	return nil
}

func TestQuerySilentInstrument(t *testing.T) {
	p := &slowPort{}
	c, err := NewController(p, 14, false)
	require.NoError(t, err)

	_, err = c.Query("KRDG? A")
	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.Equal(t, 1, p.reads, "one timed-out port read")
	assert.Equal(t, 1, p.flushes)

	_, err = c.ServiceRequest()
	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.Equal(t, 2, p.reads)
}

func TestQueryDropsPartialReply(t *testing.T) {
	p := &slowPort{chunks: []string{"+07"}}
	c, err := NewController(p, 14, false)
	require.NoError(t, err)

	_, err = c.Query("KRDG? A")
	require.ErrorIs(t, err, ErrReadTimeout)

	p.chunks = []string{"+077.35\n"}
	s, err := c.Query("KRDG? A")
	require.NoError(t, err)
	assert.Equal(t, "+077.35\n", s)
}

func TestAtReaddressesOnlyWhenNeeded(t *testing.T) {
	a := newAdapter("")
	analyzer, err := NewController(a, 17, false)
	require.NoError(t, err)
	lockin, err := analyzer.At(12)
	require.NoError(t, err)
	a.out.Reset()

	require.NoError(t, analyzer.Command("BC"))
	require.NoError(t, lockin.Command("MAG"))
	require.NoError(t, lockin.Command("PHA"))
	require.NoError(t, analyzer.Command(":CVU:FREQ %d", 1000000))

	assert.Equal(t, []string{
		"BC",
		"++addr 12",
		"MAG",
		"PHA",
		"++addr 17",
		":CVU:FREQ 1000000",
	}, a.lines())
}

func TestWaitForSRQ(t *testing.T) {
	a := newAdapter("0\n0\n1\n64\n")
	c, err := NewController(a, 17, false, WithSRQPollInterval(time.Millisecond))
	require.NoError(t, err)
	a.out.Reset()

	require.NoError(t, c.WaitForSRQ(context.Background(), time.Second))
	assert.Equal(t, []string{"++srq", "++srq", "++srq", "++spoll 17"}, a.lines())
}

func TestWaitForSRQTimeout(t *testing.T) {
	a := newAdapter(strings.Repeat("0\n", 1000))
	c, err := NewController(a, 17, false, WithSRQPollInterval(time.Millisecond))
	require.NoError(t, err)

	err = c.WaitForSRQ(context.Background(), 20*time.Millisecond)
	assert.True(t, errors.Is(err, ErrSRQTimeout), "got %v", err)
}

func TestWaitForSRQCancelled(t *testing.T) {
	a := newAdapter(strings.Repeat("0\n", 1000))
	c, err := NewController(a, 17, false, WithSRQPollInterval(time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = c.WaitForSRQ(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteDelay(t *testing.T) {
	var slept []time.Duration
	a := newAdapter("")
	c, err := NewController(a, 17, false, WithWriteDelay(time.Millisecond))
	require.NoError(t, err)
	c.sleep = func(d time.Duration) { slept = append(slept, d) }

	require.NoError(t, c.Command("DR1"))
	assert.Equal(t, []time.Duration{time.Millisecond}, slept)
}

func TestCloseReturnsToLocal(t *testing.T) {
	a := newAdapter("")
	c, err := NewController(a, 17, false)
	require.NoError(t, err)
	a.out.Reset()

	require.NoError(t, c.Close())
	assert.Equal(t, []string{"++loc"}, a.lines())
}

func TestGpibTermString(t *testing.T) {
	assert.Equal(t, `Append LF (\n) to instrument commands`, AppendLF.String())
}
