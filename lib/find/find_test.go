package find

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
)

func withPorts(t *testing.T, ports []*enumerator.PortDetails, err error) {
	t.Helper()
	orig := List
	List = func() ([]*enumerator.PortDetails, error) { return ports, err }
	t.Cleanup(func() { List = orig })
}

var bench = []*enumerator.PortDetails{
	{Name: "/dev/ttyS0"},
	{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001", SerialNumber: "A603UX94", Product: "FT232R USB UART"},
	{Name: "/dev/ttyACM0", IsUSB: true, VID: "2341", PID: "0043", SerialNumber: "7543331", Product: "Arduino Uno"},
	{Name: "/dev/ttyACM1", IsUSB: true, VID: "2E8A", PID: "0005", Product: "Pico"},
}

func TestFindFilters(t *testing.T) {
	withPorts(t, bench, nil)

	tests := []struct {
		name   string
		filter FilterFn
		want   string
	}{
		{"arduino", ArduinoFilter, "/dev/ttyACM0"},
		{"ftdi", FTDIFilter, "/dev/ttyUSB0"},
		{"serial", SerialFilter("A603UX94"), "/dev/ttyUSB0"},
		{"vid:pid", IDFilter("2e8a:0005"), "/dev/ttyACM1"},
		{"vid only", IDFilter("2341"), "/dev/ttyACM0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Find(tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindNoMatch(t *testing.T) {
	withPorts(t, bench, nil)
	_, err := Find(SerialFilter("nope"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindAmbiguousWithoutFilter(t *testing.T) {
	withPorts(t, bench, nil)
	_, err := Find(nil)
	assert.ErrorContains(t, err, "3 candidate ports")

	withPorts(t, bench[:2], nil)
	got, err := Find(nil)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", got)
}

func TestFindEnumerationError(t *testing.T) {
	withPorts(t, nil, errors.New("not implemented"))
	_, err := Find(ArduinoFilter)
	assert.ErrorContains(t, err, "not implemented")
}

func TestUSBSkipsBuiltinPorts(t *testing.T) {
	withPorts(t, bench, nil)
	usb, err := USB()
	require.NoError(t, err)
	assert.Len(t, usb, 3)
	assert.Contains(t, Describe(usb), `/dev/ttyACM0 vid/pid 2341/0043 serial 7543331 product "Arduino Uno"`)
}
