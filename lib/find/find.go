// Package find locates USB serial adapters, so the shutter and
// monochromator ports need not be configured by hand.
package find

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"go.bug.st/serial/enumerator"
)

// ErrNotFound is returned when no port passes the filter.
var ErrNotFound = errors.New("no matching serial port")

// FilterFn selects ports. A nil filter accepts every USB port.
type FilterFn func(*enumerator.PortDetails) bool

// Arduino USB vendor ids: Arduino LLC and Arduino SRL.
var arduinoVIDs = []string{"2341", "2a03"}

// ArduinoFilter matches boards by vendor id or product string.
func ArduinoFilter(p *enumerator.PortDetails) bool {
	for _, vid := range arduinoVIDs {
		if strings.EqualFold(p.VID, vid) {
			return true
		}
	}
	return strings.Contains(p.Product, "Arduino")
}

// FTDIFilter matches FTDI bridges, which the CM110 and most GPIB adapters
// use.
func FTDIFilter(p *enumerator.PortDetails) bool {
	return strings.EqualFold(p.VID, "0403")
}

// SerialFilter matches a USB serial number.
func SerialFilter(s string) FilterFn {
	return func(p *enumerator.PortDetails) bool { return p.SerialNumber == s }
}

// IDFilter matches a vendor:product pair such as "0403:6001".
func IDFilter(id string) FilterFn {
	vid, pid, _ := strings.Cut(id, ":")
	return func(p *enumerator.PortDetails) bool {
		return strings.EqualFold(p.VID, vid) && (pid == "" || strings.EqualFold(p.PID, pid))
	}
}

// List enumerates ports. Tests replace it.
var List = enumerator.GetDetailedPortsList

// Find returns the device path of the single USB port accepted by filter.
// The first accepted port wins when several are.
func Find(filter FilterFn) (string, error) {
	ports, err := USB()
	if err != nil {
		return "", err
	}
	var match []*enumerator.PortDetails
	for _, p := range ports {
		if filter == nil || filter(p) {
			match = append(match, p)
		}
	}
	switch {
	case len(match) == 0:
		return "", ErrNotFound
	case filter == nil && len(match) > 1:
		return "", fmt.Errorf("find: %d candidate ports: %s", len(match), Describe(match))
	}
	return devPath(match[0].Name), nil
}

// USB lists the USB serial ports.
func USB() ([]*enumerator.PortDetails, error) {
	all, err := List()
	if err != nil {
		return nil, fmt.Errorf("find: enumerating ports: %w", err)
	}
	var usb []*enumerator.PortDetails
	for _, p := range all {
		if p.IsUSB {
			usb = append(usb, p)
		}
	}
	return usb, nil
}

// Describe renders ports one per line for logs and error messages.
func Describe(ports []*enumerator.PortDetails) string {
	s := make([]string, 0, len(ports))
	for _, p := range ports {
		s = append(s, fmt.Sprintf("%s vid/pid %s/%s serial %s product %q", p.Name, p.VID, p.PID, p.SerialNumber, p.Product))
	}
	return strings.Join(s, "\n")
}

// devPath makes bare tty names absolute on unix.
func devPath(name string) string {
	if runtime.GOOS == "windows" || filepath.IsAbs(name) {
		return name
	}
	return "/dev/" + name
}
