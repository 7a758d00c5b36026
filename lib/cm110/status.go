package cm110

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnits is returned when the status byte carries a units index outside
// the unit table.
var ErrUnits = errors.New("cm110: undefined units")

// Unit is a wavelength unit the CM110 can report in.
type Unit byte

// Units, in status-byte order.
const (
	Microns Unit = iota
	Nanometers
	Angstroms
)

var unitNames = [...]string{"microns", "nanometers", "angstroms"}

func (u Unit) String() string {
	if int(u) < len(unitNames) {
		return unitNames[u]
	}
	return fmt.Sprintf("unit(%d)", byte(u))
}

// Status is the byte the CM110 returns after a command. Each bit reports one
// condition; the low three bits index the unit table.
type Status byte

// Accepted reports whether the last command was accepted (bit 7 clear).
func (s Status) Accepted() bool { return s&0x80 == 0 }

// ActionRequired reports bit 6.
func (s Status) ActionRequired() bool { return s&0x40 == 0 }

// SpecifierTooSmall reports bit 5. When clear the specifier was too large.
func (s Status) SpecifierTooSmall() bool { return s&0x20 != 0 }

// NegativeScan reports bit 4, the scan direction.
func (s Status) NegativeScan() bool { return s&0x10 != 0 }

// NegativeOrder reports bit 3, the diffraction order sign.
func (s Status) NegativeOrder() bool { return s&0x08 != 0 }

// Units decodes bits 0-2.
func (s Status) Units() (Unit, error) {
	u := Unit(s & 0x07)
	if int(u) >= len(unitNames) {
		return u, fmt.Errorf("%w: index %d", ErrUnits, byte(u))
	}
	return u, nil
}

// Lines renders the status one condition per line.
func (s Status) Lines() []string {
	pick := func(b bool, yes, no string) string {
		if b {
			return yes
		}
		return no
	}
	lines := []string{
		pick(s.Accepted(), "Command accepted", "Command not accepted"),
		pick(s.ActionRequired(), "Requires action", "No action"),
		pick(s.SpecifierTooSmall(), "Specifier too small", "Specifier too large"),
		pick(s.NegativeScan(), "Negative scan direction", "Positive scan direction"),
		pick(s.NegativeOrder(), "Negative order", "Positive order"),
	}
	u, err := s.Units()
	if err != nil {
		lines = append(lines, fmt.Sprintf("Undefined units (%d)", byte(u)))
	} else {
		lines = append(lines, "Units: "+u.String())
	}
	return lines
}

func (s Status) String() string {
	return strings.Join(s.Lines(), "; ")
}
