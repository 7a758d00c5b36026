// Package cmdlog builds the loggers used by the command line tools. Console
// output highlights the commands sent to instruments and renders their
// replies readably whether they are text or binary.
package cmdlog

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
)

func isAscii(s string) bool {
	return !strings.ContainsFunc(s, func(r rune) bool {
		switch {
		case r < 7:
			return true
		case r > 6 && r < 14:
			return false
		case r > 13 && r < 32:
			return true
		case r > 127:
			return true
		}
		return false
	})
}

var (
	CmdStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	R1Style  = lipgloss.NewStyle().Foreground(lipgloss.Color("35"))
	R2Style  = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
)

// NoResponse stands in for an empty reply.
const NoResponse = "<no response>"

// Reply renders an instrument reply: quoted when printable, hex when
// binary, both when short.
func Reply(a string) string {
	a = strings.TrimSuffix(a, "\n") // appended by the adapter
	if len(a) == 1 && a[0] == 0xff {
		// some instruments answer 0xff when the last command has no result
		a = ""
	}
	switch {
	case len(a) == 0:
		return NoResponse
	case isAscii(a):
		return fmt.Sprintf("[%d] %q", len(a), a)
	case len(a) < 32:
		return fmt.Sprintf("[%d] %q (% 2x)", len(a), a, []byte(a))
	}
	return fmt.Sprintf("[%d] % 2x", len(a), []byte(a))
}

// New returns a logger writing to w at the named level. Unless asJSON is
// set the output is the styled console format.
func New(w io.Writer, level string, asJSON bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if asJSON {
		return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
	}
	cw := zerolog.ConsoleWriter{
		Out:           w,
		TimeFormat:    time.TimeOnly + ".000000",
		FormatPrepare: stylize,
	}
	return zerolog.New(cw).Level(lvl).With().Timestamp().Logger(), nil
}

// stylize colours command fields and renders reply fields with Reply.
func stylize(evt map[string]any) error {
	if c, ok := evt["cmd"].(string); ok {
		evt["cmd"] = CmdStyle.Render(c)
	}
	if r, ok := evt["reply"].(string); ok {
		r = Reply(r)
		if r == NoResponse {
			evt["reply"] = R1Style.Render(r)
		} else {
			evt["reply"] = R2Style.Render(r)
		}
	}
	return nil
}
