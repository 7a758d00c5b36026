package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnverified is returned by every command on a session whose identity
	// has not been confirmed, including one that has been closed.
	ErrUnverified = errors.New("session: instrument identity not verified")
	// ErrTokenCount is wrapped by DataError when an impedance reply does not
	// hold primary/secondary pairs.
	ErrTokenCount = errors.New("odd token count")
)

// ConfigError reports an instrument that could not be opened, identified or
// configured. It aborts the run before any measurement.
type ConfigError struct {
	Instrument string
	Op         string
	Err        error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Instrument, e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// SyncError reports a measurement trigger whose completion signal never
// arrived.
type SyncError struct {
	Instrument string
	Cmd        string
	Timeout    time.Duration
	Err        error
}

func (e *SyncError) Error() string {
	if e.Timeout <= 0 {
		return fmt.Sprintf("%s: %s: waiting for completion: %v", e.Instrument, e.Cmd, e.Err)
	}
	return fmt.Sprintf("%s: %s: no completion within %s: %v", e.Instrument, e.Cmd, e.Timeout, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// DataError reports a reply that does not follow the expected grammar.
// Token is the zero-based index of the offending token, or -1 when the reply
// as a whole is at fault.
type DataError struct {
	Cmd   string
	Reply string
	Token int
	Err   error
}

func (e *DataError) Error() string {
	prefix := "parsing reply"
	if e.Cmd != "" {
		prefix = "parsing reply to " + e.Cmd
	}
	if e.Token < 0 {
		return fmt.Sprintf("%s %q: %v", prefix, e.Reply, e.Err)
	}
	return fmt.Sprintf("%s %q: token %d: %v", prefix, e.Reply, e.Token, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }
