// Package session wraps one addressed instrument. A Session only exists once
// the instrument has answered its identity query with the expected text;
// configuration commands can wait for the completion signal and are retried
// a bounded number of times, measurement triggers wait once.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gotmc/specsweep/lib/gpib"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// Transport is the channel to one instrument. *gpib.Controller satisfies it.
type Transport interface {
	Command(format string, a ...any) error
	Query(cmd string) (string, error)
	WaitForSRQ(ctx context.Context, timeout time.Duration) error
	ClearDevice() error
	Close() error
}

// Identity says how to recognise an instrument.
type Identity struct {
	Name   string // used in errors and logs
	Query  string // identity command, e.g. "ID" or "*IDN?"
	Expect string // substring the reply must contain
}

// Well-known identities.
var (
	KI4200  = Identity{Name: "4200-SCS", Query: "ID", Expect: "KI4200"}
	LS331   = Identity{Name: "LS331", Query: "*IDN?", Expect: "MODEL331"}
	EGG5302 = Identity{Name: "5302", Query: "ID", Expect: "5302"}
)

// Defaults for CommandRetry.
const (
	DefaultSRQTimeout = 3 * time.Second
	DefaultRetries    = 3
)

// Session is a verified instrument handle.
type Session struct {
	t          Transport
	id         Identity
	reply      string
	verified   bool
	srqTimeout time.Duration
	retries    int
	log        zerolog.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithSRQTimeout sets the per-attempt completion wait used by CommandRetry.
func WithSRQTimeout(d time.Duration) Option { return func(s *Session) { s.srqTimeout = d } }

// WithRetries sets how many times CommandRetry re-sends after the first
// attempt.
func WithRetries(n int) Option { return func(s *Session) { s.retries = n } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Session) { s.log = l } }

// Open verifies the instrument behind t. When the identity query fails or
// the reply lacks id.Expect, t is closed and a *ConfigError is returned.
func Open(t Transport, id Identity, opts ...Option) (*Session, error) {
	s := &Session{
		t:          t,
		id:         id,
		srqTimeout: DefaultSRQTimeout,
		retries:    DefaultRetries,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	reply, err := t.Query(id.Query)
	if err == nil && !strings.Contains(reply, id.Expect) {
		err = fmt.Errorf("identity %q does not contain %q", strings.TrimSpace(reply), id.Expect)
	}
	if err != nil {
		return nil, &ConfigError{Instrument: id.Name, Op: "identify", Err: multierr.Append(err, t.Close())}
	}
	s.reply = strings.TrimSpace(reply)
	s.verified = true
	s.log.Info().Str("instrument", id.Name).Str("id", s.reply).Msg("identified")
	return s, nil
}

// Name returns the instrument name.
func (s *Session) Name() string { return s.id.Name }

// IdentityReply returns the verified identity string.
func (s *Session) IdentityReply() string { return s.reply }

// Command sends cmd without waiting.
func (s *Session) Command(cmd string) error {
	if !s.verified {
		return ErrUnverified
	}
	return s.t.Command("%s", cmd)
}

// Clear sends a device clear.
func (s *Session) Clear() error {
	if !s.verified {
		return ErrUnverified
	}
	return s.t.ClearDevice()
}

// CommandRetry sends a configuration command and waits for completion. A
// missed completion signal re-sends the same command, up to the configured
// number of retries; when all attempts time out a *ConfigError wrapping
// gpib.ErrSRQTimeout is returned. Other failures are not retried.
func (s *Session) CommandRetry(ctx context.Context, cmd string) error {
	if !s.verified {
		return ErrUnverified
	}
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if err = s.t.Command("%s", cmd); err != nil {
			return &ConfigError{Instrument: s.id.Name, Op: cmd, Err: err}
		}
		err = s.t.WaitForSRQ(ctx, s.srqTimeout)
		if err == nil {
			return nil
		}
		if !errors.Is(err, gpib.ErrSRQTimeout) {
			return &ConfigError{Instrument: s.id.Name, Op: cmd, Err: err}
		}
		s.log.Warn().Str("instrument", s.id.Name).Str("cmd", cmd).Int("attempt", attempt+1).Msg("service request timed out")
	}
	return &ConfigError{Instrument: s.id.Name, Op: cmd, Err: fmt.Errorf("%d attempts: %w", s.retries+1, err)}
}

// Trigger sends a measurement command and waits for its completion signal.
// A timeout of zero or less waits as long as ctx allows. A missed signal is
// a *SyncError.
func (s *Session) Trigger(ctx context.Context, cmd string, timeout time.Duration) error {
	if !s.verified {
		return ErrUnverified
	}
	if err := s.t.Command("%s", cmd); err != nil {
		return &SyncError{Instrument: s.id.Name, Cmd: cmd, Timeout: timeout, Err: err}
	}
	if err := s.t.WaitForSRQ(ctx, timeout); err != nil {
		return &SyncError{Instrument: s.id.Name, Cmd: cmd, Timeout: timeout, Err: err}
	}
	return nil
}

// Read queries cmd and returns the trimmed reply.
func (s *Session) Read(cmd string) (string, error) {
	if !s.verified {
		return "", ErrUnverified
	}
	reply, err := s.t.Query(cmd)
	if err != nil {
		return "", fmt.Errorf("%s: %s: %w", s.id.Name, cmd, err)
	}
	return strings.TrimSpace(reply), nil
}

// ReadScalar queries cmd and parses the reply with ParseScalar.
func (s *Session) ReadScalar(cmd string, scale float64) (float64, error) {
	reply, err := s.Read(cmd)
	if err != nil {
		return 0, err
	}
	v, err := ParseScalar(reply, scale)
	if err != nil {
		var de *DataError
		if errors.As(err, &de) {
			de.Cmd = cmd
		}
		return 0, err
	}
	return v, nil
}

// Close releases the instrument. Later commands return ErrUnverified.
func (s *Session) Close() error {
	if !s.verified {
		return nil
	}
	s.verified = false
	s.log.Debug().Str("instrument", s.id.Name).Msg("closed")
	return s.t.Close()
}
