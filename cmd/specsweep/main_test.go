package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gotmc/specsweep/lib/connutil"
	"github.com/gotmc/specsweep/lib/session"
	"github.com/gotmc/specsweep/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// adapterPort is a GPIB adapter with a 4200-SCS behind it. It answers the
// identity and spot impedance queries and reads as timed out otherwise.
type adapterPort struct {
	serial.Port
	id      string
	lines   []string
	replies bytes.Buffer
	closed  bool
}

func (p *adapterPort) Write(b []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimSuffix(string(b), "\n"), "\n") {
		p.lines = append(p.lines, line)
		switch line {
		case "ID":
			p.replies.WriteString(p.id + "\n")
		case ":CVU:MEASZ?":
			p.replies.WriteString("1.5E-12,2.5E-3\n")
		}
	}
	return len(b), nil
}

func (p *adapterPort) Read(b []byte) (int, error) {
	if p.replies.Len() == 0 {
		return 0, nil
	}
	return p.replies.Read(b)
}

func (p *adapterPort) SetReadTimeout(time.Duration) error { return nil }
func (p *adapterPort) ResetInputBuffer() error            { return nil }
func (p *adapterPort) ResetOutputBuffer() error           { return nil }

func (p *adapterPort) Close() error {
	p.closed = true
	return nil
}

func (p *adapterPort) count(line string) int {
	n := 0
	for _, l := range p.lines {
		if l == line {
			n++
		}
	}
	return n
}

func opener(p *adapterPort, opened *int) connutil.StationOption {
	return connutil.WithOpener(func(name string, mode *serial.Mode) (serial.Port, error) {
		*opened++
		return p, nil
	})
}

func writeRecipe(t *testing.T, dir, name, doc string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func benchArgs(out string, recipes ...string) []string {
	args := []string{"--gpib-port", "/dev/ttyUSB9", "--delay=0s", "--pause=0s", "--out", out, "--log-level", "error"}
	for _, r := range recipes {
		args = append(args, "--recipe", r)
	}
	return args
}

func TestRunRecipesBackToBack(t *testing.T) {
	dir := t.TempDir()
	a := writeRecipe(t, dir, "a.yaml", "name: dark-a\nrepetitions: 1\n")
	b := writeRecipe(t, dir, "b.yaml", "name: dark-b\nrepetitions: 1\nbias_voltage: -1\n")
	port := &adapterPort{id: "KI4200 KXCI"}
	var opened int

	require.NoError(t, run(benchArgs(dir, a, b), &bytes.Buffer{}, opener(port, &opened)))
	assert.Equal(t, 1, opened, "one adapter for the whole batch")
	assert.Equal(t, 2, port.count("ID"), "each run verifies the analyzer afresh")
	assert.Equal(t, 2, port.count(":CVU:MEASZ?"))
	assert.Contains(t, port.lines, ":CVU:DCV -1")
	assert.True(t, port.closed)

	for _, name := range []string{"dark-a", "dark-b"} {
		files, err := filepath.Glob(filepath.Join(dir, name+"-CV-*.csv"))
		require.NoError(t, err)
		assert.Len(t, files, 1, name)
	}
}

func TestRunStopsAtFatalRecipe(t *testing.T) {
	dir := t.TempDir()
	a := writeRecipe(t, dir, "a.yaml", "name: dark-a\nrepetitions: 1\n")
	b := writeRecipe(t, dir, "b.yaml", "name: dark-b\nrepetitions: 1\n")
	port := &adapterPort{id: "MODEL340"}
	var opened int

	err := run(benchArgs(dir, a, b), &bytes.Buffer{}, opener(port, &opened))
	var ce *session.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "4200-SCS", ce.Instrument)
	assert.Equal(t, 1, port.count("ID"), "second recipe never started")
	assert.True(t, port.closed)

	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestRunChecksEveryRecipeFirst(t *testing.T) {
	dir := t.TempDir()
	a := writeRecipe(t, dir, "a.yaml", "name: dark-a\n")
	b := writeRecipe(t, dir, "b.yaml", "mode: iv\n")
	port := &adapterPort{id: "KI4200 KXCI"}
	var opened int

	err := run(benchArgs(dir, a, b), &bytes.Buffer{}, opener(port, &opened))
	assert.ErrorContains(t, err, "IV needs a voltage range")
	assert.Zero(t, opened)
}

func TestRunDryRun(t *testing.T) {
	dir := t.TempDir()
	a := writeRecipe(t, dir, "a.yaml", "name: dark-a\n")
	b := writeRecipe(t, dir, "b.yaml", "mode: iv\nvoltage: {start: 0, end: 1, step: 0.5}\n")
	var out bytes.Buffer
	var opened int

	require.NoError(t, run(append(benchArgs(dir, a, b), "--dry-run"), &out, opener(&adapterPort{}, &opened)))
	assert.Zero(t, opened)
	assert.Contains(t, out.String(), "# "+a+" (CV)\n")
	assert.Contains(t, out.String(), "# "+b+" (IV)\n")
	assert.Contains(t, out.String(), "VR1,0,1,0.5,0.01")
}

func TestRunNeedsRecipe(t *testing.T) {
	err := run([]string{"--log-level", "error"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "--recipe is required")
}

func TestLedgerQueriesNeedDatabase(t *testing.T) {
	err := run([]string{"--list-runs", "5"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "--db")
	err = run([]string{"--show-run", uuid.NewString()}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "--db")
}

func TestRunTable(t *testing.T) {
	id := uuid.MustParse("5f0c2a3e-0000-4000-8000-000000000001")
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := runTable([]store.RunRow{{
		RunID:      id,
		Name:       "illuminated_cv",
		Mode:       "CV",
		Steps:      3,
		StartedAt:  start,
		FinishedAt: start.Add(90 * time.Second),
	}})
	for _, want := range []string{"Run", id.String(), "illuminated_cv", "CV", "1m30s"} {
		assert.Contains(t, s, want)
	}
}

func TestStepTable(t *testing.T) {
	s := stepTable([]store.StepRow{
		{Index: 0, Wavelength: 5000, Primary: []float64{1, 2, 3}, Temperature: 77, LockInMagnitude: 0.5, Quality: "ok"},
		{Index: 1, Wavelength: 5250, Quality: "temperature-missing"},
	})
	for _, want := range []string{"Wavelength", "5000", "5250", "77", "0.5", "temperature-missing"} {
		assert.Contains(t, s, want)
	}
}
