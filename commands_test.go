package specsweep

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validated(t *testing.T, cfg TestConfiguration) TestConfiguration {
	t.Helper()
	v, err := cfg.Validate()
	require.NoError(t, err)
	return v
}

func TestCommandsCVRange(t *testing.T) {
	cfg := DefaultConfiguration()
	cfg.Voltage = &Range{Start: 5, End: -5, Step: 0.5}
	cfg.Compensation = Compensation{Open: true, Load: true}
	cfg.SweepDelay = 50 * time.Millisecond
	cfg.DCSoak = -5

	assert.Equal(t, []string{
		":CVU:RESET",
		":CVU:MODEL 2",
		":CVU:SPEED 1",
		":CVU:ACV 0.03",
		":CVU:ACZ:RANGE 0",
		":CVU:FREQ 1000000",
		":CVU:SOAK:DCV -5",
		":CVU:CORRECT 1,0,1",
		":CVU:LENGTH 1.5",
		":CVU:DELAY:SWEEP 0.05",
		":CVU:SWEEP:DCV 5,-5,-0.5",
	}, Commands(validated(t, cfg)))
}

func TestCommandsCVSingle(t *testing.T) {
	cfg := DefaultConfiguration()
	cfg.BiasVoltage = -1.5
	cmds := Commands(validated(t, cfg))
	assert.Equal(t, ":CVU:DCV -1.5", cmds[len(cmds)-1])
	assert.NotContains(t, cmds, ":CVU:SWEEP:DCV")
}

func TestCommandsCF(t *testing.T) {
	cfg := DefaultConfiguration()
	cfg.Mode = ModeCF
	cfg.BiasVoltage = 2
	cfg.FrequencyRange = &Range{Start: 1e3, End: 1e7}
	cmds := Commands(validated(t, cfg))
	assert.Equal(t, []string{":CVU:DCV 2", ":CVU:SWEEP:FREQ 1000,10000000"}, cmds[len(cmds)-2:])
	for _, c := range cmds {
		assert.NotContains(t, c, ":CVU:FREQ ")
	}
}

func TestCommandsIV(t *testing.T) {
	cfg := DefaultConfiguration()
	cfg.Mode = ModeIV
	cfg.Voltage = &Range{Start: -1, End: 1, Step: 0.1}
	cfg.Compliance = 0.001
	cfg.SweepDelay = 100 * time.Millisecond
	cfg.IntegrationSpeed = 3

	assert.Equal(t, []string{
		"DE",
		"CH1,'VA','IA',1,1",
		"CH2",
		"SS",
		"VR1,-1,1,0.1,0.001",
		"DT 0.1",
		"SM",
		"IT 3",
	}, Commands(validated(t, cfg)))
}
