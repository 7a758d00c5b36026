package specsweep

import (
	"fmt"
	"strconv"
)

// Commands returns the analyzer command list for a validated configuration,
// in the order it must be sent.
func Commands(c TestConfiguration) []string {
	switch c.Mode {
	case ModeCV:
		cmds := append(impedancePreamble(c), ":CVU:FREQ "+num(c.Frequency))
		cmds = append(cmds, impedanceSetup(c)...)
		if c.Voltage == nil {
			return append(cmds, ":CVU:DCV "+num(c.BiasVoltage))
		}
		v := c.Voltage
		return append(cmds, fmt.Sprintf(":CVU:SWEEP:DCV %s,%s,%s", num(v.Start), num(v.End), num(v.Step)))
	case ModeCF:
		cmds := append(impedancePreamble(c), impedanceSetup(c)...)
		f := c.FrequencyRange
		return append(cmds,
			":CVU:DCV "+num(c.BiasVoltage),
			fmt.Sprintf(":CVU:SWEEP:FREQ %s,%s", num(f.Start), num(f.End)),
		)
	case ModeIV:
		v := c.Voltage
		return []string{
			"DE",
			"CH1,'VA','IA',1,1",
			"CH2",
			"SS",
			fmt.Sprintf("VR1,%s,%s,%s,%s", num(v.Start), num(v.End), num(v.Step), num(c.Compliance)),
			"DT " + num(c.SweepDelay.Seconds()),
			"SM",
			"IT " + strconv.Itoa(c.IntegrationSpeed),
		}
	}
	return nil
}

func impedancePreamble(c TestConfiguration) []string {
	return []string{
		":CVU:RESET",
		":CVU:MODEL " + strconv.Itoa(c.Model),
		":CVU:SPEED " + strconv.Itoa(c.Speed),
		":CVU:ACV " + num(c.ACVoltage),
		":CVU:ACZ:RANGE " + c.ACZRange,
	}
}

func impedanceSetup(c TestConfiguration) []string {
	return []string{
		":CVU:SOAK:DCV " + num(c.DCSoak),
		fmt.Sprintf(":CVU:CORRECT %d,%d,%d", flag(c.Compensation.Open), flag(c.Compensation.Short), flag(c.Compensation.Load)),
		":CVU:LENGTH " + c.CableLength,
		":CVU:DELAY:SWEEP " + num(c.SweepDelay.Seconds()),
	}
}

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}
