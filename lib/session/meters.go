package session

// Thermometer is a Lake Shore 331 temperature controller.
type Thermometer struct {
	*Session
	cmd string
}

// NewThermometer reads kelvin on input A unless WithInput says otherwise.
func NewThermometer(s *Session) *Thermometer {
	return &Thermometer{Session: s, cmd: "KRDG? A"}
}

// WithInput selects the sensor input, "A" or "B".
func (t *Thermometer) WithInput(in string) *Thermometer {
	t.cmd = "KRDG? " + in
	return t
}

// Temperature returns the sensor reading in kelvin.
func (t *Thermometer) Temperature() (float64, error) {
	return t.ReadScalar(t.cmd, 1)
}

// LockInReading is one sample of the lock-in outputs.
type LockInReading struct {
	Frequency float64 // Hz
	Magnitude float64
	Phase     float64 // degrees
}

// LockIn is an EG&G 5302. It reports frequency, magnitude and phase as
// integers scaled by 1000, 100 and 1000.
type LockIn struct {
	*Session
}

// NewLockIn wraps a verified session.
func NewLockIn(s *Session) *LockIn { return &LockIn{Session: s} }

// Frequency returns the reference frequency.
func (l *LockIn) Frequency() (float64, error) { return l.ReadScalar("FRQ", 1000) }

// Magnitude returns the signal magnitude.
func (l *LockIn) Magnitude() (float64, error) { return l.ReadScalar("MAG", 100) }

// Phase returns the signal phase.
func (l *LockIn) Phase() (float64, error) { return l.ReadScalar("PHA", 1000) }

// Sample reads magnitude and phase, then frequency.
func (l *LockIn) Sample() (LockInReading, error) {
	var r LockInReading
	var err error
	if r.Magnitude, err = l.Magnitude(); err != nil {
		return r, err
	}
	if r.Phase, err = l.Phase(); err != nil {
		return r, err
	}
	if r.Frequency, err = l.Frequency(); err != nil {
		return r, err
	}
	return r, nil
}
