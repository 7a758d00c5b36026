package specsweep

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadRecipe decodes a YAML run description on top of DefaultConfiguration
// and validates it. Unknown keys are rejected. Durations are written as Go
// duration strings ("750ms", "2s").
//
//	name: dark-cv
//	mode: cv
//	voltage: {start: -5, end: 5, step: 1}
//	wavelength: {start: 5000, end: 5500, step: 250}
//	settle: 2s
//	shutter: auto
func LoadRecipe(r io.Reader) (TestConfiguration, error) {
	cfg := DefaultConfiguration()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg.Validate()
}

// LoadRecipeFile reads a recipe from path.
func LoadRecipeFile(path string) (TestConfiguration, error) {
	f, err := os.Open(path)
	if err != nil {
		return TestConfiguration{}, err
	}
	defer f.Close()
	cfg, err := LoadRecipe(f)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// UnmarshalYAML accepts the names ParseMode does.
func (m *Mode) UnmarshalYAML(n *yaml.Node) error {
	v, err := ParseMode(n.Value)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// MarshalYAML writes the lower-case mode name.
func (m Mode) MarshalYAML() (any, error) {
	switch m {
	case ModeCV:
		return "cv", nil
	case ModeCF:
		return "cf", nil
	case ModeIV:
		return "iv", nil
	}
	return nil, fmt.Errorf("%w: mode %d", ErrInvalidConfig, int(m))
}

// UnmarshalYAML accepts the names ParseShutterPolicy does.
func (p *ShutterPolicy) UnmarshalYAML(n *yaml.Node) error {
	v, err := ParseShutterPolicy(n.Value)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// MarshalYAML writes the policy name.
func (p ShutterPolicy) MarshalYAML() (any, error) { return p.String(), nil }
