package persona

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML persona file at path and returns a validated [Persona].
func Load(path string) (*Persona, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("persona: open %q: %w", path, err)
	}
	defer f.Close()

	p, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("persona: parse %q: %w", path, err)
	}
	return p, nil
}

// LoadFromReader decodes a YAML persona from r and validates the result.
func LoadFromReader(r io.Reader) (*Persona, error) {
	p := &Persona{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("persona: decode yaml: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// validate checks that the persona is usable. Zero-valued voice tuning fields
// mean provider defaults and pass.
func (p *Persona) validate() error {
	var errs []error

	if p.Name == "" {
		errs = append(errs, errors.New("persona: name is required"))
	}
	if p.SystemPrompt == "" {
		errs = append(errs, errors.New("persona: system_prompt is required"))
	}
	if p.Voice.PitchShift < -10 || p.Voice.PitchShift > 10 {
		errs = append(errs, fmt.Errorf("persona: voice.pitch_shift %.1f is out of range [-10, 10]", p.Voice.PitchShift))
	}
	if p.Voice.SpeedFactor != 0 && (p.Voice.SpeedFactor < 0.5 || p.Voice.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("persona: voice.speed_factor %.2f is out of range [0.5, 2.0]", p.Voice.SpeedFactor))
	}

	return errors.Join(errs...)
}
