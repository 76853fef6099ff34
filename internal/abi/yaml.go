package abi

import (
	"fmt"
	"io"

	"github.com/tinyrange/ralloc/internal/asm"
	"gopkg.in/yaml.v3"
)

// Spec is the YAML form of a Convention. Registers are spelled by name.
type Spec struct {
	Name           string   `yaml:"name"`
	Args           []string `yaml:"args"`
	VectorArgs     []string `yaml:"vectorArgs,omitempty"`
	Positional     bool     `yaml:"positional,omitempty"`
	ShadowSpace    int      `yaml:"shadowSpace,omitempty"`
	StackAlign     int      `yaml:"stackAlign,omitempty"`
	AlignedOnEntry *bool    `yaml:"alignedOnEntry,omitempty"`
	CalleePops     bool     `yaml:"calleePops,omitempty"`
	Returns        []string `yaml:"returns"`
	VectorReturns  []string `yaml:"vectorReturns,omitempty"`
	Preserved      []string `yaml:"preserved"`
}

func parseRegs(what string, bank asm.Bank, names []string) ([]uint8, error) {
	out := make([]uint8, 0, len(names))
	for _, name := range names {
		r, err := asm.ParseReg(name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", what, err)
		}
		if r.Bank != bank {
			return nil, fmt.Errorf("%s: %s is not a %s register", what, name, bank)
		}
		out = append(out, r.Index)
	}
	return out, nil
}

// Convention converts s to a Convention, filling defaults for omitted fields.
func (s Spec) Convention() (*Convention, error) {
	c := &Convention{
		Name:           s.Name,
		Positional:     s.Positional,
		ShadowSpace:    s.ShadowSpace,
		StackAlign:     s.StackAlign,
		AlignedOnEntry: true,
		CalleePops:     s.CalleePops,
	}
	if c.StackAlign == 0 {
		c.StackAlign = 16
	}
	if s.AlignedOnEntry != nil {
		c.AlignedOnEntry = *s.AlignedOnEntry
	}

	var err error
	if c.GPArgs, err = parseRegs("args", asm.GP, s.Args); err != nil {
		return nil, fmt.Errorf("convention %q: %w", s.Name, err)
	}
	if c.XMMArgs, err = parseRegs("vectorArgs", asm.XMM, s.VectorArgs); err != nil {
		return nil, fmt.Errorf("convention %q: %w", s.Name, err)
	}
	if c.GPReturn, err = parseRegs("returns", asm.GP, s.Returns); err != nil {
		return nil, fmt.Errorf("convention %q: %w", s.Name, err)
	}
	if c.XMMReturn, err = parseRegs("vectorReturns", asm.XMM, s.VectorReturns); err != nil {
		return nil, fmt.Errorf("convention %q: %w", s.Name, err)
	}
	for _, name := range s.Preserved {
		r, err := asm.ParseReg(name)
		if err != nil {
			return nil, fmt.Errorf("convention %q: preserved: %w", s.Name, err)
		}
		c.Preserved[r.Bank] |= 1 << r.Index
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadYAML decodes a list of convention specs.
func LoadYAML(r io.Reader) ([]*Convention, error) {
	var specs []Spec
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&specs); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode conventions: %w", err)
	}
	out := make([]*Convention, 0, len(specs))
	for _, s := range specs {
		c, err := s.Convention()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
