// Package config loads ralloc.yaml: the default calling convention, extra
// convention tables and the allocation policy.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tinyrange/ralloc/internal/abi"
	"github.com/tinyrange/ralloc/internal/ralloc"
	"github.com/xyproto/env/v2"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

const (
	Filename = "ralloc.yaml"

	// SchemaVersion is written by WriteFile. Files with the same major
	// version and at least MinVersion are accepted.
	SchemaVersion = "v1.1.0"
	MinVersion    = "v1.0.0"
)

// Config is the decoded ralloc.yaml.
type Config struct {
	Version     string     `yaml:"version"`
	ABI         string     `yaml:"abi"`
	Trace       bool       `yaml:"trace,omitempty"`
	Conventions []abi.Spec `yaml:"conventions,omitempty"`
	Policy      PolicyFile `yaml:"policy"`
}

type PolicyFile struct {
	PreferPreserved  bool `yaml:"preferPreserved,omitempty"`
	OmitFramePointer bool `yaml:"omitFramePointer,omitempty"`
	// ReuseSlots defaults to true when omitted.
	ReuseSlots    *bool               `yaml:"reuseSlots,omitempty"`
	SpillWeights  ralloc.SpillWeights `yaml:"spillWeights,omitempty"`
	MaxFrameBytes int                 `yaml:"maxFrameBytes,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Version == "" {
		c.Version = SchemaVersion
	}
	if !strings.HasPrefix(c.Version, "v") {
		c.Version = "v" + c.Version
	}
	if c.ABI == "" {
		c.ABI = abi.Default().Name
	}
	if c.Policy.ReuseSlots == nil {
		reuse := ralloc.DefaultPolicy().ReuseSlots
		c.Policy.ReuseSlots = &reuse
	}
}

func (c *Config) checkVersion() error {
	if !semver.IsValid(c.Version) {
		return fmt.Errorf("version %q is not a semantic version", c.Version)
	}
	if semver.Major(c.Version) != semver.Major(SchemaVersion) {
		return fmt.Errorf("version %s is not supported (want %s.x)", c.Version, semver.Major(SchemaVersion))
	}
	if semver.Compare(c.Version, MinVersion) < 0 {
		return fmt.Errorf("version %s is older than %s", c.Version, MinVersion)
	}
	if semver.Compare(c.Version, SchemaVersion) > 0 {
		return fmt.Errorf("version %s is newer than %s", c.Version, SchemaVersion)
	}
	return nil
}

// applyEnv lets RALLOC_ABI, RALLOC_TRACE and RALLOC_PREFER_PRESERVED
// override the file. env caches the process environment, so it is
// reloaded on every call.
func (c *Config) applyEnv() {
	env.Load()
	c.ABI = env.Str("RALLOC_ABI", c.ABI)
	if env.Has("RALLOC_TRACE") {
		c.Trace = env.Bool("RALLOC_TRACE")
	}
	if env.Has("RALLOC_PREFER_PRESERVED") {
		c.Policy.PreferPreserved = env.Bool("RALLOC_PREFER_PRESERVED")
	}
}

// Parse decodes a configuration. Unknown keys are errors.
func Parse(r io.Reader) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse %s: %w", Filename, err)
	}
	c.normalize()
	if err := c.checkVersion(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", Filename, err)
	}
	c.applyEnv()
	return c, nil
}

// Load reads path. A missing file yields the defaults with the
// environment applied.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		c := Default()
		c.applyEnv()
		return c, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(bytes.NewReader(data))
}

// WriteFile stores c as YAML.
func WriteFile(path string, c Config) error {
	c.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Register adds the file's conventions to the process-wide table.
// Conventions already registered under the same name are left alone.
func (c Config) Register() error {
	for _, spec := range c.Conventions {
		if _, err := abi.Lookup(spec.Name); err == nil {
			continue
		}
		conv, err := spec.Convention()
		if err != nil {
			return err
		}
		if err := abi.Register(conv); err != nil {
			return err
		}
	}
	return nil
}

// Convention resolves the configured default convention. Register must
// have run when it names a convention from the file.
func (c Config) Convention() (*abi.Convention, error) {
	return abi.Lookup(c.ABI)
}

// AllocPolicy converts the policy section.
func (c Config) AllocPolicy() ralloc.Policy {
	p := ralloc.Policy{
		PreferPreserved:  c.Policy.PreferPreserved,
		OmitFramePointer: c.Policy.OmitFramePointer,
		SpillWeights:     c.Policy.SpillWeights,
		MaxFrameBytes:    c.Policy.MaxFrameBytes,
	}
	if c.Policy.ReuseSlots != nil {
		p.ReuseSlots = *c.Policy.ReuseSlots
	}
	return p
}
