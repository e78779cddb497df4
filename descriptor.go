package weave

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// BundleManifest is the declarative form of a bundle: the factories it
// registers and the instances it spins up, loadable from YAML or TOML.
// Constructors cannot be serialized, so each factory names a constructor
// previously registered on the runtime with RegisterConstructor.
type BundleManifest struct {
	Bundle    string             `yaml:"bundle" toml:"bundle"`
	Factories []FactoryManifest  `yaml:"factories" toml:"factories"`
	Instances []InstanceManifest `yaml:"instances" toml:"instances"`
}

// FactoryManifest declares one component factory.
type FactoryManifest struct {
	ID           string                `yaml:"id" toml:"id"`
	Constructor  string                `yaml:"constructor" toml:"constructor"`
	Provides     []string              `yaml:"provides" toml:"provides"`
	Properties   map[string]any        `yaml:"properties" toml:"properties"`
	Requirements []RequirementManifest `yaml:"requirements" toml:"requirements"`
}

// RequirementManifest declares one dependency of a factory's instances.
type RequirementManifest struct {
	Name            string `yaml:"name" toml:"name"`
	Specification   string `yaml:"specification" toml:"specification"`
	Filter          string `yaml:"filter" toml:"filter"`
	Aggregate       bool   `yaml:"aggregate" toml:"aggregate"`
	Optional        bool   `yaml:"optional" toml:"optional"`
	ImmediateRebind bool   `yaml:"immediate_rebind" toml:"immediate_rebind"`
}

// InstanceManifest declares one named instance of a factory.
type InstanceManifest struct {
	Name       string         `yaml:"name" toml:"name"`
	Factory    string         `yaml:"factory" toml:"factory"`
	Properties map[string]any `yaml:"properties" toml:"properties"`
}

// requirement converts the manifest form to the runtime form.
func (rm RequirementManifest) requirement() Requirement {
	return Requirement{
		Name:            rm.Name,
		Specification:   rm.Specification,
		Filter:          rm.Filter,
		Aggregate:       rm.Aggregate,
		Optional:        rm.Optional,
		ImmediateRebind: rm.ImmediateRebind,
	}
}

// LoadManifest reads a bundle manifest from a .yaml, .yml or .toml file.
func LoadManifest(path string) (*BundleManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	manifest := &BundleManifest{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, manifest); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrManifestFormat, path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(raw, manifest); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrManifestFormat, path, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported extension %q", ErrManifestFormat, filepath.Ext(path))
	}

	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return manifest, nil
}

// Validate checks structural consistency: the bundle is named, every
// factory has an id and constructor name, and every instance references
// a factory declared in the same manifest.
func (m *BundleManifest) Validate() error {
	if m.Bundle == "" {
		return fmt.Errorf("%w: missing bundle name", ErrManifestInvalid)
	}
	ids := make(map[string]bool, len(m.Factories))
	for _, f := range m.Factories {
		if f.ID == "" {
			return fmt.Errorf("%w: factory without id in bundle %q", ErrManifestInvalid, m.Bundle)
		}
		if f.Constructor == "" {
			return fmt.Errorf("%w: factory %q has no constructor", ErrManifestInvalid, f.ID)
		}
		if ids[f.ID] {
			return fmt.Errorf("%w: duplicate factory id %q", ErrManifestInvalid, f.ID)
		}
		ids[f.ID] = true
		for _, req := range f.Requirements {
			if err := req.requirement().Validate(); err != nil {
				return fmt.Errorf("%w: factory %q: %v", ErrManifestInvalid, f.ID, err)
			}
		}
	}
	for _, inst := range m.Instances {
		if inst.Name == "" {
			return fmt.Errorf("%w: instance without name in bundle %q", ErrManifestInvalid, m.Bundle)
		}
		if !ids[inst.Factory] {
			return fmt.Errorf("%w: instance %q references unknown factory %q", ErrManifestInvalid, inst.Name, inst.Factory)
		}
	}
	return nil
}

// ApplyManifest installs the manifest's bundle, registers its factories
// and starts its declared instances. Constructor names resolve through
// the runtime's constructor table; an unknown name fails the whole
// manifest before any side effect.
func (rt *Runtime) ApplyManifest(manifest *BundleManifest) (*Bundle, error) {
	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	constructors := make(map[string]func() Component, len(manifest.Factories))
	for _, f := range manifest.Factories {
		ctor, ok := rt.constructor(f.Constructor)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrConstructorNotFound, f.Constructor)
		}
		constructors[f.ID] = ctor
	}

	bundle, err := rt.InstallBundle(manifest.Bundle)
	if err != nil {
		return nil, err
	}

	for _, f := range manifest.Factories {
		reqs := make([]Requirement, 0, len(f.Requirements))
		for _, rm := range f.Requirements {
			reqs = append(reqs, rm.requirement())
		}
		factory := &ComponentFactory{
			ID:           f.ID,
			Constructor:  constructors[f.ID],
			Requirements: reqs,
			Provides:     f.Provides,
			Properties:   f.Properties,
		}
		if err := rt.factories.RegisterFactory(bundle, factory); err != nil {
			return bundle, fmt.Errorf("bundle %s: %w", manifest.Bundle, err)
		}
	}

	for _, inst := range manifest.Instances {
		if _, err := rt.factories.Instantiate(inst.Factory, inst.Name, inst.Properties); err != nil {
			return bundle, fmt.Errorf("bundle %s: %w", manifest.Bundle, err)
		}
	}

	rt.logger.Info("Manifest applied", "bundle", manifest.Bundle,
		"factories", len(manifest.Factories), "instances", len(manifest.Instances))
	return bundle, nil
}

// ApplyManifestFile loads and applies a manifest in one step.
func (rt *Runtime) ApplyManifestFile(path string) (*Bundle, error) {
	manifest, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	return rt.ApplyManifest(manifest)
}
