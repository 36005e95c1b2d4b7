// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package catalog provides the normalized in-memory view of package specifications
// that a build run operates on.
//
// A [Spec] describes a single buildable package:
// its identity, its dependencies, the container image it builds on,
// the environment variables its build script may see,
// the ordered list of build phases to run,
// and the build script template itself.
// Specs are immutable once loaded for a run.
package catalog

import (
	"fmt"
	"iter"
	"regexp"
	"strings"

	"kiln.build/pkg/internal/xmaps"
	"kiln.build/pkg/sets"
)

// Name is the name of a package.
type Name string

var validName = regexp.MustCompile(`^[a-z0-9][a-z0-9._+-]*$`)

// IsValidName reports whether s can be used as a package name.
func IsValidName(s string) bool {
	return validName.MatchString(s)
}

var validEnvName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsValidEnvName reports whether s can be requested as an environment variable.
func IsValidEnvName(s string) bool {
	return validEnvName.MatchString(s)
}

// Version is a package version string.
// Versions are opaque to the build engine:
// two specs are distinct if and only if their (name, version) pairs differ.
type Version string

// An ID is the identity of a package specification: its name and version.
type ID struct {
	Name    Name
	Version Version
}

// String formats the identity as "name@version".
func (id ID) String() string {
	return string(id.Name) + "@" + string(id.Version)
}

// ParseID parses a "name@version" string as used on the command line.
// The version part may be omitted, leaving ID.Version empty.
func ParseID(s string) (ID, error) {
	name, version, _ := strings.Cut(s, "@")
	if !IsValidName(name) {
		return ID{}, fmt.Errorf("parse package %q: invalid name", s)
	}
	return ID{Name: Name(name), Version: Version(version)}, nil
}

// A Phase is a named step of a package build.
// The set of legal phase names and their global order
// is the configured phase vocabulary,
// validated when the catalog is loaded.
type Phase string

// ValidatePhases checks that phases is a subsequence of the vocabulary.
func ValidatePhases(phases, vocabulary []Phase) error {
	i := 0
	for _, p := range phases {
		for i < len(vocabulary) && vocabulary[i] != p {
			i++
		}
		if i >= len(vocabulary) {
			return fmt.Errorf("phase %q is not in the configured phase order %v", p, vocabulary)
		}
		i++
	}
	return nil
}

// A Source is a remote file the package build consumes,
// together with the digest the downloaded file must match.
type Source struct {
	URL              string     `yaml:"url"`
	Hash             SourceHash `yaml:"hash"`
	DownloadManually bool       `yaml:"download_manually"`
}

// SourceHash is an expected digest for a package source.
type SourceHash struct {
	Type  string `yaml:"type"`
	Value string `yaml:"hash"`
}

func (h SourceHash) validate() error {
	switch h.Type {
	case "sha256", "sha512":
	default:
		return fmt.Errorf("unsupported hash type %q", h.Type)
	}
	if h.Value == "" {
		return fmt.Errorf("missing hash value")
	}
	return nil
}

// Spec is a single package specification.
type Spec struct {
	Name    Name
	Version Version

	// Dependencies are the identities of the packages
	// whose build outputs this package needs, in declaration order.
	Dependencies []ID
	// Image is the container image reference the build runs on.
	Image string
	// Environment is the list of environment variable names
	// the build script requests.
	Environment []string
	// Phases is the ordered subset of the phase vocabulary to execute.
	Phases []Phase
	// Script is the build script template.
	Script string
	// Sources are the remote inputs of the package.
	Sources []Source
}

// ID returns the spec's identity.
func (spec *Spec) ID() ID {
	return ID{Name: spec.Name, Version: spec.Version}
}

// Validate checks the internal consistency of the spec
// against the given phase vocabulary.
func (spec *Spec) Validate(vocabulary []Phase) error {
	if !IsValidName(string(spec.Name)) {
		return fmt.Errorf("package %q: invalid name", spec.Name)
	}
	if spec.Version == "" {
		return fmt.Errorf("package %s: missing version", spec.Name)
	}
	if spec.Image == "" {
		return fmt.Errorf("package %v: missing image", spec.ID())
	}
	if len(spec.Phases) == 0 {
		return fmt.Errorf("package %v: no phases", spec.ID())
	}
	if err := ValidatePhases(spec.Phases, vocabulary); err != nil {
		return fmt.Errorf("package %v: %v", spec.ID(), err)
	}
	seen := make(map[ID]struct{}, len(spec.Dependencies))
	for _, dep := range spec.Dependencies {
		if !IsValidName(string(dep.Name)) {
			return fmt.Errorf("package %v: dependency %q: invalid name", spec.ID(), dep.Name)
		}
		if dep.Version == "" {
			return fmt.Errorf("package %v: dependency %s: missing version", spec.ID(), dep.Name)
		}
		if _, dup := seen[dep]; dup {
			return fmt.Errorf("package %v: duplicate dependency %v", spec.ID(), dep)
		}
		seen[dep] = struct{}{}
	}
	for _, name := range spec.Environment {
		if !IsValidEnvName(name) {
			return fmt.Errorf("package %v: invalid environment variable name %q", spec.ID(), name)
		}
	}
	for i, src := range spec.Sources {
		if src.URL == "" {
			return fmt.Errorf("package %v: source %d: missing url", spec.ID(), i)
		}
		if err := src.Hash.validate(); err != nil {
			return fmt.Errorf("package %v: source %d: %v", spec.ID(), i, err)
		}
	}
	return nil
}

// A Catalog holds the full set of package specifications available to a run.
type Catalog struct {
	specs  map[ID]*Spec
	byName map[Name][]*Spec
}

// New builds a catalog from the given specs.
// Specs with duplicate identities are an error.
func New(specs []*Spec) (*Catalog, error) {
	c := &Catalog{
		specs:  make(map[ID]*Spec, len(specs)),
		byName: make(map[Name][]*Spec),
	}
	for _, spec := range specs {
		id := spec.ID()
		if _, exists := c.specs[id]; exists {
			return nil, fmt.Errorf("duplicate package %v", id)
		}
		c.specs[id] = spec
		c.byName[spec.Name] = append(c.byName[spec.Name], spec)
	}
	return c, nil
}

// Len returns the number of specs in the catalog.
func (c *Catalog) Len() int {
	return len(c.specs)
}

// Get returns the spec with the given identity.
func (c *Catalog) Get(id ID) (*Spec, bool) {
	spec, ok := c.specs[id]
	return spec, ok
}

// FindByName returns all specs with the given name.
func (c *Catalog) FindByName(name Name) []*Spec {
	return c.byName[name]
}

// Resolve finds the single spec matching id.
// If id.Version is empty, the name must match exactly one spec.
func (c *Catalog) Resolve(id ID) (*Spec, error) {
	if id.Version != "" {
		spec, ok := c.Get(id)
		if !ok {
			return nil, fmt.Errorf("package %v not found", id)
		}
		return spec, nil
	}
	candidates := c.FindByName(id.Name)
	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("package %s not found", id.Name)
	case 1:
		return candidates[0], nil
	default:
		versions := sets.NewSorted[Version]()
		for _, spec := range candidates {
			versions.Add(spec.Version)
		}
		parts := make([]string, 0, versions.Len())
		for v := range versions.Values() {
			parts = append(parts, string(v))
		}
		return nil, fmt.Errorf("package %s is ambiguous (versions: %s)", id.Name, strings.Join(parts, ", "))
	}
}

// All returns an iterator over the specs in the catalog
// in sorted identity order.
func (c *Catalog) All() iter.Seq[*Spec] {
	keyed := make(map[string]*Spec, len(c.specs))
	for id, spec := range c.specs {
		keyed[id.String()] = spec
	}
	return func(yield func(*Spec) bool) {
		for _, spec := range xmaps.Sorted(keyed) {
			if !yield(spec) {
				return
			}
		}
	}
}
