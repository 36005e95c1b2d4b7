// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package catalog

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
	"zombiezen.com/go/log"
)

// SpecFileName is the file name a package specification is stored under.
const SpecFileName = "pkg.yaml"

// specFile is the on-disk form of a [Spec].
type specFile struct {
	Name         Name     `yaml:"name"`
	Version      Version  `yaml:"version"`
	Image        string   `yaml:"image"`
	Dependencies []string `yaml:"dependencies"`
	Environment  []string `yaml:"environment"`
	Phases       []Phase  `yaml:"phases"`
	Script       string   `yaml:"script"`
	Sources      []Source `yaml:"sources"`
}

// Load reads every package specification under root
// and returns the resulting catalog.
// Specs are validated against the given phase vocabulary;
// a spec whose phase list is empty defaults to the full vocabulary.
func Load(ctx context.Context, root string, vocabulary []Phase) (*Catalog, error) {
	var specs []*Spec
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || entry.Name() != SpecFileName {
			return nil
		}
		spec, err := loadSpecFile(path, vocabulary)
		if err != nil {
			return err
		}
		log.Debugf(ctx, "Loaded %v from %s", spec.ID(), path)
		specs = append(specs, spec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load catalog from %s: %w", root, err)
	}
	c, err := New(specs)
	if err != nil {
		return nil, fmt.Errorf("load catalog from %s: %w", root, err)
	}
	log.Infof(ctx, "Loaded %d package specifications from %s", c.Len(), root)
	return c, nil
}

func loadSpecFile(path string, vocabulary []Phase) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	spec, err := parseSpec(data, vocabulary)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return spec, nil
}

func parseSpec(data []byte, vocabulary []Phase) (*Spec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var file specFile
	if err := dec.Decode(&file); err != nil {
		return nil, err
	}
	spec := &Spec{
		Name:        file.Name,
		Version:     file.Version,
		Image:       file.Image,
		Environment: file.Environment,
		Phases:      file.Phases,
		Script:      file.Script,
		Sources:     file.Sources,
	}
	if len(spec.Phases) == 0 {
		spec.Phases = append([]Phase(nil), vocabulary...)
	}
	for _, dep := range file.Dependencies {
		id, err := ParseID(dep)
		if err != nil {
			return nil, err
		}
		if id.Version == "" {
			return nil, fmt.Errorf("dependency %q: missing version", dep)
		}
		spec.Dependencies = append(spec.Dependencies, id)
	}
	if err := spec.Validate(vocabulary); err != nil {
		return nil, err
	}
	return spec, nil
}
