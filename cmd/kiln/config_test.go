// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"kiln.build/pkg/internal/endpoint"
)

func TestConfigMergeFiles(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.hujson")
	override := filepath.Join(dir, "override.hujson")
	if err := os.WriteFile(base, []byte(`{
		// Site defaults.
		"catalogDir": "/srv/kiln/packages",
		"phaseTimeout": "30m",
		"docker": {
			"endpoints": [
				{"name": "local", "uri": "/var/run/docker.sock", "type": "socket", "maxjobs": 2},
			],
		},
	}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(override, []byte(`{"phaseTimeout": "1h"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := defaultConfig()
	// Missing files are skipped, later files win.
	paths := []string{filepath.Join(dir, "missing.hujson"), base, override}
	if err := cfg.mergeFiles(paths); err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}

	if cfg.CatalogDir != "/srv/kiln/packages" {
		t.Errorf("CatalogDir = %q; want /srv/kiln/packages", cfg.CatalogDir)
	}
	timeout, err := cfg.phaseTimeout()
	if err != nil {
		t.Fatal(err)
	}
	if timeout != time.Hour {
		t.Errorf("phaseTimeout = %v; want 1h", timeout)
	}
	eps, err := cfg.endpointConfigs()
	if err != nil {
		t.Fatal(err)
	}
	want := []endpoint.Config{{
		Name:    "local",
		URI:     "/var/run/docker.sock",
		Kind:    endpoint.LocalSocket,
		MaxJobs: 2,
	}}
	if diff := cmp.Diff(want, eps); diff != "" {
		t.Errorf("endpointConfigs() (-want +got):\n%s", diff)
	}
}

func TestConfigRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.hujson")
	if err := os.WriteFile(path, []byte(`{"catalogueDir": "/oops"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := defaultConfig()
	if err := cfg.mergeFiles([]string{path}); err == nil {
		t.Error("mergeFiles accepted an unknown field")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config)
	}{
		{"NoPhases", func(c *config) { c.AvailablePhases = nil }},
		{"BadTimeout", func(c *config) { c.PhaseTimeout = "soon" }},
		{"NoDatabase", func(c *config) { c.Database = "" }},
		{"BadEndpointType", func(c *config) {
			c.Docker.Endpoints = []endpointConfig{{Name: "x", URI: "u", Type: "smoke-signal", MaxJobs: 1}}
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := defaultConfig()
			test.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Error("validate accepted a bad configuration")
			}
		})
	}
}
