// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseSpec(t *testing.T) {
	const data = `
name: zlib
version: "1.3"
image: docker.io/library/alpine:3.20
dependencies:
  - musl@1.2
environment:
  - CFLAGS
phases:
  - sourcecheck
  - build
script: |
  ./configure --prefix=/outputs
  make install
sources:
  - url: https://zlib.net/zlib-1.3.tar.gz
    hash:
      type: sha256
      hash: ff0ba4c292013dbc27530b3a81e1f9a813cd39de01ca5e0f8bf355702efa593e
`
	got, err := parseSpec([]byte(data), testVocabulary)
	if err != nil {
		t.Fatal(err)
	}
	want := &Spec{
		Name:         "zlib",
		Version:      "1.3",
		Image:        "docker.io/library/alpine:3.20",
		Dependencies: []ID{{Name: "musl", Version: "1.2"}},
		Environment:  []string{"CFLAGS"},
		Phases:       []Phase{"sourcecheck", "build"},
		Script:       "./configure --prefix=/outputs\nmake install\n",
		Sources: []Source{{
			URL: "https://zlib.net/zlib-1.3.tar.gz",
			Hash: SourceHash{
				Type:  "sha256",
				Value: "ff0ba4c292013dbc27530b3a81e1f9a813cd39de01ca5e0f8bf355702efa593e",
			},
		}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("spec (-want +got):\n%s", diff)
	}
}

func TestParseSpecErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{
			name: "UnknownField",
			data: "name: zlib\nversion: \"1.3\"\nimage: img\nbogus: true\n",
		},
		{
			name: "MissingVersion",
			data: "name: zlib\nimage: img\n",
		},
		{
			name: "UnversionedDependency",
			data: "name: zlib\nversion: \"1.3\"\nimage: img\ndependencies: [musl]\n",
		},
		{
			name: "PhaseNotInVocabulary",
			data: "name: zlib\nversion: \"1.3\"\nimage: img\nphases: [compile]\n",
		},
		{
			name: "BadHashType",
			data: "name: zlib\nversion: \"1.3\"\nimage: img\nsources: [{url: \"https://example.com/a\", hash: {type: md5, hash: abc}}]\n",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if spec, err := parseSpec([]byte(test.data), testVocabulary); err == nil {
				t.Errorf("parseSpec succeeded (%+v); want error", spec)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeSpec := func(dir, data string) {
		t.Helper()
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(root, dir, SpecFileName), []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	writeSpec("zlib", "name: zlib\nversion: \"1.3\"\nimage: img\nscript: \"true\"\n")
	writeSpec("curl/8.0", "name: curl\nversion: \"8.0\"\nimage: img\ndependencies: [zlib@1.3]\nscript: \"true\"\n")

	c, err := Load(ctx, root, testVocabulary)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := c.Len(), 2; got != want {
		t.Errorf("Len() = %d; want %d", got, want)
	}
	spec, ok := c.Get(ID{Name: "curl", Version: "8.0"})
	if !ok {
		t.Fatal("curl@8.0 not loaded")
	}
	// A spec without an explicit phase list runs the full vocabulary.
	if diff := cmp.Diff(testVocabulary, spec.Phases); diff != "" {
		t.Errorf("curl phases (-want +got):\n%s", diff)
	}
}
