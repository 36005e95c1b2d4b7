// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package sourcecache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"kiln.build/pkg/catalog"
)

func TestVerify(t *testing.T) {
	cache, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	content := []byte("source tarball bytes")
	sum := sha256.Sum256(content)
	goodHash := hex.EncodeToString(sum[:])

	spec := &catalog.Spec{
		Name:    "zlib",
		Version: "1.3",
		Sources: []catalog.Source{
			{
				URL:  "https://example.com/pub/zlib-1.3.tar.gz",
				Hash: catalog.SourceHash{Type: "sha256", Value: goodHash},
			},
			{
				URL:  "https://example.com/pub/zlib-extras.tar.gz",
				Hash: catalog.SourceHash{Type: "sha256", Value: goodHash},
			},
			{
				URL:  "https://example.com/pub/zlib-docs.tar.gz",
				Hash: catalog.SourceHash{Type: "sha256", Value: goodHash},
			},
		},
	}

	// First source cached and matching, second corrupted, third missing.
	dir := filepath.Join(cache.root, "zlib-1.3")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "zlib-1.3.tar.gz"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "zlib-extras.tar.gz"), []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	results, err := cache.Verify(spec)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("Verify returned %d results; want 3", len(results))
	}
	if results[0].Err != nil {
		t.Errorf("matching source: %v", results[0].Err)
	}
	var mismatch *HashMismatchError
	if !errors.As(results[1].Err, &mismatch) {
		t.Errorf("corrupted source error = %v; want *HashMismatchError", results[1].Err)
	} else if mismatch.Got == mismatch.Want {
		t.Errorf("mismatch reports identical digests: %+v", mismatch)
	}
	if !errors.Is(results[2].Err, fs.ErrNotExist) {
		t.Errorf("missing source error = %v; want fs.ErrNotExist", results[2].Err)
	}
}

func TestPath(t *testing.T) {
	cache := &Cache{root: "/var/cache/kiln/sources"}
	pkg := catalog.ID{Name: "zlib", Version: "1.3"}

	got, err := cache.Path(pkg, catalog.Source{URL: "https://example.com/pub/zlib-1.3.tar.gz"})
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join("/var/cache/kiln/sources", "zlib-1.3", "zlib-1.3.tar.gz")
	if got != want {
		t.Errorf("Path(...) = %q; want %q", got, want)
	}

	if _, err := cache.Path(pkg, catalog.Source{URL: "https://example.com/"}); err == nil {
		t.Error("Path accepted a URL with no file name")
	}
}
