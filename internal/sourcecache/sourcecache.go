// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package sourcecache manages the local cache of package sources
// and verifies cached files against their declared digests.
package sourcecache

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"kiln.build/pkg/catalog"
	"zombiezen.com/go/nix"
)

// A Cache is a directory of downloaded package sources,
// laid out as <root>/<name>-<version>/<file>.
type Cache struct {
	root string
}

// Open opens (creating if needed) the source cache at root.
func Open(root string) (*Cache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("open source cache: %v", err)
	}
	return &Cache{root: root}, nil
}

// Path returns the cache location for one source of a package.
// The file name is the last element of the source URL.
func (c *Cache) Path(pkg catalog.ID, src catalog.Source) (string, error) {
	u, err := url.Parse(src.URL)
	if err != nil {
		return "", fmt.Errorf("source of %v: %v", pkg, err)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("source of %v: cannot derive file name from %s", pkg, src.URL)
	}
	return filepath.Join(c.root, fmt.Sprintf("%s-%s", pkg.Name, pkg.Version), name), nil
}

// A HashMismatchError reports a cached source file
// whose content does not match its declared digest.
type HashMismatchError struct {
	Path string
	Want string
	Got  string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("%s: hash mismatch (declared %s, computed %s)", e.Path, e.Want, e.Got)
}

// A Verification is the result of checking one source of one package.
type Verification struct {
	Package catalog.ID
	URL     string
	Path    string
	// Err is nil if the cached file matches its declared digest.
	// It wraps [fs.ErrNotExist] if the source has not been cached
	// and is a [*HashMismatchError] on digest mismatch.
	Err error
}

// Verify checks every declared source of spec against the cache.
// It returns one result per source;
// the error is reserved for failures of the cache itself.
func (c *Cache) Verify(spec *catalog.Spec) ([]Verification, error) {
	pkg := spec.ID()
	results := make([]Verification, 0, len(spec.Sources))
	for _, src := range spec.Sources {
		v := Verification{Package: pkg, URL: src.URL}
		v.Path, v.Err = c.Path(pkg, src)
		if v.Err == nil {
			v.Err = verifyFile(v.Path, src.Hash)
		}
		results = append(results, v)
	}
	return results, nil
}

func verifyFile(path string, want catalog.SourceHash) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var typ nix.HashType
	switch want.Type {
	case "sha256":
		typ = nix.SHA256
	case "sha512":
		typ = nix.SHA512
	default:
		return fmt.Errorf("%s: unsupported hash type %q", path, want.Type)
	}
	h := nix.NewHasher(typ)
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("%s: %v", path, err)
	}
	got := h.SumHash().RawBase16()
	if !strings.EqualFold(got, want.Value) {
		return &HashMismatchError{Path: path, Want: want.Value, Got: got}
	}
	return nil
}
