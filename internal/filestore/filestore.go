// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package filestore manages the artifact areas of a run:
// the per-run staging area that containers copy their outputs into
// and the release store that successful jobs publish from.
//
// Staged files only become release artifacts through [ReleaseStore.Publish],
// which is atomic per file and idempotent for identical content.
package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"kiln.build/pkg/catalog"
	"zombiezen.com/go/nix"
)

// An Artifact is one published build output.
type Artifact struct {
	// Name is the store-relative path of the artifact.
	Name string
	Size int64
	// Digest is the SRI form of the artifact's SHA-256 content hash.
	Digest string
}

// An ArtifactError reports a failure to stage or publish a build output.
// It fails the owning job; dependents are skipped like any other failure.
type ArtifactError struct {
	Package catalog.ID
	Path    string
	Err     error
}

func (e *ArtifactError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("artifact %s of %v: %v", e.Path, e.Package, e.Err)
	}
	return fmt.Sprintf("artifacts of %v: %v", e.Package, e.Err)
}

func (e *ArtifactError) Unwrap() error {
	return e.Err
}

// A ReleaseStore durably stores published artifacts.
type ReleaseStore interface {
	// Publish moves every regular file under stagingDir into the store.
	// Publishing content identical to an already-stored artifact is a no-op;
	// publishing different content under an existing name is an error.
	// The returned artifacts are sorted by name.
	Publish(ctx context.Context, pkg catalog.ID, stagingDir string) ([]Artifact, error)
}

// Staging is the scratch area for one run.
// Each job gets its own directory that its container outputs are copied into.
type Staging struct {
	dir string
}

// NewStaging creates the staging area for a run under root.
func NewStaging(root, runID string) (*Staging, error) {
	dir := filepath.Join(root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("new staging area: %v", err)
	}
	return &Staging{dir: dir}, nil
}

// Dir returns the root of the staging area.
func (s *Staging) Dir() string {
	return s.dir
}

// JobDir creates (if needed) and returns the staging directory for a job.
func (s *Staging) JobDir(pkg catalog.ID) (string, error) {
	dir := filepath.Join(s.dir, pkg.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &ArtifactError{Package: pkg, Err: err}
	}
	return dir, nil
}

// Remove deletes the staging area and everything in it.
// Called after all of a run's publications have completed.
func (s *Staging) Remove() error {
	return os.RemoveAll(s.dir)
}

// fileDigest hashes one file's content.
func fileDigest(path string) (digest string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := nix.NewHasher(nix.SHA256)
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return h.SumHash().SRI(), n, nil
}

// stagedFiles lists the regular files under dir as slash-separated
// dir-relative paths, sorted.
func stagedFiles(pkg catalog.ID, dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, &ArtifactError{Package: pkg, Err: err}
	}
	if len(files) == 0 {
		return nil, &ArtifactError{Package: pkg, Err: fmt.Errorf("build produced no artifacts")}
	}
	return files, nil
}
