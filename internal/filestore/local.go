// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"kiln.build/pkg/catalog"
	"zombiezen.com/go/log"
)

// A LocalStore is a release store backed by a local directory.
//
// Files are written to a temporary name in the store
// and renamed into place,
// so a partially published artifact is never observable.
type LocalStore struct {
	root string
}

// NewLocalStore opens (creating if needed) a local release store at root.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("open release store: %v", err)
	}
	return &LocalStore{root: root}, nil
}

// Root returns the store's directory.
func (s *LocalStore) Root() string {
	return s.root
}

// Publish implements [ReleaseStore].
func (s *LocalStore) Publish(ctx context.Context, pkg catalog.ID, stagingDir string) ([]Artifact, error) {
	files, err := stagedFiles(pkg, stagingDir)
	if err != nil {
		return nil, err
	}
	artifacts := make([]Artifact, 0, len(files))
	for _, name := range files {
		src := filepath.Join(stagingDir, filepath.FromSlash(name))
		digest, size, err := fileDigest(src)
		if err != nil {
			return nil, &ArtifactError{Package: pkg, Path: name, Err: err}
		}
		dst := filepath.Join(s.root, filepath.FromSlash(name))
		existing, existingSize, err := s.existingDigest(dst)
		switch {
		case err != nil:
			return nil, &ArtifactError{Package: pkg, Path: name, Err: err}
		case existing == digest && existingSize == size:
			// Same content already published. Republishing is a no-op.
			log.Debugf(ctx, "Artifact %s of %v already published", name, pkg)
		case existing != "":
			return nil, &ArtifactError{
				Package: pkg,
				Path:    name,
				Err:     fmt.Errorf("already published with different content (%s)", existing),
			}
		default:
			if err := s.install(src, dst); err != nil {
				return nil, &ArtifactError{Package: pkg, Path: name, Err: err}
			}
			log.Debugf(ctx, "Published artifact %s of %v (%s)", name, pkg, digest)
		}
		artifacts = append(artifacts, Artifact{Name: name, Size: size, Digest: digest})
	}
	return artifacts, nil
}

func (s *LocalStore) existingDigest(dst string) (digest string, size int64, err error) {
	if _, err := os.Lstat(dst); os.IsNotExist(err) {
		return "", 0, nil
	} else if err != nil {
		return "", 0, err
	}
	return fileDigest(dst)
}

func (s *LocalStore) install(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".kiln-publish-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
