// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package filestore

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"kiln.build/pkg/catalog"
	"zombiezen.com/go/log"
)

const digestMetadataKey = "Kiln-Digest"

// S3Config configures an S3-compatible release store.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// An S3Store is a release store backed by an S3-compatible object store.
// Artifact digests are carried as object metadata
// so that republication can be detected without downloading.
type S3Store struct {
	client *minio.Client
	bucket string
	region string
}

// NewS3Store connects to an S3-compatible release store.
// The client does not dial until first use.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("open s3 release store: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("open s3 release store: %v", err)
	}
	return &S3Store{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the store's bucket if it does not already exist.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("ensure bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("ensure bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Publish implements [ReleaseStore].
func (s *S3Store) Publish(ctx context.Context, pkg catalog.ID, stagingDir string) ([]Artifact, error) {
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
		stat, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
		switch {
		case err == nil && stat.UserMetadata[digestMetadataKey] == digest:
			log.Debugf(ctx, "Artifact %s of %v already published", name, pkg)
		case err == nil:
			return nil, &ArtifactError{
				Package: pkg,
				Path:    name,
				Err:     fmt.Errorf("already published with different content (%s)", stat.UserMetadata[digestMetadataKey]),
			}
		case minio.ToErrorResponse(err).Code == "NoSuchKey":
			_, err := s.client.FPutObject(ctx, s.bucket, name, src, minio.PutObjectOptions{
				ContentType:  "application/octet-stream",
				UserMetadata: map[string]string{digestMetadataKey: digest},
			})
			if err != nil {
				return nil, &ArtifactError{Package: pkg, Path: name, Err: err}
			}
			log.Debugf(ctx, "Published artifact %s of %v (%s)", name, pkg, digest)
		default:
			return nil, &ArtifactError{Package: pkg, Path: name, Err: err}
		}
		artifacts = append(artifacts, Artifact{Name: name, Size: size, Digest: digest})
	}
	return artifacts, nil
}
