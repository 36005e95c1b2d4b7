// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/tailscale/hujson"
	"kiln.build/pkg/catalog"
	"kiln.build/pkg/internal/endpoint"
	"kiln.build/pkg/internal/executor"
	"kiln.build/pkg/internal/filestore"
	"kiln.build/pkg/sets"
)

// config is the merged configuration surface of all commands.
// Files are HuJSON; later sources override earlier ones field by field.
type config struct {
	Debug bool `json:"debug"`

	CatalogDir     string `json:"catalogDir"`
	StagingDir     string `json:"stagingDir"`
	ReleaseDir     string `json:"releaseDir"`
	SourceCacheDir string `json:"sourceCacheDir"`
	Database       string `json:"database"`

	AvailablePhases           []string `json:"availablePhases"`
	StrictScriptInterpolation bool     `json:"strictScriptInterpolation"`
	// PhaseTimeout is a Go duration string. Empty means no timeout.
	PhaseTimeout string `json:"phaseTimeout"`

	Docker     dockerConfig     `json:"docker"`
	Containers containersConfig `json:"containers"`
	// S3 optionally adds an S3-compatible release store
	// alongside the local one.
	S3 *s3Config `json:"s3"`
}

type dockerConfig struct {
	Images              []imageConfig    `json:"images"`
	VerifyImagesPresent bool             `json:"verifyImagesPresent"`
	Endpoints           []endpointConfig `json:"endpoints"`
}

type imageConfig struct {
	Name      string `json:"name"`
	ShortName string `json:"shortName"`
}

type endpointConfig struct {
	Name    string `json:"name"`
	URI     string `json:"uri"`
	Type    string `json:"type"`
	Speed   int    `json:"speed"`
	MaxJobs int    `json:"maxjobs"`
}

type containersConfig struct {
	CheckEnvNames  bool     `json:"checkEnvNames"`
	StrictEnvNames bool     `json:"strictEnvNames"`
	AllowedEnv     []string `json:"allowedEnv"`
}

type s3Config struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"useSSL"`
}

func defaultConfig() *config {
	return &config{
		CatalogDir:      "packages",
		StagingDir:      filepath.Join(os.TempDir(), "kiln-staging"),
		ReleaseDir:      "releases",
		SourceCacheDir:  "sources",
		Database:        "kiln.db",
		AvailablePhases: []string{"sourcecheck", "depends", "build", "package"},
	}
}

func defaultConfigPaths() []string {
	paths := []string{filepath.Join("/etc", "kiln", "config.hujson")}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "kiln", "config.hujson"))
	}
	paths = append(paths, "kiln.hujson")
	return paths
}

func (c *config) mergeFiles(paths []string) error {
	for _, path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, c, jsonv2.RejectUnknownMembers(true)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}
	return nil
}

func (c *config) mergeEnvironment() error {
	if dir := os.Getenv("KILN_CATALOG_DIR"); dir != "" {
		c.CatalogDir = dir
	}
	if db := os.Getenv("KILN_DATABASE"); db != "" {
		c.Database = db
	}
	return nil
}

func (c *config) validate() error {
	if c.CatalogDir == "" {
		return fmt.Errorf("catalog directory not set")
	}
	if c.Database == "" {
		return fmt.Errorf("database path not set")
	}
	if len(c.AvailablePhases) == 0 {
		return fmt.Errorf("availablePhases must name at least one phase")
	}
	if _, err := c.phaseTimeout(); err != nil {
		return err
	}
	for _, ep := range c.Docker.Endpoints {
		if _, err := endpoint.ParseTransportKind(ep.Type); err != nil {
			return fmt.Errorf("endpoint %s: %v", ep.Name, err)
		}
	}
	return nil
}

func (c *config) phaseVocabulary() []catalog.Phase {
	vocabulary := make([]catalog.Phase, len(c.AvailablePhases))
	for i, p := range c.AvailablePhases {
		vocabulary[i] = catalog.Phase(p)
	}
	return vocabulary
}

func (c *config) phaseTimeout() (time.Duration, error) {
	if c.PhaseTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.PhaseTimeout)
	if err != nil {
		return 0, fmt.Errorf("phaseTimeout: %v", err)
	}
	return d, nil
}

func (c *config) endpointConfigs() ([]endpoint.Config, error) {
	if len(c.Docker.Endpoints) == 0 {
		return nil, fmt.Errorf("no docker endpoints configured")
	}
	configs := make([]endpoint.Config, 0, len(c.Docker.Endpoints))
	for _, ep := range c.Docker.Endpoints {
		kind, err := endpoint.ParseTransportKind(ep.Type)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %v", ep.Name, err)
		}
		configs = append(configs, endpoint.Config{
			Name:    ep.Name,
			URI:     ep.URI,
			Kind:    kind,
			Speed:   ep.Speed,
			MaxJobs: ep.MaxJobs,
		})
	}
	return configs, nil
}

func (c *config) imagePolicy() *executor.ImagePolicy {
	refs := make([]executor.ImageRef, 0, len(c.Docker.Images))
	for _, img := range c.Docker.Images {
		refs = append(refs, executor.ImageRef{Ref: img.Name, ShortName: img.ShortName})
	}
	return executor.NewImagePolicy(refs, c.Docker.VerifyImagesPresent)
}

func (c *config) envPolicy() *executor.EnvPolicy {
	return &executor.EnvPolicy{
		CheckNames: c.Containers.CheckEnvNames,
		Strict:     c.Containers.StrictEnvNames,
		Allowed:    sets.New(c.Containers.AllowedEnv...),
		Lookup:     os.LookupEnv,
	}
}

func (c *config) releaseStores() ([]filestore.ReleaseStore, error) {
	local, err := filestore.NewLocalStore(c.ReleaseDir)
	if err != nil {
		return nil, err
	}
	stores := []filestore.ReleaseStore{local}
	if c.S3 != nil {
		s3, err := filestore.NewS3Store(filestore.S3Config{
			Endpoint:  c.S3.Endpoint,
			AccessKey: c.S3.AccessKey,
			SecretKey: c.S3.SecretKey,
			Bucket:    c.S3.Bucket,
			Region:    c.S3.Region,
			UseSSL:    c.S3.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		stores = append(stores, s3)
	}
	return stores, nil
}
