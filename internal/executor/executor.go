// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package executor runs one phase of one build job
// inside a sandboxed, ephemeral container on a chosen endpoint.
//
// Every phase gets a fresh container.
// The container is always stopped and removed,
// whatever the phase outcome:
// success, non-zero exit, timeout, or orchestrator-side cancellation.
package executor

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"kiln.build/pkg/catalog"
	"kiln.build/pkg/internal/buildgraph"
	"kiln.build/pkg/internal/endpoint"
	"kiln.build/pkg/internal/xmaps"
	"kiln.build/pkg/sets"
	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"
)

// DefaultOutputDir is the in-container directory
// that build scripts place their outputs in.
const DefaultOutputDir = "/outputs"

const teardownTimeout = 30 * time.Second

// DockerAPI is the subset of the Docker Engine API the executor uses.
// It is satisfied by [*client.Client].
type DockerAPI interface {
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
}

var _ DockerAPI = (*client.Client)(nil)

// ImageRef is one entry of the configured image allow-list.
type ImageRef struct {
	Ref       string
	ShortName string
}

// ImagePolicy is the globally configured image allow-list.
type ImagePolicy struct {
	refs       sets.Set[string]
	shortNames map[string]string

	// VerifyPresent makes the executor confirm that the image
	// exists on the endpoint before dispatching a phase to it.
	VerifyPresent bool
}

// NewImagePolicy builds an image policy from the configured allow-list.
func NewImagePolicy(images []ImageRef, verifyPresent bool) *ImagePolicy {
	p := &ImagePolicy{
		refs:          sets.New[string](),
		shortNames:    make(map[string]string),
		VerifyPresent: verifyPresent,
	}
	for _, img := range images {
		p.refs.Add(img.Ref)
		if img.ShortName != "" {
			p.shortNames[img.ShortName] = img.Ref
		}
	}
	return p
}

// Resolve maps an image name from a package spec
// (either a full reference or a configured short name)
// to the full allow-listed reference.
func (p *ImagePolicy) Resolve(name string) (string, bool) {
	if ref, ok := p.shortNames[name]; ok {
		return ref, true
	}
	if p.refs.Has(name) {
		return name, true
	}
	return "", false
}

// An ImageNotAllowedError reports a job whose target image
// is not on the configured allow-list
// (or could not be confirmed present on the endpoint).
// It is job-scoped and not retried.
type ImageNotAllowedError struct {
	Package string
	Image   string
	// Endpoint is set if the image is allow-listed
	// but absent from the endpoint.
	Endpoint string
}

func (e *ImageNotAllowedError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("package %s: image %s not present on endpoint %s", e.Package, e.Image, e.Endpoint)
	}
	return fmt.Sprintf("package %s: image %s is not in the configured allow-list", e.Package, e.Image)
}

// A PhaseTimeoutError reports a phase that exceeded the configured
// per-phase timeout.
// It propagates through the graph exactly like a phase failure.
type PhaseTimeoutError struct {
	Package string
	Phase   catalog.Phase
	Timeout time.Duration
}

func (e *PhaseTimeoutError) Error() string {
	return fmt.Sprintf("package %s: phase %s timed out after %v", e.Package, e.Phase, e.Timeout)
}

// An ExitError reports a phase whose script exited with a non-zero status.
// This is a phase failure, not a crash.
type ExitError struct {
	Package string
	Phase   catalog.Phase
	Code    int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("package %s: phase %s exited with status %d", e.Package, e.Phase, e.Code)
}

// Docker executes build phases in containers via the Docker Engine API.
type Docker struct {
	Images *ImagePolicy
	Env    *EnvPolicy
	// StrictInterpolation makes undefined script template variables
	// a hard error before any container starts.
	StrictInterpolation bool
	// PhaseTimeout bounds each phase's wall-clock time.
	// Zero means no timeout.
	PhaseTimeout time.Duration
	// OutputDir is the in-container output location.
	// Empty means [DefaultOutputDir].
	OutputDir string

	// Client overrides the per-endpoint API client. Used by tests.
	Client func(ep *endpoint.Endpoint) DockerAPI
}

func (d *Docker) api(ep *endpoint.Endpoint) DockerAPI {
	if d.Client != nil {
		return d.Client(ep)
	}
	return ep.Client()
}

func (d *Docker) outputDir() string {
	if d.OutputDir == "" {
		return DefaultOutputDir
	}
	return d.OutputDir
}

// RunPhase runs a single phase of job in a fresh container on ep.
//
// The returned PhaseExecution is non-nil whenever a container ran,
// even if the phase failed.
// If stagingDir is non-empty, the container's output directory is copied
// into stagingDir after a successful script exit and before teardown.
func (d *Docker) RunPhase(ctx context.Context, job *buildgraph.Job, phase catalog.Phase, ep *endpoint.Endpoint, stagingDir string) (*buildgraph.PhaseExecution, error) {
	spec := job.Spec
	pkg := spec.ID().String()

	imageRef, allowed := d.Images.Resolve(spec.Image)
	if !allowed {
		return nil, &ImageNotAllowedError{Package: pkg, Image: spec.Image}
	}
	api := d.api(ep)
	if d.Images.VerifyPresent {
		if err := d.verifyImagePresent(ctx, api, ep, pkg, imageRef); err != nil {
			return nil, err
		}
	}

	env, err := buildEnvironment(pkg, spec.Environment, d.Env)
	if err != nil {
		return nil, err
	}
	vars := maps.Clone(env)
	if vars == nil {
		vars = make(map[string]string)
	}
	vars["name"] = string(spec.Name)
	vars["version"] = string(spec.Version)
	vars["phase"] = string(phase)
	script, err := renderScript(pkg, spec.Script, vars, d.StrictInterpolation)
	if err != nil {
		return nil, err
	}

	phaseCtx := ctx
	var cancel context.CancelFunc
	if d.PhaseTimeout > 0 {
		phaseCtx, cancel = context.WithTimeout(ctx, d.PhaseTimeout)
		defer cancel()
	}

	envList := make([]string, 0, len(env))
	for k, v := range xmaps.Sorted(env) {
		envList = append(envList, k+"="+v)
	}
	containerName := fmt.Sprintf("kiln-%s-%s-%s", spec.Name, phase, uuid.NewString()[:8])
	created, err := api.ContainerCreate(phaseCtx, &container.Config{
		Image:      imageRef,
		Env:        envList,
		Cmd:        []string{"/bin/sh", "-euc", script},
		WorkingDir: "/build",
		Labels: map[string]string{
			"build.kiln.package": pkg,
			"build.kiln.phase":   string(phase),
		},
	}, &container.HostConfig{}, nil, nil, containerName)
	if err != nil {
		return nil, d.wrapAPIError(ep, fmt.Sprintf("create container for %s phase %s", pkg, phase), err)
	}
	defer d.teardown(ctx, api, ep, created.ID)

	pe := &buildgraph.PhaseExecution{
		Phase:    phase,
		Endpoint: ep.Name(),
		Started:  time.Now(),
	}
	log.Debugf(ctx, "Starting container %s (%s phase %s) on endpoint %s", containerName, pkg, phase, ep.Name())
	if err := api.ContainerStart(phaseCtx, created.ID, container.StartOptions{}); err != nil {
		return nil, d.wrapAPIError(ep, fmt.Sprintf("start container for %s phase %s", pkg, phase), err)
	}

	output := new(bytes.Buffer)
	logsDone := make(chan error, 1)
	logs, err := api.ContainerLogs(phaseCtx, created.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, d.wrapAPIError(ep, fmt.Sprintf("stream logs for %s phase %s", pkg, phase), err)
	}
	go func() {
		defer logs.Close()
		// Combined stream: both stdout and stderr land in the phase record.
		_, err := stdcopy.StdCopy(output, output, logs)
		logsDone <- err
	}()

	exitCode, waitErr := waitForExit(phaseCtx, api, created.ID)
	if err := <-logsDone; err != nil && waitErr == nil {
		log.Warnf(ctx, "Log stream for %s phase %s: %v", pkg, phase, err)
	}
	pe.Ended = time.Now()
	pe.Output = output.Bytes()
	pe.ExitCode = exitCode

	if waitErr != nil {
		if phaseCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return pe, &PhaseTimeoutError{Package: pkg, Phase: phase, Timeout: d.PhaseTimeout}
		}
		if ctx.Err() != nil {
			return pe, fmt.Errorf("run %s phase %s: %w", pkg, phase, ctx.Err())
		}
		return pe, d.wrapAPIError(ep, fmt.Sprintf("wait for %s phase %s", pkg, phase), waitErr)
	}
	if exitCode != 0 {
		return pe, &ExitError{Package: pkg, Phase: phase, Code: exitCode}
	}

	if stagingDir != "" {
		if err := d.collectOutputs(ctx, api, created.ID, stagingDir); err != nil {
			return pe, fmt.Errorf("collect outputs of %s: %w", pkg, err)
		}
	}
	return pe, nil
}

func (d *Docker) verifyImagePresent(ctx context.Context, api DockerAPI, ep *endpoint.Endpoint, pkg, imageRef string) error {
	summaries, err := api.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", imageRef)),
	})
	if err != nil {
		return d.wrapAPIError(ep, fmt.Sprintf("verify image %s", imageRef), err)
	}
	if len(summaries) == 0 {
		return &ImageNotAllowedError{Package: pkg, Image: imageRef, Endpoint: ep.Name()}
	}
	return nil
}

func (d *Docker) wrapAPIError(ep *endpoint.Endpoint, op string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return &endpoint.Error{Endpoint: ep.Name(), Err: fmt.Errorf("%s: %w", op, err)}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func waitForExit(ctx context.Context, api DockerAPI, containerID string) (exitCode int, err error) {
	statusCh, errCh := api.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), errors.New(status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		return -1, err
	}
}

// teardown stops and removes the container.
// It runs on a context detached from the run
// so that an operator abort still cleans up.
func (d *Docker) teardown(ctx context.Context, api DockerAPI, ep *endpoint.Endpoint, containerID string) {
	ctx, cancel := context.WithTimeout(xcontext.IgnoreDeadline(ctx), teardownTimeout)
	defer cancel()
	stopTimeout := 10
	if err := api.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		log.Debugf(ctx, "Stop container %s on %s: %v", containerID, ep.Name(), err)
	}
	if err := api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		log.Warnf(ctx, "Remove container %s on %s: %v", containerID, ep.Name(), err)
	}
}

// collectOutputs copies the container's output directory into stagingDir.
// The Docker API hands back a tar stream rooted at the output directory's
// base name, which is stripped while extracting.
func (d *Docker) collectOutputs(ctx context.Context, api DockerAPI, containerID, stagingDir string) error {
	rc, _, err := api.CopyFromContainer(ctx, containerID, d.outputDir())
	if err != nil {
		return err
	}
	defer rc.Close()
	return extractTar(rc, filepath.Base(d.outputDir()), stagingDir)
}

func extractTar(r io.Reader, stripPrefix, dst string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		name := strings.TrimPrefix(path.Clean(hdr.Name), stripPrefix)
		name = strings.TrimPrefix(name, "/")
		if name == "" || name == "." {
			continue
		}
		target := filepath.Join(dst, filepath.FromSlash(name))
		if !strings.HasPrefix(target, filepath.Clean(dst)+string(os.PathSeparator)) {
			return fmt.Errorf("tar entry %q escapes destination", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			perm := os.FileMode(0o644)
			if hdr.FileInfo().Mode()&0o111 != 0 {
				perm = 0o755
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, tr)
			err2 := f.Close()
			if err != nil {
				return err
			}
			if err2 != nil {
				return err2
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			return fmt.Errorf("tar entry %q: unhandled type %v", hdr.Name, hdr.Typeflag)
		}
	}
}
