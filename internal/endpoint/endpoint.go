// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package endpoint manages the set of configured container endpoints
// and the per-endpoint capacity accounting for a run.
package endpoint

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/client"
)

// TransportKind describes how an endpoint is reached.
type TransportKind int

// Transport kinds.
const (
	// Network endpoints are reached over TCP.
	Network TransportKind = iota + 1
	// LocalSocket endpoints are reached over a Unix domain socket.
	LocalSocket
)

// ParseTransportKind parses the configuration string form of a transport kind.
func ParseTransportKind(s string) (TransportKind, error) {
	switch s {
	case "network":
		return Network, nil
	case "socket":
		return LocalSocket, nil
	default:
		return 0, fmt.Errorf("unknown endpoint type %q (want \"network\" or \"socket\")", s)
	}
}

// String returns the configuration string form of the transport kind.
func (k TransportKind) String() string {
	switch k {
	case Network:
		return "network"
	case LocalSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// Config is the configured description of a single endpoint.
type Config struct {
	Name string
	URI  string
	Kind TransportKind
	// Speed is a reserved relative weighting hint.
	// It is parsed and carried but does not influence scheduling.
	Speed int
	// MaxJobs is the maximum number of jobs the endpoint runs concurrently.
	MaxJobs int
}

// An Endpoint is a container execution backend with finite concurrent capacity.
type Endpoint struct {
	name    string
	uri     string
	kind    TransportKind
	speed   int
	maxJobs int
	client  *client.Client
}

// New constructs an endpoint from its configuration.
// The Docker client is created eagerly but does not dial until first use.
func New(cfg Config) (*Endpoint, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("endpoint with empty name")
	}
	if cfg.MaxJobs < 1 {
		return nil, fmt.Errorf("endpoint %s: maxjobs must be at least 1 (got %d)", cfg.Name, cfg.MaxJobs)
	}
	host := cfg.URI
	switch cfg.Kind {
	case Network:
		if !strings.Contains(host, "://") {
			host = "tcp://" + host
		}
	case LocalSocket:
		if !strings.Contains(host, "://") {
			host = "unix://" + host
		}
	default:
		return nil, fmt.Errorf("endpoint %s: missing endpoint type", cfg.Name)
	}
	c, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %v", cfg.Name, err)
	}
	return &Endpoint{
		name:    cfg.Name,
		uri:     cfg.URI,
		kind:    cfg.Kind,
		speed:   cfg.Speed,
		maxJobs: cfg.MaxJobs,
		client:  c,
	}, nil
}

// Name returns the endpoint's configured name.
func (e *Endpoint) Name() string {
	return e.name
}

// MaxJobs returns the endpoint's configured capacity.
func (e *Endpoint) MaxJobs() int {
	return e.maxJobs
}

// Client returns the Docker API client for the endpoint.
// The client does not dial until it is used.
func (e *Endpoint) Client() *client.Client {
	return e.client
}

// Ping checks connectivity with the endpoint's daemon.
// Failures are reported as an [*Error].
func (e *Endpoint) Ping(ctx context.Context) error {
	if _, err := e.client.Ping(ctx); err != nil {
		return &Error{Endpoint: e.name, Err: err}
	}
	return nil
}

// An Error is a failure to communicate with an endpoint
// (unreachable daemon, handshake failure).
// It marks the endpoint, not the job, as the faulty party:
// the scheduler retries the job on a different endpoint where possible.
type Error struct {
	Endpoint string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("endpoint %s: %v", e.Endpoint, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
