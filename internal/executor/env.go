// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package executor

import (
	"fmt"

	"kiln.build/pkg/sets"
)

// EnvPolicy controls which environment variables a build may see.
type EnvPolicy struct {
	// CheckNames enables enforcement of the allow-list.
	// When false, every requested variable is passed through.
	CheckNames bool
	// Strict turns an allow-list violation into an error
	// instead of silently dropping the variable.
	Strict bool
	// Allowed is the global allow-list of variable names.
	Allowed sets.Set[string]
	// Lookup resolves a variable name to its value.
	// If nil, the variable resolves to empty-and-absent.
	Lookup func(name string) (string, bool)
}

// An EnvNotAllowedError reports a requested environment variable
// that is not on the configured allow-list under strict checking.
// It is a configuration-class error and fails the job.
type EnvNotAllowedError struct {
	Package string
	Name    string
}

func (e *EnvNotAllowedError) Error() string {
	return fmt.Sprintf("package %s requests environment variable %s which is not allow-listed", e.Package, e.Name)
}

// buildEnvironment intersects the job's requested variables with the policy.
// Only requested, allow-listed, resolvable variables appear in the result:
// the rest of the host process environment never leaks into the container.
func buildEnvironment(pkg string, requested []string, policy *EnvPolicy) (map[string]string, error) {
	env := make(map[string]string, len(requested))
	for _, name := range requested {
		if policy.CheckNames && !policy.Allowed.Has(name) {
			if policy.Strict {
				return nil, &EnvNotAllowedError{Package: pkg, Name: name}
			}
			continue
		}
		if policy.Lookup == nil {
			continue
		}
		if value, ok := policy.Lookup(name); ok {
			env[name] = value
		}
	}
	return env, nil
}
