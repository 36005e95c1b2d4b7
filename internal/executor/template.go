// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package executor

import (
	"fmt"
	"strings"
	"text/template"
)

// A TemplateError is a failure to render a job's build script template.
// It is job-scoped: the phase fails before any container is started.
type TemplateError struct {
	Package string
	Err     error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("render script for %s: %v", e.Package, e.Err)
}

func (e *TemplateError) Unwrap() error {
	return e.Err
}

// renderScript renders a build script template against job metadata.
//
// The template sees a flat map of variables:
// the package name, version, and current phase,
// plus the filtered environment.
// Under strict interpolation any reference to an undefined variable
// is a hard error; otherwise it renders as the empty string.
func renderScript(pkg, script string, vars map[string]string, strict bool) (string, error) {
	missingKey := "missingkey=zero"
	if strict {
		missingKey = "missingkey=error"
	}
	tmpl, err := template.New("script").Option(missingKey).Parse(script)
	if err != nil {
		return "", &TemplateError{Package: pkg, Err: err}
	}
	sb := new(strings.Builder)
	if err := tmpl.Execute(sb, vars); err != nil {
		return "", &TemplateError{Package: pkg, Err: err}
	}
	out := sb.String()
	if !strict {
		// missingkey=zero renders absent map entries as "<no value>".
		out = strings.ReplaceAll(out, "<no value>", "")
	}
	return out, nil
}
