// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package executor

import (
	"errors"
	"testing"
)

func TestRenderScript(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		vars    map[string]string
		strict  bool
		want    string
		wantErr bool
	}{
		{
			name:   "Empty",
			script: "",
			want:   "",
		},
		{
			name:   "NoVariables",
			script: "make install\n",
			want:   "make install\n",
		},
		{
			name:   "Substitution",
			script: "./configure --prefix=/opt/{{.name}}-{{.version}}\n",
			vars:   map[string]string{"name": "zlib", "version": "1.3"},
			want:   "./configure --prefix=/opt/zlib-1.3\n",
		},
		{
			name:   "LenientUndefinedRendersEmpty",
			script: "echo '{{.missing}}' done",
			vars:   map[string]string{"name": "zlib"},
			want:   "echo '' done",
		},
		{
			name:    "StrictUndefinedFails",
			script:  "echo {{.missing}}",
			vars:    map[string]string{"name": "zlib"},
			strict:  true,
			wantErr: true,
		},
		{
			name:    "ParseError",
			script:  "echo {{.unterminated",
			wantErr: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := renderScript("zlib@1.3", test.script, test.vars, test.strict)
			if test.wantErr {
				if err == nil {
					t.Fatalf("renderScript(...) = %q, <nil>; want error", got)
				}
				var terr *TemplateError
				if !errors.As(err, &terr) {
					t.Errorf("renderScript(...) error = %T; want *TemplateError", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != test.want {
				t.Errorf("renderScript(...) = %q; want %q", got, test.want)
			}
		})
	}
}
