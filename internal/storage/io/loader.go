// Package io loads machine configuration from files.
package io

import (
	"context"
	"fmt"
	"io/fs"
	"regexp"

	"gopkg.in/yaml.v3"
)

// EnvYAMLRepository loads backend environment overlays from YAML files.
//
// An environment file carries backend credentials and defaults that should
// not live in the host environment or on the command line:
//
//	env:
//	  DAYTONA_API_KEY: "dtn_..."
//	  DAYTONA_SNAPSHOT: "agent-base"
//	  FLY_API_TOKEN: "fo1_..."
//	  FLY_ORG: "iterate"
type EnvYAMLRepository struct {
	fs fs.FS
}

// NewEnvYAMLRepository creates a new YAML environment repository.
func NewEnvYAMLRepository(filesystem fs.FS) *EnvYAMLRepository {
	return &EnvYAMLRepository{fs: filesystem}
}

// GetEnv loads an environment overlay from a YAML file and returns a
// validated map.
func (r *EnvYAMLRepository) GetEnv(ctx context.Context, path string) (map[string]string, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading environment file: %w", err)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var file envFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	if err := file.validate(); err != nil {
		return nil, fmt.Errorf("invalid environment file: %w", err)
	}

	return file.Env, nil
}

// envFile represents the YAML structure of an environment file.
type envFile struct {
	Env map[string]string `yaml:"env"`
}

var envKeyRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (f envFile) validate() error {
	for k := range f.Env {
		if !envKeyRegexp.MatchString(k) {
			return fmt.Errorf("invalid environment variable key %q", k)
		}
	}

	return nil
}
