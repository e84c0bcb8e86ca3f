package io_test

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storageio "github.com/iterate-ops/machines/internal/storage/io"
)

func TestGetEnv(t *testing.T) {
	tests := map[string]struct {
		file   string
		expEnv map[string]string
		expErr bool
	}{
		"A valid environment file should load.": {
			file: `
env:
  DAYTONA_API_KEY: "dtn-test"
  FLY_ORG: "iterate"
`,
			expEnv: map[string]string{
				"DAYTONA_API_KEY": "dtn-test",
				"FLY_ORG":         "iterate",
			},
		},

		"A file without an env section should load empty.": {
			file:   `{}`,
			expEnv: nil,
		},

		"An invalid key should fail.": {
			file: `
env:
  "1BAD": "value"
`,
			expErr: true,
		},

		"Broken YAML should fail.": {
			file:   `env: [`,
			expErr: true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			fsys := fstest.MapFS{
				"machines.yaml": &fstest.MapFile{Data: []byte(tt.file)},
			}

			repo := storageio.NewEnvYAMLRepository(fsys)
			env, err := repo.GetEnv(context.Background(), "machines.yaml")

			if tt.expErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expEnv, env)
		})
	}
}
